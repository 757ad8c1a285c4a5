// Package api exposes the HTTP surface: ingestion, session and workspace
// queries, the timeline, prompts, and health.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/devtrail/devtrail/internal/common/config"
	"github.com/devtrail/devtrail/internal/common/httpmw"
	"github.com/devtrail/devtrail/internal/common/logger"
	"github.com/devtrail/devtrail/internal/gateway/websocket"
	"github.com/devtrail/devtrail/internal/ingest"
	"github.com/devtrail/devtrail/internal/pipeline"
	"github.com/devtrail/devtrail/internal/store"
	"github.com/devtrail/devtrail/internal/stream"
	"github.com/devtrail/devtrail/internal/timeline"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Deps carries everything the HTTP surface needs.
type Deps struct {
	Store     store.Store
	Stream    stream.Stream
	Ingest    *ingest.Service
	Queue     *pipeline.Queue
	Assembler *timeline.Assembler
	Hub       *websocket.Hub
	Logger    *logger.Logger
}

// Server is the devtrail HTTP server.
type Server struct {
	router    *gin.Engine
	http      *http.Server
	deps      Deps
	logger    *logger.Logger
	startedAt time.Time
}

// NewServer builds the router and wires every route.
func NewServer(cfg config.ServerConfig, auth config.AuthConfig, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	// Workspace canonical IDs contain slashes and arrive percent-encoded.
	router.UseRawPath = true
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(deps.Logger, "api"))

	s := &Server{
		router:    router,
		deps:      deps,
		logger:    deps.Logger,
		startedAt: time.Now(),
		http: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeoutDuration(),
			WriteTimeout: cfg.WriteTimeoutDuration(),
		},
	}

	api := router.Group("/api")
	if auth.APIKey != "" {
		api.Use(httpmw.BearerAuth(auth.APIKey))
	}

	api.GET("/health", s.health)
	api.POST("/events/ingest", s.ingestEvents)
	api.GET("/events", s.listEvents)

	api.GET("/sessions", s.listSessions)
	api.POST("/sessions/status", s.sessionStatuses)
	api.GET("/sessions/:id", s.getSession)
	api.GET("/sessions/:id/transcript", s.getTranscript)
	api.GET("/sessions/:id/events", s.getSessionEvents)
	api.GET("/sessions/:id/git", s.getSessionGit)
	api.PATCH("/sessions/:id", s.patchSession)
	api.POST("/sessions/:id/reparse", s.reparseSession)

	api.GET("/workspaces", s.listWorkspaces)
	api.GET("/workspaces/:id", s.getWorkspace)
	api.GET("/devices", s.listDevices)
	api.GET("/devices/:id", s.getDevice)

	api.GET("/timeline", s.getTimeline)

	api.GET("/prompts/pending", s.pendingPrompts)
	api.POST("/prompts/dismiss", s.dismissPrompt)

	if deps.Hub != nil {
		wsHandler := websocket.NewHandler(deps.Hub, deps.Logger)
		api.GET("/ws", wsHandler.HandleConnection)
	}

	return s
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
