package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/devtrail/devtrail/internal/ingest"
	"github.com/devtrail/devtrail/internal/store"
)

type ingestRequest struct {
	Events []*ingest.Envelope `json:"events"`
}

// ingestEvents accepts an event batch and returns 202 with ingest counts.
// Schema failures reject the whole batch with per-event diagnostics.
func (s *Server) ingestEvents(c *gin.Context) {
	var body ingestRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	result, err := s.deps.Ingest.Ingest(c.Request.Context(), body.Events)
	if err != nil {
		var batchErr *ingest.BatchError
		if errors.As(err, &batchErr) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":       "invalid batch",
				"diagnostics": batchErr.Diagnostics,
			})
			return
		}
		s.internalError(c, "failed to ingest events", err)
		return
	}

	if s.deps.Hub != nil {
		for _, env := range body.Events {
			s.deps.Hub.BroadcastEvent(env.Event())
		}
	}
	c.JSON(http.StatusAccepted, result)
}

// listEvents is the append-only audit view over raw events.
func (s *Server) listEvents(c *gin.Context) {
	limit, cursor, ok := pageParams(c)
	if !ok {
		return
	}

	events, err := s.deps.Store.ListEvents(c.Request.Context(), store.EventFilter{
		WorkspaceID: c.Query("workspace_id"),
		DeviceID:    c.Query("device_id"),
		Type:        c.Query("type"),
		Limit:       limit + 1,
		Cursor:      cursor,
	})
	if err != nil {
		s.internalError(c, "failed to list events", err)
		return
	}

	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}
	resp := gin.H{"events": events, "has_more": hasMore, "next_cursor": nil}
	if hasMore {
		last := events[len(events)-1]
		resp["next_cursor"] = encodeCursor(&store.Keyset{U: last.Timestamp, I: last.ID})
	}
	c.JSON(http.StatusOK, resp)
}

// health reports dependency reachability and feed stats.
func (s *Server) health(c *gin.Context) {
	ctx := c.Request.Context()

	postgres := s.deps.Store.Ping(ctx) == nil
	redis := s.deps.Stream.Ping(ctx) == nil

	status := "ok"
	if !postgres || !redis {
		status = "degraded"
	}

	wsClients := 0
	if s.deps.Hub != nil {
		wsClients = s.deps.Hub.ClientCount()
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     status,
		"postgres":   postgres,
		"redis":      redis,
		"ws_clients": wsClients,
		"uptime":     time.Since(s.startedAt).String(),
		"version":    Version,
	})
}
