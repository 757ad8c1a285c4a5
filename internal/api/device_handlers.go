package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/devtrail/devtrail/internal/store"
)

func (s *Server) listDevices(c *gin.Context) {
	devices, err := s.deps.Store.ListDevices(c.Request.Context())
	if err != nil {
		s.internalError(c, "failed to list devices", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (s *Server) getDevice(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	device, err := s.deps.Store.GetDevice(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			notFound(c, "device not found")
			return
		}
		s.internalError(c, "failed to load device", err)
		return
	}

	workspaces, err := s.deps.Store.DeviceWorkspaces(ctx, id)
	if err != nil {
		s.internalError(c, "failed to load device workspaces", err)
		return
	}
	recent, err := s.deps.Store.DeviceRecentSessions(ctx, id, recentSessionsLimit)
	if err != nil {
		s.internalError(c, "failed to load recent sessions", err)
		return
	}
	stats, err := s.deps.Store.DeviceStats(ctx, id)
	if err != nil {
		s.internalError(c, "failed to load device stats", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"device":          device,
		"workspaces":      workspaces,
		"recent_sessions": recent,
		"stats":           stats,
	})
}
