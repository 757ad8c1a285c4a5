package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"

	"github.com/devtrail/devtrail/internal/models"
	"github.com/devtrail/devtrail/internal/store"
)

const recentSessionsLimit = 10

func (s *Server) listWorkspaces(c *gin.Context) {
	limit, cursor, ok := pageParams(c)
	if !ok {
		return
	}

	workspaces, err := s.deps.Store.ListWorkspaces(c.Request.Context(), limit+1, cursor)
	if err != nil {
		s.internalError(c, "failed to list workspaces", err)
		return
	}

	hasMore := len(workspaces) > limit
	if hasMore {
		workspaces = workspaces[:limit]
	}
	resp := gin.H{"workspaces": workspaces, "has_more": hasMore, "next_cursor": nil}
	if hasMore {
		last := workspaces[len(workspaces)-1]
		// Workspaces without sessions sort on the epoch sentinel, so the
		// cursor has to carry the same value the stores compare against.
		key := store.Keyset{U: time.Unix(0, 0).UTC(), I: last.ID}
		if last.LastSessionAt != nil {
			key.U = *last.LastSessionAt
		}
		resp["next_cursor"] = encodeCursor(&key)
	}
	c.JSON(http.StatusOK, resp)
}

// resolveWorkspace accepts a workspace ID, canonical ID, or display name.
// A display name matching more than one workspace is an error the caller
// turns into a 400 listing the matches.
func (s *Server) resolveWorkspace(c *gin.Context, ref string) (*models.Workspace, bool) {
	ctx := c.Request.Context()

	if _, err := ulid.ParseStrict(ref); err == nil {
		ws, err := s.deps.Store.GetWorkspace(ctx, ref)
		if err == nil {
			return ws, true
		}
		if !errors.Is(err, store.ErrNotFound) {
			s.internalError(c, "failed to load workspace", err)
			return nil, false
		}
	}

	ws, err := s.deps.Store.GetWorkspaceByCanonicalID(ctx, ref)
	if err == nil {
		return ws, true
	}
	if !errors.Is(err, store.ErrNotFound) {
		s.internalError(c, "failed to load workspace", err)
		return nil, false
	}

	matches, err := s.deps.Store.FindWorkspacesByName(ctx, ref)
	if err != nil {
		s.internalError(c, "failed to look up workspace by name", err)
		return nil, false
	}
	switch len(matches) {
	case 0:
		notFound(c, "workspace not found")
		return nil, false
	case 1:
		return matches[0], true
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "workspace name is ambiguous",
			"matches": matches,
		})
		return nil, false
	}
}

func (s *Server) getWorkspace(c *gin.Context) {
	ws, ok := s.resolveWorkspace(c, c.Param("id"))
	if !ok {
		return
	}
	ctx := c.Request.Context()

	recent, err := s.deps.Store.WorkspaceRecentSessions(ctx, ws.ID, recentSessionsLimit)
	if err != nil {
		s.internalError(c, "failed to load recent sessions", err)
		return
	}
	devices, err := s.deps.Store.WorkspaceDevices(ctx, ws.ID)
	if err != nil {
		s.internalError(c, "failed to load workspace devices", err)
		return
	}
	gitSummary, err := s.deps.Store.WorkspaceGitSummary(ctx, ws.ID)
	if err != nil {
		s.internalError(c, "failed to load git summary", err)
		return
	}
	stats, err := s.deps.Store.WorkspaceStats(ctx, ws.ID)
	if err != nil {
		s.internalError(c, "failed to load workspace stats", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"workspace":       ws,
		"recent_sessions": recent,
		"devices":         devices,
		"git_summary":     gitSummary,
		"stats":           stats,
	})
}
