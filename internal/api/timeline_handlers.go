package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/devtrail/devtrail/internal/models"
	"github.com/devtrail/devtrail/internal/store"
)

func parseTimeParam(c *gin.Context, name string) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		badRequest(c, name+" must be an RFC 3339 timestamp")
		return nil, false
	}
	return &t, true
}

func parseGitTypes(c *gin.Context) ([]models.GitActivityType, bool) {
	raw := c.Query("types")
	if raw == "" {
		return nil, true
	}
	var types []models.GitActivityType
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		switch t := models.GitActivityType(part); t {
		case models.GitCommit, models.GitPush, models.GitCheckout, models.GitMerge:
			types = append(types, t)
		default:
			badRequest(c, "unknown git activity type: "+part)
			return nil, false
		}
	}
	return types, true
}

// getTimeline returns the merged session and orphan-git feed, newest first.
func (s *Server) getTimeline(c *gin.Context) {
	limit, cursor, ok := pageParams(c)
	if !ok {
		return
	}
	after, ok := parseTimeParam(c, "after")
	if !ok {
		return
	}
	before, ok := parseTimeParam(c, "before")
	if !ok {
		return
	}
	types, ok := parseGitTypes(c)
	if !ok {
		return
	}

	page, err := s.deps.Assembler.Build(c.Request.Context(), store.TimelineFilter{
		WorkspaceID: c.Query("workspace_id"),
		DeviceID:    c.Query("device_id"),
		After:       after,
		Before:      before,
		Types:       types,
		Limit:       limit,
		Cursor:      cursor,
	})
	if err != nil {
		s.internalError(c, "failed to build timeline", err)
		return
	}

	resp := gin.H{"items": page.Items, "has_more": page.HasMore, "next_cursor": nil}
	if page.NextCursor != nil {
		resp["next_cursor"] = encodeCursor(page.NextCursor)
	}
	c.JSON(http.StatusOK, resp)
}
