package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/devtrail/devtrail/internal/lifecycle"
	"github.com/devtrail/devtrail/internal/models"
	"github.com/devtrail/devtrail/internal/store"
)

func (s *Server) listSessions(c *gin.Context) {
	limit, cursor, ok := pageParams(c)
	if !ok {
		return
	}

	filter := store.SessionFilter{
		WorkspaceID: c.Query("workspace_id"),
		Limit:       limit + 1,
		Cursor:      cursor,
	}
	if raw := c.Query("lifecycle"); raw != "" {
		state, err := lifecycle.ParseState(raw)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		filter.Lifecycle = state
	}

	sessions, err := s.deps.Store.ListSessions(c.Request.Context(), filter)
	if err != nil {
		s.internalError(c, "failed to list sessions", err)
		return
	}

	hasMore := len(sessions) > limit
	if hasMore {
		sessions = sessions[:limit]
	}
	resp := gin.H{"sessions": sessions, "has_more": hasMore, "next_cursor": nil}
	if hasMore {
		last := sessions[len(sessions)-1]
		resp["next_cursor"] = encodeCursor(&store.Keyset{U: last.StartedAt, I: last.ID})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getSession(c *gin.Context) {
	sess, err := s.deps.Store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			notFound(c, "session not found")
			return
		}
		s.internalError(c, "failed to load session", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// getTranscript returns the parsed transcript: messages with their content
// blocks attached.
func (s *Server) getTranscript(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := s.deps.Store.GetSession(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			notFound(c, "session not found")
			return
		}
		s.internalError(c, "failed to load session", err)
		return
	}

	msgs, err := s.deps.Store.ListTranscriptMessages(ctx, id)
	if err != nil {
		s.internalError(c, "failed to load transcript", err)
		return
	}
	blocks, err := s.deps.Store.ListContentBlocks(ctx, id)
	if err != nil {
		s.internalError(c, "failed to load content blocks", err)
		return
	}

	byMessage := make(map[string][]*models.ContentBlock, len(msgs))
	for _, b := range blocks {
		byMessage[b.MessageID] = append(byMessage[b.MessageID], b)
	}
	type messageWithBlocks struct {
		*models.TranscriptMessage
		ContentBlocks []*models.ContentBlock `json:"content_blocks,omitempty"`
	}
	out := make([]messageWithBlocks, len(msgs))
	for i, m := range msgs {
		out[i] = messageWithBlocks{TranscriptMessage: m, ContentBlocks: byMessage[m.ID]}
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

func (s *Server) getSessionEvents(c *gin.Context) {
	events, err := s.deps.Store.ListSessionEvents(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.internalError(c, "failed to list session events", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) getSessionGit(c *gin.Context) {
	activity, err := s.deps.Store.ListSessionGitActivity(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.internalError(c, "failed to list git activity", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"git_activity": activity})
}

// patchableSessionFields is the subset of session columns writable over the
// API. Lifecycle, parse state, and derived stats stay server-owned.
var patchableSessionFields = map[string]bool{
	"cwd":        true,
	"git_branch": true,
	"git_remote": true,
	"model":      true,
	"summary":    true,
}

func (s *Server) patchSession(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if len(body) == 0 {
		badRequest(c, "no fields to update")
		return
	}
	for field := range body {
		if !patchableSessionFields[field] {
			badRequest(c, "field is not updatable: "+field)
			return
		}
	}

	sess, err := s.deps.Store.UpdateSessionFields(c.Request.Context(), c.Param("id"), body)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			notFound(c, "session not found")
			return
		}
		s.internalError(c, "failed to update session", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// reparseSession resets a finished session and queues it for a fresh parse.
func (s *Server) reparseSession(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	sess, err := s.deps.Store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			notFound(c, "session not found")
			return
		}
		s.internalError(c, "failed to load session", err)
		return
	}

	switch sess.Lifecycle {
	case lifecycle.Detected, lifecycle.Capturing:
		conflict(c, "Session has not ended yet.")
		return
	case lifecycle.Ended:
		if sess.ParseStatus == models.ParseParsing {
			conflict(c, "Session is currently being processed. Try again later.")
			return
		}
	}
	if sess.TranscriptS3Key == nil {
		conflict(c, "No transcript available. Cannot reparse.")
		return
	}

	res, err := s.deps.Store.ResetSessionForReparse(ctx, id)
	if err != nil {
		s.internalError(c, "failed to reset session", err)
		return
	}
	if !res.Reset && sess.Lifecycle != lifecycle.Ended {
		// Raced with the pipeline between the read above and the reset.
		conflict(c, "Session is currently being processed. Try again later.")
		return
	}

	s.deps.Queue.Enqueue(id)
	c.JSON(http.StatusAccepted, gin.H{"lifecycle": lifecycle.Ended})
}

type statusRequest struct {
	SessionIDs []string `json:"session_ids"`
}

// sessionStatuses is the batch lifecycle/parse-status lookup the backfill
// client polls. POST so large ID lists avoid URL limits.
func (s *Server) sessionStatuses(c *gin.Context) {
	var body statusRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if len(body.SessionIDs) == 0 {
		badRequest(c, "session_ids is required")
		return
	}

	statuses, err := s.deps.Store.SessionStatuses(c.Request.Context(), body.SessionIDs)
	if err != nil {
		s.internalError(c, "failed to load session statuses", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": statuses})
}
