package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// pendingPrompts lists the git-hooks install prompts still outstanding for a
// device.
func (s *Server) pendingPrompts(c *gin.Context) {
	deviceID := c.Query("device_id")
	if deviceID == "" {
		badRequest(c, "device_id is required")
		return
	}

	pending, err := s.deps.Store.PendingGitHooksPrompts(c.Request.Context(), deviceID)
	if err != nil {
		s.internalError(c, "failed to list pending prompts", err)
		return
	}

	prompts := make([]gin.H, len(pending))
	for i, p := range pending {
		prompts[i] = gin.H{
			"type":                   "git_hooks_install",
			"workspace_id":           p.WorkspaceID,
			"workspace_name":         p.WorkspaceName,
			"workspace_canonical_id": p.WorkspaceCanonicalID,
			"device_id":              p.DeviceID,
		}
	}
	c.JSON(http.StatusOK, gin.H{"prompts": prompts})
}

type dismissRequest struct {
	WorkspaceID string `json:"workspace_id"`
	DeviceID    string `json:"device_id"`
	Action      string `json:"action"`
}

// dismissPrompt records the user's answer to a git-hooks prompt. Accepted
// marks the hooks installed; declined just stops the prompting.
func (s *Server) dismissPrompt(c *gin.Context) {
	var body dismissRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if body.WorkspaceID == "" || body.DeviceID == "" {
		badRequest(c, "workspace_id and device_id are required")
		return
	}
	if body.Action != "accepted" && body.Action != "declined" {
		badRequest(c, `action must be "accepted" or "declined"`)
		return
	}

	err := s.deps.Store.DismissGitHooksPrompt(c.Request.Context(), body.WorkspaceID, body.DeviceID, body.Action == "accepted")
	if err != nil {
		s.internalError(c, "failed to dismiss prompt", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
