package gateway

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voxd/voxd/internal/relay"
)

type permissionRequestBody struct {
	ToolName     string `json:"tool_name"`
	InputSummary string `json:"input_summary"`
}

// handlePermissionRequest registers a pending approval and returns its id.
// The caller, normally the agent's pre-tool hook, then polls the status
// endpoint for the decision.
func (s *Server) handlePermissionRequest(c *gin.Context) {
	var req permissionRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: %v", relay.ErrBadRequest, err))
		return
	}
	if req.ToolName == "" {
		writeError(c, fmt.Errorf("%w: tool_name is required", relay.ErrBadRequest))
		return
	}

	pr := s.relay.RequestPermission(req.ToolName, req.InputSummary)
	c.JSON(http.StatusOK, gin.H{"request_id": pr.ID})
}

type permissionStatusResponse struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

// handlePermissionStatus long-polls one request until it settles or the
// window closes, then reports the decision as it stands. A still-pending
// answer tells the caller to poll again.
func (s *Server) handlePermissionStatus(c *gin.Context) {
	pr, err := s.relay.PermissionStatus(c.Request.Context(), c.Param("id"), s.opts.LongPollMax)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, permissionStatusResponse{
		Decision: pr.Decision,
		Reason:   pr.Reason,
	})
}

type permissionRespondRequest struct {
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason"`
}

// handlePermissionRespond resolves a pending request with allow or deny.
func (s *Server) handlePermissionRespond(c *gin.Context) {
	var req permissionRespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: %v", relay.ErrBadRequest, err))
		return
	}

	if err := s.relay.RespondPermission(req.RequestID, req.Decision, req.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}
