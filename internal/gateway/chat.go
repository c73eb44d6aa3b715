package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleChat serves the same session snapshot the WebSocket sends on
// connect, for clients that poll instead of streaming.
func (s *Server) handleChat(c *gin.Context) {
	c.JSON(http.StatusOK, s.agg.Snapshot())
}

func (s *Server) handleHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"messages": s.agg.History()})
}

// handleRequests serves the activity timeline, newest first, together with
// the directory the agent works in.
func (s *Server) handleRequests(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"history": s.agg.Timeline(),
		"workdir": s.opts.WorkDir,
	})
}
