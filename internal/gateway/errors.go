package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voxd/voxd/internal/relay"
)

// writeError renders err with the status its kind maps to. Every handler
// funnels relay failures through here so a given kind always wires the same
// way regardless of which endpoint surfaced it.
func writeError(c *gin.Context, err error) {
	var cooldown *relay.CooldownError
	if errors.As(err, &cooldown) {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       "cooldown",
			"cooldown_ms": cooldown.Remaining.Milliseconds(),
		})
		return
	}

	var upstream *relay.UpstreamError
	if errors.As(err, &upstream) {
		body := gin.H{"error": upstream.Error()}
		if upstream.StatusCode > 0 {
			body["upstream_status"] = upstream.StatusCode
		}
		c.JSON(http.StatusBadGateway, body)
		return
	}

	switch {
	case errors.Is(err, relay.ErrAuthDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "auth_denied"})
	case errors.Is(err, relay.ErrBadRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, relay.ErrPayloadTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, relay.ErrBusy), errors.Is(err, relay.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, relay.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, relay.ErrAgentUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "timed out"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
