package httpmw

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voxd/voxd/internal/auth"
)

// PeerGate rejects requests whose TCP peer is not on the node allowlist.
// The raw RemoteAddr is used rather than any forwarded header: identity
// comes from the tailnet, and forwarded headers are writable by the peer.
func PeerGate(verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if verifier.Verify(c.Request.Context(), c.Request.RemoteAddr) != auth.OutcomeAllow {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "auth_denied"})
			return
		}
		c.Next()
	}
}
