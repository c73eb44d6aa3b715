package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voxd/voxd/internal/relay"
	"github.com/voxd/voxd/internal/settings"
)

type configResponse struct {
	settings.Config
	Options settings.Options `json:"options"`
}

// handleConfigGet returns the current speech settings plus the value
// catalogue clients build their pickers from.
func (s *Server) handleConfigGet(c *gin.Context) {
	c.JSON(http.StatusOK, configResponse{
		Config:  s.store.Get(),
		Options: settings.Catalogue(),
	})
}

// handleConfigUpdate applies a partial settings change and returns the
// resulting configuration. Unknown fields are ignored, so a body fetched
// from the GET endpoint can be posted back as-is.
func (s *Server) handleConfigUpdate(c *gin.Context) {
	var patch settings.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		writeError(c, fmt.Errorf("%w: %v", relay.ErrBadRequest, err))
		return
	}

	updated, err := s.store.Patch(patch)
	if err != nil {
		var verr *settings.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "fields": verr.Fields})
			return
		}
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, configResponse{
		Config:  updated,
		Options: settings.Catalogue(),
	})
}
