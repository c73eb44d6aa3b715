package gateway

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/voxd/voxd/internal/relay"
)

// handleTranscribe accepts a raw audio body and starts a voice turn. The
// response mode may be forced per request with the X-Response-Mode header;
// otherwise the configured default applies.
func (s *Server) handleTranscribe(c *gin.Context) {
	contentType := c.ContentType()
	if !strings.HasPrefix(contentType, "audio/") {
		writeError(c, fmt.Errorf("%w: content type %q is not audio", relay.ErrBadRequest, contentType))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxAudioBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, fmt.Errorf("%w: audio body exceeds %d bytes", relay.ErrPayloadTooLarge, tooLarge.Limit))
			return
		}
		writeError(c, fmt.Errorf("%w: reading body: %v", relay.ErrBadRequest, err))
		return
	}

	result, err := s.relay.SubmitAudio(c.Request.Context(), body, contentType, c.GetHeader("X-Response-Mode"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

type messageRequest struct {
	Text         string `json:"text"`
	ResponseMode string `json:"response_mode"`
}

// handleMessage starts a typed turn, bypassing transcription.
func (s *Server) handleMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: %v", relay.ErrBadRequest, err))
		return
	}

	result, err := s.relay.SubmitText(c.Request.Context(), req.Text, req.ResponseMode)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

// handleResponseStatus reports how far a submission's response has come.
// Unknown ids and turns that settled without a response both answer
// not_found, so pollers need only one terminal branch.
func (s *Server) handleResponseStatus(c *gin.Context) {
	info, err := s.relay.ResponseStatus(c.Param("id"))
	if err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"status": "not_found"})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleResponseAck(c *gin.Context) {
	if err := s.relay.AckResponse(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// handleAudio serves a synthesized response. Artifacts live exactly until
// ack or TTL eviction, after which this answers 404.
func (s *Server) handleAudio(c *gin.Context) {
	artifact, ok := s.audio.Get(c.Param("id"))
	if !ok {
		writeError(c, fmt.Errorf("%w: no audio for request", relay.ErrNotFound))
		return
	}
	c.Data(http.StatusOK, artifact.Mime, artifact.Data)
}

// handleAbort interrupts the in-flight turn. The turn settles asynchronously
// once the child confirms or the drain window lapses.
func (s *Server) handleAbort(c *gin.Context) {
	if err := s.relay.Abort(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "aborting"})
}

// handleAgentRestart relaunches the child with a fresh session. The route
// path is the wire contract the companion apps already speak.
func (s *Server) handleAgentRestart(c *gin.Context) {
	s.relay.Restart()
	c.JSON(http.StatusOK, gin.H{"status": "restarting"})
}

type promptRespondRequest struct {
	Option int `json:"option"`
}

// handlePromptRespond answers the active prompt by option number.
func (s *Server) handlePromptRespond(c *gin.Context) {
	var req promptRespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: %v", relay.ErrBadRequest, err))
		return
	}

	if err := s.relay.RespondPrompt(req.Option); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}
