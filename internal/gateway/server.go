// Package gateway is the HTTP control surface: submissions, response
// polling, settings and permission endpoints. Every route except the health
// probe sits behind the peer allowlist, and every relay failure is mapped to
// its wire status in one place.
package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/voxd/voxd/internal/audio"
	"github.com/voxd/voxd/internal/auth"
	"github.com/voxd/voxd/internal/common/httpmw"
	"github.com/voxd/voxd/internal/common/logger"
	"github.com/voxd/voxd/internal/relay"
	"github.com/voxd/voxd/internal/settings"
	"github.com/voxd/voxd/internal/state"
)

// Options carries the listener knobs the handlers need.
type Options struct {
	// MaxAudioBytes caps the transcribe request body.
	MaxAudioBytes int64
	// LongPollMax bounds how long a permission status request may hang.
	LongPollMax time.Duration
	// WorkDir is reported alongside the request timeline.
	WorkDir string
}

// Server is the HTTP API listener.
type Server struct {
	relay    *relay.Service
	agg      *state.Aggregator
	store    *settings.Store
	audio    *audio.Store
	verifier *auth.Verifier
	opts     Options
	router   *gin.Engine
	logger   *logger.Logger
}

// NewServer wires the API routes.
func NewServer(svc *relay.Service, agg *state.Aggregator, store *settings.Store, audioStore *audio.Store, verifier *auth.Verifier, opts Options, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	if opts.MaxAudioBytes <= 0 {
		opts.MaxAudioBytes = 25 << 20
	}
	if opts.LongPollMax <= 0 {
		opts.LongPollMax = 30 * time.Second
	}

	s := &Server{
		relay:    svc,
		agg:      agg,
		store:    store,
		audio:    audioStore,
		verifier: verifier,
		opts:     opts,
		router:   gin.New(),
		logger:   log.WithFields(zap.String("component", "api-server")),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.CORS())
	s.router.Use(httpmw.OtelTracing("voxd-api"))
	s.router.Use(httpmw.RequestLogger(log, "api"))
	s.setupRoutes()

	return s
}

// Router returns the HTTP handler for this listener.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	authed := s.router.Group("", httpmw.PeerGate(s.verifier))
	authed.POST("/transcribe", s.handleTranscribe)

	api := authed.Group("/api")
	{
		api.POST("/message", s.handleMessage)
		api.GET("/response/:id", s.handleResponseStatus)
		api.POST("/response/:id/ack", s.handleResponseAck)
		api.GET("/audio/:id", s.handleAudio)
		api.POST("/abort", s.handleAbort)
		api.POST("/claude/restart", s.handleAgentRestart)
		api.POST("/prompt/respond", s.handlePromptRespond)
		api.GET("/chat", s.handleChat)
		api.GET("/history", s.handleHistory)
		api.GET("/requests", s.handleRequests)
		api.GET("/config", s.handleConfigGet)
		api.POST("/config", s.handleConfigUpdate)
		api.POST("/permission/request", s.handlePermissionRequest)
		api.GET("/permission/status/:id", s.handlePermissionStatus)
		api.POST("/permission/respond", s.handlePermissionRespond)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
