package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voxd/voxd/internal/auth"
	"github.com/voxd/voxd/internal/common/httpmw"
	"github.com/voxd/voxd/internal/common/logger"
	"github.com/voxd/voxd/internal/state"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Peer identity comes from the node allowlist, not the Origin header.
		return true
	},
}

// Server is the WebSocket listener: the live event stream plus its health
// and roster probes.
type Server struct {
	hub      *Hub
	agg      *state.Aggregator
	verifier *auth.Verifier
	router   *gin.Engine
	logger   *logger.Logger
}

// NewServer wires the stream listener's routes. The hub must be running
// before connections arrive.
func NewServer(hub *Hub, agg *state.Aggregator, verifier *auth.Verifier, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		hub:      hub,
		agg:      agg,
		verifier: verifier,
		router:   gin.New(),
		logger:   log.WithFields(zap.String("component", "ws-server")),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.CORS())
	s.router.Use(httpmw.OtelTracing("voxd-stream"))
	s.router.Use(httpmw.RequestLogger(log, "stream"))
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
	authed.GET("/ws", s.handleSocket)
	authed.GET("/clients", s.handleClients)
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Clients: s.hub.ClientCount(),
	})
}

func (s *Server) handleClients(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"clients": s.agg.Clients()})
}

// handleSocket upgrades the request and runs the connection until the peer
// goes away. The device query names the client kind (watch, phone, browser);
// id is an opaque client-chosen identity that survives reconnects.
func (s *Server) handleSocket(c *gin.Context) {
	device := c.Query("device")
	if device == "" {
		device = "unknown"
	}
	id := c.Query("id")
	if id == "" {
		id = uuid.New().String()
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(id, device, conn, s.hub, s.logger)
	s.hub.Register(client)

	snap := s.agg.Snapshot()
	client.SendSnapshot(snap.Status, snap.Messages)

	go client.WritePump()
	client.ReadPump()
}
