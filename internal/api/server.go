// Package api exposes a session over HTTP and WebSocket.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/srg/tagwatch/internal/session"
)

// Session is the controller surface the API drives
type Session interface {
	Snapshot() session.Snapshot
	Devices() []session.DeviceRecord
	Device(id string) (session.DeviceRecord, bool)
	ScanStartOrStop() error
	OnDeviceSelected(id string)
}

// EventHistory returns buffered session events, oldest first
type EventHistory interface {
	Drain() []session.Event
}

type Server struct {
	session     Session
	history     EventHistory
	broadcaster *Broadcaster
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
	router      *gin.Engine
}

// NewServer builds the router; history and broadcaster may be nil
func NewServer(sess Session, history EventHistory, broadcaster *Broadcaster, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		session:     sess,
		history:     history,
		broadcaster: broadcaster,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	s.RegisterRoutes(router)
	s.router = router
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", s.Health)
	router.GET("/ws", s.WebSocket)

	api := router.Group("/api")
	api.GET("/session", s.GetSession)
	api.GET("/devices", s.ListDevices)
	api.GET("/devices/:id", s.GetDevice)
	api.POST("/devices/:id/select", s.SelectDevice)
	api.POST("/scan/toggle", s.ToggleScan)
	api.GET("/events", s.ListEvents)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.Next()
		s.logger.WithFields(logrus.Fields{
			"method": ctx.Request.Method,
			"path":   ctx.FullPath(),
			"status": ctx.Writer.Status(),
		}).Debug("HTTP request")
	}
}

func (s *Server) Health(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) GetSession(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, s.session.Snapshot())
}

func (s *Server) ListDevices(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"devices": s.session.Devices()})
}

func (s *Server) GetDevice(ctx *gin.Context) {
	id := ctx.Param("id")
	rec, ok := s.session.Device(id)
	if !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "device not found", "id": id})
		return
	}
	ctx.JSON(http.StatusOK, rec)
}

func (s *Server) SelectDevice(ctx *gin.Context) {
	s.session.OnDeviceSelected(ctx.Param("id"))
	ctx.Status(http.StatusNoContent)
}

func (s *Server) ToggleScan(ctx *gin.Context) {
	if err := s.session.ScanStartOrStop(); err != nil {
		s.logger.WithError(err).Warn("Scan toggle rejected")
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusAccepted, s.session.Snapshot())
}

func (s *Server) ListEvents(ctx *gin.Context) {
	events := []session.Event{}
	if s.history != nil {
		if drained := s.history.Drain(); drained != nil {
			events = drained
		}
	}
	ctx.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) WebSocket(ctx *gin.Context) {
	if s.broadcaster == nil {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "live updates are disabled"})
		return
	}
	conn, err := s.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	c := s.broadcaster.AddClient(conn)
	s.logger.WithField("clients", s.broadcaster.ClientCount()).Debug("WebSocket client connected")

	// Inbound frames are ignored; reading detects the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.broadcaster.RemoveClient(c)
}
