// Package api expõe o console via HTTP: streams multipart, alertas (REST e
// WebSocket), status e healthcheck.
package api

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/sua-org/cam-console/internal/alerts"
	"github.com/sua-org/cam-console/internal/relay"
)

const (
	DefaultAddr         = ":6969"
	defaultWriteTimeout = 10 * time.Second
	maxAlertBodyBytes   = 16 << 20 // snapshot em base64 cabe aqui
)

// Server é o servidor HTTP do console.
type Server struct {
	router *gin.Engine
	addr   string

	relay *relay.Relay
	bus   *alerts.Bus

	upgrader     websocket.Upgrader
	writeTimeout time.Duration

	httpServer *http.Server
	listener   net.Listener
}

// NewServerFromEnv usa HTTP_ADDR (default :6969) e STREAM_WRITE_TIMEOUT_SECONDS.
func NewServerFromEnv(rl *relay.Relay, bus *alerts.Bus) *Server {
	addr := strings.TrimSpace(os.Getenv("HTTP_ADDR"))
	if addr == "" {
		addr = DefaultAddr
	}
	timeout := defaultWriteTimeout
	if v := strings.TrimSpace(os.Getenv("STREAM_WRITE_TIMEOUT_SECONDS")); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			timeout = time.Duration(sec) * time.Second
		} else {
			log.Printf("[api] valor inválido em STREAM_WRITE_TIMEOUT_SECONDS=%q, usando default %s", v, timeout)
		}
	}
	return NewServer(addr, rl, bus, timeout)
}

// NewServer creates a new API server instance
func NewServer(addr string, rl *relay.Relay, bus *alerts.Bus, writeTimeout time.Duration) *Server {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	s := &Server{
		router:       router,
		addr:         addr,
		relay:        rl,
		bus:          bus,
		writeTimeout: writeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// dashboards de qualquer origem, como o CORS *
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.SetupRoutes()
	return s
}

// SetupRoutes configura todas as rotas.
func (s *Server) SetupRoutes() {
	s.router.GET("/stream/:id", s.StreamHandler)

	s.router.POST("/alerts", s.PostAlertHandler)
	s.router.GET("/alerts", s.ListAlertsHandler)
	s.router.GET("/alerts/ws", s.AlertsWebSocketHandler)

	s.router.GET("/streams", s.StreamsHandler)
	s.router.GET("/healthz", s.HealthHandler)

	// rotas antigas do dashboard
	s.router.GET("/api/logs", s.ListAlertsHandler)
	s.router.NoRoute(s.legacyVideoHandler)
}

// Start abre o listener (erro de bind é devolvido aqui) e serve em background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[api] servidor HTTP encerrou com erro: %v", err)
		}
	}()
	log.Printf("[api] ouvindo em %s", ln.Addr())
	return nil
}

// Shutdown para de aceitar conexões. Streams e WebSockets abertos são
// encerrados pelo fechamento do relay e do barramento.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Addr devolve o endereço efetivo depois de Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// GetRouter returns the gin router (for testing)
func (s *Server) GetRouter() *gin.Engine {
	return s.router
}
