// Package statusapi exposes a tiny read-only HTTP surface mirroring the
// dispatcher's /status control-channel reply, adapted from the reference
// engine's gin-based API server. It is disabled unless status_api.addr is
// configured; it holds no history and serves only the live in-memory
// snapshot already held by the dispatcher.
package statusapi

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/telewatch/telewatch/internal/dispatch"
)

// Server serves /healthz and /status.
type Server struct {
	addr      string
	status    dispatch.StatusProvider
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer builds a Server bound to addr. status supplies the live
// snapshot; the server does not itself track pipeline state.
func NewServer(addr string, status dispatch.StatusProvider) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{addr: addr, status: status, ctx: ctx, cancel: cancel}
}

// Start begins serving in the background. It returns once the listener is
// bound; errors during serving are not reported past here (as with the
// reference engine's server).
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/status", s.handleStatus)

	s.server = &http.Server{
		Handler:           r,
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.startTime = time.Now()
	go s.server.Serve(listener)
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	snap := s.status.Status()
	c.JSON(http.StatusOK, gin.H{
		"progress_fraction":  snap.ProgressFraction,
		"active_stage":       snap.ActiveStage,
		"line_rate_per_min":  snap.LineRatePerMin,
		"uptime":             snap.Uptime.String(),
		"paused":             snap.Paused,
		"last_event_summary": snap.LastEventSummary,
	})
}
