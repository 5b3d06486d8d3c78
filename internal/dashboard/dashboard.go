// Package dashboard is the optional, disabled-by-default operator status
// surface: a thin gin server exposing /healthz and /status. Routes, auth,
// and live streaming are explicitly out of scope; this only satisfies the
// main loop's "start dashboard if enabled" startup step.
package dashboard

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/trafficcontrol/orchestrator/internal/mainloop"
	"github.com/trafficcontrol/orchestrator/internal/obs/logger"
)

// StateFunc reports the main loop's current state for /status.
type StateFunc func() mainloop.State

type statusResponse struct {
	Running               bool      `json:"running"`
	Paused                bool      `json:"paused"`
	Degraded              bool      `json:"degraded"`
	ConsecutiveDbFailures int       `json:"consecutiveDbFailures"`
	LastDbHealthyAt       time.Time `json:"lastDbHealthyAt"`
	LastDbError           string    `json:"lastDbError,omitempty"`
}

// Server implements mainloop.Dashboard.
type Server struct {
	addr      string
	state     StateFunc
	log       *logger.Logger
	srv       *http.Server
	boundAddr string
}

func New(host string, port int, state StateFunc, log *logger.Logger) *Server {
	return &Server{
		addr:  fmt.Sprintf("%s:%d", host, port),
		state: state,
		log:   log.WithFields(zap.String("component", "dashboard")),
	}
}

// Start binds the listen address, then serves in a background goroutine. It
// does not block; a bind failure is returned from this call, and a later
// serve failure is only logged.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/healthz", s.handleHealthz)
	router.GET("/status", s.handleStatus)

	s.srv = &http.Server{Addr: s.addr, Handler: router}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("dashboard: listen on %s: %w", s.addr, err)
	}
	s.boundAddr = ln.Addr().String()

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("dashboard server stopped unexpectedly")
		}
	}()

	s.log.Info("dashboard started", zap.String("addr", s.addr))
	return nil
}

// Addr returns the address the server actually bound to, which may differ
// from the configured port when port 0 (auto-assign) was requested.
func (s *Server) Addr() string {
	return s.boundAddr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	st := s.state()
	resp := statusResponse{
		Running:               st.Running,
		Paused:                st.Paused,
		Degraded:              st.Degraded,
		ConsecutiveDbFailures: st.ConsecutiveDbFailures,
		LastDbHealthyAt:       st.LastDbHealthyAt,
	}
	if st.LastDbError != nil {
		resp.LastDbError = st.LastDbError.Error()
	}
	c.JSON(http.StatusOK, resp)
}
