// Package control exposes the operator surface over loopback HTTP: health,
// live run status, a stop endpoint and a server-sent event stream. It is a
// window into the run, never a control path for anything but stopping it.
package control

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/CSunburnSchematics/Rigol/internal/telemetry"
)

// LoopStatus is one instrument's live view.
type LoopStatus struct {
	ID        string  `json:"id"`
	State     string  `json:"state"`
	Coverage  float64 `json:"coverage"`
	Artifacts int     `json:"artifacts"`
	Gaps      int     `json:"gaps"`
	Reason    string  `json:"reason,omitempty"`
}

// Status is the run-wide snapshot served on /status.
type Status struct {
	TestID        string       `json:"testId"`
	TestName      string       `json:"testName,omitempty"`
	StartUTC      time.Time    `json:"startUtc"`
	StopRequested bool         `json:"stopRequested"`
	StopReason    string       `json:"stopReason,omitempty"`
	Instruments   []LoopStatus `json:"instruments"`
}

// StatusProvider supplies the current snapshot. The runner implements it.
type StatusProvider interface {
	Status() Status
}

// Stopper receives operator stop requests.
type Stopper interface {
	RequestStop(reason string)
}

// Server is the operator HTTP server.
type Server struct {
	log     *zap.Logger
	hub     *telemetry.Hub
	status  StatusProvider
	stopper Stopper

	startTime  time.Time
	listener   net.Listener
	httpServer *http.Server
}

// NewServer wires the operator surface. hub may be nil; /events then serves
// 503.
func NewServer(log *zap.Logger, hub *telemetry.Hub, status StatusProvider, stopper Stopper) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		log:       log,
		hub:       hub,
		status:    status,
		stopper:   stopper,
		startTime: time.Now(),
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/events", s.handleEvents)
	return mux
}

// Start listens on addr and serves in the background. The event stream
// holds connections open, so the server carries no write timeout; it is
// loopback-only by configuration convention.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("control server failed", zap.Error(err))
		}
	}()

	s.log.Info("control server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server, cutting any open event streams.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("control shutdown: %w", err)
	}
	return nil
}
