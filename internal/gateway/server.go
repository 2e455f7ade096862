// Package gateway serves the WebSocket chat transport and a small status API.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"steward/internal/domain"
	"steward/internal/session"
)

const (
	defaultPort     = 8080
	shutdownTimeout = 5 * time.Second
)

// ErrInvalidPort is returned when gateway port is not in 0..65535.
var ErrInvalidPort = errors.New("gateway port must be 0-65535")

// StatusReporter exposes per-channel state (implemented by router.Router).
type StatusReporter interface {
	Statuses() map[string]domain.AgentStatus
	Usage() []session.ChannelCost
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithStatus serves GET /status from r.
func WithStatus(r StatusReporter) ServerOption {
	return func(s *Server) { s.status = r }
}

// Server hosts /ws, /status and a plain health response on one port.
type Server struct {
	port   int
	http   *http.Server
	status StatusReporter

	ready     chan struct{}
	readyOnce sync.Once

	mu        sync.RWMutex
	addr      string
	listenErr error
}

// NewServer builds a gateway server from cfg; a nil cfg means port 8080
// without auth. Port 0 picks a free port. /ws is mounted only when hub is
// non-nil.
func NewServer(cfg *domain.GatewayConfig, hub *Hub, opts ...ServerOption) (*Server, error) {
	if cfg == nil {
		cfg = &domain.GatewayConfig{Port: defaultPort}
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, ErrInvalidPort
	}
	s := &Server{port: cfg.Port, ready: make(chan struct{})}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	if hub != nil {
		mux.HandleFunc("/ws", hub.ServeWS)
	}
	if s.status != nil {
		mux.HandleFunc("GET /status", s.handleStatus)
	}
	s.http = &http.Server{
		Handler:           RequireToken(cfg.Auth.AuthToken)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

type statusResponse struct {
	Channels map[string]domain.AgentStatus `json:"channels"`
	Usage    []channelUsage                `json:"usage"`
}

type channelUsage struct {
	ChannelID string `json:"channelId"`
	Real      int64  `json:"real"`
	User      int64  `json:"user"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Channels: s.status.Statuses(), Usage: []channelUsage{}}
	for _, c := range s.status.Usage() {
		resp.Usage = append(resp.Usage, channelUsage{ChannelID: c.ChannelID, Real: c.Cost.Real, User: c.Cost.User})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Ready is closed once Run has bound its listener or failed to.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address, or "" before Run is ready.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// ListenErr returns the error Run got from binding, if any.
func (s *Server) ListenErr() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listenErr
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Test hooks.
var (
	netListen      = net.Listen
	serverShutdown = func(ctx context.Context, srv *http.Server) error { return srv.Shutdown(ctx) }
)

// Run serves until shutdown is closed and then drains connections for up to
// five seconds. A failed bind is returned immediately.
func (s *Server) Run(shutdown <-chan struct{}) error {
	ln, err := netListen("tcp", ":"+strconv.Itoa(s.port))
	s.mu.Lock()
	if err != nil {
		s.listenErr = err
	} else {
		s.addr = ln.Addr().String()
	}
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
	if err != nil {
		return err
	}

	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = s.http.Serve(ln)
	}()

	<-shutdown
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := serverShutdown(ctx, s.http); err != nil {
		return err
	}
	<-served
	return nil
}
