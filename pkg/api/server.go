package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/kernel"
)

// SnapshotSource publishes the kernel view. *kernel.Kernel implements it.
type SnapshotSource interface {
	Snapshot() kernel.Snapshot
}

// Heartbeat is the liveness view.
type Heartbeat struct {
	Status  string    `json:"status"`
	Tick    uint64    `json:"tick"`
	Halted  bool      `json:"halted"`
	TakenAt time.Time `json:"taken_at"`
}

// Option configures a Server.
type Option func(*Server)

// WithToken requires the bridge token on every request.
func WithToken(token string) Option { return func(s *Server) { s.token = token } }

// WithRateLimit sets the per-IP request rate. Zero disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = NewRateLimiter(rps, burst)
	}
}

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// Server is the read-only query channel. It only reads published
// snapshots and never waits on the kernel lock.
type Server struct {
	src     SnapshotSource
	token   string
	limiter *RateLimiter
	logger  *slog.Logger
}

// New returns a server over src.
func New(src SnapshotSource, opts ...Option) *Server {
	s := &Server{
		src:     src,
		limiter: NewRateLimiter(20, 20),
		logger:  slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed, authenticated and rate-limited handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/heartbeat", s.get(s.heartbeat))
	mux.HandleFunc("/v1/status", s.get(s.status))
	mux.HandleFunc("/v1/governance", s.get(s.governance))
	mux.HandleFunc("/v1/transaction", s.get(s.transaction))
	mux.HandleFunc("/", WriteNotFound)

	var h http.Handler = RequireToken(s.token, mux)
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return h
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	if s.limiter != nil {
		go s.limiter.RunSweeper(ctx)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.InfoContext(ctx, "query channel listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) get(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			WriteMethodNotAllowed(w, r)
			return
		}
		h(w, r)
	}
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	snap := s.src.Snapshot()
	hb := Heartbeat{Status: "ok", Tick: snap.Tick, Halted: snap.Halted, TakenAt: snap.TakenAt}
	if snap.Halted {
		hb.Status = "halted"
	}
	writeJSON(w, r, hb)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, s.src.Snapshot())
}

func (s *Server) governance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, s.src.Snapshot().Policy)
}

func (s *Server) transaction(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, s.src.Snapshot().Transaction)
}
