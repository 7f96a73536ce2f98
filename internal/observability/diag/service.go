// Package diag serves the optional operator HTTP endpoints: health, status,
// Prometheus metrics and pprof.
package diag

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	rtsup "pulse/internal/runtime/supervisor"
	"pulse/pkg/logx"
)

const (
	DefaultAddr = "127.0.0.1:6060"

	shutdownGrace = 2 * time.Second
)

var errInsecureBind = errors.New("diag: non-loopback addr requires token or allow_insecure")

// Config controls the diag HTTP server. Binding anywhere but loopback
// needs a Token, or AllowInsecure to accept an open endpoint.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) addr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultAddr
}

type Option func(*Service)

// WithStatus sets the source of the /status document.
func WithStatus(fn func() any) Option {
	return func(s *Service) { s.status = fn }
}

// WithGatherer exposes g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Service) { s.gatherer = g }
}

type Service struct {
	log      logx.Logger
	status   func() any
	gatherer prometheus.Gatherer

	// lifecycle serializes Start, Stop and Reconfigure; sup is only
	// touched under it.
	lifecycle sync.Mutex
	sup       *rtsup.Supervisor

	mu  sync.Mutex
	cfg Config
	ln  net.Listener
}

func New(cfg Config, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{cfg: cfg, log: log.With(logx.String("comp", "diag"))}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// Addr returns the bound listener address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Reconfigure swaps cfg in, then starts, stops or restarts the server to
// match it.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	switch running := s.sup != nil; {
	case !cfg.Enabled:
		s.stopLocked(ctx)
	case !running:
		s.startLocked(ctx)
	case needsRestart(prev, cfg):
		s.stopLocked(ctx)
		s.startLocked(ctx)
	}
}

func needsRestart(a, b Config) bool {
	return a.Addr != b.Addr ||
		a.Token != b.Token ||
		a.AllowInsecure != b.AllowInsecure ||
		a.ReadTimeout != b.ReadTimeout ||
		a.WriteTimeout != b.WriteTimeout ||
		a.IdleTimeout != b.IdleTimeout
}

// Start launches the server under its own supervisor. It does nothing
// when already running or disabled.
func (s *Service) Start(ctx context.Context) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.startLocked(ctx)
}

func (s *Service) startLocked(ctx context.Context) {
	if s.sup != nil || !s.config().Enabled {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	// a diag failure must not cancel the rest of the process
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.GoRestart("http.serve", s.serve,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop shuts the server down, waiting at most until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.stopLocked(ctx)
}

func (s *Service) stopLocked(ctx context.Context) {
	sup := s.sup
	if sup == nil {
		return
	}
	s.sup = nil
	if ctx == nil {
		ctx = context.Background()
	}

	sup.Cancel()
	if err := sup.Wait(ctx); err != nil {
		s.log.Warn("diag stop incomplete", logx.Err(err))
	}
	s.mu.Lock()
	s.ln = nil
	s.mu.Unlock()
	s.log.Info("diag stopped")
}

// serve runs one listener until ctx ends. Returning an error makes the
// supervisor retry with backoff.
func (s *Service) serve(ctx context.Context) error {
	cfg := s.config()
	if !cfg.Enabled {
		return context.Canceled
	}
	addr := cfg.addr()

	if cfg.Token == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			s.log.Error("diag refused to start", logx.String("addr", addr), logx.Err(errInsecureBind))
			return errInsecureBind
		}
		s.log.Warn("diag serving without token on non-loopback addr", logx.String("addr", addr))
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		s.log.Error("diag listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}

	srv := &http.Server{
		Handler:      s.Handler(cfg.Token),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			_ = srv.Close()
		}
	})
	defer stop()

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info("diag started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cfg.Token != ""),
	)

	err = srv.Serve(ln)

	s.mu.Lock()
	if s.ln == ln {
		s.ln = nil
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		return context.Canceled
	}
	if errors.Is(err, http.ErrServerClosed) {
		return errors.New("diag server closed unexpectedly")
	}
	return err
}
