// Package supervisor runs named goroutines under one cancelable context.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pulse/pkg/logx"
)

// Supervisor manages goroutines tied to a shared context.
// Goroutines are named for logging and stats, panics are recovered, and Stop
// waits for all of them with a caller-supplied deadline. Once the context is
// canceled no new goroutines are accepted.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool
	quiet       bool

	// startMu orders Go admissions against cancellation so wg.Add never
	// races wg.Wait.
	startMu sync.RWMutex
	wg      sync.WaitGroup
	started atomic.Uint64
	active  atomic.Int64

	errMu    sync.Mutex
	firstErr error

	doneOnce sync.Once
	doneCh   chan struct{}

	mu    sync.Mutex
	stats map[string]*GoroutineStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError makes the first goroutine error or panic cancel the
// supervisor context.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// WithQuiet drops the debug-level start/stop lines. Panics and restarts are
// still logged. Use it for supervisors that run many short goroutines.
func WithQuiet(enabled bool) Option {
	return func(s *Supervisor) { s.quiet = enabled }
}

// Counters are best-effort operational signals, not a synchronization primitive.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// GoroutineStats aggregates every goroutine started under one name.
type GoroutineStats struct {
	Name         string        `json:"name"`
	Active       int64         `json:"active"`
	Started      uint64        `json:"started"`
	Panics       uint64        `json:"panics"`
	Restarts     uint64        `json:"restarts"`
	LastStartAt  time.Time     `json:"last_start_at"`
	LastStopAt   time.Time     `json:"last_stop_at"`
	LastErrAt    time.Time     `json:"last_err_at"`
	LastErr      string        `json:"last_err,omitempty"`
	LastPanicAt  time.Time     `json:"last_panic_at"`
	LastPanic    string        `json:"last_panic,omitempty"`
	LastRuntime  time.Duration `json:"last_runtime"`
	TotalRuntime time.Duration `json:"total_runtime"`

	forgotten bool
}

type Snapshot struct {
	Counters   Counters         `json:"counters"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		stats:  map[string]*GoroutineStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for goroutines to exit.
func (s *Supervisor) Cancel() {
	s.startMu.Lock()
	s.cancel()
	s.startMu.Unlock()
}

// Err returns the first recorded goroutine error, if any.
func (s *Supervisor) Err() error {
	if s == nil {
		return nil
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.firstErr
}

func (s *Supervisor) setErr(err error) {
	s.errMu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.errMu.Unlock()
}

func (s *Supervisor) fail(err error) {
	s.setErr(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{Active: s.active.Load(), Started: s.started.Load()}
}

// Active reports how many goroutines named name are running right now.
func (s *Supervisor) Active(name string) int64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.stats[name]; st != nil {
		return st.Active
	}
	return 0
}

// Snapshot lists per-name stats, active first, then most recently started.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}

	s.mu.Lock()
	gs := make([]GoroutineStats, 0, len(s.stats))
	for _, st := range s.stats {
		gs = append(gs, *st)
	}
	s.mu.Unlock()

	sort.Slice(gs, func(i, j int) bool {
		if gs[i].Active != gs[j].Active {
			return gs[i].Active > gs[j].Active
		}
		if !gs[i].LastStartAt.Equal(gs[j].LastStartAt) {
			return gs[i].LastStartAt.After(gs[j].LastStartAt)
		}
		return gs[i].Name < gs[j].Name
	})
	snap.Goroutines = gs
	return snap
}

// Forget drops the aggregated stats for name. If goroutines with that
// name are still running, the entry goes away when the last one stops.
func (s *Supervisor) Forget(name string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats[name]
	switch {
	case st == nil:
	case st.Active > 0:
		st.forgotten = true
	default:
		delete(s.stats, name)
	}
}

// update runs fn on the stats entry for name under s.mu, creating it if
// needed. A forgotten entry is dropped once fn leaves it idle.
func (s *Supervisor) update(name string, fn func(st *GoroutineStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats[name]
	if st == nil {
		st = &GoroutineStats{Name: name}
		s.stats[name] = st
	}
	fn(st)
	if st.forgotten && st.Active == 0 {
		delete(s.stats, name)
	}
}

// admit reserves a wait-group slot unless the supervisor is canceled.
func (s *Supervisor) admit() bool {
	s.startMu.RLock()
	defer s.startMu.RUnlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	return true
}

func (s *Supervisor) release() {
	s.active.Add(-1)
	s.wg.Done()
}

// runOnce runs fn with panic recovery and records stats under name. It
// returns nil for a clean exit or context cancellation.
func (s *Supervisor) runOnce(name string, restart bool, fn func(ctx context.Context) error) (err error) {
	startedAt := time.Now()
	s.update(name, func(st *GoroutineStats) {
		st.forgotten = false
		st.Started++
		st.Active++
		st.LastStartAt = startedAt
		if restart {
			st.Restarts++
		}
	})
	if !s.quiet {
		s.log.Debug("goroutine started", logx.String("name", name))
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic in %s: %v", name, r)
			s.update(name, func(st *GoroutineStats) {
				st.Panics++
				st.LastPanicAt = time.Now()
				st.LastPanic = fmt.Sprint(r)
			})
		}
		now := time.Now()
		s.update(name, func(st *GoroutineStats) {
			if st.Active > 0 {
				st.Active--
			}
			st.LastStopAt = now
			st.LastRuntime = now.Sub(startedAt)
			st.TotalRuntime += st.LastRuntime
			if err != nil {
				st.LastErr = err.Error()
				st.LastErrAt = now
			}
		})
		if !s.quiet {
			s.log.Debug("goroutine stopped", logx.String("name", name))
		}
	}()

	if e := fn(s.ctx); e != nil && !errors.Is(e, context.Canceled) {
		return fmt.Errorf("%s: %w", name, e)
	}
	return nil
}

// Go runs fn on a new goroutine. It reports false, and does not run fn,
// when fn is nil or the supervisor is already canceled.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) bool {
	if fn == nil || !s.admit() {
		return false
	}
	go func() {
		defer s.release()
		if err := s.runOnce(name, false, fn); err != nil {
			s.fail(err)
		}
	}()
	return true
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) bool {
	if fn == nil {
		return false
	}
	return s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	publishFirstErr bool
}

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithPublishFirstError records the first failure as the supervisor Err
// while still restarting, so it surfaces in diagnostics.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirstErr = enabled }
}

// GoRestart runs fn and restarts it after an error or panic, with jittered
// exponential backoff, until it returns nil or the context is canceled.
// Intended for long-running loops (listeners, watchers, consumers).
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	// The loop itself gets a distinct name so fn's stats stay per run.
	s.Go0(name+".restart", func(ctx context.Context) {
		backoff := cfg.minBackoff
		for restarts := 0; ; restarts++ {
			startedAt := time.Now()
			err := s.runOnce(name, restarts > 0, fn)
			if err == nil || ctx.Err() != nil {
				return
			}
			if cfg.publishFirstErr {
				s.setErr(err)
			}
			// A long healthy run resets the backoff.
			if time.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			wait := jitter(backoff)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff = min(backoff*2, cfg.maxBackoff)
		}
	})
}

// jitter adds up to 20% to d.
func jitter(d time.Duration) time.Duration {
	if j := int64(d) / 5; j > 0 {
		return d + time.Duration(rand.Int64N(j+1))
	}
	return d
}

// Stop cancels the context and waits for every goroutine, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.Cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has exited or ctx is done. It returns
// the first recorded error.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}
