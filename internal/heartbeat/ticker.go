package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pulse/internal/eventbus"
	"pulse/internal/metrics"
	"pulse/internal/runtime/supervisor"
	"pulse/pkg/logx"
)

const (
	DefaultPrintEvery     = 60 * time.Second
	DefaultBroadcastEvery = 10 * time.Second
	DefaultPublishTimeout = time.Second
)

type Config struct {
	// ServerID identifies this process in liveness events.
	ServerID string
	// Period is the base tick. Non-positive means DefaultPeriod.
	Period time.Duration
	// PrintEvery is the heartbeat log cadence; 0 disables it.
	PrintEvery time.Duration
	// BroadcastEvery is the liveness broadcast cadence; 0 disables it.
	BroadcastEvery time.Duration
	// PublishTimeout bounds one bus publish. Non-positive means DefaultPublishTimeout.
	PublishTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Period:         DefaultPeriod,
		PrintEvery:     DefaultPrintEvery,
		BroadcastEvery: DefaultBroadcastEvery,
		PublishTimeout: DefaultPublishTimeout,
	}
}

type Option func(*Ticker)

// WithIDFunc replaces the task id generator (time-based UUIDs by default).
func WithIDFunc(fn func() string) Option {
	return func(t *Ticker) {
		if fn != nil {
			t.newID = fn
		}
	}
}

func WithMetrics(m metrics.Collector) Option {
	return func(t *Ticker) {
		if m != nil {
			t.metrics = m
		}
	}
}

// Ticker is the base tick loop. Create one per process with New and share it
// explicitly; there is no package-level instance.
type Ticker struct {
	cfg     Config
	bus     eventbus.Bus
	log     logx.Logger
	metrics metrics.Collector
	newID   func() string

	printMod     uint64
	broadcastMod uint64

	count  atomic.Uint64
	reg    *Registry
	sup    *supervisor.Supervisor
	report *failureReporter

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	dispatched    atomic.Uint64
	failed        atomic.Uint64
	published     atomic.Uint64
	publishFailed atomic.Uint64
}

// New validates cfg and builds a stopped Ticker. bus may be nil only when
// broadcasting is disabled.
func New(cfg Config, bus eventbus.Bus, log logx.Logger, opts ...Option) (*Ticker, error) {
	cfg.ServerID = strings.TrimSpace(cfg.ServerID)
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	if cfg.PrintEvery < 0 {
		return nil, fmt.Errorf("%w: print cadence must be >= 0, got %s", ErrInvalidArgument, cfg.PrintEvery)
	}
	if cfg.BroadcastEvery < 0 {
		return nil, fmt.Errorf("%w: broadcast cadence must be >= 0, got %s", ErrInvalidArgument, cfg.BroadcastEvery)
	}
	if cfg.BroadcastEvery > 0 {
		if cfg.ServerID == "" {
			return nil, fmt.Errorf("%w: server id required when broadcasting", ErrInvalidArgument)
		}
		if bus == nil {
			return nil, fmt.Errorf("%w: event bus required when broadcasting", ErrInvalidArgument)
		}
	}

	t := &Ticker{
		cfg:          cfg,
		bus:          bus,
		log:          log,
		metrics:      metrics.NewNop(),
		newID:        newTaskID,
		printMod:     Modulus(cfg.PrintEvery, cfg.Period),
		broadcastMod: Modulus(cfg.BroadcastEvery, cfg.Period),
		reg:          NewRegistry(),
		report:       newFailureReporter(log, failureLogThrottle),
	}
	for _, o := range opts {
		o(t)
	}
	t.sup = supervisor.New(context.Background(),
		supervisor.WithLogger(log),
		supervisor.WithQuiet(true),
	)
	return t, nil
}

func newTaskID() string {
	if id, err := uuid.NewUUID(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// Start begins the tick chain. It may be called once; later calls return
// ErrAlreadyStarted. Canceling ctx ends the chain like Stop does, without
// waiting for in-flight tasks.
func (t *Ticker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return ErrAlreadyStarted
	}
	t.started = true

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(runCtx, t.done)

	t.log.Info("ticker started",
		logx.String("server_id", t.cfg.ServerID),
		logx.Duration("period", t.cfg.Period),
		logx.Duration("print_every", t.cfg.PrintEvery),
		logx.Duration("broadcast_every", t.cfg.BroadcastEvery),
	)
	return nil
}

// Stop ends the tick chain and waits, bounded by ctx, for in-flight task
// invocations and publishes.
func (t *Ticker) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.started || t.cancel == nil {
		t.mu.Unlock()
		return ErrNotStarted
	}
	cancel, done := t.cancel, t.done
	t.cancel = nil
	t.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := t.sup.Stop(ctx); err != nil {
		return fmt.Errorf("waiting for in-flight tasks: %w", err)
	}
	t.log.Info("ticker stopped", logx.Uint64("count", t.Count()))
	return nil
}

func closed(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (t *Ticker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(t.cfg.Period)
	defer timer.Stop()
	next := func() { timer.Reset(t.cfg.Period) }
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			t.tick(next)
		}
	}
}

// Tick performs one tick synchronously and returns the new count. The run
// loop calls the same code; Tick exists for callers that drive the ticker by
// hand.
func (t *Ticker) Tick() uint64 {
	return t.tick(nil)
}

func (t *Ticker) tick(scheduleNext func()) uint64 {
	n := t.count.Add(1)
	t.metrics.TickAdvanced(n)

	if due(n, t.printMod) {
		t.log.Info("heartbeat", logx.Uint64("count", n))
	}

	for _, task := range t.reg.Snapshot() {
		if due(n, task.modulus) {
			t.dispatch(task, n)
		}
	}

	if scheduleNext != nil {
		scheduleNext()
	}

	if due(n, t.broadcastMod) {
		t.broadcast(n)
	}
	return n
}

func (t *Ticker) dispatch(task *Task, n uint64) {
	call := task.call(n)
	ok := t.sup.Go0(taskGoroutine(task.ID), func(ctx context.Context) {
		t.invoke(ctx, task, call)
	})
	if !ok {
		return
	}
	t.dispatched.Add(1)
	t.metrics.TaskDispatched()
}

func (t *Ticker) invoke(ctx context.Context, task *Task, call Call) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Value: r, Stack: string(debug.Stack())}
			}
		}()
		return task.Fn(ctx, call)
	}()
	if err == nil {
		return
	}
	reason := "error"
	var pe *PanicError
	if errors.As(err, &pe) {
		reason = "panic"
	}
	t.failed.Add(1)
	t.metrics.TaskFailed(reason)
	t.report.callback(&CallbackFailure{TaskID: call.TaskID, Count: call.Count, Err: err})
}

func (t *Ticker) broadcast(n uint64) {
	if t.bus == nil {
		return
	}
	ev := NewLivenessEvent(t.cfg.ServerID, n)
	t.sup.Go0("liveness.publish", func(ctx context.Context) {
		pctx, cancel := context.WithTimeout(ctx, t.cfg.PublishTimeout)
		defer cancel()
		if err := Publish(pctx, t.bus, ev); err != nil {
			t.publishFailed.Add(1)
			t.metrics.LivenessPublishFailed()
			t.report.publish(&PublishFailure{ServerID: ev.ServerID, Count: n, Err: err})
			return
		}
		t.published.Add(1)
		t.metrics.LivenessPublished()
	})
}

// Count returns the number of ticks performed so far.
func (t *Ticker) Count() uint64 { return t.count.Load() }

func (t *Ticker) Period() time.Duration { return t.cfg.Period }

func (t *Ticker) ServerID() string { return t.cfg.ServerID }

// Register adds fn to fire every interval and returns its id. args and
// kwargs are copied and handed to every invocation.
func (t *Ticker) Register(fn TaskFunc, interval time.Duration, args []any, kwargs map[string]any) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("%w: nil task function", ErrInvalidArgument)
	}
	if interval <= 0 {
		return "", fmt.Errorf("%w: interval must be > 0, got %s", ErrInvalidArgument, interval)
	}

	task := &Task{
		ID:       t.newID(),
		Fn:       fn,
		Interval: interval,
		modulus:  Modulus(interval, t.cfg.Period),
	}
	if len(args) > 0 {
		task.Args = append([]any(nil), args...)
	}
	task.Kwargs = make(map[string]any, len(kwargs))
	for k, v := range kwargs {
		task.Kwargs[k] = v
	}

	if err := t.reg.Add(task); err != nil {
		return "", fmt.Errorf("register %s: %w", task.ID, err)
	}
	t.metrics.TasksRegistered(t.reg.Len())
	t.log.Debug("task registered",
		logx.String("task_id", task.ID),
		logx.Duration("interval", interval),
		logx.Uint64("modulus", task.modulus),
	)
	return task.ID, nil
}

// Unregister removes id. Invocations already dispatched still run. Unknown
// ids are ignored.
func (t *Ticker) Unregister(id string) {
	if !t.reg.Remove(id) {
		return
	}
	t.sup.Forget(taskGoroutine(id))
	t.report.forget(taskGoroutine(id))
	t.metrics.TasksRegistered(t.reg.Len())
	t.log.Debug("task unregistered", logx.String("task_id", id))
}

// TaskInfo describes one registered task.
type TaskInfo struct {
	ID       string        `json:"id"`
	Interval time.Duration `json:"interval"`
	Modulus  uint64        `json:"modulus"`
	// InFlight counts invocations still running. Above 1 means the task
	// overlaps itself.
	InFlight int64 `json:"in_flight"`
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	ServerID         string        `json:"server_id"`
	Running          bool          `json:"running"`
	Count            uint64        `json:"count"`
	Period           time.Duration `json:"period"`
	PrintEvery       time.Duration `json:"print_every"`
	PrintModulus     uint64        `json:"print_modulus"`
	BroadcastEvery   time.Duration `json:"broadcast_every"`
	BroadcastModulus uint64        `json:"broadcast_modulus"`
	Tasks            []TaskInfo    `json:"tasks"`
	Dispatched       uint64        `json:"dispatched"`
	Failed           uint64        `json:"failed"`
	Published        uint64        `json:"published"`
	PublishFailed    uint64        `json:"publish_failed"`
}

func (t *Ticker) Snapshot() Snapshot {
	t.mu.Lock()
	running := t.cancel != nil && !closed(t.done)
	t.mu.Unlock()

	tasks := t.reg.Snapshot()
	infos := make([]TaskInfo, 0, len(tasks))
	for _, task := range tasks {
		infos = append(infos, TaskInfo{
			ID:       task.ID,
			Interval: task.Interval,
			Modulus:  task.modulus,
			InFlight: t.sup.Active(taskGoroutine(task.ID)),
		})
	}
	return Snapshot{
		ServerID:         t.cfg.ServerID,
		Running:          running,
		Count:            t.Count(),
		Period:           t.cfg.Period,
		PrintEvery:       t.cfg.PrintEvery,
		PrintModulus:     t.printMod,
		BroadcastEvery:   t.cfg.BroadcastEvery,
		BroadcastModulus: t.broadcastMod,
		Tasks:            infos,
		Dispatched:       t.dispatched.Load(),
		Failed:           t.failed.Load(),
		Published:        t.published.Load(),
		PublishFailed:    t.publishFailed.Load(),
	}
}
