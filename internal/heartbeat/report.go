package heartbeat

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pulse/pkg/logx"
)

const failureLogThrottle = 5 * time.Second

// failureReporter logs task and publish failures with a per-key rate limit.
// A task failing on every tick produces one line per window, carrying the
// number of failures suppressed since the previous line.
type failureReporter struct {
	log    logx.Logger
	window time.Duration

	mu     sync.Mutex
	limits map[string]*throttle
}

type throttle struct {
	lim        *rate.Limiter
	suppressed uint64
}

func newFailureReporter(log logx.Logger, window time.Duration) *failureReporter {
	if window <= 0 {
		window = failureLogThrottle
	}
	return &failureReporter{log: log, window: window, limits: map[string]*throttle{}}
}

func (r *failureReporter) allow(key string) (bool, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	th := r.limits[key]
	if th == nil {
		th = &throttle{lim: rate.NewLimiter(rate.Every(r.window), 1)}
		r.limits[key] = th
	}
	if !th.lim.Allow() {
		th.suppressed++
		return false, 0
	}
	n := th.suppressed
	th.suppressed = 0
	return true, n
}

func (r *failureReporter) forget(key string) {
	r.mu.Lock()
	delete(r.limits, key)
	r.mu.Unlock()
}

func (r *failureReporter) callback(f *CallbackFailure) {
	ok, suppressed := r.allow(taskGoroutine(f.TaskID))
	if !ok {
		return
	}
	fields := []logx.Field{
		logx.String("task_id", f.TaskID),
		logx.Uint64("count", f.Count),
		logx.Err(f.Err),
	}
	var pe *PanicError
	if errors.As(f.Err, &pe) {
		fields = append(fields, logx.Stack(pe.Stack))
	}
	if suppressed > 0 {
		fields = append(fields, logx.Uint64("suppressed", suppressed))
	}
	r.log.Error("task failed", fields...)
}

func (r *failureReporter) publish(f *PublishFailure) {
	ok, suppressed := r.allow("publish")
	if !ok {
		return
	}
	fields := []logx.Field{
		logx.String("server_id", f.ServerID),
		logx.Uint64("count", f.Count),
		logx.Err(f.Err),
	}
	if suppressed > 0 {
		fields = append(fields, logx.Uint64("suppressed", suppressed))
	}
	r.log.Warn("liveness publish failed", fields...)
}
