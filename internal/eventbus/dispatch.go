package eventbus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"pulse/pkg/logx"
)

const DefaultBufferSize = 256

// dispatcher is one subscription's delivery queue. Every driver funnels
// received events through offer, which re-checks key and fields.
type dispatcher struct {
	key      string
	pattern  []string
	wildcard bool
	h        Handler
	log      logx.Logger

	queue  chan Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	dropped atomic.Uint64
}

func newDispatcher(key string, pattern []string, wildcard bool, h Handler, buffer int, log logx.Logger) *dispatcher {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &dispatcher{
		key:      key,
		pattern:  append([]string(nil), pattern...),
		wildcard: wildcard,
		h:        h,
		log:      log,
		queue:    make(chan Event, buffer),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) matches(e Event) bool {
	return e.Key == d.key && Match(d.pattern, e.Fields, d.wildcard)
}

// offer enqueues e without blocking. It reports false when e was dropped.
func (d *dispatcher) offer(e Event) bool {
	if !d.matches(e) {
		return false
	}
	select {
	case <-d.ctx.Done():
		return false
	default:
	}
	select {
	case d.queue <- e:
		return true
	default:
		n := d.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			d.log.Warn("subscriber queue full; dropping events",
				logx.String("key", d.key),
				logx.Uint64("dropped", n),
			)
		}
		return false
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.ctx.Done():
			return
		case e := <-d.queue:
			d.deliver(e)
		}
	}
}

func (d *dispatcher) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("event handler panicked",
				logx.String("key", d.key),
				logx.Err(fmt.Errorf("panic: %v", r)),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	d.h(d.ctx, e)
}

// stop cancels delivery. Queued but undelivered events are discarded.
// It does not wait, so a handler may unsubscribe itself.
func (d *dispatcher) stop() {
	d.once.Do(d.cancel)
}

// wait blocks until the delivery goroutine has exited or ctx is done.
func (d *dispatcher) wait(ctx context.Context) error {
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *dispatcher) Dropped() uint64 { return d.dropped.Load() }
