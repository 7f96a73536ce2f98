package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"pulse/pkg/logx"
)

// Stats counts events seen by a bus since it was created.
type Stats struct {
	Published uint64
	Delivered uint64
	Dropped   uint64
}

// NewMemory returns an in-process fanout bus.
func NewMemory(buffer int, log logx.Logger) *MemoryBus {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &MemoryBus{
		buffer: buffer,
		log:    log,
		subs:   xsync.NewMap[uint64, *dispatcher](),
	}
}

type MemoryBus struct {
	buffer int
	log    logx.Logger

	subs   *xsync.Map[uint64, *dispatcher]
	seq    atomic.Uint64
	closed atomic.Bool

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64

	closeOnce sync.Once
}

func (b *MemoryBus) Publish(ctx context.Context, e Event) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := validKey(e.Key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Subscribers share the event; copy the slices so a later mutation by
	// the publisher cannot leak into queued deliveries.
	e.Fields = append([]string(nil), e.Fields...)
	e.Data = append([]byte(nil), e.Data...)

	b.published.Add(1)
	b.subs.Range(func(_ uint64, d *dispatcher) bool {
		if !d.matches(e) {
			return true
		}
		if d.offer(e) {
			b.delivered.Add(1)
		} else {
			b.dropped.Add(1)
		}
		return true
	})
	return nil
}

func (b *MemoryBus) Subscribe(key string, fields []string, h Handler, wildcard bool) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if err := validKey(key); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, ErrNilHandler
	}
	id := b.seq.Add(1)
	d := newDispatcher(key, fields, wildcard, h, b.buffer, b.log)
	b.subs.Store(id, d)
	return &memSub{bus: b, id: id}, nil
}

// Close stops every subscription and waits for in-flight handlers, bounded by ctx.
func (b *MemoryBus) Close(ctx context.Context) error {
	var errs []error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		var all []*dispatcher
		b.subs.Range(func(id uint64, d *dispatcher) bool {
			b.subs.Delete(id)
			d.stop()
			all = append(all, d)
			return true
		})
		for _, d := range all {
			if err := d.wait(ctx); err != nil {
				errs = append(errs, err)
				break
			}
		}
	})
	return errors.Join(errs...)
}

func (b *MemoryBus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
	}
}

type memSub struct {
	bus *MemoryBus
	id  uint64
}

func (s *memSub) Unsubscribe() error {
	if d, ok := s.bus.subs.LoadAndDelete(s.id); ok {
		d.stop()
	}
	return nil
}
