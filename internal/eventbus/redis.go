package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"pulse/pkg/logx"
)

type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// RedisBus uses Redis Pub/Sub. Delivery is at-most-once and only reaches
// subscribers connected at publish time.
type RedisBus struct {
	rdb    *redis.Client
	owned  bool
	buffer int
	log    logx.Logger

	mu   sync.Mutex
	subs map[*redisSub]struct{}
}

func NewRedis(ctx context.Context, cfg RedisConfig, buffer int, log logx.Logger) (*RedisBus, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	b := NewRedisFromClient(rdb, buffer, log)
	b.owned = true
	return b, nil
}

// NewRedisFromClient wraps an existing client. Close will not close rdb.
func NewRedisFromClient(rdb *redis.Client, buffer int, log logx.Logger) *RedisBus {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &RedisBus{rdb: rdb, buffer: buffer, log: log, subs: map[*redisSub]struct{}{}}
}

func (b *RedisBus) Publish(ctx context.Context, e Event) error {
	if err := validKey(e.Key); err != nil {
		return err
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	body, err := encodeEnvelope(e)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, Topic(e.Key, e.Fields), body).Err(); err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// redisChannel returns the channel or glob pattern for a subscription and
// whether it must be registered with PSUBSCRIBE.
func redisChannel(key string, fields []string, wildcard bool) (string, bool) {
	if wildcard && HasWildcard(fields) {
		return Pattern(key, fields, true, "*"), true
	}
	return Topic(key, fields), false
}

func (b *RedisBus) Subscribe(key string, fields []string, h Handler, wildcard bool) (Subscription, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, ErrNilHandler
	}

	ctx := context.Background()
	channel, glob := redisChannel(key, fields, wildcard)
	var ps *redis.PubSub
	if glob {
		ps = b.rdb.PSubscribe(ctx, channel)
	} else {
		ps = b.rdb.Subscribe(ctx, channel)
	}
	// Wait for the subscription confirmation so a publish right after
	// Subscribe returns is not lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		if errors.Is(err, redis.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	d := newDispatcher(key, fields, wildcard, h, b.buffer, b.log)
	s := &redisSub{bus: b, ps: ps, d: d, done: make(chan struct{})}
	go s.pump()

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

func (b *RedisBus) Close(ctx context.Context) error {
	b.mu.Lock()
	subs := make([]*redisSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = map[*redisSub]struct{}{}
	b.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range subs {
		if err := s.d.wait(ctx); err != nil {
			errs = append(errs, err)
			break
		}
	}
	if b.owned {
		if err := b.rdb.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type redisSub struct {
	bus  *RedisBus
	ps   *redis.PubSub
	d    *dispatcher
	done chan struct{}
	once sync.Once
}

func (s *redisSub) pump() {
	defer close(s.done)
	for m := range s.ps.Channel() {
		e, err := decodeEnvelope([]byte(m.Payload))
		if err != nil {
			s.bus.log.Debug("dropping malformed redis message", logx.String("channel", m.Channel), logx.Err(err))
			continue
		}
		s.d.offer(e)
	}
}

func (s *redisSub) unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()
		s.d.stop()
	})
	return err
}

func (s *redisSub) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return s.unsubscribe()
}
