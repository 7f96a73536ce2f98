package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"pulse/pkg/logx"
)

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	URL   string
	Name  string
	Token string

	User     string
	Password string

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration
	// MaxReconnects: -1 = unlimited.
	MaxReconnects  int
	ConnectTimeout time.Duration
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		Name:           "pulse",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

type NATSBus struct {
	conn   *nats.Conn
	owned  bool
	buffer int
	log    logx.Logger

	mu   sync.Mutex
	subs map[*natsSub]struct{}
}

// NewNATS dials the server described by cfg.
func NewNATS(cfg NATSConfig, buffer int, log logx.Logger) (*NATSBus, error) {
	def := DefaultNATSConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = def.MaxReconnects
	}

	conn, err := nats.Connect(cfg.URL, buildNATSOptions(cfg, log)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	b := NewNATSFromConn(conn, buffer, log)
	b.owned = true
	return b, nil
}

// NewNATSFromConn wraps an existing connection. Close will not close conn.
func NewNATSFromConn(conn *nats.Conn, buffer int, log logx.Logger) *NATSBus {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &NATSBus{conn: conn, buffer: buffer, log: log, subs: map[*natsSub]struct{}{}}
}

func buildNATSOptions(cfg NATSConfig, log logx.Logger) []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", logx.Err(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", logx.String("url", c.ConnectedUrl()))
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	return opts
}

func (b *NATSBus) Publish(ctx context.Context, e Event) error {
	if err := validKey(e.Key); err != nil {
		return err
	}
	if b.conn.IsClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	body, err := encodeEnvelope(e)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(Topic(e.Key, e.Fields), body); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (b *NATSBus) Subscribe(key string, fields []string, h Handler, wildcard bool) (Subscription, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, ErrNilHandler
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	d := newDispatcher(key, fields, wildcard, h, b.buffer, b.log)
	subject := Pattern(key, fields, wildcard, "*")
	ns, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		e, err := decodeEnvelope(m.Data)
		if err != nil {
			b.log.Debug("dropping malformed nats message", logx.String("subject", m.Subject), logx.Err(err))
			return
		}
		d.offer(e)
	})
	if err != nil {
		d.stop()
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}

	s := &natsSub{bus: b, sub: ns, d: d}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

const defaultFlushTimeout = 5 * time.Second

// Flush round-trips to the server so prior subscriptions are registered.
// A ctx without a deadline is bounded by defaultFlushTimeout.
func (b *NATSBus) Flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultFlushTimeout)
		defer cancel()
	}
	return b.conn.FlushWithContext(ctx)
}

func (b *NATSBus) Close(ctx context.Context) error {
	b.mu.Lock()
	subs := make([]*natsSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = map[*natsSub]struct{}{}
	b.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
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
		if err := b.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			b.conn.Close()
		}
	}
	return errors.Join(errs...)
}

type natsSub struct {
	bus  *NATSBus
	sub  *nats.Subscription
	d    *dispatcher
	once sync.Once
}

func (s *natsSub) unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.sub.Unsubscribe()
		s.d.stop()
	})
	return err
}

func (s *natsSub) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return s.unsubscribe()
}
