package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"pulse/pkg/logx"
)

type RabbitMQConfig struct {
	URI      string
	Exchange string
}

// RabbitMQBus publishes to a durable topic exchange. Each subscription owns
// an exclusive auto-delete queue bound with the subscription pattern.
type RabbitMQBus struct {
	cfg    RabbitMQConfig
	buffer int
	log    logx.Logger

	conn *amqp.Connection

	pubMu sync.Mutex
	pubCh *amqp.Channel

	mu   sync.Mutex
	subs map[*amqpSub]struct{}
}

func NewRabbitMQ(cfg RabbitMQConfig, buffer int, log logx.Logger) (*RabbitMQBus, error) {
	if cfg.URI == "" || cfg.Exchange == "" {
		return nil, fmt.Errorf("rabbitmq config invalid: uri and exchange required")
	}
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	conn, err := amqp.Dial(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	b := &RabbitMQBus{cfg: cfg, buffer: buffer, log: log, conn: conn, subs: map[*amqpSub]struct{}{}}
	if err := b.declareTopology(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *RabbitMQBus) declareTopology() error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq channel: %w", err)
	}
	defer ch.Close()
	b.log.Info("declare exchange", logx.String("exchange", b.cfg.Exchange))
	if err := ch.ExchangeDeclare(b.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq exchange declare: %w", err)
	}
	return nil
}

// bindingKey maps a subscription onto AMQP topic syntax, where "*" matches one word.
func bindingKey(key string, fields []string, wildcard bool) string {
	return Pattern(key, fields, wildcard, "*")
}

func (b *RabbitMQBus) publishChannel() (*amqp.Channel, error) {
	if b.pubCh != nil && !b.pubCh.IsClosed() {
		return b.pubCh, nil
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	b.pubCh = ch
	return ch, nil
}

func (b *RabbitMQBus) Publish(ctx context.Context, e Event) error {
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

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	ch, err := b.publishChannel()
	if err != nil {
		return err
	}
	topic := Topic(e.Key, e.Fields)
	err = ch.PublishWithContext(ctx, b.cfg.Exchange, topic, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   e.Time,
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq publish failed (topic=%s): %w", topic, err)
	}
	return nil
}

func (b *RabbitMQBus) Subscribe(key string, fields []string, h Handler, wildcard bool) (Subscription, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, ErrNilHandler
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("rabbitmq queue declare: %w", err)
	}
	if err := ch.QueueBind(q.Name, bindingKey(key, fields, wildcard), b.cfg.Exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("rabbitmq queue bind: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("rabbitmq consume: %w", err)
	}

	d := newDispatcher(key, fields, wildcard, h, b.buffer, b.log)
	s := &amqpSub{bus: b, ch: ch, d: d}
	go s.pump(deliveries)

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

func (b *RabbitMQBus) Close(ctx context.Context) error {
	b.mu.Lock()
	subs := make([]*amqpSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = map[*amqpSub]struct{}{}
	b.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.unsubscribe(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for _, s := range subs {
		if err := s.d.wait(ctx); err != nil {
			errs = append(errs, err)
			break
		}
	}
	b.pubMu.Lock()
	if b.pubCh != nil {
		_ = b.pubCh.Close()
		b.pubCh = nil
	}
	b.pubMu.Unlock()
	if err := b.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type amqpSub struct {
	bus  *RabbitMQBus
	ch   *amqp.Channel
	d    *dispatcher
	once sync.Once
}

func (s *amqpSub) pump(deliveries <-chan amqp.Delivery) {
	for m := range deliveries {
		e, err := decodeEnvelope(m.Body)
		if err != nil {
			s.bus.log.Debug("dropping malformed amqp message", logx.String("routing_key", m.RoutingKey), logx.Err(err))
			continue
		}
		s.d.offer(e)
	}
}

func (s *amqpSub) unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.ch.Close()
		s.d.stop()
	})
	return err
}

func (s *amqpSub) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return s.unsubscribe()
}
