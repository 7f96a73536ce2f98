package eventbus

import (
	"context"
	"fmt"
	"strings"

	"pulse/pkg/logx"
)

const (
	DriverMemory   = "memory"
	DriverNATS     = "nats"
	DriverRedis    = "redis"
	DriverRabbitMQ = "rabbitmq"
)

type Config struct {
	Driver     string
	BufferSize int

	NATS     NATSConfig
	Redis    RedisConfig
	RabbitMQ RabbitMQConfig
}

// Open builds the bus selected by cfg.Driver. An empty driver means memory.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Bus, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverMemory
	}
	log = log.With(logx.String("driver", driver))

	switch driver {
	case DriverMemory:
		return NewMemory(cfg.BufferSize, log), nil
	case DriverNATS:
		return NewNATS(cfg.NATS, cfg.BufferSize, log)
	case DriverRedis:
		return NewRedis(ctx, cfg.Redis, cfg.BufferSize, log)
	case DriverRabbitMQ:
		return NewRabbitMQ(cfg.RabbitMQ, cfg.BufferSize, log)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
