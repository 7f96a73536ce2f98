package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	DefaultPrintEvery     = 60 * time.Second
	DefaultBroadcastEvery = 10 * time.Second

	DefaultStaleAfter = 30 * time.Second
	DefaultCheckEvery = time.Second

	EnvServerID = "PULSE_SERVER_ID"
)

// ResolveServerID applies the env override and hostname fallback.
func ResolveServerID(cfg *Config) (string, error) {
	if v := strings.TrimSpace(os.Getenv(EnvServerID)); v != "" {
		return v, nil
	}
	if cfg != nil {
		if v := strings.TrimSpace(cfg.ServerID); v != "" {
			return v, nil
		}
	}
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "", fmt.Errorf("server_id: not configured and hostname unavailable: %v", err)
	}
	return host, nil
}

// Validate checks fields that Parse cannot check structurally.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := ParseDurationField("heartbeat.period", cfg.Heartbeat.Period); err != nil {
		return err
	}
	if _, err := ParseDurationField("heartbeat.publish_timeout", cfg.Heartbeat.PublishTimeout); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Bus.Driver)) {
	case "", "memory", "nats", "redis", "rabbitmq":
	default:
		return fmt.Errorf("bus.driver: unknown driver %q", cfg.Bus.Driver)
	}
	if cfg.Bus.BufferSize < 0 {
		return fmt.Errorf("bus.buffer_size: must be >= 0")
	}
	for path, raw := range map[string]string{
		"bus.nats.reconnect_wait":  cfg.Bus.NATS.ReconnectWait,
		"bus.nats.connect_timeout": cfg.Bus.NATS.ConnectTimeout,
		"monitor.stale_after":      cfg.Monitor.StaleAfter,
		"monitor.check_every":      cfg.Monitor.CheckEvery,
		"diag.read_timeout":        cfg.Diag.ReadTimeout,
		"diag.write_timeout":       cfg.Diag.WriteTimeout,
		"diag.idle_timeout":        cfg.Diag.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if cfg.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
		if _, err := ParseDurationField("storage.retention", cfg.Storage.Retention); err != nil {
			return err
		}
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
		}
	}
	return nil
}
