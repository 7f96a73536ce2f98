package app

import (
	"fmt"
	"strings"
	"time"

	"pulse/internal/config"
	"pulse/internal/eventbus"
	"pulse/internal/heartbeat"
	"pulse/internal/monitor"
	"pulse/internal/observability/diag"
	"pulse/internal/storage"
	"pulse/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapTickerConfig(cfg *config.Config, serverID string) (heartbeat.Config, error) {
	period, err := config.ParseDurationOrDefault("heartbeat.period", cfg.Heartbeat.Period, heartbeat.DefaultPeriod)
	if err != nil {
		return heartbeat.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("heartbeat.publish_timeout", cfg.Heartbeat.PublishTimeout, heartbeat.DefaultPublishTimeout)
	if err != nil {
		return heartbeat.Config{}, err
	}
	return heartbeat.Config{
		ServerID:       serverID,
		Period:         period,
		PrintEvery:     cfg.Heartbeat.PrintEvery(),
		BroadcastEvery: cfg.Heartbeat.BroadcastEvery(),
		PublishTimeout: timeout,
	}, nil
}

func mapBusConfig(cfg *config.Config) (eventbus.Config, error) {
	bc := cfg.Bus
	out := eventbus.Config{
		Driver:     strings.ToLower(strings.TrimSpace(bc.Driver)),
		BufferSize: bc.BufferSize,
		Redis: eventbus.RedisConfig{
			Addr:     bc.Redis.Addr,
			Username: bc.Redis.Username,
			Password: bc.Redis.Password,
			DB:       bc.Redis.DB,
		},
		RabbitMQ: eventbus.RabbitMQConfig{
			URI:      bc.RabbitMQ.URI,
			Exchange: bc.RabbitMQ.Exchange,
		},
	}

	nc := eventbus.DefaultNATSConfig()
	if s := strings.TrimSpace(bc.NATS.URL); s != "" {
		nc.URL = s
	}
	if s := strings.TrimSpace(bc.NATS.Name); s != "" {
		nc.Name = s
	}
	nc.Token = bc.NATS.Token
	nc.User = bc.NATS.User
	nc.Password = bc.NATS.Password
	if bc.NATS.MaxReconnects != 0 {
		nc.MaxReconnects = bc.NATS.MaxReconnects
	}
	var err error
	if nc.ReconnectWait, err = config.ParseDurationOrDefault("bus.nats.reconnect_wait", bc.NATS.ReconnectWait, nc.ReconnectWait); err != nil {
		return eventbus.Config{}, err
	}
	if nc.ConnectTimeout, err = config.ParseDurationOrDefault("bus.nats.connect_timeout", bc.NATS.ConnectTimeout, nc.ConnectTimeout); err != nil {
		return eventbus.Config{}, err
	}
	out.NATS = nc
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	retention, err := config.ParseDurationField("storage.retention", sc.Retention)
	if err != nil {
		return storage.Config{}, false, err
	}

	switch driver {
	case "file":
		if path == "" {
			path = "./data/pulse"
		}
		return storage.Config{Driver: "file", Path: path, Retention: retention}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, Retention: retention}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapMonitorConfig(cfg *config.Config, serverID string) (monitor.Config, error) {
	mc := cfg.Monitor
	stale, err := config.ParseDurationOrDefault("monitor.stale_after", mc.StaleAfter, config.DefaultStaleAfter)
	if err != nil {
		return monitor.Config{}, err
	}
	check, err := config.ParseDurationOrDefault("monitor.check_every", mc.CheckEvery, config.DefaultCheckEvery)
	if err != nil {
		return monitor.Config{}, err
	}
	return monitor.Config{
		SelfID:      serverID,
		ServerID:    mc.Filter(),
		StaleAfter:  stale,
		CheckEvery:  check,
		IncludeSelf: mc.IncludeSelf,
	}, nil
}

func mapDiagConfig(cfg *config.Config) (diag.Config, error) {
	dc := cfg.Diag
	read, err := config.ParseDurationOrDefault("diag.read_timeout", dc.ReadTimeout, 5*time.Second)
	if err != nil {
		return diag.Config{}, err
	}
	// pprof profile/trace endpoints stream for up to 30s by default.
	write, err := config.ParseDurationOrDefault("diag.write_timeout", dc.WriteTimeout, 60*time.Second)
	if err != nil {
		return diag.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("diag.idle_timeout", dc.IdleTimeout, 60*time.Second)
	if err != nil {
		return diag.Config{}, err
	}
	return diag.Config{
		Enabled:       dc.Enabled,
		Addr:          strings.TrimSpace(dc.Addr),
		Token:         strings.TrimSpace(dc.Token),
		AllowInsecure: dc.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// validateMapped rejects configs that decode but cannot be mapped.
func validateMapped(cfg *config.Config) error {
	if _, err := mapTickerConfig(cfg, "validate"); err != nil {
		return err
	}
	if _, err := mapBusConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMonitorConfig(cfg, "validate"); err != nil {
		return err
	}
	_, err := mapDiagConfig(cfg)
	return err
}
