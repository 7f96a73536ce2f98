package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"pulse/internal/schedule"
)

type Config struct {
	// ServerID names this process in liveness events.
	// Resolution order: PULSE_SERVER_ID, this field, the hostname.
	ServerID string `json:"server_id,omitempty"`

	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Logging   LoggingConfig   `json:"logging"`
	Bus       BusConfig       `json:"bus"`
	Monitor   MonitorConfig   `json:"monitor"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Diag      DiagConfig      `json:"diag,omitempty"`
	Systemd   SystemdConfig   `json:"systemd,omitempty"`
}

// HeartbeatConfig mirrors the ticker cadences. Omitted cadences take their
// defaults (60s print, 10s broadcast); an explicit 0 disables them.
type HeartbeatConfig struct {
	Interval  *Cadence `json:"interval,omitempty"`
	Broadcast *Cadence `json:"broadcast,omitempty"`

	// Period is the base tick as a Go duration; default 5ms.
	Period         string `json:"period,omitempty"`
	PublishTimeout string `json:"publish_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type BusConfig struct {
	// Driver: memory (default), nats, redis, rabbitmq.
	Driver     string `json:"driver,omitempty"`
	BufferSize int    `json:"buffer_size,omitempty"`

	NATS     NATSConfig     `json:"nats,omitempty"`
	Redis    RedisConfig    `json:"redis,omitempty"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq,omitempty"`
}

type NATSConfig struct {
	URL            string `json:"url,omitempty"`
	Name           string `json:"name,omitempty"`
	Token          string `json:"token,omitempty"` // do not log
	User           string `json:"user,omitempty"`
	Password       string `json:"password,omitempty"` // do not log
	ReconnectWait  string `json:"reconnect_wait,omitempty"`
	MaxReconnects  int    `json:"max_reconnects,omitempty"`
	ConnectTimeout string `json:"connect_timeout,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
}

type RabbitMQConfig struct {
	URI      string `json:"uri,omitempty"` // may embed credentials; do not log
	Exchange string `json:"exchange,omitempty"`
}

// MonitorConfig enables the liveness consumer.
type MonitorConfig struct {
	Enabled bool `json:"enabled"`
	// ServerID filters observed peers; "#" (default) watches all.
	ServerID   string `json:"server_id,omitempty"`
	StaleAfter string `json:"stale_after,omitempty"`
	CheckEvery string `json:"check_every,omitempty"`
	// IncludeSelf also tracks this process's own broadcasts.
	IncludeSelf bool `json:"include_self,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Retention   string `json:"retention,omitempty"`    // how long silent peers are kept; default 7d
}

type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type SystemdConfig struct {
	// Notify defaults to true; it is a no-op outside systemd.
	Notify *bool `json:"notify,omitempty"`
}

func (s SystemdConfig) NotifyEnabled() bool { return s.Notify == nil || *s.Notify }

// Cadence is a non-negative interval written either as a number of seconds
// (10, 0.5) or as a string understood by schedule.Cadence ("10s", "00:01",
// "@every 10s").
type Cadence struct {
	d time.Duration
}

func CadenceOf(d time.Duration) *Cadence { return &Cadence{d: d} }

func (c *Cadence) Duration() time.Duration {
	if c == nil {
		return 0
	}
	return c.d
}

func (c *Cadence) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		d, err := schedule.Cadence(s)
		if err != nil {
			return err
		}
		c.d = d
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("cadence must be seconds or a duration string: %w", err)
	}
	d, err := schedule.Seconds(secs)
	if err != nil {
		return err
	}
	c.d = d
	return nil
}

func (c Cadence) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.d.String())
}

func (c Cadence) String() string { return c.d.String() }

// PrintEvery resolves heartbeat.interval.
func (h HeartbeatConfig) PrintEvery() time.Duration {
	if h.Interval == nil {
		return DefaultPrintEvery
	}
	return h.Interval.Duration()
}

// BroadcastEvery resolves heartbeat.broadcast.
func (h HeartbeatConfig) BroadcastEvery() time.Duration {
	if h.Broadcast == nil {
		return DefaultBroadcastEvery
	}
	return h.Broadcast.Duration()
}

func (m MonitorConfig) Filter() string {
	if s := strings.TrimSpace(m.ServerID); s != "" {
		return s
	}
	return "#"
}
