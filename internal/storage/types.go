package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": jsonl journal + snapshot files next to Path
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retention drops observations not refreshed within this window.
	// 0 means DefaultRetention.
	Retention time.Duration
}

const DefaultRetention = 7 * 24 * time.Hour

func (c Config) retention() time.Duration {
	if c.Retention <= 0 {
		return DefaultRetention
	}
	return c.Retention
}

// Observation is the most recent liveness event seen from one server.
type Observation struct {
	ServerID string    `json:"server_id"`
	Count    uint64    `json:"count"`
	SeenAt   time.Time `json:"seen_at"`
}

// Transition states.
const (
	StateStale     = "stale"
	StateRecovered = "recovered"
)

// Transition records a peer going stale or coming back.
type Transition struct {
	At        time.Time `json:"at"`
	ServerID  string    `json:"server_id"`
	State     string    `json:"state"`
	LastCount uint64    `json:"last_count"`
	LastSeen  time.Time `json:"last_seen"`
}

// Store is the persistence API used by the monitor.
type Store interface {
	RecordLiveness(ctx context.Context, o Observation) error
	// LastSeen returns one observation per server, ordered by server id.
	LastSeen(ctx context.Context) ([]Observation, error)
	AppendTransition(ctx context.Context, t Transition) error
	Close() error
}
