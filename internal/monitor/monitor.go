// Package monitor consumes liveness events and tracks which peers are alive.
//
// A peer is any server whose liveness events match the configured filter.
// Each peer is marked stale once no event has arrived for StaleAfter and
// recovered on the next event. Transitions are logged and, when a store is
// configured, persisted.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pulse/internal/eventbus"
	"pulse/internal/heartbeat"
	"pulse/internal/metrics"
	"pulse/internal/storage"
	"pulse/pkg/logx"
)

const (
	DefaultStaleAfter = 30 * time.Second
	DefaultCheckEvery = time.Second

	storeTimeout = 2 * time.Second
)

var ErrStarted = errors.New("monitor already started")

// Scheduler runs the staleness check. *heartbeat.Ticker satisfies it.
type Scheduler interface {
	Register(fn heartbeat.TaskFunc, interval time.Duration, args []any, kwargs map[string]any) (string, error)
	Unregister(id string)
}

type Config struct {
	// SelfID is this process's server id.
	SelfID string
	// ServerID filters observed peers; heartbeat.Any watches all.
	ServerID    string
	StaleAfter  time.Duration
	CheckEvery  time.Duration
	IncludeSelf bool
}

// Peer is the last known state of one server.
type Peer struct {
	ServerID string    `json:"server_id"`
	Count    uint64    `json:"count"`
	SeenAt   time.Time `json:"seen_at"`
	Stale    bool      `json:"stale"`
	Restarts int       `json:"restarts"`
}

type Option func(*Monitor)

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

func WithStore(st storage.Store) Option {
	return func(m *Monitor) { m.store = st }
}

func WithMetrics(c metrics.Collector) Option {
	return func(m *Monitor) {
		if c != nil {
			m.metrics = c
		}
	}
}

type Monitor struct {
	cfg     Config
	log     logx.Logger
	store   storage.Store
	metrics metrics.Collector
	now     func() time.Time

	mu    sync.Mutex
	peers map[string]*Peer

	runMu  sync.Mutex
	sub    *heartbeat.Subscription
	sched  Scheduler
	taskID string
}

func New(cfg Config, log logx.Logger, opts ...Option) (*Monitor, error) {
	cfg.ServerID = strings.TrimSpace(cfg.ServerID)
	if cfg.ServerID == "" {
		cfg.ServerID = heartbeat.Any
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.CheckEvery == 0 {
		cfg.CheckEvery = DefaultCheckEvery
	}
	if cfg.StaleAfter < 0 || cfg.CheckEvery < 0 {
		return nil, fmt.Errorf("%w: monitor durations must be positive", heartbeat.ErrInvalidArgument)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Monitor{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "monitor")),
		metrics: metrics.NewNop(),
		now:     time.Now,
		peers:   map[string]*Peer{},
	}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	return m, nil
}

// Start restores persisted peers, subscribes to liveness events on bus and
// registers the staleness check with sched.
func (m *Monitor) Start(ctx context.Context, bus eventbus.Bus, sched Scheduler) error {
	if sched == nil {
		return fmt.Errorf("%w: nil scheduler", heartbeat.ErrInvalidArgument)
	}
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.sub != nil {
		return ErrStarted
	}

	m.restore(ctx)

	sub, err := heartbeat.Subscribe(bus, m.cfg.ServerID, heartbeat.Any, m.Observe)
	if err != nil {
		return err
	}
	id, err := sched.Register(func(ctx context.Context, _ heartbeat.Call) error {
		m.Check(ctx)
		return nil
	}, m.cfg.CheckEvery, nil, nil)
	if err != nil {
		_ = sub.Close()
		return err
	}
	m.sub, m.sched, m.taskID = sub, sched, id
	m.log.Info("monitor started",
		logx.String("filter", m.cfg.ServerID),
		logx.Duration("stale_after", m.cfg.StaleAfter),
		logx.Duration("check_every", m.cfg.CheckEvery),
	)
	return nil
}

// Stop unsubscribes and removes the check task. It is a no-op when not started.
func (m *Monitor) Stop() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.sub == nil {
		return nil
	}
	m.sched.Unregister(m.taskID)
	err := m.sub.Close()
	m.sub, m.sched, m.taskID = nil, nil, ""
	return err
}

func (m *Monitor) restore(ctx context.Context) {
	if m.store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	obs, err := m.store.LastSeen(sctx)
	if err != nil {
		m.log.Warn("restore peers failed", logx.Err(err))
		return
	}
	m.mu.Lock()
	for _, o := range obs {
		if !m.tracks(o.ServerID) {
			continue
		}
		m.peers[o.ServerID] = &Peer{ServerID: o.ServerID, Count: o.Count, SeenAt: o.SeenAt}
	}
	m.mu.Unlock()
	if len(obs) > 0 {
		m.log.Info("peers restored", logx.Int("n", len(obs)))
	}
}

func (m *Monitor) tracks(serverID string) bool {
	if serverID == m.cfg.SelfID && !m.cfg.IncludeSelf {
		return false
	}
	return m.cfg.ServerID == heartbeat.Any || m.cfg.ServerID == serverID
}

// Observe records one liveness event.
func (m *Monitor) Observe(ctx context.Context, ev heartbeat.LivenessEvent) {
	if !m.tracks(ev.ServerID) {
		return
	}
	now := m.now()

	m.mu.Lock()
	p, known := m.peers[ev.ServerID]
	if !known {
		p = &Peer{ServerID: ev.ServerID}
		m.peers[ev.ServerID] = p
	}
	prev := *p
	restarted := known && ev.Count < p.Count
	if restarted {
		p.Restarts++
	}
	p.Count = ev.Count
	p.SeenAt = now
	p.Stale = false
	m.mu.Unlock()

	m.metrics.PeerObserved()

	switch {
	case !known:
		m.log.Info("peer discovered", logx.String("server_id", ev.ServerID), logx.Uint64("count", ev.Count))
	case prev.Stale:
		m.log.Info("peer recovered",
			logx.String("server_id", ev.ServerID),
			logx.Uint64("count", ev.Count),
			logx.Duration("silent_for", now.Sub(prev.SeenAt)),
		)
		m.transition(ctx, storage.StateRecovered, *p)
	case restarted:
		m.log.Warn("peer restarted",
			logx.String("server_id", ev.ServerID),
			logx.Uint64("prev_count", prev.Count),
			logx.Uint64("count", ev.Count),
		)
	}

	if m.store != nil {
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		err := m.store.RecordLiveness(sctx, storage.Observation{ServerID: ev.ServerID, Count: ev.Count, SeenAt: now})
		cancel()
		if err != nil {
			m.log.Debug("record liveness failed", logx.Err(err), logx.String("server_id", ev.ServerID))
		}
	}
}

// Check marks peers silent for longer than StaleAfter as stale and returns
// the ids that became stale on this call.
func (m *Monitor) Check(ctx context.Context) []string {
	now := m.now()

	var (
		newly []Peer
		stale int
	)
	m.mu.Lock()
	for _, p := range m.peers {
		if !p.Stale && now.Sub(p.SeenAt) > m.cfg.StaleAfter {
			p.Stale = true
			newly = append(newly, *p)
		}
		if p.Stale {
			stale++
		}
	}
	m.mu.Unlock()

	m.metrics.PeersStale(stale)

	sort.Slice(newly, func(i, j int) bool { return newly[i].ServerID < newly[j].ServerID })
	ids := make([]string, 0, len(newly))
	for _, p := range newly {
		m.log.Warn("peer stale",
			logx.String("server_id", p.ServerID),
			logx.Uint64("last_count", p.Count),
			logx.Duration("silent_for", now.Sub(p.SeenAt)),
		)
		m.transition(ctx, storage.StateStale, p)
		ids = append(ids, p.ServerID)
	}
	return ids
}

func (m *Monitor) transition(ctx context.Context, state string, p Peer) {
	if m.store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	err := m.store.AppendTransition(sctx, storage.Transition{
		At:        m.now(),
		ServerID:  p.ServerID,
		State:     state,
		LastCount: p.Count,
		LastSeen:  p.SeenAt,
	})
	if err != nil {
		m.log.Debug("append transition failed", logx.Err(err), logx.String("server_id", p.ServerID))
	}
}

// Peers returns the tracked peers ordered by server id.
func (m *Monitor) Peers() []Peer {
	m.mu.Lock()
	out := make([]Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, *p)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}
