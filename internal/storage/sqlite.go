package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"pulse/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var schema string

const sqlitePruneEvery = 500

type sqliteStore struct {
	db        *sql.DB
	log       logx.Logger
	retention time.Duration

	ops atomic.Uint64
}

// sqliteDSN puts the connection pragmas in the DSN so every pooled
// connection gets them, not only the first.
func sqliteDSN(cfg Config) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	if cfg.BusyTimeout > 0 {
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	}
	return "file:" + filepath.ToSlash(cfg.Path) + "?" + q.Encode()
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage: sqlite driver needs a path")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	db, err := sql.Open("sqlite", sqliteDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// one writer; the driver serializes anyway
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log, retention: cfg.retention()}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) RecordLiveness(ctx context.Context, o Observation) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	o.ServerID = strings.TrimSpace(o.ServerID)
	if o.ServerID == "" {
		return nil
	}
	if o.SeenAt.IsZero() {
		o.SeenAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO peers(server_id, count, seen_at) VALUES(?,?,?)
		 ON CONFLICT(server_id) DO UPDATE SET count=excluded.count, seen_at=excluded.seen_at`,
		o.ServerID, int64(o.Count), o.SeenAt.UnixMilli(),
	)
	if err == nil && s.ops.Add(1)%sqlitePruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("peer prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) LastSeen(ctx context.Context) ([]Observation, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT server_id, count, seen_at FROM peers WHERE seen_at >= ? ORDER BY server_id`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var (
			id    string
			count int64
			ms    int64
		)
		if err := rows.Scan(&id, &count, &ms); err != nil {
			return nil, err
		}
		out = append(out, Observation{ServerID: id, Count: uint64(count), SeenAt: time.UnixMilli(ms)})
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendTransition(ctx context.Context, t Transition) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if t.At.IsZero() {
		t.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transitions(at, server_id, state, last_count, last_seen) VALUES(?,?,?,?,?)`,
		t.At.Format(time.RFC3339Nano), t.ServerID, t.State, int64(t.LastCount), t.LastSeen.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM peers WHERE seen_at < ?`, cutoff)
	return err
}
