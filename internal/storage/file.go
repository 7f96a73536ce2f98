package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pulse/pkg/logx"
)

const compactEvery = 1000

// fileStore is a plain-file persistence backend.
//
// Files:
//   - <prefix>.transitions.jsonl    (append-only JSON Lines)
//   - <prefix>.peers.snapshot.json  (periodic snapshot)
//   - <prefix>.peers.journal.jsonl  (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log       logx.Logger
	retention time.Duration

	mu sync.Mutex

	transitionsFile *os.File

	snapshotPath string
	journalFile  *os.File
	peers        map[string]Observation

	writes int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	transitionsPath := prefix + ".transitions.jsonl"
	snapPath := prefix + ".peers.snapshot.json"
	journalPath := prefix + ".peers.journal.jsonl"

	tf, err := os.OpenFile(transitionsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	peers := map[string]Observation{}
	if err := loadSnapshot(snapPath, peers); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("peer snapshot unreadable", logx.Err(err), logx.String("path", snapPath))
	}
	if err := replayJournal(journalPath, peers); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("peer journal unreadable", logx.Err(err), logx.String("path", journalPath))
	}
	pruneOlderThan(peers, time.Now().Add(-cfg.retention()))

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = tf.Close()
		return nil, err
	}

	return &fileStore{
		log:             log,
		retention:       cfg.retention(),
		transitionsFile: tf,
		snapshotPath:    snapPath,
		journalFile:     jf,
		peers:           peers,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2, err3 error
	if s.journalFile != nil {
		err1 = s.compactLocked()
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	if s.transitionsFile != nil {
		err3 = s.transitionsFile.Close()
		s.transitionsFile = nil
	}
	return errors.Join(err1, err2, err3)
}

func (s *fileStore) RecordLiveness(ctx context.Context, o Observation) error {
	_ = ctx
	o.ServerID = strings.TrimSpace(o.ServerID)
	if o.ServerID == "" {
		return nil
	}
	if o.SeenAt.IsZero() {
		o.SeenAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	s.peers[o.ServerID] = o

	if err := json.NewEncoder(s.journalFile).Encode(o); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("peer journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) LastSeen(ctx context.Context) ([]Observation, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, ErrClosed
	}
	out := make([]Observation, 0, len(s.peers))
	for _, o := range s.peers {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out, nil
}

func (s *fileStore) AppendTransition(ctx context.Context, t Transition) error {
	_ = ctx
	if t.At.IsZero() {
		t.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transitionsFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.transitionsFile).Encode(t)
}

func (s *fileStore) compactLocked() error {
	pruneOlderThan(s.peers, time.Now().Add(-s.retention))

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.peers); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]Observation) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]Observation
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]Observation) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var o Observation
		if err := json.Unmarshal(sc.Bytes(), &o); err != nil {
			continue
		}
		if o.ServerID == "" {
			continue
		}
		out[o.ServerID] = o
	}
	return sc.Err()
}

func pruneOlderThan(m map[string]Observation, cutoff time.Time) {
	for k, o := range m {
		if o.SeenAt.Before(cutoff) {
			delete(m, k)
		}
	}
}
