package heartbeat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"pulse/internal/eventbus"
)

// recordingBus captures published events and can be told to fail.
type recordingBus struct {
	mu     sync.Mutex
	events []eventbus.Event
	err    error
	ch     chan eventbus.Event
}

func newRecordingBus() *recordingBus {
	return &recordingBus{ch: make(chan eventbus.Event, 1024)}
}

func (b *recordingBus) Publish(_ context.Context, e eventbus.Event) error {
	b.mu.Lock()
	err := b.err
	if err == nil {
		b.events = append(b.events, e)
	}
	b.mu.Unlock()
	if err != nil {
		return err
	}
	b.ch <- e
	return nil
}

func (b *recordingBus) Subscribe(string, []string, eventbus.Handler, bool) (eventbus.Subscription, error) {
	return nil, eventbus.ErrClosed
}

func (b *recordingBus) Close(context.Context) error { return nil }

func (b *recordingBus) fail(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

func (b *recordingBus) next(t *testing.T) eventbus.Event {
	t.Helper()
	select {
	case e := <-b.ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for publish")
		return eventbus.Event{}
	}
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

// records decodes every JSON log line with the given message.
func (s *syncBuffer) records(t *testing.T, msg string) []map[string]any {
	t.Helper()
	s.mu.Lock()
	data := append([]byte(nil), s.buf.Bytes()...)
	s.mu.Unlock()

	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("bad log line %q: %v", sc.Text(), err)
		}
		if rec["message"] == msg {
			out = append(out, rec)
		}
	}
	return out
}
