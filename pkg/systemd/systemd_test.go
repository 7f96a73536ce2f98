package systemd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pulse/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
	err    error
}

func (r *recorder) notify(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	r.states = append(r.states, state)
	return true, nil
}

func newTestNotifier(enabled bool, rec *recorder, wd time.Duration) *Notifier {
	n := New(enabled, logx.Nop())
	n.notify = rec.notify
	n.watchdog = func() (time.Duration, error) { return wd, nil }
	return n
}

func TestNotifierStates(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	n := newTestNotifier(true, rec, 0)

	if !n.Ready("running") {
		t.Fatal("Ready not sent")
	}
	n.Status("busy")
	_ = n.Ping(context.Background())
	n.Stopping()

	want := []string{"READY=1\nSTATUS=running", "STATUS=busy", "WATCHDOG=1", "STOPPING=1"}
	if len(rec.states) != len(want) {
		t.Fatalf("states = %q", rec.states)
	}
	for i := range want {
		if rec.states[i] != want[i] {
			t.Fatalf("state[%d] = %q, want %q", i, rec.states[i], want[i])
		}
	}
}

func TestNotifierDisabled(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	n := newTestNotifier(false, rec, 10*time.Second)
	if n.Ready("") || n.Stopping() {
		t.Fatal("disabled notifier sent state")
	}
	if got := n.WatchdogInterval(); got != 0 {
		t.Fatalf("WatchdogInterval = %v", got)
	}
	if len(rec.states) != 0 {
		t.Fatalf("states = %q", rec.states)
	}

	var nilN *Notifier
	if nilN.Ready("x") || nilN.WatchdogInterval() != 0 {
		t.Fatal("nil notifier must be inert")
	}
}

func TestNotifierErrorsSwallowed(t *testing.T) {
	t.Parallel()

	rec := &recorder{err: errors.New("socket gone")}
	n := newTestNotifier(true, rec, 0)
	if n.Ready("") {
		t.Fatal("Ready reported sent on error")
	}
}

func TestWatchdogInterval(t *testing.T) {
	t.Parallel()

	n := newTestNotifier(true, &recorder{}, 10*time.Second)
	if got := n.WatchdogInterval(); got != 5*time.Second {
		t.Fatalf("WatchdogInterval = %v", got)
	}
}

func TestNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	n := New(true, logx.Nop())
	if n.Ready("x") {
		t.Fatal("sent without NOTIFY_SOCKET")
	}
	if n.WatchdogInterval() != 0 {
		t.Fatal("watchdog enabled without WATCHDOG_USEC")
	}
}
