package heartbeat

import (
	"context"
	"errors"
	"testing"
	"time"

	"pulse/internal/eventbus"
	"pulse/pkg/logx"
)

func collect(ch chan LivenessEvent) func(context.Context, LivenessEvent) {
	return func(_ context.Context, e LivenessEvent) { ch <- e }
}

func expectEvent(t *testing.T, ch chan LivenessEvent, want LivenessEvent) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %v", want)
	}
}

func expectNone(t *testing.T, ch chan LivenessEvent) {
	t.Helper()
	select {
	case got := <-ch:
		t.Fatalf("unexpected event %v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribe_Filters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus := eventbus.NewMemory(16, logx.Nop())
	t.Cleanup(func() { _ = bus.Close(ctx) })

	exact := make(chan LivenessEvent, 8)
	s1, err := Subscribe(bus, "a", "10", collect(exact))
	if err != nil {
		t.Fatalf("Subscribe exact: %v", err)
	}
	if s1.Wildcard {
		t.Fatal("exact subscription flagged as wildcard")
	}

	anyServer := make(chan LivenessEvent, 8)
	s2, err := Subscribe(bus, Any, CountFilter(10), collect(anyServer))
	if err != nil {
		t.Fatalf("Subscribe any server: %v", err)
	}
	if !s2.Wildcard {
		t.Fatal("wildcard subscription not flagged")
	}

	anyCount := make(chan LivenessEvent, 8)
	if _, err := Subscribe(bus, "a", Any, collect(anyCount)); err != nil {
		t.Fatalf("Subscribe any count: %v", err)
	}

	for _, e := range []LivenessEvent{
		NewLivenessEvent("a", 10),
		NewLivenessEvent("b", 10),
		NewLivenessEvent("a", 20),
	} {
		if err := Publish(ctx, bus, e); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	expectEvent(t, exact, NewLivenessEvent("a", 10))
	expectNone(t, exact)

	expectEvent(t, anyServer, NewLivenessEvent("a", 10))
	expectEvent(t, anyServer, NewLivenessEvent("b", 10))
	expectNone(t, anyServer)

	expectEvent(t, anyCount, NewLivenessEvent("a", 10))
	expectEvent(t, anyCount, NewLivenessEvent("a", 20))
	expectNone(t, anyCount)
}

func TestSubscribe_CloseAndMalformed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus := eventbus.NewMemory(16, logx.Nop())
	t.Cleanup(func() { _ = bus.Close(ctx) })

	ch := make(chan LivenessEvent, 8)
	sub, err := Subscribe(bus, Any, Any, collect(ch))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// not a liveness payload: dropped
	if err := bus.Publish(ctx, eventbus.Event{Key: EventKey, Fields: []string{"a", "1"}, Data: []byte("garbage")}); err != nil {
		t.Fatalf("Publish raw: %v", err)
	}
	if err := Publish(ctx, bus, NewLivenessEvent("a", 2)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	expectEvent(t, ch, NewLivenessEvent("a", 2))

	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := Publish(ctx, bus, NewLivenessEvent("a", 3)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	expectNone(t, ch)
}

func TestSubscribe_InvalidArguments(t *testing.T) {
	t.Parallel()
	bus := eventbus.NewMemory(1, logx.Nop())
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	h := func(context.Context, LivenessEvent) {}

	cases := []struct {
		name     string
		serverID string
		count    string
		h        func(context.Context, LivenessEvent)
	}{
		{name: "empty server", serverID: "", count: Any, h: h},
		{name: "empty count", serverID: Any, count: "", h: h},
		{name: "non numeric count", serverID: Any, count: "ten", h: h},
		{name: "nil handler", serverID: Any, count: Any},
	}
	for _, c := range cases {
		if _, err := Subscribe(bus, c.serverID, c.count, c.h); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%s: err = %v", c.name, err)
		}
	}
	if _, err := Subscribe(nil, Any, Any, h); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("nil bus: err = %v", err)
	}
}
