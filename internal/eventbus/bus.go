package eventbus

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Wildcard in a subscription field matches any value when the subscription
// was created with wildcard=true.
const Wildcard = "#"

var (
	ErrClosed        = errors.New("eventbus: closed")
	ErrInvalidKey    = errors.New("eventbus: invalid event key")
	ErrNilHandler    = errors.New("eventbus: nil handler")
	ErrUnknownDriver = errors.New("eventbus: unknown driver")
)

// Event is a keyed signal with positional filter fields.
//
// Contract:
//   - Publish MUST NOT block on slow subscribers.
//   - Subscribers are buffered; a full buffer drops events.
//   - Handlers run on a per-subscription goroutine, in arrival order.
//
// Data is opaque to the bus; producers put a serialized payload there.
type Event struct {
	Key    string
	Fields []string
	Data   []byte
	Time   time.Time
}

// Handler consumes one delivered event.
type Handler func(ctx context.Context, e Event)

type Subscription interface {
	Unsubscribe() error
}

type Bus interface {
	Publish(ctx context.Context, e Event) error
	// Subscribe registers h for events of key whose fields match fields.
	// With wildcard=true, a field equal to Wildcard matches any value;
	// otherwise every field is compared literally.
	Subscribe(key string, fields []string, h Handler, wildcard bool) (Subscription, error)
	Close(ctx context.Context) error
}

// Match reports whether fields satisfy the subscription pattern.
func Match(pattern, fields []string, wildcard bool) bool {
	if len(pattern) != len(fields) {
		return false
	}
	for i, p := range pattern {
		if wildcard && p == Wildcard {
			continue
		}
		if p != fields[i] {
			return false
		}
	}
	return true
}

// HasWildcard reports whether any field equals Wildcard.
func HasWildcard(fields []string) bool {
	for _, f := range fields {
		if f == Wildcard {
			return true
		}
	}
	return false
}

func validKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsAny(key, " \t\r\n.*>#?[]") {
		return ErrInvalidKey
	}
	return nil
}
