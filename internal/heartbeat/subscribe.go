package heartbeat

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"pulse/internal/eventbus"
)

// Any matches every server id or count in Subscribe.
const Any = eventbus.Wildcard

// CountFilter renders n as a Subscribe count filter.
func CountFilter(n uint64) string { return strconv.FormatUint(n, 10) }

// Subscription is a live liveness subscription. It holds no state beyond its
// filter and the underlying bus subscription.
type Subscription struct {
	ServerID string
	Count    string
	Wildcard bool

	sub  eventbus.Subscription
	once sync.Once
}

// Subscribe registers handler for liveness events matching serverID and
// count. Either may be Any. The handler is called once per matching event;
// payloads that do not decode as a LivenessEvent are dropped.
func Subscribe(bus eventbus.Bus, serverID, count string, handler func(context.Context, LivenessEvent)) (*Subscription, error) {
	if bus == nil {
		return nil, fmt.Errorf("%w: nil bus", ErrInvalidArgument)
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: nil handler", ErrInvalidArgument)
	}
	serverID = strings.TrimSpace(serverID)
	count = strings.TrimSpace(count)
	if serverID == "" {
		return nil, fmt.Errorf("%w: server id filter required (use %q for any)", ErrInvalidArgument, Any)
	}
	if count == "" {
		return nil, fmt.Errorf("%w: count filter required (use %q for any)", ErrInvalidArgument, Any)
	}
	if count != Any {
		n, err := strconv.ParseUint(count, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: count filter %q: %v", ErrInvalidArgument, count, err)
		}
		count = CountFilter(n)
	}

	wildcard := serverID == Any || count == Any
	sub, err := bus.Subscribe(EventKey, []string{serverID, count}, func(ctx context.Context, e eventbus.Event) {
		ev, err := UnmarshalLivenessEvent(e.Data)
		if err != nil {
			return
		}
		handler(ctx, ev)
	}, wildcard)
	if err != nil {
		return nil, err
	}
	return &Subscription{ServerID: serverID, Count: count, Wildcard: wildcard, sub: sub}, nil
}

// Close releases the bus subscription. It is safe to call more than once.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() { err = s.sub.Unsubscribe() })
	return err
}
