package eventbus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Topic renders the transport subject for an event: key.field1.field2...
// Field values are sanitized so each one stays a single token.
func Topic(key string, fields []string) string {
	var b strings.Builder
	b.WriteString(key)
	for _, f := range fields {
		b.WriteByte('.')
		b.WriteString(token(f))
	}
	return b.String()
}

// Pattern renders a subscription subject where wildcard fields become anyToken.
// NATS and AMQP topic exchanges use "*", Redis glob patterns use "*" as well.
func Pattern(key string, fields []string, wildcard bool, anyToken string) string {
	var b strings.Builder
	b.WriteString(key)
	for _, f := range fields {
		b.WriteByte('.')
		if wildcard && f == Wildcard {
			b.WriteString(anyToken)
			continue
		}
		b.WriteString(token(f))
	}
	return b.String()
}

func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', '#', '?', '[', ']', '\\', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// envelope is the wire form used by the networked drivers. Fields travel
// verbatim so receivers can match exactly even when tokens were sanitized.
type envelope struct {
	Key    string    `json:"key"`
	Fields []string  `json:"fields"`
	Data   []byte    `json:"data"`
	Time   time.Time `json:"time"`
}

func encodeEnvelope(e Event) ([]byte, error) {
	b, err := json.Marshal(envelope{Key: e.Key, Fields: e.Fields, Data: e.Data, Time: e.Time})
	if err != nil {
		return nil, fmt.Errorf("eventbus: encode: %w", err)
	}
	return b, nil
}

func decodeEnvelope(b []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Event{}, fmt.Errorf("eventbus: decode: %w", err)
	}
	return Event{Key: env.Key, Fields: env.Fields, Data: env.Data, Time: env.Time}, nil
}
