package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"pulse/internal/eventbus"
)

// EventKey is the bus key liveness events are published under.
const EventKey = "heartbeat"

// LivenessEvent announces that ServerID's ticker reached Count.
//
// The JSON form has its keys in lexical order:
//
//	{"count":2000,"server_id":"pulse-1"}
type LivenessEvent struct {
	Count    uint64 `json:"count"`
	ServerID string `json:"server_id"`
}

func NewLivenessEvent(serverID string, count uint64) LivenessEvent {
	return LivenessEvent{ServerID: serverID, Count: count}
}

func (e LivenessEvent) Equal(o LivenessEvent) bool {
	return e.ServerID == o.ServerID && e.Count == o.Count
}

// Fields are the bus filter fields: server id, then decimal count.
func (e LivenessEvent) Fields() []string {
	return []string{e.ServerID, strconv.FormatUint(e.Count, 10)}
}

func (e LivenessEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func (e LivenessEvent) String() string {
	b, err := e.Marshal()
	if err != nil {
		return fmt.Sprintf("{count:%d server_id:%q}", e.Count, e.ServerID)
	}
	return string(b)
}

// UnmarshalLivenessEvent parses the JSON form. Both keys are required and
// unknown keys are rejected.
func UnmarshalLivenessEvent(b []byte) (LivenessEvent, error) {
	var raw struct {
		Count    *uint64 `json:"count"`
		ServerID *string `json:"server_id"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return LivenessEvent{}, fmt.Errorf("liveness event: %w", err)
	}
	if dec.More() {
		return LivenessEvent{}, errors.New("liveness event: trailing data")
	}
	if raw.Count == nil || raw.ServerID == nil {
		return LivenessEvent{}, errors.New("liveness event: count and server_id are required")
	}
	return LivenessEvent{Count: *raw.Count, ServerID: *raw.ServerID}, nil
}

func (e LivenessEvent) busEvent() (eventbus.Event, error) {
	data, err := e.Marshal()
	if err != nil {
		return eventbus.Event{}, err
	}
	return eventbus.Event{Key: EventKey, Fields: e.Fields(), Data: data}, nil
}

// Publish hands e to bus under EventKey.
func Publish(ctx context.Context, bus eventbus.Bus, e LivenessEvent) error {
	if bus == nil {
		return errors.New("liveness publish: nil bus")
	}
	ev, err := e.busEvent()
	if err != nil {
		return err
	}
	return bus.Publish(ctx, ev)
}
