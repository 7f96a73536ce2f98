package heartbeat

import (
	"testing"
)

func TestLivenessEvent_CanonicalForm(t *testing.T) {
	t.Parallel()
	e := NewLivenessEvent("pulse-1", 2000)
	if got, want := e.String(), `{"count":2000,"server_id":"pulse-1"}`; got != want {
		t.Fatalf("String() = %s, want %s", got, want)
	}
	if got := e.Fields(); len(got) != 2 || got[0] != "pulse-1" || got[1] != "2000" {
		t.Fatalf("Fields() = %v", got)
	}
}

func TestLivenessEvent_RoundTripAndEquality(t *testing.T) {
	t.Parallel()
	e := NewLivenessEvent("host.a", 12000)
	b, err := e.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := UnmarshalLivenessEvent(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !got.Equal(e) || got != e {
		t.Fatalf("round trip = %+v, want %+v", got, e)
	}
	if e.Equal(NewLivenessEvent("host.a", 12001)) || e.Equal(NewLivenessEvent("host.b", 12000)) {
		t.Fatal("events with different fields compare equal")
	}
}

func TestUnmarshalLivenessEvent_Rejects(t *testing.T) {
	t.Parallel()
	for _, in := range []string{
		``,
		`{}`,
		`{"count":1}`,
		`{"server_id":"a"}`,
		`{"count":-1,"server_id":"a"}`,
		`{"count":1,"server_id":"a","extra":true}`,
		`{"count":1,"server_id":"a"} {}`,
	} {
		if _, err := UnmarshalLivenessEvent([]byte(in)); err == nil {
			t.Fatalf("UnmarshalLivenessEvent(%q): expected error", in)
		}
	}
}
