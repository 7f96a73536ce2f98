package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		pattern  []string
		fields   []string
		wildcard bool
		want     bool
	}{
		{name: "exact", pattern: []string{"a", "1"}, fields: []string{"a", "1"}, want: true},
		{name: "mismatch", pattern: []string{"a", "1"}, fields: []string{"a", "2"}, want: false},
		{name: "wildcard any server", pattern: []string{"#", "1"}, fields: []string{"b", "1"}, wildcard: true, want: true},
		{name: "wildcard both", pattern: []string{"#", "#"}, fields: []string{"x", "9"}, wildcard: true, want: true},
		{name: "literal hash without flag", pattern: []string{"#", "1"}, fields: []string{"b", "1"}, want: false},
		{name: "literal hash matches hash", pattern: []string{"#"}, fields: []string{"#"}, want: true},
		{name: "length mismatch", pattern: []string{"a"}, fields: []string{"a", "1"}, wildcard: true, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Match(tt.pattern, tt.fields, tt.wildcard))
		})
	}
}

func TestTopicAndPattern(t *testing.T) {
	t.Parallel()

	require.Equal(t, "heartbeat.pulse-1.2000", Topic("heartbeat", []string{"pulse-1", "2000"}))
	require.Equal(t, "heartbeat.host_a_b.2000", Topic("heartbeat", []string{"host.a b", "2000"}))
	require.Equal(t, "heartbeat._.1", Topic("heartbeat", []string{"", "1"}))
	require.Equal(t, "heartbeat.*.2000", Pattern("heartbeat", []string{"#", "2000"}, true, "*"))
	require.Equal(t, "heartbeat._.2000", Pattern("heartbeat", []string{"#", "2000"}, false, "*"))
}

func TestRedisChannel(t *testing.T) {
	t.Parallel()

	ch, glob := redisChannel("heartbeat", []string{"a", "1"}, true)
	require.False(t, glob)
	require.Equal(t, "heartbeat.a.1", ch)

	ch, glob = redisChannel("heartbeat", []string{"#", "#"}, true)
	require.True(t, glob)
	require.Equal(t, "heartbeat.*.*", ch)
}

func TestBindingKey(t *testing.T) {
	t.Parallel()
	require.Equal(t, "heartbeat.a.*", bindingKey("heartbeat", []string{"a", "#"}, true))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	in := Event{Key: "heartbeat", Fields: []string{"host.a", "7"}, Data: []byte(`{"count":7}`), Time: time.Unix(10, 0).UTC()}
	b, err := encodeEnvelope(in)
	require.NoError(t, err)

	out, err := decodeEnvelope(b)
	require.NoError(t, err)
	require.Equal(t, in.Key, out.Key)
	require.Equal(t, in.Fields, out.Fields)
	require.Equal(t, in.Data, out.Data)
	require.True(t, in.Time.Equal(out.Time))

	_, err = decodeEnvelope([]byte("nope"))
	require.Error(t, err)
}

func TestValidKey(t *testing.T) {
	t.Parallel()
	require.NoError(t, validKey("heartbeat"))
	for _, k := range []string{"", " ", "a.b", "a*", "#"} {
		require.ErrorIs(t, validKey(k), ErrInvalidKey, k)
	}
}
