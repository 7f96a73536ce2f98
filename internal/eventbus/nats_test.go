package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/require"

	"pulse/pkg/logx"
)

func startEmbeddedNATS(t *testing.T) string {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server not ready within timeout")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns.ClientURL()
}

func TestNATSBus_WildcardSubscription(t *testing.T) {
	url := startEmbeddedNATS(t)
	ctx := context.Background()

	cfg := DefaultNATSConfig()
	cfg.URL = url
	cfg.MaxReconnects = 1
	b, err := NewNATS(cfg, 16, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(ctx) })

	anyServer := newRecorder()
	_, err = b.Subscribe("heartbeat", []string{"#", "#"}, anyServer.handle, true)
	require.NoError(t, err)

	exact := newRecorder()
	_, err = b.Subscribe("heartbeat", []string{"host.a", "10"}, exact.handle, false)
	require.NoError(t, err)
	require.NoError(t, b.Flush(ctx))

	require.NoError(t, b.Publish(ctx, Event{Key: "heartbeat", Fields: []string{"host.a", "10"}, Data: []byte("a")}))
	// sanitizes to the same subject as host.a but must not reach the exact subscriber
	require.NoError(t, b.Publish(ctx, Event{Key: "heartbeat", Fields: []string{"host_a", "10"}, Data: []byte("b")}))

	got := anyServer.wait(t, 2)
	require.ElementsMatch(t, [][]byte{[]byte("a"), []byte("b")}, [][]byte{got[0].Data, got[1].Data})

	got = exact.wait(t, 1)
	require.Equal(t, []string{"host.a", "10"}, got[0].Fields)
	exact.none(t, 100*time.Millisecond)
}

func TestNATSBus_UnsubscribeAndClose(t *testing.T) {
	url := startEmbeddedNATS(t)
	ctx := context.Background()

	b, err := NewNATS(NATSConfig{URL: url}, 4, logx.Nop())
	require.NoError(t, err)

	r := newRecorder()
	sub, err := b.Subscribe("heartbeat", []string{"#", "#"}, r.handle, true)
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, b.Flush(ctx))

	require.NoError(t, b.Publish(ctx, Event{Key: "heartbeat", Fields: []string{"a", "1"}}))
	r.none(t, 100*time.Millisecond)

	require.NoError(t, b.Close(ctx))
}
