package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDecode_Formats(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		data string
	}{
		{name: "yaml", path: "pulse.yaml", data: `
server_id: node-a
heartbeat:
  interval: 30
  broadcast: "5s"
bus:
  driver: nats
  nats:
    url: nats://127.0.0.1:4222
`},
		{name: "json", path: "pulse.json", data: `{
  "server_id": "node-a",
  "heartbeat": {"interval": 30, "broadcast": "5s"},
  "bus": {"driver": "nats", "nats": {"url": "nats://127.0.0.1:4222"}}
}`},
		{name: "toml", path: "pulse.toml", data: `
server_id = "node-a"

[heartbeat]
interval = 30
broadcast = "5s"

[bus]
driver = "nats"

[bus.nats]
url = "nats://127.0.0.1:4222"
`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Decode(tt.path, []byte(tt.data))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if cfg.ServerID != "node-a" {
				t.Fatalf("ServerID = %q", cfg.ServerID)
			}
			if got := cfg.Heartbeat.PrintEvery(); got != 30*time.Second {
				t.Fatalf("PrintEvery = %s", got)
			}
			if got := cfg.Heartbeat.BroadcastEvery(); got != 5*time.Second {
				t.Fatalf("BroadcastEvery = %s", got)
			}
			if cfg.Bus.Driver != "nats" || cfg.Bus.NATS.URL != "nats://127.0.0.1:4222" {
				t.Fatalf("bus = %+v", cfg.Bus)
			}
		})
	}
}

func TestDecode_CadenceDefaultsAndZero(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("pulse.yaml", []byte("logging:\n  level: info\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Heartbeat.PrintEvery() != DefaultPrintEvery || cfg.Heartbeat.BroadcastEvery() != DefaultBroadcastEvery {
		t.Fatalf("defaults not applied: %s / %s", cfg.Heartbeat.PrintEvery(), cfg.Heartbeat.BroadcastEvery())
	}

	cfg, err = Decode("pulse.yaml", []byte("heartbeat:\n  interval: 0\n  broadcast: \"0\"\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Heartbeat.PrintEvery() != 0 || cfg.Heartbeat.BroadcastEvery() != 0 {
		t.Fatalf("explicit zero not kept: %s / %s", cfg.Heartbeat.PrintEvery(), cfg.Heartbeat.BroadcastEvery())
	}

	cfg, err = Decode("pulse.yaml", []byte("heartbeat:\n  interval: \"0s\"\n  broadcast: 0\n"))
	if err != nil {
		t.Fatalf("Decode zero duration: %v", err)
	}
	if cfg.Heartbeat.PrintEvery() != 0 {
		t.Fatalf("\"0s\" not treated as disabled: %s", cfg.Heartbeat.PrintEvery())
	}

	cfg, err = Decode("pulse.json", []byte(`{"heartbeat":{"interval":"00:01","broadcast":"@every 2s"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Heartbeat.PrintEvery() != time.Minute || cfg.Heartbeat.BroadcastEvery() != 2*time.Second {
		t.Fatalf("string cadences: %s / %s", cfg.Heartbeat.PrintEvery(), cfg.Heartbeat.BroadcastEvery())
	}
}

func TestDecode_Rejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		data string
	}{
		{name: "unknown field", path: "c.json", data: `{"heartbeat":{"intervall":5}}`},
		{name: "trailing data", path: "c.json", data: `{} {}`},
		{name: "negative cadence", path: "c.json", data: `{"heartbeat":{"interval":-1}}`},
		{name: "cron cadence", path: "c.json", data: `{"heartbeat":{"broadcast":"*/5 * * * *"}}`},
		{name: "bad bus driver", path: "c.json", data: `{"bus":{"driver":"kafka"}}`},
		{name: "bad duration", path: "c.yaml", data: "monitor:\n  stale_after: soon\n"},
		{name: "bad storage driver", path: "c.json", data: `{"storage":{"driver":"mongo","path":"x"}}`},
		{name: "bad yaml", path: "c.yaml", data: "heartbeat: [\n"},
		{name: "bad toml", path: "c.toml", data: "heartbeat = = 1\n"},
	}
	for _, tt := range tests {
		if _, err := Decode(tt.path, []byte(tt.data)); err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
	}
}

func TestResolveServerID(t *testing.T) {
	t.Setenv(EnvServerID, "")

	id, err := ResolveServerID(&Config{ServerID: " node-a "})
	if err != nil || id != "node-a" {
		t.Fatalf("configured: %q %v", id, err)
	}

	host, _ := os.Hostname()
	id, err = ResolveServerID(&Config{})
	if err != nil || id != host {
		t.Fatalf("hostname fallback: %q %v (host %q)", id, err, host)
	}

	t.Setenv(EnvServerID, "from-env")
	id, err = ResolveServerID(&Config{ServerID: "node-a"})
	if err != nil || id != "from-env" {
		t.Fatalf("env override: %q %v", id, err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{ServerID: "a", Logging: LoggingConfig{Level: "info"}}
	newCfg := &Config{ServerID: "a", Logging: LoggingConfig{Level: "debug"}, Heartbeat: HeartbeatConfig{Broadcast: CadenceOf(time.Second)}}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "heartbeat,logging" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if got := RestartRequired(changed); len(got) != 1 || got[0] != "heartbeat" {
		t.Fatalf("RestartRequired = %v", got)
	}

	if changed, _ := SummarizeConfigChange(oldCfg, oldCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}
}

func TestConfigManager_LoadAndWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pulse.yaml")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write("logging:\n  level: info\n")

	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg || cfg.Logging.Level != "info" {
		t.Fatalf("Get mismatch")
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// rewrite until the watcher has registered the directory; writes are spaced
	// wider than the reload debounce
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		write("logging:\n  level: debug\n")
		select {
		case got := <-ch:
			if got.Logging.Level != "debug" {
				t.Fatalf("reloaded level = %q", got.Logging.Level)
			}
			if m.Get().Logging.Level != "debug" {
				t.Fatal("reload not committed")
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("no reload published")
		}
	}
}

func TestConfigManager_ArmSeesImmediateEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.json")
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"info"}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	watch, err := m.Arm()
	if err != nil {
		t.Fatalf("Arm: %v", err)
	}
	// a single edit before the loop goroutine is even scheduled
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"warn"}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	select {
	case got := <-ch:
		if got.Logging.Level != "warn" {
			t.Fatalf("reloaded level = %q", got.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("edit made right after Arm was lost")
	}
}
