package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewJSON_WritesFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewJSON(&buf, "debug").With(String("comp", "ticker"))
	log.Info("heartbeat", Uint64("count", 12000), Err(errors.New("boom")))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if rec["message"] != "heartbeat" {
		t.Fatalf("message=%v", rec["message"])
	}
	if rec["comp"] != "ticker" {
		t.Fatalf("comp=%v", rec["comp"])
	}
	if rec["count"] != float64(12000) {
		t.Fatalf("count=%v", rec["count"])
	}
	if rec["err"] != "boom" {
		t.Fatalf("err=%v", rec["err"])
	}
	if c, _ := rec["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller=%v", rec["caller"])
	}
}

func TestLogger_LevelFilter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewJSON(&buf, "warn")
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected nothing, got %q", buf.String())
	}
	if log.Enabled(LevelInfo) {
		t.Fatalf("info should be disabled")
	}
	log.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("missing warn line: %q", buf.String())
	}
}

func TestLogger_ZeroValueIsNop(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Error("nothing happens")
	if Nop().IsZero() {
		t.Fatalf("Nop logger is not the zero value")
	}
}

func TestService_ApplyFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	log.Info("first")

	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	log.Info("suppressed")
	log.Error("second")
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got := string(b)
	if !strings.Contains(got, "first") || !strings.Contains(got, "second") {
		t.Fatalf("missing lines: %q", got)
	}
	if strings.Contains(got, "suppressed") {
		t.Fatalf("level not applied: %q", got)
	}
	if svc.Config().Level != "error" {
		t.Fatalf("config not stored")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]Level{
		"trace":   LevelTrace,
		" DEBUG ": LevelDebug,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in, LevelInfo); got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestService_UnopenableFileFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "pulse.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log.Info("still works")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("log file should not exist: %v", err)
	}
	if !log.Enabled(LevelInfo) {
		t.Fatal("fallback sink lost the level")
	}
}

func TestErr_NilIsSkipped(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	NewJSON(&buf, "info").Info("ok", Err(nil), Stack("  "))
	if strings.Contains(buf.String(), `"err"`) || strings.Contains(buf.String(), `"stack"`) {
		t.Fatalf("empty fields written: %q", buf.String())
	}
}
