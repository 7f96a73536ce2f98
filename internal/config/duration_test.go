package config

import (
	"strings"
	"testing"
	"time"
)

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want time.Duration
	}{
		{" 30s ", 30 * time.Second},
		{"", 0},
		{"2", 2 * time.Second},
		{"0.25", 250 * time.Millisecond},
		{"0", 0},
		{"1m30s", 90 * time.Second},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("x", tt.raw)
		if err != nil || got != tt.want {
			t.Fatalf("ParseDurationField(%q) = %s, %v; want %s", tt.raw, got, err, tt.want)
		}
	}

	for _, bad := range []string{"-1s", "-3", "soon"} {
		_, err := ParseDurationField("monitor.stale_after", bad)
		if err == nil {
			t.Fatalf("ParseDurationField(%q): expected error", bad)
		}
		if !strings.HasPrefix(err.Error(), "monitor.stale_after: ") {
			t.Fatalf("error lacks field path: %v", err)
		}
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	if d, _ := ParseDurationOrDefault("x", "", time.Minute); d != time.Minute {
		t.Fatalf("default not applied: %s", d)
	}
	if d, _ := ParseDurationOrDefault("x", "0", time.Minute); d != time.Minute {
		t.Fatalf("zero should take default: %s", d)
	}
	if d, _ := ParseDurationOrDefault("x", "5s", time.Minute); d != 5*time.Second {
		t.Fatalf("explicit value lost: %s", d)
	}
}
