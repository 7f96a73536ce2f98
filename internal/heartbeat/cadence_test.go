package heartbeat

import (
	"testing"
	"time"
)

func TestModulus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		interval time.Duration
		period   time.Duration
		want     uint64
	}{
		{interval: time.Second, period: 5 * time.Millisecond, want: 200},
		{interval: 60 * time.Second, period: 5 * time.Millisecond, want: 12000},
		{interval: 10 * time.Second, period: 5 * time.Millisecond, want: 2000},
		{interval: 10 * time.Millisecond, period: 5 * time.Millisecond, want: 2},
		{interval: 7500 * time.Microsecond, period: 5 * time.Millisecond, want: 2},
		{interval: 7 * time.Millisecond, period: 5 * time.Millisecond, want: 1},
		{interval: time.Millisecond, period: 5 * time.Millisecond, want: 1},
		{interval: time.Nanosecond, period: 5 * time.Millisecond, want: 1},
		{interval: 0, period: 5 * time.Millisecond, want: 0},
		{interval: -time.Second, period: 5 * time.Millisecond, want: 0},
		{interval: time.Second, period: 0, want: 200},
	}
	for _, tt := range tests {
		if got := Modulus(tt.interval, tt.period); got != tt.want {
			t.Fatalf("Modulus(%s, %s) = %d, want %d", tt.interval, tt.period, got, tt.want)
		}
	}
}

func TestDue(t *testing.T) {
	t.Parallel()
	if due(5, 0) {
		t.Fatal("modulus 0 must never fire")
	}
	if !due(7, 1) {
		t.Fatal("modulus 1 fires every tick")
	}
	if due(3, 2) || !due(4, 2) {
		t.Fatal("modulus 2 fires on even counts")
	}
}
