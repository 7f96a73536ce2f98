package heartbeat

import (
	"math"
	"time"
)

// DefaultPeriod is the base tick.
const DefaultPeriod = 5 * time.Millisecond

// Modulus converts an interval into a tick multiple: round(interval/period),
// at least 1 for any positive interval. A non-positive interval yields 0,
// which never fires.
func Modulus(interval, period time.Duration) uint64 {
	if interval <= 0 {
		return 0
	}
	if period <= 0 {
		period = DefaultPeriod
	}
	var m uint64
	if interval > math.MaxInt64-period/2 {
		m = uint64(interval / period)
	} else {
		m = uint64((interval + period/2) / period)
	}
	if m == 0 {
		return 1
	}
	return m
}

func due(count, modulus uint64) bool {
	return modulus != 0 && count%modulus == 0
}
