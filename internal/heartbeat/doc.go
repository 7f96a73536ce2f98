// Package heartbeat drives periodic work from a single base tick.
//
// A Ticker advances a monotonic count every Period (5ms by default). On each
// tick it:
//
//  1. increments the count;
//  2. logs a "heartbeat" line when the print cadence divides the count;
//  3. dispatches every registered task whose interval divides the count;
//  4. schedules the next tick;
//  5. publishes a LivenessEvent when the broadcast cadence divides the count.
//
// Cadences are quantized onto the tick: an interval I fires when
// count % round(I/Period) == 0, and intervals shorter than Period fire on
// every tick. Drift under load is accepted; the ticker is not a real-time
// clock.
//
// Task invocations are fire-and-forget. A slow task is not awaited, so the
// same task may run concurrently with itself when its invocations overlap.
// Task failures and publish failures are logged and counted, never returned.
package heartbeat
