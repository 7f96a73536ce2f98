// Package metrics defines the instrumentation surface of pulse and its
// Prometheus and no-op implementations.
package metrics

// Collector receives ticker and monitor signals. Implementations must be safe
// for concurrent use and must not block.
type Collector interface {
	TickAdvanced(count uint64)
	TasksRegistered(n int)
	TaskDispatched()
	TaskFailed(reason string)
	LivenessPublished()
	LivenessPublishFailed()

	PeerObserved()
	PeersStale(n int)
}
