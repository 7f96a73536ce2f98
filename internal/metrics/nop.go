package metrics

// NopMetrics discards everything.
type NopMetrics struct{}

var _ Collector = (*NopMetrics)(nil)

func NewNop() *NopMetrics { return &NopMetrics{} }

func (*NopMetrics) TickAdvanced(uint64)    {}
func (*NopMetrics) TasksRegistered(int)    {}
func (*NopMetrics) TaskDispatched()        {}
func (*NopMetrics) TaskFailed(string)      {}
func (*NopMetrics) LivenessPublished()     {}
func (*NopMetrics) LivenessPublishFailed() {}
func (*NopMetrics) PeerObserved()          {}
func (*NopMetrics) PeersStale(int)         {}
