package telemetry

import (
	"time"

	"github.com/suiteforge/suiteforge/pkg/engine"
)

// BuildObserver feeds scheduler node completions into metrics. It satisfies
// engine.Observer and is safe for concurrent use since the underlying
// Prometheus collectors are.
type BuildObserver struct {
	metrics *Metrics
}

// NewBuildObserver creates an observer over the given metrics collector.
func NewBuildObserver(m *Metrics) *BuildObserver {
	return &BuildObserver{metrics: m}
}

// RunStarted counts a started build run for one target.
func (o *BuildObserver) RunStarted(tgt engine.Target) {
	o.metrics.RecordBuildStarted(tgt.String())
}

// NodeCompleted records the outcome of one graph node.
func (o *BuildObserver) NodeCompleted(tgt engine.Target, res *engine.NodeResult) {
	o.metrics.RecordNodeCompleted(string(res.Kind), string(res.Status), tgt.String(), res.Duration)

	switch res.Status {
	case engine.NodeStatusCached:
		o.metrics.RecordCacheLookup("hit")
	case engine.NodeStatusBuilt:
		o.metrics.RecordCacheLookup("miss")
	case engine.NodeStatusFailed:
		if res.Error != nil {
			o.metrics.RecordError(string(engine.ClassOf(res.Error)), engine.ErrorCode(res.Error))
		}
	}
}

// QueueDepth updates the gauge of nodes still waiting on dependencies.
func (o *BuildObserver) QueueDepth(_ engine.Target, waiting int) {
	o.metrics.SetQueuedNodes(float64(waiting))
}

// RunCompleted records the aggregate status and duration of a build run.
func (o *BuildObserver) RunCompleted(_ engine.Target, status engine.RunStatus, d time.Duration) {
	o.metrics.RecordBuildCompleted(string(status), d)
}
