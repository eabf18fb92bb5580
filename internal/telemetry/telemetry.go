// Package telemetry defines the metric emission schema and sinks.
//
// Components never talk to a metrics backend directly; they hand Metric
// values to a Sink. The daemon wires a logging sink by default and tests
// use ChannelSink to assert on emitted metrics.
package telemetry

import (
	"time"

	"github.com/xtxerr/capstore/internal/logging"
)

// Metric is one emitted measurement.
type Metric struct {
	Component   string
	Name        string
	Value       float64
	Unit        string
	TimestampMs int64
}

// Sink receives emitted metrics. Implementations must not block the
// emitting path.
type Sink interface {
	Emit(m Metric)
}

// New builds a metric stamped with the current time.
func New(component, name string, value float64, unit string) Metric {
	return Metric{
		Component:   component,
		Name:        name,
		Value:       value,
		Unit:        unit,
		TimestampMs: time.Now().UnixMilli(),
	}
}

// LogSink emits metrics as structured debug logs.
type LogSink struct{}

// Emit implements Sink.
func (LogSink) Emit(m Metric) {
	logging.Component(m.Component).Debug("metric",
		"name", m.Name,
		"value", m.Value,
		"unit", m.Unit,
	)
}

// ChannelSink buffers metrics on a channel for tests. Emit drops when the
// channel is full rather than blocking.
type ChannelSink struct {
	C chan Metric
}

// NewChannelSink creates a ChannelSink with the given capacity.
func NewChannelSink(capacity int) *ChannelSink {
	return &ChannelSink{C: make(chan Metric, capacity)}
}

// Emit implements Sink.
func (s *ChannelSink) Emit(m Metric) {
	select {
	case s.C <- m:
	default:
	}
}

// Discard ignores all metrics.
type Discard struct{}

// Emit implements Sink.
func (Discard) Emit(Metric) {}
