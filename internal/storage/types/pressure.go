package types

import "time"

// PressureSource identifies which subsystem produced a pressure signal.
type PressureSource int

const (
	// SourceMemory is the buffer pool (buffer interface).
	SourceMemory PressureSource = iota
	// SourceStorage is the NVMe manager (queue depth, device health).
	SourceStorage
	// SourcePipeline is the I/O pipeline (queue occupancy).
	SourcePipeline
)

// String returns the string representation of the source.
func (s PressureSource) String() string {
	switch s {
	case SourceMemory:
		return "memory"
	case SourceStorage:
		return "storage"
	case SourcePipeline:
		return "pipeline"
	default:
		return "unknown"
	}
}

// AllSources returns all pressure sources.
func AllSources() []PressureSource {
	return []PressureSource{SourceMemory, SourceStorage, SourcePipeline}
}

// PressureLevel is the per-source pressure severity.
type PressureLevel int

const (
	LevelNormal PressureLevel = iota
	LevelElevated
	LevelCritical
)

// String returns the string representation of the level.
func (l PressureLevel) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelElevated:
		return "elevated"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// PressureSignal is an asynchronous, best-effort notification from a leaf
// component to the storage manager. Delivery may be lossy; the manager also
// re-derives levels from periodic utilization sampling.
type PressureSignal struct {
	Source PressureSource
	Level  PressureLevel

	// Metric is the normalized utilization (0.0-1.0) behind the signal.
	Metric float64

	Timestamp time.Time
}

// SystemState is the orchestrator's global pressure state. Only the storage
// manager's evaluation loop writes it.
type SystemState int

const (
	StateInit SystemState = iota
	StateNormal
	StatePressure
	StateDegraded
	StateCritical
	StateShuttingDown
)

// String returns the string representation of the state.
func (s SystemState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateNormal:
		return "normal"
	case StatePressure:
		return "pressure"
	case StateDegraded:
		return "degraded"
	case StateCritical:
		return "critical"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// Overlay is an orthogonal state entered on external lifecycle or
// maintenance events. An overlay preempts pressure evaluation but does not
// erase the underlying pressure state.
type Overlay int

const (
	OverlayNone Overlay = iota
	OverlayAWSLifecycle
	OverlayMaintenance
)

// String returns the string representation of the overlay.
func (o Overlay) String() string {
	switch o {
	case OverlayNone:
		return "none"
	case OverlayAWSLifecycle:
		return "aws_lifecycle"
	case OverlayMaintenance:
		return "maintenance"
	default:
		return "unknown"
	}
}

// StateTransition records one transition of the system pressure state.
type StateTransition struct {
	From      SystemState
	To        SystemState
	Reason    string
	Timestamp time.Time
}
