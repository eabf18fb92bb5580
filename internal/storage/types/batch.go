package types

import "time"

// StorageClass identifies the logical storage type of a write.
// Each class has its own pipeline queue so one class's backlog cannot
// starve another.
type StorageClass int

const (
	// ClassPacket is high-rate capture data written directly to NVMe.
	ClassPacket StorageClass = iota
	// ClassIndex is metadata destined for the index manager.
	ClassIndex
	// ClassTelemetry is metric and diagnostic data archived out of band.
	ClassTelemetry
)

// String returns the string representation of the class.
func (c StorageClass) String() string {
	switch c {
	case ClassPacket:
		return "packet"
	case ClassIndex:
		return "index"
	case ClassTelemetry:
		return "telemetry"
	default:
		return "unknown"
	}
}

// AllClasses returns all storage classes in priority order.
func AllClasses() []StorageClass {
	return []StorageClass{ClassPacket, ClassIndex, ClassTelemetry}
}

// Critical returns true for classes that keep flowing best-effort while the
// system is degraded. Non-critical classes are suspended under drop policy.
func (c StorageClass) Critical() bool {
	return c == ClassPacket
}

// Priority orders entries within a pipeline queue when the queue drains
// under pressure. Higher values drain first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// BufferHandle identifies one pool slot together with its generation.
// The generation detects stale handles after a slot has been recycled.
// Layout: high 32 bits slot index, low 32 bits generation.
type BufferHandle uint64

// NewBufferHandle builds a handle from a slot index and generation.
func NewBufferHandle(slot, gen uint32) BufferHandle {
	return BufferHandle(uint64(slot)<<32 | uint64(gen))
}

// Slot returns the slot index encoded in the handle.
func (h BufferHandle) Slot() uint32 {
	return uint32(h >> 32)
}

// Generation returns the generation encoded in the handle.
func (h BufferHandle) Generation() uint32 {
	return uint32(h)
}

// WriteBatch is an ordered group of payloads destined for one device.
// Seq is monotonically increasing per manager and establishes durability
// ordering. Payloads are views into the buffer arena (or a compressed
// pipeline buffer) and are never copied on the write path.
type WriteBatch struct {
	Seq    uint64
	Device string

	// Handles lists the pool slots backing Payloads. Entries may be zero
	// when the payload is pipeline-owned memory rather than an arena slot.
	Handles []BufferHandle

	// Payloads are the byte ranges written to the device, in order.
	Payloads [][]byte

	// Bytes is the total payload size.
	Bytes int64

	CreatedAt time.Time
}

// Len returns the number of payloads in the batch.
func (b *WriteBatch) Len() int {
	return len(b.Payloads)
}

// TotalBytes recomputes and returns the total payload size.
func (b *WriteBatch) TotalBytes() int64 {
	var n int64
	for _, p := range b.Payloads {
		n += int64(len(p))
	}
	b.Bytes = n
	return n
}
