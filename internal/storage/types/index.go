package types

import (
	"time"

	"github.com/google/uuid"
)

// IndexEntry maps a capture session and time range to its storage location.
// Entries are created on successful write and removed by the lifecycle
// manager on retention expiry or secure deletion.
type IndexEntry struct {
	SessionID uuid.UUID

	// Time range covered by the stored data, unix milliseconds.
	StartMs int64
	EndMs   int64

	// Storage location.
	Device string
	Offset int64
	Length int64

	// BatchSeq is the write batch that persisted this entry's data.
	BatchSeq uint64

	CreatedAtMs int64
}

// Key returns the canonical string key for the entry.
func (e *IndexEntry) Key() string {
	return e.SessionID.String()
}

// StartTime returns the range start as a time.Time.
func (e *IndexEntry) StartTime() time.Time {
	return time.UnixMilli(e.StartMs)
}

// EndTime returns the range end as a time.Time.
func (e *IndexEntry) EndTime() time.Time {
	return time.UnixMilli(e.EndMs)
}

// RetentionPolicy bounds how long captured data is kept.
type RetentionPolicy struct {
	// Name identifies the policy in audit records.
	Name string

	// Window is the maximum age of stored data.
	Window time.Duration
}

// Expired returns true if an entry created at createdMs has outlived the
// policy window as of now.
func (p RetentionPolicy) Expired(createdMs int64, now time.Time) bool {
	return now.Sub(time.UnixMilli(createdMs)) > p.Window
}

// DeletionRecord is an append-only audit entry produced by secure deletion.
// Records are never mutated after creation.
type DeletionRecord struct {
	// Target is the deleted session id.
	Target string

	// Policy names the retention policy that triggered the deletion,
	// or "manual" for operator-initiated deletes.
	Policy string

	DeletedAtMs int64

	// VerificationHash covers target, policy and deletion time and proves
	// the record was written by a completed deletion sequence.
	VerificationHash string
}
