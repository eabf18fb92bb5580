// Package lifecycle implements retention enforcement and secure deletion.
//
// A secure delete is a fixed sequence: journal a mark, trim the extent on
// the device, journal the completion with a verification hash, then drop
// the index entry. The mark/done pair makes the sequence resumable after
// a crash and idempotent: a completed target never produces a second
// audit record.
package lifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/capstore/internal/errors"
	"github.com/xtxerr/capstore/internal/logging"
	"github.com/xtxerr/capstore/internal/storage/index"
	"github.com/xtxerr/capstore/internal/storage/journal"
	"github.com/xtxerr/capstore/internal/storage/types"

	"github.com/google/uuid"
)

// Trimmer discards an extent on a device. *nvme.Manager satisfies it.
type Trimmer interface {
	Trim(device string, offset, length int64) error
}

// auditRecord is one entry in the append-only deletion audit journal.
// Records are JSON so the audit trail stays readable with standard tools.
type auditRecord struct {
	Op               string `json:"op"` // "mark" or "done"
	BatchSeq         uint64 `json:"batch_seq"`
	Target           string `json:"target"`
	Policy           string `json:"policy"`
	Device           string `json:"device"`
	Offset           int64  `json:"offset"`
	Length           int64  `json:"length"`
	DeletedAtMs      int64  `json:"deleted_at_ms,omitempty"`
	VerificationHash string `json:"verification_hash,omitempty"`
}

// Stats holds lifecycle statistics.
type Stats struct {
	Scans     int64
	Deletions int64
	Resumed   int64
	Failures  int64
	Pending   int
}

// Manager enforces retention and performs secure deletion.
type Manager struct {
	mu sync.Mutex

	idx      *index.Manager
	trimmer  Trimmer
	audit    *journal.Journal
	auditDir string

	// pending holds marks without a matching done record; deleted holds
	// completed batch sequences for idempotency.
	pending map[uint64]auditRecord
	deleted map[uint64]bool

	policy   types.RetentionPolicy
	interval time.Duration

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	logger *slog.Logger

	scans     atomic.Int64
	deletions atomic.Int64
	resumed   atomic.Int64
	failures  atomic.Int64
}

// Open replays the audit journal in auditDir and returns a manager.
func Open(auditDir string, idx *index.Manager, trimmer Trimmer, policy types.RetentionPolicy, interval time.Duration) (*Manager, error) {
	m := &Manager{
		idx:      idx,
		trimmer:  trimmer,
		auditDir: auditDir,
		pending:  make(map[uint64]auditRecord),
		deleted:  make(map[uint64]bool),
		policy:   policy,
		interval: interval,
		logger:   logging.Component("lifecycle"),
	}

	err := journal.Replay(auditDir, func(payload []byte) error {
		var rec auditRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return errors.Wrap(errors.ErrCorruptRecord, err.Error())
		}
		switch rec.Op {
		case "mark":
			m.pending[rec.BatchSeq] = rec
		case "done":
			delete(m.pending, rec.BatchSeq)
			m.deleted[rec.BatchSeq] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay audit journal: %w", err)
	}

	j, err := journal.Open(auditDir, journal.Options{SyncMode: "fsync"})
	if err != nil {
		return nil, fmt.Errorf("open audit journal: %w", err)
	}
	m.audit = j

	m.logger.Info("lifecycle opened",
		"pending_deletions", len(m.pending),
		"retention_window", policy.Window,
	)
	return m, nil
}

// Start resumes interrupted deletions and launches the retention scan loop.
func (m *Manager) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}

	if err := m.ResumePending(); err != nil {
		m.logger.Warn("resume pending deletions", "error", err)
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.scanLoop(ctx)

	return nil
}

// Stop halts the scan loop and closes the audit journal.
func (m *Manager) Stop() error {
	if !m.running.CompareAndSwap(true, false) {
		return errors.ErrNotRunning
	}

	m.cancel()
	m.wg.Wait()
	return m.audit.Close()
}

func (m *Manager) scanLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.ApplyRetention(time.Now()); err != nil {
				m.logger.Error("retention scan", "error", err)
			}
		}
	}
}

// SetPolicy replaces the retention policy. Applied on the next scan.
func (m *Manager) SetPolicy(policy types.RetentionPolicy) {
	m.mu.Lock()
	m.policy = policy
	m.mu.Unlock()
}

// Policy returns the current retention policy.
func (m *Manager) Policy() types.RetentionPolicy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// ApplyRetention securely deletes every entry that has outlived the
// retention window. Returns the number of entries deleted.
func (m *Manager) ApplyRetention(now time.Time) (int, error) {
	m.scans.Add(1)

	policy := m.Policy()
	expired := m.idx.ExpiredUnder(policy, now)
	if len(expired) == 0 {
		return 0, nil
	}

	deleted := 0
	var firstErr error
	for _, e := range expired {
		if err := m.SecureDelete(e, policy.Name); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		deleted++
	}

	m.logger.Info("retention scan complete",
		"expired", len(expired),
		"deleted", deleted,
		"window", policy.Window,
	)
	return deleted, firstErr
}

// DeleteSession securely deletes every extent of a session. Used for
// operator-initiated deletes; the audit records carry the "manual" policy.
func (m *Manager) DeleteSession(id uuid.UUID) (int, error) {
	entries := m.idx.BySession(id)
	if len(entries) == 0 {
		return 0, errors.Wrapf(errors.ErrEntryNotFound, "session %s", id)
	}

	deleted := 0
	for _, e := range entries {
		if err := m.SecureDelete(e, "manual"); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// SecureDelete runs the deletion sequence for one entry. Deleting an
// already-deleted entry is a no-op and writes nothing to the audit log.
func (m *Manager) SecureDelete(e types.IndexEntry, policyName string) error {
	m.mu.Lock()
	if m.deleted[e.BatchSeq] {
		m.mu.Unlock()
		return nil
	}

	rec, marked := m.pending[e.BatchSeq]
	if !marked {
		rec = auditRecord{
			Op:       "mark",
			BatchSeq: e.BatchSeq,
			Target:   e.SessionID.String(),
			Policy:   policyName,
			Device:   e.Device,
			Offset:   e.Offset,
			Length:   e.Length,
		}
		if err := m.appendLocked(rec); err != nil {
			m.mu.Unlock()
			m.failures.Add(1)
			return errors.Wrap(err, "journal deletion mark")
		}
		m.pending[e.BatchSeq] = rec
	}
	m.mu.Unlock()

	return m.finishDeletion(rec)
}

// finishDeletion trims the extent and journals the completion. Safe to
// re-run for the same mark: the trim is idempotent and the done record is
// only written once the trim succeeded.
func (m *Manager) finishDeletion(rec auditRecord) error {
	if err := m.trimmer.Trim(rec.Device, rec.Offset, rec.Length); err != nil {
		m.failures.Add(1)
		return errors.Wrapf(errors.ErrDeletionError, "trim %s@%d: %v", rec.Device, rec.Offset, err)
	}

	done := rec
	done.Op = "done"
	done.DeletedAtMs = time.Now().UnixMilli()
	done.VerificationHash = verificationHash(done.Target, done.Policy, done.DeletedAtMs)

	m.mu.Lock()
	if err := m.appendLocked(done); err != nil {
		m.mu.Unlock()
		m.failures.Add(1)
		return errors.Wrap(err, "journal deletion record")
	}
	delete(m.pending, rec.BatchSeq)
	m.deleted[rec.BatchSeq] = true
	m.mu.Unlock()

	// The index entry may already be gone when resuming after a crash
	// that hit between the done record and the index remove.
	if err := m.idx.Remove(rec.BatchSeq); err != nil && !errors.Is(err, errors.ErrEntryNotFound) {
		return errors.Wrap(err, "remove index entry")
	}

	m.deletions.Add(1)
	m.logger.Info("secure delete complete",
		"target", rec.Target,
		"policy", rec.Policy,
		"device", rec.Device,
		"bytes", rec.Length,
	)
	return nil
}

// ResumePending re-runs every deletion that was marked but never
// completed. Called on startup before new work is accepted.
func (m *Manager) ResumePending() error {
	m.mu.Lock()
	marks := make([]auditRecord, 0, len(m.pending))
	for _, rec := range m.pending {
		marks = append(marks, rec)
	}
	m.mu.Unlock()

	var firstErr error
	for _, rec := range marks {
		if err := m.finishDeletion(rec); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.resumed.Add(1)
	}

	if len(marks) > 0 {
		m.logger.Info("resumed interrupted deletions", "count", len(marks))
	}
	return firstErr
}

// Records returns the completed deletion records from the audit journal.
func (m *Manager) Records() ([]types.DeletionRecord, error) {
	m.mu.Lock()
	if err := m.audit.Sync(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	dir := m.auditDir
	m.mu.Unlock()

	var out []types.DeletionRecord
	err := journal.Replay(dir, func(payload []byte) error {
		var rec auditRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return errors.Wrap(errors.ErrCorruptRecord, err.Error())
		}
		if rec.Op != "done" {
			return nil
		}
		out = append(out, types.DeletionRecord{
			Target:           rec.Target,
			Policy:           rec.Policy,
			DeletedAtMs:      rec.DeletedAtMs,
			VerificationHash: rec.VerificationHash,
		})
		return nil
	})
	return out, err
}

func (m *Manager) appendLocked(rec auditRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return m.audit.Append(payload)
}

// Stats returns lifecycle statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	pending := len(m.pending)
	m.mu.Unlock()

	return Stats{
		Scans:     m.scans.Load(),
		Deletions: m.deletions.Load(),
		Resumed:   m.resumed.Load(),
		Failures:  m.failures.Load(),
		Pending:   pending,
	}
}

// verificationHash binds a deletion record to its target, policy and
// completion time.
func verificationHash(target, policy string, deletedAtMs int64) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d", target, policy, deletedAtMs))
	return hex.EncodeToString(sum[:])
}
