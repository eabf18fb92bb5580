// Package index implements the state and index manager: the durable map
// from capture sessions and time ranges to on-device extents.
//
// Mutations are journaled before they are applied, so the live map is
// always reconstructible by replay. Snapshots capture a consistent image
// of the map for the emergency save path; recovery from a snapshot token
// is idempotent.
package index

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/capstore/internal/errors"
	"github.com/xtxerr/capstore/internal/logging"
	"github.com/xtxerr/capstore/internal/storage/journal"
	"github.com/xtxerr/capstore/internal/storage/types"
)

const (
	snapshotMagic   = 0x43505349 // "CPSI"
	snapshotVersion = 1
)

// Stats holds index statistics.
type Stats struct {
	Entries   int
	Quota     int
	Appended  int64
	Removed   int64
	Snapshots int64
	Recovered int64
}

// Manager is the state and index manager.
type Manager struct {
	mu      sync.RWMutex
	entries map[uint64]types.IndexEntry // keyed by batch sequence
	quota   int

	journal     *journal.Journal
	snapshotDir string

	sf singleflight.Group

	logger *slog.Logger

	appended  int64
	removed   int64
	snapshots int64
	recovered int64
}

// Open replays the journal in dir and returns a manager ready for
// appends. A torn record at the journal tail is discarded.
func Open(dir, snapshotDir string, quota int, opts journal.Options) (*Manager, error) {
	m := &Manager{
		entries:     make(map[uint64]types.IndexEntry),
		quota:       quota,
		snapshotDir: snapshotDir,
		logger:      logging.Component("index"),
	}

	if err := os.MkdirAll(snapshotDir, 0755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}

	err := journal.Replay(dir, func(payload []byte) error {
		op, e, err := decodeRecord(payload)
		if err != nil {
			return err
		}
		switch op {
		case opAdd:
			m.entries[e.BatchSeq] = e
		case opRemove:
			delete(m.entries, e.BatchSeq)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay index journal: %w", err)
	}

	j, err := journal.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open index journal: %w", err)
	}
	m.journal = j

	m.logger.Info("index opened", "entries", len(m.entries), "quota", quota)
	return m, nil
}

// Append journals and applies a new entry. Fails with ErrIndexFull at the
// entry quota; the caller sheds load rather than growing without bound.
func (m *Manager) Append(e types.IndexEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.quota > 0 && len(m.entries) >= m.quota {
		return errors.Wrapf(errors.ErrIndexFull, "%d entries", len(m.entries))
	}

	if err := m.journal.Append(encodeAdd(e)); err != nil {
		return errors.Wrap(err, "journal index add")
	}

	m.entries[e.BatchSeq] = e
	m.appended++
	return nil
}

// Remove journals and applies an entry removal.
func (m *Manager) Remove(batchSeq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[batchSeq]; !ok {
		return errors.Wrapf(errors.ErrEntryNotFound, "batch %d", batchSeq)
	}

	if err := m.journal.Append(encodeRemove(batchSeq)); err != nil {
		return errors.Wrap(err, "journal index remove")
	}

	delete(m.entries, batchSeq)
	m.removed++
	return nil
}

// Get returns the entry for a batch sequence.
func (m *Manager) Get(batchSeq uint64) (types.IndexEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[batchSeq]
	if !ok {
		return types.IndexEntry{}, errors.Wrapf(errors.ErrEntryNotFound, "batch %d", batchSeq)
	}
	return e, nil
}

// BySession returns every entry belonging to a session.
func (m *Manager) BySession(id uuid.UUID) []types.IndexEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.IndexEntry
	for _, e := range m.entries {
		if e.SessionID == id {
			out = append(out, e)
		}
	}
	return out
}

// ExpiredUnder returns every entry that has outlived the policy window.
func (m *Manager) ExpiredUnder(policy types.RetentionPolicy, now time.Time) []types.IndexEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.IndexEntry
	for _, e := range m.entries {
		if policy.Expired(e.CreatedAtMs, now) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of live entries.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Snapshot writes a consistent image of the index and returns its token.
// Concurrent snapshot requests coalesce into one write; every caller
// receives the same token.
func (m *Manager) Snapshot(ctx context.Context) (string, error) {
	v, err, _ := m.sf.Do("snapshot", func() (any, error) {
		return m.writeSnapshot()
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) writeSnapshot() (string, error) {
	token := uuid.NewString()

	m.mu.RLock()
	entries := make([]types.IndexEntry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var body []byte
	for _, e := range entries {
		rec := encodeAdd(e)
		body = binary.LittleEndian.AppendUint32(body, uint32(len(rec)))
		body = append(body, rec...)
	}

	header := make([]byte, 0, 16)
	header = binary.LittleEndian.AppendUint32(header, snapshotMagic)
	header = binary.LittleEndian.AppendUint32(header, snapshotVersion)
	header = binary.LittleEndian.AppendUint32(header, uint32(len(entries)))
	header = binary.LittleEndian.AppendUint32(header, crc32.ChecksumIEEE(body))

	path := m.snapshotPath(token)
	if err := writeFileAtomic(path, append(header, body...)); err != nil {
		return "", errors.Wrap(err, "write snapshot")
	}

	m.mu.Lock()
	m.snapshots++
	m.mu.Unlock()

	m.logger.Info("index snapshot written", "token", token, "entries", len(entries))
	return token, nil
}

// Recover replaces the live map with the snapshot identified by token and
// rebuilds the journal to match. Recovering the same token twice is a
// no-op beyond the journal rewrite; the resulting state is identical.
func (m *Manager) Recover(token string) error {
	data, err := os.ReadFile(m.snapshotPath(token))
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(errors.ErrSnapshotInvalid, "token %s", token)
		}
		return errors.Wrap(err, "read snapshot")
	}

	entries, err := parseSnapshot(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Rebuild the journal from the snapshot so replay-at-open agrees with
	// the recovered state.
	if err := m.journal.Rotate(); err != nil {
		return errors.Wrap(err, "rotate for recovery")
	}
	fresh := make(map[uint64]types.IndexEntry, len(entries))
	for _, e := range entries {
		if err := m.journal.Append(encodeAdd(e)); err != nil {
			return errors.Wrap(err, "journal recovered entry")
		}
		fresh[e.BatchSeq] = e
	}
	if err := m.journal.Sync(); err != nil {
		return errors.Wrap(err, "sync recovered journal")
	}

	m.entries = fresh
	m.recovered++

	m.logger.Info("index recovered from snapshot", "token", token, "entries", len(fresh))
	return nil
}

func parseSnapshot(data []byte) ([]types.IndexEntry, error) {
	if len(data) < 16 {
		return nil, errors.Wrap(errors.ErrSnapshotInvalid, "short header")
	}
	if binary.LittleEndian.Uint32(data[0:4]) != snapshotMagic {
		return nil, errors.Wrap(errors.ErrSnapshotInvalid, "bad magic")
	}
	if binary.LittleEndian.Uint32(data[4:8]) != snapshotVersion {
		return nil, errors.Wrap(errors.ErrSnapshotInvalid, "unsupported version")
	}
	count := int(binary.LittleEndian.Uint32(data[8:12]))
	crc := binary.LittleEndian.Uint32(data[12:16])

	body := data[16:]
	if crc32.ChecksumIEEE(body) != crc {
		return nil, errors.Wrap(errors.ErrSnapshotInvalid, "checksum mismatch")
	}

	entries := make([]types.IndexEntry, 0, count)
	for off := 0; off < len(body); {
		if off+4 > len(body) {
			return nil, errors.Wrap(errors.ErrSnapshotInvalid, "truncated record length")
		}
		n := int(binary.LittleEndian.Uint32(body[off : off+4]))
		off += 4
		if off+n > len(body) {
			return nil, errors.Wrap(errors.ErrSnapshotInvalid, "truncated record")
		}
		op, e, err := decodeRecord(body[off : off+n])
		if err != nil {
			return nil, err
		}
		if op != opAdd {
			return nil, errors.Wrap(errors.ErrSnapshotInvalid, "unexpected op in snapshot")
		}
		entries = append(entries, e)
		off += n
	}
	if len(entries) != count {
		return nil, errors.Wrapf(errors.ErrSnapshotInvalid, "expected %d entries, found %d", count, len(entries))
	}
	return entries, nil
}

// Compact rewrites the journal with only the live entries and removes the
// older segments. Runs under the write lock; appenders wait.
func (m *Manager) Compact() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.journal.Rotate(); err != nil {
		return errors.Wrap(err, "rotate for compaction")
	}
	for _, e := range m.entries {
		if err := m.journal.Append(encodeAdd(e)); err != nil {
			return errors.Wrap(err, "rewrite entry")
		}
	}
	if err := m.journal.Sync(); err != nil {
		return errors.Wrap(err, "sync compacted journal")
	}

	// Everything before the segment we just rotated into is superseded.
	segs, err := m.journal.Segments()
	if err != nil {
		return errors.Wrap(err, "list segments")
	}
	if len(segs) > 1 {
		var seq int64
		if _, err := fmt.Sscanf(filepath.Base(m.journal.CurrentSegment()), "%016d.jnl", &seq); err == nil {
			if _, err := m.journal.DeleteSegmentsBefore(seq); err != nil {
				return errors.Wrap(err, "delete compacted segments")
			}
		}
	}
	return nil
}

// Close syncs and closes the journal.
func (m *Manager) Close() error {
	if err := m.journal.Sync(); err != nil {
		m.logger.Warn("sync on close", "error", err)
	}
	return m.journal.Close()
}

// Stats returns index statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		Entries:   len(m.entries),
		Quota:     m.quota,
		Appended:  m.appended,
		Removed:   m.removed,
		Snapshots: m.snapshots,
		Recovered: m.recovered,
	}
}

func (m *Manager) snapshotPath(token string) string {
	return filepath.Join(m.snapshotDir, token+".snap")
}

// writeFileAtomic writes via a temp file and rename so a crash never
// leaves a half-written snapshot behind.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
