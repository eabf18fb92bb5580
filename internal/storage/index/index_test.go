package index

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/capstore/internal/errors"
	"github.com/xtxerr/capstore/internal/storage/journal"
	"github.com/xtxerr/capstore/internal/storage/types"
)

func testEntry(seq uint64) types.IndexEntry {
	return types.IndexEntry{
		SessionID:   uuid.New(),
		StartMs:     1000,
		EndMs:       2000,
		Device:      "nvme0",
		Offset:      int64(seq) * 4096,
		Length:      4096,
		BatchSeq:    seq,
		CreatedAtMs: time.Now().UnixMilli(),
	}
}

func openTestManager(t *testing.T, dir string, quota int) *Manager {
	t.Helper()

	m, err := Open(filepath.Join(dir, "index"), filepath.Join(dir, "snapshots"), quota, journal.Options{SyncMode: "sync"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestAppendGetRemove(t *testing.T) {
	m := openTestManager(t, t.TempDir(), 100)

	e := testEntry(1)
	if err := m.Append(e); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := m.Get(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != e {
		t.Errorf("expected %+v, got %+v", e, got)
	}

	if got := m.BySession(e.SessionID); len(got) != 1 {
		t.Errorf("expected 1 session entry, got %d", len(got))
	}

	if err := m.Remove(1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := m.Get(1); !errors.Is(err, errors.ErrEntryNotFound) {
		t.Errorf("expected ErrEntryNotFound after remove, got %v", err)
	}
	if err := m.Remove(1); !errors.Is(err, errors.ErrEntryNotFound) {
		t.Errorf("expected ErrEntryNotFound on double remove, got %v", err)
	}
}

func TestQuotaRejectsAppend(t *testing.T) {
	m := openTestManager(t, t.TempDir(), 2)

	if err := m.Append(testEntry(1)); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := m.Append(testEntry(2)); err != nil {
		t.Fatalf("append 2: %v", err)
	}

	if err := m.Append(testEntry(3)); !errors.Is(err, errors.ErrIndexFull) {
		t.Fatalf("expected ErrIndexFull, got %v", err)
	}

	// Removing one entry frees quota again.
	if err := m.Remove(1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := m.Append(testEntry(3)); err != nil {
		t.Fatalf("append after remove: %v", err)
	}
}

func TestReplayRestoresState(t *testing.T) {
	dir := t.TempDir()

	m := openTestManager(t, dir, 100)
	e1, e2, e3 := testEntry(1), testEntry(2), testEntry(3)
	for _, e := range []types.IndexEntry{e1, e2, e3} {
		if err := m.Append(e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := m.Remove(2); err != nil {
		t.Fatalf("remove: %v", err)
	}
	m.Close()

	reopened := openTestManager(t, dir, 100)
	if got := reopened.Len(); got != 2 {
		t.Fatalf("expected 2 entries after replay, got %d", got)
	}
	if _, err := reopened.Get(1); err != nil {
		t.Errorf("entry 1 missing after replay: %v", err)
	}
	if _, err := reopened.Get(2); !errors.Is(err, errors.ErrEntryNotFound) {
		t.Errorf("removed entry 2 resurrected by replay: %v", err)
	}
	if got, err := reopened.Get(3); err != nil || got != e3 {
		t.Errorf("entry 3 after replay: %+v, %v", got, err)
	}
}

func TestSnapshotRecoverRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := openTestManager(t, dir, 100)

	e1, e2 := testEntry(1), testEntry(2)
	m.Append(e1)
	m.Append(e2)

	token, err := m.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	// Mutate past the snapshot.
	if err := m.Remove(1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := m.Append(testEntry(3)); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := m.Recover(token); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got := m.Len(); got != 2 {
		t.Fatalf("expected 2 entries after recovery, got %d", got)
	}
	if got, err := m.Get(1); err != nil || got != e1 {
		t.Errorf("entry 1 after recovery: %+v, %v", got, err)
	}
	if _, err := m.Get(3); !errors.Is(err, errors.ErrEntryNotFound) {
		t.Errorf("post-snapshot entry survived recovery: %v", err)
	}

	// Recovery is idempotent.
	if err := m.Recover(token); err != nil {
		t.Fatalf("second recover: %v", err)
	}
	if got := m.Len(); got != 2 {
		t.Fatalf("expected 2 entries after repeated recovery, got %d", got)
	}

	// The rebuilt journal replays to the recovered state.
	m.Close()
	reopened := openTestManager(t, dir, 100)
	if got := reopened.Len(); got != 2 {
		t.Fatalf("expected 2 entries after reopen, got %d", got)
	}
	if got, err := reopened.Get(2); err != nil || got != e2 {
		t.Errorf("entry 2 after reopen: %+v, %v", got, err)
	}
}

func TestRecoverUnknownToken(t *testing.T) {
	m := openTestManager(t, t.TempDir(), 100)

	err := m.Recover(uuid.NewString())
	if !errors.Is(err, errors.ErrSnapshotInvalid) {
		t.Fatalf("expected ErrSnapshotInvalid, got %v", err)
	}
}

func TestConcurrentSnapshotsAllRecoverable(t *testing.T) {
	m := openTestManager(t, t.TempDir(), 100)
	for i := uint64(1); i <= 10; i++ {
		if err := m.Append(testEntry(i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	tokens := make([]string, 8)
	var g errgroup.Group
	for i := range tokens {
		g.Go(func() error {
			token, err := m.Snapshot(context.Background())
			tokens[i] = token
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	for _, token := range tokens {
		if err := m.Recover(token); err != nil {
			t.Fatalf("recover %s: %v", token, err)
		}
		if got := m.Len(); got != 10 {
			t.Fatalf("expected 10 entries, got %d", got)
		}
	}
}

func TestCompactPreservesEntries(t *testing.T) {
	dir := t.TempDir()
	m := openTestManager(t, dir, 1000)

	for i := uint64(1); i <= 50; i++ {
		if err := m.Append(testEntry(i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	for i := uint64(1); i <= 40; i++ {
		if err := m.Remove(i); err != nil {
			t.Fatalf("remove: %v", err)
		}
	}

	if err := m.Compact(); err != nil {
		t.Fatalf("compact: %v", err)
	}
	if got := m.Len(); got != 10 {
		t.Fatalf("expected 10 entries after compaction, got %d", got)
	}

	m.Close()
	reopened := openTestManager(t, dir, 1000)
	if got := reopened.Len(); got != 10 {
		t.Fatalf("expected 10 entries after reopen, got %d", got)
	}
	for i := uint64(41); i <= 50; i++ {
		if _, err := reopened.Get(i); err != nil {
			t.Errorf("entry %d missing after compaction: %v", i, err)
		}
	}
}

func TestExpiredUnder(t *testing.T) {
	m := openTestManager(t, t.TempDir(), 100)

	now := time.Now()
	old := testEntry(1)
	old.CreatedAtMs = now.Add(-2 * time.Hour).UnixMilli()
	fresh := testEntry(2)
	fresh.CreatedAtMs = now.UnixMilli()

	m.Append(old)
	m.Append(fresh)

	policy := types.RetentionPolicy{Name: "test", Window: time.Hour}
	expired := m.ExpiredUnder(policy, now)
	if len(expired) != 1 {
		t.Fatalf("expected 1 expired entry, got %d", len(expired))
	}
	if expired[0].BatchSeq != 1 {
		t.Errorf("expected batch 1 expired, got %d", expired[0].BatchSeq)
	}
}
