package journal

import (
	"fmt"
	"os"
	"testing"

	"github.com/xtxerr/capstore/internal/errors"
)

func replayAll(t *testing.T, dir string) [][]byte {
	t.Helper()

	var out [][]byte
	err := Replay(dir, func(payload []byte) error {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		out = append(out, cp)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	return out
}

func TestAppendReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir, Options{SyncMode: "sync"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	want := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, p := range want {
		if err := j.Append(p); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := replayAll(t, dir)
	if len(got) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(got))
	}
	for i := range want {
		if string(got[i]) != string(want[i]) {
			t.Errorf("record %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestRotationPreservesOrder(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir, Options{MaxSegmentSize: 64, SyncMode: "sync"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	for i := 0; i < 20; i++ {
		if err := j.Append([]byte(fmt.Sprintf("record-%02d", i))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	segs, err := j.Segments()
	if err != nil {
		t.Fatalf("segments: %v", err)
	}
	if len(segs) < 3 {
		t.Fatalf("expected rotation to create several segments, got %d", len(segs))
	}
	j.Close()

	got := replayAll(t, dir)
	if len(got) != 20 {
		t.Fatalf("expected 20 records, got %d", len(got))
	}
	for i := range got {
		if string(got[i]) != fmt.Sprintf("record-%02d", i) {
			t.Errorf("record %d out of order: %q", i, got[i])
		}
	}
}

func TestTornTailTolerated(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir, Options{SyncMode: "sync"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	j.Append([]byte("intact-1"))
	j.Append([]byte("intact-2"))
	path := j.CurrentSegment()
	j.Close()

	// Simulate a crash mid-append: a record header with no payload.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	f.Write([]byte{0x10, 0x00, 0x00})
	f.Close()

	got := replayAll(t, dir)
	if len(got) != 2 {
		t.Fatalf("expected 2 intact records past torn tail, got %d", len(got))
	}
}

func TestCorruptPayloadAtTailTolerated(t *testing.T) {
	dir := t.TempDir()

	j, _ := Open(dir, Options{SyncMode: "sync"})
	j.Append([]byte("good"))
	j.Append([]byte("doomed"))
	path := j.CurrentSegment()
	j.Close()

	// Flip the last payload byte: the CRC no longer matches.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write segment: %v", err)
	}

	got := replayAll(t, dir)
	if len(got) != 1 || string(got[0]) != "good" {
		t.Fatalf("expected only the intact record, got %q", got)
	}
}

func TestCorruptEarlierSegmentFailsReplay(t *testing.T) {
	dir := t.TempDir()

	j, _ := Open(dir, Options{MaxSegmentSize: 64, SyncMode: "sync"})
	for i := 0; i < 10; i++ {
		j.Append([]byte(fmt.Sprintf("record-%02d", i)))
	}

	segs, err := j.Segments()
	if err != nil || len(segs) < 2 {
		t.Fatalf("need at least 2 segments, got %d (%v)", len(segs), err)
	}
	j.Close()

	// Corrupt a payload byte in the first segment; only the last segment
	// gets torn-tail leniency.
	data, _ := os.ReadFile(segs[0])
	data[len(data)-1] ^= 0xFF
	os.WriteFile(segs[0], data, 0644)

	err = Replay(dir, func([]byte) error { return nil })
	if !errors.Is(err, errors.ErrCorruptRecord) {
		t.Fatalf("expected ErrCorruptRecord, got %v", err)
	}
}

func TestDeleteSegmentsBefore(t *testing.T) {
	dir := t.TempDir()

	j, _ := Open(dir, Options{MaxSegmentSize: 64, SyncMode: "sync"})
	for i := 0; i < 20; i++ {
		j.Append([]byte(fmt.Sprintf("record-%02d", i)))
	}

	segs, _ := j.Segments()
	if len(segs) < 3 {
		t.Fatalf("need several segments, got %d", len(segs))
	}

	deleted, err := j.DeleteSegmentsBefore(2)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 deleted segments, got %d", deleted)
	}

	after, _ := j.Segments()
	if len(after) != len(segs)-2 {
		t.Errorf("expected %d remaining segments, got %d", len(segs)-2, len(after))
	}
	j.Close()
}

func TestAppendAfterCloseFails(t *testing.T) {
	j, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	j.Close()

	if err := j.Append([]byte("late")); !errors.Is(err, errors.ErrJournalClosed) {
		t.Fatalf("expected ErrJournalClosed, got %v", err)
	}
}
