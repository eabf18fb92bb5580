// Package journal implements a crash-safe segmented append log.
//
// The index manager journals entry mutations through it and the lifecycle
// manager uses it for the append-only deletion audit log. Payloads are
// opaque; callers bring their own record encoding.
//
// File format:
//   - Header: 8 bytes magic + 4 bytes version
//   - Records: [4 bytes length][4 bytes crc32][payload]
package journal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/xtxerr/capstore/internal/errors"
)

const (
	magic            = 0x4350574A524E0001 // "CPWJRN" + version 1
	version          = 1
	headerSize       = 12 // 8 bytes magic + 4 bytes version
	recordHeaderSize = 8  // 4 bytes length + 4 bytes crc
)

// Options configures the journal writer.
type Options struct {
	// MaxSegmentSize is the maximum size of a segment file before rotation.
	// Default: 64MB
	MaxSegmentSize int64

	// SyncMode controls how writes are synced to disk.
	// "async" - buffered, caller syncs explicitly or on interval
	// "sync" - flush after each append
	// "fsync" - fsync after each append
	SyncMode string

	// SyncInterval is the interval for async sync mode.
	// Default: 1s
	SyncInterval time.Duration

	// BufferSize is the size of the write buffer.
	// Default: 64KB
	BufferSize int
}

// DefaultOptions returns default journal options.
func DefaultOptions() Options {
	return Options{
		MaxSegmentSize: 64 * 1024 * 1024,
		SyncMode:       "async",
		SyncInterval:   time.Second,
		BufferSize:     64 * 1024,
	}
}

// Stats holds journal statistics.
type Stats struct {
	SegmentsCreated int64
	RecordsWritten  int64
	BytesWritten    int64
	SyncsPerformed  int64
	Errors          int64
}

// Journal appends CRC-checked records to segment files.
type Journal struct {
	mu sync.Mutex

	dir            string
	currentSegment *os.File
	currentPath    string
	currentSize    int64
	segmentSeq     int64
	closed         bool

	writer *bufio.Writer

	opts Options

	stats Stats
}

// Open creates or reopens a journal in dir. Existing segments are kept and
// a fresh segment is started after the highest existing sequence.
func Open(dir string, opts Options) (*Journal, error) {
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = DefaultOptions().MaxSegmentSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = "async"
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	j := &Journal{
		dir:  dir,
		opts: opts,
	}

	segments, err := j.listSegments()
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	if len(segments) > 0 {
		j.segmentSeq = segments[len(segments)-1].seq + 1
	}

	if err := j.rotateUnlocked(); err != nil {
		return nil, fmt.Errorf("create initial segment: %w", err)
	}

	return j, nil
}

// Append writes one record to the journal.
func (j *Journal) Append(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return errors.ErrJournalClosed
	}

	recordSize := int64(recordHeaderSize + len(payload))
	if j.currentSize+recordSize > j.opts.MaxSegmentSize {
		if err := j.rotateUnlocked(); err != nil {
			j.stats.Errors++
			return fmt.Errorf("rotate segment: %w", err)
		}
	}

	crc := crc32.ChecksumIEEE(payload)

	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc)

	if _, err := j.writer.Write(header[:]); err != nil {
		j.stats.Errors++
		return fmt.Errorf("write record header: %w", err)
	}
	if _, err := j.writer.Write(payload); err != nil {
		j.stats.Errors++
		return fmt.Errorf("write record payload: %w", err)
	}

	j.currentSize += recordSize
	j.stats.RecordsWritten++
	j.stats.BytesWritten += recordSize

	if j.opts.SyncMode == "sync" || j.opts.SyncMode == "fsync" {
		if err := j.syncUnlocked(); err != nil {
			j.stats.Errors++
			return fmt.Errorf("sync: %w", err)
		}
	}

	return nil
}

// Sync flushes buffered data to disk.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.syncUnlocked()
}

func (j *Journal) syncUnlocked() error {
	if j.writer == nil {
		return nil
	}

	if err := j.writer.Flush(); err != nil {
		return err
	}

	if j.opts.SyncMode == "fsync" {
		if err := j.currentSegment.Sync(); err != nil {
			return err
		}
	}

	j.stats.SyncsPerformed++
	return nil
}

// Rotate closes the current segment and creates a new one.
func (j *Journal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rotateUnlocked()
}

func (j *Journal) rotateUnlocked() error {
	if j.currentSegment != nil {
		if j.writer != nil {
			j.writer.Flush()
		}
		j.currentSegment.Close()
	}

	segmentName := fmt.Sprintf("%016d.jnl", j.segmentSeq)
	segmentPath := filepath.Join(j.dir, segmentName)

	f, err := os.OpenFile(segmentPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create segment %s: %w", segmentPath, err)
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], magic)
	binary.LittleEndian.PutUint32(header[8:12], version)

	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		os.Remove(segmentPath)
		return fmt.Errorf("write header: %w", err)
	}

	j.currentSegment = f
	j.currentPath = segmentPath
	j.currentSize = headerSize
	j.writer = bufio.NewWriterSize(f, j.opts.BufferSize)
	j.segmentSeq++
	j.stats.SegmentsCreated++

	return nil
}

// Close flushes and closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	if j.writer != nil {
		j.writer.Flush()
	}
	if j.currentSegment != nil {
		return j.currentSegment.Close()
	}
	return nil
}

// Stats returns journal statistics.
func (j *Journal) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stats
}

// CurrentSegment returns the current segment path.
func (j *Journal) CurrentSegment() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.currentPath
}

// segmentInfo holds information about a segment file.
type segmentInfo struct {
	path string
	seq  int64
	size int64
}

func (j *Journal) listSegments() ([]segmentInfo, error) {
	return listSegments(j.dir)
}

func listSegments(dir string) ([]segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var segments []segmentInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if len(name) != 20 || name[16:] != ".jnl" {
			continue
		}

		var seq int64
		if _, err := fmt.Sscanf(name, "%016d.jnl", &seq); err != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		segments = append(segments, segmentInfo{
			path: filepath.Join(dir, name),
			seq:  seq,
			size: info.Size(),
		})
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].seq < segments[j].seq
	})

	return segments, nil
}

// Segments returns all segment file paths in order.
func (j *Journal) Segments() ([]string, error) {
	segments, err := j.listSegments()
	if err != nil {
		return nil, err
	}

	paths := make([]string, len(segments))
	for i, s := range segments {
		paths[i] = s.path
	}
	return paths, nil
}

// DeleteSegmentsBefore deletes all segments older than the given sequence.
// The current segment is never deleted.
func (j *Journal) DeleteSegmentsBefore(seq int64) (int, error) {
	j.mu.Lock()
	current := j.currentPath
	j.mu.Unlock()

	segments, err := j.listSegments()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, s := range segments {
		if s.seq >= seq {
			break
		}
		if s.path == current {
			continue
		}
		if err := os.Remove(s.path); err != nil {
			continue
		}
		deleted++
	}

	return deleted, nil
}

// Replay reads every record in every segment of dir, oldest first, calling
// fn for each payload. A torn record at the tail of the last segment (a
// crash mid-append) stops the replay without error; a CRC mismatch in the
// middle of a segment returns ErrCorruptRecord.
func Replay(dir string, fn func(payload []byte) error) error {
	segments, err := listSegments(dir)
	if err != nil {
		return fmt.Errorf("list segments: %w", err)
	}

	for i, seg := range segments {
		last := i == len(segments)-1
		if err := replaySegment(seg.path, last, fn); err != nil {
			return fmt.Errorf("segment %s: %w", seg.path, err)
		}
	}

	return nil
}

func replaySegment(path string, tolerateTornTail bool, fn func(payload []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			// Empty or truncated header: nothing to replay.
			return nil
		}
		return err
	}
	if binary.LittleEndian.Uint64(header[0:8]) != magic {
		return fmt.Errorf("bad magic: %w", errors.ErrCorruptRecord)
	}
	if binary.LittleEndian.Uint32(header[8:12]) != version {
		return fmt.Errorf("unsupported version: %w", errors.ErrCorruptRecord)
	}

	for {
		var rh [recordHeaderSize]byte
		if _, err := io.ReadFull(r, rh[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			if err == io.ErrUnexpectedEOF && tolerateTornTail {
				return nil
			}
			return err
		}

		length := binary.LittleEndian.Uint32(rh[0:4])
		crc := binary.LittleEndian.Uint32(rh[4:8])

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			if (err == io.EOF || err == io.ErrUnexpectedEOF) && tolerateTornTail {
				return nil
			}
			return err
		}

		if crc32.ChecksumIEEE(payload) != crc {
			if tolerateTornTail {
				// Torn write at the tail; everything before it is intact.
				return nil
			}
			return errors.ErrCorruptRecord
		}

		if err := fn(payload); err != nil {
			return err
		}
	}
}
