// Package pipeline implements the buffered I/O pipeline for writes that
// are not on the packet hot path.
//
// Each storage class gets its own bounded queue and drain worker, so a
// backlog in one class never starves another. Workers group entries into
// batches, compress them with zstd, and hand the compressed batch to the
// class sink. Queues drain by priority first and sequence second, and the
// non-critical classes can be suspended while the system sheds load.
package pipeline

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/xtxerr/capstore/internal/errors"
	"github.com/xtxerr/capstore/internal/logging"
	"github.com/xtxerr/capstore/internal/storage/config"
	"github.com/xtxerr/capstore/internal/storage/types"
)

// Batch is one compressed group of entries handed to a sink.
type Batch struct {
	Class    types.StorageClass
	Seq      uint64
	Count    int
	RawBytes int64

	// Compressed is the zstd frame. DecodeBatch recovers the entries.
	Compressed []byte
}

// Sink consumes drained batches for one storage class.
type Sink interface {
	WriteBatch(ctx context.Context, b Batch) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, b Batch) error

// WriteBatch implements Sink.
func (f SinkFunc) WriteBatch(ctx context.Context, b Batch) error {
	return f(ctx, b)
}

// Stats holds pipeline statistics.
type Stats struct {
	Enqueued        int64
	Rejected        int64
	Batches         int64
	RawBytes        int64
	CompressedBytes int64
	SinkErrors      int64
	Depths          map[types.StorageClass]int
	Suspended       map[types.StorageClass]bool
}

// Pipeline owns the class queues and their drain workers.
type Pipeline struct {
	cfg config.PipelineConfig

	queues map[types.StorageClass]*classQueue

	sinkMu sync.RWMutex
	sinks  map[types.StorageClass]Sink

	encoder *zstd.Encoder

	signalMu  sync.Mutex
	lastLevel types.PressureLevel
	onSignal  func(types.PressureSignal)

	seq      atomic.Uint64
	batchSeq atomic.Uint64
	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	logger *slog.Logger

	// Statistics
	batches         atomic.Int64
	rawBytes        atomic.Int64
	compressedBytes atomic.Int64
	sinkErrors      atomic.Int64
}

// NewPipeline creates a pipeline with one queue per storage class.
func NewPipeline(cfg config.PipelineConfig) (*Pipeline, error) {
	level := zstd.EncoderLevelFromZstd(cfg.CompressionLevel)
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	p := &Pipeline{
		cfg:     cfg,
		queues:  make(map[types.StorageClass]*classQueue),
		sinks:   make(map[types.StorageClass]Sink),
		encoder: encoder,
		logger:  logging.Component("pipeline"),
	}
	for _, class := range types.AllClasses() {
		p.queues[class] = newClassQueue(class, cfg.QueueDepth)
	}
	return p, nil
}

// SetSink installs the sink for one storage class. Must be called before
// Start.
func (p *Pipeline) SetSink(class types.StorageClass, s Sink) {
	p.sinkMu.Lock()
	p.sinks[class] = s
	p.sinkMu.Unlock()
}

// SetOnSignal sets the pipeline pressure signal callback.
func (p *Pipeline) SetOnSignal(fn func(types.PressureSignal)) {
	p.signalMu.Lock()
	p.onSignal = fn
	p.signalMu.Unlock()
}

// Start launches one drain worker per storage class.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}

	p.ctx, p.cancel = context.WithCancel(ctx)

	for _, class := range types.AllClasses() {
		p.wg.Add(1)
		go p.worker(p.queues[class])
	}

	p.logger.Info("pipeline started",
		"queue_depth", p.cfg.QueueDepth,
		"batch_size", p.cfg.BatchSize,
		"compression_level", p.cfg.CompressionLevel,
	)
	return nil
}

// Stop flushes every queue and stops the workers.
func (p *Pipeline) Stop() error {
	if !p.running.CompareAndSwap(true, false) {
		return errors.ErrNotRunning
	}

	p.cancel()
	p.wg.Wait()

	p.logger.Info("pipeline stopped",
		"batches", p.batches.Load(),
		"raw_bytes", p.rawBytes.Load(),
		"compressed_bytes", p.compressedBytes.Load(),
	)
	return nil
}

// Enqueue queues data for its storage class. The pipeline takes ownership
// of the slice. Fail-fast: a full or suspended queue returns ErrQueueFull
// and the caller applies its drop policy.
func (p *Pipeline) Enqueue(data []byte, class types.StorageClass, priority types.Priority) error {
	if !p.running.Load() {
		return errors.ErrNotRunning
	}

	q, ok := p.queues[class]
	if !ok {
		return errors.NewInvalidValue("storage class", class, "unknown")
	}

	err := q.push(entry{
		seq:      p.seq.Add(1),
		priority: priority,
		data:     data,
		enqueued: time.Now(),
	})
	p.evaluateOccupancy()
	return err
}

// SuspendNonCritical suspends every non-critical class queue. Queued
// entries stay queued; new entries are rejected. Part of the degraded
// drop policy.
func (p *Pipeline) SuspendNonCritical() {
	for class, q := range p.queues {
		if class.Critical() {
			continue
		}
		q.setSuspended(true)
	}
	p.logger.Warn("non-critical classes suspended")
}

// ResumeAll lifts every class suspension.
func (p *Pipeline) ResumeAll() {
	for _, q := range p.queues {
		q.setSuspended(false)
	}
	p.logger.Info("all classes resumed")
}

// Suspended reports whether the given class is suspended.
func (p *Pipeline) Suspended(class types.StorageClass) bool {
	q, ok := p.queues[class]
	return ok && q.isSuspended()
}

// worker drains one class queue: full batches immediately, partial
// batches once the oldest entry has waited a flush interval, everything
// on shutdown.
func (p *Pipeline) worker(q *classQueue) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.FlushInterval / 4)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			for q.depth() > 0 {
				p.flush(q, q.popN(p.cfg.BatchSize))
			}
			return
		case <-q.wake:
		case <-ticker.C:
		}

		for q.depth() >= p.cfg.BatchSize {
			p.flush(q, q.popN(p.cfg.BatchSize))
		}

		if d := q.depth(); d > 0 {
			if oldest := q.oldest(); !oldest.IsZero() && time.Since(oldest) >= p.cfg.FlushInterval {
				p.flush(q, q.popN(p.cfg.BatchSize))
			}
		}
	}
}

func (p *Pipeline) flush(q *classQueue, entries []entry) {
	if len(entries) == 0 {
		return
	}

	p.sinkMu.RLock()
	sink := p.sinks[q.class]
	p.sinkMu.RUnlock()
	if sink == nil {
		p.logger.Error("no sink for class, dropping batch", "class", q.class, "entries", len(entries))
		return
	}

	var raw int64
	framed := make([]byte, 0, 4096)
	var lenBuf [4]byte
	for _, e := range entries {
		raw += int64(len(e.data))
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(e.data)))
		framed = append(framed, lenBuf[:]...)
		framed = append(framed, e.data...)
	}

	b := Batch{
		Class:      q.class,
		Seq:        p.batchSeq.Add(1),
		Count:      len(entries),
		RawBytes:   raw,
		Compressed: p.encoder.EncodeAll(framed, nil),
	}

	if err := sink.WriteBatch(p.ctx, b); err != nil {
		p.sinkErrors.Add(1)
		p.logger.Error("sink write failed",
			"class", q.class,
			"batch_seq", b.Seq,
			"entries", b.Count,
			"error", err,
		)
		return
	}

	p.batches.Add(1)
	p.rawBytes.Add(raw)
	p.compressedBytes.Add(int64(len(b.Compressed)))
	p.evaluateOccupancy()
}

// evaluateOccupancy maps the worst queue occupancy to a pressure level
// and emits a pipeline signal on level changes.
func (p *Pipeline) evaluateOccupancy() {
	var worst float64
	for _, q := range p.queues {
		if o := q.occupancy(); o > worst {
			worst = o
		}
	}

	p.signalMu.Lock()
	level := p.lastLevel
	switch {
	case worst >= p.cfg.OccupancyCritical:
		level = types.LevelCritical
	case worst >= p.cfg.OccupancyElevated:
		level = types.LevelElevated
	case worst < p.cfg.OccupancyRecovery:
		level = types.LevelNormal
	}

	if level == p.lastLevel || p.onSignal == nil {
		p.lastLevel = level
		p.signalMu.Unlock()
		return
	}
	p.lastLevel = level
	fn := p.onSignal
	p.signalMu.Unlock()

	fn(types.PressureSignal{
		Source:    types.SourcePipeline,
		Level:     level,
		Metric:    worst,
		Timestamp: time.Now(),
	})
}

// Stats returns pipeline statistics.
func (p *Pipeline) Stats() Stats {
	var enqueued, rejected int64
	depths := make(map[types.StorageClass]int, len(p.queues))
	suspended := make(map[types.StorageClass]bool, len(p.queues))
	for class, q := range p.queues {
		q.mu.Lock()
		enqueued += q.enqueued
		rejected += q.rejected
		depths[class] = len(q.entries)
		suspended[class] = q.suspended
		q.mu.Unlock()
	}

	return Stats{
		Enqueued:        enqueued,
		Rejected:        rejected,
		Batches:         p.batches.Load(),
		RawBytes:        p.rawBytes.Load(),
		CompressedBytes: p.compressedBytes.Load(),
		SinkErrors:      p.sinkErrors.Load(),
		Depths:          depths,
		Suspended:       suspended,
	}
}

// DecodeBatch decompresses a batch and returns its entries in drain order.
func DecodeBatch(b Batch) ([][]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer decoder.Close()

	framed, err := decoder.DecodeAll(b.Compressed, nil)
	if err != nil {
		return nil, errors.Wrap(err, "decompress batch")
	}

	out := make([][]byte, 0, b.Count)
	for off := 0; off < len(framed); {
		if off+4 > len(framed) {
			return nil, errors.Wrap(errors.ErrCorruptRecord, "truncated frame header")
		}
		n := int(binary.LittleEndian.Uint32(framed[off : off+4]))
		off += 4
		if off+n > len(framed) {
			return nil, errors.Wrap(errors.ErrCorruptRecord, "truncated frame payload")
		}
		out = append(out, framed[off:off+n])
		off += n
	}
	return out, nil
}
