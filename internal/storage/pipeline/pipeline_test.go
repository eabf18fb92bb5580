package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/capstore/internal/errors"
	"github.com/xtxerr/capstore/internal/storage/config"
	"github.com/xtxerr/capstore/internal/storage/types"
)

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		QueueDepth:        8,
		BatchSize:         4,
		FlushInterval:     50 * time.Millisecond,
		CompressionLevel:  3,
		OccupancyElevated: 0.70,
		OccupancyCritical: 0.85,
		OccupancyRecovery: 0.50,
	}
}

type captureSink struct {
	ch chan Batch
}

func newCaptureSink() *captureSink {
	return &captureSink{ch: make(chan Batch, 16)}
}

func (s *captureSink) WriteBatch(_ context.Context, b Batch) error {
	s.ch <- b
	return nil
}

func (s *captureSink) wait(t *testing.T) Batch {
	t.Helper()
	select {
	case b := <-s.ch:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
		return Batch{}
	}
}

func startPipeline(t *testing.T, cfg config.PipelineConfig) (*Pipeline, map[types.StorageClass]*captureSink) {
	t.Helper()

	p, err := NewPipeline(cfg)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	sinks := make(map[types.StorageClass]*captureSink)
	for _, class := range types.AllClasses() {
		s := newCaptureSink()
		sinks[class] = s
		p.SetSink(class, s)
	}

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		if p.running.Load() {
			p.Stop()
		}
	})

	return p, sinks
}

func TestBatchRoundTrip(t *testing.T) {
	p, sinks := startPipeline(t, testPipelineConfig())

	want := make([][]byte, 4)
	for i := range want {
		want[i] = []byte(fmt.Sprintf("packet-%d", i))
		if err := p.Enqueue(want[i], types.ClassPacket, types.PriorityNormal); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	b := sinks[types.ClassPacket].wait(t)
	if b.Class != types.ClassPacket {
		t.Errorf("expected packet class, got %s", b.Class)
	}
	if b.Count != 4 {
		t.Errorf("expected 4 entries, got %d", b.Count)
	}

	got, err := DecodeBatch(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("entry %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestClassIsolation(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.BatchSize = 100 // no flush during the test
	cfg.FlushInterval = time.Minute
	p, _ := startPipeline(t, cfg)

	for i := 0; i < cfg.QueueDepth; i++ {
		if err := p.Enqueue([]byte("t"), types.ClassTelemetry, types.PriorityLow); err != nil {
			t.Fatalf("telemetry enqueue %d: %v", i, err)
		}
	}

	if err := p.Enqueue([]byte("t"), types.ClassTelemetry, types.PriorityLow); !errors.Is(err, errors.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull on full telemetry queue, got %v", err)
	}

	// A saturated telemetry queue must not affect the packet class.
	if err := p.Enqueue([]byte("p"), types.ClassPacket, types.PriorityNormal); err != nil {
		t.Fatalf("packet enqueue with full telemetry queue: %v", err)
	}
}

func TestPriorityDrainOrder(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.BatchSize = 3
	p, sinks := startPipeline(t, cfg)

	// Enqueue in ascending priority; drain must come back descending.
	if err := p.Enqueue([]byte("low"), types.ClassIndex, types.PriorityLow); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := p.Enqueue([]byte("normal"), types.ClassIndex, types.PriorityNormal); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := p.Enqueue([]byte("critical"), types.ClassIndex, types.PriorityCritical); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := DecodeBatch(sinks[types.ClassIndex].wait(t))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	want := []string{"critical", "normal", "low"}
	for i, w := range want {
		if string(got[i]) != w {
			t.Errorf("position %d: expected %q, got %q", i, w, got[i])
		}
	}
}

func TestSequenceOrderWithinPriority(t *testing.T) {
	cfg := testPipelineConfig()
	p, sinks := startPipeline(t, cfg)

	for i := 0; i < 4; i++ {
		if err := p.Enqueue([]byte(fmt.Sprintf("%d", i)), types.ClassIndex, types.PriorityNormal); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	got, err := DecodeBatch(sinks[types.ClassIndex].wait(t))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := 0; i < 4; i++ {
		if string(got[i]) != fmt.Sprintf("%d", i) {
			t.Errorf("position %d: got %q", i, got[i])
		}
	}
}

func TestSuspendRejectsNonCriticalOnly(t *testing.T) {
	p, _ := startPipeline(t, testPipelineConfig())

	p.SuspendNonCritical()

	if err := p.Enqueue([]byte("t"), types.ClassTelemetry, types.PriorityLow); !errors.Is(err, errors.ErrQueueFull) {
		t.Fatalf("expected suspended telemetry rejection, got %v", err)
	}
	if err := p.Enqueue([]byte("i"), types.ClassIndex, types.PriorityNormal); !errors.Is(err, errors.ErrQueueFull) {
		t.Fatalf("expected suspended index rejection, got %v", err)
	}
	if err := p.Enqueue([]byte("p"), types.ClassPacket, types.PriorityNormal); err != nil {
		t.Fatalf("packet class must keep flowing while suspended: %v", err)
	}

	p.ResumeAll()
	if err := p.Enqueue([]byte("t"), types.ClassTelemetry, types.PriorityLow); err != nil {
		t.Fatalf("telemetry enqueue after resume: %v", err)
	}
}

func TestPartialBatchFlushesAfterInterval(t *testing.T) {
	p, sinks := startPipeline(t, testPipelineConfig())

	if err := p.Enqueue([]byte("lonely"), types.ClassTelemetry, types.PriorityLow); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	b := sinks[types.ClassTelemetry].wait(t)
	if b.Count != 1 {
		t.Errorf("expected a 1-entry flush, got %d", b.Count)
	}
}

func TestStopFlushesQueuedEntries(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.BatchSize = 100
	cfg.FlushInterval = time.Minute
	p, sinks := startPipeline(t, cfg)

	for i := 0; i < 3; i++ {
		if err := p.Enqueue([]byte("x"), types.ClassPacket, types.PriorityNormal); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	b := sinks[types.ClassPacket].wait(t)
	if b.Count != 3 {
		t.Errorf("expected 3 entries flushed on stop, got %d", b.Count)
	}
}

func TestOccupancySignals(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.QueueDepth = 20
	cfg.BatchSize = 100
	cfg.FlushInterval = time.Minute
	p, _ := startPipeline(t, cfg)

	var mu sync.Mutex
	var signals []types.PressureSignal
	p.SetOnSignal(func(sig types.PressureSignal) {
		mu.Lock()
		signals = append(signals, sig)
		mu.Unlock()
	})

	// 15/20 = 75% crosses the elevated threshold.
	for i := 0; i < 15; i++ {
		if err := p.Enqueue([]byte("x"), types.ClassTelemetry, types.PriorityLow); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	// 18/20 = 90% crosses critical.
	for i := 0; i < 3; i++ {
		if err := p.Enqueue([]byte("x"), types.ClassTelemetry, types.PriorityLow); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	// Drain below the 50% recovery threshold.
	p.queues[types.ClassTelemetry].popN(12)
	p.evaluateOccupancy()

	mu.Lock()
	defer mu.Unlock()

	want := []types.PressureLevel{types.LevelElevated, types.LevelCritical, types.LevelNormal}
	if len(signals) != len(want) {
		t.Fatalf("expected %d signals, got %d: %+v", len(want), len(signals), signals)
	}
	for i, lvl := range want {
		if signals[i].Level != lvl {
			t.Errorf("signal %d: expected %s, got %s", i, lvl, signals[i].Level)
		}
		if signals[i].Source != types.SourcePipeline {
			t.Errorf("signal %d: expected pipeline source, got %s", i, signals[i].Source)
		}
	}
}
