package buffer

import (
	"bytes"
	"sync"
	"testing"

	"github.com/xtxerr/capstore/internal/errors"
	"github.com/xtxerr/capstore/internal/storage/types"
	captest "github.com/xtxerr/capstore/internal/testing"
)

func newTestPool(slots int) *Pool {
	return NewPool(Options{
		Slots:      slots,
		SlotSize:   256,
		Watermarks: Watermarks{Low: 0.60, High: 0.70, Critical: 0.85},
	})
}

func TestSlotLifecycle(t *testing.T) {
	p := newTestPool(4)

	buf, err := p.Allocate(64)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if len(buf.Data) != 64 {
		t.Fatalf("expected 64-byte view, got %d", len(buf.Data))
	}

	payload := bytes.Repeat([]byte{0x5A}, 64)
	copy(buf.Data, payload)
	if err := p.Commit(buf.Handle, 64); err != nil {
		t.Fatalf("commit: %v", err)
	}

	data, err := p.Checkout(buf.Handle)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Error("checkout returned different bytes than committed")
	}

	if err := p.Release(buf.Handle); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := p.Allocated(); got != 0 {
		t.Errorf("expected empty pool, got %d allocated", got)
	}
}

func TestExhaustionFailsFast(t *testing.T) {
	p := newTestPool(100)

	handles := make([]types.BufferHandle, 0, 100)
	for i := 0; i < 100; i++ {
		buf, err := p.Allocate(16)
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		handles = append(handles, buf.Handle)
	}

	// The 101st request must fail immediately, not block.
	if _, err := p.Allocate(16); !errors.Is(err, errors.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}

	// One release makes exactly one slot available again.
	if err := p.Release(handles[0]); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := p.Allocate(16); err != nil {
		t.Fatalf("allocate after release: %v", err)
	}
	if _, err := p.Allocate(16); !errors.Is(err, errors.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted again, got %v", err)
	}
}

func TestOversizedAllocationRejected(t *testing.T) {
	p := newTestPool(4)

	if _, err := p.Allocate(257); !errors.Is(err, errors.ErrBufferTooLarge) {
		t.Fatalf("expected ErrBufferTooLarge, got %v", err)
	}
}

func TestStaleHandleRejected(t *testing.T) {
	p := newTestPool(1)

	buf, err := p.Allocate(16)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	old := buf.Handle
	if err := p.Release(old); err != nil {
		t.Fatalf("release: %v", err)
	}

	// The slot is recycled; the old handle's generation no longer matches.
	if _, err := p.Allocate(16); err != nil {
		t.Fatalf("reallocate: %v", err)
	}
	if err := p.Commit(old, 16); !errors.Is(err, errors.ErrStaleHandle) {
		t.Errorf("expected ErrStaleHandle on commit, got %v", err)
	}
	if _, err := p.Checkout(old); !errors.Is(err, errors.ErrStaleHandle) {
		t.Errorf("expected ErrStaleHandle on checkout, got %v", err)
	}
	if err := p.Release(old); !errors.Is(err, errors.ErrStaleHandle) {
		t.Errorf("expected ErrStaleHandle on release, got %v", err)
	}
}

func TestInvalidStateTransitions(t *testing.T) {
	p := newTestPool(4)

	buf, _ := p.Allocate(16)

	// Checkout before commit.
	if _, err := p.Checkout(buf.Handle); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on early checkout, got %v", err)
	}

	p.Commit(buf.Handle, 16)

	// Double commit.
	if err := p.Commit(buf.Handle, 16); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on double commit, got %v", err)
	}

	// Release from Ready is invalid; the drain worker owns the transition.
	if err := p.Release(buf.Handle); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on release from ready, got %v", err)
	}
}

func TestReclaimAbandonsCommittedSlot(t *testing.T) {
	p := newTestPool(2)

	buf, err := p.Allocate(16)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := p.Commit(buf.Handle, 16); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Release stays strict from Ready; Reclaim frees the abandoned slot.
	if err := p.Release(buf.Handle); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Fatalf("expected strict release to reject ready, got %v", err)
	}
	if err := p.Reclaim(buf.Handle); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if got := p.Allocated(); got != 0 {
		t.Errorf("expected empty pool after reclaim, got %d allocated", got)
	}

	// The generation bump makes the old handle stale.
	if err := p.Reclaim(buf.Handle); !errors.Is(err, errors.ErrStaleHandle) {
		t.Errorf("expected ErrStaleHandle on double reclaim, got %v", err)
	}
}

func TestCeilingLimitsAllocation(t *testing.T) {
	p := newTestPool(10)
	p.SetCeiling(3)

	for i := 0; i < 3; i++ {
		if _, err := p.Allocate(16); err != nil {
			t.Fatalf("allocate %d under ceiling: %v", i, err)
		}
	}
	if _, err := p.Allocate(16); !errors.Is(err, errors.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted at ceiling, got %v", err)
	}

	p.SetCeiling(10)
	if _, err := p.Allocate(16); err != nil {
		t.Fatalf("allocate after ceiling restored: %v", err)
	}

	// Out-of-range values clamp instead of breaking the pool.
	p.SetCeiling(-5)
	if got := p.Ceiling(); got != 1 {
		t.Errorf("expected ceiling clamped to 1, got %d", got)
	}
	p.SetCeiling(1000)
	if got := p.Ceiling(); got != 10 {
		t.Errorf("expected ceiling clamped to capacity, got %d", got)
	}
}

func TestWatermarkSignals(t *testing.T) {
	p := newTestPool(20)

	var mu sync.Mutex
	var signals []types.PressureSignal
	p.SetOnSignal(func(sig types.PressureSignal) {
		mu.Lock()
		signals = append(signals, sig)
		mu.Unlock()
	})

	handles := make([]types.BufferHandle, 0, 20)
	alloc := func(n int) {
		for i := 0; i < n; i++ {
			buf, err := p.Allocate(16)
			if err != nil {
				t.Fatalf("allocate: %v", err)
			}
			handles = append(handles, buf.Handle)
		}
	}

	alloc(15) // 75%: crosses the high watermark
	alloc(3)  // 90%: crosses the critical watermark
	// Release down to 55%, below the low watermark.
	for i := 0; i < 7; i++ {
		if err := p.Release(handles[len(handles)-1]); err != nil {
			t.Fatalf("release: %v", err)
		}
		handles = handles[:len(handles)-1]
	}

	mu.Lock()
	defer mu.Unlock()

	// Crossing up through high then critical, easing back through the
	// elevated band, and recovering below the low watermark.
	want := []types.PressureLevel{
		types.LevelElevated,
		types.LevelCritical,
		types.LevelElevated,
		types.LevelNormal,
	}
	if len(signals) != len(want) {
		t.Fatalf("expected %d signals, got %d: %+v", len(want), len(signals), signals)
	}
	for i, lvl := range want {
		if signals[i].Level != lvl {
			t.Errorf("signal %d: expected %s, got %s", i, lvl, signals[i].Level)
		}
		if signals[i].Source != types.SourceMemory {
			t.Errorf("signal %d: expected memory source, got %s", i, signals[i].Source)
		}
	}
}

func TestZeroOnReleaseScrubsSlot(t *testing.T) {
	p := NewPool(Options{Slots: 1, SlotSize: 32, ZeroOnRelease: true})

	buf, _ := p.Allocate(32)
	copy(buf.Data, bytes.Repeat([]byte{0xFF}, 32))
	p.Release(buf.Handle)

	again, _ := p.Allocate(32)
	for i, b := range again.Data {
		if b != 0 {
			t.Fatalf("byte %d not scrubbed on release", i)
		}
	}
}

func TestConcurrentAllocateRelease(t *testing.T) {
	p := newTestPool(64)
	gt := captest.NewGoroutineTest(t)
	defer gt.Wait()

	for w := 0; w < 8; w++ {
		gt.Go(func() error {
			for i := 0; i < 200; i++ {
				buf, err := p.Allocate(16)
				if err != nil {
					if errors.Is(err, errors.ErrPoolExhausted) {
						continue
					}
					return err
				}
				if err := p.Commit(buf.Handle, 16); err != nil {
					return err
				}
				if _, err := p.Checkout(buf.Handle); err != nil {
					return err
				}
				if err := p.Release(buf.Handle); err != nil {
					return err
				}
			}
			return nil
		})
	}
}
