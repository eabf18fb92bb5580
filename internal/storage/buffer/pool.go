// Package buffer implements the DMA buffer pool: the zero-copy hand-off
// boundary between the capture producer and the storage consumer.
//
// The pool is a pre-sized arena of fixed-size slots. Each slot moves through
// the states Free -> Filling -> Ready -> Draining -> Free with exactly one
// owner per state; ownership transfer is the only synchronization on the
// hot path. Handles carry a generation counter so a stale handle can never
// alias a recycled slot.
package buffer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/capstore/internal/errors"
	"github.com/xtxerr/capstore/internal/storage/types"
)

// SlotState is the ownership state of one arena slot.
type SlotState int

const (
	// SlotFree - on the free list, owned by the pool.
	SlotFree SlotState = iota

	// SlotFilling - owned by the capture producer.
	SlotFilling

	// SlotReady - committed, waiting for a drain worker.
	SlotReady

	// SlotDraining - owned by the NVMe manager.
	SlotDraining
)

// String returns the string representation of the state.
func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "free"
	case SlotFilling:
		return "filling"
	case SlotReady:
		return "ready"
	case SlotDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Watermarks are the utilization thresholds for memory pressure signals.
type Watermarks struct {
	// Low is the recovery watermark.
	Low float64
	// High emits an elevated signal when crossed upward.
	High float64
	// Critical emits a critical signal when crossed upward.
	Critical float64
}

// Options configures the pool.
type Options struct {
	// Slots is the number of fixed-size slots.
	Slots int

	// SlotSize is the capacity of each slot in bytes.
	SlotSize int

	// ZeroOnRelease zeroes slot payloads on release so recycled slots
	// never leak prior capture data.
	ZeroOnRelease bool

	Watermarks Watermarks
}

// Buffer is an allocated slot handed to the capture producer. Data is a
// view into the arena; the producer fills it and commits with the byte
// count actually written.
type Buffer struct {
	Handle types.BufferHandle
	Data   []byte
}

type slot struct {
	state SlotState
	gen   uint32
	fill  int
}

// Pool owns the arena and free list. All state transitions take the pool
// mutex; the payload bytes themselves are only ever touched by the slot's
// single current owner.
type Pool struct {
	mu sync.Mutex

	arena    []byte
	slots    []slot
	free     []uint32 // LIFO stack of free slot indexes
	capacity int
	ceiling  int // allocation ceiling, <= capacity, reduced under pressure

	slotSize      int
	zeroOnRelease bool
	watermarks    Watermarks
	lastLevel     types.PressureLevel

	// onSignal delivers memory pressure signals, non-blocking.
	onSignal func(types.PressureSignal)

	// Statistics
	allocCount   atomic.Int64
	commitCount  atomic.Int64
	releaseCount atomic.Int64
	failCount    atomic.Int64
	staleCount   atomic.Int64
}

// NewPool creates a pool with the given options.
func NewPool(opts Options) *Pool {
	if opts.Slots <= 0 {
		opts.Slots = 1024
	}
	if opts.SlotSize <= 0 {
		opts.SlotSize = 16 * 1024
	}
	if opts.Watermarks.High == 0 {
		opts.Watermarks = Watermarks{Low: 0.60, High: 0.70, Critical: 0.85}
	}

	p := &Pool{
		arena:         make([]byte, opts.Slots*opts.SlotSize),
		slots:         make([]slot, opts.Slots),
		free:          make([]uint32, 0, opts.Slots),
		capacity:      opts.Slots,
		ceiling:       opts.Slots,
		slotSize:      opts.SlotSize,
		zeroOnRelease: opts.ZeroOnRelease,
		watermarks:    opts.Watermarks,
	}

	// Push in reverse so slot 0 allocates first.
	for i := opts.Slots - 1; i >= 0; i-- {
		p.free = append(p.free, uint32(i))
	}

	return p
}

// SetOnSignal sets the pressure signal callback. The callback must not
// block; the pool calls it with the mutex released.
func (p *Pool) SetOnSignal(fn func(types.PressureSignal)) {
	p.mu.Lock()
	p.onSignal = fn
	p.mu.Unlock()
}

// Allocate claims a free slot for filling. It never blocks: if the free
// list is empty or the allocation ceiling is reached it fails immediately
// with ErrPoolExhausted and the caller applies its own drop policy.
func (p *Pool) Allocate(size int) (Buffer, error) {
	if size > p.slotSize {
		return Buffer{}, errors.ErrBufferTooLarge
	}

	p.mu.Lock()

	allocated := p.capacity - len(p.free)
	if len(p.free) == 0 || allocated >= p.ceiling {
		p.mu.Unlock()
		p.failCount.Add(1)
		return Buffer{}, errors.ErrPoolExhausted
	}

	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	s := &p.slots[idx]
	s.state = SlotFilling
	s.fill = 0

	h := types.NewBufferHandle(idx, s.gen)
	data := p.slotData(idx)[:size]

	sig, emit := p.evaluateLocked()
	p.mu.Unlock()

	p.allocCount.Add(1)
	if emit {
		p.emit(sig)
	}

	return Buffer{Handle: h, Data: data}, nil
}

// Commit marks a filled buffer ready for drain. n is the number of bytes
// the producer actually wrote.
func (p *Pool) Commit(h types.BufferHandle, n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.slotFor(h)
	if err != nil {
		return err
	}
	if s.state != SlotFilling {
		return errors.Wrapf(errors.ErrInvalidTransition, "commit from %s", s.state)
	}
	if n < 0 || n > p.slotSize {
		return errors.NewInvalidValue("fill length", n, "exceeds slot size")
	}

	s.state = SlotReady
	s.fill = n
	p.commitCount.Add(1)
	return nil
}

// Checkout transfers a ready buffer to a drain worker and returns the
// committed payload as a zero-copy view into the arena.
func (p *Pool) Checkout(h types.BufferHandle) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.slotFor(h)
	if err != nil {
		return nil, err
	}
	if s.state != SlotReady {
		return nil, errors.Wrapf(errors.ErrInvalidTransition, "checkout from %s", s.state)
	}

	s.state = SlotDraining
	return p.slotData(h.Slot())[:s.fill], nil
}

// Release returns a slot to the free list. Valid from Filling (producer
// abort) and Draining (write completed). The generation is bumped so any
// outstanding handle to this slot becomes stale.
func (p *Pool) Release(h types.BufferHandle) error {
	p.mu.Lock()

	s, err := p.slotFor(h)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if s.state != SlotFilling && s.state != SlotDraining {
		p.mu.Unlock()
		return errors.Wrapf(errors.ErrInvalidTransition, "release from %s", s.state)
	}

	if p.zeroOnRelease {
		data := p.slotData(h.Slot())
		for i := range data {
			data[i] = 0
		}
	}

	s.state = SlotFree
	s.gen++
	s.fill = 0
	p.free = append(p.free, h.Slot())

	sig, emit := p.evaluateLocked()
	p.mu.Unlock()

	p.releaseCount.Add(1)
	if emit {
		p.emit(sig)
	}
	return nil
}

// Reclaim force-releases a slot from any owned state. Error paths that
// must abandon a buffer after commit use it; Release stays strict so the
// normal ownership transfer is still checked.
func (p *Pool) Reclaim(h types.BufferHandle) error {
	p.mu.Lock()

	s, err := p.slotFor(h)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if s.state == SlotFree {
		p.mu.Unlock()
		return errors.Wrapf(errors.ErrInvalidTransition, "reclaim from %s", s.state)
	}

	if p.zeroOnRelease {
		data := p.slotData(h.Slot())
		for i := range data {
			data[i] = 0
		}
	}

	s.state = SlotFree
	s.gen++
	s.fill = 0
	p.free = append(p.free, h.Slot())

	sig, emit := p.evaluateLocked()
	p.mu.Unlock()

	p.releaseCount.Add(1)
	if emit {
		p.emit(sig)
	}
	return nil
}

// SetCeiling reduces or restores the allocation ceiling. The cascade uses
// it to shrink the pool's effective capacity under storage pressure.
// Values outside [1, capacity] are clamped.
func (p *Pool) SetCeiling(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n < 1 {
		n = 1
	}
	if n > p.capacity {
		n = p.capacity
	}
	p.ceiling = n
}

// Ceiling returns the current allocation ceiling.
func (p *Pool) Ceiling() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ceiling
}

// Capacity returns the total number of slots.
func (p *Pool) Capacity() int {
	return p.capacity
}

// SlotSize returns the slot capacity in bytes.
func (p *Pool) SlotSize() int {
	return p.slotSize
}

// Allocated returns the number of slots not on the free list.
func (p *Pool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity - len(p.free)
}

// Utilization returns allocated/capacity (0.0-1.0).
func (p *Pool) Utilization() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.utilizationLocked()
}

func (p *Pool) utilizationLocked() float64 {
	return float64(p.capacity-len(p.free)) / float64(p.capacity)
}

// slotFor validates a handle and returns its slot.
func (p *Pool) slotFor(h types.BufferHandle) (*slot, error) {
	idx := h.Slot()
	if int(idx) >= p.capacity {
		return nil, errors.ErrStaleHandle
	}
	s := &p.slots[idx]
	if s.gen != h.Generation() {
		p.staleCount.Add(1)
		return nil, errors.ErrStaleHandle
	}
	return s, nil
}

func (p *Pool) slotData(idx uint32) []byte {
	off := int(idx) * p.slotSize
	return p.arena[off : off+p.slotSize]
}

// evaluateLocked recomputes utilization against the watermarks and decides
// whether a pressure signal is due. Signals fire only on level changes;
// a missed signal is tolerable because the next allocation re-evaluates.
func (p *Pool) evaluateLocked() (types.PressureSignal, bool) {
	usage := p.utilizationLocked()

	level := p.lastLevel
	switch {
	case usage >= p.watermarks.Critical:
		level = types.LevelCritical
	case usage >= p.watermarks.High:
		level = types.LevelElevated
	case usage < p.watermarks.Low:
		level = types.LevelNormal
	}

	if level == p.lastLevel || p.onSignal == nil {
		p.lastLevel = level
		return types.PressureSignal{}, false
	}
	p.lastLevel = level

	return types.PressureSignal{
		Source:    types.SourceMemory,
		Level:     level,
		Metric:    usage,
		Timestamp: time.Now(),
	}, true
}

func (p *Pool) emit(sig types.PressureSignal) {
	if p.onSignal != nil {
		p.onSignal(sig)
	}
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	allocated := p.capacity - len(p.free)
	ceiling := p.ceiling
	usage := p.utilizationLocked()
	level := p.lastLevel
	p.mu.Unlock()

	return PoolStats{
		Capacity:      p.capacity,
		Allocated:     allocated,
		Free:          p.capacity - allocated,
		Ceiling:       ceiling,
		Utilization:   usage,
		PressureLevel: level,
		AllocCount:    p.allocCount.Load(),
		CommitCount:   p.commitCount.Load(),
		ReleaseCount:  p.releaseCount.Load(),
		FailCount:     p.failCount.Load(),
		StaleCount:    p.staleCount.Load(),
	}
}

// PoolStats holds pool statistics.
type PoolStats struct {
	Capacity      int
	Allocated     int
	Free          int
	Ceiling       int
	Utilization   float64
	PressureLevel types.PressureLevel
	AllocCount    int64
	CommitCount   int64
	ReleaseCount  int64
	FailCount     int64
	StaleCount    int64
}
