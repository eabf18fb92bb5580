package nvme

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/capstore/internal/errors"
	"github.com/xtxerr/capstore/internal/logging"
	"github.com/xtxerr/capstore/internal/storage/config"
	"github.com/xtxerr/capstore/internal/storage/types"
)

// Encryptor encrypts batch payloads in place before submission. Key
// management belongs to the security subsystem; the write path only
// requests the transform.
type Encryptor interface {
	EncryptBatch(ctx context.Context, batch *types.WriteBatch) error
}

// Releaser returns drained buffer handles to their pool. *buffer.Pool
// satisfies it.
type Releaser interface {
	Release(h types.BufferHandle) error
}

// Completion reports the outcome of one submitted batch.
type Completion struct {
	Seq    uint64
	Device string
	Offset int64
	Length int64
	Err    error
}

// submission pairs a batch with the device offset reserved at submit time.
type submission struct {
	batch  *types.WriteBatch
	offset int64
}

// ManagerStats holds manager statistics.
type ManagerStats struct {
	Submitted    int64
	Completed    int64
	Failed       int64
	Retries      int64
	BytesWritten int64
	Depth        float64
	Devices      []DeviceStats
}

// Manager owns all devices and their drain workers. Submission is
// fail-fast: a full queue pair or a degraded device returns an error
// immediately and the caller applies its own drop policy.
type Manager struct {
	mu      sync.RWMutex
	devices map[string]*Device
	order   []string
	chans   map[string]chan submission

	pool      Releaser
	encryptor Encryptor

	retryLimit int
	thresholds struct {
		elevated float64
		critical float64
		recovery float64
	}

	signalMu  sync.Mutex
	lastLevel types.PressureLevel
	onSignal  func(types.PressureSignal)

	seq     atomic.Uint64
	running atomic.Bool
	wg      sync.WaitGroup

	completionsMu sync.Mutex
	completions   []Completion

	logger *slog.Logger

	// Statistics
	submitted    atomic.Int64
	completed    atomic.Int64
	failed       atomic.Int64
	retryCount   atomic.Int64
	bytesWritten atomic.Int64
}

// NewManager creates a manager with no devices attached.
func NewManager(cfg config.NVMeConfig, pool Releaser) *Manager {
	m := &Manager{
		devices:    make(map[string]*Device),
		chans:      make(map[string]chan submission),
		pool:       pool,
		retryLimit: cfg.RetryLimit,
		logger:     logging.Component("nvme"),
	}
	m.thresholds.elevated = cfg.DepthElevated
	m.thresholds.critical = cfg.DepthCritical
	m.thresholds.recovery = cfg.DepthRecovery
	return m
}

// AddDevice attaches a device. Must be called before Start.
func (m *Manager) AddDevice(d *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.devices[d.name] = d
	m.order = append(m.order, d.name)
	m.chans[d.name] = make(chan submission, d.maxDepth)
}

// SetEncryptor installs the encryption-at-rest collaborator.
func (m *Manager) SetEncryptor(e Encryptor) {
	m.encryptor = e
}

// SetOnSignal sets the storage pressure signal callback. The callback
// must not block.
func (m *Manager) SetOnSignal(fn func(types.PressureSignal)) {
	m.signalMu.Lock()
	m.onSignal = fn
	m.signalMu.Unlock()
}

// Start launches one drain worker per device.
func (m *Manager) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}

	m.mu.RLock()
	for name, dev := range m.devices {
		m.wg.Add(1)
		go m.drainWorker(dev, m.chans[name])
	}
	m.mu.RUnlock()

	m.logger.Info("nvme manager started", "devices", len(m.devices))
	return nil
}

// Stop drains queued submissions and stops the workers. Queued batches
// are written out; new submissions fail with ErrNotRunning.
func (m *Manager) Stop() error {
	if !m.running.CompareAndSwap(true, false) {
		return errors.ErrNotRunning
	}

	// The write lock orders the close against in-flight submits, which
	// hold the read lock across their channel send.
	m.mu.Lock()
	for _, ch := range m.chans {
		close(ch)
	}
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.RLock()
	for _, dev := range m.devices {
		dev.backend.Sync()
		dev.backend.Close()
	}
	m.mu.RUnlock()

	m.logger.Info("nvme manager stopped",
		"submitted", m.submitted.Load(),
		"completed", m.completed.Load(),
		"failed", m.failed.Load(),
	)
	return nil
}

// PickDevice returns the healthy device with the lowest queue depth, or
// ErrDeviceDegraded when every device is out of service.
func (m *Manager) PickDevice() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best string
	bestDepth := 2.0
	for _, name := range m.order {
		dev := m.devices[name]
		if dev.Health() != HealthHealthy {
			continue
		}
		if d := dev.Depth(); d < bestDepth {
			bestDepth = d
			best = name
		}
	}
	if best == "" {
		return "", errors.ErrDeviceDegraded
	}
	return best, nil
}

// SubmitWrite assigns the batch a sequence number and queues it on its
// device. Fail-fast: ErrQueueFull at max depth, ErrDeviceDegraded for an
// unhealthy device. Payloads are not copied; the drain worker writes them
// and releases their pool handles on completion.
func (m *Manager) SubmitWrite(ctx context.Context, batch *types.WriteBatch) error {
	if !m.running.Load() {
		return errors.ErrNotRunning
	}

	if batch.Device == "" {
		name, err := m.PickDevice()
		if err != nil {
			return err
		}
		batch.Device = name
	}

	m.mu.RLock()
	dev, ok := m.devices[batch.Device]
	ch := m.chans[batch.Device]
	m.mu.RUnlock()
	if !ok {
		return errors.Wrapf(errors.ErrDeviceNotFound, "%s", batch.Device)
	}

	if m.encryptor != nil {
		if err := m.encryptor.EncryptBatch(ctx, batch); err != nil {
			return errors.Wrap(err, "encrypt batch")
		}
	}

	batch.TotalBytes()
	off, err := dev.reserve(batch.Bytes)
	if err != nil {
		m.evaluateDepth()
		return err
	}

	batch.Seq = m.seq.Add(1)
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now()
	}

	// Channel capacity equals max depth, so with a queue slot reserved the
	// send never blocks. The read lock orders the send against Stop, which
	// closes the channels under the write lock; a submit that loses that
	// race fails with ErrNotRunning instead of hitting a closed channel.
	m.mu.RLock()
	if !m.running.Load() {
		m.mu.RUnlock()
		dev.complete(0, false)
		return errors.ErrNotRunning
	}
	ch <- submission{batch: batch, offset: off}
	m.mu.RUnlock()

	m.submitted.Add(1)
	m.evaluateDepth()
	return nil
}

// drainWorker writes queued batches to one device. A failed write retries
// up to the retry limit with a queue pair reinit between attempts; when
// recovery is exhausted the device is degraded and the batch completes
// with an error.
func (m *Manager) drainWorker(dev *Device, ch <-chan submission) {
	defer m.wg.Done()

	for sub := range ch {
		start := time.Now()
		err := m.writeWithRetry(dev, sub)
		dev.latency.Record(time.Since(start))

		comp := Completion{
			Seq:    sub.batch.Seq,
			Device: dev.name,
			Offset: sub.offset,
			Length: sub.batch.Bytes,
			Err:    err,
		}

		if err != nil {
			dev.complete(0, false)
			dev.markDegraded()
			m.failed.Add(1)
			m.logger.Error("device degraded after exhausted retries",
				"device", dev.name,
				"seq", sub.batch.Seq,
				"error", err,
			)
			m.emitSignal(types.PressureSignal{
				Source:    types.SourceStorage,
				Level:     types.LevelCritical,
				Metric:    1.0,
				Timestamp: time.Now(),
			})
		} else {
			dev.complete(sub.batch.Bytes, true)
			m.completed.Add(1)
			m.bytesWritten.Add(sub.batch.Bytes)
		}

		// Return arena slots regardless of outcome; the data either landed
		// on the device or the batch failed terminally.
		for _, h := range sub.batch.Handles {
			if h == 0 {
				continue
			}
			if rerr := m.pool.Release(h); rerr != nil {
				m.logger.Warn("release after completion", "error", rerr)
			}
		}

		m.completionsMu.Lock()
		m.completions = append(m.completions, comp)
		m.completionsMu.Unlock()

		m.evaluateDepth()
	}
}

func (m *Manager) writeWithRetry(dev *Device, sub submission) error {
	var lastErr error

	for attempt := 0; attempt < m.retryLimit; attempt++ {
		if attempt > 0 {
			m.retryCount.Add(1)
			if err := dev.reinit(); err != nil {
				lastErr = errors.NewDeviceError(dev.name, err)
				continue
			}
		}

		if err := m.writeBatch(dev, sub); err != nil {
			lastErr = errors.NewDeviceError(dev.name, err)
			m.logger.Warn("batch write failed",
				"device", dev.name,
				"seq", sub.batch.Seq,
				"attempt", attempt+1,
				"error", err,
			)
			continue
		}
		return nil
	}

	return lastErr
}

func (m *Manager) writeBatch(dev *Device, sub submission) error {
	off := sub.offset
	for _, p := range sub.batch.Payloads {
		if _, err := dev.backend.WriteAt(p, off); err != nil {
			return err
		}
		off += int64(len(p))
	}
	return dev.backend.Sync()
}

// PollCompletions returns and clears the accumulated completions.
func (m *Manager) PollCompletions() []Completion {
	m.completionsMu.Lock()
	defer m.completionsMu.Unlock()

	out := m.completions
	m.completions = nil
	return out
}

// Trim discards the given range on a device. Used by secure deletion.
func (m *Manager) Trim(device string, offset, length int64) error {
	m.mu.RLock()
	dev, ok := m.devices[device]
	m.mu.RUnlock()
	if !ok {
		return errors.Wrapf(errors.ErrDeviceNotFound, "%s", device)
	}

	if err := dev.backend.Trim(offset, length); err != nil {
		return errors.NewDeviceError(device, err)
	}
	if err := dev.backend.Sync(); err != nil {
		return errors.NewDeviceError(device, err)
	}

	dev.mu.Lock()
	dev.used -= length
	if dev.used < 0 {
		dev.used = 0
	}
	dev.mu.Unlock()
	return nil
}

// HealthCheckAll probes every device, returning degraded ones to service
// when the probe succeeds.
func (m *Manager) HealthCheckAll() {
	m.mu.RLock()
	devs := make([]*Device, 0, len(m.devices))
	for _, dev := range m.devices {
		devs = append(devs, dev)
	}
	m.mu.RUnlock()

	for _, dev := range devs {
		if dev.Health() == HealthHealthy {
			continue
		}
		if err := dev.HealthCheck(); err != nil {
			m.logger.Warn("health check failed", "device", dev.Name(), "error", err)
			continue
		}
		m.logger.Info("device recovered", "device", dev.Name())
	}
	m.evaluateDepth()
}

// Depth returns the worst queue depth ratio across healthy devices. With
// every device out of service there is no queue left to absorb writes, so
// the depth reports as full rather than idle.
func (m *Manager) Depth() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	healthy := 0
	var worst float64
	for _, dev := range m.devices {
		if dev.Health() != HealthHealthy {
			continue
		}
		healthy++
		if d := dev.Depth(); d > worst {
			worst = d
		}
	}
	if healthy == 0 && len(m.devices) > 0 {
		return 1.0
	}
	return worst
}

// evaluateDepth maps the worst queue depth to a pressure level and emits
// a storage signal on level changes.
func (m *Manager) evaluateDepth() {
	depth := m.Depth()

	m.signalMu.Lock()
	level := m.lastLevel
	switch {
	case depth > m.thresholds.critical:
		level = types.LevelCritical
	case depth > m.thresholds.elevated:
		level = types.LevelElevated
	case depth < m.thresholds.recovery:
		level = types.LevelNormal
	}

	if level == m.lastLevel || m.onSignal == nil {
		m.lastLevel = level
		m.signalMu.Unlock()
		return
	}
	m.lastLevel = level
	fn := m.onSignal
	m.signalMu.Unlock()

	fn(types.PressureSignal{
		Source:    types.SourceStorage,
		Level:     level,
		Metric:    depth,
		Timestamp: time.Now(),
	})
}

func (m *Manager) emitSignal(sig types.PressureSignal) {
	m.signalMu.Lock()
	fn := m.onSignal
	m.lastLevel = sig.Level
	m.signalMu.Unlock()

	if fn != nil {
		fn(sig)
	}
}

// DeviceStatsFor returns statistics for one device.
func (m *Manager) DeviceStatsFor(name string) (DeviceStats, error) {
	m.mu.RLock()
	dev, ok := m.devices[name]
	m.mu.RUnlock()
	if !ok {
		return DeviceStats{}, errors.Wrapf(errors.ErrDeviceNotFound, "%s", name)
	}
	return dev.Stats(), nil
}

// Stats returns manager statistics including per-device detail.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	devs := make([]DeviceStats, 0, len(m.devices))
	for _, name := range m.order {
		devs = append(devs, m.devices[name].Stats())
	}
	m.mu.RUnlock()

	return ManagerStats{
		Submitted:    m.submitted.Load(),
		Completed:    m.completed.Load(),
		Failed:       m.failed.Load(),
		Retries:      m.retryCount.Load(),
		BytesWritten: m.bytesWritten.Load(),
		Depth:        m.Depth(),
		Devices:      devs,
	}
}
