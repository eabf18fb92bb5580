package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/capstore/internal/errors"
	"github.com/xtxerr/capstore/internal/logging"
	"github.com/xtxerr/capstore/internal/storage/archive"
	"github.com/xtxerr/capstore/internal/storage/buffer"
	"github.com/xtxerr/capstore/internal/storage/config"
	"github.com/xtxerr/capstore/internal/storage/index"
	"github.com/xtxerr/capstore/internal/storage/journal"
	"github.com/xtxerr/capstore/internal/storage/lifecycle"
	"github.com/xtxerr/capstore/internal/storage/nvme"
	"github.com/xtxerr/capstore/internal/storage/pipeline"
	"github.com/xtxerr/capstore/internal/storage/pressure"
	"github.com/xtxerr/capstore/internal/storage/query"
	"github.com/xtxerr/capstore/internal/storage/types"
	"github.com/xtxerr/capstore/internal/telemetry"
)

const (
	completionPollInterval = 5 * time.Millisecond
	healthCheckInterval    = 5 * time.Second
)

// pendingWrite is the index metadata for a submitted batch, held until its
// completion arrives.
type pendingWrite struct {
	session uuid.UUID
	startMs int64
	endMs   int64
}

// Stats aggregates statistics from every component.
type Stats struct {
	State          types.SystemState
	Overlay        types.Overlay
	Ingested       int64
	IngestedBytes  int64
	Dropped        int64
	QuotaRejected  int64
	EmergencySaves int64

	Pool      buffer.PoolStats
	NVMe      nvme.ManagerStats
	Pipeline  pipeline.Stats
	Index     index.Stats
	Lifecycle lifecycle.Stats
	Cascade   pressure.Stats
}

// Service owns the storage components and their control wiring.
type Service struct {
	mu  sync.Mutex
	cfg *config.Config

	pool    *buffer.Pool
	nvme    *nvme.Manager
	pipe    *pipeline.Pipeline
	idx     *index.Manager
	life    *lifecycle.Manager
	cascade *pressure.Cascade
	archive *archive.Writer
	query   *query.Service

	sink telemetry.Sink

	// pendingMu guards pending and orders index metadata registration
	// against completion processing.
	pendingMu sync.Mutex
	pending   map[uint64]pendingWrite

	running atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	logger *slog.Logger

	ingested       atomic.Int64
	ingestedBytes  atomic.Int64
	dropped        atomic.Int64
	quotaRejected  atomic.Int64
	emergencySaves atomic.Int64
}

// New builds a service from the configuration. Directories are created and
// journals replayed; nothing runs until Start.
func New(cfg *config.Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	cfg = cfg.Clone()

	s := &Service{
		cfg:     cfg,
		pending: make(map[uint64]pendingWrite),
		sink:    telemetry.LogSink{},
		logger:  logging.Component("storage"),
	}

	s.pool = buffer.NewPool(buffer.Options{
		Slots:         cfg.Pool.Slots,
		SlotSize:      cfg.Pool.SlotSize,
		ZeroOnRelease: cfg.Pool.ZeroOnRelease,
		Watermarks: buffer.Watermarks{
			Low:      cfg.Pool.Watermarks.Low,
			High:     cfg.Pool.Watermarks.High,
			Critical: cfg.Pool.Watermarks.Critical,
		},
	})

	s.nvme = nvme.NewManager(cfg.NVMe, s.pool)
	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		backend, err := nvme.OpenFileBackend(cfg.DevicePath(d))
		if err != nil {
			return nil, errors.Wrapf(err, "open device %s", d.Name)
		}
		s.nvme.AddDevice(nvme.NewDevice(d.Name, backend, d.MaxDepth, d.CapacityBytes))
	}

	pipe, err := pipeline.NewPipeline(cfg.Pipeline)
	if err != nil {
		return nil, err
	}
	s.pipe = pipe

	aw, err := archive.NewWriter(cfg.ArchiveDir(), archive.DefaultOptions())
	if err != nil {
		return nil, errors.Wrap(err, "open telemetry archive")
	}
	s.archive = aw

	idx, err := index.Open(cfg.IndexDir(), cfg.SnapshotDir(), cfg.Index.Quota, journal.DefaultOptions())
	if err != nil {
		return nil, err
	}
	s.idx = idx

	policy := types.RetentionPolicy{Name: "retention", Window: cfg.Retention.Window}
	life, err := lifecycle.Open(cfg.AuditDir(), idx, s.nvme, policy, cfg.Retention.Interval)
	if err != nil {
		return nil, err
	}
	s.life = life

	qs, err := query.New(cfg.Query, cfg.ArchiveDir())
	if err != nil {
		return nil, err
	}
	s.query = qs

	s.cascade = pressure.NewCascade(cfg.Pressure)

	// Pressure wiring: every leaf feeds the cascade, the cascade's
	// decisions come back through the service.
	s.pool.SetOnSignal(s.cascade.Offer)
	s.nvme.SetOnSignal(s.cascade.Offer)
	s.pipe.SetOnSignal(s.cascade.Offer)
	s.cascade.SetRateController(s)
	s.cascade.SetNotifier(s)

	s.pipe.SetSink(types.ClassPacket, s.deviceSink())
	s.pipe.SetSink(types.ClassIndex, s.indexSink())
	s.pipe.SetSink(types.ClassTelemetry, s.archive.Sink())

	return s, nil
}

// SetEncryptor installs the encryption-at-rest collaborator on the device
// write path.
func (s *Service) SetEncryptor(e nvme.Encryptor) {
	s.nvme.SetEncryptor(e)
}

// SetTelemetrySink replaces the metric sink. Must be called before Start.
func (s *Service) SetTelemetrySink(sink telemetry.Sink) {
	s.sink = sink
}

// Start launches every component and the service loops.
func (s *Service) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}

	ctx, s.cancel = context.WithCancel(ctx)

	if err := s.nvme.Start(ctx); err != nil {
		s.running.Store(false)
		return err
	}
	if err := s.pipe.Start(ctx); err != nil {
		s.running.Store(false)
		return err
	}
	if err := s.cascade.Start(ctx); err != nil {
		s.running.Store(false)
		return err
	}
	if err := s.life.Start(ctx); err != nil {
		s.running.Store(false)
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	s.group = g
	g.Go(func() error { return s.completionLoop(ctx) })
	g.Go(func() error { return s.telemetryLoop(ctx) })
	g.Go(func() error { return s.healthLoop(ctx) })

	s.logger.Info("storage service started",
		"devices", len(s.cfg.Devices),
		"pool_slots", s.pool.Capacity(),
		"index_entries", s.idx.Len(),
	)
	return nil
}

// Stop drains the write path within the drain window and shuts every
// component down.
func (s *Service) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return errors.ErrNotRunning
	}

	s.cascade.Stop()

	// Flush the pipeline into its sinks first; the device workers are
	// still running and absorb the flushed batches.
	drained := make(chan struct{})
	go func() {
		s.pipe.Stop()
		s.nvme.Stop()
		close(drained)
	}()

	s.mu.Lock()
	window := s.cfg.DrainWindow
	s.mu.Unlock()
	select {
	case <-drained:
	case <-time.After(window):
		s.logger.Error("drain window expired before queues emptied", "window", window)
	}

	s.cancel()
	s.group.Wait()
	s.processCompletions()

	s.life.Stop()

	var firstErr error
	if err := s.idx.Close(); err != nil {
		firstErr = err
	}
	if err := s.archive.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.query.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	s.logger.Info("storage service stopped",
		"ingested", s.ingested.Load(),
		"dropped", s.dropped.Load(),
	)
	return firstErr
}

// WritePacket is the hot path: copy the payload into an arena slot, submit
// it, and index the extent once the write completes. Fail-fast: pool
// exhaustion, a full queue pair, or the quota return an error immediately
// and the caller drops the packet.
func (s *Service) WritePacket(ctx context.Context, session uuid.UUID, startMs, endMs int64, data []byte) error {
	if !s.running.Load() {
		return errors.ErrNotRunning
	}

	if s.quotaExceeded(int64(len(data))) {
		s.quotaRejected.Add(1)
		return errors.Wrapf(errors.ErrQuotaExceeded, "%d bytes", len(data))
	}

	buf, err := s.pool.Allocate(len(data))
	if err != nil {
		s.dropped.Add(1)
		return err
	}
	copy(buf.Data, data)

	if err := s.pool.Commit(buf.Handle, len(data)); err != nil {
		s.pool.Release(buf.Handle)
		return err
	}
	payload, err := s.pool.Checkout(buf.Handle)
	if err != nil {
		// The slot is Ready and no drain worker will ever claim it, so the
		// strict release path cannot free it.
		if rerr := s.pool.Reclaim(buf.Handle); rerr != nil {
			s.logger.Warn("reclaim after failed checkout", "error", rerr)
		}
		s.dropped.Add(1)
		return err
	}

	batch := &types.WriteBatch{
		Handles:  []types.BufferHandle{buf.Handle},
		Payloads: [][]byte{payload},
	}

	// Hold pendingMu across submit and registration so the completion
	// loop can never observe a sequence without its metadata.
	s.pendingMu.Lock()
	if err := s.nvme.SubmitWrite(ctx, batch); err != nil {
		s.pendingMu.Unlock()
		s.pool.Release(buf.Handle)
		s.dropped.Add(1)
		return err
	}
	s.pending[batch.Seq] = pendingWrite{session: session, startMs: startMs, endMs: endMs}
	s.pendingMu.Unlock()

	s.ingested.Add(1)
	s.ingestedBytes.Add(int64(len(data)))
	return nil
}

// Enqueue queues out-of-band data on the pipeline.
func (s *Service) Enqueue(data []byte, class types.StorageClass, priority types.Priority) error {
	if s.quotaExceeded(int64(len(data))) {
		s.quotaRejected.Add(1)
		return errors.Wrapf(errors.ErrQuotaExceeded, "%d bytes", len(data))
	}
	return s.pipe.Enqueue(data, class, priority)
}

// EmergencySave persists an index snapshot and returns its token.
// Concurrent saves coalesce into one snapshot.
func (s *Service) EmergencySave(ctx context.Context) (string, error) {
	token, err := s.idx.Snapshot(ctx)
	if err != nil {
		return "", errors.Wrap(err, "emergency save")
	}
	s.emergencySaves.Add(1)
	return token, nil
}

// RecoverIndex restores the index from a snapshot token.
func (s *Service) RecoverIndex(token string) error {
	return s.idx.Recover(token)
}

// DeleteSession securely deletes every extent of a capture session.
func (s *Service) DeleteSession(id uuid.UUID) (int, error) {
	return s.life.DeleteSession(id)
}

// DeletionRecords returns the completed deletion audit records.
func (s *Service) DeletionRecords() ([]types.DeletionRecord, error) {
	return s.life.Records()
}

// SetOverlay enters or leaves an overlay state on the cascade.
func (s *Service) SetOverlay(o types.Overlay) {
	s.cascade.SetOverlay(o)
}

// State returns the cascade's system state.
func (s *Service) State() types.SystemState {
	return s.cascade.State()
}

// History returns the retained pressure state transitions.
func (s *Service) History() []types.StateTransition {
	return s.cascade.History()
}

// QueryMetrics queries the telemetry archive.
func (s *Service) QueryMetrics(ctx context.Context, q query.MetricQuery) ([]telemetry.Metric, error) {
	return s.query.QueryMetrics(ctx, q)
}

// AggregateMetrics summarizes archived metric series.
func (s *Service) AggregateMetrics(ctx context.Context, q query.MetricQuery) ([]query.AggregateResult, error) {
	return s.query.Aggregate(ctx, q)
}

// ApplyConfigUpdate applies a validated runtime configuration change.
// All-or-nothing: a rejected update leaves the active configuration and
// every component untouched.
func (s *Service) ApplyConfigUpdate(u *config.Update) error {
	if u.Empty() {
		return nil
	}

	s.mu.Lock()
	next, err := s.cfg.Apply(u)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.cfg = next
	s.mu.Unlock()

	s.life.SetPolicy(types.RetentionPolicy{Name: "retention", Window: next.Retention.Window})
	s.cascade.UpdateThresholds(
		next.Pressure.EscalationThreshold,
		next.Pressure.RecoveryThreshold,
		next.Pressure.HoldTimeTicks,
	)

	s.logger.Info("config update applied",
		"quota_bytes", next.QuotaBytes,
		"retention_window", next.Retention.Window,
	)
	return nil
}

// Config returns a copy of the active configuration.
func (s *Service) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Clone()
}

// ReduceRate implements pressure.RateController by shrinking the pool's
// allocation ceiling, which throttles the capture producer at the
// allocation boundary.
func (s *Service) ReduceRate(factor float64) {
	n := int(float64(s.pool.Capacity()) * factor)
	s.pool.SetCeiling(n)
	s.logger.Warn("capture rate reduced", "factor", factor, "ceiling", n)
}

// ResumeNormalRate implements pressure.RateController.
func (s *Service) ResumeNormalRate() {
	s.pool.SetCeiling(s.pool.Capacity())
	s.logger.Info("capture rate restored")
}

// PressureStateChanged implements pressure.ControlNotifier. Runs on the
// cascade goroutine; the emergency save moves off it because snapshot
// writes block.
func (s *Service) PressureStateChanged(tr types.StateTransition, actions []pressure.Action) {
	for _, a := range actions {
		switch a {
		case pressure.ActionDropNonCritical:
			s.pipe.SuspendNonCritical()
		case pressure.ActionResumeNormal:
			s.pipe.ResumeAll()
		case pressure.ActionEmergencySave:
			go func() {
				if _, err := s.EmergencySave(context.Background()); err != nil {
					s.logger.Error("emergency save", "error", err)
				}
			}()
		}
	}
}

// deviceSink submits a compressed pipeline batch to the device write path.
// The payload is pipeline-owned memory, so the handle list stays empty and
// the completion produces no index entry.
func (s *Service) deviceSink() pipeline.Sink {
	return pipeline.SinkFunc(func(ctx context.Context, b pipeline.Batch) error {
		batch := &types.WriteBatch{
			Payloads: [][]byte{b.Compressed},
		}
		return s.nvme.SubmitWrite(ctx, batch)
	})
}

// indexSink applies index-class batches: each entry is a JSON-encoded
// index entry appended to the index manager.
func (s *Service) indexSink() pipeline.Sink {
	return pipeline.SinkFunc(func(ctx context.Context, b pipeline.Batch) error {
		entries, err := pipeline.DecodeBatch(b)
		if err != nil {
			return err
		}
		for _, data := range entries {
			var e types.IndexEntry
			if err := json.Unmarshal(data, &e); err != nil {
				return errors.Wrap(errors.ErrCorruptRecord, err.Error())
			}
			if err := s.idx.Append(e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) quotaExceeded(add int64) bool {
	s.mu.Lock()
	quota := s.cfg.QuotaBytes
	s.mu.Unlock()
	if quota <= 0 {
		return false
	}

	var used int64
	for _, d := range s.nvme.Stats().Devices {
		used += d.Space.UsedBytes
	}
	return used+add > quota
}

func (s *Service) completionLoop(ctx context.Context) error {
	ticker := time.NewTicker(completionPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.processCompletions()
			return nil
		case <-ticker.C:
			s.processCompletions()
		}
	}
}

// processCompletions turns successful packet completions into index
// entries. Completions without pending metadata belong to pipeline-owned
// batches and only need error accounting.
func (s *Service) processCompletions() {
	comps := s.nvme.PollCompletions()
	if len(comps) == 0 {
		return
	}

	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	for _, c := range comps {
		meta, ok := s.pending[c.Seq]
		if ok {
			delete(s.pending, c.Seq)
		}

		if c.Err != nil {
			s.dropped.Add(1)
			s.logger.Error("batch failed",
				"seq", c.Seq,
				"device", c.Device,
				"error", c.Err,
			)
			continue
		}
		if !ok {
			continue
		}

		e := types.IndexEntry{
			SessionID:   meta.session,
			StartMs:     meta.startMs,
			EndMs:       meta.endMs,
			Device:      c.Device,
			Offset:      c.Offset,
			Length:      c.Length,
			BatchSeq:    c.Seq,
			CreatedAtMs: time.Now().UnixMilli(),
		}
		if err := s.idx.Append(e); err != nil {
			s.dropped.Add(1)
			s.logger.Error("index append", "seq", c.Seq, "error", err)
		}
	}
}

func (s *Service) telemetryLoop(ctx context.Context) error {
	s.mu.Lock()
	interval := s.cfg.Telemetry.Interval
	s.mu.Unlock()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.emitTelemetry()
		}
	}
}

// emitTelemetry samples component statistics and fans them out to the sink
// and the telemetry storage class. A full telemetry queue drops the sample.
func (s *Service) emitTelemetry() {
	ps := s.pool.Stats()
	ns := s.nvme.Stats()
	pls := s.pipe.Stats()

	metrics := []telemetry.Metric{
		telemetry.New("pool", "utilization", ps.Utilization, "ratio"),
		telemetry.New("pool", "ceiling", float64(ps.Ceiling), "slots"),
		telemetry.New("nvme", "depth", ns.Depth, "ratio"),
		telemetry.New("nvme", "bytes_written", float64(ns.BytesWritten), "bytes"),
		telemetry.New("pipeline", "batches", float64(pls.Batches), "count"),
		telemetry.New("pipeline", "rejected", float64(pls.Rejected), "count"),
		telemetry.New("storage", "state", float64(s.cascade.State()), "state"),
	}

	for _, m := range metrics {
		s.sink.Emit(m)
		data, err := json.Marshal(m)
		if err != nil {
			continue
		}
		if err := s.pipe.Enqueue(data, types.ClassTelemetry, types.PriorityLow); err != nil {
			if !errors.Is(err, errors.ErrQueueFull) && !errors.Is(err, errors.ErrNotRunning) {
				s.logger.Warn("enqueue telemetry", "error", err)
			}
		}
	}
}

func (s *Service) healthLoop(ctx context.Context) error {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.nvme.HealthCheckAll()
		}
	}
}

// Stats returns aggregated service statistics.
func (s *Service) Stats() Stats {
	return Stats{
		State:          s.cascade.State(),
		Overlay:        s.cascade.Overlay(),
		Ingested:       s.ingested.Load(),
		IngestedBytes:  s.ingestedBytes.Load(),
		Dropped:        s.dropped.Load(),
		QuotaRejected:  s.quotaRejected.Load(),
		EmergencySaves: s.emergencySaves.Load(),
		Pool:           s.pool.Stats(),
		NVMe:           s.nvme.Stats(),
		Pipeline:       s.pipe.Stats(),
		Index:          s.idx.Stats(),
		Lifecycle:      s.life.Stats(),
		Cascade:        s.cascade.Stats(),
	}
}
