// Package config provides configuration defaults and utilities
// for the capstore daemon.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml.
package config

import "time"

// =============================================================================
// Buffer Pool Defaults
// =============================================================================

const (
	// DefaultPoolSlots is the number of fixed-size slots in the DMA arena.
	// Override via config: pool.slots
	DefaultPoolSlots = 4096

	// DefaultSlotSize is the size of each arena slot. Sized for a full
	// jumbo frame plus capture headers.
	// Override via config: pool.slot_size
	DefaultSlotSize = 16 * 1024

	// DefaultZeroOnRelease controls whether slot payloads are zeroed when
	// returned to the free list. Disable only on trusted single-tenant
	// deployments.
	// Override via config: pool.zero_on_release
	DefaultZeroOnRelease = true

	// DefaultWatermarkLow and friends are the pool utilization watermarks
	// that produce memory pressure signals.
	// Override via config: pool.watermarks.{low,high,critical}
	DefaultWatermarkLow      = 0.60
	DefaultWatermarkHigh     = 0.70
	DefaultWatermarkCritical = 0.85
)

// =============================================================================
// NVMe Defaults
// =============================================================================

const (
	// DefaultQueueDepth is the maximum number of in-flight writes per
	// device queue pair.
	// Override via config: devices[].max_depth
	DefaultQueueDepth = 128

	// DefaultRetryLimit bounds the submit retry/recovery procedure before
	// a device is marked degraded.
	// Override via config: nvme.retry_limit
	DefaultRetryLimit = 3

	// Queue depth thresholds for storage pressure signals.
	// Depth above DepthElevated emits an elevated signal, above
	// DepthCritical a critical signal; depth below DepthRecovery emits
	// the recovery (normal) signal. Recovery is deliberately lower than
	// escalation to prevent flapping.
	DefaultDepthElevated = 0.70
	DefaultDepthCritical = 0.85
	DefaultDepthRecovery = 0.60
)

// =============================================================================
// Pipeline Defaults
// =============================================================================

const (
	// DefaultClassQueueDepth is the per-storage-class queue capacity.
	// Override via config: pipeline.queue_depth
	DefaultClassQueueDepth = 1024

	// DefaultBatchSize is the number of entries collected into one
	// compressed batch.
	// Override via config: pipeline.batch_size
	DefaultBatchSize = 64

	// DefaultFlushInterval bounds how long a partial batch may wait.
	// Override via config: pipeline.flush_interval
	DefaultFlushInterval = 250 * time.Millisecond

	// DefaultCompressionLevel is the zstd level for pipeline batches.
	// Override via config: pipeline.compression_level
	DefaultCompressionLevel = 3

	// Pipeline occupancy thresholds for pipeline pressure signals.
	DefaultOccupancyElevated = 0.70
	DefaultOccupancyCritical = 0.85
	DefaultOccupancyRecovery = 0.50
)

// =============================================================================
// Pressure Cascade Defaults
// =============================================================================

const (
	// DefaultEscalationThreshold is the utilization at which sustained
	// pressure escalates. Override via config: pressure.escalation_threshold
	DefaultEscalationThreshold = 0.85

	// DefaultSecondaryThreshold is the higher utilization at which a
	// critical signal escalates PRESSURE to DEGRADED immediately.
	// Override via config: pressure.secondary_threshold
	DefaultSecondaryThreshold = 0.95

	// DefaultRecoveryThreshold is the utilization below which the cascade
	// recovers. Always strictly below the escalation threshold.
	// Override via config: pressure.recovery_threshold
	DefaultRecoveryThreshold = 0.60

	// DefaultHoldTimeTicks is the number of consecutive evaluation ticks
	// pressure must persist before PRESSURE escalates to DEGRADED. The
	// upstream documentation only says "sustained", so this is
	// configurable rather than hardcoded.
	// Override via config: pressure.hold_time_ticks
	DefaultHoldTimeTicks = 5

	// DefaultTickInterval is the cascade evaluation interval.
	// Override via config: pressure.tick_interval
	DefaultTickInterval = time.Second

	// DefaultReduceRateFactor is the ingestion rate factor requested on
	// entering PRESSURE.
	DefaultReduceRateFactor = 0.5

	// DefaultTransitionHistory is the number of retained state transitions.
	DefaultTransitionHistory = 64
)

// =============================================================================
// Index / Lifecycle Defaults
// =============================================================================

const (
	// DefaultIndexQuota is the maximum number of live index entries.
	// Override via config: index.quota
	DefaultIndexQuota = 1 << 20

	// DefaultRetentionWindow is how long captured data is kept.
	// Override via config: retention.window
	DefaultRetentionWindow = 7 * 24 * time.Hour

	// DefaultRetentionInterval is how often the retention scan runs.
	// Override via config: retention.interval
	DefaultRetentionInterval = time.Hour
)

// =============================================================================
// Shutdown / Telemetry Defaults
// =============================================================================

const (
	// DefaultDrainWindow bounds how long shutdown waits for in-flight
	// operations before aborting them.
	// Override via config: drain_window
	DefaultDrainWindow = 10 * time.Second

	// DefaultTelemetryInterval is the metric emission interval.
	// Override via config: telemetry.interval
	DefaultTelemetryInterval = 10 * time.Second
)
