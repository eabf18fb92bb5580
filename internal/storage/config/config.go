package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/capstore/config"
)

// Config represents the complete storage configuration.
type Config struct {
	// DataDir is the root directory for all storage files.
	DataDir string `yaml:"data_dir"`

	// Pool configures the DMA buffer pool.
	Pool PoolConfig `yaml:"pool"`

	// NVMe configures the device write path.
	NVMe NVMeConfig `yaml:"nvme"`

	// Devices lists the NVMe devices backing the store.
	Devices []DeviceConfig `yaml:"devices"`

	// Pipeline configures the non-critical-path writer.
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Index configures the state and index manager.
	Index IndexConfig `yaml:"index"`

	// Retention configures the lifecycle manager.
	Retention RetentionConfig `yaml:"retention"`

	// Pressure configures the pressure cascade.
	Pressure PressureConfig `yaml:"pressure"`

	// Quota bounds total stored bytes across all devices.
	QuotaBytes int64 `yaml:"quota_bytes"`

	// Telemetry configures metric emission.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Query configures the DuckDB query service.
	Query QueryConfig `yaml:"query"`

	// DrainWindow bounds the shutdown drain.
	DrainWindow time.Duration `yaml:"drain_window"`
}

// PoolConfig configures the DMA buffer pool.
type PoolConfig struct {
	// Slots is the number of fixed-size slots in the arena.
	Slots int `yaml:"slots"`

	// SlotSize is the size of each slot in bytes.
	SlotSize int `yaml:"slot_size"`

	// ZeroOnRelease zeroes slot payloads when returned to the free list.
	ZeroOnRelease bool `yaml:"zero_on_release"`

	// Watermarks are the utilization thresholds for memory pressure.
	Watermarks WatermarkConfig `yaml:"watermarks"`
}

// WatermarkConfig defines pool utilization watermarks.
type WatermarkConfig struct {
	// Low is the recovery watermark (0.0-1.0).
	Low float64 `yaml:"low"`

	// High emits an elevated memory signal when crossed.
	High float64 `yaml:"high"`

	// Critical emits a critical memory signal when crossed.
	Critical float64 `yaml:"critical"`
}

// NVMeConfig configures the device write path.
type NVMeConfig struct {
	// RetryLimit bounds submit retries before a device is degraded.
	RetryLimit int `yaml:"retry_limit"`

	// DepthElevated, DepthCritical and DepthRecovery are queue depth
	// thresholds for storage pressure signals.
	DepthElevated float64 `yaml:"depth_elevated"`
	DepthCritical float64 `yaml:"depth_critical"`
	DepthRecovery float64 `yaml:"depth_recovery"`
}

// DeviceConfig describes one NVMe device.
type DeviceConfig struct {
	// Name is the device identifier (e.g., "nvme0").
	Name string `yaml:"name"`

	// Path is the backing file or block device path. Defaults to
	// {DataDir}/{Name}.dat.
	Path string `yaml:"path"`

	// MaxDepth is the queue pair depth.
	MaxDepth int `yaml:"max_depth"`

	// CapacityBytes is the usable capacity of the device.
	CapacityBytes int64 `yaml:"capacity_bytes"`
}

// PipelineConfig configures the I/O pipeline.
type PipelineConfig struct {
	// QueueDepth is the per-storage-class queue capacity.
	QueueDepth int `yaml:"queue_depth"`

	// BatchSize is the number of entries per compressed batch.
	BatchSize int `yaml:"batch_size"`

	// FlushInterval bounds how long a partial batch may wait.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// CompressionLevel is the zstd level (1-22).
	CompressionLevel int `yaml:"compression_level"`

	// Occupancy thresholds for pipeline pressure signals.
	OccupancyElevated float64 `yaml:"occupancy_elevated"`
	OccupancyCritical float64 `yaml:"occupancy_critical"`
	OccupancyRecovery float64 `yaml:"occupancy_recovery"`
}

// IndexConfig configures the state and index manager.
type IndexConfig struct {
	// Dir is the index journal directory. Defaults to {DataDir}/index.
	Dir string `yaml:"dir"`

	// SnapshotDir is the snapshot directory. Defaults to
	// {DataDir}/snapshots.
	SnapshotDir string `yaml:"snapshot_dir"`

	// Quota is the maximum number of live entries.
	Quota int `yaml:"quota"`
}

// RetentionConfig configures the lifecycle manager.
type RetentionConfig struct {
	// Window is the maximum age of stored data.
	Window time.Duration `yaml:"window"`

	// Interval is how often the retention scan runs.
	Interval time.Duration `yaml:"interval"`

	// AuditDir is the audit journal directory. Defaults to
	// {DataDir}/audit.
	AuditDir string `yaml:"audit_dir"`
}

// PressureConfig configures the pressure cascade.
type PressureConfig struct {
	// EscalationThreshold escalates sustained pressure (0.0-1.0).
	EscalationThreshold float64 `yaml:"escalation_threshold"`

	// SecondaryThreshold escalates PRESSURE to DEGRADED immediately on a
	// critical signal at or above it.
	SecondaryThreshold float64 `yaml:"secondary_threshold"`

	// RecoveryThreshold recovers the cascade. Must be strictly below the
	// escalation threshold (hysteresis).
	RecoveryThreshold float64 `yaml:"recovery_threshold"`

	// HoldTimeTicks is the number of consecutive ticks pressure must
	// persist before PRESSURE escalates to DEGRADED.
	HoldTimeTicks int `yaml:"hold_time_ticks"`

	// TickInterval is the evaluation loop interval.
	TickInterval time.Duration `yaml:"tick_interval"`

	// ReduceRateFactor is requested from the capture producer on
	// entering PRESSURE.
	ReduceRateFactor float64 `yaml:"reduce_rate_factor"`
}

// TelemetryConfig configures metric emission.
type TelemetryConfig struct {
	// Interval is the metric emission interval.
	Interval time.Duration `yaml:"interval"`
}

// QueryConfig configures the query service.
type QueryConfig struct {
	// MemoryLimit is the DuckDB memory limit.
	MemoryLimit string `yaml:"memory_limit"`

	// Timeout is the query timeout.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRows is the maximum number of rows returned.
	MaxRows int `yaml:"max_rows"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/capstore",
		Pool: PoolConfig{
			Slots:         config.DefaultPoolSlots,
			SlotSize:      config.DefaultSlotSize,
			ZeroOnRelease: config.DefaultZeroOnRelease,
			Watermarks: WatermarkConfig{
				Low:      config.DefaultWatermarkLow,
				High:     config.DefaultWatermarkHigh,
				Critical: config.DefaultWatermarkCritical,
			},
		},
		NVMe: NVMeConfig{
			RetryLimit:    config.DefaultRetryLimit,
			DepthElevated: config.DefaultDepthElevated,
			DepthCritical: config.DefaultDepthCritical,
			DepthRecovery: config.DefaultDepthRecovery,
		},
		Devices: []DeviceConfig{
			{Name: "nvme0", MaxDepth: config.DefaultQueueDepth, CapacityBytes: 1 << 40},
		},
		Pipeline: PipelineConfig{
			QueueDepth:        config.DefaultClassQueueDepth,
			BatchSize:         config.DefaultBatchSize,
			FlushInterval:     config.DefaultFlushInterval,
			CompressionLevel:  config.DefaultCompressionLevel,
			OccupancyElevated: config.DefaultOccupancyElevated,
			OccupancyCritical: config.DefaultOccupancyCritical,
			OccupancyRecovery: config.DefaultOccupancyRecovery,
		},
		Index: IndexConfig{
			Quota: config.DefaultIndexQuota,
		},
		Retention: RetentionConfig{
			Window:   config.DefaultRetentionWindow,
			Interval: config.DefaultRetentionInterval,
		},
		Pressure: PressureConfig{
			EscalationThreshold: config.DefaultEscalationThreshold,
			SecondaryThreshold:  config.DefaultSecondaryThreshold,
			RecoveryThreshold:   config.DefaultRecoveryThreshold,
			HoldTimeTicks:       config.DefaultHoldTimeTicks,
			TickInterval:        config.DefaultTickInterval,
			ReduceRateFactor:    config.DefaultReduceRateFactor,
		},
		QuotaBytes: 0, // unlimited unless set
		Telemetry: TelemetryConfig{
			Interval: config.DefaultTelemetryInterval,
		},
		Query: QueryConfig{
			MemoryLimit: "2GB",
			Timeout:     30 * time.Second,
			MaxRows:     1000000,
		},
		DrainWindow: config.DefaultDrainWindow,
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	out := *c
	out.Devices = make([]DeviceConfig, len(c.Devices))
	copy(out.Devices, c.Devices)
	return &out
}
