package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	if err := c.Pool.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pool: %w", err))
	}

	if err := c.NVMe.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("nvme: %w", err))
	}

	if len(c.Devices) == 0 {
		errs = append(errs, errors.New("at least one device is required"))
	}
	seen := make(map[string]bool)
	for i := range c.Devices {
		if err := c.Devices[i].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("devices[%d]: %w", i, err))
		}
		if seen[c.Devices[i].Name] {
			errs = append(errs, fmt.Errorf("devices[%d]: duplicate name %q", i, c.Devices[i].Name))
		}
		seen[c.Devices[i].Name] = true
	}

	if err := c.Pipeline.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}

	if err := c.Index.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("index: %w", err))
	}

	if err := c.Retention.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retention: %w", err))
	}

	if err := c.Pressure.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pressure: %w", err))
	}

	if c.QuotaBytes < 0 {
		errs = append(errs, errors.New("quota_bytes must be non-negative"))
	}

	if err := c.Query.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("query: %w", err))
	}

	if c.DrainWindow <= 0 {
		errs = append(errs, errors.New("drain_window must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the pool configuration.
func (c *PoolConfig) Validate() error {
	var errs []error

	if c.Slots <= 0 {
		errs = append(errs, errors.New("slots must be positive"))
	}
	if c.SlotSize <= 0 {
		errs = append(errs, errors.New("slot_size must be positive"))
	}

	w := c.Watermarks
	if w.Low <= 0 || w.Low >= 1 {
		errs = append(errs, errors.New("watermarks.low must be between 0 and 1"))
	}
	if w.High <= 0 || w.High >= 1 {
		errs = append(errs, errors.New("watermarks.high must be between 0 and 1"))
	}
	if w.Critical <= 0 || w.Critical >= 1 {
		errs = append(errs, errors.New("watermarks.critical must be between 0 and 1"))
	}
	if w.Low >= w.High {
		errs = append(errs, errors.New("watermarks.low must be < watermarks.high"))
	}
	if w.High >= w.Critical {
		errs = append(errs, errors.New("watermarks.high must be < watermarks.critical"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the NVMe configuration.
func (c *NVMeConfig) Validate() error {
	var errs []error

	if c.RetryLimit < 0 {
		errs = append(errs, errors.New("retry_limit must be non-negative"))
	}
	if c.DepthElevated <= 0 || c.DepthElevated >= 1 {
		errs = append(errs, errors.New("depth_elevated must be between 0 and 1"))
	}
	if c.DepthCritical <= 0 || c.DepthCritical >= 1 {
		errs = append(errs, errors.New("depth_critical must be between 0 and 1"))
	}
	if c.DepthRecovery <= 0 || c.DepthRecovery >= 1 {
		errs = append(errs, errors.New("depth_recovery must be between 0 and 1"))
	}
	if c.DepthElevated >= c.DepthCritical {
		errs = append(errs, errors.New("depth_elevated must be < depth_critical"))
	}
	if c.DepthRecovery >= c.DepthElevated {
		errs = append(errs, errors.New("depth_recovery must be < depth_elevated"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks a device configuration.
func (c *DeviceConfig) Validate() error {
	var errs []error

	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if c.MaxDepth <= 0 {
		errs = append(errs, errors.New("max_depth must be positive"))
	}
	if c.CapacityBytes <= 0 {
		errs = append(errs, errors.New("capacity_bytes must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the pipeline configuration.
func (c *PipelineConfig) Validate() error {
	var errs []error

	if c.QueueDepth <= 0 {
		errs = append(errs, errors.New("queue_depth must be positive"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("batch_size must be positive"))
	}
	if c.FlushInterval <= 0 {
		errs = append(errs, errors.New("flush_interval must be positive"))
	}
	if c.CompressionLevel < 1 || c.CompressionLevel > 22 {
		errs = append(errs, errors.New("compression_level must be between 1 and 22"))
	}
	if c.OccupancyElevated >= c.OccupancyCritical {
		errs = append(errs, errors.New("occupancy_elevated must be < occupancy_critical"))
	}
	if c.OccupancyRecovery >= c.OccupancyElevated {
		errs = append(errs, errors.New("occupancy_recovery must be < occupancy_elevated"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the index configuration.
func (c *IndexConfig) Validate() error {
	if c.Quota <= 0 {
		return errors.New("quota must be positive")
	}
	return nil
}

// Validate checks the retention configuration.
func (c *RetentionConfig) Validate() error {
	var errs []error

	if c.Window <= 0 {
		errs = append(errs, errors.New("window must be positive"))
	}
	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the pressure configuration. The hysteresis invariant
// (recovery strictly below escalation) is enforced here so an update can
// never produce a flapping cascade.
func (c *PressureConfig) Validate() error {
	var errs []error

	if c.EscalationThreshold <= 0 || c.EscalationThreshold >= 1 {
		errs = append(errs, errors.New("escalation_threshold must be between 0 and 1"))
	}
	if c.SecondaryThreshold <= 0 || c.SecondaryThreshold >= 1 {
		errs = append(errs, errors.New("secondary_threshold must be between 0 and 1"))
	}
	if c.RecoveryThreshold <= 0 || c.RecoveryThreshold >= 1 {
		errs = append(errs, errors.New("recovery_threshold must be between 0 and 1"))
	}
	if c.RecoveryThreshold >= c.EscalationThreshold {
		errs = append(errs, errors.New("recovery_threshold must be < escalation_threshold"))
	}
	if c.EscalationThreshold >= c.SecondaryThreshold {
		errs = append(errs, errors.New("escalation_threshold must be < secondary_threshold"))
	}
	if c.HoldTimeTicks <= 0 {
		errs = append(errs, errors.New("hold_time_ticks must be positive"))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("tick_interval must be positive"))
	}
	if c.ReduceRateFactor <= 0 || c.ReduceRateFactor >= 1 {
		errs = append(errs, errors.New("reduce_rate_factor must be between 0 and 1"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the query configuration.
func (c *QueryConfig) Validate() error {
	var errs []error

	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if c.MaxRows <= 0 {
		errs = append(errs, errors.New("max_rows must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.IndexDir(),
		c.SnapshotDir(),
		c.AuditDir(),
		c.ArchiveDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// IndexDir returns the index journal directory.
func (c *Config) IndexDir() string {
	if c.Index.Dir != "" {
		return c.Index.Dir
	}
	return filepath.Join(c.DataDir, "index")
}

// SnapshotDir returns the snapshot directory.
func (c *Config) SnapshotDir() string {
	if c.Index.SnapshotDir != "" {
		return c.Index.SnapshotDir
	}
	return filepath.Join(c.DataDir, "snapshots")
}

// AuditDir returns the audit journal directory.
func (c *Config) AuditDir() string {
	if c.Retention.AuditDir != "" {
		return c.Retention.AuditDir
	}
	return filepath.Join(c.DataDir, "audit")
}

// ArchiveDir returns the telemetry archive directory.
func (c *Config) ArchiveDir() string {
	return filepath.Join(c.DataDir, "archive")
}

// DevicePath returns the backing path for a device.
func (c *Config) DevicePath(d *DeviceConfig) string {
	if d.Path != "" {
		return d.Path
	}
	return filepath.Join(c.DataDir, d.Name+".dat")
}
