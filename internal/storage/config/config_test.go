package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/capstore/internal/errors"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
data_dir: /tmp/capstore-test
pool:
  slots: 512
  slot_size: 8192
  zero_on_release: true
  watermarks:
    low: 0.50
    high: 0.65
    critical: 0.80
devices:
  - name: nvme0
    max_depth: 128
    capacity_bytes: 1073741824
retention:
  window: 48h
quota_bytes: 536870912
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Pool.Slots != 512 || cfg.Pool.SlotSize != 8192 {
		t.Errorf("pool overrides not applied: %+v", cfg.Pool)
	}
	if !cfg.Pool.ZeroOnRelease {
		t.Error("zero_on_release not applied")
	}
	if cfg.Retention.Window != 48*time.Hour {
		t.Errorf("retention window not applied: %v", cfg.Retention.Window)
	}
	if cfg.QuotaBytes != 536870912 {
		t.Errorf("quota not applied: %d", cfg.QuotaBytes)
	}
	// Unset sections keep defaults.
	if cfg.Pressure.EscalationThreshold != DefaultConfig().Pressure.EscalationThreshold {
		t.Errorf("pressure defaults lost: %+v", cfg.Pressure)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
data_dir: /tmp/capstore-test
pressure:
  escalation_threshold: 0.50
  recovery_threshold: 0.60
`
	os.WriteFile(path, []byte(doc), 0644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected inverted hysteresis thresholds to be rejected")
	}
}

func TestValidateThresholdOrdering(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			"recovery at escalation",
			func(c *Config) { c.Pressure.RecoveryThreshold = c.Pressure.EscalationThreshold },
			"recovery_threshold must be < escalation_threshold",
		},
		{
			"escalation above secondary",
			func(c *Config) { c.Pressure.EscalationThreshold = 0.99 },
			"escalation_threshold must be < secondary_threshold",
		},
		{
			"pool low above high",
			func(c *Config) { c.Pool.Watermarks.Low = 0.95 },
			"watermarks.low must be < watermarks.high",
		},
		{
			"depth recovery above elevated",
			func(c *Config) { c.NVMe.DepthRecovery = 0.90 },
			"depth_recovery must be < depth_elevated",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected %q in error, got %v", tc.want, err)
			}
		})
	}
}

func TestValidateDuplicateDeviceNames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Devices = append(cfg.Devices, cfg.Devices[0])

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicate name") {
		t.Fatalf("expected duplicate device name error, got %v", err)
	}
}

func TestEnsureDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}

	for _, dir := range []string{cfg.IndexDir(), cfg.SnapshotDir(), cfg.AuditDir(), cfg.ArchiveDir()} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("directory %s not created: %v", dir, err)
		}
	}
}

func TestDevicePathDefaultsToDataDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/data"

	d := &DeviceConfig{Name: "nvme3"}
	if got := cfg.DevicePath(d); got != "/data/nvme3.dat" {
		t.Errorf("expected /data/nvme3.dat, got %s", got)
	}

	d.Path = "/mnt/raw/nvme3"
	if got := cfg.DevicePath(d); got != "/mnt/raw/nvme3" {
		t.Errorf("explicit path not honored: %s", got)
	}
}

func TestApplyRejectsInvalidUpdateWithoutMutation(t *testing.T) {
	cfg := DefaultConfig()
	before := cfg.Clone()

	quota := int64(1 << 30)
	badWindow := -time.Hour
	next, err := cfg.Apply(&Update{
		QuotaBytes:      &quota,
		RetentionWindow: &badWindow,
	})
	if !errors.Is(err, errors.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if next != nil {
		t.Fatal("rejected update must not return a config")
	}

	// The quota field was valid on its own; it must not have leaked in.
	if cfg.QuotaBytes != before.QuotaBytes {
		t.Errorf("partial mutation: quota changed to %d", cfg.QuotaBytes)
	}
	if cfg.Retention.Window != before.Retention.Window {
		t.Errorf("partial mutation: window changed to %v", cfg.Retention.Window)
	}
}

func TestApplyValidUpdate(t *testing.T) {
	cfg := DefaultConfig()

	quota := int64(1 << 30)
	window := 12 * time.Hour
	escalation := 0.80
	recovery := 0.50
	ticks := 8
	next, err := cfg.Apply(&Update{
		QuotaBytes:          &quota,
		RetentionWindow:     &window,
		EscalationThreshold: &escalation,
		RecoveryThreshold:   &recovery,
		HoldTimeTicks:       &ticks,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if next.QuotaBytes != quota {
		t.Errorf("quota: got %d", next.QuotaBytes)
	}
	if next.Retention.Window != window {
		t.Errorf("window: got %v", next.Retention.Window)
	}
	if next.Pressure.EscalationThreshold != escalation || next.Pressure.RecoveryThreshold != recovery {
		t.Errorf("thresholds: got %+v", next.Pressure)
	}
	if next.Pressure.HoldTimeTicks != ticks {
		t.Errorf("hold time: got %d", next.Pressure.HoldTimeTicks)
	}

	// The receiver stays at its old values.
	if cfg.QuotaBytes == quota {
		t.Error("apply mutated the receiver")
	}
}

func TestApplyEmptyUpdate(t *testing.T) {
	cfg := DefaultConfig()

	u := &Update{}
	if !u.Empty() {
		t.Error("zero update should report empty")
	}

	next, err := cfg.Apply(u)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next.QuotaBytes != cfg.QuotaBytes || next.Retention.Window != cfg.Retention.Window {
		t.Error("empty update changed fields")
	}
}
