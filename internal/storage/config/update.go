package config

import (
	"time"

	"github.com/xtxerr/capstore/internal/errors"
)

// Update is a validated configuration change arriving from the external
// control collaborator. Nil fields are left unchanged. An update applies
// all-or-nothing: if any resulting field fails validation the whole update
// is rejected and the active configuration is untouched.
type Update struct {
	QuotaBytes          *int64         `yaml:"quota_bytes"`
	RetentionWindow     *time.Duration `yaml:"retention_window"`
	EscalationThreshold *float64       `yaml:"escalation_threshold"`
	RecoveryThreshold   *float64       `yaml:"recovery_threshold"`
	HoldTimeTicks       *int           `yaml:"hold_time_ticks"`
}

// Empty returns true if the update changes nothing.
func (u *Update) Empty() bool {
	return u.QuotaBytes == nil &&
		u.RetentionWindow == nil &&
		u.EscalationThreshold == nil &&
		u.RecoveryThreshold == nil &&
		u.HoldTimeTicks == nil
}

// Apply validates the update against the current configuration and returns
// the resulting configuration. The receiver is never mutated; on any
// validation failure the error wraps ErrInvalidConfig and the returned
// config is nil.
func (c *Config) Apply(u *Update) (*Config, error) {
	next := c.Clone()

	if u.QuotaBytes != nil {
		next.QuotaBytes = *u.QuotaBytes
	}
	if u.RetentionWindow != nil {
		next.Retention.Window = *u.RetentionWindow
	}
	if u.EscalationThreshold != nil {
		next.Pressure.EscalationThreshold = *u.EscalationThreshold
	}
	if u.RecoveryThreshold != nil {
		next.Pressure.RecoveryThreshold = *u.RecoveryThreshold
	}
	if u.HoldTimeTicks != nil {
		next.Pressure.HoldTimeTicks = *u.HoldTimeTicks
	}

	if err := next.Validate(); err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidConfig, "config update rejected: %v", err)
	}

	return next, nil
}
