package registry

import "time"

// Config carries the registry's lifecycle tunables.
type Config struct {
	// LeaseTTL is how long a claim stays exclusive without heartbeats.
	LeaseTTL time.Duration
	// ReclaimInterval is the period of the lease-expiry checker.
	ReclaimInterval time.Duration
	// MaxReclaims bounds how many times a submission may bounce back to
	// PENDING after an expired claim before it is forced to FAILED. This
	// is an explicit policy knob, not a hidden constant.
	MaxReclaims int
	// CASRetries bounds how often a conditional update is retried after
	// losing to a concurrent writer.
	CASRetries int
}

var defaultConfig = Config{
	LeaseTTL:        90 * time.Second,
	ReclaimInterval: 5 * time.Second,
	MaxReclaims:     3,
	CASRetries:      8,
}.Adjust()

// Adjust validates the Config and fills defaults for unset fields.
func (c Config) Adjust() Config {
	adjusted := c
	if adjusted.LeaseTTL <= 0 {
		adjusted.LeaseTTL = 90 * time.Second
	}
	if adjusted.ReclaimInterval <= 0 {
		adjusted.ReclaimInterval = 5 * time.Second
	}
	// the checker must fire at least twice within one lease period, or an
	// expired claim could go a full extra lease unnoticed.
	if adjusted.ReclaimInterval > adjusted.LeaseTTL/2 {
		adjusted.ReclaimInterval = adjusted.LeaseTTL / 2
	}
	if adjusted.MaxReclaims <= 0 {
		adjusted.MaxReclaims = 3
	}
	if adjusted.CASRetries <= 0 {
		adjusted.CASRetries = 8
	}
	return adjusted
}

// DefaultConfig returns the adjusted default configuration.
func DefaultConfig() Config {
	return defaultConfig
}
