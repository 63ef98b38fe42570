package model

import "time"

// ChainConfig is the static, operator-supplied description of one chain:
// where to fetch its registry, and where its routes are mounted.
type ChainConfig struct {
	Key           string
	DisplayName   string
	RegistryURL   string
	BasePrefix    string
	ArchivePrefix string

	PollInterval   time.Duration
	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
	SyncThreshold  int64
	ProbeWebSocket bool

	RequestTimeout time.Duration
	RetryAttempts  int
	RetryDelayBase time.Duration
}

// DefaultChainConfig fills in the spec's defaults for any zero-valued
// fields; Key, DisplayName, RegistryURL, BasePrefix, ArchivePrefix are
// operator-required and left untouched.
func DefaultChainConfig(c ChainConfig) ChainConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Minute
	}
	if c.PollInterval < time.Minute {
		c.PollInterval = time.Minute
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.SyncThreshold <= 0 {
		c.SyncThreshold = 50
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelayBase <= 0 {
		c.RetryDelayBase = time.Second
	}
	return c
}
