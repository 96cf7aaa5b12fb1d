package indexing

import (
	"time"

	"github.com/dreamware/shardwrite/internal/jobs"
)

// Config controls a bulk write. It is read once when the executor is built.
type Config struct {
	// BulkActions is the number of items after which a shard's batch is sent.
	BulkActions int
	// Timeout bounds each shard request attempt.
	Timeout time.Duration
	// ContinueOnErrors records row and item failures instead of failing the
	// write on the first one.
	ContinueOnErrors bool
	// AutoCreateIndices creates missing indices (partitions) on first use.
	AutoCreateIndices bool
	// IgnoreDuplicateKeys skips rows whose id exists instead of updating or
	// failing them.
	IgnoreDuplicateKeys bool
	// MaxConcurrentRequestsPerNode is the in-flight ceiling per node.
	MaxConcurrentRequestsPerNode int

	// RetryAttempts is the number of attempts per shard request; 1 disables
	// retries.
	RetryAttempts int
	// RetryBackoff is the delay before the second attempt; it grows linearly.
	RetryBackoff time.Duration
	// RetryPerSecond paces retries across all requests; 0 means unpaced.
	RetryPerSecond float64

	// IndexCreateTimeout bounds a single index creation.
	IndexCreateTimeout time.Duration
}

// DefaultConfig returns the default write configuration.
func DefaultConfig() Config {
	return Config{
		BulkActions:                  10000,
		Timeout:                      60 * time.Second,
		ContinueOnErrors:             true,
		AutoCreateIndices:            true,
		IgnoreDuplicateKeys:          false,
		MaxConcurrentRequestsPerNode: jobs.DefaultMaxPerNode,
		RetryAttempts:                1,
		RetryBackoff:                 100 * time.Millisecond,
		IndexCreateTimeout:           30 * time.Second,
	}
}

// validate replaces out-of-range values with defaults.
func (c *Config) validate() {
	d := DefaultConfig()
	if c.BulkActions <= 0 {
		c.BulkActions = d.BulkActions
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxConcurrentRequestsPerNode <= 0 {
		c.MaxConcurrentRequestsPerNode = d.MaxConcurrentRequestsPerNode
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 1
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if c.RetryPerSecond < 0 {
		c.RetryPerSecond = 0
	}
	if c.IndexCreateTimeout <= 0 {
		c.IndexCreateTimeout = d.IndexCreateTimeout
	}
}
