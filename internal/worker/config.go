package worker

// Config holds configuration for a worker pool.
type Config struct {
	Name      string // used in logs
	QueueSize int    // pending tasks buffer (default: 100)
	Workers   int    // concurrent goroutines (default: 4)

	// CancelQueuedOnClose hands tasks still queued when Close is called an
	// already cancelled context instead of running them normally.
	CancelQueuedOnClose bool
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "worker"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}
