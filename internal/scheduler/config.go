// Package scheduler dispatches the units of a submission to local worker
// processes through a bounded pool.
package scheduler

// Config defines the scheduler configuration.
type Config struct {
	// GlobalMax is the maximum number of concurrent workers across all connectors.
	GlobalMax int `yaml:"global_max"`
	// ByConnector defines per-connector concurrency limits.
	ByConnector map[string]int `yaml:"by_connector"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		GlobalMax: 4,
		ByConnector: map[string]int{
			"localexec": 4,
		},
	}
}

// GetConnectorLimit returns the concurrency limit for a connector, never
// more than GlobalMax.
func (c *Config) GetConnectorLimit(connectorName string) int {
	limit, ok := c.ByConnector[connectorName]
	if !ok {
		limit = c.GlobalMax
	}
	if limit > c.GlobalMax {
		limit = c.GlobalMax
	}
	if limit < 1 {
		return 1
	}
	return limit
}
