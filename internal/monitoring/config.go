// Package monitoring watches the host and the run history: a resource guard
// consulted between windows, a metrics collector over stored runs and a
// webhook alerter.
package monitoring

// Config holds the guard thresholds and alerting settings.
type Config struct {
	// StopFile halts a run at the next window boundary when it exists.
	StopFile string `mapstructure:"stop_file" yaml:"stop_file"`
	// MemoryWarnPercent and MemoryStopPercent are host memory usage
	// thresholds. Zero disables the check.
	MemoryWarnPercent float64 `mapstructure:"memory_warn_percent" yaml:"memory_warn_percent"`
	MemoryStopPercent float64 `mapstructure:"memory_stop_percent" yaml:"memory_stop_percent"`

	WebhookURL           string  `mapstructure:"webhook_url" yaml:"webhook_url"`
	FailureRateThreshold float64 `mapstructure:"failure_rate_threshold" yaml:"failure_rate_threshold"`
	DeferredThreshold    int     `mapstructure:"deferred_threshold" yaml:"deferred_threshold"`
	LookbackWindowHours  int     `mapstructure:"lookback_window_hours" yaml:"lookback_window_hours"`
}

// DefaultConfig returns the thresholds used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		StopFile:             "EMERGENCY_STOP",
		MemoryWarnPercent:    85,
		MemoryStopPercent:    95,
		FailureRateThreshold: 0.5,
		DeferredThreshold:    10,
		LookbackWindowHours:  168,
	}
}
