package sync

import "time"

// Config holds the client-side synchronization timings. The observed product
// values are defaults; none of them is a protocol invariant.
type Config struct {
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	MismatchResetDelay time.Duration `yaml:"mismatch_reset_delay"`
	StuckStateTimeout  time.Duration `yaml:"stuck_state_timeout"`
	ResponseTimeout    time.Duration `yaml:"response_timeout"`
	GracePeriod        time.Duration `yaml:"grace_period"`
	// FailureThreshold is how many consecutive heartbeat failures flip the
	// local connection indicator to disconnected.
	FailureThreshold int `yaml:"failure_threshold"`
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:  3 * time.Second,
		MismatchResetDelay: 3 * time.Second,
		StuckStateTimeout:  30 * time.Second,
		ResponseTimeout:    45 * time.Second,
		GracePeriod:        15 * time.Second,
		FailureThreshold:   3,
	}
}
