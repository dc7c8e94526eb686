package conduit

import (
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the options spec.md §6 says the connection subsystem
// consumes. It is TOML-loadable, the format katzenpost's own CLI
// configuration (catchat.conf, mailproxy's config) uses via
// github.com/BurntSushi/toml.
type Config struct {
	// MemberTimeout drives the TCP connect timeout, fixed at 6x this
	// value (spec §3, sender lifecycle) unless ConnectTimeoutOverride is
	// set.
	MemberTimeout time.Duration `toml:"member_timeout"`
	// ConnectTimeoutOverride, if non-zero, replaces the 6x-MemberTimeout
	// connect timeout outright (spec §3: "or a property override").
	ConnectTimeoutOverride time.Duration `toml:"connect_timeout_override"`

	AsyncDistributionTimeout time.Duration `toml:"async_distribution_timeout"`
	AsyncQueueTimeout        time.Duration `toml:"async_queue_timeout"`
	AsyncMaxQueueSize        int           `toml:"async_max_queue_size"`

	AckWaitThreshold        time.Duration `toml:"ack_wait_threshold"`
	AckSevereAlertThreshold time.Duration `toml:"ack_severe_alert_threshold"`

	IdleTimeout time.Duration `toml:"idle_timeout"`

	UseSSL                          bool `toml:"use_ssl"`
	EnableNetworkPartitionDetection bool `toml:"enable_network_partition_detection"`
}

// defaults mirror the constants named in spec §6.
func defaults() Config {
	return Config{
		MemberTimeout:            10 * time.Second,
		AsyncDistributionTimeout: 0,
		AsyncQueueTimeout:        60 * time.Second,
		AsyncMaxQueueSize:        8 << 20,
		AckWaitThreshold:         15 * time.Second,
		AckSevereAlertThreshold:  0,
		IdleTimeout:              2 * time.Minute,
	}
}

// DefaultConfig returns the zero-value-safe default configuration.
func DefaultConfig() Config {
	return defaults()
}

// LoadConfig decodes a TOML document at path into a Config seeded with
// DefaultConfig's values, so unset fields keep sane defaults rather than
// zeroing out — the way katzenpost's own config loaders backfill after
// toml.DecodeFile.
func LoadConfig(path string) (Config, error) {
	cfg := defaults()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ConnectTimeout returns the TCP connect timeout derived from this config
// (spec §3: "6x the configured member-timeout (or a property override)").
func (c Config) ConnectTimeout() time.Duration {
	if c.ConnectTimeoutOverride > 0 {
		return c.ConnectTimeoutOverride
	}
	return 6 * c.MemberTimeout
}
