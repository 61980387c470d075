// Package config defines the relay's runtime settings, their defaults, and
// the environment and flag overrides.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ledzpl/hads/internal/relay"
)

// DefaultAddr is the TCP listen address when none is given.
const DefaultAddr = "0.0.0.0:4222"

// Config holds every runtime setting.
type Config struct {
	Addr           string
	MaxLineLength  int
	QueueLimit     int
	OverflowPolicy string
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	RateLimit      float64
	RateBurst      int

	SSHAddr     string
	HostKeyPath string
	HTTPAddr    string
	MDNS        bool
	MetricsTick time.Duration
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Addr:           DefaultAddr,
		MaxLineLength:  relay.DefaultMaxLineLength,
		QueueLimit:     relay.DefaultQueueLimit,
		OverflowPolicy: relay.DropOldest.String(),
		WriteTimeout:   10 * time.Second,
		HostKeyPath:    "configs/ssh_host_ed25519",
		MetricsTick:    60 * time.Second,
	}
}

// FromEnv returns the defaults overridden by any HADS_* variables that parse.
func FromEnv() Config {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) Config {
	cfg := Default()

	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("HADS_ADDR"); ok {
		cfg.Addr = v
	}
	if v, ok := get("HADS_MAX_LINE"); ok {
		cfg.MaxLineLength = parseInt(v, cfg.MaxLineLength)
	}
	if v, ok := get("HADS_QUEUE_LIMIT"); ok {
		cfg.QueueLimit = parseInt(v, cfg.QueueLimit)
	}
	if v, ok := get("HADS_OVERFLOW"); ok {
		cfg.OverflowPolicy = v
	}
	if v, ok := get("HADS_IDLE_TIMEOUT"); ok {
		cfg.IdleTimeout = parseDuration(v, cfg.IdleTimeout)
	}
	if v, ok := get("HADS_WRITE_TIMEOUT"); ok {
		cfg.WriteTimeout = parseDuration(v, cfg.WriteTimeout)
	}
	if v, ok := get("HADS_RATE_LIMIT"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimit = f
		}
	}
	if v, ok := get("HADS_RATE_BURST"); ok {
		cfg.RateBurst = parseInt(v, cfg.RateBurst)
	}
	if v, ok := get("HADS_SSH_ADDR"); ok {
		cfg.SSHAddr = v
	}
	if v, ok := get("HADS_HOST_KEY"); ok {
		cfg.HostKeyPath = v
	}
	if v, ok := get("HADS_HTTP_ADDR"); ok {
		cfg.HTTPAddr = v
	}
	if v, ok := get("HADS_MDNS"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MDNS = b
		}
	}
	if v, ok := get("HADS_METRICS_TICK"); ok {
		cfg.MetricsTick = parseDuration(v, cfg.MetricsTick)
	}

	return cfg
}

// RegisterFlags binds every setting to fs, using the current values as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.MaxLineLength, "max-line", c.MaxLineLength, "maximum line length in bytes")
	fs.IntVar(&c.QueueLimit, "queue-limit", c.QueueLimit, "per-peer relay queue limit (0 = unbounded)")
	fs.StringVar(&c.OverflowPolicy, "overflow", c.OverflowPolicy, "queue overflow policy: drop-oldest, drop-newest or disconnect")
	fs.DurationVar(&c.IdleTimeout, "idle-timeout", c.IdleTimeout, "disconnect peers idle this long (0 = never)")
	fs.DurationVar(&c.WriteTimeout, "write-timeout", c.WriteTimeout, "deadline for each socket write (0 = none)")
	fs.Float64Var(&c.RateLimit, "rate", c.RateLimit, "inbound lines per second per peer (0 = unlimited)")
	fs.IntVar(&c.RateBurst, "rate-burst", c.RateBurst, "burst allowed above -rate")
	fs.StringVar(&c.SSHAddr, "ssh-addr", c.SSHAddr, "also accept peers over SSH on this address")
	fs.StringVar(&c.HostKeyPath, "host-key", c.HostKeyPath, "path to the SSH host private key (auto-generated if missing)")
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "serve websocket peers and stats on this address")
	fs.BoolVar(&c.MDNS, "mdns", c.MDNS, "advertise the TCP listener over mDNS")
	fs.DurationVar(&c.MetricsTick, "metrics.tick", c.MetricsTick, "metrics: duration between reports (0 = off)")
}

// Validate rejects settings the relay cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	if c.MaxLineLength <= 0 {
		errs = append(errs, fmt.Errorf("max line length must be positive, got %d", c.MaxLineLength))
	}
	if c.QueueLimit < 0 {
		errs = append(errs, fmt.Errorf("queue limit must not be negative, got %d", c.QueueLimit))
	}
	if _, err := relay.ParseOverflowPolicy(c.OverflowPolicy); err != nil {
		errs = append(errs, err)
	}
	if c.IdleTimeout < 0 || c.WriteTimeout < 0 || c.MetricsTick < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		errs = append(errs, errors.New("rate settings must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Overflow returns the parsed overflow policy.
func (c Config) Overflow() relay.OverflowPolicy {
	p, _ := relay.ParseOverflowPolicy(c.OverflowPolicy)
	return p
}

// ConnOptions returns the transport settings.
func (c Config) ConnOptions() relay.ConnOptions {
	return relay.ConnOptions{
		MaxLineLength: c.MaxLineLength,
		IdleTimeout:   c.IdleTimeout,
		WriteTimeout:  c.WriteTimeout,
	}
}

func parseInt(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed >= 0 {
		return parsed
	}
	return defaultValue
}

func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d >= 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
