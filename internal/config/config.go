// Package config parses the daemon's CLI surface (spec.md §6) into a
// Config value. Parsing is kept separate from main so it can be
// exercised by tests without touching os.Args or a running daemon.
package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// Config is the fully-resolved set of daemon settings; every field
// has a zero-argument default matching spec.md §6 and §4.7.
type Config struct {
	Headless         bool
	Public           bool
	ReadOnly         bool
	AuthKeys         string
	Port             int
	Discovery        int
	MaxSnaps         int
	MaxConns         int
	SessionTTLSec    int
	RequestTimeoutMS int
	PollIntervalMS   int
	MaxWaitMS        int
	LogLevel         string

	// Args is any non-flag positional arguments left over; the daemon
	// takes none, so a non-empty Args is always a usage error.
	Args []string
}

// Default values per spec.md §4.7 (port defaults) and §9 (timeouts).
const (
	DefaultPort          = 1985
	DefaultDiscoveryPort = 1986
	DefaultMaxSnapshots  = 64
	DefaultMaxConns      = 32
	DefaultSessionTTLSec = 600
	DefaultRequestMS     = 5000
	DefaultPollMS        = 50
	DefaultMaxWaitMS     = 10000
	DefaultLogLevel      = "INFO"
)

// Parse parses argv (excluding the program name, i.e. os.Args[1:])
// into a Config. It never calls os.Exit; callers decide how to react
// to a returned error or a requested --help.
func Parse(argv []string) (Config, error) {
	var cfg Config

	flagSet := pflag.NewFlagSet("wininspectd", pflag.ContinueOnError)
	flagSet.BoolVar(&cfg.Headless, "headless", false, "run without the tray/UI shell")
	flagSet.BoolVar(&cfg.Public, "public", false, "bind the TCP listener to all interfaces instead of loopback-only")
	flagSet.BoolVar(&cfg.ReadOnly, "read-only", false, "reject all mutating methods with E_ACCESS_DENIED")
	flagSet.StringVar(&cfg.AuthKeys, "auth-keys", "", "path to an authorized_keys-format file; empty disables authentication")
	flagSet.IntVar(&cfg.Port, "port", DefaultPort, "TCP listener port")
	flagSet.IntVar(&cfg.Discovery, "discovery-port", DefaultDiscoveryPort, "UDP discovery responder port")
	flagSet.IntVar(&cfg.MaxSnaps, "max-snapshots", DefaultMaxSnapshots, "snapshot registry capacity")
	flagSet.IntVar(&cfg.MaxConns, "max-conns", DefaultMaxConns, "maximum concurrent connections across both listeners")
	flagSet.IntVar(&cfg.SessionTTLSec, "session-ttl", DefaultSessionTTLSec, "session idle TTL in seconds before reaping")
	flagSet.IntVar(&cfg.RequestTimeoutMS, "request-timeout", DefaultRequestMS, "per-request watchdog timeout in milliseconds")
	flagSet.IntVar(&cfg.PollIntervalMS, "poll-interval", DefaultPollMS, "Backend internal poll interval in milliseconds, for events.poll's wait_ms")
	flagSet.IntVar(&cfg.MaxWaitMS, "max-wait", DefaultMaxWaitMS, "maximum accepted events.poll wait_ms")
	flagSet.StringVar(&cfg.LogLevel, "log-level", DefaultLogLevel, "TRACE|DEBUG|INFO|WARN|ERROR")

	if err := flagSet.Parse(argv); err != nil {
		return Config{}, err
	}

	cfg.Args = flagSet.Args()
	if len(cfg.Args) > 0 {
		return Config{}, fmt.Errorf("unexpected argument: %s", cfg.Args[0])
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("--port %d out of range", c.Port)
	}
	if c.Discovery <= 0 || c.Discovery > 65535 {
		return fmt.Errorf("--discovery-port %d out of range", c.Discovery)
	}
	if c.MaxSnaps <= 0 {
		return fmt.Errorf("--max-snapshots must be positive")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("--max-conns must be positive")
	}
	if c.SessionTTLSec <= 0 {
		return fmt.Errorf("--session-ttl must be positive")
	}
	if c.RequestTimeoutMS <= 0 {
		return fmt.Errorf("--request-timeout must be positive")
	}
	if c.MaxWaitMS < 0 {
		return fmt.Errorf("--max-wait must not be negative")
	}
	return nil
}
