package peer

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DefaultTimeout      = 400 * time.Millisecond
	DefaultRPCTimeout   = time.Second
	DefaultCleanupDelay = 100 * time.Millisecond
	DefaultBufferSize   = 100
)

// Duration is a time.Duration that reads and writes as text ("400ms") in
// JSON files and environment variables.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the tunables of a peer. Collaborators such as the store,
// network and observer are supplied as options to New.
type Config struct {
	// Timeout is the roster collection window.
	Timeout Duration `json:"timeout,omitempty" env:"TIMEOUT"`
	// RPCTimeout bounds each RPC call made through package rpc.
	RPCTimeout Duration `json:"rpc_timeout,omitempty" env:"RPC_TIMEOUT"`
	// CleanupDelay is how long a shared-store key lives after its last write.
	CleanupDelay Duration `json:"cleanup_delay,omitempty" env:"CLEANUP_DELAY"`
	// ReconcileInterval enables periodic roster checks that recover from
	// peers that exited without announcing it. Zero disables them.
	ReconcileInterval Duration `json:"reconcile_interval,omitempty" env:"RECONCILE_INTERVAL"`
	// BufferSize bounds bridge delivery queues.
	BufferSize int `json:"buffer_size,omitempty" env:"BUFFER_SIZE"`

	SharedStore  bool     `json:"shared_store,omitempty" env:"SHARED_STORE"`
	Proxies      []string `json:"proxies,omitempty" env:"PROXIES"`
	AllowOrigins []string `json:"allow_origins,omitempty" env:"ALLOW_ORIGINS"`
	// Origin identifies this peer to bridge proxies.
	Origin string `json:"origin,omitempty" env:"ORIGIN"`
	// Observer names a registered observability observer.
	Observer string `json:"observer,omitempty" env:"OBSERVER"`
}

// DefaultConfig returns a Config with the protocol defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:      Duration(DefaultTimeout),
		RPCTimeout:   Duration(DefaultRPCTimeout),
		CleanupDelay: Duration(DefaultCleanupDelay),
		BufferSize:   DefaultBufferSize,
		Observer:     "slog",
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.Timeout > 0 {
		c.Timeout = source.Timeout
	}
	if source.RPCTimeout > 0 {
		c.RPCTimeout = source.RPCTimeout
	}
	if source.CleanupDelay > 0 {
		c.CleanupDelay = source.CleanupDelay
	}
	if source.ReconcileInterval > 0 {
		c.ReconcileInterval = source.ReconcileInterval
	}
	if source.BufferSize > 0 {
		c.BufferSize = source.BufferSize
	}
	if source.SharedStore {
		c.SharedStore = true
	}
	if len(source.Proxies) > 0 {
		c.Proxies = source.Proxies
	}
	if len(source.AllowOrigins) > 0 {
		c.AllowOrigins = source.AllowOrigins
	}
	if source.Origin != "" {
		c.Origin = source.Origin
	}
	if source.Observer != "" {
		c.Observer = source.Observer
	}
}

// LoadConfig reads a JSON config file, merges it with defaults, and returns
// the resulting Config.
func LoadConfig(filename string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Merge(&loaded)
	return &cfg, nil
}

// EnvPrefix prefixes every environment variable read by ParseEnv.
const EnvPrefix = "SYSEND_"

// ParseEnv merges SYSEND_* environment variables into c. Variables that are
// unset leave c untouched.
func (c *Config) ParseEnv() error {
	var loaded Config
	if err := env.ParseWithOptions(&loaded, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	c.Merge(&loaded)
	return nil
}
