// Package config loads process configuration. Values come from an
// optional YAML file, LOOM_* environment variables, and built-in
// defaults; environment overrides the file, the file overrides
// defaults. Nothing here touches viper's global instance.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the full process configuration. Commands use the sections
// they need and ignore the rest.
type Config struct {
	Server    Server    `mapstructure:"server"`
	Store     Store     `mapstructure:"store"`
	Playbooks Playbooks `mapstructure:"playbooks"`
	Sweeper   Sweeper   `mapstructure:"sweeper"`
	Worker    Worker    `mapstructure:"worker"`
	Log       Log       `mapstructure:"log"`
	Ident     Ident     `mapstructure:"ident"`
}

// Server configures the HTTP API process.
type Server struct {
	// Addr is the listen address.
	Addr string `mapstructure:"addr"`

	// Name identifies this server in the runtime registry. Empty uses
	// the hostname.
	Name string `mapstructure:"name"`

	// URI is the address advertised in the runtime registry. Empty
	// derives one from Addr.
	URI string `mapstructure:"uri"`

	// LeaseCap bounds the batch size of a single lease call.
	LeaseCap int `mapstructure:"lease_cap"`

	// ShutdownGrace is how long in-flight requests get to finish on
	// shutdown.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// Store selects the persistence backend.
type Store struct {
	// Driver is one of memory, sqlite, postgres, mysql.
	Driver string `mapstructure:"driver"`

	// DSN is the driver connection string. Ignored for memory.
	DSN string `mapstructure:"dsn"`
}

// Playbooks locates playbook sources.
type Playbooks struct {
	// Dir is the directory resolved for playbook paths.
	Dir string `mapstructure:"dir"`
}

// Sweeper tunes the server maintenance jobs.
type Sweeper struct {
	LeaseSweepEvery   time.Duration `mapstructure:"lease_sweep_every"`
	RuntimeSweepEvery time.Duration `mapstructure:"runtime_sweep_every"`
	OfflineAfter      time.Duration `mapstructure:"offline_after"`
	DepthEvery        time.Duration `mapstructure:"depth_every"`
	PruneEvery        time.Duration `mapstructure:"prune_every"`
	Retention         time.Duration `mapstructure:"retention"`
	ReconcileEvery    time.Duration `mapstructure:"reconcile_every"`
}

// Worker configures a pool process.
type Worker struct {
	// Name identifies the pool. Empty uses the hostname.
	Name string `mapstructure:"name"`

	// ServerURL is the API base URL the pool leases from.
	ServerURL string `mapstructure:"server_url"`

	// RequestTimeout applies per API call.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// URI advertises where the pool can be reached, informational only.
	URI string `mapstructure:"uri"`

	// Capacity is the maximum number of jobs in flight.
	Capacity int `mapstructure:"capacity"`

	// Kinds restricts leasing to these tool kinds. Empty leases every
	// registered kind.
	Kinds []string `mapstructure:"kinds"`

	LeaseDuration     time.Duration `mapstructure:"lease_duration"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MetricsInterval   time.Duration `mapstructure:"metrics_interval"`
	CancelGrace       time.Duration `mapstructure:"cancel_grace"`
}

// Log configures zap.
type Log struct {
	// Level is a zap level name: debug, info, warn, error.
	Level string `mapstructure:"level"`

	// Encoding is json or console.
	Encoding string `mapstructure:"encoding"`
}

// Ident configures ID minting.
type Ident struct {
	// Instance is the snowflake instance number (0-1023). Negative
	// derives one from the hostname and pid.
	Instance int64 `mapstructure:"instance"`
}

// Build constructs a zap logger from the section.
func (l Log) Build() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("config: log level %q: %w", l.Level, err)
	}
	var zc zap.Config
	switch l.Encoding {
	case "", "json":
		zc = zap.NewProductionConfig()
	case "console":
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("config: log encoding %q, want json or console", l.Encoding)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// Option adjusts the viper instance Load builds before decoding.
type Option func(*viper.Viper) error

// WithFlags binds command-line flags to configuration keys. bindings
// maps config keys to flag names in fs. A changed flag outranks
// environment and file values; an untouched flag leaves them alone.
func WithFlags(fs *pflag.FlagSet, bindings map[string]string) Option {
	return func(v *viper.Viper) error {
		for key, name := range bindings {
			f := fs.Lookup(name)
			if f == nil {
				return fmt.Errorf("config: no flag %q for key %q", name, key)
			}
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("config: bind %q: %w", key, err)
			}
		}
		return nil
	}
}

// Load reads configuration. path names an explicit config file; empty
// searches the working directory and /etc/loom for loom.yaml and
// tolerates absence.
func Load(path string, opts ...Option) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("loom")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/loom")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.name", "")
	v.SetDefault("server.uri", "")
	v.SetDefault("server.lease_cap", 32)
	v.SetDefault("server.shutdown_grace", "10s")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")

	v.SetDefault("playbooks.dir", "./playbooks")

	v.SetDefault("sweeper.lease_sweep_every", "5s")
	v.SetDefault("sweeper.runtime_sweep_every", "15s")
	v.SetDefault("sweeper.offline_after", "45s")
	v.SetDefault("sweeper.depth_every", "30s")
	v.SetDefault("sweeper.prune_every", "1h")
	v.SetDefault("sweeper.retention", "168h")
	v.SetDefault("sweeper.reconcile_every", "30s")

	v.SetDefault("worker.name", "")
	v.SetDefault("worker.server_url", "http://localhost:8080")
	v.SetDefault("worker.request_timeout", "30s")
	v.SetDefault("worker.uri", "")
	v.SetDefault("worker.capacity", 8)
	v.SetDefault("worker.kinds", []string{})
	v.SetDefault("worker.lease_duration", "60s")
	v.SetDefault("worker.poll_interval", "2s")
	v.SetDefault("worker.heartbeat_interval", "15s")
	v.SetDefault("worker.metrics_interval", "30s")
	v.SetDefault("worker.cancel_grace", "10s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")

	v.SetDefault("ident.instance", -1)
}
