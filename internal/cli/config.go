package cli

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the optional YAML host configuration given with --config.
// Command-line flags override it.
type Config struct {
	// DB is the store path.
	DB string `yaml:"db"`
	// Backend is "sqlite" or "leveldb".
	Backend string `yaml:"backend"`
	// Identity names the local identity to act as.
	Identity string `yaml:"identity"`
	// Listen is the serve address, e.g. ":7420".
	Listen string `yaml:"listen"`
	// Peers are websocket URLs dialled on start.
	Peers []string `yaml:"peers"`

	AnnounceInterval time.Duration `yaml:"announce_interval"`
	BackfillRate     float64       `yaml:"backfill_rate"`
	BackfillBurst    int           `yaml:"backfill_burst"`
	JoinTimeout      time.Duration `yaml:"join_timeout"`
}

// Backends.
const (
	BackendSQLite  = "sqlite"
	BackendLevelDB = "leveldb"
)

// DefaultConfig returns the configuration used without --config.
func DefaultConfig() Config {
	return Config{
		DB:          "spacesync.db",
		Backend:     BackendSQLite,
		Listen:      ":7420",
		JoinTimeout: 30 * time.Second,
	}
}

// LoadConfig reads a YAML config over the defaults.
// Unknown fields are rejected so typos fail loudly.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Backend {
	case BackendSQLite, BackendLevelDB:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.DB == "" {
		return fmt.Errorf("db is required")
	}
	if c.AnnounceInterval < 0 || c.JoinTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.BackfillRate < 0 || c.BackfillBurst < 0 {
		return fmt.Errorf("backfill limits must not be negative")
	}
	return nil
}
