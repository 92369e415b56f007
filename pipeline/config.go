package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/chatgraph/chatgraph-go/pipeline/emit"
	"github.com/chatgraph/chatgraph-go/pipeline/repo"
)

// Config is the YAML-loadable deployment configuration of the engine.
//
// Example:
//
//	database:
//	  driver: sqlite
//	  dsn: chatgraph.db
//	engine:
//	  max_steps: 100
//	  max_parallel: 4
//	telemetry:
//	  events: text
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Engine    EngineConfig    `yaml:"engine"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DatabaseConfig selects and parameterizes the store adapter.
type DatabaseConfig struct {
	// Driver is "sqlite" or "mysql".
	Driver string `yaml:"driver"`

	// DSN is the driver-specific connection string: a file path for
	// sqlite, a go-sql-driver DSN for mysql.
	DSN string `yaml:"dsn"`
}

// EngineConfig bounds traversal.
type EngineConfig struct {
	MaxSteps    int `yaml:"max_steps"`
	MaxParallel int `yaml:"max_parallel"`
}

// TelemetryConfig selects event output.
type TelemetryConfig struct {
	// Events is "none", "text" or "json". Empty means none.
	Events string `yaml:"events"`
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Database.Driver {
	case "", "sqlite", "mysql":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	switch c.Telemetry.Events {
	case "", "none", "text", "json":
	default:
		return fmt.Errorf("unknown telemetry events mode %q", c.Telemetry.Events)
	}
	return nil
}

// OpenRepository opens the configured store adapter. An empty driver
// defaults to sqlite.
func (c Config) OpenRepository() (repo.Repository, error) {
	switch c.Database.Driver {
	case "mysql":
		return repo.NewMySQLRepo(c.Database.DSN)
	default:
		return repo.NewSQLiteRepo(c.Database.DSN)
	}
}

// ExecutorOptions translates the config into executor options.
func (c Config) ExecutorOptions() []Option {
	var opts []Option
	if c.Engine.MaxSteps > 0 {
		opts = append(opts, WithMaxSteps(c.Engine.MaxSteps))
	}
	if c.Engine.MaxParallel > 0 {
		opts = append(opts, WithMaxParallel(c.Engine.MaxParallel))
	}
	switch c.Telemetry.Events {
	case "text":
		opts = append(opts, WithEmitter(emit.NewLogEmitter(os.Stdout, false)))
	case "json":
		opts = append(opts, WithEmitter(emit.NewLogEmitter(os.Stdout, true)))
	}
	return opts
}
