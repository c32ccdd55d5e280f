// Package config loads the flowcoord service configuration with viper:
// defaults, an optional YAML file, and a FLOWCOORD_ environment overlay
// (e.g. FLOWCOORD_SERVER_ADDR, FLOWCOORD_DATABASE_DRIVER).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Addr        string `mapstructure:"addr"`
	ReportsDir  string `mapstructure:"reports_dir"`
	ClientsFile string `mapstructure:"clients_file"`
}

// DatabaseConfig selects and configures the store backend.
type DatabaseConfig struct {
	// Driver is sqlite, mysql, or memory.
	Driver string `mapstructure:"driver"`
	// Path is the SQLite database file.
	Path string `mapstructure:"path"`
	// DSN is the MySQL data source name, required for the mysql driver.
	DSN string `mapstructure:"dsn"`
}

// EngineConfig configures the flow engine.
type EngineConfig struct {
	// Sensitivity is the outlier-detection level: conservative, normal,
	// or aggressive.
	Sensitivity string `mapstructure:"sensitivity"`
	// Simulation lets the tick loop advance runs without a worker. UI
	// development only.
	Simulation bool `mapstructure:"simulation"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level string `mapstructure:"level"`
	// File enables rotated file output alongside stdout when non-empty.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads configuration from the optional file at path plus the
// environment. An empty path skips the file and uses defaults + env only; a
// named file that does not exist is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FLOWCOORD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.reports_dir", "Reports")
	v.SetDefault("server.clients_file", "clients.json")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "flowcoord.db")
	v.SetDefault("database.dsn", "")

	v.SetDefault("engine.sensitivity", "normal")
	v.SetDefault("engine.simulation", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "mysql", "memory":
	default:
		return fmt.Errorf("unknown database driver %q (sqlite, mysql, memory)", c.Database.Driver)
	}
	if c.Database.Driver == "mysql" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for the mysql driver")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	return nil
}
