// Package config loads scbus server and client settings.
//
// Settings come from, in increasing precedence:
//   - built-in defaults
//   - a YAML file named by --config or the SCBUS_CONFIG environment variable
//   - SCBUS_* environment variables, including those set by a .env file in
//     the working directory
//
// No other locations are searched.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"gosuda.org/scbus"
)

// Environment variables
const (
	EnvConfig        = "SCBUS_CONFIG"
	EnvPort          = "SCBUS_PORT"
	EnvControlBusses = "SCBUS_CONTROL_BUSSES"
	EnvQueueCapacity = "SCBUS_QUEUE_CAPACITY"
	EnvSegmentDir    = "SCBUS_SEGMENT_DIR"
	EnvCycle         = "SCBUS_CYCLE"
	EnvLogLevel      = "SCBUS_LOG_LEVEL"
	EnvDebug         = "SCBUS_DEBUG"
)

// Config is the complete configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig describes the shared memory segment.
type ServerConfig struct {
	// Port is the synthesis server's listening port. It names the segment.
	Port int `yaml:"port"`

	// ControlBusses is the number of control-bus slots.
	ControlBusses int `yaml:"control_busses"`

	// QueueCapacity is the number of write queue slots.
	QueueCapacity int `yaml:"queue_capacity"`

	// SegmentDir holds the segment file. Empty means /dev/shm.
	SegmentDir string `yaml:"segment_dir"`

	// Cycle is the drain period as a Go duration string.
	Cycle string `yaml:"cycle"`

	// ReclaimStale removes a segment left behind by a dead server.
	ReclaimStale bool `yaml:"reclaim_stale"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          57110,
			ControlBusses: 16384,
			QueueCapacity: scbus.DefaultQueueCapacity,
			Cycle:         scbus.DefaultCyclePeriod.String(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the file at path, or at $SCBUS_CONFIG when path is empty, on
// top of the defaults, then applies environment overrides. A .env file in
// the working directory is loaded first if present. With neither a path nor
// SCBUS_CONFIG the defaults stand.
func Load(path string) (*Config, error) {
	return LoadFiles(path, ".env")
}

// LoadFiles is Load with an explicit .env location.
func LoadFiles(path, envFile string) (*Config, error) {
	if envFile != "" {
		// Variables already in the environment win over the file.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if path == "" {
		path = os.Getenv(EnvConfig)
	}

	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	envInt := func(key string, dst *int) {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}

	envInt(EnvPort, &c.Server.Port)
	envInt(EnvControlBusses, &c.Server.ControlBusses)
	envInt(EnvQueueCapacity, &c.Server.QueueCapacity)
	if v := os.Getenv(EnvSegmentDir); v != "" {
		c.Server.SegmentDir = v
	}
	if v := os.Getenv(EnvCycle); v != "" {
		c.Server.Cycle = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvDebug); v != "" && v != "0" && v != "false" {
		c.Log.Level = "debug"
	}
	return errors.Join(errs...)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if _, err := scbus.SegmentName(c.Server.Port); err != nil {
		errs = append(errs, fmt.Errorf("server.port: %w", err))
	}
	if c.Server.ControlBusses < 0 {
		errs = append(errs, fmt.Errorf("%w: server.control_busses must not be negative", scbus.ErrInvalidArgument))
	}
	if c.Server.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("%w: server.queue_capacity must be positive", scbus.ErrInvalidArgument))
	}
	if d, err := time.ParseDuration(c.Server.Cycle); err != nil || d <= 0 {
		errs = append(errs, fmt.Errorf("%w: server.cycle %q", scbus.ErrInvalidArgument, c.Server.Cycle))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CyclePeriod returns the parsed drain period.
func (c *Config) CyclePeriod() time.Duration {
	d, err := time.ParseDuration(c.Server.Cycle)
	if err != nil {
		return scbus.DefaultCyclePeriod
	}
	return d
}

// LogLevel returns the slog level for Log.Level.
func (c *Config) LogLevel() slog.Level {
	l, _ := parseLevel(c.Log.Level)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: log.level %q", scbus.ErrInvalidArgument, s)
	}
	return l, nil
}

// ScbusServer converts the server section for scbus.NewServer.
func (c *Config) ScbusServer() scbus.ServerConfig {
	return scbus.ServerConfig{
		Port:            c.Server.Port,
		ControlBusCount: c.Server.ControlBusses,
		QueueCapacity:   c.Server.QueueCapacity,
		Dir:             c.Server.SegmentDir,
		CyclePeriod:     c.CyclePeriod(),
		ReclaimStale:    c.Server.ReclaimStale,
	}
}
