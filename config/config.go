// Package config loads the scale's application configuration and provides
// the settings store that calibration state is persisted to.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// History backends.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
)

// Config is the application configuration. Command-line flags override the
// values loaded from file.
type Config struct {
	// Duration is the length of one acquisition in seconds.
	Duration float64 `toml:"duration" yaml:"duration" json:"duration"`
	// Capacity is the number of medians kept in the history.
	Capacity      int     `toml:"capacity" yaml:"capacity" json:"capacity"`
	WindowMinutes float64 `toml:"window_minutes" yaml:"window_minutes" json:"window_minutes"`
	// Output is the history file; the badger backend derives its directory
	// from it (see BadgerDir).
	Output         string `toml:"output" yaml:"output" json:"output"`
	Plot           string `toml:"plot" yaml:"plot" json:"plot"`
	State          string `toml:"state" yaml:"state" json:"state"`
	HistoryBackend string `toml:"history_backend" yaml:"history_backend" json:"history_backend"`

	Server  ServerConfig  `toml:"server" yaml:"server" json:"server"`
	Sensors SensorsConfig `toml:"sensors" yaml:"sensors" json:"sensors"`
	Logging LoggingConfig `toml:"logging" yaml:"logging" json:"logging"`
}

type ServerConfig struct {
	Host string `toml:"host" yaml:"host" json:"host"`
	// Port 0 disables the control endpoint.
	Port int `toml:"port" yaml:"port" json:"port"`
	// RateLimit is the sustained number of reading requests per second.
	RateLimit float64 `toml:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
	Burst     int     `toml:"burst" yaml:"burst" json:"burst"`
}

type SensorsConfig struct {
	Simulate bool   `toml:"simulate" yaml:"simulate" json:"simulate"`
	Port     string `toml:"port" yaml:"port" json:"port"`
	Baud     int    `toml:"baud" yaml:"baud" json:"baud"`
	Channels []int  `toml:"channels" yaml:"channels" json:"channels"`
	// Timeout is the per-read timeout in milliseconds.
	Timeout int       `toml:"timeout_ms" yaml:"timeout_ms" json:"timeout_ms"`
	Sim     SimConfig `toml:"sim" yaml:"sim" json:"sim"`
}

// SimConfig describes the simulated load cells used with Simulate.
type SimConfig struct {
	Offset float64 `toml:"offset" yaml:"offset" json:"offset"`
	Gain   float64 `toml:"gain" yaml:"gain" json:"gain"`
	Noise  float64 `toml:"noise" yaml:"noise" json:"noise"`
	// Load is the initial mass in grams shared across the cells.
	Load float64 `toml:"load" yaml:"load" json:"load"`
	// Drain is the simulated consumption in grams per minute.
	Drain float64 `toml:"drain" yaml:"drain" json:"drain"`
}

type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level" json:"level"`
	Format string `toml:"format" yaml:"format" json:"format"`
}

func DefaultConfig() *Config {
	return &Config{
		Duration:       10,
		Capacity:       360,
		WindowMinutes:  10,
		Output:         "samples.txt",
		Plot:           "samples.png",
		State:          "scale_state.toml",
		HistoryBackend: BackendFile,
		Server: ServerConfig{
			Host:      "localhost",
			RateLimit: 10,
			Burst:     20,
		},
		Sensors: SensorsConfig{
			Baud:     115200,
			Channels: []int{0, 1, 2, 3},
			Timeout:  500,
			Sim: SimConfig{
				Offset: 8000,
				Gain:   420,
				Noise:  40,
				Load:   1000,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func (c *Config) SampleDuration() time.Duration {
	return time.Duration(c.Duration * float64(time.Second))
}

// BadgerDir is the database directory of the badger backend. An Output with
// a file extension other than .db, such as the default samples.txt, maps to
// the same name with .db so it never collides with a text history.
func (c *Config) BadgerDir() string {
	ext := filepath.Ext(c.Output)
	if ext == "" || ext == ".db" {
		return c.Output
	}
	return strings.TrimSuffix(c.Output, ext) + ".db"
}

func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Sensors.Timeout) * time.Millisecond
}

// Load reads path, decoding by extension (.toml, .yaml/.yml, .json) on top of
// the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	}
	return cfg, nil
}

// Encode writes c as TOML.
func (c *Config) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}
	if c.Duration <= 0 {
		add("duration", "must be positive, got %v", c.Duration)
	}
	if c.Capacity < 2 {
		add("capacity", "must be at least 2 to keep a history, got %d", c.Capacity)
	}
	if c.WindowMinutes < 0 {
		add("window_minutes", "must not be negative, got %v", c.WindowMinutes)
	}
	if c.Output == "" {
		add("output", "history path is required")
	}
	if c.State == "" {
		add("state", "settings path is required")
	}
	switch c.HistoryBackend {
	case BackendFile, BackendBadger:
	default:
		add("history_backend", "unknown backend %q (want %q or %q)", c.HistoryBackend, BackendFile, BackendBadger)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		add("server.port", "out of range: %d", c.Server.Port)
	}
	if c.Server.RateLimit <= 0 {
		add("server.rate_limit", "must be positive, got %v", c.Server.RateLimit)
	}
	if c.Server.Burst < 1 {
		add("server.burst", "must be at least 1, got %d", c.Server.Burst)
	}
	if !c.Sensors.Simulate {
		if len(c.Sensors.Channels) == 0 {
			add("sensors.channels", "at least one channel is required")
		}
		if c.Sensors.Baud <= 0 {
			add("sensors.baud", "must be positive, got %d", c.Sensors.Baud)
		}
	} else if len(c.Sensors.Channels) == 0 {
		add("sensors.channels", "simulation needs at least one channel")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		add("logging.format", "unknown format %q", c.Logging.Format)
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
