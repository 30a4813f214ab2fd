// Package config loads yrunner settings from TOML files and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvPrefix prefixes every environment override, e.g. YRUNNER_SERVER_PORT.
const EnvPrefix = "YRUNNER_"

// Config holds the complete configuration.
type Config struct {
	Runner    RunnerConfig           `toml:"runner"`
	Log       LogConfig              `toml:"log"`
	HTTP      HTTPConfig             `toml:"http"`
	Server    ServerConfig           `toml:"server"`
	Store     StoreConfig            `toml:"store"`
	Variables map[string]interface{} `toml:"variables"`
}

// RunnerConfig holds engine limits.
type RunnerConfig struct {
	MaxSteps int `toml:"max_steps"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // console or json
}

// HTTPConfig configures the request command.
type HTTPConfig struct {
	Timeout          Duration `toml:"timeout"`
	UserAgent        string   `toml:"user_agent"`
	MaxResponseBytes int64    `toml:"max_response_bytes"`
}

// ServerConfig configures the serve command.
type ServerConfig struct {
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	GRPCPort   int    `toml:"grpc_port"`
	Project    string `toml:"project"`
	Location   string `toml:"location"`
	ScriptsDir string `toml:"scripts_dir"`
}

// StoreConfig selects where scripts and runs are kept.
type StoreConfig struct {
	Driver  string `toml:"driver"` // memory or sqlite
	Path    string `toml:"path"`
	MaxRuns int    `toml:"max_runs"`
}

// Duration wraps time.Duration for TOML parsing.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText formats the duration as a string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Runner: RunnerConfig{MaxSteps: 1_000_000},
		Log:    LogConfig{Level: "info", Format: "console"},
		HTTP: HTTPConfig{
			Timeout:          Duration{60 * time.Second},
			UserAgent:        "yrunner/1",
			MaxResponseBytes: 2 * 1024 * 1024,
		},
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     8787,
			GRPCPort: 8788,
			Project:  "my-project",
			Location: "local",
		},
		Store: StoreConfig{
			Driver:  "memory",
			Path:    "./yrunner.db",
			MaxRuns: 1000,
		},
		Variables: map[string]interface{}{},
	}
}

// Load reads path over the defaults and then applies environment
// overrides. An empty path loads the defaults and the environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		path = os.ExpandEnv(path)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.expandEnvVars()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 || c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("server ports must be between 0 and 65535")
	}
	if c.HTTP.Timeout.Duration < 0 {
		return fmt.Errorf("http timeout must not be negative")
	}
	return nil
}

// Addr returns the REST listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GRPCAddr returns the gRPC listen address.
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.GRPCPort)
}

type lookupFunc func(string) (string, bool)

// applyEnv overrides settings from YRUNNER_<SECTION>_<KEY> variables.
func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
		return nil
	}

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("HTTP_USER_AGENT", &c.HTTP.UserAgent)
	str("SERVER_HOST", &c.Server.Host)
	str("SERVER_PROJECT", &c.Server.Project)
	str("SERVER_LOCATION", &c.Server.Location)
	str("SERVER_SCRIPTS_DIR", &c.Server.ScriptsDir)
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_PATH", &c.Store.Path)

	for key, dst := range map[string]*int{
		"RUNNER_MAX_STEPS": &c.Runner.MaxSteps,
		"SERVER_PORT":      &c.Server.Port,
		"SERVER_GRPC_PORT": &c.Server.GRPCPort,
		"STORE_MAX_RUNS":   &c.Store.MaxRuns,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}

	if v, ok := lookup(EnvPrefix + "HTTP_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sHTTP_TIMEOUT: %w", EnvPrefix, err)
		}
		c.HTTP.Timeout.Duration = d
	}
	if v, ok := lookup(EnvPrefix + "HTTP_MAX_RESPONSE_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sHTTP_MAX_RESPONSE_BYTES: %w", EnvPrefix, err)
		}
		c.HTTP.MaxResponseBytes = n
	}
	return nil
}

// expandEnvVars expands environment variables in path settings.
func (c *Config) expandEnvVars() {
	c.Server.ScriptsDir = os.ExpandEnv(c.Server.ScriptsDir)
	c.Store.Path = os.ExpandEnv(c.Store.Path)
}
