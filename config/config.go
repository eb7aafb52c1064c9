// Package config loads process configuration for the bridge: the engine
// binary and its argv, the model repository, deployment targets, logging
// and metrics.
//
// Values come from a YAML file layered over Defaults, then from
// environment variables, then from a query string in the form the engine's
// web page accepted (config=...&model=...&subcommand=...).
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/nnbridge/backend"
	"github.com/wippyai/nnbridge/errors"
)

// Environment overrides.
const (
	EnvQuery  = "NNBRIDGE_CONFIG_QUERY"
	EnvTarget = "NNBRIDGE_TARGET"
	EnvLevel  = "NNBRIDGE_LOG_LEVEL"
)

// Engine defaults, matching what the engine expects when nothing is given.
const (
	DefaultSubcommand   = "gtp"
	DefaultModel        = "web_model"
	DefaultEngineConfig = "gtp_auto.cfg"
	DefaultProgram      = "katago"
)

// Protocol says where a target's models live.
type Protocol string

const (
	ProtocolLocal  Protocol = "local"
	ProtocolRemote Protocol = "remote"
)

// Config is the top-level configuration.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Target  string        `yaml:"target"`
	Targets []Target      `yaml:"targets"`
	Logger  LoggerConfig  `yaml:"logger"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// EngineConfig describes how the engine is started.
type EngineConfig struct {
	Subcommand string `yaml:"subcommand"`
	Model      string `yaml:"model"`
	Config     string `yaml:"config"`
	// Dir is mounted as the engine's working directory so it can open its
	// config file. Empty means no filesystem access.
	Dir string `yaml:"dir"`
	// Startup lines are submitted once the engine reports ready.
	Startup []string `yaml:"startup"`
}

// Target is one deployment of the engine: which binary to run, where its
// models come from and which backend to start with.
type Target struct {
	Name      string   `yaml:"name"`
	Engine    string   `yaml:"engine"`
	Protocol  Protocol `yaml:"protocol"`
	ModelBase string   `yaml:"model_base"`
	Backend   string   `yaml:"backend"`
}

// LoggerConfig configures the zap logger.
type LoggerConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"` // console or json
	Output   string `yaml:"output"`   // stderr, stdout or a file path
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // empty disables the listener
	Path   string `yaml:"path"`
}

// Defaults returns the configuration used when no file is given.
func Defaults() *Config {
	return &Config{
		Engine: EngineConfig{
			Subcommand: DefaultSubcommand,
			Model:      DefaultModel,
			Config:     DefaultEngineConfig,
		},
		Target: "local",
		Targets: []Target{
			{
				Name:     "local",
				Engine:   "katago.wasm",
				Protocol: ProtocolLocal,
				Backend:  "auto",
			},
		},
		Logger: LoggerConfig{
			Level:    "info",
			Encoding: "console",
			Output:   "stderr",
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}

// Load reads path over Defaults and applies environment overrides. A missing
// file is not an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := Parse(data, cfg); err != nil {
				return nil, err
			}
		case os.IsNotExist(err):
		default:
			return nil, errors.Config("read "+path, err)
		}
	}

	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg. Fields absent from data keep their values.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errors.Config("parse config", err)
	}
	return nil
}

// ApplyEnvOverrides applies NNBRIDGE_* variables.
func ApplyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvTarget); v != "" {
		cfg.Target = v
	}
	if v := os.Getenv(EnvLevel); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv(EnvQuery); v != "" {
		return ApplyQuery(cfg, v)
	}
	return nil
}

// ApplyQuery applies a query string such as
// "config=gtp_human5k.cfg&model=b18&subcommand=analysis". Unknown keys are
// ignored. A leading '?' is allowed.
func ApplyQuery(cfg *Config, query string) error {
	values, err := url.ParseQuery(strings.TrimPrefix(query, "?"))
	if err != nil {
		return errors.Config("parse query", err)
	}
	if v := values.Get("config"); v != "" {
		cfg.Engine.Config = v
	}
	if v := values.Get("model"); v != "" {
		cfg.Engine.Model = v
	}
	if v := values.Get("subcommand"); v != "" {
		cfg.Engine.Subcommand = v
	}
	if v := values.Get("target"); v != "" {
		cfg.Target = v
	}
	return nil
}

// Args returns the engine argv after the program name.
func (e EngineConfig) Args() []string {
	return []string{e.Subcommand, "-model", e.Model, "-config", e.Config}
}

// Lookup returns the named target.
func (c *Config) Lookup(name string) (Target, error) {
	for _, t := range c.Targets {
		if t.Name == name {
			return t, nil
		}
	}
	return Target{}, errors.NotFound(errors.PhaseConfig, "target", name)
}

// Selected returns the target named by c.Target.
func (c *Config) Selected() (Target, error) {
	return c.Lookup(c.Target)
}

// Program returns the argv[0] the engine sees.
func (t Target) Program() string {
	if t.Engine == "" {
		return DefaultProgram
	}
	return strings.TrimSuffix(filepath.Base(t.Engine), ".wasm")
}

// InitialBackend parses t.Backend. An empty value is Auto.
func (t Target) InitialBackend() (backend.Backend, error) {
	if t.Backend == "" {
		return backend.Auto, nil
	}
	b, ok := backend.Parse(t.Backend)
	if !ok {
		return backend.None, errors.Config(fmt.Sprintf("target %q: unknown backend %q", t.Name, t.Backend), nil)
	}
	return b, nil
}

// Build creates the zap logger described by l.
func (l LoggerConfig) Build() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, errors.Config("logger level", err)
	}

	zc := zap.NewProductionConfig()
	if l.Encoding == "console" || l.Encoding == "" {
		zc = zap.NewDevelopmentConfig()
		zc.Encoding = "console"
	} else {
		zc.Encoding = l.Encoding
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	out := l.Output
	if out == "" {
		out = "stderr"
	}
	zc.OutputPaths = []string{out}
	zc.ErrorOutputPaths = []string{"stderr"}

	logger, err := zc.Build()
	if err != nil {
		return nil, errors.Config("build logger", err)
	}
	return logger, nil
}
