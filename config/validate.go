package config

import (
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/wippyai/nnbridge/backend"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg and returns a *ValidationError listing every problem.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateEngine(cfg, ve)
	validateTargets(cfg, ve)
	validateLogger(cfg, ve)
	validateMetrics(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateEngine(cfg *Config, ve *ValidationError) {
	if cfg.Engine.Subcommand == "" {
		ve.Add("engine.subcommand is required")
	}
	if cfg.Engine.Model == "" {
		ve.Add("engine.model is required")
	}
	if cfg.Engine.Config == "" {
		ve.Add("engine.config is required")
	}
	for i, line := range cfg.Engine.Startup {
		if strings.ContainsAny(line, "\r\n") {
			ve.Add("engine.startup[%d]: must be a single line", i)
		}
	}
}

func validateTargets(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool, len(cfg.Targets))
	for i, t := range cfg.Targets {
		if t.Name == "" {
			ve.Add("targets[%d]: name is required", i)
			continue
		}
		if seen[t.Name] {
			ve.Add("targets[%d]: duplicate name %q", i, t.Name)
		}
		seen[t.Name] = true

		if t.Engine == "" {
			ve.Add("target %q: engine is required", t.Name)
		}
		if t.Backend != "" {
			if _, ok := backend.Parse(t.Backend); !ok {
				ve.Add("target %q: unknown backend %q", t.Name, t.Backend)
			}
		}
		switch t.Protocol {
		case ProtocolLocal:
			if remoteScheme(t.ModelBase) {
				ve.Add("target %q: local target with remote model_base %q", t.Name, t.ModelBase)
			}
		case ProtocolRemote:
			if !remoteScheme(t.ModelBase) {
				ve.Add("target %q: remote target needs an http(s):// or gs:// model_base", t.Name)
			}
		default:
			ve.Add("target %q: protocol must be local or remote, got %q", t.Name, t.Protocol)
		}
	}
	if cfg.Target != "" && !seen[cfg.Target] {
		ve.Add("target %q is not defined", cfg.Target)
	}
}

func remoteScheme(location string) bool {
	u, err := url.Parse(location)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https", "gs":
		return true
	}
	return false
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if _, err := zapcore.ParseLevel(cfg.Logger.Level); err != nil {
		ve.Add("logger.level: %v", err)
	}
	switch cfg.Logger.Encoding {
	case "", "console", "json":
	default:
		ve.Add("logger.encoding must be console or json, got %q", cfg.Logger.Encoding)
	}
}

func validateMetrics(cfg *Config, ve *ValidationError) {
	if cfg.Metrics.Listen != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		ve.Add("metrics.path must start with '/'")
	}
}
