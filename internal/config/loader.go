package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Route IDs default to their prefix
	for i := range cfg.Routes {
		if cfg.Routes[i].ID == "" {
			cfg.Routes[i].ID = cfg.Routes[i].PathPrefix
		}
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
	}
	if err := l.validateListenConfig(cfg.Listen); err != nil {
		return err
	}

	if cfg.Static.Enabled && cfg.Static.Root == "" {
		return fmt.Errorf("static.root is required when static serving is enabled")
	}

	if err := l.validateIsolationConfig(cfg.Isolation); err != nil {
		return err
	}

	if err := l.validateTransportConfig("global", cfg.Transport); err != nil {
		return err
	}
	if err := l.validateHealthCheck("global", cfg.HealthCheck); err != nil {
		return err
	}

	for name, us := range cfg.Upstreams {
		if err := l.validateUpstream(name, us); err != nil {
			return err
		}
	}

	routeIDs := make(map[string]bool)
	for i, route := range cfg.Routes {
		if route.ID == "" {
			return fmt.Errorf("route %d: id is required", i)
		}
		if routeIDs[route.ID] {
			return fmt.Errorf("duplicate route id: %s", route.ID)
		}
		routeIDs[route.ID] = true

		if err := l.validateRoute(route, cfg); err != nil {
			return err
		}
	}

	if err := l.validateLoggingConfig(cfg.Logging); err != nil {
		return err
	}
	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		return fmt.Errorf("admin.address is required when admin is enabled")
	}
	if cfg.Admin.Metrics.Enabled && !strings.HasPrefix(cfg.Admin.Metrics.Path, "/") {
		return fmt.Errorf("admin.metrics.path must start with /")
	}
	if err := l.validateTracingConfig(cfg.Tracing); err != nil {
		return err
	}
	if err := l.validateCompressionConfig("global", cfg.Compression); err != nil {
		return err
	}
	return l.validateShutdownConfig(cfg.Shutdown)
}
