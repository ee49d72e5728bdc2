// Package config loads procverify configuration.
//
// Precedence, highest first: runtime overrides, PROCVERIFY_* environment
// variables, the config file, built-in defaults.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/3leaps/procverify/pkg/jobregistry"
	"github.com/3leaps/procverify/pkg/orchestrator"
)

// Config is the full application configuration.
type Config struct {
	Server       ServerConfig             `mapstructure:"server"`
	Logging      LoggingConfig            `mapstructure:"logging"`
	Health       HealthConfig             `mapstructure:"health"`
	Orchestrator orchestrator.Config      `mapstructure:"orchestrator"`
	Verifier     VerifierConfig           `mapstructure:"verifier"`
	Registry     RegistryConfig           `mapstructure:"registry"`
	Backends     map[string]BackendConfig `mapstructure:"backends"`
}

// ServerConfig configures the HTTP verify service.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig configures the server logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// HealthConfig toggles the health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// VerifierConfig selects the enclave signature verifier: "none", "ed25519",
// "secp256k1" or "auto".
type VerifierConfig struct {
	Signature string `mapstructure:"signature"`
}

// Registry drivers.
const (
	RegistryFile  = "file"
	RegistryRedis = "redis"
	RegistryNone  = "none"
)

// RegistryConfig configures where job records are kept.
type RegistryConfig struct {
	// Driver is "file", "redis" or "none".
	Driver string `mapstructure:"driver"`

	// Dir is the file store root. Defaults to the app data dir.
	Dir string `mapstructure:"dir"`

	Redis jobregistry.RedisOptions `mapstructure:"redis"`
}

// BackendConfig is one named backend instance. Kind selects the adapter;
// every other key is passed to the adapter as its settings block.
type BackendConfig struct {
	Kind     string         `mapstructure:"kind"`
	Settings map[string]any `mapstructure:",remain"`
}

// Backend returns the named backend configuration.
func (c *Config) Backend(name string) (BackendConfig, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	b, ok := c.Backends[key]
	if !ok {
		return BackendConfig{}, fmt.Errorf("backend %q is not configured (configured: %s)", name, strings.Join(c.BackendNames(), ", "))
	}
	if strings.TrimSpace(b.Kind) == "" {
		return BackendConfig{}, fmt.Errorf("backend %q has no kind", name)
	}
	return b, nil
}

// BackendNames returns the configured backend names, sorted.
func (c *Config) BackendNames() []string {
	names := make([]string, 0, len(c.Backends))
	for name := range c.Backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
