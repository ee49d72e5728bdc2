package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/procverify/internal/observability"
	"github.com/3leaps/procverify/pkg/determinism"
	"github.com/3leaps/procverify/pkg/jobregistry"
)

// Application identity.
const (
	AppName      = "procverify"
	EnvPrefix    = "PROCVERIFY"
	ConfigEnvVar = EnvPrefix + "_CONFIG"
	backendsEnv  = EnvPrefix + "_BACKENDS_"
)

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configPath string
)

// envSpec maps one environment variable to a config key.
type envSpec struct {
	Name string
	Path string
}

// SetConfigFile pins the config file used by Load. An empty path restores
// discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configPath = path
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Load builds the configuration from defaults, the config file, the
// environment and any runtime overrides, in increasing precedence.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}
	if err := bindBackendEnv(v, os.Environ()); err != nil {
		return nil, err
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := finalize(&cfg); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", observability.ProfileStructured)

	v.SetDefault("health.enabled", true)

	v.SetDefault("orchestrator.timeout", "300s")
	v.SetDefault("orchestrator.max_retries", 3)
	v.SetDefault("orchestrator.rate_limit", 0)
	v.SetDefault("orchestrator.backoff.initial", "1s")
	v.SetDefault("orchestrator.backoff.max", "30s")
	v.SetDefault("orchestrator.backoff.factor", 2)

	v.SetDefault("verifier.signature", "none")

	v.SetDefault("registry.driver", RegistryFile)
	v.SetDefault("registry.redis.prefix", jobregistry.DefaultRedisPrefix)
}

// getEnvSpecs lists the fixed environment variable mappings. Backend
// settings are bound separately by bindBackendEnv.
func getEnvSpecs() []envSpec {
	pairs := [][2]string{
		{"HOST", "server.host"},
		{"PORT", "server.port"},
		{"READ_TIMEOUT", "server.read_timeout"},
		{"WRITE_TIMEOUT", "server.write_timeout"},
		{"IDLE_TIMEOUT", "server.idle_timeout"},
		{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{"LOG_LEVEL", "logging.level"},
		{"LOG_PROFILE", "logging.profile"},
		{"HEALTH_ENABLED", "health.enabled"},
		{"JOB_TIMEOUT", "orchestrator.timeout"},
		{"MAX_RETRIES", "orchestrator.max_retries"},
		{"RATE_LIMIT", "orchestrator.rate_limit"},
		{"ALLOWED_IMAGES", "orchestrator.allowed_images"},
		{"SIGNATURE_VERIFIER", "verifier.signature"},
		{"REGISTRY_DRIVER", "registry.driver"},
		{"REGISTRY_DIR", "registry.dir"},
		{"REDIS_ADDR", "registry.redis.addr"},
		{"REDIS_PASSWORD", "registry.redis.password"},
		{"REDIS_DB", "registry.redis.db"},
		{"REDIS_PREFIX", "registry.redis.prefix"},
		{"REDIS_TTL", "registry.redis.ttl"},
	}
	specs := make([]envSpec, 0, len(pairs))
	for _, p := range pairs {
		specs = append(specs, envSpec{Name: EnvPrefix + "_" + p[0], Path: p[1]})
	}
	return specs
}

// getUserConfigPaths returns the directories searched for procverify.yaml
// when no config file is pinned, in search order.
func getUserConfigPaths() []string {
	paths := []string{"."}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, AppName))
	}
	return paths
}

func readConfigFile(v *viper.Viper) error {
	configMu.RLock()
	path := configPath
	configMu.RUnlock()
	if path == "" {
		path = os.Getenv(ConfigEnvVar)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName(AppName)
	for _, p := range getUserConfigPaths() {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// bindBackendEnv binds PROCVERIFY_BACKENDS_<NAME>_<KEY> variables to
// backends.<name>.<key>. Names come from the config file, plus any name
// introduced by a PROCVERIFY_BACKENDS_<NAME>_KIND variable.
func bindBackendEnv(v *viper.Viper, environ []string) error {
	names := make(map[string]struct{})
	for name := range v.GetStringMap("backends") {
		names[strings.ToLower(name)] = struct{}{}
	}

	var vars []string
	for _, kv := range environ {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, backendsEnv) {
			continue
		}
		vars = append(vars, key)
		rest := strings.TrimPrefix(key, backendsEnv)
		if name, ok := strings.CutSuffix(rest, "_KIND"); ok && name != "" {
			names[strings.ToLower(name)] = struct{}{}
		}
	}
	if len(vars) == 0 {
		return nil
	}

	// Longest name first so "ALICE_TEE" wins over "ALICE".
	ordered := make([]string, 0, len(names))
	for name := range names {
		ordered = append(ordered, name)
	}
	sort.Slice(ordered, func(i, j int) bool { return len(ordered[i]) > len(ordered[j]) })

	for _, key := range vars {
		rest := strings.TrimPrefix(key, backendsEnv)
		for _, name := range ordered {
			prefix := envName(name) + "_"
			if !strings.HasPrefix(rest, prefix) || len(rest) == len(prefix) {
				continue
			}
			path := "backends." + name + "." + strings.ToLower(strings.TrimPrefix(rest, prefix))
			if err := v.BindEnv(path, key); err != nil {
				return fmt.Errorf("bind %s: %w", key, err)
			}
			break
		}
	}
	return nil
}

func envName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func finalize(cfg *Config) error {
	if _, err := observability.ParseLevel(cfg.Logging.Level); err != nil {
		return err
	}
	if _, err := determinism.ParseVerifier(cfg.Verifier.Signature); err != nil {
		return err
	}

	cfg.Registry.Driver = strings.ToLower(strings.TrimSpace(cfg.Registry.Driver))
	switch cfg.Registry.Driver {
	case RegistryFile:
		if cfg.Registry.Dir == "" {
			cfg.Registry.Dir = filepath.Join(gfconfig.GetAppDataDir(AppName), "jobs")
		}
	case RegistryRedis:
		if cfg.Registry.Redis.Addr == "" {
			return fmt.Errorf("registry.redis.addr is required for the redis registry")
		}
	case RegistryNone, "":
		cfg.Registry.Driver = RegistryNone
	default:
		return fmt.Errorf("unknown registry driver %q", cfg.Registry.Driver)
	}

	backends := make(map[string]BackendConfig, len(cfg.Backends))
	for name, b := range cfg.Backends {
		b.Kind = strings.ToLower(strings.TrimSpace(b.Kind))
		if b.Settings == nil {
			b.Settings = map[string]any{}
		}
		backends[strings.ToLower(name)] = b
	}
	cfg.Backends = backends
	return nil
}
