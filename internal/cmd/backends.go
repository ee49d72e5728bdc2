package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/procverify/internal/config"
	"github.com/3leaps/procverify/pkg/backend"
	"github.com/3leaps/procverify/pkg/backend/eigen"
	"github.com/3leaps/procverify/pkg/backend/local"
	"github.com/3leaps/procverify/pkg/backend/pinata"
	"github.com/3leaps/procverify/pkg/backend/s3"
	"github.com/3leaps/procverify/pkg/jobregistry"
)

// newBackendRegistry returns a registry with every built-in adapter.
func newBackendRegistry() *backend.Registry {
	r := backend.NewRegistry()
	r.RegisterCompute(local.Kind, local.NewComputeFromSettings)
	r.RegisterCompute("eigen", eigen.NewFromSettings)
	r.RegisterStorage(local.Kind, local.NewStorageFromSettings)
	r.RegisterStorage("pinata", pinata.NewFromSettings)
	r.RegisterStorage("s3", s3.NewFromSettings)

	r.Alias("eigencompute", "eigen")
	r.Alias("ipfs", "pinata")
	r.Alias("memory", local.Kind)
	return r
}

// resolveBackend returns the kind and settings of a named backend. A name
// that is not configured but is itself a registered kind is used with empty
// settings, so "local" works without any configuration.
func resolveBackend(cfg *config.Config, name string, isKind func(string) bool) (config.BackendConfig, error) {
	bc, err := cfg.Backend(name)
	if err == nil {
		return bc, nil
	}
	if kind := strings.ToLower(strings.TrimSpace(name)); isKind(kind) {
		return config.BackendConfig{Kind: kind, Settings: map[string]any{}}, nil
	}
	return config.BackendConfig{}, err
}

func buildCompute(ctx context.Context, cfg *config.Config, reg *backend.Registry, name string, logger *zap.Logger) (backend.ComputeBackend, error) {
	bc, err := resolveBackend(cfg, name, reg.IsCompute)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Unknown compute backend", err)
	}
	b, err := reg.NewCompute(ctx, bc.Kind, name, bc.Settings, logger)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, fmt.Sprintf("Failed to create compute backend %s", name), err)
	}
	return b, nil
}

func buildStorage(ctx context.Context, cfg *config.Config, reg *backend.Registry, name string, logger *zap.Logger) (backend.StorageBackend, error) {
	bc, err := resolveBackend(cfg, name, reg.IsStorage)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Unknown storage backend", err)
	}
	b, err := reg.NewStorage(ctx, bc.Kind, name, bc.Settings, logger)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, fmt.Sprintf("Failed to create storage backend %s", name), err)
	}
	return b, nil
}

// openJobStore returns the configured job registry, or nil when disabled.
// The returned close func is never nil.
func openJobStore(cfg *config.Config) (jobregistry.Store, func(), error) {
	switch cfg.Registry.Driver {
	case config.RegistryFile:
		return jobregistry.NewFileStore(cfg.Registry.Dir), func() {}, nil
	case config.RegistryRedis:
		s := jobregistry.NewRedisStore(cfg.Registry.Redis)
		return s, func() { _ = s.Close() }, nil
	case config.RegistryNone:
		return nil, func() {}, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown registry driver %q", cfg.Registry.Driver)
	}
}

// backendHealthChecker adapts a backend to the health manager.
type backendHealthChecker struct {
	backend any
}

func (c backendHealthChecker) CheckHealth(ctx context.Context) error {
	hc, ok := c.backend.(backend.HealthChecker)
	if !ok {
		return nil
	}
	return hc.Health(ctx)
}
