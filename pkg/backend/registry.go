package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap"
)

// ComputeFactory builds a compute backend from its settings block.
type ComputeFactory func(ctx context.Context, name string, settings map[string]any, logger *zap.Logger) (ComputeBackend, error)

// StorageFactory builds a storage backend from its settings block.
type StorageFactory func(ctx context.Context, name string, settings map[string]any, logger *zap.Logger) (StorageBackend, error)

// Registry maps provider kinds to backend factories.
//
// A Registry is an ordinary value: callers build one, register the kinds
// they support and pass it to whatever constructs backends. There is no
// process-wide default.
type Registry struct {
	mu      sync.RWMutex
	compute map[string]ComputeFactory
	storage map[string]StorageFactory
	aliases map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		compute: make(map[string]ComputeFactory),
		storage: make(map[string]StorageFactory),
		aliases: make(map[string]string),
	}
}

// RegisterCompute registers a compute factory for kind.
func (r *Registry) RegisterCompute(kind string, f ComputeFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compute[normalizeKind(kind)] = f
}

// RegisterStorage registers a storage factory for kind.
func (r *Registry) RegisterStorage(kind string, f StorageFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storage[normalizeKind(kind)] = f
}

// Alias makes alias resolve to kind.
func (r *Registry) Alias(alias, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[normalizeKind(alias)] = normalizeKind(kind)
}

// NewCompute builds a compute backend of the given kind.
func (r *Registry) NewCompute(ctx context.Context, kind, name string, settings map[string]any, logger *zap.Logger) (ComputeBackend, error) {
	r.mu.RLock()
	resolved := r.resolve(kind)
	f, ok := r.compute[resolved]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown compute backend kind %q (available: %s)", kind, strings.Join(r.ComputeKinds(), ", "))
	}
	if name == "" {
		name = resolved
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return f(ctx, name, settings, logger.With(zap.String("backend", name)))
}

// NewStorage builds a storage backend of the given kind.
func (r *Registry) NewStorage(ctx context.Context, kind, name string, settings map[string]any, logger *zap.Logger) (StorageBackend, error) {
	r.mu.RLock()
	resolved := r.resolve(kind)
	f, ok := r.storage[resolved]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown storage backend kind %q (available: %s)", kind, strings.Join(r.StorageKinds(), ", "))
	}
	if name == "" {
		name = resolved
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return f(ctx, name, settings, logger.With(zap.String("backend", name)))
}

// ComputeKinds returns the registered compute kinds, sorted.
func (r *Registry) ComputeKinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.compute))
	for k := range r.compute {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// StorageKinds returns the registered storage kinds, sorted.
func (r *Registry) StorageKinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.storage))
	for k := range r.storage {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// IsCompute reports whether kind, after alias resolution, is a registered
// compute kind.
func (r *Registry) IsCompute(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.compute[r.resolve(kind)]
	return ok
}

// IsStorage reports whether kind, after alias resolution, is a registered
// storage kind.
func (r *Registry) IsStorage(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.storage[r.resolve(kind)]
	return ok
}

func (r *Registry) resolve(kind string) string {
	k := normalizeKind(kind)
	if target, ok := r.aliases[k]; ok {
		return target
	}
	return k
}

func normalizeKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}

// DecodeSettings decodes a loosely typed settings block into out.
//
// Durations accept Go duration strings ("30s") and comma separated strings
// decode into slices, matching how values arrive from config files and
// environment variables.
func DecodeSettings(settings map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           out,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(settings); err != nil {
		return fmt.Errorf("decode backend settings: %w", err)
	}
	return nil
}
