package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/procverify/pkg/backend"
	"github.com/3leaps/procverify/pkg/canonical"
	"github.com/3leaps/procverify/pkg/proof"
)

// StorageConfig configures a local storage backend.
type StorageConfig struct {
	// Dir persists blobs and proofs under this directory. Empty keeps
	// everything in memory.
	Dir string `mapstructure:"dir"`

	// Method is the content hash method: ipfs-cid (default), sha256 or
	// merkle-proof.
	Method string `mapstructure:"method"`

	// Scheme prefixes returned URIs. Defaults to "ipfs" for CIDs, "0g" for
	// Merkle roots and "local" otherwise.
	Scheme string `mapstructure:"scheme"`
}

// Storage is a content-addressed StorageBackend.
//
// Directory layout:
//
//	<dir>/blobs/<key>
//	<dir>/proofs/<key>.json
type Storage struct {
	name   string
	method string
	scheme string
	dir    string
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	blobs  map[string][]byte
	proofs map[string]proof.StorageProof
}

var (
	_ backend.StorageBackend = (*Storage)(nil)
	_ backend.HealthChecker  = (*Storage)(nil)
)

// NewStorage creates a local storage backend.
func NewStorage(name string, cfg StorageConfig, logger *zap.Logger) (*Storage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if name == "" {
		name = Kind
	}
	method := strings.TrimSpace(cfg.Method)
	if method == "" {
		method = proof.StorageMethodCID
	}
	scheme := strings.ToLower(strings.TrimSpace(cfg.Scheme))
	switch method {
	case proof.StorageMethodCID:
		if scheme == "" {
			scheme = "ipfs"
		}
	case proof.StorageMethodMerkle:
		if scheme == "" {
			scheme = "0g"
		}
	case proof.StorageMethodSHA256:
		if scheme == "" {
			scheme = "local"
		}
	default:
		return nil, fmt.Errorf("local storage: unsupported method %q", cfg.Method)
	}

	s := &Storage{
		name:   name,
		method: method,
		scheme: canonical.URIScheme(scheme + "://x"),
		dir:    strings.TrimSpace(cfg.Dir),
		logger: logger,
		now:    time.Now,
		blobs:  map[string][]byte{},
		proofs: map[string]proof.StorageProof{},
	}
	if s.dir != "" {
		for _, sub := range []string{"blobs", "proofs"} {
			if err := os.MkdirAll(filepath.Join(s.dir, sub), 0755); err != nil {
				return nil, fmt.Errorf("local storage: create %s dir: %w", sub, err)
			}
		}
	}
	return s, nil
}

// NewStorageFromSettings is the registry factory for local storage.
func NewStorageFromSettings(_ context.Context, name string, settings map[string]any, logger *zap.Logger) (backend.StorageBackend, error) {
	var cfg StorageConfig
	if err := backend.DecodeSettings(settings, &cfg); err != nil {
		return nil, err
	}
	return NewStorage(name, cfg, logger)
}

// Name returns the configured backend name.
func (s *Storage) Name() string {
	return s.name
}

// Health checks the storage directory is present.
func (s *Storage) Health(context.Context) error {
	if s.dir == "" {
		return nil
	}
	if _, err := os.Stat(s.dir); err != nil {
		return backend.Wrap(s.name, "Health", s.dir, fmt.Errorf("%w: %v", backend.ErrBackendUnavailable, err))
	}
	return nil
}

// Put stores data under its content hash.
func (s *Storage) Put(_ context.Context, data []byte, _ map[string]string) (*backend.StoragePutResult, error) {
	hash, err := proof.ContentHash(s.method, data)
	if err != nil {
		return nil, backend.Wrap(s.name, "Put", "", err)
	}
	key := keyFromHash(hash)
	uri := s.scheme + "://" + key

	sp := proof.StorageProof{
		Method:      s.method,
		ContentHash: hash,
		Size:        int64(len(data)),
		StorageURI:  uri,
		Timestamp:   s.now().UTC(),
	}
	if s.method == proof.StorageMethodMerkle {
		sp.MerkleProof = proof.MerklePath(proof.Chunk(data, proof.DefaultChunkSize), 0)
	}

	if s.dir != "" {
		if err := writeFileAtomic(s.blobPath(key), data); err != nil {
			return nil, backend.Wrap(s.name, "Put", uri, err)
		}
		b, err := json.MarshalIndent(sp, "", "  ")
		if err != nil {
			return nil, backend.Wrap(s.name, "Put", uri, err)
		}
		if err := writeFileAtomic(s.proofPath(key), append(b, '\n')); err != nil {
			return nil, backend.Wrap(s.name, "Put", uri, err)
		}
	} else {
		s.mu.Lock()
		s.blobs[key] = append([]byte(nil), data...)
		s.proofs[key] = sp
		s.mu.Unlock()
	}

	s.logger.Debug("Stored blob", zap.String("uri", uri), zap.Int("size", len(data)))
	return &backend.StoragePutResult{URI: uri, Proof: sp}, nil
}

// Get returns the blob stored under uri after verifying it against the
// content hash the URI names.
func (s *Storage) Get(_ context.Context, uri string) ([]byte, error) {
	key, ok := s.keyFromURI(uri)
	if !ok {
		return nil, backend.Wrap(s.name, "Get", uri, backend.ErrNotFound)
	}

	data, err := s.readBlob(key)
	if err != nil {
		return nil, backend.Wrap(s.name, "Get", uri, err)
	}

	expected := proof.StorageProof{
		Method:      s.method,
		ContentHash: hashFromKey(s.method, key),
		StorageURI:  canonical.NormalizeURI(uri),
	}
	if err := expected.VerifyContent(data); err != nil {
		s.logger.Warn("Stored blob failed verification", zap.String("uri", uri), zap.Error(err))
		return nil, err
	}
	return data, nil
}

// Exists reports whether uri is stored.
func (s *Storage) Exists(_ context.Context, uri string) (bool, error) {
	key, ok := s.keyFromURI(uri)
	if !ok {
		return false, nil
	}
	if s.dir != "" {
		_, err := os.Stat(s.blobPath(key))
		if err == nil {
			return true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, backend.Wrap(s.name, "Exists", uri, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, found := s.blobs[key]
	return found, nil
}

// GetProof returns the proof recorded when uri was stored.
func (s *Storage) GetProof(_ context.Context, uri string) (*proof.StorageProof, error) {
	key, ok := s.keyFromURI(uri)
	if !ok {
		return nil, backend.Wrap(s.name, "GetProof", uri, backend.ErrNotFound)
	}
	if s.dir != "" {
		b, err := os.ReadFile(s.proofPath(key))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, backend.Wrap(s.name, "GetProof", uri, backend.ErrNotFound)
			}
			return nil, backend.Wrap(s.name, "GetProof", uri, err)
		}
		var sp proof.StorageProof
		if err := json.Unmarshal(b, &sp); err != nil {
			return nil, backend.Wrap(s.name, "GetProof", uri, fmt.Errorf("parse proof: %w", err))
		}
		return &sp, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, found := s.proofs[key]
	if !found {
		return nil, backend.Wrap(s.name, "GetProof", uri, backend.ErrNotFound)
	}
	return &sp, nil
}

func (s *Storage) readBlob(key string) ([]byte, error) {
	if s.dir != "" {
		b, err := os.ReadFile(s.blobPath(key))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, backend.ErrNotFound
			}
			return nil, err
		}
		return b, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

// keyFromURI accepts "<scheme>://<key>" for this backend's scheme or a bare key.
func (s *Storage) keyFromURI(uri string) (string, bool) {
	norm := canonical.NormalizeURI(uri)
	if scheme := canonical.URIScheme(norm); scheme != "" {
		if scheme != s.scheme {
			return "", false
		}
		norm = norm[len(scheme)+len("://"):]
	}
	if norm == "" || strings.ContainsAny(norm, `/\`) || norm == "." || norm == ".." {
		return "", false
	}
	return norm, true
}

func (s *Storage) blobPath(key string) string {
	return filepath.Join(s.dir, "blobs", key)
}

func (s *Storage) proofPath(key string) string {
	return filepath.Join(s.dir, "proofs", key+".json")
}

func keyFromHash(hash string) string {
	return strings.TrimPrefix(hash, canonical.HashPrefix)
}

func hashFromKey(method, key string) string {
	if method == proof.StorageMethodCID {
		return key
	}
	return canonical.HashPrefix + key
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
