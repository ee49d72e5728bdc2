// Package pinata implements a StorageBackend that pins content to IPFS
// through the Pinata pinning API and reads it back through a gateway.
//
// Content is pinned as CIDv1 with raw leaves and limited to a single block,
// so the returned CID is the raw sha2-256 multihash of the bytes and can be
// recomputed locally on every fetch.
package pinata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/procverify/pkg/backend"
	"github.com/3leaps/procverify/pkg/canonical"
	"github.com/3leaps/procverify/pkg/proof"
)

// Kind is the registry name of this backend.
const Kind = "pinata"

// MaxBlockSize is the largest blob pinned as a single raw block.
const MaxBlockSize = 256 << 10

// ErrBlockTooLarge reports content larger than MaxBlockSize, on Put or from
// the gateway.
var ErrBlockTooLarge = errors.New("block exceeds size limit")

// Defaults for the public Pinata endpoints.
const (
	DefaultAPIURL     = "https://api.pinata.cloud"
	DefaultGatewayURL = "https://gateway.pinata.cloud"
)

// Config configures a Pinata storage backend.
type Config struct {
	// JWT is the Pinata API token.
	JWT string `mapstructure:"jwt"`

	// APIURL and GatewayURL override the public endpoints.
	APIURL     string `mapstructure:"api_url"`
	GatewayURL string `mapstructure:"gateway_url"`

	// RequestTimeout bounds each HTTP request.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Storage is a Pinata-backed StorageBackend.
type Storage struct {
	name       string
	jwt        string
	apiURL     string
	gatewayURL string
	http       *http.Client
	logger     *zap.Logger
}

var (
	_ backend.StorageBackend = (*Storage)(nil)
	_ backend.HealthChecker  = (*Storage)(nil)
)

// New creates a Pinata storage backend. httpClient may be nil.
func New(name string, cfg Config, httpClient *http.Client, logger *zap.Logger) (*Storage, error) {
	if strings.TrimSpace(cfg.JWT) == "" {
		return nil, fmt.Errorf("pinata config: jwt is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if name == "" {
		name = Kind
	}
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	gatewayURL := strings.TrimRight(cfg.GatewayURL, "/")
	if gatewayURL == "" {
		gatewayURL = DefaultGatewayURL
	}
	if httpClient == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Storage{
		name:       name,
		jwt:        cfg.JWT,
		apiURL:     apiURL,
		gatewayURL: gatewayURL,
		http:       httpClient,
		logger:     logger,
	}, nil
}

// NewFromSettings is the registry factory.
func NewFromSettings(_ context.Context, name string, settings map[string]any, logger *zap.Logger) (backend.StorageBackend, error) {
	var cfg Config
	if err := backend.DecodeSettings(settings, &cfg); err != nil {
		return nil, err
	}
	return New(name, cfg, nil, logger)
}

// Name returns the configured backend name.
func (s *Storage) Name() string {
	return s.name
}

type pinResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

// Put pins data and checks the provider's CID against the local one.
func (s *Storage) Put(ctx context.Context, data []byte, metadata map[string]string) (*backend.StoragePutResult, error) {
	if len(data) > MaxBlockSize {
		return nil, backend.Wrap(s.name, "Put", "", fmt.Errorf("%w: content is %d bytes, limit is %d", ErrBlockTooLarge, len(data), MaxBlockSize))
	}
	expected, err := proof.RawCID(data)
	if err != nil {
		return nil, backend.Wrap(s.name, "Put", "", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", expected.String())
	if err != nil {
		return nil, backend.Wrap(s.name, "Put", "", err)
	}
	if _, err := fw.Write(data); err != nil {
		return nil, backend.Wrap(s.name, "Put", "", err)
	}
	opts, _ := json.Marshal(map[string]any{"cidVersion": 1})
	if err := mw.WriteField("pinataOptions", string(opts)); err != nil {
		return nil, backend.Wrap(s.name, "Put", "", err)
	}
	if len(metadata) > 0 {
		meta, _ := json.Marshal(map[string]any{"name": expected.String(), "keyvalues": metadata})
		if err := mw.WriteField("pinataMetadata", string(meta)); err != nil {
			return nil, backend.Wrap(s.name, "Put", "", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, backend.Wrap(s.name, "Put", "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+"/pinning/pinFileToIPFS", &body)
	if err != nil {
		return nil, backend.Wrap(s.name, "Put", "", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out pinResponse
	if err := s.doJSON(req, &out); err != nil {
		return nil, backend.Wrap(s.name, "Put", "", err)
	}

	uri := "ipfs://" + out.IpfsHash
	if out.IpfsHash != expected.String() {
		return nil, &backend.IntegrityError{URI: uri, Expected: expected.String(), Actual: out.IpfsHash}
	}

	ts := time.Now().UTC()
	if t, err := time.Parse(time.RFC3339, out.Timestamp); err == nil {
		ts = t.UTC()
	}
	sp := proof.StorageProof{
		Method:      proof.StorageMethodCID,
		ContentHash: out.IpfsHash,
		Size:        int64(len(data)),
		StorageURI:  uri,
		Timestamp:   ts,
	}
	s.logger.Debug("Pinned content", zap.String("uri", uri), zap.Int("size", len(data)))
	return &backend.StoragePutResult{URI: uri, Proof: sp}, nil
}

// Get fetches uri from the gateway and verifies it against its CID.
func (s *Storage) Get(ctx context.Context, uri string) ([]byte, error) {
	c, err := cidFromURI(uri)
	if err != nil {
		return nil, backend.Wrap(s.name, "Get", uri, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.gatewayURL+"/ipfs/"+url.PathEscape(c), nil)
	if err != nil {
		return nil, backend.Wrap(s.name, "Get", uri, err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, backend.Wrap(s.name, "Get", uri, transportError(ctx, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, backend.Wrap(s.name, "Get", uri, statusError(resp.StatusCode))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBlockSize+1))
	if err != nil {
		return nil, backend.Wrap(s.name, "Get", uri, fmt.Errorf("%w: %v", backend.ErrBackendUnavailable, err))
	}
	if len(data) > MaxBlockSize {
		s.logger.Warn("Gateway returned more than one block", zap.String("uri", uri), zap.Int("limit", MaxBlockSize))
		return nil, backend.Wrap(s.name, "Get", uri, fmt.Errorf("%w: gateway body exceeds %d bytes", ErrBlockTooLarge, MaxBlockSize))
	}

	sp := proof.StorageProof{Method: proof.StorageMethodCID, ContentHash: c, StorageURI: "ipfs://" + c}
	if err := sp.VerifyContent(data); err != nil {
		s.logger.Warn("Gateway returned content that does not match its CID", zap.String("uri", uri))
		return nil, err
	}
	return data, nil
}

type pinListResponse struct {
	Count int `json:"count"`
	Rows  []struct {
		IpfsPinHash string `json:"ipfs_pin_hash"`
		Size        int64  `json:"size"`
		DatePinned  string `json:"date_pinned"`
	} `json:"rows"`
}

func (s *Storage) pinned(ctx context.Context, c string) (*pinListResponse, error) {
	q := url.Values{}
	q.Set("hashContains", c)
	q.Set("status", "pinned")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiURL+"/data/pinList?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var out pinListResponse
	if err := s.doJSON(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Exists reports whether uri is pinned.
func (s *Storage) Exists(ctx context.Context, uri string) (bool, error) {
	c, err := cidFromURI(uri)
	if err != nil {
		return false, nil
	}
	out, err := s.pinned(ctx, c)
	if err != nil {
		return false, backend.Wrap(s.name, "Exists", uri, err)
	}
	for _, row := range out.Rows {
		if row.IpfsPinHash == c {
			return true, nil
		}
	}
	return false, nil
}

// GetProof returns the storage proof of a pinned CID.
func (s *Storage) GetProof(ctx context.Context, uri string) (*proof.StorageProof, error) {
	c, err := cidFromURI(uri)
	if err != nil {
		return nil, backend.Wrap(s.name, "GetProof", uri, err)
	}
	out, err := s.pinned(ctx, c)
	if err != nil {
		return nil, backend.Wrap(s.name, "GetProof", uri, err)
	}
	for _, row := range out.Rows {
		if row.IpfsPinHash != c {
			continue
		}
		sp := &proof.StorageProof{
			Method:      proof.StorageMethodCID,
			ContentHash: c,
			Size:        row.Size,
			StorageURI:  "ipfs://" + c,
		}
		if t, err := time.Parse(time.RFC3339, row.DatePinned); err == nil {
			sp.Timestamp = t.UTC()
		}
		return sp, nil
	}
	return nil, backend.Wrap(s.name, "GetProof", uri, backend.ErrNotFound)
}

// Health checks the API token.
func (s *Storage) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiURL+"/data/testAuthentication", nil)
	if err != nil {
		return err
	}
	if err := s.doJSON(req, nil); err != nil {
		return backend.Wrap(s.name, "Health", "", err)
	}
	return nil
}

func (s *Storage) doJSON(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+s.jwt)
	req.Header.Set("Accept", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return transportError(req.Context(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// cidFromURI accepts ipfs://<cid> or a bare CID.
func cidFromURI(uri string) (string, error) {
	norm := canonical.NormalizeURI(uri)
	if scheme := canonical.URIScheme(norm); scheme != "" {
		if scheme != "ipfs" {
			return "", backend.ErrNotFound
		}
		norm = norm[len("ipfs://"):]
	}
	if norm == "" || strings.ContainsAny(norm, "/?#") {
		return "", backend.ErrNotFound
	}
	return norm, nil
}

func transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %v", backend.ErrBackendUnavailable, err)
}

func statusError(status int) error {
	switch {
	case status == http.StatusNotFound:
		return backend.ErrNotFound
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: http %d", backend.ErrBackendUnavailable, status)
	default:
		return fmt.Errorf("unexpected http status %d", status)
	}
}
