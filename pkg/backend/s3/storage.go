package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/3leaps/procverify/pkg/backend"
	"github.com/3leaps/procverify/pkg/canonical"
	"github.com/3leaps/procverify/pkg/proof"
)

// MetadataContentHash is the object metadata key holding the content digest.
const MetadataContentHash = "content-sha256"

// objectAPI is the subset of the S3 client the storage backend uses.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Storage stores blobs under s3://<bucket>/<prefix><sha256-hex>.
type Storage struct {
	name   string
	client objectAPI
	bucket string
	prefix string
	logger *zap.Logger
}

var (
	_ backend.StorageBackend = (*Storage)(nil)
	_ backend.HealthChecker  = (*Storage)(nil)
)

// New creates an S3 storage backend with the given configuration.
//
// The backend uses AWS SDK v2's default credential chain unless explicit
// credentials are provided in the config.
func New(ctx context.Context, name string, cfg Config, logger *zap.Logger) (*Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &backend.BackendError{Op: "New", Backend: Kind, Ref: cfg.Bucket, Err: err}
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}

	// Custom endpoint for S3-compatible stores
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return newWithClient(name, cfg, s3.NewFromConfig(awsCfg, s3Opts...), logger), nil
}

func newWithClient(name string, cfg Config, client objectAPI, logger *zap.Logger) *Storage {
	if logger == nil {
		logger = zap.NewNop()
	}
	if name == "" {
		name = Kind
	}
	return &Storage{
		name:   name,
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.normalizedPrefix(),
		logger: logger,
	}
}

// NewFromSettings is the registry factory.
func NewFromSettings(ctx context.Context, name string, settings map[string]any, logger *zap.Logger) (backend.StorageBackend, error) {
	var cfg Config
	if err := backend.DecodeSettings(settings, &cfg); err != nil {
		return nil, err
	}
	return New(ctx, name, cfg, logger)
}

// loadAWSConfig builds the AWS configuration with appropriate credentials.
func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	// Let the SDK resolve region from env/profile unless set explicitly.
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		opts = append(opts, config.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Region, cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// Name returns the configured backend name.
func (s *Storage) Name() string {
	return s.name
}

// Put stores data under the hex SHA-256 of its bytes.
func (s *Storage) Put(ctx context.Context, data []byte, metadata map[string]string) (*backend.StoragePutResult, error) {
	hash := canonical.Hash(data)
	key := s.prefix + strings.TrimPrefix(hash, canonical.HashPrefix)
	uri := s.uriFor(key)

	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[strings.ToLower(k)] = v
	}
	meta[MetadataContentHash] = hash

	size := int64(len(data))
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: &size,
		ContentType:   aws.String("application/octet-stream"),
		Metadata:      meta,
	})
	if err != nil {
		return nil, s.wrapError("Put", key, err)
	}

	s.logger.Debug("Stored object", zap.String("uri", uri), zap.Int64("size", size))
	return &backend.StoragePutResult{
		URI: uri,
		Proof: proof.StorageProof{
			Method:      proof.StorageMethodSHA256,
			ContentHash: hash,
			Size:        size,
			StorageURI:  uri,
			Timestamp:   time.Now().UTC(),
		},
	}, nil
}

// Get downloads uri and verifies it against the digest its key names.
func (s *Storage) Get(ctx context.Context, uri string) ([]byte, error) {
	key, err := s.keyFromURI(uri)
	if err != nil {
		return nil, backend.Wrap(s.name, "Get", uri, err)
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, s.wrapError("Get", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, s.wrapError("Get", key, fmt.Errorf("%w: read body: %v", backend.ErrBackendUnavailable, err))
	}

	sp := proof.StorageProof{Method: proof.StorageMethodSHA256, ContentHash: hashFromKey(key), StorageURI: s.uriFor(key)}
	if err := sp.VerifyContent(data); err != nil {
		s.logger.Warn("Object failed verification", zap.String("uri", sp.StorageURI))
		return nil, err
	}
	return data, nil
}

// Exists reports whether uri is stored.
func (s *Storage) Exists(ctx context.Context, uri string) (bool, error) {
	key, err := s.keyFromURI(uri)
	if err != nil {
		return false, nil
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		wrapped := s.wrapError("Exists", key, err)
		if backend.IsNotFound(wrapped) {
			return false, nil
		}
		return false, wrapped
	}
	return true, nil
}

// GetProof builds the storage proof from object metadata.
func (s *Storage) GetProof(ctx context.Context, uri string) (*proof.StorageProof, error) {
	key, err := s.keyFromURI(uri)
	if err != nil {
		return nil, backend.Wrap(s.name, "GetProof", uri, err)
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, s.wrapError("GetProof", key, err)
	}

	hash := hashFromKey(key)
	if recorded := out.Metadata[MetadataContentHash]; recorded != "" && !canonical.EqualHash(recorded, hash) {
		return nil, &backend.IntegrityError{URI: s.uriFor(key), Expected: hash, Actual: recorded}
	}
	return &proof.StorageProof{
		Method:      proof.StorageMethodSHA256,
		ContentHash: hash,
		Size:        aws.ToInt64(out.ContentLength),
		StorageURI:  s.uriFor(key),
		Timestamp:   aws.ToTime(out.LastModified).UTC(),
	}, nil
}

// Health checks the bucket is reachable.
func (s *Storage) Health(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return s.wrapError("Health", "", err)
	}
	return nil
}

func (s *Storage) uriFor(key string) string {
	return "s3://" + s.bucket + "/" + key
}

// keyFromURI accepts s3://<bucket>/<prefix><hex> for this backend's bucket.
func (s *Storage) keyFromURI(uri string) (string, error) {
	norm := canonical.NormalizeURI(uri)
	want := "s3://" + s.bucket + "/"
	if !strings.HasPrefix(norm, want) {
		return "", backend.ErrNotFound
	}
	key := norm[len(want):]
	if !strings.HasPrefix(key, s.prefix) {
		return "", backend.ErrNotFound
	}
	digest := key[len(s.prefix):]
	if len(digest) != 64 || strings.Trim(digest, "0123456789abcdef") != "" {
		return "", backend.ErrNotFound
	}
	return key, nil
}

func hashFromKey(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		key = key[i+1:]
	}
	return canonical.HashPrefix + key
}

// wrapError converts S3 errors to backend errors with appropriate sentinels.
func (s *Storage) wrapError(op, key string, err error) error {
	ref := s.bucket
	if key != "" {
		ref = s.uriFor(key)
	}
	wrapped := &backend.BackendError{Op: op, Backend: s.name, Ref: ref, Err: err}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return wrapped
	}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket
	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		wrapped.Err = backend.ErrNotFound
		return wrapped
	case errors.As(err, &noSuchBucket):
		wrapped.Err = fmt.Errorf("%w: bucket %s does not exist", backend.ErrBackendUnavailable, s.bucket)
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			wrapped.Err = backend.ErrNotFound
		case "NoSuchBucket":
			wrapped.Err = fmt.Errorf("%w: bucket %s does not exist", backend.ErrBackendUnavailable, s.bucket)
		case "SlowDown", "Throttling", "RequestLimitExceeded", "ServiceUnavailable", "InternalError":
			wrapped.Err = fmt.Errorf("%w: %s", backend.ErrBackendUnavailable, apiErr.ErrorCode())
		}
		return wrapped
	}

	// Fallback: check error message for common cases
	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "NoSuchKey") || strings.Contains(errMsg, "NotFound") || strings.Contains(errMsg, "404"):
		wrapped.Err = backend.ErrNotFound
	case strings.Contains(errMsg, "SlowDown") || strings.Contains(errMsg, "ServiceUnavailable") || strings.Contains(errMsg, "503"):
		wrapped.Err = fmt.Errorf("%w: %v", backend.ErrBackendUnavailable, err)
	}
	return wrapped
}

// resolveRegion applies the us-east-1 fallback for AWS S3 when neither
// config, environment nor profile set a region. S3-compatible endpoints get
// no default.
func resolveRegion(cfgRegion, endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if cfgRegion != "" {
		return cfgRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
