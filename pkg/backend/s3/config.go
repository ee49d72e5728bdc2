// Package s3 implements a content-addressed StorageBackend on AWS S3 and
// S3-compatible stores.
package s3

import "strings"

// Kind is the registry name of this backend.
const Kind = "s3"

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// DefaultPrefix is the key prefix under which blobs are stored.
const DefaultPrefix = "procverify/blobs/"

// Config configures an S3 storage backend.
//
// Authentication priority (AWS SDK v2 default chain):
//  1. Explicit AccessKeyID/SecretAccessKey (if provided)
//  2. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  3. Shared credentials file (~/.aws/credentials)
//  4. Shared config file (~/.aws/config) with profile
//  5. EC2 instance metadata / ECS task role / EKS IRSA
//
// For S3-compatible stores (MinIO, Wasabi) set Endpoint and usually
// ForcePathStyle. No default region is applied when Endpoint is set.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string `mapstructure:"bucket"`

	// Prefix is prepended to every content key. Defaults to DefaultPrefix.
	Prefix string `mapstructure:"prefix"`

	// Region is the AWS region.
	Region string `mapstructure:"region"`

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string `mapstructure:"endpoint"`

	// Profile is the AWS profile name to use from shared config.
	Profile string `mapstructure:"profile"`

	// AccessKeyID is an explicit access key. If set, SecretAccessKey must also be set.
	AccessKeyID string `mapstructure:"access_key_id"`

	// SecretAccessKey is an explicit secret key. Required if AccessKeyID is set.
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// ForcePathStyle forces path-style URLs (bucket in path, not subdomain).
	ForcePathStyle bool `mapstructure:"force_path_style"`
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}

	// If one explicit credential is set, both must be set
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}

	if strings.Contains(c.Prefix, "..") {
		return &ConfigError{Field: "Prefix", Message: "prefix must not contain '..'"}
	}

	return nil
}

// normalizedPrefix returns the prefix with exactly one trailing slash, or ""
// for the bucket root.
func (c *Config) normalizedPrefix() string {
	p := strings.Trim(strings.TrimSpace(c.Prefix), "/")
	if c.Prefix == "" {
		p = strings.Trim(DefaultPrefix, "/")
	}
	if p == "" {
		return ""
	}
	return p + "/"
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
