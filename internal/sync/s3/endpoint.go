// Package s3 sends photo evidence straight to an S3-compatible bucket
// (MinIO, AWS S3 or Cloudflare R2) instead of the remote photo endpoints.
package s3

import (
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
)

// Provider selects endpoint conventions.
type Provider string

const (
	ProviderMinIO Provider = "minio"
	ProviderAWS   Provider = "aws"
	ProviderR2    Provider = "r2"
)

// AWS regional endpoints for the regions tour operators run in.
var awsEndpoints = map[string]string{
	"us-east-1":      "s3.amazonaws.com",
	"us-west-2":      "s3.us-west-2.amazonaws.com",
	"eu-west-1":      "s3.eu-west-1.amazonaws.com",
	"eu-central-1":   "s3.eu-central-1.amazonaws.com",
	"ap-northeast-1": "s3.ap-northeast-1.amazonaws.com",
	"ap-southeast-1": "s3.ap-southeast-1.amazonaws.com",
	"ap-southeast-2": "s3.ap-southeast-2.amazonaws.com",
	"ap-southeast-3": "s3.ap-southeast-3.amazonaws.com",
	"ap-south-1":     "s3.ap-south-1.amazonaws.com",
}

// Config describes the bucket photos are written to.
type Config struct {
	Provider Provider `yaml:"provider"`
	// Endpoint is host[:port], optionally with a scheme. Required for
	// MinIO; derived for AWS and R2.
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccountID string `yaml:"account_id"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	// Prefix is prepended to every object key.
	Prefix string `yaml:"prefix"`
	// PublicBaseURL, when set, is used to build the URL recorded for an
	// uploaded photo instead of the API endpoint.
	PublicBaseURL string `yaml:"public_base_url"`
}

// resolved is the connection target derived from a Config.
type resolved struct {
	host   string
	secure bool
	region string
	lookup minio.BucketLookupType
}

func resolve(cfg Config) (resolved, error) {
	if cfg.Bucket == "" {
		return resolved{}, fmt.Errorf("bucket is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return resolved{}, fmt.Errorf("access key and secret key are required")
	}

	switch cfg.Provider {
	case ProviderAWS:
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		host, ok := awsEndpoints[region]
		if !ok {
			host = fmt.Sprintf("s3.%s.amazonaws.com", region)
		}
		return resolved{host: host, secure: true, region: region, lookup: minio.BucketLookupDNS}, nil

	case ProviderR2:
		if !ValidR2AccountID(cfg.AccountID) {
			return resolved{}, fmt.Errorf("invalid R2 account id %q", cfg.AccountID)
		}
		return resolved{
			host:   cfg.AccountID + ".r2.cloudflarestorage.com",
			secure: true,
			region: "auto",
			lookup: minio.BucketLookupPath,
		}, nil

	case ProviderMinIO, "":
		host, secure, err := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
		if err != nil {
			return resolved{}, err
		}
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return resolved{host: host, secure: secure, region: region, lookup: minio.BucketLookupPath}, nil

	default:
		return resolved{}, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// Validate checks that cfg names a reachable bucket for its provider.
func (c Config) Validate() error {
	_, err := resolve(c)
	return err
}

// splitEndpoint strips an optional scheme, which minio-go does not accept,
// and lets it override useSSL.
func splitEndpoint(endpoint string, useSSL bool) (string, bool, error) {
	endpoint = strings.TrimSpace(endpoint)
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint, useSSL = strings.TrimPrefix(endpoint, "https://"), true
	case strings.HasPrefix(endpoint, "http://"):
		endpoint, useSSL = strings.TrimPrefix(endpoint, "http://"), false
	}
	endpoint = strings.TrimSuffix(endpoint, "/")
	if endpoint == "" {
		return "", false, fmt.Errorf("endpoint cannot be empty")
	}
	if strings.Contains(endpoint, "/") {
		return "", false, fmt.Errorf("endpoint %q must not contain a path", endpoint)
	}
	return endpoint, useSSL, nil
}

// ValidR2AccountID reports whether id looks like a Cloudflare account id
// (32 hex characters).
func ValidR2AccountID(id string) bool {
	if len(id) != 32 {
		return false
	}
	for _, c := range id {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
