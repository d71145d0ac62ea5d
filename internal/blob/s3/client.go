// Package s3blob keeps archived settlement history in an S3-compatible
// bucket. Any provider reachable through AWS SDK v2 works: AWS itself,
// MinIO, R2 or iDrive e2.
package s3blob

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ClientConfig describes the bucket the archive lives in.
type ClientConfig struct {
	// Endpoint overrides the AWS endpoint for compatible providers. A bare
	// host gets a scheme chosen by UseSSL.
	Endpoint string
	Region   string
	Bucket   string

	// Static credentials. Both empty falls back to the default AWS chain.
	AccessKey string
	SecretKey string

	UseSSL         bool
	ForcePathStyle bool

	// Prefix namespaces every object so deployments can share a bucket.
	Prefix string
}

// Client binds an SDK client to one bucket and key prefix. Reader and
// Writer are thin views over it.
type Client struct {
	api    *s3.Client
	bucket string
	prefix string
}

// New builds a Client. It performs no network calls; use Health to probe the
// bucket.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	switch {
	case cfg.Bucket == "":
		return nil, errors.New("s3blob: bucket name is required")
	case cfg.Region == "":
		return nil, errors.New("s3blob: region is required")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3blob: load aws config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(normaliseEndpoint(cfg.Endpoint, cfg.UseSSL))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &Client{api: api, bucket: cfg.Bucket, prefix: normalisePrefix(cfg.Prefix)}, nil
}

// Health issues HeadBucket. It serves as the "s3" readiness check.
func (c *Client) Health(ctx context.Context) error {
	if _, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)}); err != nil {
		return fmt.Errorf("s3blob: head bucket %s: %w", c.bucket, err)
	}
	return nil
}

// Close exists so the client can sit in the app's closer list.
func (c *Client) Close() error { return nil }

// Key maps an archive path to its object key.
func (c *Client) Key(path string) string {
	return c.prefix + strings.TrimLeft(path, "/")
}

// Path maps an object key back to its archive path.
func (c *Client) Path(key string) string {
	return strings.TrimPrefix(key, c.prefix)
}

func normalisePrefix(p string) string {
	if p = strings.Trim(p, "/"); p != "" {
		return p + "/"
	}
	return ""
}

func normaliseEndpoint(endpoint string, useSSL bool) string {
	if u, err := url.Parse(endpoint); err == nil && u.Scheme != "" {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}
