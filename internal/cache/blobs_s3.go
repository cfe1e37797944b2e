package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config addresses an S3-compatible bucket holding snapshot archives.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// S3ConfigFromEnv fills credentials from the named environment variables.
func S3ConfigFromEnv(cfg S3Config, accessKeyEnv, secretKeyEnv string) S3Config {
	cfg.AccessKey = os.Getenv(accessKeyEnv)
	cfg.SecretKey = os.Getenv(secretKeyEnv)
	return cfg
}

// Validate checks that the configuration can reach a bucket.
func (c S3Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	return nil
}

// S3Blobs keeps archives in an S3-compatible object store.
type S3Blobs struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Blobs connects to the configured endpoint.
func NewS3Blobs(cfg S3Config) (*S3Blobs, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &S3Blobs{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (b *S3Blobs) EnsureBucket(ctx context.Context, region string) error {
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	return b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{Region: region})
}

func (b *S3Blobs) key(digest string) string {
	return path.Join(b.prefix, digest[:min(2, len(digest))], digest+".tar.zst")
}

func (b *S3Blobs) Put(ctx context.Context, digest string, r io.Reader, size int64) error {
	opts := minio.PutObjectOptions{ContentType: "application/zstd"}
	if _, err := b.client.PutObject(ctx, b.bucket, b.key(digest), r, size, opts); err != nil {
		return fmt.Errorf("put blob %s: %w", digest, err)
	}
	return nil
}

func (b *S3Blobs) Get(ctx context.Context, digest string) (io.ReadCloser, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, b.key(digest), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", digest, err)
	}
	// GetObject is lazy; Stat surfaces a missing key.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, digest)
		}
		return nil, fmt.Errorf("stat blob %s: %w", digest, err)
	}
	return obj, nil
}

func (b *S3Blobs) Exists(ctx context.Context, digest string) (bool, error) {
	_, err := b.client.StatObject(ctx, b.bucket, b.key(digest), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNoSuchKey(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat blob %s: %w", digest, err)
}

func (b *S3Blobs) Delete(ctx context.Context, digest string) error {
	if err := b.client.RemoveObject(ctx, b.bucket, b.key(digest), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete blob %s: %w", digest, err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
