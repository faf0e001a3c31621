// Package snapshot provides S3-compatible snapshot bootstrap for full resync.
// Instead of replaying the change cursor from zero against the sync API, a
// client may download a compacted database snapshot first and resume the
// cursor from the snapshot's high-water mark. When S3 is not configured
// (empty bucket), the NoopDownloader is used and bootstrap is skipped.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/tether/internal/config"
)

// ErrNotConfigured is returned when S3 snapshot storage is not configured.
var ErrNotConfigured = errors.New("snapshot storage not configured")

// Downloader fetches database snapshots for bootstrap.
type Downloader interface {
	// Download fetches the latest snapshot for the given entity type into
	// destPath. Returns ErrNotConfigured when S3 is not configured.
	Download(ctx context.Context, entityType, destPath string) error

	// Available reports whether a snapshot exists for the entity type.
	Available(ctx context.Context, entityType string) (bool, error)
}

// s3Client defines the minimal minio.Client operations used by S3Downloader.
// This interface enables testing with mock implementations.
type s3Client interface {
	FGetObject(ctx context.Context, bucket, objectName, destPath string) error
	StatObject(ctx context.Context, bucket, objectName string) error
}

// minioClientWrapper wraps *minio.Client to satisfy the s3Client interface.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) FGetObject(ctx context.Context, bucket, objectName, destPath string) error {
	return w.client.FGetObject(ctx, bucket, objectName, destPath, minio.GetObjectOptions{})
}

func (w *minioClientWrapper) StatObject(ctx context.Context, bucket, objectName string) error {
	_, err := w.client.StatObject(ctx, bucket, objectName, minio.StatObjectOptions{})
	return err
}

// S3Downloader fetches snapshots from S3-compatible storage.
type S3Downloader struct {
	client s3Client
	bucket string
	prefix string
}

// Download fetches the snapshot object for entityType into destPath.
func (d *S3Downloader) Download(ctx context.Context, entityType, destPath string) error {
	key := d.objectKey(entityType)
	if err := d.client.FGetObject(ctx, d.bucket, key, destPath); err != nil {
		return fmt.Errorf("download snapshot from S3: %w", err)
	}
	return nil
}

// Available checks whether a snapshot object exists for entityType.
func (d *S3Downloader) Available(ctx context.Context, entityType string) (bool, error) {
	err := d.client.StatObject(ctx, d.bucket, d.objectKey(entityType))
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
			return false, nil
		}
		return false, fmt.Errorf("stat snapshot: %w", err)
	}
	return true, nil
}

func (d *S3Downloader) objectKey(entityType string) string {
	return path.Join(d.prefix, entityType, "latest.snapshot")
}

// NoopDownloader is used when S3 storage is not configured.
type NoopDownloader struct{}

// Download returns ErrNotConfigured when S3 is not configured.
func (d *NoopDownloader) Download(ctx context.Context, entityType, destPath string) error {
	return ErrNotConfigured
}

// Available always reports false when S3 is not configured.
func (d *NoopDownloader) Available(ctx context.Context, entityType string) (bool, error) {
	return false, nil
}

// NewDownloader creates the appropriate Downloader based on configuration.
// Returns NoopDownloader when bucket is empty, S3Downloader otherwise.
func NewDownloader(cfg config.SnapshotConfig) (Downloader, error) {
	if cfg.Bucket == "" {
		return &NoopDownloader{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Downloader{
		client: &minioClientWrapper{client: client},
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}
