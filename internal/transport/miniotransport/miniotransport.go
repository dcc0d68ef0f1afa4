// Package miniotransport implements transport.Adapter on a MinIO (or any S3
// compatible) bucket through minio-go. Directory semantics match s3transport.
package miniotransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/openmined/storesync/internal/storepath"
	"github.com/openmined/storesync/internal/transport"
	"github.com/openmined/storesync/internal/utils"
)

const codeNoSuchKey = "NoSuchKey"

// API is the subset of *minio.Client the transport uses.
type API interface {
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	FGetObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.GetObjectOptions) error
	CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error)
	RemoveObjects(ctx context.Context, bucketName string, objectsCh <-chan minio.ObjectInfo, opts minio.RemoveObjectsOptions) <-chan minio.RemoveObjectError
}

type Transport struct {
	client API
	bucket string
	layout storepath.Layout
}

func New(client API, bucket string, layout storepath.Layout) *Transport {
	return &Transport{
		client: client,
		bucket: bucket,
		layout: layout,
	}
}

func NewWithConfig(cfg *Config, layout storepath.Layout) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("minio config: %w", err)
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	return New(client, cfg.BucketName, layout), nil
}

func (t *Transport) ListClientUploadTimestamps(ctx context.Context, documentID string) (map[string]time.Time, error) {
	prefix, err := storepath.ToKey(t.layout.WholeStoreRoot(documentID), true)
	if err != nil {
		return nil, err
	}
	storeName := path.Base(t.layout.StoreFile("/"))

	timestamps := make(map[string]time.Time)
	err = t.walk(ctx, prefix, func(obj minio.ObjectInfo) error {
		client, name, ok := strings.Cut(strings.TrimPrefix(obj.Key, prefix), "/")
		if !ok || client == "" || name != storeName {
			return nil
		}
		timestamps[client] = obj.LastModified
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("miniotransport: list %q: %w", prefix, err)
	}
	return timestamps, nil
}

func (t *Transport) DirectoryExists(ctx context.Context, dir string) (bool, error) {
	prefix, err := storepath.ToKey(dir, true)
	if err != nil {
		return false, err
	}

	// stop the lister after the first entry
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for obj := range t.client.ListObjects(ctx, t.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
		MaxKeys:   1,
	}) {
		if obj.Err != nil {
			return false, fmt.Errorf("miniotransport: list %q: %w", prefix, obj.Err)
		}
		return true, nil
	}
	return false, nil
}

func (t *Transport) CreateDirectory(ctx context.Context, dir string) error {
	marker, err := storepath.ToKey(dir, true)
	if err != nil {
		return err
	}

	_, err = t.client.PutObject(ctx, t.bucket, marker, strings.NewReader(""), 0, minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("miniotransport: put marker %q: %w", marker, err)
	}
	return nil
}

func (t *Transport) DeleteDirectory(ctx context.Context, dir string) error {
	prefix, err := storepath.ToKey(dir, true)
	if err != nil {
		return err
	}

	var keys []string
	if err := t.walk(ctx, prefix, func(obj minio.ObjectInfo) error {
		keys = append(keys, obj.Key)
		return nil
	}); err != nil {
		return fmt.Errorf("miniotransport: list %q: %w", prefix, err)
	}
	if len(keys) == 0 {
		return nil
	}

	objectsCh := make(chan minio.ObjectInfo, len(keys))
	for _, key := range keys {
		objectsCh <- minio.ObjectInfo{Key: key}
	}
	close(objectsCh)

	var errs []error
	for rerr := range t.client.RemoveObjects(ctx, t.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		errs = append(errs, fmt.Errorf("%s: %w", rerr.ObjectName, rerr.Err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("miniotransport: delete %q: %w", prefix, errors.Join(errs...))
	}

	slog.Debug("miniotransport", "op", "delete", "prefix", prefix, "objects", len(keys))
	return nil
}

func (t *Transport) UploadFile(ctx context.Context, localPath, remotePath string) error {
	key, err := storepath.ToKey(remotePath, false)
	if err != nil {
		return err
	}

	info, err := t.client.FPutObject(ctx, t.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: utils.DetectContentType(key),
	})
	if err != nil {
		return fmt.Errorf("miniotransport: put %q: %w", key, err)
	}

	slog.Debug("miniotransport", "op", "upload", "local", localPath, "key", key, "size", humanize.Bytes(uint64(info.Size)))
	return nil
}

// DownloadFile relies on FGetObject, which writes to a ".part.minio" sibling
// and renames it into place on success.
func (t *Transport) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	key, err := storepath.ToKey(remotePath, false)
	if err != nil {
		return err
	}

	if err := t.client.FGetObject(ctx, t.bucket, key, localPath, minio.GetObjectOptions{}); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("miniotransport: get %q: %w", key, transport.ErrNotFound)
		}
		return fmt.Errorf("miniotransport: get %q: %w", key, err)
	}

	slog.Debug("miniotransport", "op", "download", "key", key, "local", localPath)
	return nil
}

func (t *Transport) CopyDirectory(ctx context.Context, srcPath, dstPath string) error {
	srcPrefix, err := storepath.ToKey(srcPath, true)
	if err != nil {
		return err
	}
	dstPrefix, err := storepath.ToKey(dstPath, true)
	if err != nil {
		return err
	}

	var keys []string
	if err := t.walk(ctx, srcPrefix, func(obj minio.ObjectInfo) error {
		keys = append(keys, obj.Key)
		return nil
	}); err != nil {
		return fmt.Errorf("miniotransport: list %q: %w", srcPrefix, err)
	}
	if len(keys) == 0 {
		return fmt.Errorf("miniotransport: copy %q: %w", srcPrefix, transport.ErrNotFound)
	}

	for _, srcKey := range keys {
		dstKey := dstPrefix + strings.TrimPrefix(srcKey, srcPrefix)
		_, err := t.client.CopyObject(ctx,
			minio.CopyDestOptions{Bucket: t.bucket, Object: dstKey},
			minio.CopySrcOptions{Bucket: t.bucket, Object: srcKey},
		)
		if err != nil {
			return fmt.Errorf("miniotransport: copy %q to %q: %w", srcKey, dstKey, err)
		}
	}

	slog.Debug("miniotransport", "op", "copy", "src", srcPrefix, "dst", dstPrefix, "objects", len(keys))
	return nil
}

func (t *Transport) walk(ctx context.Context, prefix string, fn func(minio.ObjectInfo) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for obj := range t.client.ListObjects(ctx, t.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return obj.Err
		}
		if err := fn(obj); err != nil {
			return err
		}
	}
	return nil
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == codeNoSuchKey
	}
	return false
}

var _ transport.Adapter = (*Transport)(nil)
