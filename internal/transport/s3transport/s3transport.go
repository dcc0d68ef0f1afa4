// Package s3transport implements transport.Adapter on an S3 bucket.
// Remote directories are key prefixes. CreateDirectory leaves a zero-byte
// "prefix/" marker so an empty directory still exists.
package s3transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"
	"github.com/openmined/storesync/internal/storepath"
	"github.com/openmined/storesync/internal/transport"
	"github.com/openmined/storesync/internal/utils"
)

// S3 accepts at most this many keys per DeleteObjects call
const deleteBatchSize = 1000

// API is the subset of *s3.Client the transport uses.
type API interface {
	s3.ListObjectsV2APIClient
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
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
		return nil, fmt.Errorf("s3 config: %w", err)
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   50,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.UseAccelerate {
			o.UseAccelerate = true
		}
	})

	return New(client, cfg.BucketName, layout), nil
}

// ===================================================================================================

func (t *Transport) ListClientUploadTimestamps(ctx context.Context, documentID string) (map[string]time.Time, error) {
	prefix, err := storepath.ToKey(t.layout.WholeStoreRoot(documentID), true)
	if err != nil {
		return nil, err
	}
	storeName := path.Base(t.layout.StoreFile("/"))

	timestamps := make(map[string]time.Time)
	err = t.walk(ctx, prefix, func(obj types.Object) error {
		// only {client}/WholeStore.<ext> directly below the root counts
		client, name, ok := strings.Cut(strings.TrimPrefix(aws.ToString(obj.Key), prefix), "/")
		if !ok || client == "" || name != storeName {
			return nil
		}
		timestamps[client] = aws.ToTime(obj.LastModified)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("s3transport: list %q: %w", prefix, err)
	}
	return timestamps, nil
}

func (t *Transport) DirectoryExists(ctx context.Context, dir string) (bool, error) {
	prefix, err := storepath.ToKey(dir, true)
	if err != nil {
		return false, err
	}

	resp, err := t.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  &t.bucket,
		Prefix:  &prefix,
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("s3transport: list %q: %w", prefix, err)
	}
	return len(resp.Contents) > 0, nil
}

func (t *Transport) CreateDirectory(ctx context.Context, dir string) error {
	marker, err := storepath.ToKey(dir, true)
	if err != nil {
		return err
	}

	_, err = t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &t.bucket,
		Key:           &marker,
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return fmt.Errorf("s3transport: put marker %q: %w", marker, err)
	}
	return nil
}

func (t *Transport) DeleteDirectory(ctx context.Context, dir string) error {
	prefix, err := storepath.ToKey(dir, true)
	if err != nil {
		return err
	}

	var keys []string
	err = t.walk(ctx, prefix, func(obj types.Object) error {
		keys = append(keys, aws.ToString(obj.Key))
		return nil
	})
	if err != nil {
		return fmt.Errorf("s3transport: list %q: %w", prefix, err)
	}

	for start := 0; start < len(keys); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(keys))
		if err := t.deleteBatch(ctx, keys[start:end]); err != nil {
			return fmt.Errorf("s3transport: delete %q: %w", prefix, err)
		}
	}

	slog.Debug("s3transport", "op", "delete", "prefix", prefix, "objects", len(keys))
	return nil
}

// ===================================================================================================

func (t *Transport) UploadFile(ctx context.Context, localPath, remotePath string) error {
	key, err := storepath.ToKey(remotePath, false)
	if err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("s3transport: open local %q: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("s3transport: stat local %q: %w", localPath, err)
	}

	_, err = t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &t.bucket,
		Key:           &key,
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(utils.DetectContentType(key)),
	})
	if err != nil {
		return fmt.Errorf("s3transport: put %q: %w", key, err)
	}

	slog.Debug("s3transport", "op", "upload", "local", localPath, "key", key, "size", humanize.Bytes(uint64(info.Size())))
	return nil
}

func (t *Transport) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	key, err := storepath.ToKey(remotePath, false)
	if err != nil {
		return err
	}

	resp, err := t.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &t.bucket,
		Key:    &key,
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("s3transport: get %q: %w", key, transport.ErrNotFound)
		}
		return fmt.Errorf("s3transport: get %q: %w", key, err)
	}
	defer resp.Body.Close()

	n, err := utils.WriteFileAtomic(localPath, resp.Body)
	if err != nil {
		return fmt.Errorf("s3transport: download %q: %w", key, err)
	}

	slog.Debug("s3transport", "op", "download", "key", key, "local", localPath, "size", humanize.Bytes(uint64(n)))
	return nil
}

// ===================================================================================================

func (t *Transport) CopyDirectory(ctx context.Context, srcPath, dstPath string) error {
	srcPrefix, err := storepath.ToKey(srcPath, true)
	if err != nil {
		return err
	}
	dstPrefix, err := storepath.ToKey(dstPath, true)
	if err != nil {
		return err
	}

	copied := 0
	err = t.walk(ctx, srcPrefix, func(obj types.Object) error {
		srcKey := aws.ToString(obj.Key)
		dstKey := dstPrefix + strings.TrimPrefix(srcKey, srcPrefix)
		_, err := t.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     &t.bucket,
			CopySource: aws.String(copySource(t.bucket, srcKey)),
			Key:        &dstKey,
		})
		if err != nil {
			return fmt.Errorf("copy %q: %w", srcKey, err)
		}
		copied++
		return nil
	})
	if err != nil {
		return fmt.Errorf("s3transport: copy %q to %q: %w", srcPrefix, dstPrefix, err)
	}
	if copied == 0 {
		return fmt.Errorf("s3transport: copy %q: %w", srcPrefix, transport.ErrNotFound)
	}

	slog.Debug("s3transport", "op", "copy", "src", srcPrefix, "dst", dstPrefix, "objects", copied)
	return nil
}

// ===================================================================================================

func (t *Transport) walk(ctx context.Context, prefix string, fn func(types.Object) error) error {
	paginator := s3.NewListObjectsV2Paginator(t.client, &s3.ListObjectsV2Input{
		Bucket: &t.bucket,
		Prefix: &prefix,
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, obj := range page.Contents {
			if err := fn(obj); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Transport) deleteBatch(ctx context.Context, keys []string) error {
	objects := make([]types.ObjectIdentifier, len(keys))
	for i, key := range keys {
		objects[i] = types.ObjectIdentifier{Key: aws.String(key)}
	}

	resp, err := t.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: &t.bucket,
		Delete: &types.Delete{
			Objects: objects,
			Quiet:   aws.Bool(true),
		},
	})
	if err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		first := resp.Errors[0]
		return fmt.Errorf("%d objects not deleted, first %q: %s", len(resp.Errors), aws.ToString(first.Key), aws.ToString(first.Message))
	}
	return nil
}

// copySource builds the x-amz-copy-source value. S3 URL-decodes it, so every
// key segment is escaped and a client id like "c%41?x" names itself.
// "+" is escaped too since some S3 implementations decode it as a space.
func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = strings.ReplaceAll(url.PathEscape(seg), "+", "%2B")
	}
	return bucket + "/" + strings.Join(segments, "/")
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}

var _ transport.Adapter = (*Transport)(nil)
