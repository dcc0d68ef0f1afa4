// Package transport defines the capabilities the whole-store pipelines need
// from a remote store, and a dispatcher that runs them in the background.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned (wrapped) when a remote file or directory the
	// call depends on does not exist.
	ErrNotFound = errors.New("remote path not found")
)

// Adapter is implemented once per backend (shared folder, S3, MinIO, ...).
// Remote paths are slash separated and rooted, see package storepath.
// Local paths are native file system paths.
type Adapter interface {
	// ListClientUploadTimestamps reports, for every client that published a
	// whole store for the document, when it last did so. A document nobody
	// uploaded to yields an empty map and no error.
	ListClientUploadTimestamps(ctx context.Context, documentID string) (map[string]time.Time, error)

	// DirectoryExists reports whether a remote directory exists.
	DirectoryExists(ctx context.Context, path string) (bool, error)

	// CreateDirectory creates a remote directory and any missing parents.
	CreateDirectory(ctx context.Context, path string) error

	// DeleteDirectory removes a remote directory and everything below it.
	DeleteDirectory(ctx context.Context, path string) error

	// UploadFile copies a local file to a remote path.
	UploadFile(ctx context.Context, localPath, remotePath string) error

	// DownloadFile copies a remote file to a local path. It never leaves a
	// partially written file at localPath.
	DownloadFile(ctx context.Context, remotePath, localPath string) error

	// CopyDirectory copies every file below srcPath to the same relative
	// location below dstPath.
	CopyDirectory(ctx context.Context, srcPath, dstPath string) error
}
