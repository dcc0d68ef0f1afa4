// Package fstransport implements transport.Adapter on a go-billy file system:
// a local or network-mounted shared folder through osfs, or memory through
// memfs.
package fstransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/openmined/storesync/internal/storepath"
	"github.com/openmined/storesync/internal/transport"
	"github.com/openmined/storesync/internal/utils"
)

type Transport struct {
	fs     billy.Filesystem
	layout storepath.Layout
}

// New wraps an existing billy file system whose root is the remote root.
func New(fs billy.Filesystem, layout storepath.Layout) *Transport {
	return &Transport{
		fs:     fs,
		layout: layout,
	}
}

// NewOS serves the remote namespace from a directory on disk.
func NewOS(root string, layout storepath.Layout) *Transport {
	return New(osfs.New(root), layout)
}

// NewInMemory keeps the remote namespace in memory.
func NewInMemory() *Transport {
	return New(memfs.New(), storepath.Layout{})
}

// Filesystem returns the underlying billy file system.
func (t *Transport) Filesystem() billy.Filesystem {
	return t.fs
}

func (t *Transport) ListClientUploadTimestamps(ctx context.Context, documentID string) (map[string]time.Time, error) {
	root := t.layout.WholeStoreRoot(documentID)
	timestamps := make(map[string]time.Time)

	entries, err := t.fs.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return timestamps, nil
		}
		return nil, fmt.Errorf("fstransport: readdir %q: %w", root, err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		storeFile := t.layout.StoreFile(path.Join(root, entry.Name()))
		info, err := t.fs.Stat(storeFile)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("fstransport: stat %q: %w", storeFile, err)
		}
		timestamps[entry.Name()] = info.ModTime()
	}

	return timestamps, nil
}

func (t *Transport) DirectoryExists(ctx context.Context, dir string) (bool, error) {
	info, err := t.fs.Stat(dir)
	switch {
	case err == nil:
		return info.IsDir(), nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("fstransport: stat %q: %w", dir, err)
	}
}

func (t *Transport) CreateDirectory(ctx context.Context, dir string) error {
	if err := t.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fstransport: mkdirall %q: %w", dir, err)
	}
	return nil
}

func (t *Transport) DeleteDirectory(ctx context.Context, dir string) error {
	if err := util.RemoveAll(t.fs, dir); err != nil {
		return fmt.Errorf("fstransport: removeall %q: %w", dir, err)
	}
	return nil
}

func (t *Transport) UploadFile(ctx context.Context, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("fstransport: open local %q: %w", localPath, err)
	}
	defer src.Close()

	n, err := t.writeRemote(ctx, remotePath, src)
	if err != nil {
		return err
	}

	slog.Debug("fstransport", "op", "upload", "local", localPath, "remote", remotePath, "size", humanize.Bytes(uint64(n)))
	return nil
}

func (t *Transport) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	src, err := t.fs.Open(remotePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("fstransport: open %q: %w", remotePath, transport.ErrNotFound)
		}
		return fmt.Errorf("fstransport: open %q: %w", remotePath, err)
	}
	defer src.Close()

	n, err := utils.WriteFileAtomic(localPath, utils.ContextReader(ctx, src))
	if err != nil {
		return fmt.Errorf("fstransport: download %q: %w", remotePath, err)
	}

	slog.Debug("fstransport", "op", "download", "remote", remotePath, "local", localPath, "size", humanize.Bytes(uint64(n)))
	return nil
}

func (t *Transport) CopyDirectory(ctx context.Context, srcPath, dstPath string) error {
	exists, err := t.DirectoryExists(ctx, srcPath)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("fstransport: copy %q: %w", srcPath, transport.ErrNotFound)
	}

	files := 0
	err = util.Walk(t.fs, srcPath, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcPath, p)
		if err != nil {
			return err
		}
		target := path.Join(dstPath, filepath.ToSlash(rel))

		if info.IsDir() {
			return t.fs.MkdirAll(target, 0o755)
		}

		src, err := t.fs.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()

		if _, err := t.writeRemote(ctx, target, src); err != nil {
			return err
		}
		files++
		return nil
	})
	if err != nil {
		return fmt.Errorf("fstransport: copy %q to %q: %w", srcPath, dstPath, err)
	}

	slog.Debug("fstransport", "op", "copy", "src", srcPath, "dst", dstPath, "files", files)
	return nil
}

func (t *Transport) writeRemote(ctx context.Context, remotePath string, r io.Reader) (int64, error) {
	if err := t.fs.MkdirAll(path.Dir(remotePath), 0o755); err != nil {
		return 0, fmt.Errorf("fstransport: mkdirall %q: %w", path.Dir(remotePath), err)
	}

	dst, err := t.fs.Create(remotePath)
	if err != nil {
		return 0, fmt.Errorf("fstransport: create %q: %w", remotePath, err)
	}

	n, err := io.Copy(dst, utils.ContextReader(ctx, r))
	if err != nil {
		dst.Close()
		return n, fmt.Errorf("fstransport: write %q: %w", remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return n, fmt.Errorf("fstransport: close %q: %w", remotePath, err)
	}
	return n, nil
}

var _ transport.Adapter = (*Transport)(nil)
