package utils

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WriteFileAtomic streams r into dst. The data lands in a temporary sibling
// first and is renamed over dst only once fully written, so dst is either the
// old file or the complete new one.
func WriteFileAtomic(dst string, r io.Reader) (int64, error) {
	if err := EnsureParent(dst); err != nil {
		return 0, fmt.Errorf("ensure parent of %s: %w", dst, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return n, fmt.Errorf("write %s: %w", dst, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return n, fmt.Errorf("sync %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("close %s: %w", dst, err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return n, fmt.Errorf("rename into %s: %w", dst, err)
	}
	return n, nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

// ContextReader fails reads once ctx is done.
func ContextReader(ctx context.Context, r io.Reader) io.Reader {
	return &contextReader{ctx: ctx, r: r}
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
