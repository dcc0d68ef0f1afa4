package utils

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("read failed")
}

func TestWriteFileAtomic(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "nested", "WholeStore.ticdsync")

	n, err := WriteFileAtomic(dst, strings.NewReader("first"))
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	_, err = WriteFileAtomic(dst, strings.NewReader("second"))
	require.NoError(t, err)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	entries, err := os.ReadDir(filepath.Dir(dst))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestWriteFileAtomic_FailureKeepsOldFile(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "store")
	require.NoError(t, os.WriteFile(dst, []byte("old"), 0o644))

	_, err := WriteFileAtomic(dst, failingReader{})
	require.Error(t, err)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "old", string(got))

	entries, err := os.ReadDir(filepath.Dir(dst))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestContextReader(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := ContextReader(ctx, bytes.NewReader([]byte("abc")))

	buf := make([]byte, 1)
	_, err := r.Read(buf)
	require.NoError(t, err)

	cancel()
	_, err = r.Read(buf)
	assert.ErrorIs(t, err, context.Canceled)
}
