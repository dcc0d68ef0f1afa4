// Package transporttest provides a conformance suite every transport.Adapter
// implementation runs, and a Recorder that wraps an adapter to log calls and
// inject failures.
//
// Example usage:
//
//	func TestAdapter(t *testing.T) {
//	    transporttest.RunSuite(t, func(t *testing.T) transport.Adapter {
//	        return fstransport.NewInMemory()
//	    })
//	}
package transporttest

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"slices"
	"testing"

	"github.com/openmined/storesync/internal/storepath"
	"github.com/openmined/storesync/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunSuite runs the adapter contract tests. newAdapter must return an adapter
// over an empty remote store on every call.
func RunSuite(t *testing.T, newAdapter func(t *testing.T) transport.Adapter) {
	t.Run("DirectoryLifecycle", func(t *testing.T) {
		testDirectoryLifecycle(t, newAdapter(t))
	})
	t.Run("DeleteMissingDirectory", func(t *testing.T) {
		testDeleteMissingDirectory(t, newAdapter(t))
	})
	t.Run("UploadDownloadRoundTrip", func(t *testing.T) {
		testUploadDownload(t, newAdapter(t))
	})
	t.Run("UploadOverwrites", func(t *testing.T) {
		testUploadOverwrites(t, newAdapter(t))
	})
	t.Run("DownloadMissing", func(t *testing.T) {
		testDownloadMissing(t, newAdapter(t))
	})
	t.Run("CopyDirectory", func(t *testing.T) {
		testCopyDirectory(t, newAdapter(t))
	})
	t.Run("CopyDirectoryEscapedClient", func(t *testing.T) {
		testCopyDirectoryEscapedClient(t, newAdapter(t))
	})
	t.Run("CopyMissingDirectory", func(t *testing.T) {
		testCopyMissingDirectory(t, newAdapter(t))
	})
	t.Run("ListClientUploadTimestamps", func(t *testing.T) {
		testListClientUploadTimestamps(t, newAdapter(t))
	})
}

// WriteLocal writes data to a new file below t.TempDir and returns its path.
func WriteLocal(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

// ReadRemote downloads remotePath into a temp dir and returns its contents.
func ReadRemote(t *testing.T, a transport.Adapter, remotePath string) []byte {
	t.Helper()
	p := filepath.Join(t.TempDir(), "read-remote")
	require.NoError(t, a.DownloadFile(context.Background(), remotePath, p))
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	return data
}

// PutRemote uploads data to remotePath, creating its directory first.
func PutRemote(t *testing.T, a transport.Adapter, remotePath string, data []byte) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, a.CreateDirectory(ctx, path.Dir(remotePath)))
	require.NoError(t, a.UploadFile(ctx, WriteLocal(t, "put-remote", data), remotePath))
}

func testDirectoryLifecycle(t *testing.T, a transport.Adapter) {
	ctx := context.Background()
	dir := "/Documents/doc/TemporaryFiles/WholeStore/c1"

	exists, err := a.DirectoryExists(ctx, dir)
	require.NoError(t, err)
	assert.False(t, exists, "fresh store has no %s", dir)

	require.NoError(t, a.CreateDirectory(ctx, dir))
	exists, err = a.DirectoryExists(ctx, dir)
	require.NoError(t, err)
	assert.True(t, exists, "after create")

	PutRemote(t, a, dir+"/WholeStore.ticdsync", []byte("store"))
	require.NoError(t, a.DeleteDirectory(ctx, dir))

	exists, err = a.DirectoryExists(ctx, dir)
	require.NoError(t, err)
	assert.False(t, exists, "after delete")
}

func testDeleteMissingDirectory(t *testing.T, a transport.Adapter) {
	assert.NoError(t, a.DeleteDirectory(context.Background(), "/Documents/doc/WholeStore/nobody"))
}

func testUploadDownload(t *testing.T, a transport.Adapter) {
	ctx := context.Background()
	data := []byte("whole store \x00\x01\x02 bytes")
	remote := "/Documents/doc/WholeStore/c1/WholeStore.ticdsync"

	require.NoError(t, a.CreateDirectory(ctx, "/Documents/doc/WholeStore/c1"))
	require.NoError(t, a.UploadFile(ctx, WriteLocal(t, "store", data), remote))

	local := filepath.Join(t.TempDir(), "nested", "dir", "store")
	require.NoError(t, a.DownloadFile(ctx, remote, local))

	got, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func testUploadOverwrites(t *testing.T, a transport.Adapter) {
	remote := "/Documents/doc/WholeStore/c1/AppliedSyncChangeSets.ticdsync"
	PutRemote(t, a, remote, []byte("first version with more bytes"))
	PutRemote(t, a, remote, []byte("second"))
	assert.Equal(t, []byte("second"), ReadRemote(t, a, remote))
}

func testDownloadMissing(t *testing.T, a transport.Adapter) {
	local := filepath.Join(t.TempDir(), "missing")
	err := a.DownloadFile(context.Background(), "/Documents/doc/WholeStore/c1/WholeStore.ticdsync", local)
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrNotFound)

	_, statErr := os.Stat(local)
	assert.True(t, os.IsNotExist(statErr), "no partial file left behind")
}

func testCopyDirectory(t *testing.T, a transport.Adapter) {
	ctx := context.Background()
	var layout storepath.Layout
	src := layout.TemporaryClientDir("doc", "c1")
	dst := layout.ClientDir("doc", "c1")

	PutRemote(t, a, layout.StoreFile(src), []byte("store"))
	PutRemote(t, a, layout.ChangeSetFile(src), []byte("changes"))

	require.NoError(t, a.CopyDirectory(ctx, src, dst))

	exists, err := a.DirectoryExists(ctx, dst)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, []byte("store"), ReadRemote(t, a, layout.StoreFile(dst)))
	assert.Equal(t, []byte("changes"), ReadRemote(t, a, layout.ChangeSetFile(dst)))

	// source is left in place
	assert.Equal(t, []byte("store"), ReadRemote(t, a, layout.StoreFile(src)))
}

// client ids may hold characters that are special in URLs
func testCopyDirectoryEscapedClient(t *testing.T, a transport.Adapter) {
	ctx := context.Background()
	var layout storepath.Layout
	client := "c%41?x +y"
	src := layout.TemporaryClientDir("doc", client)
	dst := layout.ClientDir("doc", client)

	PutRemote(t, a, layout.StoreFile(src), []byte("store"))
	PutRemote(t, a, layout.ChangeSetFile(src), []byte("changes"))

	require.NoError(t, a.CopyDirectory(ctx, src, dst))
	assert.Equal(t, []byte("store"), ReadRemote(t, a, layout.StoreFile(dst)))
	assert.Equal(t, []byte("changes"), ReadRemote(t, a, layout.ChangeSetFile(dst)))

	ts, err := a.ListClientUploadTimestamps(ctx, "doc")
	require.NoError(t, err)
	assert.Contains(t, ts, client)
}

func testCopyMissingDirectory(t *testing.T, a transport.Adapter) {
	err := a.CopyDirectory(context.Background(), "/Documents/doc/TemporaryFiles/WholeStore/none", "/Documents/doc/WholeStore/none")
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrNotFound)
}

func testListClientUploadTimestamps(t *testing.T, a transport.Adapter) {
	ctx := context.Background()
	var layout storepath.Layout

	ts, err := a.ListClientUploadTimestamps(ctx, "doc")
	require.NoError(t, err)
	assert.Empty(t, ts)

	PutRemote(t, a, layout.StoreFile(layout.ClientDir("doc", "c1")), []byte("1"))
	PutRemote(t, a, layout.StoreFile(layout.ClientDir("doc", "c2")), []byte("2"))
	// a staged but unpublished store does not count
	PutRemote(t, a, layout.StoreFile(layout.TemporaryClientDir("doc", "c3")), []byte("3"))
	// neither does a final slot without a store file
	require.NoError(t, a.CreateDirectory(ctx, layout.ClientDir("doc", "c4")))
	// nor another document
	PutRemote(t, a, layout.StoreFile(layout.ClientDir("other", "c5")), []byte("5"))

	ts, err = a.ListClientUploadTimestamps(ctx, "doc")
	require.NoError(t, err)

	clients := make([]string, 0, len(ts))
	for client, at := range ts {
		clients = append(clients, client)
		assert.False(t, at.IsZero(), "timestamp for %s", client)
	}
	slices.Sort(clients)
	assert.Equal(t, []string{"c1", "c2"}, clients)
}
