package wholestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/storesync/internal/operation"
	"github.com/openmined/storesync/internal/storepath"
	"github.com/openmined/storesync/internal/transport"
	"github.com/openmined/storesync/internal/transport/fstransport"
	"github.com/openmined/storesync/internal/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const doc = "doc-1"

var layout storepath.Layout

type fixture struct {
	remote   *fstransport.Transport
	rec      *transporttest.Recorder
	dispatch *transport.Dispatcher
	dir      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	remote := fstransport.NewInMemory()
	return &fixture{
		remote:   remote,
		rec:      transporttest.NewRecorder(remote),
		dispatch: transport.NewDispatcher(2),
		dir:      t.TempDir(),
	}
}

func (f *fixture) local(name string) string {
	return filepath.Join(f.dir, name)
}

func (f *fixture) writeLocal(t *testing.T, name, data string) string {
	t.Helper()
	p := f.local(name)
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

// seedSlot writes a store pair into a remote slot without going through the
// recorder.
func (f *fixture) seedSlot(t *testing.T, slot, store, changeSets string) {
	t.Helper()
	transporttest.PutRemote(t, f.remote, layout.StoreFile(slot), []byte(store))
	transporttest.PutRemote(t, f.remote, layout.ChangeSetFile(slot), []byte(changeSets))
}

func (f *fixture) readSlot(t *testing.T, slot string) (store, changeSets string) {
	t.Helper()
	return string(transporttest.ReadRemote(t, f.remote, layout.StoreFile(slot))),
		string(transporttest.ReadRemote(t, f.remote, layout.ChangeSetFile(slot)))
}

func (f *fixture) slotExists(t *testing.T, slot string) bool {
	t.Helper()
	exists, err := f.remote.DirectoryExists(context.Background(), slot)
	require.NoError(t, err)
	return exists
}

func waitOp(t *testing.T, op interface{ Wait(context.Context) error }) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := op.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "operation did not finish")
	return err
}

func readFile(t *testing.T, p string) string {
	t.Helper()
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	return string(data)
}

// ===================================================================================================

func TestLatestClient(t *testing.T) {
	at := func(sec int64) time.Time { return time.Unix(sec, 0) }

	tests := []struct {
		name   string
		in     map[string]time.Time
		want   string
		wantOK bool
	}{
		{"empty", map[string]time.Time{}, "", false},
		{"nil", nil, "", false},
		{"single", map[string]time.Time{"A": at(1)}, "A", true},
		{"newest wins", map[string]time.Time{"A": at(300), "B": at(200), "C": at(100)}, "A", true},
		{"tie goes to smallest id", map[string]time.Time{"A": at(100), "B": at(200), "C": at(200)}, "B", true},
		{"tie among all", map[string]time.Time{"z": at(5), "m": at(5), "q": at(5)}, "m", true},
		{"zero time still counts", map[string]time.Time{"A": {}}, "A", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// map iteration order varies, the answer must not
			for range 50 {
				got, ok := LatestClient(tt.in)
				assert.Equal(t, tt.wantOK, ok)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

// ===================================================================================================

func TestDownload_DeterminesSource(t *testing.T) {
	f := newFixture(t)
	f.seedSlot(t, layout.ClientDir(doc, "A"), "store-A", "cs-A")
	f.seedSlot(t, layout.ClientDir(doc, "B"), "store-B", "cs-B")
	f.rec.StubTimestamps(doc, map[string]time.Time{
		"A": time.Unix(100, 0),
		"B": time.Unix(200, 0),
		"C": time.Unix(200, 0),
	})

	d, err := NewDownload(DownloadConfig{
		DocumentID:    doc,
		StorePath:     f.local("store"),
		ChangeSetPath: f.local("changesets"),
	}, f.rec, f.dispatch)
	require.NoError(t, err)
	assert.Empty(t, d.ClientID())

	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, waitOp(t, d))

	assert.Equal(t, operation.StateSucceeded, d.State())
	assert.Nil(t, d.Err())
	assert.Equal(t, "B", d.ClientID())
	assert.Empty(t, d.RequestedClientID())
	assert.Equal(t, "store-B", readFile(t, f.local("store")))
	assert.Equal(t, "cs-B", readFile(t, f.local("changesets")))

	calls := f.rec.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, transporttest.MethodListClientUploadTimestamps, calls[0].Method)
	assert.Equal(t, []string{"/Documents/doc-1/WholeStore/B/WholeStore.ticdsync", f.local("store")}, calls[1].Args)
	assert.Equal(t, []string{"/Documents/doc-1/WholeStore/B/AppliedSyncChangeSets.ticdsync", f.local("changesets")}, calls[2].Args)
}

func TestDownload_RequestedClientSkipsDetermination(t *testing.T) {
	f := newFixture(t)
	f.seedSlot(t, layout.ClientDir(doc, "clientX"), "store-X", "cs-X")
	f.seedSlot(t, layout.ClientDir(doc, "newer"), "store-N", "cs-N")

	d, err := NewDownload(DownloadConfig{
		DocumentID:    doc,
		ClientID:      "clientX",
		StorePath:     f.local("store"),
		ChangeSetPath: f.local("changesets"),
	}, f.rec, f.dispatch)
	require.NoError(t, err)
	assert.Equal(t, "clientX", d.ClientID())

	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, waitOp(t, d))

	assert.Equal(t, []string{transporttest.MethodDownloadFile, transporttest.MethodDownloadFile}, f.rec.Methods())
	assert.Equal(t, "/Documents/doc-1/WholeStore/clientX/WholeStore.ticdsync", f.rec.Calls()[0].Args[0])
	assert.Equal(t, "store-X", readFile(t, f.local("store")))
	assert.Equal(t, "cs-X", readFile(t, f.local("changesets")))
}

func TestDownload_NoRemoteStore(t *testing.T) {
	f := newFixture(t)

	d, err := NewDownload(DownloadConfig{
		DocumentID:    doc,
		StorePath:     f.local("store"),
		ChangeSetPath: f.local("changesets"),
	}, f.rec, f.dispatch)
	require.NoError(t, err)

	require.NoError(t, d.Start(context.Background()))
	err = waitOp(t, d)

	require.ErrorIs(t, err, operation.ErrNoRemoteStore)
	assert.Equal(t, operation.StateFailed, d.State())
	assert.Equal(t, operation.KindNoRemoteStore, d.Err().Kind)
	assert.Equal(t, StepDetermineSource, d.CurrentStep())
	assert.Equal(t, []string{transporttest.MethodListClientUploadTimestamps}, f.rec.Methods())
	assert.Empty(t, d.ClientID())
	assert.NoFileExists(t, f.local("store"))
}

func TestDownload_FailureStopsPipeline(t *testing.T) {
	steps := []string{StepDetermineSource, StepDownloadStore, StepDownloadChangeSets}

	for failAt, step := range steps {
		t.Run(step, func(t *testing.T) {
			f := newFixture(t)
			f.seedSlot(t, layout.ClientDir(doc, "A"), "store-A", "cs-A")
			boom := errors.New("network unreachable")
			f.rec.FailAt(failAt, boom)

			d, err := NewDownload(DownloadConfig{
				DocumentID:    doc,
				StorePath:     f.local("store"),
				ChangeSetPath: f.local("changesets"),
			}, f.rec, f.dispatch)
			require.NoError(t, err)

			require.NoError(t, d.Start(context.Background()))
			err = waitOp(t, d)

			require.ErrorIs(t, err, operation.ErrTransport)
			require.ErrorIs(t, err, boom)
			assert.Equal(t, operation.StateFailed, d.State())
			assert.Equal(t, step, d.CurrentStep())
			assert.Len(t, f.rec.Calls(), failAt+1, "nothing runs after the failed step")

			if failAt <= 1 {
				assert.NoFileExists(t, f.local("store"))
			}
			assert.NoFileExists(t, f.local("changesets"))
		})
	}
}

func TestDownload_MissingRemoteFile(t *testing.T) {
	f := newFixture(t)
	// store present, change sets missing
	transporttest.PutRemote(t, f.remote, layout.StoreFile(layout.ClientDir(doc, "A")), []byte("store-A"))

	d, err := NewDownload(DownloadConfig{
		DocumentID:    doc,
		ClientID:      "A",
		StorePath:     f.local("store"),
		ChangeSetPath: f.local("changesets"),
	}, f.rec, f.dispatch)
	require.NoError(t, err)

	require.NoError(t, d.Start(context.Background()))
	err = waitOp(t, d)

	require.ErrorIs(t, err, operation.ErrTransport)
	assert.ErrorIs(t, err, transport.ErrNotFound)
	assert.Equal(t, StepDownloadChangeSets, d.CurrentStep())
	assert.NoFileExists(t, f.local("changesets"))
}

func TestDownload_StartTwice(t *testing.T) {
	f := newFixture(t)
	f.seedSlot(t, layout.ClientDir(doc, "A"), "s", "c")

	d, err := NewDownload(DownloadConfig{
		DocumentID:    doc,
		ClientID:      "A",
		StorePath:     f.local("store"),
		ChangeSetPath: f.local("changesets"),
	}, f.rec, f.dispatch)
	require.NoError(t, err)

	require.NoError(t, d.Start(context.Background()))
	assert.ErrorIs(t, d.Start(context.Background()), operation.ErrInvalidState)
	require.NoError(t, waitOp(t, d))
	assert.ErrorIs(t, d.Start(context.Background()), operation.ErrInvalidState)
	assert.Len(t, f.rec.Calls(), 2)
}

// ===================================================================================================

func newUpload(t *testing.T, f *fixture, client, store, changeSets string) *Upload {
	t.Helper()
	u, err := NewUpload(UploadConfig{
		DocumentID:    doc,
		ClientID:      client,
		StorePath:     f.writeLocal(t, client+"-store", store),
		ChangeSetPath: f.writeLocal(t, client+"-changesets", changeSets),
	}, f.rec, f.dispatch)
	require.NoError(t, err)
	return u
}

func TestUpload_FreshSlot(t *testing.T) {
	f := newFixture(t)
	u := newUpload(t, f, "A", "store-A", "cs-A")

	require.NoError(t, u.Start(context.Background()))
	require.NoError(t, waitOp(t, u))

	assert.Equal(t, operation.StateSucceeded, u.State())
	assert.Equal(t, []string{
		transporttest.MethodDirectoryExists,
		transporttest.MethodCreateDirectory,
		transporttest.MethodUploadFile,
		transporttest.MethodUploadFile,
		transporttest.MethodDirectoryExists,
		transporttest.MethodCopyDirectory,
	}, f.rec.Methods())

	store, cs := f.readSlot(t, u.FinalDir())
	assert.Equal(t, "store-A", store)
	assert.Equal(t, "cs-A", cs)

	// the final slot is a copy of the staged pair
	tmpStore, tmpCS := f.readSlot(t, u.TemporaryDir())
	assert.Equal(t, store, tmpStore)
	assert.Equal(t, cs, tmpCS)
}

func TestUpload_StaleTemporarySlot(t *testing.T) {
	f := newFixture(t)
	f.seedSlot(t, layout.TemporaryClientDir(doc, "clientY"), "stale-store", "stale-cs")
	transporttest.PutRemote(t, f.remote, layout.TemporaryClientDir(doc, "clientY")+"/leftover", []byte("junk"))
	f.seedSlot(t, layout.ClientDir(doc, "clientY"), "old-store", "old-cs")

	u := newUpload(t, f, "clientY", "new-store", "new-cs")
	require.NoError(t, u.Start(context.Background()))
	require.NoError(t, waitOp(t, u))

	assert.Equal(t, []string{
		transporttest.MethodDirectoryExists,
		transporttest.MethodDeleteDirectory,
		transporttest.MethodCreateDirectory,
		transporttest.MethodUploadFile,
		transporttest.MethodUploadFile,
		transporttest.MethodDirectoryExists,
		transporttest.MethodDeleteDirectory,
		transporttest.MethodCopyDirectory,
	}, f.rec.Methods())

	calls := f.rec.Calls()
	assert.Equal(t, []string{"/Documents/doc-1/TemporaryFiles/WholeStore/clientY"}, calls[1].Args)
	assert.Equal(t, []string{"/Documents/doc-1/WholeStore/clientY"}, calls[6].Args)
	assert.Equal(t, []string{"/Documents/doc-1/TemporaryFiles/WholeStore/clientY", "/Documents/doc-1/WholeStore/clientY"}, calls[7].Args)

	store, cs := f.readSlot(t, u.FinalDir())
	assert.Equal(t, "new-store", store)
	assert.Equal(t, "new-cs", cs)

	_, err := f.remote.Filesystem().Stat(u.FinalDir() + "/leftover")
	assert.True(t, os.IsNotExist(err), "stale staging files are not published")
}

func TestUpload_FailureAtEachStep(t *testing.T) {
	steps := []string{
		StepCheckTemporary,
		StepDeleteTemporary,
		StepCreateTemporary,
		StepUploadStore,
		StepUploadChangeSets,
		StepCheckFinal,
		StepDeleteFinal,
		StepPublish,
	}

	for failAt, step := range steps {
		t.Run(step, func(t *testing.T) {
			f := newFixture(t)
			// both slots exist so every step runs
			f.seedSlot(t, layout.TemporaryClientDir(doc, "A"), "stale-store", "stale-cs")
			f.seedSlot(t, layout.ClientDir(doc, "A"), "old-store", "old-cs")

			u := newUpload(t, f, "A", "new-store", "new-cs")
			boom := errors.New("injected")
			f.rec.FailAt(failAt, boom)

			require.NoError(t, u.Start(context.Background()))
			err := waitOp(t, u)

			require.ErrorIs(t, err, operation.ErrTransport)
			require.ErrorIs(t, err, boom)
			assert.Equal(t, operation.StateFailed, u.State())
			assert.Equal(t, step, u.CurrentStep())
			assert.Len(t, f.rec.Calls(), failAt+1, "nothing runs after the failed step")

			switch {
			case step == StepPublish:
				// final slot removed, never mixed; staged pair complete
				assert.False(t, f.slotExists(t, u.FinalDir()))
				store, cs := f.readSlot(t, u.TemporaryDir())
				assert.Equal(t, "new-store", store)
				assert.Equal(t, "new-cs", cs)
			case failAt < 6:
				store, cs := f.readSlot(t, u.FinalDir())
				assert.Equal(t, "old-store", store)
				assert.Equal(t, "old-cs", cs)
			}
		})
	}
}

func TestUpload_RetryAfterFailedPublish(t *testing.T) {
	f := newFixture(t)
	f.rec.FailOn(transporttest.MethodCopyDirectory, errors.New("copy failed"))

	first := newUpload(t, f, "A", "store-1", "cs-1")
	require.NoError(t, first.Start(context.Background()))
	require.ErrorIs(t, waitOp(t, first), operation.ErrTransport)

	f.rec.Reset()
	second := newUpload(t, f, "A", "store-2", "cs-2")
	require.NoError(t, second.Start(context.Background()))
	require.NoError(t, waitOp(t, second))

	// the leftover staging slot of the first attempt is cleaned up first
	assert.Equal(t, transporttest.MethodDeleteDirectory, f.rec.Methods()[1])
	store, cs := f.readSlot(t, second.FinalDir())
	assert.Equal(t, "store-2", store)
	assert.Equal(t, "cs-2", cs)
}

func TestUpload_TwiceInARow(t *testing.T) {
	f := newFixture(t)

	for i := range 2 {
		u := newUpload(t, f, "A", "same-store", "same-cs")
		require.NoError(t, u.Start(context.Background()))
		require.NoError(t, waitOp(t, u), "upload %d", i)

		store, cs := f.readSlot(t, u.FinalDir())
		assert.Equal(t, "same-store", store)
		assert.Equal(t, "same-cs", cs)
	}
}

func TestUpload_ThenDownload(t *testing.T) {
	f := newFixture(t)
	f.dispatch = transport.NewDispatcher(1)

	u := newUpload(t, f, "A", "store-A", "cs-A")
	require.NoError(t, u.Start(context.Background()))
	require.NoError(t, waitOp(t, u))

	d, err := NewDownload(DownloadConfig{
		DocumentID:    doc,
		StorePath:     filepath.Join(f.dir, "out", "store"),
		ChangeSetPath: filepath.Join(f.dir, "out", "changesets"),
	}, f.rec, f.dispatch)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, waitOp(t, d))

	assert.Equal(t, "A", d.ClientID())
	assert.Equal(t, "store-A", readFile(t, filepath.Join(f.dir, "out", "store")))
	assert.Equal(t, "cs-A", readFile(t, filepath.Join(f.dir, "out", "changesets")))
}

func TestUpload_MissingLocalFile(t *testing.T) {
	f := newFixture(t)
	u, err := NewUpload(UploadConfig{
		DocumentID:    doc,
		ClientID:      "A",
		StorePath:     f.local("missing-store"),
		ChangeSetPath: f.writeLocal(t, "cs", "cs"),
	}, f.rec, f.dispatch)
	require.NoError(t, err)

	require.NoError(t, u.Start(context.Background()))
	err = waitOp(t, u)

	require.ErrorIs(t, err, operation.ErrTransport)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, StepUploadStore, u.CurrentStep())
	assert.False(t, f.slotExists(t, u.FinalDir()))
}

func TestUpload_CancelledContext(t *testing.T) {
	f := newFixture(t)
	u := newUpload(t, f, "A", "s", "c")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, u.Start(ctx))

	assert.ErrorIs(t, waitOp(t, u), operation.ErrCancelled)
	assert.Equal(t, operation.StateCancelled, u.State())
	assert.Nil(t, u.Err())
	assert.False(t, f.slotExists(t, u.FinalDir()))
}

func TestUpload_Observer(t *testing.T) {
	f := newFixture(t)
	seen := make(chan operation.State, 2)

	u, err := NewUpload(UploadConfig{
		DocumentID:    doc,
		ClientID:      "A",
		StorePath:     f.writeLocal(t, "s", "s"),
		ChangeSetPath: f.writeLocal(t, "c", "c"),
	}, f.rec, f.dispatch, operation.WithObserver(func(op *operation.Operation) {
		seen <- op.State()
	}))
	require.NoError(t, err)

	require.NoError(t, u.Start(context.Background()))
	require.NoError(t, waitOp(t, u))

	assert.Equal(t, operation.StateSucceeded, <-seen)
	assert.Empty(t, seen)
	assert.Equal(t, OpUpload, u.Name())
}

// ===================================================================================================

func TestConfig_Validate(t *testing.T) {
	t.Run("download", func(t *testing.T) {
		ok := DownloadConfig{DocumentID: "d", StorePath: "s", ChangeSetPath: "c"}
		assert.NoError(t, ok.Validate())

		withClient := ok
		withClient.ClientID = "c1"
		assert.NoError(t, withClient.Validate())

		bad := ok
		bad.DocumentID = ""
		assert.ErrorIs(t, bad.Validate(), storepath.ErrInvalidIdentifier)

		bad = ok
		bad.ClientID = "a/b"
		assert.ErrorIs(t, bad.Validate(), storepath.ErrInvalidIdentifier)

		bad = ok
		bad.StorePath = ""
		assert.ErrorIs(t, bad.Validate(), ErrMissingLocalPath)

		bad = ok
		bad.ChangeSetPath = "s"
		assert.Error(t, bad.Validate())
	})

	t.Run("upload", func(t *testing.T) {
		ok := UploadConfig{DocumentID: "d", ClientID: "c1", StorePath: "s", ChangeSetPath: "c"}
		assert.NoError(t, ok.Validate())

		bad := ok
		bad.ClientID = ""
		assert.ErrorIs(t, bad.Validate(), storepath.ErrInvalidIdentifier)

		bad = ok
		bad.ClientID = ".."
		assert.ErrorIs(t, bad.Validate(), storepath.ErrInvalidIdentifier)

		bad = ok
		bad.ChangeSetPath = ""
		assert.ErrorIs(t, bad.Validate(), ErrMissingLocalPath)
	})

	t.Run("constructors reject", func(t *testing.T) {
		_, err := NewUpload(UploadConfig{}, transporttest.NewRecorder(fstransport.NewInMemory()), nil)
		assert.Error(t, err)
		_, err = NewDownload(DownloadConfig{}, transporttest.NewRecorder(fstransport.NewInMemory()), nil)
		assert.Error(t, err)
	})
}
