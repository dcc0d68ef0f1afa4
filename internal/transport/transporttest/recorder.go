package transporttest

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/openmined/storesync/internal/transport"
)

// Adapter method names as recorded by Recorder.
const (
	MethodListClientUploadTimestamps = "ListClientUploadTimestamps"
	MethodDirectoryExists            = "DirectoryExists"
	MethodCreateDirectory            = "CreateDirectory"
	MethodDeleteDirectory            = "DeleteDirectory"
	MethodUploadFile                 = "UploadFile"
	MethodDownloadFile               = "DownloadFile"
	MethodCopyDirectory              = "CopyDirectory"
)

// Call is one adapter invocation.
type Call struct {
	Method string
	Args   []string
}

// Recorder wraps an adapter, records every call and injects failures.
type Recorder struct {
	next transport.Adapter

	mu         sync.Mutex
	calls      []Call
	failMethod map[string]error
	failAt     map[int]error
	timestamps map[string]map[string]time.Time
}

func NewRecorder(next transport.Adapter) *Recorder {
	return &Recorder{
		next:       next,
		failMethod: make(map[string]error),
		failAt:     make(map[int]error),
		timestamps: make(map[string]map[string]time.Time),
	}
}

// FailOn makes every call of method fail with err without reaching the
// wrapped adapter.
func (r *Recorder) FailOn(method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failMethod[method] = err
}

// FailAt makes the n-th call (0 based, counting every method) fail with err.
func (r *Recorder) FailAt(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failAt[n] = err
}

// StubTimestamps answers ListClientUploadTimestamps for documentID with ts
// instead of asking the wrapped adapter.
func (r *Recorder) StubTimestamps(documentID string, ts map[string]time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timestamps[documentID] = maps.Clone(ts)
}

func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Methods returns the recorded method names in call order.
func (r *Recorder) Methods() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	methods := make([]string, len(r.calls))
	for i, c := range r.calls {
		methods[i] = c.Method
	}
	return methods
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
	clear(r.failMethod)
	clear(r.failAt)
}

func (r *Recorder) record(method string, args ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := len(r.calls)
	r.calls = append(r.calls, Call{Method: method, Args: args})
	if err, ok := r.failAt[idx]; ok {
		return err
	}
	if err, ok := r.failMethod[method]; ok {
		return err
	}
	return nil
}

func (r *Recorder) ListClientUploadTimestamps(ctx context.Context, documentID string) (map[string]time.Time, error) {
	if err := r.record(MethodListClientUploadTimestamps, documentID); err != nil {
		return nil, err
	}
	r.mu.Lock()
	ts, ok := r.timestamps[documentID]
	r.mu.Unlock()
	if ok {
		return maps.Clone(ts), nil
	}
	return r.next.ListClientUploadTimestamps(ctx, documentID)
}

func (r *Recorder) DirectoryExists(ctx context.Context, path string) (bool, error) {
	if err := r.record(MethodDirectoryExists, path); err != nil {
		return false, err
	}
	return r.next.DirectoryExists(ctx, path)
}

func (r *Recorder) CreateDirectory(ctx context.Context, path string) error {
	if err := r.record(MethodCreateDirectory, path); err != nil {
		return err
	}
	return r.next.CreateDirectory(ctx, path)
}

func (r *Recorder) DeleteDirectory(ctx context.Context, path string) error {
	if err := r.record(MethodDeleteDirectory, path); err != nil {
		return err
	}
	return r.next.DeleteDirectory(ctx, path)
}

func (r *Recorder) UploadFile(ctx context.Context, localPath, remotePath string) error {
	if err := r.record(MethodUploadFile, localPath, remotePath); err != nil {
		return err
	}
	return r.next.UploadFile(ctx, localPath, remotePath)
}

func (r *Recorder) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	if err := r.record(MethodDownloadFile, remotePath, localPath); err != nil {
		return err
	}
	return r.next.DownloadFile(ctx, remotePath, localPath)
}

func (r *Recorder) CopyDirectory(ctx context.Context, srcPath, dstPath string) error {
	if err := r.record(MethodCopyDirectory, srcPath, dstPath); err != nil {
		return err
	}
	return r.next.CopyDirectory(ctx, srcPath, dstPath)
}

var _ transport.Adapter = (*Recorder)(nil)
