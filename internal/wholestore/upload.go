package wholestore

import (
	"context"
	"fmt"
	"sync"

	"github.com/openmined/storesync/internal/operation"
	"github.com/openmined/storesync/internal/transport"
)

const (
	OpUpload = "upload"

	StepCheckTemporary   = "check-temporary"
	StepDeleteTemporary  = "delete-temporary"
	StepCreateTemporary  = "create-temporary"
	StepUploadStore      = "upload-store"
	StepUploadChangeSets = "upload-change-sets"
	StepCheckFinal       = "check-final"
	StepDeleteFinal      = "delete-final"
	StepPublish          = "publish"
)

type Upload struct {
	*operation.Operation

	cfg        UploadConfig
	adapter    transport.Adapter
	dispatcher *transport.Dispatcher
	tempDir    string
	finalDir   string

	mu          sync.Mutex
	tempExists  bool
	finalExists bool
}

// NewUpload builds a Pending upload. A nil dispatcher gets a private one with
// transport.DefaultWorkers.
func NewUpload(cfg UploadConfig, adapter transport.Adapter, dispatcher *transport.Dispatcher, opts ...operation.Option) (*Upload, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("upload config: %w", err)
	}
	if dispatcher == nil {
		dispatcher = transport.NewDispatcher(0)
	}

	u := &Upload{
		cfg:        cfg,
		adapter:    adapter,
		dispatcher: dispatcher,
		tempDir:    cfg.Layout.TemporaryClientDir(cfg.DocumentID, cfg.ClientID),
		finalDir:   cfg.Layout.ClientDir(cfg.DocumentID, cfg.ClientID),
	}

	steps := []operation.Step{
		{Name: StepCheckTemporary, Run: u.run(u.checkTemporary)},
		{Name: StepDeleteTemporary, Skip: u.skipUnless(&u.tempExists), Run: u.run(u.deleteTemporary)},
		{Name: StepCreateTemporary, Run: u.run(u.createTemporary)},
		{Name: StepUploadStore, Run: u.run(u.uploadStore)},
		{Name: StepUploadChangeSets, Run: u.run(u.uploadChangeSets)},
		{Name: StepCheckFinal, Run: u.run(u.checkFinal)},
		{Name: StepDeleteFinal, Skip: u.skipUnless(&u.finalExists), Run: u.run(u.deleteFinal)},
		{Name: StepPublish, Run: u.run(u.publish)},
	}

	u.Operation = operation.New(OpUpload, steps, opts...)
	return u, nil
}

func (u *Upload) DocumentID() string {
	return u.cfg.DocumentID
}

func (u *Upload) ClientID() string {
	return u.cfg.ClientID
}

// TemporaryDir is the remote staging slot of this upload.
func (u *Upload) TemporaryDir() string {
	return u.tempDir
}

// FinalDir is the remote slot readers see.
func (u *Upload) FinalDir() string {
	return u.finalDir
}

func (u *Upload) run(fn func(ctx context.Context) error) func(context.Context, operation.Callback) {
	return func(ctx context.Context, done operation.Callback) {
		u.dispatcher.Go(ctx, fn, done)
	}
}

func (u *Upload) skipUnless(flag *bool) func() bool {
	return func() bool {
		u.mu.Lock()
		defer u.mu.Unlock()
		return !*flag
	}
}

func (u *Upload) checkTemporary(ctx context.Context) error {
	exists, err := u.adapter.DirectoryExists(ctx, u.tempDir)
	if err != nil {
		return operation.Transport(err, "check temporary slot %s", u.tempDir)
	}
	u.mu.Lock()
	u.tempExists = exists
	u.mu.Unlock()
	return nil
}

func (u *Upload) deleteTemporary(ctx context.Context) error {
	if err := u.adapter.DeleteDirectory(ctx, u.tempDir); err != nil {
		return operation.Transport(err, "delete stale temporary slot %s", u.tempDir)
	}
	return nil
}

func (u *Upload) createTemporary(ctx context.Context) error {
	if err := u.adapter.CreateDirectory(ctx, u.tempDir); err != nil {
		return operation.Transport(err, "create temporary slot %s", u.tempDir)
	}
	return nil
}

func (u *Upload) uploadStore(ctx context.Context) error {
	remote := u.cfg.Layout.StoreFile(u.tempDir)
	if err := u.adapter.UploadFile(ctx, u.cfg.StorePath, remote); err != nil {
		return operation.Transport(err, "upload whole store to %s", remote)
	}
	return nil
}

func (u *Upload) uploadChangeSets(ctx context.Context) error {
	remote := u.cfg.Layout.ChangeSetFile(u.tempDir)
	if err := u.adapter.UploadFile(ctx, u.cfg.ChangeSetPath, remote); err != nil {
		return operation.Transport(err, "upload applied change sets to %s", remote)
	}
	return nil
}

func (u *Upload) checkFinal(ctx context.Context) error {
	exists, err := u.adapter.DirectoryExists(ctx, u.finalDir)
	if err != nil {
		return operation.Transport(err, "check final slot %s", u.finalDir)
	}
	u.mu.Lock()
	u.finalExists = exists
	u.mu.Unlock()
	return nil
}

func (u *Upload) deleteFinal(ctx context.Context) error {
	if err := u.adapter.DeleteDirectory(ctx, u.finalDir); err != nil {
		return operation.Transport(err, "delete final slot %s", u.finalDir)
	}
	return nil
}

func (u *Upload) publish(ctx context.Context) error {
	if err := u.adapter.CopyDirectory(ctx, u.tempDir, u.finalDir); err != nil {
		return operation.Transport(err, "copy %s to %s", u.tempDir, u.finalDir)
	}
	return nil
}
