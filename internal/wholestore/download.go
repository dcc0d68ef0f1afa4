// Package wholestore moves a client's whole store and its applied change
// sets between local storage and the shared remote namespace.
//
// Upload stages both files in the client's temporary slot and only then
// replaces the client's final slot with a copy of it, so readers of the final
// slot never see a half-written pair. Download reads the final slot of the
// requested client, or of the client with the newest upload.
package wholestore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/openmined/storesync/internal/operation"
	"github.com/openmined/storesync/internal/transport"
)

const (
	OpDownload = "download"

	StepDetermineSource    = "determine-source"
	StepDownloadStore      = "download-store"
	StepDownloadChangeSets = "download-change-sets"
)

type Download struct {
	*operation.Operation

	cfg        DownloadConfig
	adapter    transport.Adapter
	dispatcher *transport.Dispatcher

	mu       sync.Mutex
	clientID string
}

// NewDownload builds a Pending download. A nil dispatcher gets a private one
// with transport.DefaultWorkers.
func NewDownload(cfg DownloadConfig, adapter transport.Adapter, dispatcher *transport.Dispatcher, opts ...operation.Option) (*Download, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("download config: %w", err)
	}
	if dispatcher == nil {
		dispatcher = transport.NewDispatcher(0)
	}

	d := &Download{
		cfg:        cfg,
		adapter:    adapter,
		dispatcher: dispatcher,
		clientID:   cfg.ClientID,
	}

	steps := []operation.Step{
		{
			Name: StepDetermineSource,
			Skip: func() bool { return d.cfg.ClientID != "" },
			Run:  d.run(d.determineSource),
		},
		{
			Name: StepDownloadStore,
			Run:  d.run(d.downloadStore),
		},
		{
			Name: StepDownloadChangeSets,
			Run:  d.run(d.downloadChangeSets),
		},
	}

	d.Operation = operation.New(OpDownload, steps, opts...)
	return d, nil
}

func (d *Download) DocumentID() string {
	return d.cfg.DocumentID
}

// RequestedClientID is the client given in the config, possibly empty.
func (d *Download) RequestedClientID() string {
	return d.cfg.ClientID
}

// ClientID is the client whose store is (or was) downloaded. It is empty until
// source determination finished.
func (d *Download) ClientID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clientID
}

func (d *Download) run(fn func(ctx context.Context) error) func(context.Context, operation.Callback) {
	return func(ctx context.Context, done operation.Callback) {
		d.dispatcher.Go(ctx, fn, done)
	}
}

func (d *Download) determineSource(ctx context.Context) error {
	timestamps, err := d.adapter.ListClientUploadTimestamps(ctx, d.cfg.DocumentID)
	if err != nil {
		return operation.Transport(err, "list client upload timestamps of document %s", d.cfg.DocumentID)
	}

	client, ok := LatestClient(timestamps)
	if !ok {
		return operation.NoRemoteStore("no client uploaded a whole store for document %s", d.cfg.DocumentID)
	}

	d.mu.Lock()
	d.clientID = client
	d.mu.Unlock()

	slog.Info("wholestore source", "document", d.cfg.DocumentID, "client", client, "uploaded", timestamps[client], "candidates", len(timestamps))
	return nil
}

func (d *Download) downloadStore(ctx context.Context) error {
	remote := d.cfg.Layout.StoreFile(d.cfg.Layout.ClientDir(d.cfg.DocumentID, d.ClientID()))
	if err := d.adapter.DownloadFile(ctx, remote, d.cfg.StorePath); err != nil {
		return operation.Transport(err, "download whole store %s", remote)
	}
	return nil
}

func (d *Download) downloadChangeSets(ctx context.Context) error {
	remote := d.cfg.Layout.ChangeSetFile(d.cfg.Layout.ClientDir(d.cfg.DocumentID, d.ClientID()))
	if err := d.adapter.DownloadFile(ctx, remote, d.cfg.ChangeSetPath); err != nil {
		return operation.Transport(err, "download applied change sets %s", remote)
	}
	return nil
}
