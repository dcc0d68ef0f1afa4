package wholestore

import (
	"errors"
	"fmt"

	"github.com/openmined/storesync/internal/storepath"
)

var ErrMissingLocalPath = errors.New("local path required")

// DownloadConfig is fixed for the life of a Download.
type DownloadConfig struct {
	DocumentID string
	// ClientID, when set, names the client whose store is downloaded and
	// skips source determination.
	ClientID      string
	StorePath     string
	ChangeSetPath string
	Layout        storepath.Layout
}

func (c *DownloadConfig) Validate() error {
	if err := storepath.ValidateIdentifier("document id", c.DocumentID); err != nil {
		return err
	}
	if c.ClientID != "" {
		if err := storepath.ValidateIdentifier("client id", c.ClientID); err != nil {
			return err
		}
	}
	return validateLocalPaths(c.StorePath, c.ChangeSetPath)
}

// UploadConfig is fixed for the life of an Upload.
type UploadConfig struct {
	DocumentID    string
	ClientID      string
	StorePath     string
	ChangeSetPath string
	Layout        storepath.Layout
}

func (c *UploadConfig) Validate() error {
	if err := storepath.ValidateIdentifier("document id", c.DocumentID); err != nil {
		return err
	}
	if err := storepath.ValidateIdentifier("client id", c.ClientID); err != nil {
		return err
	}
	return validateLocalPaths(c.StorePath, c.ChangeSetPath)
}

func validateLocalPaths(store, changeSets string) error {
	if store == "" {
		return fmt.Errorf("%w: store", ErrMissingLocalPath)
	}
	if changeSets == "" {
		return fmt.Errorf("%w: change sets", ErrMissingLocalPath)
	}
	if store == changeSets {
		return fmt.Errorf("store and change sets share the local path %q", store)
	}
	return nil
}
