// Package workspace lays out the local state directory and serializes
// operations on a document across processes with lock files.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/openmined/storesync/internal/storepath"
	"github.com/openmined/storesync/internal/utils"
)

const (
	logsDir     = "logs"
	locksDir    = "locks"
	journalFile = "journal.db"
	logFile     = "storesync.log"
	lockExt     = ".lock"
)

var (
	ErrDocumentLocked = errors.New("document locked by another process")
)

type Workspace struct {
	Root     string
	LogsDir  string
	LocksDir string
}

func New(rootDir string) (*Workspace, error) {
	root, err := utils.ResolvePath(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", rootDir, err)
	}

	return &Workspace{
		Root:     root,
		LogsDir:  filepath.Join(root, logsDir),
		LocksDir: filepath.Join(root, locksDir),
	}, nil
}

// Setup creates the state directories.
func (w *Workspace) Setup() error {
	for _, dir := range []string{w.Root, w.LogsDir, w.LocksDir} {
		if err := utils.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	slog.Debug("workspace", "root", w.Root)
	return nil
}

func (w *Workspace) JournalPath() string {
	return filepath.Join(w.Root, journalFile)
}

func (w *Workspace) LogFilePath() string {
	return filepath.Join(w.LogsDir, logFile)
}

func (w *Workspace) LockPath(documentID string) string {
	return filepath.Join(w.LocksDir, documentID+lockExt)
}

// DocumentLock is held for the duration of an upload or download.
type DocumentLock struct {
	DocumentID string
	flock      *flock.Flock
}

// LockDocument takes the document's lock without waiting. It returns
// ErrDocumentLocked if another process holds it.
func (w *Workspace) LockDocument(documentID string) (*DocumentLock, error) {
	if err := storepath.ValidateIdentifier("document id", documentID); err != nil {
		return nil, err
	}
	if err := utils.EnsureDir(w.LocksDir); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", w.LocksDir, err)
	}

	fl := flock.New(w.LockPath(documentID))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock document %s: %w", documentID, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrDocumentLocked, documentID)
	}

	slog.Debug("document locked", "document", documentID, "lock", fl.Path())
	return &DocumentLock{DocumentID: documentID, flock: fl}, nil
}

func (l *DocumentLock) Unlock() error {
	// only the holder removes the lock file
	if !l.flock.Locked() {
		return nil
	}

	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock document %s: %w", l.DocumentID, err)
	}

	if err := os.Remove(l.flock.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
