// Package storepath describes where whole stores live in the shared remote
// namespace. All paths are slash separated and rooted at "/".
package storepath

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	DefaultExtension = "ticdsync"

	documentsDir      = "Documents"
	wholeStoreDir     = "WholeStore"
	temporaryFilesDir = "TemporaryFiles"

	wholeStoreName    = "WholeStore"
	appliedChangeSets = "AppliedSyncChangeSets"
)

var (
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrInvalidKey        = errors.New("invalid key")
)

// Match: starts with one or more / OR contains \ OR contains ..
var regexForbiddenPatterns = regexp.MustCompile(`^/+|\\+|\.\.`)

// Layout maps document and client identifiers to remote paths.
// The zero value uses DefaultExtension.
type Layout struct {
	Extension string
}

func (l Layout) ext() string {
	if l.Extension == "" {
		return DefaultExtension
	}
	return strings.TrimPrefix(l.Extension, ".")
}

// DocumentDir is /Documents/{document}.
func (l Layout) DocumentDir(documentID string) string {
	return path.Join("/", documentsDir, documentID)
}

// WholeStoreRoot is the parent of every client's final slot.
func (l Layout) WholeStoreRoot(documentID string) string {
	return path.Join(l.DocumentDir(documentID), wholeStoreDir)
}

// TemporaryRoot is the parent of every client's staging slot.
func (l Layout) TemporaryRoot(documentID string) string {
	return path.Join(l.DocumentDir(documentID), temporaryFilesDir, wholeStoreDir)
}

// ClientDir is the reader-visible final slot of a client.
func (l Layout) ClientDir(documentID, clientID string) string {
	return path.Join(l.WholeStoreRoot(documentID), clientID)
}

// TemporaryClientDir is the staging slot of a client.
func (l Layout) TemporaryClientDir(documentID, clientID string) string {
	return path.Join(l.TemporaryRoot(documentID), clientID)
}

// StoreFile is the whole-store artifact inside a slot.
func (l Layout) StoreFile(slotDir string) string {
	return path.Join(slotDir, wholeStoreName+"."+l.ext())
}

// ChangeSetFile is the applied change set record inside a slot.
func (l Layout) ChangeSetFile(slotDir string) string {
	return path.Join(slotDir, appliedChangeSets+"."+l.ext())
}

// ValidateIdentifier checks a document or client identifier is usable as a
// single path segment.
func ValidateIdentifier(kind, id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: %s is empty", ErrInvalidIdentifier, kind)
	case id == "." || id == "..":
		return fmt.Errorf("%w: %s %q", ErrInvalidIdentifier, kind, id)
	case strings.ContainsAny(id, `/\`):
		return fmt.Errorf("%w: %s %q contains a path separator", ErrInvalidIdentifier, kind, id)
	case !utf8.ValidString(id):
		return fmt.Errorf("%w: %s is not valid utf-8", ErrInvalidIdentifier, kind)
	}
	return nil
}

// ToKey turns a rooted remote path into an object key, e.g. for S3.
// Directories keep a trailing slash when dir is true.
func ToKey(remotePath string, dir bool) (string, error) {
	key := strings.TrimLeft(path.Clean("/"+remotePath), "/")
	if !ValidateKey(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, remotePath)
	}
	if dir {
		key += "/"
	}
	return key, nil
}

// ValidateKey checks a key for S3 and local file system compatibility.
func ValidateKey(key string) bool {
	// S3 keys must be between 1 and 1024 bytes long
	if len(key) == 0 || len(key) > 1024 {
		return false
	} else if key == "." || key == ".." {
		return false
	}

	if regexForbiddenPatterns.MatchString(key) {
		return false
	}

	return utf8.ValidString(key)
}
