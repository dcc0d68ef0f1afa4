package utils

import (
	"mime"
	"path"
)

// DetectContentType guesses the content type of a remote object from its
// extension. Store artifacts have no registered type and are sent as
// application/octet-stream.
func DetectContentType(key string) string {
	if mimeType := mime.TypeByExtension(path.Ext(key)); mimeType != "" {
		return mimeType
	}
	return "application/octet-stream"
}
