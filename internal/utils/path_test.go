package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantError bool
	}{
		{name: "empty path", input: "", wantError: true},
		{name: "relative path", input: "./test", wantError: false},
		{name: "absolute path", input: "/tmp/test", wantError: false},
		{name: "home path", input: "~/storesync", wantError: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ResolvePath(tt.input)
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, filepath.IsAbs(result), result)
		})
	}
}

func TestEnsureParent(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "a", "b", "store.ticdsync")

	require.NoError(t, EnsureParent(file))
	assert.True(t, DirExists(filepath.Dir(file)))
	assert.NoFileExists(t, file)

	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	assert.FileExists(t, file)
	assert.False(t, DirExists(file))

	// idempotent
	require.NoError(t, EnsureParent(file))
}
