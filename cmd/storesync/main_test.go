package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/openmined/storesync/internal/config"
	"github.com/openmined/storesync/internal/journal"
	"github.com/openmined/storesync/internal/operation"
	"github.com/openmined/storesync/internal/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cliEnv struct {
	t        *testing.T
	dir      string
	stateDir string
	root     string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	env := &cliEnv{
		t:        t,
		dir:      dir,
		stateDir: filepath.Join(dir, "state"),
		root:     filepath.Join(dir, "shared"),
	}
	require.NoError(t, os.MkdirAll(env.root, 0o755))
	return env
}

// run executes the CLI against a local backend rooted in the test dir.
func (e *cliEnv) run(args ...string) (string, error) {
	e.t.Helper()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{
		"--config", filepath.Join(e.dir, "missing.json"),
		"--state-dir", e.stateDir,
		"--backend", config.BackendLocal,
		"--root", e.root,
		"--log-level", "debug",
	}, args...))

	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *cliEnv) writeFile(name, content string) string {
	e.t.Helper()
	p := filepath.Join(e.dir, name)
	require.NoError(e.t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func (e *cliEnv) readFile(name string) string {
	e.t.Helper()
	b, err := os.ReadFile(filepath.Join(e.dir, name))
	require.NoError(e.t, err)
	return string(b)
}

func (e *cliEnv) upload(client, store, changes string) (string, error) {
	storePath := e.writeFile(client+".store", store)
	changesPath := e.writeFile(client+".changes", changes)
	return e.run("upload", "-d", "doc", "-u", client, "--store", storePath, "--change-sets", changesPath)
}

func TestUploadDownload(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.upload("clientA", "store-a", "changes-a")
	require.NoError(t, err)
	assert.Contains(t, out, "upload doc/clientA Succeeded")

	assert.FileExists(t, filepath.Join(env.root, "Documents", "doc", "WholeStore", "clientA", "WholeStore.ticdsync"))
	assert.FileExists(t, filepath.Join(env.root, "Documents", "doc", "WholeStore", "clientA", "AppliedSyncChangeSets.ticdsync"))

	out, err = env.run("download", "-d", "doc",
		"--store", filepath.Join(env.dir, "out.store"),
		"--change-sets", filepath.Join(env.dir, "out.changes"))
	require.NoError(t, err)
	assert.Contains(t, out, "download doc/clientA Succeeded")

	assert.Equal(t, "store-a", env.readFile("out.store"))
	assert.Equal(t, "changes-a", env.readFile("out.changes"))
}

func TestDownload_RequestedClient(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.upload("clientA", "store-a", "changes-a")
	require.NoError(t, err)
	_, err = env.upload("clientB", "store-b", "changes-b")
	require.NoError(t, err)

	_, err = env.run("download", "-d", "doc", "-u", "clientA",
		"--store", filepath.Join(env.dir, "out.store"),
		"--change-sets", filepath.Join(env.dir, "out.changes"))
	require.NoError(t, err)
	assert.Equal(t, "store-a", env.readFile("out.store"))
}

func TestDownload_NoRemoteStore(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run("download", "-d", "doc",
		"--store", filepath.Join(env.dir, "out.store"),
		"--change-sets", filepath.Join(env.dir, "out.changes"))
	require.Error(t, err)
	assert.ErrorIs(t, err, operation.ErrNoRemoteStore)
	assert.NoFileExists(t, filepath.Join(env.dir, "out.store"))
}

func TestUpload_DocumentLocked(t *testing.T) {
	env := newCLIEnv(t)

	ws, err := workspace.New(env.stateDir)
	require.NoError(t, err)
	lock, err := ws.LockDocument("doc")
	require.NoError(t, err)
	defer lock.Unlock()

	_, err = env.upload("clientA", "store-a", "changes-a")
	assert.ErrorIs(t, err, workspace.ErrDocumentLocked)
}

func TestUpload_MissingFlags(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run("upload", "-d", "doc")
	assert.ErrorContains(t, err, "required flag")
}

func TestHistory(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.upload("clientA", "store-a", "changes-a")
	require.NoError(t, err)
	_, err = env.run("download", "-d", "other",
		"--store", filepath.Join(env.dir, "out.store"),
		"--change-sets", filepath.Join(env.dir, "out.changes"))
	require.Error(t, err)

	out, err := env.run("history", "--json")
	require.NoError(t, err)

	var entries []journal.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 2)

	assert.Equal(t, "download", entries[0].Kind)
	assert.Equal(t, "other", entries[0].DocumentID)
	assert.Equal(t, "Failed", entries[0].State)
	assert.Equal(t, string(operation.KindNoRemoteStore), entries[0].ErrorKind)

	assert.Equal(t, "upload", entries[1].Kind)
	assert.Equal(t, "clientA", entries[1].ClientID)
	assert.Equal(t, "Succeeded", entries[1].State)

	out, err = env.run("history", "--kind", "upload")
	require.NoError(t, err)
	assert.Contains(t, out, "clientA")
	assert.NotContains(t, out, "NoRemoteStore")
}

func TestHistory_Empty(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run("history")
	require.NoError(t, err)
	assert.Contains(t, out, "no operations recorded")
}

func TestLoadConfig_Precedence(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{
		"workers": 2,
		"log_level": "warn",
		"backend": {"type": "local", "local": {"root": "`+filepath.ToSlash(dir)+`"}}
	}`), 0o644))

	t.Setenv("STORESYNC_LOG_LEVEL", "error")
	t.Setenv("STORESYNC_EXTENSION", "sync")

	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{
		"--config", configPath,
		"--state-dir", filepath.Join(dir, "state"),
		"--workers", "9",
	}))

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)

	assert.Equal(t, configPath, cfg.Path)
	assert.Equal(t, 9, cfg.Workers, "flag beats file")
	assert.Equal(t, "error", cfg.LogLevel, "env beats file")
	assert.Equal(t, "sync", cfg.Extension)
	assert.Equal(t, filepath.Join(dir, "state"), cfg.StateDir)
	assert.Equal(t, config.BackendLocal, cfg.Backend.Type)
}

func TestLoadConfig_BadFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(configPath, []byte("{not json"), 0o644))

	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--config", configPath}))

	_, err := loadConfig(cmd)
	assert.ErrorContains(t, err, "config read")
}

func TestLocalCommands_WithoutBackend(t *testing.T) {
	dir := t.TempDir()
	run := func(args ...string) (string, error) {
		cmd := newRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs(append([]string{
			"--config", filepath.Join(dir, "missing.json"),
			"--state-dir", filepath.Join(dir, "state"),
		}, args...))
		err := cmd.ExecuteContext(context.Background())
		return out.String(), err
	}

	out, err := run("history")
	require.NoError(t, err)
	assert.Contains(t, out, "no operations recorded")

	_, err = run("config")
	require.NoError(t, err)

	_, err = run("download", "-d", "doc",
		"--store", filepath.Join(dir, "out.store"),
		"--change-sets", filepath.Join(dir, "out.changes"))
	assert.ErrorContains(t, err, "backend.local.root")
}
