package watcher_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/hearth/internal/watcher"
)

func TestWatcher_DebounceMultipleWrites(t *testing.T) {
	dir := t.TempDir()
	runtimePath := filepath.Join(dir, "agent.py")
	err := os.WriteFile(runtimePath, []byte("v1"), 0644)
	require.NoError(t, err, "failed to create runtime file")

	w, err := watcher.New(watcher.Config{
		Path:        runtimePath,
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err, "failed to create watcher")
	defer func() { _ = w.Stop() }()

	onChange, err := w.Start()
	require.NoError(t, err, "failed to start watcher")

	// Rapid writes should coalesce into single notification
	for i := 0; i < 10; i++ {
		err := os.WriteFile(runtimePath, []byte(fmt.Sprintf("v%d", i)), 0644)
		require.NoError(t, err, "failed to write file")
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-onChange:
		// Expected
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected notification but got timeout")
	}

	// No second notification should come quickly
	select {
	case <-onChange:
		t.Fatal("unexpected second notification")
	case <-time.After(100 * time.Millisecond):
		// Expected - no second notification
	}
}

func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	runtimePath := filepath.Join(dir, "agent.py")
	otherPath := filepath.Join(dir, "notes.txt")
	err := os.WriteFile(runtimePath, []byte("runtime"), 0644)
	require.NoError(t, err, "failed to create runtime file")
	// Pre-create the other file so writes to it are just Write events
	err = os.WriteFile(otherPath, []byte("initial"), 0644)
	require.NoError(t, err, "failed to create other file")

	w, err := watcher.New(watcher.Config{
		Path:        runtimePath,
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err, "failed to create watcher")
	defer func() { _ = w.Stop() }()

	onChange, err := w.Start()
	require.NoError(t, err, "failed to start watcher")

	err = os.WriteFile(otherPath, []byte("other content"), 0644)
	require.NoError(t, err, "failed to write other file")

	select {
	case <-onChange:
		t.Fatal("should not notify for unrelated files")
	case <-time.After(100 * time.Millisecond):
		// Expected - no notification for unrelated file
	}
}

func TestWatcher_DirectoryMode(t *testing.T) {
	// Watching a runtime directory reacts to any file inside it.
	dir := t.TempDir()
	runtimeDir := filepath.Join(dir, "runtime")
	require.NoError(t, os.MkdirAll(runtimeDir, 0755))

	w, err := watcher.New(watcher.Config{
		Path:        runtimeDir,
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err, "failed to create watcher")
	defer func() { _ = w.Stop() }()

	onChange, err := w.Start()
	require.NoError(t, err, "failed to start watcher")

	err = os.WriteFile(filepath.Join(runtimeDir, "helper.py"), []byte("new"), 0644)
	require.NoError(t, err, "failed to write file")

	select {
	case <-onChange:
		// Expected
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected notification for file inside watched directory")
	}
}

func TestWatcher_ReplacedFileTriggers(t *testing.T) {
	// Editors and deploys replace files via rename; that must count as
	// a change.
	dir := t.TempDir()
	runtimePath := filepath.Join(dir, "agent.py")
	require.NoError(t, os.WriteFile(runtimePath, []byte("v1"), 0644))

	w, err := watcher.New(watcher.Config{
		Path:        runtimePath,
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	onChange, err := w.Start()
	require.NoError(t, err)

	staging := filepath.Join(dir, "agent.py.tmp")
	require.NoError(t, os.WriteFile(staging, []byte("v2"), 0644))
	require.NoError(t, os.Rename(staging, runtimePath))

	select {
	case <-onChange:
		// Expected
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected notification for replaced runtime file")
	}
}

func TestWatcher_MissingPath(t *testing.T) {
	w, err := watcher.New(watcher.Config{
		Path:        filepath.Join(t.TempDir(), "does-not-exist"),
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	_, err = w.Start()
	require.Error(t, err)
}

func TestWatcher_Stop(t *testing.T) {
	dir := t.TempDir()
	runtimePath := filepath.Join(dir, "agent.py")
	err := os.WriteFile(runtimePath, []byte("test"), 0644)
	require.NoError(t, err, "failed to create test file")

	w, err := watcher.New(watcher.Config{
		Path:        runtimePath,
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err, "failed to create watcher")

	_, err = w.Start()
	require.NoError(t, err, "failed to start watcher")

	done := make(chan struct{})
	go func() {
		err := w.Stop()
		assert.NoError(t, err, "Stop returned error")
		close(done)
	}()

	select {
	case <-done:
		// Expected - stop completed successfully
	case <-time.After(1 * time.Second):
		t.Fatal("Stop() timed out - possible deadlock")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := watcher.DefaultConfig("/opt/agent/runtime")

	assert.Equal(t, "/opt/agent/runtime", cfg.Path)
	assert.Equal(t, 1*time.Second, cfg.DebounceDur)
}
