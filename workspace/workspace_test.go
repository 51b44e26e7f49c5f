package workspace

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// MockFileSystem wraps RealFileSystem and injects errors per path
type MockFileSystem struct {
	RealFileSystem
	mkdirErrors     map[string]error
	removeAllErrors map[string]error
	removeAllCalls  []string
}

func (m *MockFileSystem) Mkdir(path string, perm os.FileMode) error {
	if err, exists := m.mkdirErrors[path]; exists {
		return err
	}
	return m.RealFileSystem.Mkdir(path, perm)
}

func (m *MockFileSystem) RemoveAll(path string) error {
	m.removeAllCalls = append(m.removeAllCalls, path)
	if err, exists := m.removeAllErrors[path]; exists {
		return err
	}
	return m.RealFileSystem.RemoveAll(path)
}

func TestManagerCreate(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("CreatesLayout", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "scratch")
		m := NewManager(logger, root)

		ws, err := m.Create()
		require.NoError(t, err)
		assert.Equal(t, root, filepath.Dir(ws.Path))
		assert.DirExists(t, ws.SourcePath())
		assert.DirExists(t, ws.ContextPath())
	})

	t.Run("UniqueNames", func(t *testing.T) {
		m := NewManager(logger, t.TempDir())

		seen := make(map[string]bool)
		for i := 0; i < 20; i++ {
			ws, err := m.Create()
			require.NoError(t, err)
			assert.False(t, seen[ws.Path], "workspace path reused: %s", ws.Path)
			seen[ws.Path] = true
		}
	})

	t.Run("CollisionFails", func(t *testing.T) {
		m := NewManager(logger, t.TempDir(), WithIDGenerator(func() string { return "fixed" }))

		_, err := m.Create()
		require.NoError(t, err)

		_, err = m.Create()
		require.ErrorIs(t, err, ErrWorkspace)
	})

	t.Run("MkdirError", func(t *testing.T) {
		root := t.TempDir()
		fs := &MockFileSystem{mkdirErrors: map[string]error{
			filepath.Join(root, "boom"): errors.New("disk full"),
		}}
		m := NewManager(logger, root, WithFileSystem(fs), WithIDGenerator(func() string { return "boom" }))

		_, err := m.Create()
		require.ErrorIs(t, err, ErrWorkspace)
		assert.Contains(t, err.Error(), "disk full")
	})
}

func TestWorkspaceWriteFile(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t), t.TempDir())
	ws, err := m.Create()
	require.NoError(t, err)

	t.Run("Source", func(t *testing.T) {
		require.NoError(t, ws.WriteSource("Solution.py", []byte("print('hi')")))
		data, err := os.ReadFile(filepath.Join(ws.SourcePath(), "Solution.py"))
		require.NoError(t, err)
		assert.Equal(t, "print('hi')", string(data))
	})

	t.Run("Context", func(t *testing.T) {
		require.NoError(t, ws.WriteContext("Dockerfile", []byte("FROM alpine")))
		assert.FileExists(t, filepath.Join(ws.ContextPath(), "Dockerfile"))
	})

	t.Run("RejectsTraversal", func(t *testing.T) {
		err := ws.WriteFile("../escape.txt", []byte("x"))
		require.ErrorIs(t, err, ErrWorkspace)
		assert.Contains(t, err.Error(), "escapes workspace")
	})

	t.Run("RejectsAbsolute", func(t *testing.T) {
		err := ws.WriteFile("/etc/passwd", []byte("x"))
		require.ErrorIs(t, err, ErrWorkspace)
	})
}

func TestManagerDestroy(t *testing.T) {
	t.Run("RemovesDirectory", func(t *testing.T) {
		m := NewManager(zaptest.NewLogger(t), t.TempDir())
		ws, err := m.Create()
		require.NoError(t, err)
		require.NoError(t, ws.WriteSource("Solution.go", []byte("package main")))

		m.Destroy(ws)
		assert.NoDirExists(t, ws.Path)
	})

	t.Run("LogsFailure", func(t *testing.T) {
		core, logs := observer.New(zap.WarnLevel)
		root := t.TempDir()
		fs := &MockFileSystem{removeAllErrors: map[string]error{
			filepath.Join(root, "stuck"): errors.New("device busy"),
		}}
		m := NewManager(zap.New(core), root, WithFileSystem(fs), WithIDGenerator(func() string { return "stuck" }))
		ws, err := m.Create()
		require.NoError(t, err)

		assert.NotPanics(t, func() { m.Destroy(ws) })
		assert.Equal(t, 1, logs.FilterMessage("failed to remove workspace").Len())
	})

	t.Run("Nil", func(t *testing.T) {
		m := NewManager(zaptest.NewLogger(t), t.TempDir())
		assert.NotPanics(t, func() { m.Destroy(nil) })
	})
}

func TestCreateTarFromDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM alpine"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lib", "util.py"), []byte("x = 1"), 0o644))

	data, err := CreateTarFromDir(dir)
	require.NoError(t, err)

	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	files := make(map[string]string)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if hdr.Typeflag == tar.TypeReg {
			content, err := io.ReadAll(tr)
			require.NoError(t, err)
			files[hdr.Name] = string(content)
		}
	}

	assert.Equal(t, map[string]string{
		"Dockerfile":  "FROM alpine",
		"lib/util.py": "x = 1",
	}, files)
}
