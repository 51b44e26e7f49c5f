package workspace

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrWorkspace wraps every scratch directory I/O failure.
var ErrWorkspace = errors.New("workspace error")

// File permission constants
const (
	DirPermission  = 0o755
	FilePermission = 0o644
)

// Sub-directories of a workspace
const (
	SourceDir  = "src"
	ContextDir = "context"
)

// Manager creates and destroys per-request workspaces under a scratch root
type Manager struct {
	root   string
	fs     FileSystem
	logger *zap.Logger
	newID  func() string
}

// ManagerOption defines a functional option for Manager
type ManagerOption func(*Manager)

// WithFileSystem sets the FileSystem used by the Manager
func WithFileSystem(fs FileSystem) ManagerOption {
	return func(m *Manager) {
		m.fs = fs
	}
}

// WithIDGenerator sets the function naming new workspace directories
func WithIDGenerator(newID func() string) ManagerOption {
	return func(m *Manager) {
		m.newID = newID
	}
}

// NewManager creates a Manager rooted at root
func NewManager(logger *zap.Logger, root string, opts ...ManagerOption) *Manager {
	m := &Manager{
		root:   root,
		fs:     RealFileSystem{},
		logger: logger,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Workspace is a scratch directory owned by a single execution request
type Workspace struct {
	ID   string
	Path string
	fs   FileSystem
}

// Create allocates a new, uniquely named workspace with empty src and
// context sub-directories.
func (m *Manager) Create() (*Workspace, error) {
	if err := m.fs.MkdirAll(m.root, DirPermission); err != nil {
		return nil, fmt.Errorf("%w: create scratch root: %w", ErrWorkspace, err)
	}

	id := m.newID()
	path := filepath.Join(m.root, id)
	// Mkdir, not MkdirAll: an existing directory must fail instead of being shared.
	if err := m.fs.Mkdir(path, DirPermission); err != nil {
		return nil, fmt.Errorf("%w: create workspace %s: %w", ErrWorkspace, id, err)
	}

	ws := &Workspace{ID: id, Path: path, fs: m.fs}
	for _, sub := range []string{SourceDir, ContextDir} {
		if err := m.fs.MkdirAll(filepath.Join(path, sub), DirPermission); err != nil {
			m.Destroy(ws)
			return nil, fmt.Errorf("%w: create %s dir: %w", ErrWorkspace, sub, err)
		}
	}

	m.logger.Debug("workspace created", zap.String("workspace", id), zap.String("path", path))
	return ws, nil
}

// Destroy removes the workspace recursively. It never fails: errors are
// logged because it always runs on the cleanup path of a request.
func (m *Manager) Destroy(ws *Workspace) {
	if ws == nil {
		return
	}
	if err := m.fs.RemoveAll(ws.Path); err != nil {
		m.logger.Warn("failed to remove workspace", zap.String("workspace", ws.ID), zap.String("path", ws.Path), zap.Error(err))
		return
	}
	m.logger.Debug("workspace removed", zap.String("workspace", ws.ID))
}

// SourcePath returns the directory whose contents are injected into the container
func (w *Workspace) SourcePath() string {
	return filepath.Join(w.Path, SourceDir)
}

// ContextPath returns the directory holding the image build context
func (w *Workspace) ContextPath() string {
	return filepath.Join(w.Path, ContextDir)
}

// WriteFile writes content to rel, a path relative to the workspace root.
func (w *Workspace) WriteFile(rel string, content []byte) error {
	target, err := w.resolve(rel)
	if err != nil {
		return err
	}
	if err := w.fs.MkdirAll(filepath.Dir(target), DirPermission); err != nil {
		return fmt.Errorf("%w: create parent of %s: %w", ErrWorkspace, rel, err)
	}
	if err := w.fs.WriteFile(target, content, FilePermission); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrWorkspace, rel, err)
	}
	return nil
}

// WriteSource writes a file into the src directory
func (w *Workspace) WriteSource(name string, content []byte) error {
	return w.WriteFile(filepath.Join(SourceDir, name), content)
}

// WriteContext writes a file into the build context directory
func (w *Workspace) WriteContext(name string, content []byte) error {
	return w.WriteFile(filepath.Join(ContextDir, name), content)
}

func (w *Workspace) resolve(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: invalid path %q", ErrWorkspace, rel)
	}
	target := filepath.Join(w.Path, rel)
	if !strings.HasPrefix(target, w.Path+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q escapes workspace", ErrWorkspace, rel)
	}
	return target, nil
}
