// Package workspace defines the on-disk layout of an astmcp workspace and
// the inter-process lock that keeps writers and readers apart.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir is the workspace directory name inside a project root.
const Dir = ".astmcp"

// Layout resolves the file paths inside a workspace.
type Layout struct {
	Root string // project root
}

// New returns the layout for a project root.
func New(root string) Layout {
	return Layout{Root: root}
}

// WorkspaceDir returns <root>/.astmcp.
func (l Layout) WorkspaceDir() string {
	return filepath.Join(l.Root, Dir)
}

// AnnotationStorePath returns the annotation-store file.
func (l Layout) AnnotationStorePath() string {
	return filepath.Join(l.WorkspaceDir(), "annotations.db")
}

// VectorIndexPath returns the vector-index file.
// The index metadata lives alongside at <path>.meta.
func (l Layout) VectorIndexPath() string {
	return filepath.Join(l.WorkspaceDir(), "vectors.hnsw")
}

// ConfigPath returns the versioned configuration file.
func (l Layout) ConfigPath() string {
	return filepath.Join(l.WorkspaceDir(), "config.yaml")
}

// LogDir returns the log directory.
func (l Layout) LogDir() string {
	return filepath.Join(l.WorkspaceDir(), "logs")
}

// ModelCacheDir returns the cached model artifacts directory.
func (l Layout) ModelCacheDir() string {
	return filepath.Join(l.WorkspaceDir(), "models")
}

// LockPath returns the workspace lock file.
func (l Layout) LockPath() string {
	return filepath.Join(l.WorkspaceDir(), "astmcp.lock")
}

// Ensure creates the workspace directory tree.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.WorkspaceDir(), l.LogDir(), l.ModelCacheDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Exists reports whether the workspace has been initialised.
func (l Layout) Exists() bool {
	info, err := os.Stat(l.WorkspaceDir())
	return err == nil && info.IsDir()
}
