// Package workspace is the sandboxed artifact store tools read and write.
// Every path is validated against escape attempts before the filesystem is
// touched.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/taskforge/taskforge/internal/common/logger"
)

// ErrPathRejected is returned for absolute paths, parent traversal, null
// bytes, and symlinks escaping the sandbox.
var ErrPathRejected = errors.New("path rejected by sandbox")

// ErrNotFound is returned when the artifact does not exist.
var ErrNotFound = errors.New("artifact not found")

// FileInfo describes one artifact.
type FileInfo struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time"`
}

// Store roots all artifact access under a single directory.
type Store struct {
	root string
	log  *logger.Logger
}

// New creates the root directory if needed and returns the store.
func New(root string, log *logger.Logger) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	// Resolve the root itself so later symlink checks compare real paths.
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &Store{root: resolved, log: log.WithComponent("workspace")}, nil
}

// Root returns the sandbox root directory.
func (s *Store) Root() string { return s.root }

// resolve validates a relative artifact path and returns its absolute
// location inside the sandbox.
func (s *Store) resolve(rel string) (string, error) {
	if rel == "" || strings.ContainsRune(rel, '\x00') {
		return "", fmt.Errorf("%q: %w", rel, ErrPathRejected)
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "~") {
		return "", fmt.Errorf("%q: %w", rel, ErrPathRejected)
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", rel, ErrPathRejected)
	}
	abs := filepath.Join(s.root, clean)

	// Walk up to the nearest existing ancestor and resolve its symlinks; the
	// real location must still be inside the root.
	probe := abs
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			if resolved != s.root && !strings.HasPrefix(resolved, s.root+string(filepath.Separator)) {
				return "", fmt.Errorf("%q: %w", rel, ErrPathRejected)
			}
			break
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}
	return abs, nil
}

// Read returns an artifact's contents.
func (s *Store) Read(rel string) ([]byte, error) {
	abs, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", rel, ErrNotFound)
	}
	return data, err
}

// Write stores an artifact, creating parent directories as needed.
func (s *Store) Write(rel string, data []byte) error {
	abs, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create parent dirs for %s: %w", rel, err)
	}
	return os.WriteFile(abs, data, 0o644)
}

// Stat describes an artifact.
func (s *Store) Stat(rel string) (*FileInfo, error) {
	abs, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(abs)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", rel, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &FileInfo{Path: rel, Size: fi.Size(), IsDir: fi.IsDir(), ModTime: fi.ModTime()}, nil
}

// List returns the entries of a directory, sorted by name. rel "" or "."
// lists the root.
func (s *Store) List(rel string) ([]*FileInfo, error) {
	if rel == "" {
		rel = "."
	}
	abs, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", rel, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	out := make([]*FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		out = append(out, &FileInfo{
			Path:    filepath.Join(rel, e.Name()),
			Size:    info.Size(),
			IsDir:   e.IsDir(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
