package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// StateFile is the configuration document path relative to the workspace
// root.
const StateFile = ".loom/workspace.json"

// Store abstracts the declared-configuration document. The orchestrator
// never assumes transactional semantics beyond last-write-wins.
type Store interface {
	// Exists reports whether the workspace has prior declared
	// configuration.
	Exists() bool

	// Load reads the configuration document.
	Load(ctx context.Context) (*State, error)

	// Save writes the configuration document atomically.
	Save(ctx context.Context, state *State) error
}

// FileStore is the shipped Store implementation: one JSON document under
// the workspace root, written atomically via temp-file rename.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a FileStore for the workspace rooted at root.
func NewFileStore(root string) *FileStore {
	return &FileStore{path: filepath.Join(root, filepath.FromSlash(StateFile))}
}

// Exists reports whether the configuration document is present.
func (fs *FileStore) Exists() bool {
	_, err := os.Stat(fs.path)
	return err == nil
}

// Load reads and decodes the configuration document.
func (fs *FileStore) Load(ctx context.Context) (*State, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode workspace state: %w", err)
	}
	if state.NextInstanceNumber < 1 {
		state.NextInstanceNumber = 1
	}
	return &state, nil
}

// Save encodes and writes the configuration document atomically.
func (fs *FileStore) Save(ctx context.Context, state *State) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode workspace state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(fs.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	return atomicWriteFile(fs.path, data, 0644)
}

// atomicWriteFile writes data to a temp file in the target directory and
// renames it into place, so readers never observe a partial document.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
