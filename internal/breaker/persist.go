package breaker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrPersistence wraps I/O failures while loading or saving state.
var ErrPersistence = errors.New("breaker persistence failed")

// ErrNoState is returned by Load when nothing has been persisted yet.
var ErrNoState = errors.New("no persisted breaker state")

// Persister loads and saves breaker state.
type Persister interface {
	Load() (State, error)
	Save(State) error
}

// FileStore persists state as a JSON file, replacing it atomically on save.
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed persister.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the state file location.
func (f *FileStore) Path() string {
	return f.path
}

// Load reads the state file. A missing file yields ErrNoState.
func (f *FileStore) Load() (State, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, ErrNoState
	}
	if err != nil {
		return State{}, fmt.Errorf("%w: read %s: %v", ErrPersistence, f.path, err)
	}
	return UnmarshalRecord(data)
}

// Save writes the state to a temp file and renames it over the old one.
func (f *FileStore) Save(s State) error {
	data, err := s.MarshalRecord()
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrPersistence, err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := writeFileAtomic(f.path, data, 0o600); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrPersistence, f.path, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".breaker-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	// Best-effort fsync of the parent so the rename survives a crash.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
