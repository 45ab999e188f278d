package training

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// CheckpointStore is the directory a solver writes its checkpoints to
type CheckpointStore struct {
	fs        afero.Fs
	dir       string
	ephemeral bool
}

// NewDirectoryStore uses dir on fs, creating it when missing
func NewDirectoryStore(fs afero.Fs, dir string) (*CheckpointStore, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if dir == "" {
		return nil, fmt.Errorf("checkpoint directory cannot be empty")
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory %s: %v", dir, err)
	}
	return &CheckpointStore{fs: fs, dir: dir}, nil
}

// NewMemoryStore creates a private in-memory store, discarded on Close
func NewMemoryStore() *CheckpointStore {
	return &CheckpointStore{
		fs:        afero.NewMemMapFs(),
		dir:       filepath.Join("/", "embedtrain-"+uuid.NewString()),
		ephemeral: true,
	}
}

// Fs returns the filesystem backing the store
func (s *CheckpointStore) Fs() afero.Fs {
	return s.fs
}

// Dir returns the store directory
func (s *CheckpointStore) Dir() string {
	return s.dir
}

// Ephemeral reports whether the store lives only in memory
func (s *CheckpointStore) Ephemeral() bool {
	return s.ephemeral
}

// Path joins name onto the store directory
func (s *CheckpointStore) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Exists reports whether name is present in the store
func (s *CheckpointStore) Exists(name string) bool {
	ok, err := afero.Exists(s.fs, s.Path(name))
	return err == nil && ok
}

// Close releases an in-memory store. Directory stores are left untouched.
func (s *CheckpointStore) Close() error {
	if !s.ephemeral {
		return nil
	}
	return s.fs.RemoveAll(s.dir)
}
