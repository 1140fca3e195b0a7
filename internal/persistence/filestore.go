package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/basket/warden/internal/state"
)

// StateFileName is the JSON fallback snapshot file inside the data dir.
const StateFileName = "supervisor-state.json"

// FileStore persists the aggregate as a pretty-printed JSON file. It backs
// hosts that run without sqlite.
type FileStore struct {
	path string
}

// NewFileStore builds a store writing to the given file path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// StateFilePath returns the snapshot file path within a data directory.
func StateFilePath(dataDir string) string {
	return filepath.Join(dataDir, StateFileName)
}

func (f *FileStore) Path() string {
	return f.path
}

// SaveState writes the aggregate, creating parent directories as needed.
func (f *FileStore) SaveState(ctx context.Context, agg *state.Aggregate) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	data, err := json.MarshalIndent(agg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal supervisor state: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0o644); err != nil {
		return fmt.Errorf("write supervisor state: %w", err)
	}
	return nil
}

// LoadState reads the aggregate. A missing file loads an empty aggregate.
func (f *FileStore) LoadState(ctx context.Context) (*state.Aggregate, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return state.NewAggregate(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read supervisor state: %w", err)
	}

	agg := state.NewAggregate()
	if err := json.Unmarshal(data, agg); err != nil {
		return nil, fmt.Errorf("unmarshal supervisor state: %w", err)
	}
	return agg, nil
}
