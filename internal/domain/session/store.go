package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore keeps the session state as a JSON file.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the state file path.
func (f *FileStore) Path() string {
	return f.path
}

type versionProbe struct {
	Version int `json:"version"`
}

func (f *FileStore) read() ([]byte, int, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, ErrStateNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("reading session state: %w", err)
	}
	var probe versionProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnsupportedVersion, err)
	}
	return data, probe.Version, nil
}

// Load reads the state. Only CurrentVersion is accepted; a v1 file returns
// ErrMigrationRequired and anything else ErrUnsupportedVersion.
func (f *FileStore) Load() (*State, error) {
	data, version, err := f.read()
	if err != nil {
		return nil, err
	}
	switch version {
	case CurrentVersion:
	case VersionV1:
		return nil, fmt.Errorf("%w: version %d", ErrMigrationRequired, version)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decoding session state: %w", err)
	}
	return &state, nil
}

// Save writes state atomically with CurrentVersion.
func (f *FileStore) Save(state State) error {
	state.Version = CurrentVersion
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".session-*.json")
	if err != nil {
		return fmt.Errorf("creating temp state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing session state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing session state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing session state: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replacing session state: %w", err)
	}
	return nil
}

type stateV1 struct {
	Version       int    `json:"version"`
	OperatorID    string `json:"operator_id"`
	ActiveAccount string `json:"active_account"`
	UpdatedAt     string `json:"updated_at"`
}

// Migrate upgrades a v1 file to CurrentVersion in place. It reports whether
// anything changed.
func (f *FileStore) Migrate() (bool, error) {
	data, version, err := f.read()
	if err != nil {
		return false, err
	}
	switch version {
	case CurrentVersion:
		return false, nil
	case VersionV1:
	default:
		return false, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	var old stateV1
	if err := json.Unmarshal(data, &old); err != nil {
		return false, fmt.Errorf("decoding v1 session state: %w", err)
	}
	state := State{
		OperatorID:    old.OperatorID,
		ActiveAccount: old.ActiveAccount,
	}
	if err := state.UpdatedAt.UnmarshalText([]byte(old.UpdatedAt)); err != nil && old.UpdatedAt != "" {
		return false, fmt.Errorf("decoding v1 updated_at: %w", err)
	}
	state.remember(old.ActiveAccount)
	if err := f.Save(state); err != nil {
		return false, err
	}
	return true, nil
}
