// Package setup turns configured entries into running coordinators. It
// migrates legacy entries, logs in through the throttle and, when the login
// is cooling down, retries on its own once the cooldown has passed.
package setup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/johanzander/growatt-server-upstream/pkg/types"
	"gopkg.in/yaml.v3"
)

const (
	// CurrentVersion is the entry format this build writes.
	CurrentVersion = 1
	// CurrentMinorVersion is bumped once legacy fields are resolved.
	CurrentMinorVersion = 1
)

// Entry is one configured Growatt account and plant.
type Entry struct {
	ID           string            `yaml:"id"`
	Title        string            `yaml:"title,omitempty"`
	Version      int               `yaml:"version"`
	MinorVersion int               `yaml:"minor_version"`
	Data         types.Credentials `yaml:"data"`
}

type entriesFile struct {
	Entries []Entry `yaml:"entries"`
}

// EntryStore reads and writes the entries YAML file.
type EntryStore struct {
	path string
	mu   sync.Mutex
}

// NewEntryStore returns a store for the file at path.
func NewEntryStore(path string) *EntryStore {
	return &EntryStore{path: path}
}

// Path returns the file path.
func (s *EntryStore) Path() string {
	return s.path
}

// Load returns the stored entries. A missing file has no entries.
func (s *EntryStore) Load() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read entries: %w", err)
	}
	var f entriesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse entries %s: %w", s.path, err)
	}
	return f.Entries, nil
}

// Save replaces the file with entries. The file holds credentials so it is
// written with 0600.
func (s *EntryStore) Save(entries []Entry) error {
	raw, err := yaml.Marshal(entriesFile{Entries: entries})
	if err != nil {
		return fmt.Errorf("failed to marshal entries: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp entries file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod entries file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write entries: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync entries: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close entries: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace entries: %w", err)
	}
	return nil
}
