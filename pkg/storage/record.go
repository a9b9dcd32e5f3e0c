package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Record is the envelope every Store writes. Data holds the caller's payload.
type Record struct {
	Version      int             `json:"version"`
	MinorVersion int             `json:"minor_version"`
	Key          string          `json:"key"`
	Data         json.RawMessage `json:"data"`
}

// Store reads and writes one versioned JSON record in a Database.
type Store struct {
	db      Database
	key     string
	version int
}

// NewStore returns a Store for key. Records written with a newer version than
// version are reported as corrupt on Load.
func NewStore(db Database, key string, version int) *Store {
	return &Store{
		db:      db,
		key:     key,
		version: version,
	}
}

// Key returns the record key.
func (s *Store) Key() string {
	return s.key
}

// Load decodes the record's data into dest. It returns false with a nil error
// when no record exists yet.
func (s *Store) Load(ctx context.Context, dest any) (bool, error) {
	raw, err := s.db.GetRecord(ctx, s.key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", s.key, err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.key, err)
	}
	if rec.Version > s.version {
		return false, fmt.Errorf("%w: %s: version %d is newer than %d", ErrCorrupt, s.key, rec.Version, s.version)
	}
	if len(rec.Data) == 0 || string(rec.Data) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(rec.Data, dest); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.key, err)
	}
	return true, nil
}

// Save encodes v and writes it under the record key.
func (s *Store) Save(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", s.key, err)
	}
	raw, err := json.Marshal(Record{
		Version:      s.version,
		MinorVersion: 1,
		Key:          s.key,
		Data:         data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", s.key, err)
	}
	if err := s.db.SetRecord(ctx, s.key, raw); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.key, err)
	}
	return nil
}
