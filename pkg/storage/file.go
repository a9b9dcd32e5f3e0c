package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/levenlabs/go-lflag"
)

// FileDatabase keeps each record in its own file under dir. Writes go to a
// temporary file that is synced and renamed over the old one, so a crash
// leaves either the old or the new record, never a partial one.
type FileDatabase struct {
	dir string
	mu  sync.Mutex
}

func configuredFile() *FileDatabase {
	dir := lflag.String("storage-dir", ".storage", "Directory for the file storage provider")

	f := &FileDatabase{}

	lflag.Do(func() {
		f.dir = *dir
	})

	return f
}

// NewFileDatabase returns a FileDatabase rooted at dir, creating it if needed.
func NewFileDatabase(dir string) (*FileDatabase, error) {
	f := &FileDatabase{dir: dir}
	if err := f.Init(); err != nil {
		return nil, err
	}
	return f, nil
}

// Init creates the storage directory.
func (f *FileDatabase) Init() error {
	if f.dir == "" {
		return errors.New("storage dir cannot be empty")
	}
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create storage dir %s: %w", f.dir, err)
	}
	return nil
}

func (f *FileDatabase) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("invalid record key: %q", key)
	}
	return filepath.Join(f.dir, key), nil
}

// GetRecord reads the file for key.
func (f *FileDatabase) GetRecord(ctx context.Context, key string) ([]byte, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	return data, nil
}

// SetRecord atomically replaces the file for key.
func (f *FileDatabase) SetRecord(ctx context.Context, key string, data []byte) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tmp, err := os.CreateTemp(f.dir, "."+key+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp record: %w", err)
	}
	// the rename below makes this a no-op on success
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close record: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("failed to replace record: %w", err)
	}
	return nil
}

// Close is a no-op for files.
func (f *FileDatabase) Close() error {
	return nil
}
