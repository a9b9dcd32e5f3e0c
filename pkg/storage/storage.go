package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/levenlabs/go-lflag"
)

var (
	// ErrNotFound is returned by GetRecord when nothing is stored under a key.
	ErrNotFound = errors.New("record not found")
	// ErrCorrupt is returned by Store.Load when a record exists but cannot be
	// decoded.
	ErrCorrupt = errors.New("record corrupt")
)

// Database persists opaque records under fixed keys. Implementations must make
// SetRecord durable before returning.
type Database interface {
	// GetRecord returns the bytes stored under key or ErrNotFound.
	GetRecord(ctx context.Context, key string) ([]byte, error)
	// SetRecord replaces whatever is stored under key.
	SetRecord(ctx context.Context, key string, data []byte) error

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "file", "Storage provider to use (available: file, firestore, valkey, libsql)")

	var p struct{ Database }

	file := configuredFile()
	fs := configuredFirestore()
	vk := configuredValkey()
	ls := configuredLibsql()

	lflag.Do(func() {
		switch *provider {
		case "file":
			if err := file.Init(); err != nil {
				panic(fmt.Sprintf("file storage init failed: %v", err))
			}
			p.Database = file
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		case "valkey":
			if err := vk.Init(); err != nil {
				panic(fmt.Sprintf("valkey init failed: %v", err))
			}
			p.Database = vk
		case "libsql":
			if err := ls.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("libsql init failed: %v", err))
			}
			p.Database = ls
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
