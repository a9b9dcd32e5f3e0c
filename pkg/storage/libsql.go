package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	_ "github.com/tursodatabase/go-libsql"
)

const driverLibsql = "libsql"

// LibsqlDatabase stores records in a single table of a local libSQL file or a
// remote libSQL server.
type LibsqlDatabase struct {
	db        *sql.DB
	path      string
	url       string
	authToken string
}

func configuredLibsql() *LibsqlDatabase {
	path := lflag.String("libsql-path", "growatt.db", "Path to the local libSQL database file")
	dbURL := lflag.String("libsql-url", "", "Remote libSQL URL, overrides libsql-path")
	authToken := lflag.String("libsql-auth-token", "", "Auth token for the remote libSQL URL")

	l := &LibsqlDatabase{}

	lflag.Do(func() {
		l.path = *path
		l.url = *dbURL
		l.authToken = *authToken
	})

	return l
}

// NewLibsqlDatabase opens a database at path (a file path, "file:" DSN or
// ":memory:") and creates the records table.
func NewLibsqlDatabase(ctx context.Context, path string) (*LibsqlDatabase, error) {
	l := &LibsqlDatabase{path: path}
	if err := l.Init(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// Init opens the connection and creates the records table.
func (l *LibsqlDatabase) Init(ctx context.Context) error {
	dsn, err := buildLibsqlDSN(l.path, l.url, l.authToken)
	if err != nil {
		return err
	}

	db, err := sql.Open(driverLibsql, dsn)
	if err != nil {
		return fmt.Errorf("open libsql store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping libsql store: %w", err)
	}

	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS records (
		key TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		updated_at TEXT NOT NULL
	)`)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("create records table: %w", err)
	}

	l.db = db
	return nil
}

// GetRecord selects the row for key.
func (l *LibsqlDatabase) GetRecord(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := l.db.QueryRowContext(ctx, `SELECT data FROM records WHERE key = ?`, key).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to select record: %w", err)
	}
	return data, nil
}

// SetRecord upserts the row for key.
func (l *LibsqlDatabase) SetRecord(ctx context.Context, key string, data []byte) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO records (key, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		key, data, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}
	return nil
}

// Close releases database resources.
func (l *LibsqlDatabase) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func buildLibsqlDSN(path, dbURL, authToken string) (string, error) {
	if dsn := strings.TrimSpace(dbURL); dsn != "" {
		return addAuthToken(dsn, authToken)
	}

	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("libsql path or url is required")
	}

	if path == ":memory:" {
		return path, nil
	}

	if strings.HasPrefix(path, "file:") {
		parsed, err := url.Parse(path)
		if err != nil {
			return "", fmt.Errorf("invalid libsql path: %w", err)
		}
		local := parsed.Path
		if local == "" {
			local = parsed.Opaque
		}
		if err := ensureStoreDir(strings.TrimPrefix(local, "//")); err != nil {
			return "", err
		}
		return path, nil
	}

	if strings.HasPrefix(path, "libsql:") {
		return path, nil
	}

	if err := ensureStoreDir(path); err != nil {
		return "", err
	}
	return "file:" + filepath.Clean(path), nil
}

func addAuthToken(dsn string, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return dsn, nil
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid libsql url: %w", err)
	}

	query := parsed.Query()
	if query.Get("authToken") == "" {
		query.Set("authToken", token)
		parsed.RawQuery = query.Encode()
	}

	return parsed.String(), nil
}

func ensureStoreDir(path string) error {
	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create libsql directory: %w", err)
	}
	return nil
}
