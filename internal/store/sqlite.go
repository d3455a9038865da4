package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore persists chunks in a local SQLite database
type SQLiteStore struct {
	db   *sql.DB
	path string

	// Writes are serialised so id assignment never races
	writeMu sync.Mutex
}

// OpenSQLite opens (creating if needed) the database at path and migrates the
// schema to the latest version. Opening an up-to-date database is a no-op
// migration, so repeated opens are safe.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("%w: create database directory: %v", ErrStorage, err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrStorage, err)
	}

	// SQLite doesn't handle concurrent writers well; keep a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping database: %v", ErrStorage, err)
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: migrate schema: %v", ErrStorage, err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

func newMigrationProvider(db *sql.DB) (*goose.Provider, error) {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	return goose.NewProvider(goose.DialectSQLite3, db, fsys)
}

func migrate(ctx context.Context, db *sql.DB) error {
	provider, err := newMigrationProvider(db)
	if err != nil {
		return err
	}
	_, err = provider.Up(ctx)
	return err
}

// SchemaVersion returns the applied schema version
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int64, error) {
	provider, err := newMigrationProvider(s.db)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	v, err := provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: read schema version: %v", ErrStorage, err)
	}
	return v, nil
}

// Path returns the database file path
func (s *SQLiteStore) Path() string {
	return s.path
}

// Put inserts a chunk and returns its id
func (s *SQLiteStore) Put(ctx context.Context, chunk *Chunk) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	payload := chunk.Payload
	if payload == nil {
		payload = []byte{}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chunks (session_id, payload, timestamp_ms, done, sent) VALUES (?, ?, ?, ?, ?)`,
		chunk.SessionID, payload, chunk.Timestamp.UnixMilli(), chunk.Done, chunk.Sent,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: insert chunk: %v", ErrStorage, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: read chunk id: %v", ErrStorage, err)
	}
	chunk.ID = id
	return id, nil
}

// List returns all chunks ordered by id
func (s *SQLiteStore) List(ctx context.Context) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, payload, timestamp_ms, done, sent FROM chunks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: query chunks: %v", ErrStorage, err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		var (
			c  Chunk
			ts int64
		)
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Payload, &ts, &c.Done, &c.Sent); err != nil {
			return nil, fmt.Errorf("%w: scan chunk: %v", ErrStorage, err)
		}
		c.Timestamp = time.UnixMilli(ts)
		chunks = append(chunks, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate chunks: %v", ErrStorage, err)
	}
	return chunks, nil
}

// Delete removes a chunk by id
func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: delete chunk %d: %v", ErrStorage, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: delete chunk %d: %v", ErrStorage, id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of stored chunks
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: count chunks: %v", ErrStorage, err)
	}
	return n, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: close database: %v", ErrStorage, err)
	}
	return nil
}
