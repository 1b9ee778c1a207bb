package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	platformerrors "github.com/jmgilman/go/errors"

	serializer "github.com/always-cache/always-offline/pkg/response-serializer"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteProvider keeps all stores in a single SQLite database.
type SQLiteProvider struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	lock       *flock.Flock
}

// NewSQLiteProvider opens (or creates) the store database with the given file name.
// If file name is empty, a new private in-memory db is opened.
// A file-backed database is locked for the lifetime of the provider;
// ErrLocked is returned if another process holds the lock.
func NewSQLiteProvider(filename string) (*SQLiteProvider, error) {
	var lock *flock.Flock
	if filename == "" {
		// every in-memory provider gets its own database
		filename = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	} else {
		lock = flock.New(filename + ".lock")
		locked, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("could not lock store database: %w", err)
		}
		if !locked {
			return nil, ErrLocked
		}
	}

	db, err := sql.Open("sqlite", filename)
	if err != nil {
		unlock(lock)
		return nil, err
	}
	if lock == nil {
		// the database lives only as long as its connections
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS stores (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS records (
			store TEXT NOT NULL,
			key TEXT NOT NULL,
			status INTEGER,
			header BLOB,
			body BLOB,
			stored_at INTEGER,
			PRIMARY KEY (store, key)
		)`,
		"CREATE INDEX IF NOT EXISTS records_stored_at_idx ON records (store, stored_at, key)",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			unlock(lock)
			return nil, platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not initialize store database")
		}
	}
	return &SQLiteProvider{
		db:         db,
		writeMutex: &sync.Mutex{},
		lock:       lock,
	}, nil
}

func unlock(lock *flock.Flock) {
	if lock != nil {
		lock.Unlock()
	}
}

func (s *SQLiteProvider) Open(ctx context.Context, name string) (Store, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)", name, time.Now().UnixNano())
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not open store")
	}
	return &sqliteStore{provider: s, name: name}, nil
}

func (s *SQLiteProvider) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM records WHERE store = ?", name); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM stores WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s *SQLiteProvider) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM stores ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteProvider) Close() error {
	err := s.db.Close()
	unlock(s.lock)
	return err
}

type sqliteStore struct {
	provider *SQLiteProvider
	name     string
}

func (s *sqliteStore) Name() string {
	return s.name
}

func (s *sqliteStore) Put(ctx context.Context, key string, rec Record) error {
	return s.PutAll(ctx, map[string]Record{key: rec})
}

func (s *sqliteStore) PutAll(ctx context.Context, recs map[string]Record) error {
	s.provider.writeMutex.Lock()
	defer s.provider.writeMutex.Unlock()
	tx, err := s.provider.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	// the store may have been deleted since it was opened
	var exists int
	err = tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM stores WHERE name = ?", s.name).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrStoreNotFound, s.name)
	}
	for key, rec := range recs {
		storedAt := rec.StoredAt
		if storedAt.IsZero() {
			storedAt = time.Now()
		}
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO records
			(store, key, status, header, body, stored_at) VALUES (?, ?, ?, ?, ?, ?)`,
			s.name, key, rec.Status, serializer.HeaderToBytes(rec.Header), rec.Body, storedAt.UnixNano())
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Match(ctx context.Context, key string) (Record, bool, error) {
	var (
		rec      Record
		header   []byte
		storedAt int64
	)
	err := s.provider.db.QueryRowContext(ctx,
		"SELECT status, header, body, stored_at FROM records WHERE store = ? AND key = ?", s.name, key).
		Scan(&rec.Status, &header, &rec.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	} else if err != nil {
		return Record{}, false, err
	}
	if rec.Header, err = serializer.BytesToHeader(header); err != nil {
		return Record{}, false, err
	}
	if rec.Body == nil {
		rec.Body = []byte{}
	}
	rec.StoredAt = time.Unix(0, storedAt)
	return rec, true, nil
}

func (s *sqliteStore) Remove(ctx context.Context, key string) (bool, error) {
	s.provider.writeMutex.Lock()
	defer s.provider.writeMutex.Unlock()
	result, err := s.provider.db.ExecContext(ctx, "DELETE FROM records WHERE store = ? AND key = ?", s.name, key)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func (s *sqliteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.provider.db.QueryContext(ctx,
		"SELECT key FROM records WHERE store = ? ORDER BY stored_at ASC, key ASC", s.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
