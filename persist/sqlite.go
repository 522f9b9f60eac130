package persist

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"
)

// SQLiteOption configures the SQLite storage backend.
type SQLiteOption func(*sqliteStorage)

// WithSQLiteTimeout bounds each database operation. Defaults to
// DefaultQueryTimeout.
func WithSQLiteTimeout(d time.Duration) SQLiteOption {
	return func(s *sqliteStorage) { s.timeout = d }
}

type sqliteStorage struct {
	dbPath  string
	timeout time.Duration

	mu sync.Mutex
	db *sql.DB
}

var _ Storage = (*sqliteStorage)(nil)

// NewSQLiteStorage returns a Storage backed by a SQLite database file. If
// dbPath is empty or ":memory:", an in-memory database is used (useful for
// tests; it does not survive restarts).
func NewSQLiteStorage(dbPath string, opts ...SQLiteOption) Storage {
	if dbPath == "" {
		dbPath = ":memory:"
	}
	s := &sqliteStorage{
		dbPath:  dbPath,
		timeout: DefaultQueryTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *sqliteStorage) opCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.timeout)
}

func (s *sqliteStorage) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	db, err := sql.Open("sqlite", s.dbPath)
	if err != nil {
		return err
	}
	if s.dbPath == ":memory:" {
		// Each pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	// WAL keeps hydration reads from blocking background writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return err
	}
	qctx, cancel := s.opCtx(ctx)
	defer cancel()
	if _, err := db.ExecContext(qctx, `CREATE TABLE IF NOT EXISTS persisted_queries (
		hash TEXT PRIMARY KEY,
		record BLOB NOT NULL,
		persisted_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return err
	}
	s.db = db
	return nil
}

func (s *sqliteStorage) conn(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db != nil {
		return db, nil
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db, nil
}

func (s *sqliteStorage) Put(ctx context.Context, hash string, entry PersistedEntry) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	data, err := msgpack.Marshal(entry)
	if err != nil {
		return err
	}
	qctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err = db.ExecContext(qctx,
		`INSERT INTO persisted_queries (hash, record, persisted_at) VALUES (?, ?, ?)
		 ON CONFLICT(hash) DO UPDATE SET record = excluded.record, persisted_at = excluded.persisted_at`,
		hash, data, entry.PersistedAt.UnixMilli())
	return err
}

func (s *sqliteStorage) GetAll(ctx context.Context) ([]PersistedEntry, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	qctx, cancel := s.opCtx(ctx)
	defer cancel()
	rows, err := db.QueryContext(qctx, `SELECT record FROM persisted_queries`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PersistedEntry
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec PersistedEntry
		if err := msgpack.Unmarshal(data, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStorage) Delete(ctx context.Context, hash string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	qctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err = db.ExecContext(qctx, `DELETE FROM persisted_queries WHERE hash = ?`, hash)
	return err
}

func (s *sqliteStorage) Clear(ctx context.Context) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	qctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err = db.ExecContext(qctx, `DELETE FROM persisted_queries`)
	return err
}

func (s *sqliteStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
