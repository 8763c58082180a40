package resultcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"subdispatch/internal/domain"
)

// SQLite is a domain.ResultCache persisted in a SQLite database so that
// idempotent replay survives process restarts.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens (or creates) a SQLite database at dbPath and runs the schema
// migration.
func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, domain.NewDomainError("resultcache.NewSQLite", domain.ErrCacheStore, err.Error())
	}
	// One connection serialises concurrent writers.
	db.SetMaxOpenConns(1)
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, domain.NewDomainError("resultcache.NewSQLite", domain.ErrCacheStore, fmt.Sprintf("set WAL mode: %v", err))
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, domain.NewDomainError("resultcache.NewSQLite", domain.ErrCacheStore, fmt.Sprintf("migrate: %v", err))
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS delegation_results (
			key        TEXT PRIMARY KEY,
			response   TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)
	`); err != nil {
		return err
	}
	_, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_delegation_results_expires ON delegation_results(expires_at)")
	return err
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Get implements domain.ResultCache.
func (s *SQLite) Get(ctx context.Context, key string) (*domain.DelegationResponse, bool, error) {
	var (
		raw     string
		expires int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT response, expires_at FROM delegation_results WHERE key = ?", key,
	).Scan(&raw, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, domain.NewDomainError("SQLite.Get", domain.ErrCacheStore, err.Error())
	}
	if s.now().UnixNano() >= expires {
		return nil, false, nil
	}
	var resp domain.DelegationResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, false, domain.NewDomainError("SQLite.Get", domain.ErrCacheStore, fmt.Sprintf("decode response: %v", err))
	}
	return &resp, true, nil
}

// Set implements domain.ResultCache. Concurrent writers to one key resolve as
// last-writer-wins through the upsert.
func (s *SQLite) Set(ctx context.Context, key string, resp *domain.DelegationResponse, ttl time.Duration) error {
	if resp == nil {
		return nil
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return domain.NewDomainError("SQLite.Set", domain.ErrCacheStore, fmt.Sprintf("encode response: %v", err))
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO delegation_results (key, response, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			response   = excluded.response,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		key, string(data), now.Add(ttl).UnixNano(), now.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.NewDomainError("SQLite.Set", domain.ErrCacheStore, err.Error())
	}
	return nil
}

// Purge deletes every expired row and returns how many were removed.
func (s *SQLite) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM delegation_results WHERE expires_at <= ?", s.now().UnixNano())
	if err != nil {
		return 0, domain.NewDomainError("SQLite.Purge", domain.ErrCacheStore, err.Error())
	}
	return res.RowsAffected()
}

var _ domain.ResultCache = (*SQLite)(nil)
