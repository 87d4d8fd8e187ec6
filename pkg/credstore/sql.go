// Copyright 2024-2026 Aiku AI

package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

const (
	createTableSQLite = `CREATE TABLE IF NOT EXISTS session_credentials (
	connection_id TEXT PRIMARY KEY,
	credentials   BLOB NOT NULL,
	updated_at    BIGINT NOT NULL
)`
	createTablePostgres = `CREATE TABLE IF NOT EXISTS session_credentials (
	connection_id TEXT PRIMARY KEY,
	credentials   BYTEA NOT NULL,
	updated_at    BIGINT NOT NULL
)`
	loadCredentialsQuery = `SELECT credentials FROM session_credentials WHERE connection_id=$1`
	saveCredentialsQuery = `
		INSERT INTO session_credentials (connection_id, credentials, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (connection_id) DO UPDATE SET credentials=excluded.credentials, updated_at=excluded.updated_at
	`
	clearCredentialsQuery = `DELETE FROM session_credentials WHERE connection_id=$1`
)

// SQLStore keeps credentials in a SQLite or Postgres table.
type SQLStore struct {
	db *dbutil.Database
}

var _ Store = (*SQLStore)(nil)

// OpenSQL opens the database at uri using the given dialect ("sqlite3" or
// "postgres") and creates the credentials table if it does not exist.
func OpenSQL(ctx context.Context, dialect, uri string, log zerolog.Logger) (*SQLStore, error) {
	db, err := dbutil.NewWithDialect(uri, dialect)
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials database: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log.With().Str("db_section", "credentials").Logger())

	createTable := createTableSQLite
	if db.Dialect == dbutil.Postgres {
		createTable = createTablePostgres
	}
	if _, err = db.Exec(ctx, createTable); err != nil {
		_ = db.RawDB.Close()
		return nil, fmt.Errorf("failed to create credentials table: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Load(ctx context.Context, connectionID string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRow(ctx, loadCredentialsQuery, connectionID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to load credentials for %s: %w", connectionID, err)
	}
	return blob, nil
}

func (s *SQLStore) Save(ctx context.Context, connectionID string, blob []byte) error {
	_, err := s.db.Exec(ctx, saveCredentialsQuery, connectionID, blob, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save credentials for %s: %w", connectionID, err)
	}
	return nil
}

func (s *SQLStore) Clear(ctx context.Context, connectionID string) error {
	_, err := s.db.Exec(ctx, clearCredentialsQuery, connectionID)
	if err != nil {
		return fmt.Errorf("failed to clear credentials for %s: %w", connectionID, err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.RawDB.Close()
}
