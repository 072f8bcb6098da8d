package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAccountExists    = errors.New("account already exists")
	ErrDuplicateMessage = errors.New("duplicate message")
)

type Store struct {
	db     *sqlx.DB
	driver string
}

// Open connects to the database. driver is "sqlite" or "postgres"; an empty
// sqlite dsn opens a private in-memory database.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case "sqlite":
		return openSQLite(ctx, dsn)
	case "postgres":
		db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return &Store{db: db, driver: driver}, nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

func openSQLite(ctx context.Context, path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}
	db, err := sqlx.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	return &Store{db: db, driver: "sqlite"}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, statement := range schema(s.driver) {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func schema(driver string) []string {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	blob := "BLOB"
	if driver == "postgres" {
		id = "BIGSERIAL PRIMARY KEY"
		blob = "BYTEA"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS accounts (
            id ` + id + `,
            provider TEXT NOT NULL,
            email TEXT NOT NULL UNIQUE,
            password TEXT NOT NULL,
            created_at BIGINT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS messages (
            id ` + id + `,
            account_id BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
            subject TEXT NOT NULL,
            send_date BIGINT NOT NULL,
            receive_date BIGINT NOT NULL,
            body TEXT NOT NULL,
            message_id TEXT NOT NULL UNIQUE,
            uid BIGINT,
            is_new BOOLEAN NOT NULL DEFAULT TRUE,
            created_at BIGINT NOT NULL,
            UNIQUE (account_id, uid)
        );`,
		`CREATE TABLE IF NOT EXISTS attachments (
            id ` + id + `,
            message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
            filename TEXT NOT NULL,
            content_type TEXT NOT NULL,
            data ` + blob + ` NOT NULL,
            size BIGINT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS sync_state (
            account_id BIGINT PRIMARY KEY REFERENCES accounts(id) ON DELETE CASCADE,
            last_uid BIGINT NOT NULL,
            updated_at BIGINT NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_messages_account_send ON messages(account_id, send_date);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_account_new ON messages(account_id, is_new);`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);`,
	}
}
