package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateAccount inserts a new account. It returns ErrAccountExists when the
// email is already registered.
func (s *Store) CreateAccount(ctx context.Context, provider, email, password string, now time.Time) (Account, error) {
	account := Account{
		Provider:  strings.ToLower(strings.TrimSpace(provider)),
		Email:     normalizeEmail(email),
		Password:  password,
		CreatedAt: time.Unix(now.Unix(), 0),
	}
	query := s.db.Rebind(`INSERT INTO accounts (provider, email, password, created_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT DO NOTHING
        RETURNING id;`)
	err := s.db.QueryRowxContext(ctx, query, account.Provider, account.Email, account.Password, now.Unix()).Scan(&account.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrAccountExists
	}
	if err != nil {
		return Account{}, fmt.Errorf("insert account: %w", err)
	}
	return account, nil
}

func (s *Store) GetAccount(ctx context.Context, id int64) (Account, error) {
	var row accountRow
	query := s.db.Rebind(`SELECT id, provider, email, password, created_at FROM accounts WHERE id = ?;`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("get account: %w", err)
	}
	return row.account(), nil
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	var row accountRow
	query := s.db.Rebind(`SELECT id, provider, email, password, created_at FROM accounts WHERE email = ?;`)
	if err := s.db.GetContext(ctx, &row, query, normalizeEmail(email)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("get account: %w", err)
	}
	return row.account(), nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]Account, error) {
	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, provider, email, password, created_at FROM accounts ORDER BY email;`); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	accounts := make([]Account, 0, len(rows))
	for _, row := range rows {
		accounts = append(accounts, row.account())
	}
	return accounts, nil
}

// DeleteAccount removes an account together with its messages and
// attachments.
func (s *Store) DeleteAccount(ctx context.Context, id int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM accounts WHERE id = ?;`), id)
	if err != nil {
		return false, fmt.Errorf("delete account: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete account: %w", err)
	}
	return rows > 0, nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
