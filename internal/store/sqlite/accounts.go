package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/lu-zhengda/mailbroker/internal/domain"
	"github.com/lu-zhengda/mailbroker/internal/store"
)

const accountColumns = `id, email, secret, access_token, refresh_token, token_expiry, is_active, created_at, updated_at`

type accountRow struct {
	ID           int64  `db:"id"`
	Email        string `db:"email"`
	Secret       string `db:"secret"`
	AccessToken  string `db:"access_token"`
	RefreshToken string `db:"refresh_token"`
	TokenExpiry  int64  `db:"token_expiry"`
	IsActive     bool   `db:"is_active"`
	CreatedAt    int64  `db:"created_at"`
	UpdatedAt    int64  `db:"updated_at"`
}

func (r accountRow) toDomain() domain.Account {
	return domain.Account{
		ID:     r.ID,
		Email:  r.Email,
		Secret: r.Secret,
		Tokens: domain.Tokens{
			AccessToken:  r.AccessToken,
			RefreshToken: r.RefreshToken,
			Expiry:       fromUnix(r.TokenExpiry),
		},
		IsActive:  r.IsActive,
		CreatedAt: fromUnix(r.CreatedAt),
		UpdatedAt: fromUnix(r.UpdatedAt),
	}
}

// AddAccount inserts a new account and sets its ID. The active flag is not
// copied; use SetActiveAccount.
func (s *DB) AddAccount(ctx context.Context, acct *domain.Account) error {
	now := time.Now()
	acct.Email = domain.NormalizeEmail(acct.Email)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (email, secret, access_token, refresh_token, token_expiry, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		acct.Email, acct.Secret,
		acct.Tokens.AccessToken, acct.Tokens.RefreshToken, toUnix(acct.Tokens.Expiry),
		now.Unix(), now.Unix(),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return fmt.Errorf("account %s: %w", acct.Email, store.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to add account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read account id: %w", err)
	}
	acct.ID = id
	acct.IsActive = false
	acct.CreatedAt = time.Unix(now.Unix(), 0)
	acct.UpdatedAt = acct.CreatedAt
	return nil
}

func (s *DB) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	return s.getAccount(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
}

// GetAccountByEmail looks an account up case-insensitively.
func (s *DB) GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	return s.getAccount(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = ?`, domain.NormalizeEmail(email))
}

// GetActiveAccount returns the active account or store.ErrNotFound.
func (s *DB) GetActiveAccount(ctx context.Context) (*domain.Account, error) {
	return s.getAccount(ctx, `SELECT `+accountColumns+` FROM accounts WHERE is_active = 1`)
}

func (s *DB) getAccount(ctx context.Context, query string, args ...any) (*domain.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account: %w", store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	acct := row.toDomain()
	return &acct, nil
}

func (s *DB) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+accountColumns+` FROM accounts ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	accounts := make([]domain.Account, 0, len(rows))
	for _, r := range rows {
		accounts = append(accounts, r.toDomain())
	}
	return accounts, nil
}

// UpdateAccountTokens replaces the token pair of an account.
func (s *DB) UpdateAccountTokens(ctx context.Context, id int64, tokens domain.Tokens) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET access_token = ?, refresh_token = ?, token_expiry = ?, updated_at = ?
		WHERE id = ?`,
		tokens.AccessToken, tokens.RefreshToken, toUnix(tokens.Expiry), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update tokens for account %d: %w", id, err)
	}
	return requireRow(res, "account %d", id)
}

func (s *DB) UpdateAccountSecret(ctx context.Context, id int64, secret string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET secret = ?, updated_at = ? WHERE id = ?`,
		secret, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update secret for account %d: %w", id, err)
	}
	return requireRow(res, "account %d", id)
}

// SetActiveAccount clears the active flag on every account and sets it on id
// in one transaction. An unknown id leaves the previous active account in place.
func (s *DB) SetActiveAccount(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET is_active = 0, updated_at = ? WHERE is_active = 1`, now); err != nil {
		return fmt.Errorf("failed to clear active account: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET is_active = 1, updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("failed to set active account %d: %w", id, err)
	}
	if err := requireRow(res, "account %d", id); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit active account switch: %w", err)
	}
	return nil
}

// DeleteAccount removes an account and, through the foreign key, its messages.
func (s *DB) DeleteAccount(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account %d: %w", id, err)
	}
	return requireRow(res, "account %d", id)
}

func (s *DB) DeleteAllAccounts(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM accounts`); err != nil {
		return fmt.Errorf("failed to delete all accounts: %w", err)
	}
	return nil
}

func requireRow(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf(format+": %w", append(args, store.ErrNotFound)...)
	}
	return nil
}

func isUniqueConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
