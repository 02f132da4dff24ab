package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lu-zhengda/mailbroker/internal/store"
)

// GetSyncState retrieves the sync state for an account.
// If no state exists, it returns an empty SyncState with the AccountID set.
func (s *DB) GetSyncState(ctx context.Context, accountID int64) (*store.SyncState, error) {
	var row struct {
		AccountID int64 `db:"account_id"`
		LastSync  int64 `db:"last_sync"`
		Fetched   int   `db:"fetched"`
		Failed    int   `db:"failed"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT account_id, last_sync, fetched, failed FROM sync_state WHERE account_id = ?`,
		accountID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return &store.SyncState{AccountID: accountID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state for account %d: %w", accountID, err)
	}
	return &store.SyncState{
		AccountID: row.AccountID,
		LastSync:  row.LastSync,
		Fetched:   row.Fetched,
		Failed:    row.Failed,
	}, nil
}

// SetSyncState inserts or updates the sync state for an account.
func (s *DB) SetSyncState(ctx context.Context, state *store.SyncState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (account_id, last_sync, fetched, failed)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			last_sync = excluded.last_sync,
			fetched   = excluded.fetched,
			failed    = excluded.failed`,
		state.AccountID, state.LastSync, state.Fetched, state.Failed,
	)
	if err != nil {
		return fmt.Errorf("failed to set sync state for account %d: %w", state.AccountID, err)
	}
	return nil
}
