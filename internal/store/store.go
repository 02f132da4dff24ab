package store

import (
	"context"
	"errors"

	"github.com/lu-zhengda/mailbroker/internal/domain"
)

var (
	// ErrNotFound is returned when a looked-up account or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when adding an account whose email is taken.
	ErrAlreadyExists = errors.New("already exists")
)

// Store defines the persistence interface for the broker.
type Store interface {
	// Accounts
	AddAccount(ctx context.Context, account *domain.Account) error
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error)
	UpdateAccountTokens(ctx context.Context, id int64, tokens domain.Tokens) error
	UpdateAccountSecret(ctx context.Context, id int64, secret string) error
	SetActiveAccount(ctx context.Context, id int64) error
	GetActiveAccount(ctx context.Context) (*domain.Account, error)
	ListAccounts(ctx context.Context) ([]domain.Account, error)
	DeleteAccount(ctx context.Context, id int64) error
	DeleteAllAccounts(ctx context.Context) error

	// Messages
	SaveMessage(ctx context.Context, msg *domain.Message) error
	SaveMessages(ctx context.Context, msgs []domain.Message) error
	GetMessage(ctx context.Context, accountID int64, messageID string) (*domain.Message, error)
	GetMessages(ctx context.Context, opts ListMessageOptions) ([]domain.Message, error)
	MarkMessageAsRead(ctx context.Context, accountID int64, messageID string) error
	DeleteMessage(ctx context.Context, accountID int64, messageID string) error
	GetMessageStats(ctx context.Context, accountID int64) (*domain.MessageStats, error)

	// Sync state
	GetSyncState(ctx context.Context, accountID int64) (*SyncState, error)
	SetSyncState(ctx context.Context, state *SyncState) error

	// Lifecycle
	Close() error
}

// ListMessageOptions configures message listing queries.
type ListMessageOptions struct {
	AccountID int64
	Limit     int
	Offset    int
}

// SyncState records the last completed sync of an account.
type SyncState struct {
	AccountID int64
	LastSync  int64 // Unix timestamp
	Fetched   int
	Failed    int
}
