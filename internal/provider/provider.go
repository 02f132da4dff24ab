package provider

//go:generate mockgen -destination=mock_provider/mock_provider.go -package=mock_provider github.com/lu-zhengda/mailbroker/internal/provider Session,SessionFactory

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/lu-zhengda/mailbroker/internal/domain"
)

// Session is a mailbox client bound to exactly one account's token pair.
// Sessions are never shared between accounts or calls.
type Session interface {
	AccountID() int64

	ListMessageIDs(ctx context.Context, max int) ([]string, error)
	// GetMetadata returns headers, snippet and labels without the body.
	GetMetadata(ctx context.Context, id string) (*domain.Message, error)
	GetMessage(ctx context.Context, id string) (*domain.Message, error)

	SendMessage(ctx context.Context, draft *domain.Draft) (string, error)
	DeleteMessage(ctx context.Context, id string) error
	MarkRead(ctx context.Context, id string) error

	// Token returns the session's current token, refreshed if it had expired.
	Token() (*oauth2.Token, error)
}

// SessionFactory builds isolated sessions from stored accounts.
type SessionFactory interface {
	SessionFor(ctx context.Context, account *domain.Account) (Session, error)
}
