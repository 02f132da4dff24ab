package app

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/lu-zhengda/mailbroker/internal/domain"
	"github.com/lu-zhengda/mailbroker/internal/provider"
	"github.com/lu-zhengda/mailbroker/internal/store"
)

// MailService runs mailbox operations against the active account. Every
// method takes the caller's expected account id; zero disables the guard.
type MailService struct {
	accounts *AccountService
	store    store.Store
	sessions provider.SessionFactory
	sync     *SyncService
}

func NewMailService(accounts *AccountService, st store.Store, sessions provider.SessionFactory, sync *SyncService) *MailService {
	return &MailService{accounts: accounts, store: st, sessions: sessions, sync: sync}
}

func (m *MailService) Sync(ctx context.Context, expected int64, max int) (*SyncResult, error) {
	acct, err := m.accounts.Active(ctx, expected)
	if err != nil {
		return nil, err
	}
	return m.sync.SyncAccount(ctx, acct, max)
}

// List returns cached messages, newest first.
func (m *MailService) List(ctx context.Context, expected int64, limit, offset int) ([]domain.Message, error) {
	acct, err := m.accounts.Active(ctx, expected)
	if err != nil {
		return nil, err
	}
	return m.store.GetMessages(ctx, store.ListMessageOptions{
		AccountID: acct.ID,
		Limit:     limit,
		Offset:    offset,
	})
}

// Get returns a message, fetching its body first if the cache lacks it.
func (m *MailService) Get(ctx context.Context, expected int64, id string) (*domain.Message, error) {
	acct, err := m.accounts.Active(ctx, expected)
	if err != nil {
		return nil, err
	}
	cached, err := m.store.GetMessage(ctx, acct.ID, id)
	switch {
	case err == nil && cached.HasBody():
		return cached, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	msg, err := m.sync.FetchDetail(ctx, acct, id)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		msg.IsDeleted = cached.IsDeleted
	}
	return msg, nil
}

// Send sends draft from the active account and returns the remote id.
func (m *MailService) Send(ctx context.Context, expected int64, draft *domain.Draft) (string, error) {
	sess, acct, err := m.session(ctx, expected)
	if err != nil {
		return "", err
	}
	id, err := sess.SendMessage(ctx, draft)
	if err != nil {
		return "", err
	}
	log.WithFields(log.Fields{"account_id": acct.ID, "message_id": id}).Info("message_sent")
	return id, nil
}

// Delete permanently deletes a message remotely and tombstones it locally.
func (m *MailService) Delete(ctx context.Context, expected int64, id string) error {
	sess, acct, err := m.session(ctx, expected)
	if err != nil {
		return err
	}
	if err := sess.DeleteMessage(ctx, id); err != nil {
		return err
	}
	if err := m.store.DeleteMessage(ctx, acct.ID, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("message deleted remotely but not locally: %w", err)
	}
	log.WithFields(log.Fields{"account_id": acct.ID, "message_id": id}).Info("message_deleted")
	return nil
}

func (m *MailService) MarkAsRead(ctx context.Context, expected int64, id string) error {
	sess, acct, err := m.session(ctx, expected)
	if err != nil {
		return err
	}
	if err := sess.MarkRead(ctx, id); err != nil {
		return err
	}
	if err := m.store.MarkMessageAsRead(ctx, acct.ID, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

func (m *MailService) Stats(ctx context.Context, expected int64) (*domain.MessageStats, error) {
	acct, err := m.accounts.Active(ctx, expected)
	if err != nil {
		return nil, err
	}
	return m.store.GetMessageStats(ctx, acct.ID)
}

// Latest syncs the newest message of the account with the given address and
// returns it with its body. It does not require the account to be active.
func (m *MailService) Latest(ctx context.Context, email string) (*domain.Message, error) {
	acct, err := m.accounts.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if !acct.HasToken() {
		return nil, fmt.Errorf("account %s: %w", acct.Email, domain.ErrNotAuthorized)
	}
	res, err := m.sync.SyncAccount(ctx, acct, 1)
	if err != nil {
		return nil, err
	}
	if len(res.Messages) == 0 {
		if err := res.Partial(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("mailbox of %s is empty: %w", acct.Email, store.ErrNotFound)
	}
	return m.sync.FetchDetail(ctx, acct, res.Messages[0].ID)
}

func (m *MailService) session(ctx context.Context, expected int64) (provider.Session, *domain.Account, error) {
	acct, err := m.accounts.Active(ctx, expected)
	if err != nil {
		return nil, nil, err
	}
	sess, err := m.sessions.SessionFor(ctx, acct)
	if err != nil {
		return nil, nil, err
	}
	return sess, acct, nil
}
