package app

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lu-zhengda/mailbroker/internal/domain"
	"github.com/lu-zhengda/mailbroker/internal/provider"
	"github.com/lu-zhengda/mailbroker/internal/store"
)

const (
	defaultPageSize    = 50
	defaultConcurrency = 8
)

// SyncService mirrors remote mailboxes into the local store. Every call
// works through its own session built for exactly one account.
type SyncService struct {
	store       store.Store
	sessions    provider.SessionFactory
	accounts    *AccountService
	pageSize    int
	concurrency int
	delay       time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

type SyncOption func(*SyncService)

func WithPageSize(n int) SyncOption {
	return func(s *SyncService) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

func WithConcurrency(n int) SyncOption {
	return func(s *SyncService) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithAccountDelay sets the pause between accounts in BatchSync.
func WithAccountDelay(d time.Duration) SyncOption {
	return func(s *SyncService) { s.delay = d }
}

func NewSyncService(st store.Store, sessions provider.SessionFactory, accounts *AccountService, opts ...SyncOption) *SyncService {
	s := &SyncService{
		store:       st,
		sessions:    sessions,
		accounts:    accounts,
		pageSize:    defaultPageSize,
		concurrency: defaultConcurrency,
		delay:       time.Second,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncResult is the outcome of syncing one account. Messages follow the
// remote listing order, minus the ids in Failed.
type SyncResult struct {
	AccountID int64
	Messages  []domain.Message
	Failed    map[string]error
}

// Partial returns a *domain.PartialSyncError when some messages failed.
func (r *SyncResult) Partial() error {
	if len(r.Failed) == 0 {
		return nil
	}
	return &domain.PartialSyncError{AccountID: r.AccountID, Failed: r.Failed}
}

// SyncAccount lists up to max messages and upserts their metadata. A max of
// zero or less uses the configured page size. Individual fetch failures are
// reported in the result rather than aborting the sync.
func (s *SyncService) SyncAccount(ctx context.Context, acct *domain.Account, max int) (*SyncResult, error) {
	if max <= 0 {
		max = s.pageSize
	}
	logger := log.WithFields(log.Fields{"account_id": acct.ID, "email": acct.Email})

	sess, err := s.sessions.SessionFor(ctx, acct)
	if err != nil {
		return nil, err
	}
	ids, err := sess.ListMessageIDs(ctx, max)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for %s: %w", acct.Email, err)
	}

	fetched := make([]*domain.Message, len(ids))
	errs := make([]error, len(ids))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			msg, err := sess.GetMetadata(ctx, id)
			if err != nil {
				errs[i] = err
				return nil
			}
			fetched[i] = msg
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &SyncResult{AccountID: acct.ID, Failed: map[string]error{}}
	for i, id := range ids {
		if errs[i] != nil {
			logger.WithField("message_id", id).WithError(errs[i]).Warn("sync_message_failed")
			result.Failed[id] = errs[i]
			continue
		}
		result.Messages = append(result.Messages, *fetched[i])
	}

	if err := s.store.SaveMessages(ctx, result.Messages); err != nil {
		return nil, fmt.Errorf("failed to save messages for %s: %w", acct.Email, err)
	}
	s.persistToken(ctx, acct, sess)
	if err := s.store.SetSyncState(ctx, &store.SyncState{
		AccountID: acct.ID,
		LastSync:  time.Now().Unix(),
		Fetched:   len(result.Messages),
		Failed:    len(result.Failed),
	}); err != nil {
		return nil, err
	}

	logger.WithFields(log.Fields{
		"listed":  len(ids),
		"fetched": len(result.Messages),
		"failed":  len(result.Failed),
	}).Info("sync_account_done")
	return result, nil
}

// FetchDetail fetches and stores the full content of one message.
func (s *SyncService) FetchDetail(ctx context.Context, acct *domain.Account, id string) (*domain.Message, error) {
	sess, err := s.sessions.SessionFor(ctx, acct)
	if err != nil {
		return nil, err
	}
	msg, err := sess.GetMessage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message %s: %w", id, err)
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return nil, err
	}
	s.persistToken(ctx, acct, sess)
	log.WithFields(log.Fields{"account_id": acct.ID, "message_id": id}).Debug("sync_detail_fetched")
	return msg, nil
}

// persistToken writes back a token the session refreshed along the way.
func (s *SyncService) persistToken(ctx context.Context, acct *domain.Account, sess provider.Session) {
	tok, err := sess.Token()
	if err != nil {
		log.WithField("account_id", acct.ID).WithError(err).Warn("sync_token_unavailable")
		return
	}
	if tok == nil || tok.AccessToken == acct.Tokens.AccessToken {
		return
	}
	if err := s.accounts.SaveToken(ctx, acct, tok); err != nil {
		log.WithField("account_id", acct.ID).WithError(err).Warn("sync_token_save_failed")
	}
}

// AccountSync is one account's entry in a batch report.
type AccountSync struct {
	Account domain.Account
	Result  *SyncResult
	Err     error
	Skipped bool
}

// BatchReport has one entry per account, in input order.
type BatchReport struct {
	Results   []AccountSync
	Succeeded int
	Failed    int
	Skipped   int
}

// BatchSync syncs accounts one after another with a pause in between.
// Accounts without a token are skipped; failures are recorded per account.
func (s *SyncService) BatchSync(ctx context.Context, accounts []domain.Account, max int) *BatchReport {
	report := &BatchReport{Results: make([]AccountSync, 0, len(accounts))}
	for i := range accounts {
		acct := accounts[i]
		entry := AccountSync{Account: acct}

		switch {
		case !acct.HasToken():
			entry.Skipped = true
			entry.Err = domain.ErrNotAuthorized
		default:
			if i > 0 {
				_ = s.sleep(ctx, s.delay)
			}
			if err := ctx.Err(); err != nil {
				entry.Err = err
			} else {
				entry.Result, entry.Err = s.SyncAccount(ctx, &acct, max)
			}
		}

		switch {
		case entry.Skipped:
			report.Skipped++
		case entry.Err != nil:
			report.Failed++
			log.WithFields(log.Fields{"account_id": acct.ID, "email": acct.Email}).
				WithError(entry.Err).Warn("sync_account_failed")
		default:
			report.Succeeded++
		}
		report.Results = append(report.Results, entry)
	}

	log.WithFields(log.Fields{
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
		"skipped":   report.Skipped,
	}).Info("sync_batch_done")
	return report
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
