package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/lu-zhengda/mailbroker/internal/domain"
	"github.com/lu-zhengda/mailbroker/internal/store"
)

// AccountService owns account registration and the active-account switch.
// Writes that touch the active flag are serialized.
type AccountService struct {
	store store.Store
	mu    sync.Mutex
}

func NewAccountService(s store.Store) *AccountService {
	return &AccountService{store: s}
}

// RecordAuthorization stores a freshly issued token pair and makes the
// account active. Re-authorizing an address updates its existing row.
func (a *AccountService) RecordAuthorization(ctx context.Context, email string, token *oauth2.Token) (*domain.Account, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	email = domain.NormalizeEmail(email)
	tokens := tokensFrom(token)

	acct, err := a.store.GetAccountByEmail(ctx, email)
	switch {
	case errors.Is(err, store.ErrNotFound):
		acct = &domain.Account{Email: email, Tokens: tokens}
		if err := a.store.AddAccount(ctx, acct); err != nil {
			return nil, fmt.Errorf("failed to add account %s: %w", email, err)
		}
	case err != nil:
		return nil, err
	default:
		// Google only returns a refresh token on first consent.
		if tokens.RefreshToken == "" {
			tokens.RefreshToken = acct.Tokens.RefreshToken
		}
		if err := a.store.UpdateAccountTokens(ctx, acct.ID, tokens); err != nil {
			return nil, fmt.Errorf("failed to update tokens for %s: %w", email, err)
		}
		acct.Tokens = tokens
	}

	if err := a.store.SetActiveAccount(ctx, acct.ID); err != nil {
		return nil, fmt.Errorf("failed to activate %s: %w", email, err)
	}
	acct.IsActive = true

	log.WithFields(log.Fields{"account_id": acct.ID, "email": email}).Info("account_authorized")
	return acct, nil
}

// Register adds an account without tokens, or updates the stored secret of
// an existing one.
func (a *AccountService) Register(ctx context.Context, email, secret string) (*domain.Account, error) {
	email = domain.NormalizeEmail(email)
	if !domain.ValidEmail(email) {
		return nil, fmt.Errorf("invalid email address %q", email)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	acct, err := a.store.GetAccountByEmail(ctx, email)
	switch {
	case errors.Is(err, store.ErrNotFound):
		acct = &domain.Account{Email: email, Secret: secret}
		if err := a.store.AddAccount(ctx, acct); err != nil {
			return nil, fmt.Errorf("failed to add account %s: %w", email, err)
		}
		log.WithFields(log.Fields{"account_id": acct.ID, "email": email}).Info("account_registered")
		return acct, nil
	case err != nil:
		return nil, err
	}
	if secret != "" && secret != acct.Secret {
		if err := a.store.UpdateAccountSecret(ctx, acct.ID, secret); err != nil {
			return nil, err
		}
		acct.Secret = secret
	}
	return acct, nil
}

func (a *AccountService) List(ctx context.Context) ([]domain.Account, error) {
	return a.store.ListAccounts(ctx)
}

func (a *AccountService) Get(ctx context.Context, id int64) (*domain.Account, error) {
	return a.store.GetAccount(ctx, id)
}

func (a *AccountService) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	return a.store.GetAccountByEmail(ctx, domain.NormalizeEmail(email))
}

// Switch makes id the active account. The account must hold a token.
func (a *AccountService) Switch(ctx context.Context, id int64) (*domain.Account, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	acct, err := a.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if !acct.HasToken() {
		return nil, fmt.Errorf("account %s: %w", acct.Email, domain.ErrNotAuthorized)
	}
	if err := a.store.SetActiveAccount(ctx, id); err != nil {
		return nil, err
	}
	acct.IsActive = true
	log.WithFields(log.Fields{"account_id": id, "email": acct.Email}).Info("account_switched")
	return acct, nil
}

// Active returns the token-bearing active account. A non-zero expected id
// that differs from the active account fails with AccountMismatchError.
func (a *AccountService) Active(ctx context.Context, expected int64) (*domain.Account, error) {
	acct, err := a.store.GetActiveAccount(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.ErrNotAuthorized
	}
	if err != nil {
		return nil, err
	}
	if expected != 0 && expected != acct.ID {
		return nil, &domain.AccountMismatchError{Expected: expected, Active: acct.ID, ActiveEmail: acct.Email}
	}
	if !acct.HasToken() {
		return nil, fmt.Errorf("account %s: %w", acct.Email, domain.ErrNotAuthorized)
	}
	return acct, nil
}

// SaveToken persists a refreshed token pair. An empty refresh token keeps
// the stored one.
func (a *AccountService) SaveToken(ctx context.Context, acct *domain.Account, token *oauth2.Token) error {
	tokens := tokensFrom(token)
	if tokens == acct.Tokens {
		return nil
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = acct.Tokens.RefreshToken
	}
	if err := a.store.UpdateAccountTokens(ctx, acct.ID, tokens); err != nil {
		return err
	}
	acct.Tokens = tokens
	log.WithField("account_id", acct.ID).Debug("account_token_refreshed")
	return nil
}

func (a *AccountService) Remove(ctx context.Context, id int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.store.DeleteAccount(ctx, id); err != nil {
		return err
	}
	log.WithField("account_id", id).Info("account_removed")
	return nil
}

func (a *AccountService) RemoveAll(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.store.DeleteAllAccounts(ctx); err != nil {
		return err
	}
	log.Info("accounts_removed")
	return nil
}

// ImportReport tallies an import.
type ImportReport struct {
	Added     int
	Updated   int
	Activated *domain.Account
}

// Import upserts entries by address. When no account is active afterwards,
// the first imported account that carries a token becomes active.
func (a *AccountService) Import(ctx context.Context, entries []domain.ImportEntry) (*ImportReport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	report := &ImportReport{}
	var firstAuthorized *domain.Account
	for _, entry := range entries {
		acct, added, err := a.importOne(ctx, entry)
		if err != nil {
			return report, err
		}
		if added {
			report.Added++
		} else {
			report.Updated++
		}
		if firstAuthorized == nil && acct.HasToken() {
			firstAuthorized = acct
		}
	}

	if firstAuthorized == nil {
		return report, nil
	}
	if _, err := a.store.GetActiveAccount(ctx); !errors.Is(err, store.ErrNotFound) {
		return report, err
	}
	if err := a.store.SetActiveAccount(ctx, firstAuthorized.ID); err != nil {
		return report, err
	}
	firstAuthorized.IsActive = true
	report.Activated = firstAuthorized
	return report, nil
}

func (a *AccountService) importOne(ctx context.Context, entry domain.ImportEntry) (*domain.Account, bool, error) {
	var secret string
	var tokens domain.Tokens
	switch e := entry.(type) {
	case domain.Unauthenticated:
		secret = e.Secret
	case domain.Authenticated:
		secret, tokens = e.Secret, e.Tokens
	}

	email := entry.EmailAddress()
	acct, err := a.store.GetAccountByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		acct = &domain.Account{Email: email, Secret: secret, Tokens: tokens}
		if err := a.store.AddAccount(ctx, acct); err != nil {
			return nil, false, fmt.Errorf("failed to import %s: %w", email, err)
		}
		return acct, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	if secret != "" && secret != acct.Secret {
		if err := a.store.UpdateAccountSecret(ctx, acct.ID, secret); err != nil {
			return nil, false, err
		}
		acct.Secret = secret
	}
	if tokens.AccessToken != "" {
		if err := a.store.UpdateAccountTokens(ctx, acct.ID, tokens); err != nil {
			return nil, false, err
		}
		acct.Tokens = tokens
	}
	return acct, false, nil
}

func tokensFrom(t *oauth2.Token) domain.Tokens {
	if t == nil {
		return domain.Tokens{}
	}
	return domain.Tokens{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		Expiry:       t.Expiry,
	}
}
