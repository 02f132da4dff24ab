package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/lu-zhengda/mailbroker/internal/domain"
)

func TestRecordAuthorization_ReacquisitionUpdatesSameRow(t *testing.T) {
	db := newTestStore(t)
	svc := NewAccountService(db)
	ctx := context.Background()

	first, err := svc.RecordAuthorization(ctx, "User@Example.com", &oauth2.Token{
		AccessToken:  "a1",
		RefreshToken: "r1",
		Expiry:       time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", first.Email)
	assert.True(t, first.IsActive)

	second, err := svc.RecordAuthorization(ctx, "user@example.com", &oauth2.Token{AccessToken: "a2"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	accounts, err := db.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "a2", accounts[0].Tokens.AccessToken)
	assert.Equal(t, "r1", accounts[0].Tokens.RefreshToken, "refresh token kept when not reissued")
	assert.True(t, accounts[0].IsActive)
}

func TestRecordAuthorization_ActivatesNewest(t *testing.T) {
	db := newTestStore(t)
	svc := NewAccountService(db)
	ctx := context.Background()

	a, err := svc.RecordAuthorization(ctx, "a@example.com", &oauth2.Token{AccessToken: "a"})
	require.NoError(t, err)
	b, err := svc.RecordAuthorization(ctx, "b@example.com", &oauth2.Token{AccessToken: "b"})
	require.NoError(t, err)
	assert.Equal(t, []int64{b.ID}, activeIDs(t, db))

	_, err = svc.RecordAuthorization(ctx, "a@example.com", &oauth2.Token{AccessToken: "a2"})
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID}, activeIDs(t, db))
}

func TestSwitch_ExactlyOneActive(t *testing.T) {
	db := newTestStore(t)
	svc := NewAccountService(db)
	ctx := context.Background()

	accts := []*domain.Account{
		seedAccount(t, db, "a@example.com", "ta"),
		seedAccount(t, db, "b@example.com", "tb"),
		seedAccount(t, db, "c@example.com", "tc"),
	}
	for _, i := range []int{1, 0, 2, 2, 1, 0} {
		got, err := svc.Switch(ctx, accts[i].ID)
		require.NoError(t, err)
		assert.True(t, got.IsActive)
		assert.Equal(t, []int64{accts[i].ID}, activeIDs(t, db))
	}
}

func TestSwitch_Rejections(t *testing.T) {
	db := newTestStore(t)
	svc := NewAccountService(db)
	ctx := context.Background()

	authorized := seedAccount(t, db, "a@example.com", "ta")
	pending := seedAccount(t, db, "b@example.com", "")
	activate(t, db, authorized)

	_, err := svc.Switch(ctx, pending.ID)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
	_, err = svc.Switch(ctx, 999)
	assert.Error(t, err)
	assert.Equal(t, []int64{authorized.ID}, activeIDs(t, db))
}

func TestActive(t *testing.T) {
	db := newTestStore(t)
	svc := NewAccountService(db)
	ctx := context.Background()

	_, err := svc.Active(ctx, 0)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
	// An expected id with nothing active is unauthorized, never a mismatch.
	_, err = svc.Active(ctx, 42)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
	assert.NotErrorIs(t, err, domain.ErrAccountMismatch)

	a := seedAccount(t, db, "a@example.com", "ta")
	b := seedAccount(t, db, "b@example.com", "tb")
	activate(t, db, a)

	got, err := svc.Active(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	got, err = svc.Active(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = svc.Active(ctx, b.ID)
	assert.ErrorIs(t, err, domain.ErrAccountMismatch)
	var mismatch *domain.AccountMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, b.ID, mismatch.Expected)
	assert.Equal(t, a.ID, mismatch.Active)
	assert.Equal(t, "a@example.com", mismatch.ActiveEmail)
}

func TestActive_WithoutToken(t *testing.T) {
	db := newTestStore(t)
	svc := NewAccountService(db)
	acct := seedAccount(t, db, "a@example.com", "")
	activate(t, db, acct)

	_, err := svc.Active(context.Background(), 0)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
}

func TestRegister(t *testing.T) {
	db := newTestStore(t)
	svc := NewAccountService(db)
	ctx := context.Background()

	_, err := svc.Register(ctx, "not an email", "pw")
	assert.Error(t, err)

	acct, err := svc.Register(ctx, "A@example.com", "pw1")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", acct.Email)
	assert.False(t, acct.HasToken())

	again, err := svc.Register(ctx, "a@example.com", "pw2")
	require.NoError(t, err)
	assert.Equal(t, acct.ID, again.ID)

	stored, err := db.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "pw2", stored.Secret)
	assert.Empty(t, activeIDs(t, db), "registration does not activate")
}

func TestImport(t *testing.T) {
	db := newTestStore(t)
	svc := NewAccountService(db)
	ctx := context.Background()

	var entries []domain.ImportEntry
	for _, r := range []domain.ImportRecord{
		{Email: "plain@example.com", Secret: "pw"},
		{Email: "bad address"},
		{Email: "authed@example.com", AccessToken: "at", RefreshToken: "rt"},
		{Email: "second@example.com", AccessToken: "at2"},
	} {
		if e, ok := domain.ResolveImportEntry(r); ok {
			entries = append(entries, e)
		}
	}
	require.Len(t, entries, 3)

	report, err := svc.Import(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Added)
	require.NotNil(t, report.Activated)
	assert.Equal(t, "authed@example.com", report.Activated.Email)
	assert.Equal(t, []int64{report.Activated.ID}, activeIDs(t, db))

	// Re-import updates rows and leaves the active account alone.
	report, err = svc.Import(ctx, []domain.ImportEntry{
		domain.Authenticated{Email: "plain@example.com", Tokens: domain.Tokens{AccessToken: "new"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)
	assert.Nil(t, report.Activated)

	plain, err := db.GetAccountByEmail(ctx, "plain@example.com")
	require.NoError(t, err)
	assert.Equal(t, "new", plain.Tokens.AccessToken)
	assert.Equal(t, "pw", plain.Secret)
	accounts, err := db.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 3)
}

func TestRemoveAll(t *testing.T) {
	db := newTestStore(t)
	svc := NewAccountService(db)
	ctx := context.Background()
	seedAccount(t, db, "a@example.com", "ta")
	b := seedAccount(t, db, "b@example.com", "tb")

	require.NoError(t, svc.Remove(ctx, b.ID))
	accounts, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 1)

	require.NoError(t, svc.RemoveAll(ctx))
	accounts, err = svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)
}
