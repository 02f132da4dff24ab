package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/lu-zhengda/mailbroker/internal/automation"
	"github.com/lu-zhengda/mailbroker/internal/domain"
	"github.com/lu-zhengda/mailbroker/internal/oauth"
	"github.com/lu-zhengda/mailbroker/internal/store/sqlite"
)

// codeExchanger maps authorization codes to addresses.
type codeExchanger struct {
	mu     sync.Mutex
	emails map[string]string
	calls  int
}

func (e *codeExchanger) Exchange(_ context.Context, code string) (string, *oauth2.Token, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	email, ok := e.emails[code]
	if !ok {
		return "", nil, &domain.ExchangeError{Err: fmt.Errorf("invalid_grant")}
	}
	return email, &oauth2.Token{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

type fakeURLs struct{}

func (fakeURLs) AuthCodeURL(state string) string {
	return "https://accounts.example.com/auth?state=" + url.QueryEscape(state)
}

// redirectDriver plays the provider: it redirects to the live session's
// callback with a code chosen per address.
type redirectDriver struct {
	bridge *oauth.Bridge
	codes  map[string]string
	fail   map[string]*domain.AutomationFailure
	// redirectThenFail sends the redirect and then reports a failure.
	redirectThenFail bool

	mu     sync.Mutex
	logins []automation.Login
}

func (d *redirectDriver) Run(ctx context.Context, login automation.Login) automation.Result {
	d.mu.Lock()
	d.logins = append(d.logins, login)
	d.mu.Unlock()

	if login.Progress != nil {
		login.Progress("signing in as " + login.Email)
	}
	if f, ok := d.fail[login.Email]; ok {
		return automation.Result{State: automation.StateFailed, Failure: f}
	}
	sess := d.bridge.Current()
	if sess == nil {
		return automation.Result{State: automation.StateFailed, Failure: &domain.AutomationFailure{Reason: domain.ReasonNoCallback}}
	}
	state := strings.TrimPrefix(login.AuthURL, "https://accounts.example.com/auth?state=")
	if _, err := callback(sess, url.Values{"code": {d.codes[login.Email]}, "state": {state}}); err != nil {
		return automation.Result{State: automation.StateFailed, Failure: &domain.AutomationFailure{Reason: domain.ReasonNoCallback, Detail: err.Error()}}
	}
	if d.redirectThenFail {
		return automation.Result{State: automation.StateFailed, Failure: &domain.AutomationFailure{Reason: domain.ReasonNoCallback}}
	}
	return automation.Result{State: automation.StateSucceeded}
}

func callback(sess *oauth.Session, q url.Values) (int, error) {
	resp, err := http.Get("http://" + sess.Addr() + "/callback?" + q.Encode())
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func newAcquirer(t *testing.T, db *sqlite.DB, emails map[string]string, driver *redirectDriver) (*Acquirer, *codeExchanger) {
	t.Helper()
	ex := &codeExchanger{emails: emails}
	accounts := NewAccountService(db)
	bridge := oauth.NewBridge("127.0.0.1:0", ex, accounts, 10*time.Millisecond)
	t.Cleanup(bridge.Close)
	var ld LoginDriver
	if driver != nil {
		driver.bridge = bridge
		ld = driver
	}
	q := NewAcquirer(bridge, fakeURLs{}, ld, accounts, time.Second)
	q.sleep = func(context.Context, time.Duration) error { return nil }
	return q, ex
}

func TestAcquirer_CallbackStoresActiveAccount(t *testing.T) {
	db := newTestStore(t)
	q, _ := newAcquirer(t, db, map[string]string{"ABC123": "user@example.com"}, nil)
	ctx := context.Background()

	sess, authURL, err := q.Begin(ctx)
	require.NoError(t, err)
	assert.Contains(t, authURL, "state="+url.QueryEscape(sess.ID))

	status, err := callback(sess, url.Values{"code": {"ABC123"}, "state": {sess.ID}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	outcome := sess.Wait(waitCtx)
	require.True(t, outcome.Succeeded(), "outcome: %+v", outcome)
	assert.Equal(t, "user@example.com", outcome.Email)

	accounts, err := db.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "user@example.com", accounts[0].Email)
	assert.True(t, accounts[0].IsActive)
	assert.Equal(t, "access-ABC123", accounts[0].Tokens.AccessToken)
	assert.Equal(t, "refresh-ABC123", accounts[0].Tokens.RefreshToken)
}

func TestAcquirer_ReacquisitionIsIdempotent(t *testing.T) {
	db := newTestStore(t)
	q, _ := newAcquirer(t, db, map[string]string{
		"first":  "user@example.com",
		"second": "USER@example.com",
	}, nil)
	ctx := context.Background()

	for _, code := range []string{"first", "second"} {
		sess, _, err := q.Begin(ctx)
		require.NoError(t, err)
		_, err = callback(sess, url.Values{"code": {code}, "state": {sess.ID}})
		require.NoError(t, err)
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		outcome := sess.Wait(waitCtx)
		cancel()
		require.True(t, outcome.Succeeded(), "code %s: %+v", code, outcome)
	}

	accounts, err := db.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "access-second", accounts[0].Tokens.AccessToken)
	assert.Equal(t, []int64{accounts[0].ID}, activeIDs(t, db))
}

func TestAcquirer_AutoLogin(t *testing.T) {
	db := newTestStore(t)
	driver := &redirectDriver{codes: map[string]string{"user@example.com": "c1"}}
	q, _ := newAcquirer(t, db, map[string]string{"c1": "user@example.com"}, driver)

	var mu sync.Mutex
	var events []string
	acct, err := q.AutoLogin(context.Background(), domain.Credential{Email: "user@example.com", Secret: "pw"}, func(msg string) {
		mu.Lock()
		events = append(events, msg)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", acct.Email)
	assert.Equal(t, "pw", acct.Secret)
	assert.True(t, acct.HasToken())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, events, "signing in as user@example.com")
	assert.Contains(t, events, "authorized user@example.com")
}

func TestAcquirer_AutoLoginDriverFailure(t *testing.T) {
	db := newTestStore(t)
	wrong := &domain.AutomationFailure{Reason: domain.ReasonWrongPassword, Detail: "Wrong password"}
	driver := &redirectDriver{fail: map[string]*domain.AutomationFailure{"user@example.com": wrong}}
	q, ex := newAcquirer(t, db, nil, driver)

	_, err := q.AutoLogin(context.Background(), domain.Credential{Email: "user@example.com", Secret: "bad"}, nil)
	var failure *domain.AutomationFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, domain.ReasonWrongPassword, failure.Reason)
	assert.Zero(t, ex.calls)

	accounts, err := db.ListAccounts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestAcquirer_AutoLoginBridgeSuccessWins(t *testing.T) {
	db := newTestStore(t)
	driver := &redirectDriver{codes: map[string]string{"user@example.com": "c1"}, redirectThenFail: true}
	q, _ := newAcquirer(t, db, map[string]string{"c1": "user@example.com"}, driver)

	acct, err := q.AutoLogin(context.Background(), domain.Credential{Email: "user@example.com", Secret: "pw"}, nil)
	require.NoError(t, err)
	assert.True(t, acct.HasToken())
}

func TestAcquirer_AutoLoginExchangeFailure(t *testing.T) {
	db := newTestStore(t)
	driver := &redirectDriver{codes: map[string]string{"user@example.com": "unknown"}}
	q, _ := newAcquirer(t, db, map[string]string{}, driver)

	_, err := q.AutoLogin(context.Background(), domain.Credential{Email: "user@example.com", Secret: "pw"}, nil)
	var exErr *domain.ExchangeError
	require.ErrorAs(t, err, &exErr)
}

func TestAcquirer_AutoLoginNotConfigured(t *testing.T) {
	q, _ := newAcquirer(t, newTestStore(t), nil, nil)
	_, err := q.AutoLogin(context.Background(), domain.Credential{Email: "user@example.com"}, nil)
	assert.Error(t, err)
}

func TestAcquirer_AutoLoginAccountNeedsSecret(t *testing.T) {
	db := newTestStore(t)
	seedAccount(t, db, "user@example.com", "")
	q, _ := newAcquirer(t, db, nil, &redirectDriver{})

	_, err := q.AutoLoginAccount(context.Background(), "user@example.com", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no stored password")
}

func TestAcquirer_BatchAutoLogin(t *testing.T) {
	db := newTestStore(t)
	driver := &redirectDriver{
		codes: map[string]string{"a@example.com": "ca", "c@example.com": "cc"},
		fail: map[string]*domain.AutomationFailure{
			"b@example.com": {Reason: domain.ReasonVerificationTimeout},
		},
	}
	q, _ := newAcquirer(t, db, map[string]string{"ca": "a@example.com", "cc": "c@example.com"}, driver)
	var slept int
	q.sleep = func(context.Context, time.Duration) error {
		slept++
		return nil
	}

	var mu sync.Mutex
	var progress []BatchProgress
	report := q.BatchAutoLogin(context.Background(), []domain.Credential{
		{Email: "a@example.com", Secret: "pa"},
		{Email: "b@example.com", Secret: "pb"},
		{Email: "c@example.com", Secret: "pc"},
	}, func(p BatchProgress) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	})

	require.Len(t, report.Results, 3)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.NoError(t, report.Results[0].Err)
	assert.Error(t, report.Results[1].Err)
	assert.NoError(t, report.Results[2].Err)
	assert.Equal(t, 2, slept)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, progress)
	last := progress[len(progress)-1]
	assert.Equal(t, 3, last.Current)
	assert.Equal(t, 3, last.Total)
	assert.Equal(t, "done", last.Message)

	accounts, err := db.ListAccounts(context.Background())
	require.NoError(t, err)
	assert.Len(t, accounts, 2)
}

func TestAcquirer_BatchAutoLoginSkipsUnusableCredentials(t *testing.T) {
	db := newTestStore(t)
	driver := &redirectDriver{codes: map[string]string{"a@example.com": "ca"}}
	q, _ := newAcquirer(t, db, map[string]string{"ca": "a@example.com"}, driver)
	var slept int
	q.sleep = func(context.Context, time.Duration) error {
		slept++
		return nil
	}

	report := q.BatchAutoLogin(context.Background(), []domain.Credential{
		{Email: "not an address", Secret: "px"},
		{Email: "a@example.com", Secret: "pa"},
		{Email: "b@example.com"},
	}, nil)

	require.Len(t, report.Results, 3)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 2, report.Skipped)
	assert.True(t, report.Results[0].Skipped)
	assert.False(t, report.Results[1].Skipped)
	assert.True(t, report.Results[2].Skipped)
	assert.Equal(t, 0, slept)

	driver.mu.Lock()
	defer driver.mu.Unlock()
	require.Len(t, driver.logins, 1)
	assert.Equal(t, "a@example.com", driver.logins[0].Email)
}

func TestAcquirer_BeginPreemptsLiveSession(t *testing.T) {
	q, _ := newAcquirer(t, newTestStore(t), nil, nil)
	first, _, err := q.Begin(context.Background())
	require.NoError(t, err)
	second, _, err := q.Begin(context.Background())
	require.NoError(t, err)

	outcome, ok := first.Outcome()
	require.True(t, ok)
	assert.True(t, errors.Is(outcome.Err, oauth.ErrSuperseded))
	assert.Same(t, second, q.bridge.Current())
}
