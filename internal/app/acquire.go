package app

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lu-zhengda/mailbroker/internal/automation"
	"github.com/lu-zhengda/mailbroker/internal/domain"
	"github.com/lu-zhengda/mailbroker/internal/oauth"
)

// bridgeWait bounds how long a finished browser run waits for the bridge
// to finish the code exchange.
const bridgeWait = 30 * time.Second

// AuthURLBuilder builds the consent URL for a session state.
type AuthURLBuilder interface {
	AuthCodeURL(state string) string
}

// LoginDriver performs one automated login.
type LoginDriver interface {
	Run(ctx context.Context, login automation.Login) automation.Result
}

// Acquirer obtains tokens for accounts, either through a browser the user
// drives or through the automation driver.
type Acquirer struct {
	bridge   *oauth.Bridge
	urls     AuthURLBuilder
	driver   LoginDriver
	accounts *AccountService
	delay    time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewAcquirer(bridge *oauth.Bridge, urls AuthURLBuilder, driver LoginDriver, accounts *AccountService, batchDelay time.Duration) *Acquirer {
	return &Acquirer{
		bridge:   bridge,
		urls:     urls,
		driver:   driver,
		accounts: accounts,
		delay:    batchDelay,
		sleep:    sleepCtx,
	}
}

// Begin starts a session and returns the URL to complete it at. Any live
// session is preempted.
func (q *Acquirer) Begin(ctx context.Context) (*oauth.Session, string, error) {
	sess, err := q.bridge.Start(ctx)
	if err != nil {
		return nil, "", err
	}
	return sess, q.urls.AuthCodeURL(sess.ID), nil
}

// AutoLogin acquires tokens for cred through the automation driver. The
// bridge's outcome is authoritative: a redirect it accepted counts as
// success even if the driver gave up afterwards.
func (q *Acquirer) AutoLogin(ctx context.Context, cred domain.Credential, progress func(string)) (*domain.Account, error) {
	if q.driver == nil {
		return nil, fmt.Errorf("automated login is not configured")
	}
	sess, url, err := q.Begin(ctx)
	if err != nil {
		return nil, err
	}

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for msg := range sess.Events() {
			if progress != nil {
				progress(msg)
			}
		}
	}()

	res := q.driver.Run(ctx, automation.Login{
		Email:     cred.Email,
		Secret:    cred.Secret,
		AuthURL:   url,
		Progress:  sess.Progress,
		OnBrowser: sess.AttachBrowser,
	})

	var outcome oauth.Outcome
	if res.Succeeded() {
		waitCtx, cancel := context.WithTimeout(ctx, bridgeWait)
		outcome = sess.Wait(waitCtx)
		cancel()
	} else {
		sess.Fail(res.Err())
		outcome, _ = sess.Outcome()
	}
	sess.Close()
	<-forwarded

	if !outcome.Succeeded() {
		return nil, outcome.Err
	}
	if outcome.Email != domain.NormalizeEmail(cred.Email) {
		log.WithFields(log.Fields{"requested": cred.Email, "authorized": outcome.Email}).Warn("autologin_account_differs")
	}
	acct, err := q.accounts.Register(ctx, outcome.Email, cred.Secret)
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// AutoLoginAccount runs AutoLogin with the secret stored for email.
func (q *Acquirer) AutoLoginAccount(ctx context.Context, email string, progress func(string)) (*domain.Account, error) {
	acct, err := q.accounts.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if !acct.HasSecret() {
		return nil, fmt.Errorf("account %s has no stored password", acct.Email)
	}
	return q.AutoLogin(ctx, domain.Credential{Email: acct.Email, Secret: acct.Secret}, progress)
}

// BatchProgress reports where a batch login is.
type BatchProgress struct {
	Current int
	Total   int
	Email   string
	Message string
}

type LoginResult struct {
	Email   string
	Account *domain.Account
	Err     error
	// Skipped is set when the credential was unusable and no login ran.
	Skipped bool
}

type LoginReport struct {
	Results   []LoginResult
	Succeeded int
	Failed    int
	Skipped   int
}

// BatchAutoLogin logs in to each credential in turn, pausing between
// accounts. A failure is recorded and the batch moves on. Credentials
// without a valid address or a secret are skipped.
func (q *Acquirer) BatchAutoLogin(ctx context.Context, creds []domain.Credential, progress func(BatchProgress)) *LoginReport {
	report := &LoginReport{Results: make([]LoginResult, 0, len(creds))}
	notify := func(i int, email, msg string) {
		if progress != nil {
			progress(BatchProgress{Current: i + 1, Total: len(creds), Email: email, Message: msg})
		}
	}

	attempted := 0
	for i, cred := range creds {
		entry := LoginResult{Email: cred.Email}
		if !domain.ValidEmail(domain.NormalizeEmail(cred.Email)) || cred.Secret == "" {
			entry.Skipped = true
			report.Skipped++
			report.Results = append(report.Results, entry)
			notify(i, cred.Email, "skipped: missing address or password")
			continue
		}

		if attempted > 0 {
			_ = q.sleep(ctx, q.delay)
		}
		attempted++
		if err := ctx.Err(); err != nil {
			entry.Err = err
		} else {
			notify(i, cred.Email, "starting")
			entry.Account, entry.Err = q.AutoLogin(ctx, cred, func(msg string) { notify(i, cred.Email, msg) })
		}

		if entry.Err != nil {
			report.Failed++
			notify(i, cred.Email, "failed: "+entry.Err.Error())
		} else {
			report.Succeeded++
			notify(i, cred.Email, "done")
		}
		report.Results = append(report.Results, entry)
	}

	log.WithFields(log.Fields{
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
		"skipped":   report.Skipped,
	}).Info("autologin_batch_done")
	return report
}
