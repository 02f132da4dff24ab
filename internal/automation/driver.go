package automation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lu-zhengda/mailbroker/internal/domain"
)

// Timings bounds every wait of a run.
type Timings struct {
	Navigation     time.Duration
	Settle         time.Duration
	Field          time.Duration
	Matcher        time.Duration
	EmailSettle    time.Duration
	PasswordSettle time.Duration
	Verification   time.Duration
	Consent        time.Duration
	Callback       time.Duration
	SuccessGrace   time.Duration
	Poll           time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		Navigation:     60 * time.Second,
		Settle:         2 * time.Second,
		Field:          10 * time.Second,
		Matcher:        3 * time.Second,
		EmailSettle:    3 * time.Second,
		PasswordSettle: 5 * time.Second,
		Verification:   2 * time.Minute,
		Consent:        15 * time.Second,
		Callback:       30 * time.Second,
		SuccessGrace:   5 * time.Second,
		Poll:           250 * time.Millisecond,
	}
}

// Driver runs the login state machine against browsers from a Launcher.
type Driver struct {
	launcher    Launcher
	callbackURL string
	timings     Timings
	snapshotDir string
}

type Option func(*Driver)

func WithTimings(t Timings) Option {
	return func(d *Driver) { d.timings = t }
}

func WithVerificationTimeout(timeout time.Duration) Option {
	return func(d *Driver) {
		if timeout > 0 {
			d.timings.Verification = timeout
		}
	}
}

// WithSnapshotDir sets where failure screenshots are written. An empty dir
// disables snapshots.
func WithSnapshotDir(dir string) Option {
	return func(d *Driver) { d.snapshotDir = dir }
}

// NewDriver creates a Driver. callbackURL is the redirect address whose
// appearance in the browser marks success.
func NewDriver(launcher Launcher, callbackURL string, opts ...Option) *Driver {
	d := &Driver{
		launcher:    launcher,
		callbackURL: callbackURL,
		timings:     DefaultTimings(),
		snapshotDir: os.TempDir(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// run is the mutable state of one Run.
type run struct {
	*Driver
	login Login
	page  Page
}

type step func(r *run, ctx context.Context) (State, error)

var steps = map[State]step{
	StateInit:                  (*run).init,
	StateEmailEntry:            (*run).enterEmail,
	StateAwaitEmailAccepted:    (*run).awaitEmailAccepted,
	StatePasswordEntry:         (*run).enterPassword,
	StateAwaitPasswordAccepted: (*run).awaitPasswordAccepted,
	StateExtraVerification:     (*run).awaitVerification,
	StateConsentApproval:       (*run).approveConsent,
	StateAwaitCallback:         (*run).awaitCallback,
}

// stepReason classifies an unexpected page error by the state it happened in.
var stepReason = map[State]domain.FailureReason{
	StateInit:                  domain.ReasonLaunchFailed,
	StateEmailEntry:            domain.ReasonControlNotFound,
	StateAwaitEmailAccepted:    domain.ReasonControlNotFound,
	StatePasswordEntry:         domain.ReasonControlNotFound,
	StateAwaitPasswordAccepted: domain.ReasonControlNotFound,
	StateExtraVerification:     domain.ReasonVerificationTimeout,
	StateConsentApproval:       domain.ReasonNoCallback,
	StateAwaitCallback:         domain.ReasonNoCallback,
}

// Run performs one automated login. It never returns an error: every exit
// path yields a Result, and the browser is closed before Run returns.
func (d *Driver) Run(ctx context.Context, login Login) Result {
	logger := log.WithField("email", login.Email)
	r := &run{Driver: d, login: login}
	res := Result{Trace: []State{StateInit}}

	r.progress("launching browser")
	browser, err := d.launcher.Launch(ctx)
	if err != nil {
		res.State = StateFailed
		res.Failure = classify(ctx, StateInit, err)
		res.Trace = append(res.Trace, StateFailed)
		logger.WithError(res.Failure).Warn("automation_failed")
		return res
	}
	defer func() {
		if err := browser.Close(); err != nil {
			logger.WithError(err).Warn("browser_close_failed")
		}
	}()
	if login.OnBrowser != nil {
		login.OnBrowser(browser)
	}
	r.page = browser.Page()

	state := StateInit
	for {
		logger.WithField("state", state).Debug("automation_state")
		next, err := steps[state](r, ctx)
		if err != nil {
			res.Failure = classify(ctx, state, err)
			res.Snapshot = r.snapshot(ctx)
			res.State = StateFailed
			res.Trace = append(res.Trace, StateFailed)
			r.progress("login failed: " + res.Failure.Error())
			logger.WithFields(log.Fields{
				"state":    state,
				"reason":   res.Failure.Reason,
				"snapshot": res.Snapshot,
			}).Warn("automation_failed")
			return res
		}
		res.Trace = append(res.Trace, next)
		if next == StateSucceeded {
			break
		}
		state = next
	}

	r.progress("authorization redirect received")
	// Let the callback bridge finish the exchange before the browser goes away.
	_ = sleep(ctx, d.timings.SuccessGrace)
	res.State = StateSucceeded
	logger.Info("automation_succeeded")
	return res
}

func classify(ctx context.Context, state State, err error) *domain.AutomationFailure {
	if ctx.Err() != nil {
		return &domain.AutomationFailure{Reason: domain.ReasonCanceled, Detail: ctx.Err().Error()}
	}
	var failure *domain.AutomationFailure
	if errors.As(err, &failure) {
		return failure
	}
	return &domain.AutomationFailure{Reason: stepReason[state], Detail: err.Error()}
}

func fail(reason domain.FailureReason, format string, args ...any) error {
	return &domain.AutomationFailure{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

func (r *run) progress(msg string) {
	if r.login.Progress != nil {
		r.login.Progress(msg)
	}
}

func (r *run) init(ctx context.Context) (State, error) {
	r.progress("opening authorization page")
	navCtx, cancel := context.WithTimeout(ctx, r.timings.Navigation)
	defer cancel()
	if err := r.page.Navigate(navCtx, r.login.AuthURL); err != nil {
		return "", fmt.Errorf("navigate to authorization page: %w", err)
	}
	if err := sleep(ctx, r.timings.Settle); err != nil {
		return "", err
	}
	return StateEmailEntry, nil
}

func (r *run) enterEmail(ctx context.Context) (State, error) {
	r.progress("entering email")
	if err := r.fill(ctx, emailInputSelector, r.login.Email); err != nil {
		return "", fail(domain.ReasonControlNotFound, "email field: %v", err)
	}
	if m, ok, err := r.clickFirst(ctx, NextEmailMatchers); err != nil {
		return "", err
	} else if !ok {
		return "", fail(domain.ReasonControlNotFound, "next button on email step")
	} else {
		log.WithField("matcher", m.String()).Debug("automation_clicked")
	}
	return StateAwaitEmailAccepted, nil
}

func (r *run) awaitEmailAccepted(ctx context.Context) (State, error) {
	if err := sleep(ctx, r.timings.EmailSettle); err != nil {
		return "", err
	}
	msg, err := r.page.Text(ctx, emailErrorSelector)
	if err != nil {
		return "", err
	}
	if msg = strings.TrimSpace(msg); msg != "" {
		return "", fail(domain.ReasonEmailRejected, "%s", msg)
	}
	return StatePasswordEntry, nil
}

func (r *run) enterPassword(ctx context.Context) (State, error) {
	r.progress("entering password")
	if err := r.fill(ctx, passwordInputSelector, r.login.Secret); err != nil {
		return "", fail(domain.ReasonControlNotFound, "password field: %v", err)
	}
	if _, ok, err := r.clickFirst(ctx, NextPasswordMatchers); err != nil {
		return "", err
	} else if !ok {
		return "", fail(domain.ReasonControlNotFound, "next button on password step")
	}
	return StateAwaitPasswordAccepted, nil
}

// awaitPasswordAccepted tells a rejected password apart from a page that is
// still loading: only an explicit error on the password challenge fails.
func (r *run) awaitPasswordAccepted(ctx context.Context) (State, error) {
	if err := sleep(ctx, r.timings.PasswordSettle); err != nil {
		return "", err
	}

	deadline := time.Now().Add(r.timings.Field)
	for {
		url, err := r.page.URL(ctx)
		if err != nil {
			return "", err
		}
		if !isPasswordChallenge(url) {
			return r.afterPassword(url), nil
		}
		body, err := r.page.Text(ctx, "body")
		if err != nil {
			return "", err
		}
		if m := wrongPasswordPattern.FindString(body); m != "" {
			return "", fail(domain.ReasonWrongPassword, "%s", m)
		}
		if time.Now().After(deadline) {
			// Still on the password page without an error: let the later
			// waits decide.
			return StateConsentApproval, nil
		}
		if err := sleep(ctx, r.timings.Poll); err != nil {
			return "", err
		}
	}
}

func (r *run) afterPassword(url string) State {
	switch {
	case r.isCallback(url):
		return StateAwaitCallback
	case isVerification(url):
		return StateExtraVerification
	default:
		return StateConsentApproval
	}
}

// awaitVerification waits for a human to complete a challenge in the
// browser. The driver never interacts with the challenge itself.
func (r *run) awaitVerification(ctx context.Context) (State, error) {
	r.progress("additional verification required; complete it in the browser")
	deadline := time.Now().Add(r.timings.Verification)
	for {
		url, err := r.page.URL(ctx)
		if err != nil {
			return "", err
		}
		if !isVerification(url) {
			r.progress("verification completed")
			if r.isCallback(url) {
				return StateAwaitCallback, nil
			}
			return StateConsentApproval, nil
		}
		if time.Now().After(deadline) {
			return "", fail(domain.ReasonVerificationTimeout, "still on %s after %s", url, r.timings.Verification)
		}
		if err := sleep(ctx, r.timings.Poll); err != nil {
			return "", err
		}
	}
}

// approveConsent clicks the first consent control found. Finding none is
// not fatal; the redirect may still happen.
func (r *run) approveConsent(ctx context.Context) (State, error) {
	r.progress("approving access")
	deadline := time.Now().Add(r.timings.Consent)
	for {
		url, err := r.page.URL(ctx)
		if err != nil {
			return "", err
		}
		if r.isCallback(url) {
			return StateAwaitCallback, nil
		}
		m, ok, err := r.clickPresent(ctx, ConsentMatchers)
		if err != nil {
			return "", err
		}
		if ok {
			log.WithField("matcher", m.String()).Debug("automation_consent_clicked")
			return StateAwaitCallback, nil
		}
		if time.Now().After(deadline) {
			log.WithField("email", r.login.Email).Warn("automation_consent_control_not_found")
			return StateAwaitCallback, nil
		}
		if err := sleep(ctx, r.timings.Poll); err != nil {
			return "", err
		}
	}
}

// awaitCallback waits for the browser to land on the callback address.
// Multi-page consent flows get their further controls clicked on the way.
func (r *run) awaitCallback(ctx context.Context) (State, error) {
	r.progress("waiting for authorization redirect")
	deadline := time.Now().Add(r.timings.Callback)
	var url string
	for {
		var err error
		url, err = r.page.URL(ctx)
		if err != nil {
			return "", err
		}
		if r.isCallback(url) {
			return StateSucceeded, nil
		}
		if time.Now().After(deadline) {
			break
		}
		if _, _, err := r.clickPresent(ctx, ConsentMatchers); err != nil {
			return "", err
		}
		if err := sleep(ctx, r.timings.Poll); err != nil {
			return "", err
		}
	}
	return "", fail(domain.ReasonNoCallback, "ended on %s", url)
}

func (r *run) isCallback(url string) bool {
	return strings.HasPrefix(url, r.callbackURL)
}

func (r *run) fill(ctx context.Context, selector, text string) error {
	fieldCtx, cancel := context.WithTimeout(ctx, r.timings.Field)
	defer cancel()
	if err := r.page.WaitVisible(fieldCtx, selector); err != nil {
		return err
	}
	return r.page.SendKeys(fieldCtx, selector, text)
}

// clickFirst tries matchers in order, waiting up to the per-matcher timeout
// for each control to appear.
func (r *run) clickFirst(ctx context.Context, matchers []Matcher) (Matcher, bool, error) {
	for _, m := range matchers {
		mctx, cancel := context.WithTimeout(ctx, r.timings.Matcher)
		ok, err := m.wait(mctx, r.page)
		cancel()
		if ctx.Err() != nil {
			return Matcher{}, false, ctx.Err()
		}
		if err != nil {
			log.WithField("matcher", m.String()).WithError(err).Debug("automation_matcher_failed")
			continue
		}
		if ok {
			return m, true, nil
		}
	}
	return Matcher{}, false, nil
}

// clickPresent clicks the first matcher whose control is already on the page.
func (r *run) clickPresent(ctx context.Context, matchers []Matcher) (Matcher, bool, error) {
	for _, m := range matchers {
		mctx, cancel := context.WithTimeout(ctx, r.timings.Matcher)
		ok, err := m.now(mctx, r.page)
		cancel()
		if ctx.Err() != nil {
			return Matcher{}, false, ctx.Err()
		}
		if err == nil && ok {
			return m, true, nil
		}
	}
	return Matcher{}, false, nil
}

// snapshot captures the page for diagnosis. Failures are logged and ignored.
func (r *run) snapshot(ctx context.Context) string {
	if r.snapshotDir == "" {
		return ""
	}
	shotCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	data, err := r.page.Screenshot(shotCtx)
	if err != nil {
		log.WithError(err).Debug("automation_snapshot_failed")
		return ""
	}
	name := fmt.Sprintf("autologin_%s_%d.png",
		strings.ReplaceAll(r.login.Email, "@", "_at_"), time.Now().Unix())
	path := filepath.Join(r.snapshotDir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		log.WithError(err).Debug("automation_snapshot_failed")
		return ""
	}
	return path
}

func sleep(ctx context.Context, d time.Duration) error {
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
