// Package automation drives the identity provider's hosted login and consent
// pages in a scripted browser.
package automation

import (
	"context"
	"io"

	"github.com/lu-zhengda/mailbroker/internal/domain"
)

// Launcher starts isolated browser instances.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Browser is one isolated browser instance. Close is idempotent and unblocks
// any pending page operation.
type Browser interface {
	io.Closer
	Page() Page
}

// Page is the single tab the driver works in. Selectors are CSS selectors.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string) error
	Exists(ctx context.Context, selector string) (bool, error)
	SendKeys(ctx context.Context, selector, text string) error
	Click(ctx context.Context, selector string) error
	// ClickText clicks the first element matching selector whose visible
	// text contains text, and reports whether one was found.
	ClickText(ctx context.Context, selector, text string) (bool, error)
	// Text returns the visible text of the first match, or "" if none.
	Text(ctx context.Context, selector string) (string, error)
	URL(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
}

// State is a step of the login state machine.
type State string

const (
	StateInit                  State = "init"
	StateEmailEntry            State = "email_entry"
	StateAwaitEmailAccepted    State = "await_email_accepted"
	StatePasswordEntry         State = "password_entry"
	StateAwaitPasswordAccepted State = "await_password_accepted"
	StateExtraVerification     State = "extra_verification"
	StateConsentApproval       State = "consent_approval"
	StateAwaitCallback         State = "await_callback"
	StateSucceeded             State = "succeeded"
	StateFailed                State = "failed"
)

// Login is one automated acquisition attempt.
type Login struct {
	Email   string
	Secret  string
	AuthURL string
	// Progress receives human-readable progress. Optional.
	Progress func(msg string)
	// OnBrowser receives the browser as soon as it is launched so that an
	// owner can close it from outside the driver. Optional.
	OnBrowser func(b io.Closer)
}

// Result is the terminal state of a run.
type Result struct {
	State    State
	Trace    []State
	Failure  *domain.AutomationFailure
	Snapshot string
}

func (r Result) Succeeded() bool { return r.State == StateSucceeded }

// Err returns the failure as an error, or nil on success.
func (r Result) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}
