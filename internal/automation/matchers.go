package automation

import (
	"context"
	"regexp"
	"strings"
)

// Matcher locates a clickable control. With Text set, it matches the first
// Selector element whose text contains Text.
type Matcher struct {
	Selector string
	Text     string
}

func (m Matcher) String() string {
	if m.Text == "" {
		return m.Selector
	}
	return m.Selector + " ~ " + m.Text
}

// Ordered fallback lists. The provider's markup varies by locale and
// release, so new variants are appended here rather than in the driver.
var (
	NextEmailMatchers = []Matcher{
		{Selector: "#identifierNext button"},
		{Selector: `button[jsname="LgbsSe"]`},
		{Selector: "#identifierNext"},
	}

	NextPasswordMatchers = []Matcher{
		{Selector: "#passwordNext button"},
		{Selector: `button[jsname="LgbsSe"]`},
		{Selector: "#passwordNext"},
	}

	ConsentMatchers = []Matcher{
		{Selector: "button#submit_approve_access"},
		{Selector: "button", Text: "继续"},
		{Selector: "button", Text: "允许"},
		{Selector: "button", Text: "Continue"},
		{Selector: "button", Text: "Allow"},
		{Selector: "#submit_approve_access"},
		{Selector: `input[type="submit"][value="Allow"]`},
		{Selector: `button[type="submit"]`},
	}
)

const (
	emailInputSelector    = `input[type="email"]`
	passwordInputSelector = `input[type="password"]`
	// emailErrorSelector is the inline error shown under a rejected address.
	emailErrorSelector = `[jsname="B34EJ"]`
)

var wrongPasswordPattern = regexp.MustCompile(`(?i)wrong password|incorrect password|密码错误`)

func isPasswordChallenge(url string) bool {
	return strings.Contains(url, "/challenge/pwd")
}

// isVerification reports a second-factor or other challenge page.
func isVerification(url string) bool {
	if isPasswordChallenge(url) {
		return false
	}
	return strings.Contains(url, "challenge") || strings.Contains(url, "verify")
}

// wait clicks the matcher's control once it becomes visible, giving up
// when ctx is done.
func (m Matcher) wait(ctx context.Context, page Page) (bool, error) {
	if m.Text != "" {
		return page.ClickText(ctx, m.Selector, m.Text)
	}
	if err := page.WaitVisible(ctx, m.Selector); err != nil {
		return false, nil
	}
	if err := page.Click(ctx, m.Selector); err != nil {
		return false, err
	}
	return true, nil
}

// now clicks the matcher's control only if it is already present.
func (m Matcher) now(ctx context.Context, page Page) (bool, error) {
	if m.Text != "" {
		return page.ClickText(ctx, m.Selector, m.Text)
	}
	ok, err := page.Exists(ctx, m.Selector)
	if err != nil || !ok {
		return false, err
	}
	if err := page.Click(ctx, m.Selector); err != nil {
		return false, err
	}
	return true, nil
}
