package automation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var errBrowserClosed = errors.New("browser closed")

// fakePage is a scripted login page. Clicking a selector runs the matching
// transition, which rewrites the page.
type fakePage struct {
	mu      sync.Mutex
	url     string
	visible map[string]bool
	texts   map[string]string
	typed   map[string]string
	clicks  []string
	on      map[string]func(p *fakePage)
	closed  bool
}

func newFakePage() *fakePage {
	return &fakePage{
		visible: map[string]bool{},
		texts:   map[string]string{},
		typed:   map[string]string{},
		on:      map[string]func(p *fakePage){},
	}
}

// show replaces the page contents. Callers hold p.mu.
func (p *fakePage) show(url string, selectors ...string) {
	p.url = url
	p.visible = map[string]bool{}
	p.texts = map[string]string{}
	for _, s := range selectors {
		p.visible[s] = true
	}
}

// later runs fn on the page after d, outside any page call.
func (p *fakePage) later(d time.Duration, fn func(p *fakePage)) {
	time.AfterFunc(d, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		fn(p)
	})
}

func (p *fakePage) check(ctx context.Context) error {
	if p.closed {
		return errBrowserClosed
	}
	return ctx.Err()
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return err
	}
	if fn, ok := p.on["navigate"]; ok {
		fn(p)
	}
	return nil
}

func (p *fakePage) WaitVisible(ctx context.Context, selector string) error {
	for {
		p.mu.Lock()
		err := p.check(ctx)
		ok := p.visible[selector]
		p.mu.Unlock()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (p *fakePage) Exists(ctx context.Context, selector string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return false, err
	}
	return p.visible[selector], nil
}

func (p *fakePage) SendKeys(ctx context.Context, selector, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return err
	}
	p.typed[selector] += text
	return nil
}

func (p *fakePage) Click(ctx context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return err
	}
	if !p.visible[selector] {
		return errors.New("no node for " + selector)
	}
	p.clicks = append(p.clicks, selector)
	if fn, ok := p.on[selector]; ok {
		fn(p)
	}
	return nil
}

func (p *fakePage) ClickText(ctx context.Context, selector, text string) (bool, error) {
	key := selector + "|" + text
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return false, err
	}
	if !p.visible[key] {
		return false, nil
	}
	p.clicks = append(p.clicks, key)
	if fn, ok := p.on[key]; ok {
		fn(p)
	}
	return true, nil
}

func (p *fakePage) Text(ctx context.Context, selector string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return "", err
	}
	return p.texts[selector], nil
}

func (p *fakePage) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return "", err
	}
	return p.url, nil
}

func (p *fakePage) Screenshot(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errBrowserClosed
	}
	return []byte("\x89PNG fake"), nil
}

func (p *fakePage) typedInto(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typed[selector]
}

func (p *fakePage) clicked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicks...)
}

type fakeBrowser struct {
	page   *fakePage
	closes atomic.Int32
}

func (b *fakeBrowser) Page() Page { return b.page }

func (b *fakeBrowser) Close() error {
	b.closes.Add(1)
	b.page.mu.Lock()
	b.page.closed = true
	b.page.mu.Unlock()
	return nil
}

type fakeLauncher struct {
	browser  *fakeBrowser
	err      error
	launches atomic.Int32
}

func (l *fakeLauncher) Launch(ctx context.Context) (Browser, error) {
	l.launches.Add(1)
	if l.err != nil {
		return nil, l.err
	}
	return l.browser, nil
}

const (
	testCallback = "http://localhost:3001/callback"
	signinURL    = "https://accounts.google.com/v3/signin/identifier"
	passwordURL  = "https://accounts.google.com/v3/signin/challenge/pwd"
	consentURL   = "https://accounts.google.com/signin/oauth/consent"
)

// googleFlow scripts the happy path: email, password, consent, redirect.
// Tests override individual transitions to inject failures.
func googleFlow() *fakePage {
	p := newFakePage()
	p.on["navigate"] = func(p *fakePage) {
		p.show(signinURL, emailInputSelector, "#identifierNext button")
	}
	p.on["#identifierNext button"] = func(p *fakePage) {
		p.show(passwordURL, passwordInputSelector, "#passwordNext button")
	}
	p.on["#passwordNext button"] = func(p *fakePage) {
		p.show(consentURL, "button#submit_approve_access")
	}
	p.on["button#submit_approve_access"] = func(p *fakePage) {
		p.show(testCallback + "?code=ABC123&scope=https://mail.google.com/")
	}
	return p
}

func fastTimings() Timings {
	return Timings{
		Navigation:     time.Second,
		Settle:         time.Millisecond,
		Field:          50 * time.Millisecond,
		Matcher:        10 * time.Millisecond,
		EmailSettle:    time.Millisecond,
		PasswordSettle: time.Millisecond,
		Verification:   200 * time.Millisecond,
		Consent:        30 * time.Millisecond,
		Callback:       60 * time.Millisecond,
		SuccessGrace:   time.Millisecond,
		Poll:           2 * time.Millisecond,
	}
}

func containsAll(haystack []string, needles ...string) bool {
	joined := strings.Join(haystack, "\n")
	for _, n := range needles {
		if !strings.Contains(joined, n) {
			return false
		}
	}
	return true
}
