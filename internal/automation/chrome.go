package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/chromedp/chromedp"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// ChromeLauncher starts Chrome through the DevTools protocol. Every launch
// gets a fresh profile directory, so no cookies carry over between accounts.
type ChromeLauncher struct {
	ExecPath  string
	Headless  bool
	UserAgent string
}

var _ Launcher = (*ChromeLauncher)(nil)

func (l *ChromeLauncher) Launch(ctx context.Context) (Browser, error) {
	profile, err := os.MkdirTemp("", "mailbroker-chrome-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create browser profile: %w", err)
	}

	ua := l.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.NoSandbox,
		chromedp.UserDataDir(profile),
		chromedp.WindowSize(1280, 1024),
		chromedp.UserAgent(ua),
		chromedp.Flag("incognito", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-extensions", true),
	}
	if l.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if path := FindChrome(l.ExecPath); path != "" {
		opts = append(opts, chromedp.ExecPath(path))
	}

	// The browser outlives the launch call, so it hangs off Background.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	b := &chromeBrowser{
		tab:         tabCtx,
		cancelTab:   cancelTab,
		cancelAlloc: cancelAlloc,
		profile:     profile,
	}

	stop := context.AfterFunc(ctx, func() { _ = b.Close() })
	defer stop()
	if err := chromedp.Run(tabCtx); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("failed to start chrome: %w", err)
	}
	return b, nil
}

// FindChrome returns configured if set, otherwise the first Chrome or
// Chromium executable found in the usual places. An empty result lets
// chromedp do its own lookup.
func FindChrome(configured string) string {
	if configured != "" {
		return configured
	}
	var candidates []string
	switch runtime.GOOS {
	case "darwin":
		candidates = []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
		}
	case "windows":
		for _, env := range []string{"ProgramFiles", "ProgramFiles(x86)", "LocalAppData"} {
			if dir := os.Getenv(env); dir != "" {
				candidates = append(candidates, filepath.Join(dir, "Google", "Chrome", "Application", "chrome.exe"))
			}
		}
	default:
		for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser"} {
			if path, err := exec.LookPath(name); err == nil {
				return path
			}
		}
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

type chromeBrowser struct {
	tab         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	profile     string
	once        sync.Once
}

func (b *chromeBrowser) Page() Page { return &chromePage{tab: b.tab} }

// Close kills the browser process and removes its profile.
func (b *chromeBrowser) Close() error {
	var err error
	b.once.Do(func() {
		b.cancelTab()
		b.cancelAlloc()
		err = os.RemoveAll(b.profile)
	})
	return err
}

type chromePage struct {
	tab context.Context
}

// run executes actions on the tab, bounded by ctx's deadline and
// cancellation. Canceling ctx does not close the tab.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	opCtx, cancel := context.WithCancel(p.tab)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		opCtx, cancelDeadline = context.WithDeadline(opCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(opCtx, actions...)
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *chromePage) WaitVisible(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (p *chromePage) Exists(ctx context.Context, selector string) (bool, error) {
	var ok bool
	err := p.run(ctx, chromedp.Evaluate(fmt.Sprintf(`document.querySelector(%s) !== null`, jsString(selector)), &ok))
	return ok, err
}

func (p *chromePage) SendKeys(ctx context.Context, selector, text string) error {
	return p.run(ctx, chromedp.SendKeys(selector, text, chromedp.ByQuery))
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.Click(selector, chromedp.ByQuery))
}

const clickTextJS = `(() => {
	const want = %s;
	for (const el of document.querySelectorAll(%s)) {
		const text = (el.innerText || el.value || "").trim();
		if (text.includes(want)) { el.click(); return true; }
	}
	return false;
})()`

func (p *chromePage) ClickText(ctx context.Context, selector, text string) (bool, error) {
	var ok bool
	err := p.run(ctx, chromedp.Evaluate(fmt.Sprintf(clickTextJS, jsString(text), jsString(selector)), &ok))
	return ok, err
}

const textJS = `(() => {
	const el = document.querySelector(%s);
	return el ? el.innerText : "";
})()`

func (p *chromePage) Text(ctx context.Context, selector string) (string, error) {
	var text string
	err := p.run(ctx, chromedp.Evaluate(fmt.Sprintf(textJS, jsString(selector)), &text))
	return text, err
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	var url string
	err := p.run(ctx, chromedp.Location(&url))
	return url, err
}

func (p *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, chromedp.FullScreenshot(&buf, 100))
	return buf, err
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
