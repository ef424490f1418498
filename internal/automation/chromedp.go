package automation

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	readability "github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
)

const (
	actionTimeout = 60 * time.Second
	maxPageText   = 50000
)

// BrowserDriver drives a Chrome instance as the automation surface. The
// browser is started lazily on first use and survives across actions until
// Close, matching how a desktop session outlives individual actions.
type BrowserDriver struct {
	mu            sync.Mutex
	headless      bool
	appURLs       map[string]string
	allocCtx      context.Context
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
	sanitizer     *bluemonday.Policy
}

func NewBrowserDriver(headless bool, appURLs map[string]string) *BrowserDriver {
	return &BrowserDriver{
		headless:  headless,
		appURLs:   appURLs,
		sanitizer: bluemonday.StrictPolicy(),
	}
}

func (d *BrowserDriver) init(ctx context.Context) (context.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.browserCtx != nil {
		select {
		case <-d.browserCtx.Done():
			d.cleanupLocked()
		default:
			return d.browserCtx, nil
		}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", d.headless),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)

	d.allocCtx, d.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	d.browserCtx, d.browserCancel = chromedp.NewContext(d.allocCtx)

	if err := chromedp.Run(d.browserCtx); err != nil {
		d.cleanupLocked()
		return nil, fmt.Errorf("failed to start browser: %v", err)
	}
	return d.browserCtx, nil
}

func (d *BrowserDriver) cleanupLocked() {
	if d.browserCancel != nil {
		d.browserCancel()
	}
	if d.allocCancel != nil {
		d.allocCancel()
	}
	d.browserCtx = nil
	d.allocCtx = nil
}

func (d *BrowserDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleanupLocked()
	return nil
}

// run executes actions against the live browser with a per-action timeout.
func (d *BrowserDriver) run(ctx context.Context, actions ...chromedp.Action) error {
	browserCtx, err := d.init(ctx)
	if err != nil {
		return err
	}
	actionCtx, cancel := context.WithTimeout(browserCtx, actionTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- chromedp.Run(actionCtx, actions...) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

func (d *BrowserDriver) MoveClick(ctx context.Context, x, y int, button Button) error {
	if button == "" {
		button = ButtonLeft
	}
	return d.run(ctx, chromedp.MouseClickXY(float64(x), float64(y), chromedp.Button(string(button))))
}

func (d *BrowserDriver) SendKeys(ctx context.Context, text string, interval time.Duration) error {
	if interval <= 0 {
		return d.run(ctx, chromedp.KeyEvent(text))
	}
	for _, r := range text {
		if err := d.run(ctx, chromedp.KeyEvent(string(r))); err != nil {
			return err
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *BrowserDriver) PressKey(ctx context.Context, key string, modifiers []string) error {
	opts := []chromedp.KeyOption{}
	if mods := keyModifiers(modifiers); mods != 0 {
		opts = append(opts, chromedp.KeyModifiers(mods))
	}
	return d.run(ctx, chromedp.KeyEvent(namedKey(key), opts...))
}

// Launch opens an application surface: a configured app name, or anything
// that already parses as an absolute URL.
func (d *BrowserDriver) Launch(ctx context.Context, app string) error {
	target, ok := d.appURLs[strings.ToLower(strings.TrimSpace(app))]
	if !ok {
		if u, err := url.Parse(app); err == nil && u.Scheme != "" && u.Host != "" {
			target = app
		} else {
			return fmt.Errorf("unknown application %q", app)
		}
	}
	return d.run(ctx, chromedp.Navigate(target))
}

func (d *BrowserDriver) FocusWindow(ctx context.Context, title string) error {
	browserCtx, err := d.init(ctx)
	if err != nil {
		return err
	}

	infos, err := chromedp.Targets(browserCtx)
	if err != nil {
		return fmt.Errorf("failed to list targets: %v", err)
	}

	want := strings.ToLower(title)
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		if strings.Contains(strings.ToLower(info.Title), want) {
			tctx, cancel := chromedp.NewContext(browserCtx, chromedp.WithTargetID(info.TargetID))
			defer cancel()
			return chromedp.Run(tctx, page.BringToFront())
		}
	}
	return fmt.Errorf("window %q not found", title)
}

func (d *BrowserDriver) Capture(ctx context.Context, region *Region) ([]byte, error) {
	var buf []byte
	var action chromedp.Action
	if region == nil {
		action = chromedp.CaptureScreenshot(&buf)
	} else {
		action = chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			buf, err = page.CaptureScreenshot().
				WithClip(&page.Viewport{
					X:      float64(region.X),
					Y:      float64(region.Y),
					Width:  float64(region.Width),
					Height: float64(region.Height),
					Scale:  1,
				}).
				Do(ctx)
			return err
		})
	}
	if err := d.run(ctx, action); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *BrowserDriver) ListOpenWindows(ctx context.Context) ([]WindowInfo, error) {
	browserCtx, err := d.init(ctx)
	if err != nil {
		return nil, err
	}
	infos, err := chromedp.Targets(browserCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %v", err)
	}
	var windows []WindowInfo
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		windows = append(windows, WindowInfo{ID: string(info.TargetID), Title: info.Title})
	}
	return windows, nil
}

// PageText returns the readable text content of the active page, sanitized
// down to plain text and truncated to a bounded size.
func (d *BrowserDriver) PageText(ctx context.Context) (string, error) {
	var html, location string
	err := d.run(ctx,
		chromedp.Location(&location),
		chromedp.ActionFunc(func(ctx context.Context) error {
			node, err := dom.GetDocument().Do(ctx)
			if err != nil {
				return err
			}
			html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
			return err
		}),
	)
	if err != nil {
		return "", err
	}

	pageURL, err := url.Parse(location)
	if err != nil {
		pageURL = &url.URL{}
	}

	article, err := readability.FromReader(strings.NewReader(html), pageURL)
	if err != nil {
		// Readability rejects pages without article structure; fall back
		// to stripping the raw HTML.
		return truncate(d.sanitizer.Sanitize(html), maxPageText), nil
	}

	return truncate(d.sanitizer.Sanitize(article.TextContent), maxPageText), nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "\n... (truncated)"
	}
	return s
}

func namedKey(key string) string {
	switch strings.ToLower(key) {
	case "enter", "return":
		return kb.Enter
	case "tab":
		return kb.Tab
	case "escape", "esc":
		return kb.Escape
	case "backspace":
		return kb.Backspace
	case "delete":
		return kb.Delete
	case "up":
		return kb.ArrowUp
	case "down":
		return kb.ArrowDown
	case "left":
		return kb.ArrowLeft
	case "right":
		return kb.ArrowRight
	default:
		return key
	}
}

func keyModifiers(names []string) input.Modifier {
	var mods input.Modifier
	for _, name := range names {
		switch strings.ToLower(name) {
		case "alt":
			mods |= input.ModifierAlt
		case "ctrl", "control":
			mods |= input.ModifierCtrl
		case "shift":
			mods |= input.ModifierShift
		case "meta", "cmd", "win":
			mods |= input.ModifierMeta
		}
	}
	return mods
}
