// Package browser wraps go-rod for the rendered-page tasks: scrape.rendered,
// form.submit, and email.click_verify. One browser process is shared; each
// render gets its own page. The runner sees synchronous calls.
package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

const desktopUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Config controls browser behaviour.
type Config struct {
	Headless       bool
	Stealth        bool
	ProxyURL       string
	DefaultTimeout time.Duration
}

// Browser is a live Chromium connection.
type Browser struct {
	browser *rod.Browser
	cfg     Config
	logger  *zap.Logger
}

// New launches Chromium and connects.
func New(cfg Config, logger *zap.Logger) (*Browser, error) {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 15 * time.Second
	}

	l := launcher.New().Headless(cfg.Headless)
	if cfg.ProxyURL != "" {
		l = l.Proxy(cfg.ProxyURL)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	return &Browser{browser: b, cfg: cfg, logger: logger}, nil
}

// Close shuts the browser down.
func (b *Browser) Close() error {
	if b.browser == nil {
		return nil
	}
	return b.browser.Close()
}

// Action is one scripted interaction on a rendered page.
type Action struct {
	Type     string `json:"type"` // fill, click, wait
	Selector string `json:"selector"`
	Value    string `json:"value,omitempty"`
}

// RenderRequest describes one rendered fetch.
type RenderRequest struct {
	URL        string
	WaitFor    string
	Actions    []Action
	Screenshot bool
	Timeout    time.Duration
}

// RenderResult is the outcome of a rendered fetch.
type RenderResult struct {
	URL           string `json:"url"`
	FinalURL      string `json:"final_url"`
	Title         string `json:"title"`
	HTML          string `json:"html"`
	ScreenshotPNG []byte `json:"-"`
}

// TimeoutError marks a navigation or selector deadline; transient.
type TimeoutError struct {
	msg string
}

func (e *TimeoutError) Error() string { return e.msg }

// SelectorNotFoundError marks a missing wait-for selector; not transient.
type SelectorNotFoundError struct {
	Selector string
}

func (e *SelectorNotFoundError) Error() string {
	return fmt.Sprintf("selector not found: %s", e.Selector)
}

// Render navigates, optionally waits for a selector, runs the action
// sequence, and captures HTML (and a screenshot when asked).
func (b *Browser) Render(ctx context.Context, req RenderRequest) (*RenderResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = b.cfg.DefaultTimeout
	}

	page, err := b.browser.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	defer page.Close()

	if b.cfg.Stealth {
		_ = proto.NetworkSetUserAgentOverride{UserAgent: desktopUserAgent}.Call(page)
	}

	if err := page.Timeout(timeout).Navigate(req.URL); err != nil {
		return nil, wrapNavError(req.URL, err)
	}
	if err := page.Timeout(timeout).WaitLoad(); err != nil {
		return nil, wrapNavError(req.URL, err)
	}

	if req.WaitFor != "" {
		el, err := page.Timeout(timeout).Element(req.WaitFor)
		if err != nil || el == nil {
			return nil, &SelectorNotFoundError{Selector: req.WaitFor}
		}
	}

	for _, action := range req.Actions {
		if err := b.runAction(page, action, timeout); err != nil {
			return nil, err
		}
	}

	html, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("read page html: %w", err)
	}
	info, err := page.Info()
	if err != nil {
		return nil, fmt.Errorf("read page info: %w", err)
	}

	result := &RenderResult{
		URL:      req.URL,
		FinalURL: info.URL,
		Title:    info.Title,
		HTML:     html,
	}
	if req.Screenshot {
		png, err := page.Screenshot(true, nil)
		if err != nil {
			b.logger.Warn("screenshot failed", zap.String("url", req.URL), zap.Error(err))
		} else {
			result.ScreenshotPNG = png
		}
	}
	return result, nil
}

func (b *Browser) runAction(page *rod.Page, action Action, timeout time.Duration) error {
	switch action.Type {
	case "fill":
		el, err := page.Timeout(timeout).Element(action.Selector)
		if err != nil {
			return &SelectorNotFoundError{Selector: action.Selector}
		}
		return el.Input(action.Value)
	case "click":
		el, err := page.Timeout(timeout).Element(action.Selector)
		if err != nil {
			return &SelectorNotFoundError{Selector: action.Selector}
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return fmt.Errorf("click %s: %w", action.Selector, err)
		}
		_ = page.Timeout(timeout).WaitLoad()
		return nil
	case "wait":
		d, err := time.ParseDuration(action.Value)
		if err != nil || d <= 0 || d > timeout {
			d = time.Second
		}
		time.Sleep(d)
		return nil
	default:
		return fmt.Errorf("unknown action type %q", action.Type)
	}
}

func wrapNavError(url string, err error) error {
	if strings.Contains(err.Error(), "context deadline exceeded") ||
		strings.Contains(err.Error(), "timeout") {
		return &TimeoutError{msg: fmt.Sprintf("navigate %s: %v", url, err)}
	}
	return fmt.Errorf("navigate %s: %w", url, err)
}
