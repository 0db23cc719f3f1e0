package browser

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/png"
	"io"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"

	"page-capture-llm/store"
)

const (
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720
)

// Session owns one headless browser instance and hands out driven pages.
type Session struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	bctx    playwright.BrowserContext
}

type SessionOptions struct {
	Headless bool
	Viewport *playwright.Size
}

// StartSession launches a Chromium instance with a fixed viewport.
func StartSession(opts SessionOptions) (*Session, error) {
	runOpts := &playwright.RunOptions{Verbose: false, Stdout: io.Discard, Stderr: io.Discard}
	if err := playwright.Install(runOpts); err != nil {
		return nil, fmt.Errorf("failed to install playwright: %w", err)
	}
	pw, err := playwright.Run(runOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	b, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{Headless: &opts.Headless})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	viewport := opts.Viewport
	if viewport == nil {
		viewport = &playwright.Size{Width: DefaultViewportWidth, Height: DefaultViewportHeight}
	}
	bctx, err := b.NewContext(playwright.BrowserNewContextOptions{Viewport: viewport})
	if err != nil {
		_ = b.Close()
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	return &Session{pw: pw, browser: b, bctx: bctx}, nil
}

// OpenPage navigates a fresh page to url and returns it as a capture target.
func (s *Session) OpenPage(url string) (Page, error) {
	p, err := s.bctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	if _, err := p.Goto(url, playwright.PageGotoOptions{WaitUntil: playwright.WaitUntilStateLoad}); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("navigation failed: %w", err)
	}
	id := uuid.NewString()
	log.Printf("browser: opened page %s as context %s", url, id)
	return &playwrightPage{page: p, contextID: id}, nil
}

// Close shuts the browser and the Playwright driver down.
func (s *Session) Close() {
	_ = s.bctx.Close()
	_ = s.browser.Close()
	_ = s.pw.Stop()
}

type playwrightPage struct {
	page      playwright.Page
	contextID string
}

func (p *playwrightPage) ContextID() string { return p.contextID }

func (p *playwrightPage) URL() string { return p.page.URL() }

func (p *playwrightPage) Metrics(ctx context.Context) (Metrics, error) {
	raw, err := p.page.Evaluate(metricsScript)
	if err != nil {
		return Metrics{}, translatePageErr(err)
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return Metrics{}, fmt.Errorf("unexpected metrics shape %T", raw)
	}
	return Metrics{
		ViewportWidth:    asInt(m["vw"]),
		ViewportHeight:   asInt(m["vh"]),
		TotalWidth:       asInt(m["tw"]),
		TotalHeight:      asInt(m["th"]),
		ScrollX:          asInt(m["sx"]),
		ScrollY:          asInt(m["sy"]),
		DevicePixelRatio: asFloat(m["dpr"]),
	}, nil
}

func (p *playwrightPage) ScrollTo(ctx context.Context, y int) error {
	_, err := p.page.Evaluate("(y) => window.scrollTo(0, y)", y)
	return translatePageErr(err)
}

func (p *playwrightPage) Screenshot(ctx context.Context) (image.Image, error) {
	data, err := p.page.Screenshot(playwright.PageScreenshotOptions{})
	if err != nil {
		return nil, translatePageErr(err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode screenshot: %w", err)
	}
	return img, nil
}

func (p *playwrightPage) ShowMask(ctx context.Context) error {
	_, err := p.page.Evaluate(maskShowScript)
	return translatePageErr(err)
}

func (p *playwrightPage) HideMask(ctx context.Context) error {
	_, err := p.page.Evaluate(maskHideScript)
	return translatePageErr(err)
}

func (p *playwrightPage) SettleFrames(ctx context.Context, n int) error {
	_, err := p.page.Evaluate(settleFramesScript, n)
	return translatePageErr(err)
}

func (p *playwrightPage) InjectSelector(ctx context.Context) error {
	_, err := p.page.Evaluate(selectorScript)
	return translatePageErr(err)
}

func (p *playwrightPage) RemoveSelector(ctx context.Context) error {
	_, err := p.page.Evaluate(selectorRemoveScript)
	return translatePageErr(err)
}

func (p *playwrightPage) ProbeSelector(ctx context.Context) (bool, error) {
	raw, err := p.page.Evaluate(selectorProbeScript)
	if err != nil {
		return false, translatePageErr(err)
	}
	ready, _ := raw.(bool)
	return ready, nil
}

func (p *playwrightPage) PollSelection(ctx context.Context) (*store.Selection, bool, error) {
	raw, err := p.page.Evaluate(selectorPollScript)
	if err != nil {
		return nil, false, translatePageErr(err)
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil, false, fmt.Errorf("unexpected selection shape %T", raw)
	}
	present, _ := m["present"].(bool)
	if !present {
		return nil, false, nil
	}
	if cancelled, _ := m["cancelled"].(bool); cancelled {
		return nil, true, nil
	}
	return &store.Selection{
		X:      asFloat(m["x"]),
		Y:      asFloat(m["y"]),
		Width:  asFloat(m["width"]),
		Height: asFloat(m["height"]),
	}, true, nil
}

// translatePageErr maps driver errors for a closed or navigated-away page
// onto ErrTargetUnavailable so callers can produce a user-facing message.
func translatePageErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "Target closed") ||
		strings.Contains(msg, "Target page, context or browser has been closed") ||
		strings.Contains(msg, "Execution context was destroyed") {
		return fmt.Errorf("%w: %v", ErrTargetUnavailable, err)
	}
	return err
}

// Evaluate results arrive as int or float64 depending on the value.
func asInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}
