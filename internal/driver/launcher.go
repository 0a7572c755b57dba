package driver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/shehryarbajwa/portalgate/internal/config"
)

// Launcher owns the Playwright runtime and hands out isolated Drivers.
// One Launcher serves the whole process; each Launch call gets its own
// browser instance so sessions never share cookies or storage.
type Launcher struct {
	pw     *playwright.Playwright
	cfg    *config.Config
	logger *slog.Logger
}

// NewLauncher starts the Playwright runtime, installing browser
// binaries first when the config asks for it.
func NewLauncher(cfg *config.Config, logger *slog.Logger) (*Launcher, error) {
	if cfg.InstallBrowsers {
		opts := &playwright.RunOptions{Browsers: []string{cfg.BrowserType}}
		if err := playwright.Install(opts); err != nil {
			return nil, fmt.Errorf("installing browsers: %w", err)
		}
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("starting playwright: %w", err)
	}
	return &Launcher{pw: pw, cfg: cfg, logger: logger}, nil
}

// Launch starts a fresh browser, context and page.
func (l *Launcher) Launch(ctx context.Context) (Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	browserType := l.browserType()
	browser, err := browserType.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(l.cfg.Headless),
		SlowMo:   playwright.Float(float64(l.cfg.SlowMo.Milliseconds())),
	})
	if err != nil {
		return nil, Errorf("launch browser", err)
	}

	browserCtx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: 1366, Height: 768},
	})
	if err != nil {
		_ = browser.Close()
		return nil, Errorf("new context", err)
	}

	page, err := browserCtx.NewPage()
	if err != nil {
		_ = browserCtx.Close()
		_ = browser.Close()
		return nil, Errorf("new page", err)
	}
	page.SetDefaultTimeout(float64(l.cfg.NavTimeout.Milliseconds()))

	l.logger.Debug("browser launched",
		"browser", l.cfg.BrowserType,
		"headless", l.cfg.Headless,
		"took", time.Since(start))

	return &pwDriver{
		browser: browser,
		context: browserCtx,
		page:    page,
		timeout: l.cfg.NavTimeout,
	}, nil
}

// browserType maps the configured name to a runtime handle, falling
// back to Chromium for anything the config validator didn't catch.
func (l *Launcher) browserType() playwright.BrowserType {
	switch l.cfg.BrowserType {
	case "firefox":
		return l.pw.Firefox
	case "webkit":
		return l.pw.WebKit
	default:
		return l.pw.Chromium
	}
}

// Close stops the Playwright runtime. Drivers already handed out keep
// their own browser processes and must be closed by their owners.
func (l *Launcher) Close() error {
	if err := l.pw.Stop(); err != nil {
		return fmt.Errorf("stopping playwright: %w", err)
	}
	return nil
}
