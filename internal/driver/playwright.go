package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/shehryarbajwa/portalgate/pkg/models"
)

// pwDriver implements Driver on top of one Playwright browser, context
// and page. Close tears them down innermost first.
type pwDriver struct {
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
	timeout time.Duration
}

var _ Driver = (*pwDriver)(nil)

func (d *pwDriver) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts := playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   playwright.Float(float64(d.timeout.Milliseconds())),
	}
	if _, err := d.page.Goto(url, opts); err != nil {
		return Errorf("navigate", err)
	}
	return nil
}

func (d *pwDriver) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts := playwright.PageReloadOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   playwright.Float(float64(d.timeout.Milliseconds())),
	}
	if _, err := d.page.Reload(opts); err != nil {
		return Errorf("reload", err)
	}
	return nil
}

func (d *pwDriver) FindFirst(selectors ...string) (Element, bool, error) {
	for _, sel := range selectors {
		handle, err := d.page.QuerySelector(sel)
		if err != nil {
			// Malformed selectors in the policy table are a programming
			// error; surface them instead of skipping silently.
			return nil, false, Errorf("query "+sel, err)
		}
		if handle != nil {
			return &pwElement{handle: handle}, true, nil
		}
	}
	return nil, false, nil
}

func (d *pwDriver) CurrentURL() string {
	return d.page.URL()
}

func (d *pwDriver) Title() (string, error) {
	title, err := d.page.Title()
	if err != nil {
		return "", Errorf("title", err)
	}
	return title, nil
}

func (d *pwDriver) UserAgent() (string, error) {
	v, err := d.page.Evaluate("() => navigator.userAgent")
	if err != nil {
		return "", Errorf("user agent", err)
	}
	ua, _ := v.(string)
	return ua, nil
}

func (d *pwDriver) Cookies() ([]models.Cookie, error) {
	raw, err := d.context.Cookies()
	if err != nil {
		return nil, Errorf("read cookies", err)
	}
	cookies := make([]models.Cookie, 0, len(raw))
	for _, c := range raw {
		cookie := models.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		}
		if c.SameSite != nil {
			cookie.SameSite = string(*c.SameSite)
		}
		cookies = append(cookies, cookie)
	}
	return cookies, nil
}

func (d *pwDriver) SetCookies(cookies []models.Cookie) error {
	out := make([]playwright.OptionalCookie, 0, len(cookies))
	for _, c := range cookies {
		oc := playwright.OptionalCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   playwright.String(c.Domain),
			Path:     playwright.String(c.Path),
			HttpOnly: playwright.Bool(c.HTTPOnly),
			Secure:   playwright.Bool(c.Secure),
		}
		if c.Expires != 0 {
			oc.Expires = playwright.Float(c.Expires)
		}
		if ss := sameSiteAttr(c.SameSite); ss != nil {
			oc.SameSite = ss
		}
		out = append(out, oc)
	}
	if err := d.context.AddCookies(out); err != nil {
		return Errorf("set cookies", err)
	}
	return nil
}

func sameSiteAttr(s string) *playwright.SameSiteAttribute {
	switch s {
	case "Strict":
		return playwright.SameSiteAttributeStrict
	case "Lax":
		return playwright.SameSiteAttributeLax
	case "None":
		return playwright.SameSiteAttributeNone
	}
	return nil
}

// storage snapshot/injection scripts. Reads tolerate access errors (the
// portal can sandbox storage on some pages) by returning what was
// readable rather than failing the capture.
const readStorageJS = `(scope) => {
	const out = {};
	try {
		const s = window[scope];
		for (let i = 0; i < s.length; i++) {
			const k = s.key(i);
			out[k] = s.getItem(k);
		}
	} catch (e) {}
	return out;
}`

const writeStorageJS = `(arg) => {
	const s = window[arg.scope];
	for (const [k, v] of Object.entries(arg.values)) {
		try { s.setItem(k, v); } catch (e) {}
	}
}`

func (d *pwDriver) ReadStorage(scope Scope) (map[string]string, error) {
	v, err := d.page.Evaluate(readStorageJS, string(scope))
	if err != nil {
		return nil, Errorf("read "+string(scope), err)
	}
	values := make(map[string]string)
	if m, ok := v.(map[string]interface{}); ok {
		for k, item := range m {
			if s, ok := item.(string); ok {
				values[k] = s
			}
		}
	}
	return values, nil
}

func (d *pwDriver) WriteStorage(scope Scope, values map[string]string) error {
	arg := map[string]interface{}{"scope": string(scope), "values": values}
	if _, err := d.page.Evaluate(writeStorageJS, arg); err != nil {
		return Errorf("write "+string(scope), err)
	}
	return nil
}

func (d *pwDriver) Screenshot() ([]byte, error) {
	data, err := d.page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(true),
	})
	if err != nil {
		return nil, Errorf("screenshot", err)
	}
	return data, nil
}

func (d *pwDriver) Wait(ctx context.Context, dur time.Duration) error {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d *pwDriver) Close() error {
	// Best-effort teardown; a dead page must not keep the browser alive.
	_ = d.page.Close()
	_ = d.context.Close()
	if err := d.browser.Close(); err != nil {
		return fmt.Errorf("closing browser: %w", err)
	}
	return nil
}

// pwElement adapts a Playwright element handle to Element.
type pwElement struct {
	handle playwright.ElementHandle
}

func (e *pwElement) Fill(text string) error {
	if err := e.handle.Fill(text); err != nil {
		return Errorf("fill", err)
	}
	return nil
}

func (e *pwElement) IsVisible() bool {
	visible, err := e.handle.IsVisible()
	if err != nil {
		return false
	}
	return visible
}

func (e *pwElement) Text() (string, error) {
	text, err := e.handle.TextContent()
	if err != nil {
		return "", Errorf("text content", err)
	}
	return text, nil
}

func (e *pwElement) Screenshot() ([]byte, error) {
	data, err := e.handle.Screenshot()
	if err != nil {
		return nil, Errorf("element screenshot", err)
	}
	return data, nil
}
