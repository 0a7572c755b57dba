// Package drivertest provides a scripted in-memory Driver for tests.
// Waits return instantly, so polling loops run at full speed with a
// deterministic tick count.
package drivertest

import (
	"context"
	"sync"
	"time"

	"github.com/shehryarbajwa/portalgate/internal/driver"
	"github.com/shehryarbajwa/portalgate/pkg/models"
)

// FakeElement is a scripted page element.
type FakeElement struct {
	Visible bool
	Content string
	PNG     []byte
	FillErr error

	mu     sync.Mutex
	filled []string
}

var _ driver.Element = (*FakeElement)(nil)

func (e *FakeElement) Fill(text string) error {
	if e.FillErr != nil {
		return e.FillErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.filled = append(e.filled, text)
	return nil
}

// Filled returns every value written to the element, in order.
func (e *FakeElement) Filled() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.filled...)
}

func (e *FakeElement) IsVisible() bool { return e.Visible }

func (e *FakeElement) Text() (string, error) { return e.Content, nil }

func (e *FakeElement) Screenshot() ([]byte, error) { return e.PNG, nil }

// FakeDriver is a Driver whose page state tests mutate directly, either
// up front or per poll tick via OnWait.
type FakeDriver struct {
	mu sync.Mutex

	// URL is what CurrentURL reports; change it to simulate a redirect.
	URL string
	// Elements maps a selector to its element. FindFirst consults this
	// map for each candidate selector in order.
	Elements map[string]*FakeElement

	PageTitle string
	UA        string
	CookieJar []models.Cookie
	Local     map[string]string
	Session   map[string]string
	PNG       []byte

	NavErr    error
	ReloadErr error

	// OnWait runs after each Wait call with the 1-based tick number,
	// letting a test flip the page state at an exact tick.
	OnWait func(tick int)

	navigations []string
	reloads     int
	waits       int
	closed      bool
}

var _ driver.Driver = (*FakeDriver)(nil)

// New returns a FakeDriver parked on url with no elements.
func New(url string) *FakeDriver {
	return &FakeDriver{
		URL:      url,
		Elements: make(map[string]*FakeElement),
		Local:    make(map[string]string),
		Session:  make(map[string]string),
	}
}

// SetElement installs el under selector.
func (d *FakeDriver) SetElement(selector string, el *FakeElement) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Elements[selector] = el
}

// RemoveElement drops the element registered under selector.
func (d *FakeDriver) RemoveElement(selector string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.Elements, selector)
}

// SetURL changes what CurrentURL reports.
func (d *FakeDriver) SetURL(url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.URL = url
}

func (d *FakeDriver) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.NavErr != nil {
		return d.NavErr
	}
	d.navigations = append(d.navigations, url)
	d.URL = url
	return nil
}

func (d *FakeDriver) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ReloadErr != nil {
		return d.ReloadErr
	}
	d.reloads++
	return nil
}

func (d *FakeDriver) FindFirst(selectors ...string) (driver.Element, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sel := range selectors {
		if el, ok := d.Elements[sel]; ok {
			return el, true, nil
		}
	}
	return nil, false, nil
}

func (d *FakeDriver) CurrentURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.URL
}

func (d *FakeDriver) Title() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.PageTitle, nil
}

func (d *FakeDriver) UserAgent() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.UA, nil
}

func (d *FakeDriver) Cookies() ([]models.Cookie, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.Cookie(nil), d.CookieJar...), nil
}

func (d *FakeDriver) SetCookies(cookies []models.Cookie) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CookieJar = append(d.CookieJar, cookies...)
	return nil
}

func (d *FakeDriver) ReadStorage(scope driver.Scope) (map[string]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	src := d.Local
	if scope == driver.ScopeSession {
		src = d.Session
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out, nil
}

func (d *FakeDriver) WriteStorage(scope driver.Scope, values map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dst := d.Local
	if scope == driver.ScopeSession {
		dst = d.Session
	}
	for k, v := range values {
		dst[k] = v
	}
	return nil
}

func (d *FakeDriver) Screenshot() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.PNG, nil
}

func (d *FakeDriver) Wait(ctx context.Context, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	d.waits++
	tick := d.waits
	hook := d.OnWait
	d.mu.Unlock()
	if hook != nil {
		hook(tick)
	}
	return nil
}

func (d *FakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Navigations returns every URL passed to Navigate.
func (d *FakeDriver) Navigations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.navigations...)
}

// Reloads returns how many times Reload was called.
func (d *FakeDriver) Reloads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reloads
}

// Waits returns how many poll ticks ran.
func (d *FakeDriver) Waits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waits
}

// Closed reports whether Close was called.
func (d *FakeDriver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
