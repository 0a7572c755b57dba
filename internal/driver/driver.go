// Package driver defines the browser automation capability the core
// depends on, and its Playwright-backed implementation. Components above
// this package never import the automation library directly.
package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/shehryarbajwa/portalgate/pkg/models"
)

// Scope selects one of the page's two key-value storage areas.
type Scope string

const (
	ScopeLocal   Scope = "localStorage"
	ScopeSession Scope = "sessionStorage"
)

// Element is an opaque handle to a located page element.
type Element interface {
	// Fill replaces the element's value with text.
	Fill(text string) error
	// IsVisible reports whether the element is rendered and visible.
	IsVisible() bool
	// Text returns the element's visible text content.
	Text() (string, error)
	// Screenshot captures just this element as PNG bytes.
	Screenshot() ([]byte, error)
}

// Driver is one isolated browser context plus its page. Each login or
// restore operation owns exactly one Driver for its lifetime and must
// Close it on every exit path.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	// Reload reloads the current page. The portal's anti-forgery token
	// regenerates on reload, so callers treat this as invalidating any
	// previously filled form state.
	Reload(ctx context.Context) error
	// FindFirst returns a handle to the first element matching any of
	// the selectors, tried in order. found is false when none match;
	// that is not an error.
	FindFirst(selectors ...string) (el Element, found bool, err error)
	CurrentURL() string
	Title() (string, error)
	UserAgent() (string, error)
	Cookies() ([]models.Cookie, error)
	SetCookies(cookies []models.Cookie) error
	ReadStorage(scope Scope) (map[string]string, error)
	WriteStorage(scope Scope, values map[string]string) error
	// Screenshot captures the full page as PNG bytes.
	Screenshot() ([]byte, error)
	// Wait blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case. Every poll tick in the core goes through Wait so a
	// caller deadline aborts the poll rather than the sleep.
	Wait(ctx context.Context, d time.Duration) error
	Close() error
}

// Error is a driver-level failure annotated with the stage it occurred
// in, so handshake diagnostics name the step rather than the symptom.
type Error struct {
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("driver: %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf wraps err with its stage name.
func Errorf(stage string, err error) error {
	return &Error{Stage: stage, Err: err}
}
