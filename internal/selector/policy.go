// Package selector maps abstract form roles to ordered CSS selector
// chains. The portal's markup drifts between releases, so every role
// carries fallbacks and the first candidate that resolves to a visible
// element wins.
package selector

import (
	"errors"
	"fmt"

	"github.com/shehryarbajwa/portalgate/internal/driver"
)

// ErrFieldNotFound means no candidate for a required role resolved.
var ErrFieldNotFound = errors.New("selector: field not found")

// Purpose names a role an element plays on the login surface.
type Purpose string

const (
	Username     Purpose = "username"
	Password     Purpose = "password"
	CaptchaImage Purpose = "captcha_image"
	CaptchaInput Purpose = "captcha_input"
	Submit       Purpose = "submit"
	ErrorBanner  Purpose = "error_banner"
	LoggedIn     Purpose = "logged_in"
)

// Rule binds one role to its candidate selectors, most specific first.
type Rule struct {
	Purpose    Purpose
	Required   bool
	Candidates []string
}

// Table resolves roles against a live page.
type Table struct {
	rules map[Purpose]Rule
}

// NewTable builds a table from rules. A later rule for the same role
// replaces an earlier one, so callers can extend Default with overrides.
func NewTable(rules ...Rule) *Table {
	t := &Table{rules: make(map[Purpose]Rule, len(rules))}
	for _, r := range rules {
		t.rules[r.Purpose] = r
	}
	return t
}

// Default is the policy for the e-way bill portal's login form.
func Default() *Table {
	return NewTable(
		Rule{
			Purpose:  Username,
			Required: true,
			Candidates: []string{
				"#txt_username",
				"input[name='txt_username']",
				"input[id*='username' i]",
				"input[name*='user' i]",
			},
		},
		Rule{
			Purpose:  Password,
			Required: true,
			Candidates: []string{
				"#txt_password",
				"input[name='txt_password']",
				"input[type='password']",
			},
		},
		Rule{
			Purpose:  CaptchaImage,
			Required: false,
			Candidates: []string{
				"#imgcaptcha",
				"img[id*='captcha' i]",
				"img[src*='captcha' i]",
			},
		},
		Rule{
			Purpose:  CaptchaInput,
			Required: false,
			Candidates: []string{
				"#txtCaptcha",
				"input[name='txtCaptcha']",
				"input[id*='captcha' i]",
			},
		},
		Rule{
			Purpose:  Submit,
			Required: false,
			Candidates: []string{
				"#btnLogin",
				"input[type='submit']",
				"button[type='submit']",
			},
		},
		Rule{
			Purpose:  ErrorBanner,
			Required: false,
			Candidates: []string{
				"[id*='lblError']",
				".validation-summary-errors",
				".alert-danger",
				".error",
			},
		},
		Rule{
			Purpose:  LoggedIn,
			Required: false,
			Candidates: []string{
				"#lnkLogout",
				"a[href*='logout' i]",
				"[id*='welcome' i]",
				".dashboard",
			},
		},
	)
}

// Candidates returns the selector chain for a role, nil if unknown.
func (t *Table) Candidates(p Purpose) []string {
	return t.rules[p].Candidates
}

// Probe returns the first candidate element that exists and is visible.
// found is false when none do; that is only an error for Resolve.
func (t *Table) Probe(d driver.Driver, p Purpose) (driver.Element, bool, error) {
	rule, ok := t.rules[p]
	if !ok {
		return nil, false, fmt.Errorf("selector: no rule for %q", p)
	}
	for _, sel := range rule.Candidates {
		el, found, err := d.FindFirst(sel)
		if err != nil {
			return nil, false, err
		}
		if found && el.IsVisible() {
			return el, true, nil
		}
	}
	return nil, false, nil
}

// Resolve is Probe for roles the caller cannot proceed without.
func (t *Table) Resolve(d driver.Driver, p Purpose) (driver.Element, error) {
	el, found, err := t.Probe(d, p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, p)
	}
	return el, nil
}

// VisibleText returns the text of the first visible candidate for a
// role, for harvesting portal error banners. found is false when no
// candidate is visible or the visible one is empty.
func (t *Table) VisibleText(d driver.Driver, p Purpose) (string, bool, error) {
	el, found, err := t.Probe(d, p)
	if err != nil || !found {
		return "", false, err
	}
	text, err := el.Text()
	if err != nil {
		return "", false, err
	}
	if text == "" {
		return "", false, nil
	}
	return text, true, nil
}
