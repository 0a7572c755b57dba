// Package session owns session records end to end: capturing them from
// a verified browser, replaying them onto a fresh one, and the manager
// facade the API layer talks to.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shehryarbajwa/portalgate/internal/driver"
	"github.com/shehryarbajwa/portalgate/internal/selector"
	"github.com/shehryarbajwa/portalgate/pkg/models"
)

var (
	// ErrSessionExpired is the typed restore result for a record past
	// its TTL. No driver call is made once expiry is detected.
	ErrSessionExpired = errors.New("session: expired")
	// ErrValidationFailed means a restore replayed cleanly but the page
	// does not show an authenticated surface. Callers treat it like an
	// expired session.
	ErrValidationFailed = errors.New("session: restored state is not authenticated")
)

// Lifecycle captures live browser sessions into records and replays
// records onto fresh drivers. It holds no per-session state.
type Lifecycle struct {
	table  *selector.Table
	logger *slog.Logger
}

// NewLifecycle builds a Lifecycle using table for affordance checks.
func NewLifecycle(table *selector.Table, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{table: table, logger: logger}
}

// Capture snapshots the driver's authenticated state into a new record
// with the given TTL. Callers only invoke this after a verified login.
func (l *Lifecycle) Capture(drv driver.Driver, method models.LoginMethod, ttl time.Duration) (*models.SessionRecord, error) {
	cookies, err := drv.Cookies()
	if err != nil {
		return nil, err
	}
	local, err := drv.ReadStorage(driver.ScopeLocal)
	if err != nil {
		return nil, err
	}
	session, err := drv.ReadStorage(driver.ScopeSession)
	if err != nil {
		return nil, err
	}
	ua, err := drv.UserAgent()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &models.SessionRecord{
		ID:             uuid.NewString(),
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		Cookies:        cookies,
		LocalStorage:   local,
		SessionStorage: session,
		LastURL:        drv.CurrentURL(),
		UserAgent:      ua,
		LoginMethod:    method,
		IsActive:       true,
	}
	l.logger.Info("session captured",
		"session_id", rec.ID,
		"method", method,
		"cookies", len(cookies),
		"expires_at", rec.ExpiresAt)
	return rec, nil
}

// Restore replays rec onto drv: cookies first, then navigation to the
// recorded URL, then both storage scopes, then a forced reload so the
// portal's client-side code re-reads the injected state. It does not
// judge authentication; Validate does.
func (l *Lifecycle) Restore(ctx context.Context, rec *models.SessionRecord, drv driver.Driver) error {
	if rec.IsExpired() {
		return ErrSessionExpired
	}
	if err := drv.SetCookies(rec.Cookies); err != nil {
		return err
	}
	if err := drv.Navigate(ctx, rec.LastURL); err != nil {
		return err
	}
	if err := drv.WriteStorage(driver.ScopeLocal, rec.LocalStorage); err != nil {
		return err
	}
	if err := drv.WriteStorage(driver.ScopeSession, rec.SessionStorage); err != nil {
		return err
	}
	return drv.Reload(ctx)
}

// Validate reports whether the driver's current page is authenticated:
// off the login route and showing a logged-in affordance.
func (l *Lifecycle) Validate(drv driver.Driver) (bool, error) {
	if strings.Contains(strings.ToLower(drv.CurrentURL()), "login") {
		return false, nil
	}
	_, found, err := l.table.Probe(drv, selector.LoggedIn)
	if err != nil {
		return false, err
	}
	return found, nil
}
