package models

import "time"

// LoginMethod tags how a session was obtained.
type LoginMethod string

const (
	// LoginInteractive means the negotiator drove the full handshake,
	// with the caller supplying the CAPTCHA answer.
	LoginInteractive LoginMethod = "interactive"
	// LoginManual means a human completed the whole form in the browser.
	LoginManual LoginMethod = "manual"
	// LoginAssisted means credentials were auto-filled and a human
	// finished the CAPTCHA and submit.
	LoginAssisted LoginMethod = "assisted"
	// LoginRevalidated means an existing session was restored and
	// re-verified rather than created by a fresh handshake.
	LoginRevalidated LoginMethod = "revalidated"
)

// Cookie is one browser cookie captured from an authenticated context.
// Expires is a Unix timestamp in seconds; -1 means a session cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// SessionRecord is the durable snapshot of an authenticated browser
// session: cookies, both page storage scopes, and enough metadata to
// replay them onto a fresh browser instance. Records are written exactly
// once, when a login handshake reaches a verified state, and removed by
// the expiry sweep.
type SessionRecord struct {
	ID             string            `json:"id"`
	CreatedAt      time.Time         `json:"createdAt"`
	ExpiresAt      time.Time         `json:"expiresAt"`
	Cookies        []Cookie          `json:"cookies"`
	LocalStorage   map[string]string `json:"localStorage"`
	SessionStorage map[string]string `json:"sessionStorage"`
	LastURL        string            `json:"lastUrl"`
	UserAgent      string            `json:"userAgent"`
	LoginMethod    LoginMethod       `json:"loginMethod"`
	IsActive       bool              `json:"isActive"`
}

// IsExpired reports whether the record's lifetime has passed.
func (r *SessionRecord) IsExpired() bool {
	return r.ExpiredAt(time.Now())
}

// ExpiredAt reports whether the record is expired relative to now.
func (r *SessionRecord) ExpiredAt(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// TimeRemaining returns the time left before expiry, or zero if expired.
func (r *SessionRecord) TimeRemaining() time.Duration {
	remaining := time.Until(r.ExpiresAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Summary reduces a record to the fields callers list sessions by.
func (r *SessionRecord) Summary() SessionSummary {
	return SessionSummary{
		ID:          r.ID,
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
		Expired:     r.IsExpired(),
		LoginMethod: r.LoginMethod,
		LastURL:     r.LastURL,
		IsActive:    r.IsActive,
	}
}

// SessionSummary is the listing view of a stored session.
type SessionSummary struct {
	ID          string      `json:"id"`
	CreatedAt   time.Time   `json:"createdAt"`
	ExpiresAt   time.Time   `json:"expiresAt"`
	Expired     bool        `json:"expired"`
	LoginMethod LoginMethod `json:"loginMethod"`
	LastURL     string      `json:"lastUrl"`
	IsActive    bool        `json:"isActive"`
}

// SessionsOverview aggregates the stored sessions for the summary endpoint.
type SessionsOverview struct {
	Total    int    `json:"total"`
	Active   int    `json:"active"`
	Expired  int    `json:"expired"`
	LatestID string `json:"latestId,omitempty"`
}
