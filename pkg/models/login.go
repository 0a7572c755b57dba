package models

import "time"

// LoginStatus is the caller-facing outcome of a login round.
type LoginStatus string

const (
	StatusVerified        LoginStatus = "verified"
	StatusCaptchaRequired LoginStatus = "captcha_required"
	StatusFailed          LoginStatus = "failed"
	StatusTimedOut        LoginStatus = "timed_out"
	// StatusUnknownPostRedirect means the portal redirected somewhere the
	// affordance check does not recognize: not logged in, not an error
	// page, not a CAPTCHA retry. Distinct from a CAPTCHA failure so
	// callers don't re-prompt for a CAPTCHA that isn't the problem.
	StatusUnknownPostRedirect LoginStatus = "unknown_post_redirect"
)

// LoginRequest is the payload for POST /v1/login.
type LoginRequest struct {
	Username      string `json:"username"`
	Password      string `json:"password"`
	CaptchaAnswer string `json:"captchaAnswer,omitempty"`
	// AttemptID resumes a handshake previously parked in
	// captcha_required. Empty starts a new handshake.
	AttemptID string `json:"attemptId,omitempty"`
}

// LoginResponse reports one login round. CaptchaImage is base64 PNG and
// is set whenever the caller is being offered a (fresh) challenge.
type LoginResponse struct {
	Status       LoginStatus `json:"status"`
	SessionID    string      `json:"sessionId,omitempty"`
	ExpiresAt    *time.Time  `json:"expiresAt,omitempty"`
	AttemptID    string      `json:"attemptId,omitempty"`
	CaptchaImage string      `json:"captchaImage,omitempty"`
	Reason       string      `json:"reason,omitempty"`
}

// RestoreStatus is the typed outcome of a session restore.
type RestoreStatus string

const (
	RestoreOK               RestoreStatus = "restored"
	RestoreExpired          RestoreStatus = "expired"
	RestoreNotFound         RestoreStatus = "not_found"
	RestoreFailed           RestoreStatus = "restore_failed"
	RestoreValidationFailed RestoreStatus = "validation_failed"
)

// RestoreResponse reports a session restore round trip.
type RestoreResponse struct {
	Status    RestoreStatus `json:"status"`
	SessionID string        `json:"sessionId,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// PortalHealth reports which login-form affordances resolved during a
// health probe of the login surface.
type PortalHealth struct {
	Reachable      bool   `json:"reachable"`
	Title          string `json:"title,omitempty"`
	URL            string `json:"url,omitempty"`
	UsernameField  bool   `json:"usernameField"`
	PasswordField  bool   `json:"passwordField"`
	CaptchaPresent bool   `json:"captchaPresent"`
	Error          string `json:"error,omitempty"`
}

// OperationRecord is one entry in the operation history.
type OperationRecord struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Outcome   string    `json:"outcome"`
	SessionID string    `json:"sessionId,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	Duration  int64     `json:"durationMs"`
}
