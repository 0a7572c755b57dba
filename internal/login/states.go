package login

import "time"

// State is one position in the login handshake.
type State string

const (
	// StateInit is the sole initial state; nothing has touched the page.
	StateInit State = "init"
	// StateCredentialsFilled means username and password are entered.
	StateCredentialsFilled State = "credentials_filled"
	// StateCaptchaRequired is the handshake's single external suspension
	// point: a challenge image has been captured and the attempt is
	// parked until the caller supplies an answer.
	StateCaptchaRequired State = "captcha_required"
	// StateCaptchaAnswered means the caller's answer arrived and the
	// token-refresh reload is about to run.
	StateCaptchaAnswered State = "captcha_answered"
	// StateCredentialsRefilled means the post-reload refill completed and
	// the normalized answer has been entered.
	StateCredentialsRefilled State = "credentials_refilled"
	// StateAwaitingRedirect is the bounded poll watching for the URL to
	// leave the login route.
	StateAwaitingRedirect State = "awaiting_redirect"
	// StateAwaitingManual is the longer poll used while a human drives
	// the form directly.
	StateAwaitingManual State = "awaiting_manual"

	// Terminal states.
	StateVerified State = "verified"
	StateFailed   State = "failed"
	StateTimedOut State = "timed_out"
)

// Terminal reports whether s ends the handshake.
func (s State) Terminal() bool {
	switch s {
	case StateVerified, StateFailed, StateTimedOut:
		return true
	}
	return false
}

// Event is one state transition, published to progress watchers.
type Event struct {
	State  State     `json:"state"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}
