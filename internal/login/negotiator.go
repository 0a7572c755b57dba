// Package login implements the portal login handshake as an explicit
// state machine over a browser driver, including the CAPTCHA round trip
// and the anti-forgery token refresh the portal demands before a
// CAPTCHA submission.
package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shehryarbajwa/portalgate/internal/driver"
	"github.com/shehryarbajwa/portalgate/internal/selector"
	"github.com/shehryarbajwa/portalgate/pkg/models"
)

// ErrNotSuspended means Resume was called on a handshake that is not
// parked waiting for a CAPTCHA answer.
var ErrNotSuspended = errors.New("login: handshake is not awaiting a captcha answer")

// Credentials are the caller's portal credentials.
type Credentials struct {
	Username string
	Password string
}

// Config bounds the handshake's wait phases.
type Config struct {
	LoginURL     string
	RedirectWait time.Duration
	PollInterval time.Duration
	ManualWait   time.Duration
	ManualPoll   time.Duration
	// MaxRefills bounds how many token-refresh refills one handshake may
	// perform across CAPTCHA rounds.
	MaxRefills int
}

// Result is the outcome of one handshake round. State is where the
// machine stopped; Status is what the caller should act on. The two
// differ when a timeout degrades to a fresh CAPTCHA offer: State is
// StateTimedOut while Status asks for another answer.
type Result struct {
	State     State
	Status    models.LoginStatus
	Challenge []byte
	Reason    string
}

// Negotiator drives one handshake over one driver instance. It is not
// safe for concurrent use; the suspension between a CaptchaRequired
// result and Resume is the only point where ownership may change hands.
type Negotiator struct {
	drv    driver.Driver
	table  *selector.Table
	cfg    Config
	logger *slog.Logger
	notify func(Event)

	state         State
	creds         Credentials
	refills       int
	captchaActive bool
	challenge     []byte
}

// Option configures a Negotiator.
type Option func(*Negotiator)

// WithNotify registers a callback invoked on every state transition.
func WithNotify(fn func(Event)) Option {
	return func(n *Negotiator) { n.notify = fn }
}

// New builds a Negotiator over drv. The driver stays owned by the
// caller; the negotiator never closes it.
func New(drv driver.Driver, table *selector.Table, cfg Config, logger *slog.Logger, opts ...Option) *Negotiator {
	if cfg.MaxRefills <= 0 {
		cfg.MaxRefills = 2
	}
	n := &Negotiator{
		drv:    drv,
		table:  table,
		cfg:    cfg,
		logger: logger,
		state:  StateInit,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// State returns the machine's current state.
func (n *Negotiator) State() State { return n.state }

// Challenge returns the most recently captured CAPTCHA image.
func (n *Negotiator) Challenge() []byte { return n.challenge }

func (n *Negotiator) setState(s State, detail string) {
	n.state = s
	n.logger.Debug("handshake transition", "state", s, "detail", detail)
	if n.notify != nil {
		n.notify(Event{State: s, Detail: detail, At: time.Now().UTC()})
	}
}

// Start runs the handshake from the top. With a CAPTCHA present and no
// answer supplied it parks in StateCaptchaRequired and returns the
// challenge; with an answer it continues straight through the refill.
func (n *Negotiator) Start(ctx context.Context, creds Credentials, answer string) (*Result, error) {
	if res, err := n.begin(ctx, creds); res != nil || err != nil {
		return res, err
	}

	captcha, found, err := n.table.Probe(n.drv, selector.CaptchaImage)
	if err != nil {
		return nil, err
	}
	if !found {
		// No challenge on the form; the portal submits on its own once
		// the fields validate.
		n.setState(StateAwaitingRedirect, "no captcha present")
		return n.awaitRedirect(ctx)
	}

	n.captchaActive = true
	n.challenge, err = captcha.Screenshot()
	if err != nil {
		return nil, driver.Errorf("capture challenge", err)
	}
	if answer == "" {
		n.setState(StateCaptchaRequired, "awaiting caller answer")
		return &Result{
			State:     StateCaptchaRequired,
			Status:    models.StatusCaptchaRequired,
			Challenge: n.challenge,
		}, nil
	}
	return n.submitAnswer(ctx, answer)
}

// Resume continues a handshake parked in StateCaptchaRequired with the
// caller's answer.
func (n *Negotiator) Resume(ctx context.Context, answer string) (*Result, error) {
	if n.state != StateCaptchaRequired {
		return nil, fmt.Errorf("%w (state %s)", ErrNotSuspended, n.state)
	}
	if answer == "" {
		return nil, errors.New("login: captcha answer must not be empty")
	}
	return n.submitAnswer(ctx, answer)
}

// AwaitManualCompletion watches a handshake a human is completing in
// the browser, using the longer wait bound. The caller is responsible
// for having brought the page to the login surface first.
func (n *Negotiator) AwaitManualCompletion(ctx context.Context) (*Result, error) {
	n.setState(StateAwaitingManual, "")
	ticks := int(n.cfg.ManualWait / n.cfg.ManualPoll)
	for i := 0; i < ticks; i++ {
		if err := n.drv.Wait(ctx, n.cfg.ManualPoll); err != nil {
			return n.timedOut("caller deadline exceeded"), nil
		}
		if n.onLoginRoute() {
			continue
		}
		if res, err := n.judgeLanding(); res != nil || err != nil {
			return res, err
		}
	}
	return n.timedOut("manual completion window elapsed"), nil
}

// Prefill navigates to the login surface and fills credentials without
// engaging the CAPTCHA round trip, for assisted flows where a human
// finishes the form. A nil result means the fill succeeded.
func (n *Negotiator) Prefill(ctx context.Context, creds Credentials) (*Result, error) {
	return n.begin(ctx, creds)
}

// Navigate brings the page to the login surface for fully manual flows,
// refreshing it once so the form carries a current anti-forgery token
// before a human starts typing.
func (n *Negotiator) Navigate(ctx context.Context) error {
	if err := n.drv.Navigate(ctx, n.cfg.LoginURL); err != nil {
		return err
	}
	return n.drv.Reload(ctx)
}

// begin covers Init through CredentialsFilled. A non-nil result is
// terminal (required field missing).
func (n *Negotiator) begin(ctx context.Context, creds Credentials) (*Result, error) {
	n.creds = creds
	if err := n.drv.Navigate(ctx, n.cfg.LoginURL); err != nil {
		return nil, err
	}
	if res, err := n.fillCredentials(); res != nil || err != nil {
		return res, err
	}
	n.setState(StateCredentialsFilled, "")
	return nil, nil
}

// fillCredentials locates and fills both credential fields. A missing
// required field is a terminal failure, not an error.
func (n *Negotiator) fillCredentials() (*Result, error) {
	username, err := n.table.Resolve(n.drv, selector.Username)
	if err != nil {
		return n.fieldFailure(err)
	}
	password, err := n.table.Resolve(n.drv, selector.Password)
	if err != nil {
		return n.fieldFailure(err)
	}
	if err := username.Fill(n.creds.Username); err != nil {
		return nil, err
	}
	if err := password.Fill(n.creds.Password); err != nil {
		return nil, err
	}
	return nil, nil
}

func (n *Negotiator) fieldFailure(err error) (*Result, error) {
	if !errors.Is(err, selector.ErrFieldNotFound) {
		return nil, err
	}
	n.setState(StateFailed, err.Error())
	return &Result{State: StateFailed, Status: models.StatusFailed, Reason: err.Error()}, nil
}

// submitAnswer performs the token-refresh reload, the mandatory
// credential refill, and the normalized answer fill. No submit click
// follows; the portal's own script posts the form.
func (n *Negotiator) submitAnswer(ctx context.Context, answer string) (*Result, error) {
	n.setState(StateCaptchaAnswered, "")

	if n.refills >= n.cfg.MaxRefills {
		n.setState(StateFailed, "refill budget exhausted")
		return &Result{
			State:  StateFailed,
			Status: models.StatusFailed,
			Reason: "too many captcha rounds for one handshake",
		}, nil
	}

	// The portal's anti-forgery token regenerates on reload, and a
	// submission with a stale token is rejected outright. Reload first,
	// then re-enter everything the reload cleared.
	if err := n.drv.Reload(ctx); err != nil {
		return nil, err
	}
	n.refills++
	if res, err := n.fillCredentials(); res != nil || err != nil {
		return res, err
	}
	n.setState(StateCredentialsRefilled, "")

	input, found, err := n.table.Probe(n.drv, selector.CaptchaInput)
	if err != nil {
		return nil, err
	}
	if found {
		// The portal compares answers case-insensitively against a
		// lowercase key.
		if err := input.Fill(strings.ToLower(strings.TrimSpace(answer))); err != nil {
			return nil, err
		}
	}

	n.setState(StateAwaitingRedirect, "")
	return n.awaitRedirect(ctx)
}

// awaitRedirect polls for the URL to leave the login route, ending at
// exactly the configured bound.
func (n *Negotiator) awaitRedirect(ctx context.Context) (*Result, error) {
	ticks := int(n.cfg.RedirectWait / n.cfg.PollInterval)
	for i := 0; i < ticks; i++ {
		if err := n.drv.Wait(ctx, n.cfg.PollInterval); err != nil {
			return n.timedOut("caller deadline exceeded"), nil
		}
		if n.onLoginRoute() {
			continue
		}
		if res, err := n.judgeLanding(); res != nil || err != nil {
			return res, err
		}
	}
	return n.timedOut("no redirect within wait bound"), nil
}

func (n *Negotiator) onLoginRoute() bool {
	return strings.Contains(strings.ToLower(n.drv.CurrentURL()), "login")
}

// judgeLanding classifies the page the portal redirected to, in fixed
// priority: logged-in affordance, re-issued CAPTCHA, visible error
// banner, then unknown.
func (n *Negotiator) judgeLanding() (*Result, error) {
	_, loggedIn, err := n.table.Probe(n.drv, selector.LoggedIn)
	if err != nil {
		return nil, err
	}
	if loggedIn {
		n.setState(StateVerified, "")
		return &Result{State: StateVerified, Status: models.StatusVerified}, nil
	}

	// A CAPTCHA on the landing page means the portal bounced the attempt
	// back for another round; offer a fresh challenge instead of failing.
	captcha, found, err := n.table.Probe(n.drv, selector.CaptchaImage)
	if err != nil {
		return nil, err
	}
	if found {
		fresh, err := captcha.Screenshot()
		if err != nil {
			return nil, driver.Errorf("capture challenge", err)
		}
		n.captchaActive = true
		n.challenge = fresh
		n.setState(StateCaptchaRequired, "portal re-issued challenge")
		return &Result{
			State:     StateCaptchaRequired,
			Status:    models.StatusCaptchaRequired,
			Challenge: fresh,
			Reason:    "portal rejected the attempt and issued a new challenge",
		}, nil
	}

	if text, found, err := n.table.VisibleText(n.drv, selector.ErrorBanner); err != nil {
		return nil, err
	} else if found {
		n.setState(StateFailed, text)
		return &Result{State: StateFailed, Status: models.StatusFailed, Reason: text}, nil
	}

	reason := fmt.Sprintf("unrecognized landing page %s", n.drv.CurrentURL())
	n.setState(StateFailed, reason)
	return &Result{State: StateFailed, Status: models.StatusUnknownPostRedirect, Reason: reason}, nil
}

// timedOut builds the terminal timeout result. With a CAPTCHA in play
// the timeout degrades to a fresh challenge offer, since a wrong or
// token-stale answer is far likelier than an unreachable portal; the
// machine re-parks so the same handshake can take another answer.
func (n *Negotiator) timedOut(reason string) *Result {
	if n.captchaActive {
		if captcha, found, err := n.table.Probe(n.drv, selector.CaptchaImage); err == nil && found {
			if fresh, err := captcha.Screenshot(); err == nil {
				n.challenge = fresh
				n.setState(StateCaptchaRequired, "re-offering challenge after timeout")
				return &Result{
					State:     StateTimedOut,
					Status:    models.StatusCaptchaRequired,
					Challenge: fresh,
					Reason:    reason,
				}
			}
		}
	}
	n.setState(StateTimedOut, reason)
	return &Result{State: StateTimedOut, Status: models.StatusTimedOut, Reason: reason}
}
