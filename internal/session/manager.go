package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/portalgate/internal/config"
	"github.com/shehryarbajwa/portalgate/internal/driver"
	"github.com/shehryarbajwa/portalgate/internal/login"
	"github.com/shehryarbajwa/portalgate/internal/oplog"
	"github.com/shehryarbajwa/portalgate/internal/selector"
	"github.com/shehryarbajwa/portalgate/internal/store"
	"github.com/shehryarbajwa/portalgate/pkg/models"
)

var (
	// ErrAttemptNotFound means the attempt id does not name a parked
	// handshake; it finished, expired, or never existed.
	ErrAttemptNotFound = errors.New("session: login attempt not found")
	// ErrTooManyAttempts means the caller already holds every browser
	// slot allotted to them.
	ErrTooManyAttempts = errors.New("session: concurrent attempt limit reached")
)

// BrowserLauncher hands out isolated driver instances.
type BrowserLauncher interface {
	Launch(ctx context.Context) (driver.Driver, error)
}

// pendingAttempt is a handshake parked at the CAPTCHA suspension point.
// The driver stays alive across the round trip because the portal's
// anti-forgery token and challenge image belong to the live page; a
// restart from scratch would invalidate the answer being fetched.
//
// mu serializes everything that touches the negotiator or the driver:
// the handshake rounds, screenshots, and the sweeper. The negotiator is
// single-threaded by contract and the page underneath it tolerates only
// one driver at a time, so a duplicate form submit carrying the same
// attempt id must queue, not race.
type pendingAttempt struct {
	id        string
	user      string
	drv       driver.Driver
	neg       *login.Negotiator
	createdAt time.Time
	hub       *eventHub

	mu sync.Mutex
}

// Manager is the facade the API layer calls. It owns the browser slots,
// the parked attempts, and the wiring between negotiator, lifecycle,
// store and operation log.
type Manager struct {
	cfg       *config.Config
	launcher  BrowserLauncher
	store     *store.Store
	oplog     *oplog.Log
	lifecycle *Lifecycle
	table     *selector.Table
	logger    *slog.Logger

	pending sync.Map // attemptID -> *pendingAttempt

	mu    sync.Mutex
	slots map[string]*semaphore.Weighted

	done chan struct{}
	wg   sync.WaitGroup
}

// NewManager wires the manager and starts the parked-attempt sweeper.
func NewManager(cfg *config.Config, launcher BrowserLauncher, st *store.Store, ol *oplog.Log, logger *slog.Logger) *Manager {
	table := selector.Default()
	m := &Manager{
		cfg:       cfg,
		launcher:  launcher,
		store:     st,
		oplog:     ol,
		lifecycle: NewLifecycle(table, logger),
		table:     table,
		logger:    logger,
		slots:     make(map[string]*semaphore.Weighted),
		done:      make(chan struct{}),
	}
	m.wg.Add(1)
	go m.sweepPending()
	return m
}

// Login runs one round of the interactive handshake. An empty AttemptID
// starts a new handshake; a set one resumes a parked handshake with the
// supplied CAPTCHA answer.
func (m *Manager) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	if req.AttemptID != "" {
		return m.resumeLogin(ctx, req)
	}
	if req.Username == "" || req.Password == "" {
		return nil, fmt.Errorf("username and password are required")
	}

	attempt, err := m.beginAttempt(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	attempt.mu.Lock()
	defer attempt.mu.Unlock()

	start := time.Now()
	res, err := attempt.neg.Start(ctx, login.Credentials{
		Username: req.Username,
		Password: req.Password,
	}, req.CaptchaAnswer)
	if err != nil {
		m.finishAttempt(attempt)
		m.logOp("login", "driver_error", "", err.Error(), start)
		return nil, err
	}
	return m.concludeLogin(attempt, res, models.LoginInteractive, start)
}

func (m *Manager) resumeLogin(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	value, ok := m.pending.Load(req.AttemptID)
	if !ok {
		return nil, ErrAttemptNotFound
	}
	attempt := value.(*pendingAttempt)

	attempt.mu.Lock()
	defer attempt.mu.Unlock()
	// A duplicate submit or the sweeper may have concluded the attempt
	// while this request waited for the lock.
	if _, ok := m.pending.Load(req.AttemptID); !ok {
		return nil, ErrAttemptNotFound
	}

	start := time.Now()
	res, err := attempt.neg.Resume(ctx, req.CaptchaAnswer)
	if err != nil {
		if errors.Is(err, login.ErrNotSuspended) {
			return nil, err
		}
		m.finishAttempt(attempt)
		m.logOp("login", "driver_error", "", err.Error(), start)
		return nil, err
	}
	return m.concludeLogin(attempt, res, models.LoginInteractive, start)
}

// ManualLogin opens the login surface and waits for a human to complete
// the entire form, capturing the session once the portal shows an
// authenticated page.
func (m *Manager) ManualLogin(ctx context.Context) (*models.LoginResponse, error) {
	return m.attendedLogin(ctx, "manual", models.LoginManual, nil)
}

// AssistedLogin fills the credential fields, then waits for a human to
// finish the CAPTCHA and submission.
func (m *Manager) AssistedLogin(ctx context.Context, creds login.Credentials) (*models.LoginResponse, error) {
	if creds.Username == "" || creds.Password == "" {
		return nil, fmt.Errorf("username and password are required")
	}
	return m.attendedLogin(ctx, creds.Username, models.LoginAssisted, &creds)
}

func (m *Manager) attendedLogin(ctx context.Context, slotKey string, method models.LoginMethod, creds *login.Credentials) (*models.LoginResponse, error) {
	attempt, err := m.beginAttempt(ctx, slotKey)
	if err != nil {
		return nil, err
	}
	attempt.mu.Lock()
	defer attempt.mu.Unlock()

	start := time.Now()
	if creds != nil {
		res, err := attempt.neg.Prefill(ctx, *creds)
		if err != nil {
			m.finishAttempt(attempt)
			m.logOp("login", "driver_error", "", err.Error(), start)
			return nil, err
		}
		if res != nil {
			// Required field missing; nothing for a human to complete.
			m.finishAttempt(attempt)
			m.logOp("login", string(res.Status), "", res.Reason, start)
			return &models.LoginResponse{Status: res.Status, Reason: res.Reason}, nil
		}
	} else {
		if err := attempt.neg.Navigate(ctx); err != nil {
			m.finishAttempt(attempt)
			m.logOp("login", "driver_error", "", err.Error(), start)
			return nil, err
		}
	}

	res, err := attempt.neg.AwaitManualCompletion(ctx)
	if err != nil {
		m.finishAttempt(attempt)
		m.logOp("login", "driver_error", "", err.Error(), start)
		return nil, err
	}
	return m.concludeLogin(attempt, res, method, start)
}

// concludeLogin maps a negotiator result onto the attempt's fate: a
// resumable challenge keeps it parked, everything else releases the
// browser and, for verified results, persists a session record.
func (m *Manager) concludeLogin(attempt *pendingAttempt, res *login.Result, method models.LoginMethod, start time.Time) (*models.LoginResponse, error) {
	switch res.Status {
	case models.StatusCaptchaRequired:
		m.logOp("login", "captcha_required", "", res.Reason, start)
		return &models.LoginResponse{
			Status:       models.StatusCaptchaRequired,
			AttemptID:    attempt.id,
			CaptchaImage: encodePNG(res.Challenge),
			Reason:       res.Reason,
		}, nil

	case models.StatusVerified:
		rec, err := m.lifecycle.Capture(attempt.drv, method, m.cfg.SessionTTL)
		m.finishAttempt(attempt)
		if err != nil {
			m.logOp("login", "capture_failed", "", err.Error(), start)
			return nil, err
		}
		if err := m.store.Save(rec); err != nil {
			m.logOp("login", "save_failed", rec.ID, err.Error(), start)
			return nil, err
		}
		m.logOp("login", "verified", rec.ID, string(method), start)
		return &models.LoginResponse{
			Status:    models.StatusVerified,
			SessionID: rec.ID,
			ExpiresAt: &rec.ExpiresAt,
		}, nil

	default:
		m.finishAttempt(attempt)
		m.logOp("login", string(res.Status), "", res.Reason, start)
		return &models.LoginResponse{Status: res.Status, Reason: res.Reason}, nil
	}
}

// RestoreSession replays a stored session onto a fresh browser and
// validates the result. The id "latest" selects the newest unexpired
// record.
func (m *Manager) RestoreSession(ctx context.Context, id string) (*models.RestoreResponse, error) {
	start := time.Now()

	var rec *models.SessionRecord
	var err error
	if id == "latest" {
		rec, err = m.store.LatestActive(time.Now())
	} else {
		rec, err = m.store.Load(id)
	}
	if errors.Is(err, store.ErrSessionNotFound) {
		m.logOp("restore", "not_found", id, "", start)
		return &models.RestoreResponse{Status: models.RestoreNotFound}, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.IsExpired() {
		m.logOp("restore", "expired", rec.ID, "", start)
		return &models.RestoreResponse{Status: models.RestoreExpired, SessionID: rec.ID}, nil
	}

	drv, err := m.launcher.Launch(ctx)
	if err != nil {
		return nil, err
	}
	defer m.closeDriver(drv)

	if err := m.lifecycle.Restore(ctx, rec, drv); err != nil {
		if errors.Is(err, ErrSessionExpired) {
			m.logOp("restore", "expired", rec.ID, "", start)
			return &models.RestoreResponse{Status: models.RestoreExpired, SessionID: rec.ID}, nil
		}
		m.logOp("restore", "restore_failed", rec.ID, err.Error(), start)
		return &models.RestoreResponse{
			Status:    models.RestoreFailed,
			SessionID: rec.ID,
			Reason:    err.Error(),
		}, nil
	}

	ok, err := m.lifecycle.Validate(drv)
	if err != nil {
		return nil, err
	}
	if !ok {
		m.logOp("restore", "validation_failed", rec.ID, "", start)
		return &models.RestoreResponse{
			Status:    models.RestoreValidationFailed,
			SessionID: rec.ID,
			Reason:    "restored page is not authenticated",
		}, nil
	}

	m.logOp("restore", "restored", rec.ID, "", start)
	return &models.RestoreResponse{Status: models.RestoreOK, SessionID: rec.ID}, nil
}

// ListSessions returns summaries of every stored session, newest first.
func (m *Manager) ListSessions() ([]models.SessionSummary, error) {
	records, err := m.store.List()
	if err != nil {
		return nil, err
	}
	summaries := make([]models.SessionSummary, 0, len(records))
	for _, rec := range records {
		summaries = append(summaries, rec.Summary())
	}
	return summaries, nil
}

// Summary aggregates the stored sessions.
func (m *Manager) Summary() (models.SessionsOverview, error) {
	return m.store.Overview(time.Now())
}

// CleanupExpired removes every expired record and returns the count.
func (m *Manager) CleanupExpired() (int, error) {
	start := time.Now()
	removed, err := m.store.CleanupExpired(time.Now())
	if err != nil {
		return 0, err
	}
	m.logOp("cleanup", "ok", "", fmt.Sprintf("removed %d", removed), start)
	return removed, nil
}

// CaptchaImage fetches the current challenge image from the portal's
// login form using a throwaway browser. found is false when the form
// shows no challenge.
func (m *Manager) CaptchaImage(ctx context.Context) ([]byte, bool, error) {
	drv, err := m.launcher.Launch(ctx)
	if err != nil {
		return nil, false, err
	}
	defer m.closeDriver(drv)

	if err := drv.Navigate(ctx, m.cfg.LoginURL); err != nil {
		return nil, false, err
	}
	el, found, err := m.table.Probe(drv, selector.CaptchaImage)
	if err != nil || !found {
		return nil, false, err
	}
	img, err := el.Screenshot()
	if err != nil {
		return nil, false, err
	}
	return img, true, nil
}

// PortalHealth probes the login surface and reports which affordances
// resolved.
func (m *Manager) PortalHealth(ctx context.Context) (*models.PortalHealth, error) {
	drv, err := m.launcher.Launch(ctx)
	if err != nil {
		return nil, err
	}
	defer m.closeDriver(drv)

	health := &models.PortalHealth{}
	if err := drv.Navigate(ctx, m.cfg.LoginURL); err != nil {
		health.Error = err.Error()
		return health, nil
	}
	health.Reachable = true
	health.URL = drv.CurrentURL()
	health.Title, _ = drv.Title()

	_, health.UsernameField, _ = m.table.Probe(drv, selector.Username)
	_, health.PasswordField, _ = m.table.Probe(drv, selector.Password)
	_, health.CaptchaPresent, _ = m.table.Probe(drv, selector.CaptchaImage)
	return health, nil
}

// AttemptScreenshot captures the current page of a parked attempt.
func (m *Manager) AttemptScreenshot(attemptID string) ([]byte, error) {
	value, ok := m.pending.Load(attemptID)
	if !ok {
		return nil, ErrAttemptNotFound
	}
	attempt := value.(*pendingAttempt)

	attempt.mu.Lock()
	defer attempt.mu.Unlock()
	if _, ok := m.pending.Load(attemptID); !ok {
		return nil, ErrAttemptNotFound
	}
	return attempt.drv.Screenshot()
}

// WatchAttempt subscribes to a parked attempt's state transitions. The
// returned cancel must be called when the watcher is done.
func (m *Manager) WatchAttempt(attemptID string) (<-chan login.Event, func(), error) {
	value, ok := m.pending.Load(attemptID)
	if !ok {
		return nil, nil, ErrAttemptNotFound
	}
	ch, cancel := value.(*pendingAttempt).hub.subscribe()
	return ch, cancel, nil
}

// Operations returns the most recent entries of the operation history.
func (m *Manager) Operations(limit int) ([]models.OperationRecord, error) {
	return m.oplog.Recent(limit)
}

// Close stops the sweeper and releases every parked attempt's browser.
func (m *Manager) Close() {
	close(m.done)
	m.wg.Wait()
	m.pending.Range(func(_, value interface{}) bool {
		attempt := value.(*pendingAttempt)
		attempt.mu.Lock()
		m.finishAttempt(attempt)
		attempt.mu.Unlock()
		return true
	})
}

func (m *Manager) beginAttempt(ctx context.Context, slotKey string) (*pendingAttempt, error) {
	if err := m.acquireSlot(slotKey); err != nil {
		return nil, err
	}
	drv, err := m.launcher.Launch(ctx)
	if err != nil {
		m.releaseSlot(slotKey)
		return nil, err
	}

	attempt := &pendingAttempt{
		id:        uuid.NewString(),
		user:      slotKey,
		drv:       drv,
		createdAt: time.Now(),
		hub:       newEventHub(),
	}
	attempt.neg = login.New(drv, m.table, login.Config{
		LoginURL:     m.cfg.LoginURL,
		RedirectWait: m.cfg.RedirectWait,
		PollInterval: m.cfg.PollInterval,
		ManualWait:   m.cfg.ManualWait,
		ManualPoll:   m.cfg.ManualPoll,
	}, m.logger, login.WithNotify(attempt.hub.publish))

	m.pending.Store(attempt.id, attempt)
	return attempt, nil
}

// finishAttempt tears an attempt down on any exit path: close the
// browser, drop the parked entry, release the caller's slot.
func (m *Manager) finishAttempt(attempt *pendingAttempt) {
	if _, loaded := m.pending.LoadAndDelete(attempt.id); !loaded {
		return
	}
	m.closeDriver(attempt.drv)
	attempt.hub.closeAll()
	m.releaseSlot(attempt.user)
}

func (m *Manager) closeDriver(drv driver.Driver) {
	if err := drv.Close(); err != nil {
		m.logger.Warn("closing browser", "error", err)
	}
}

func (m *Manager) acquireSlot(key string) error {
	m.mu.Lock()
	sem, ok := m.slots[key]
	if !ok {
		sem = semaphore.NewWeighted(int64(m.cfg.SlotsPerUser))
		m.slots[key] = sem
	}
	m.mu.Unlock()

	if !sem.TryAcquire(1) {
		return fmt.Errorf("%w for %s", ErrTooManyAttempts, key)
	}
	return nil
}

func (m *Manager) releaseSlot(key string) {
	m.mu.Lock()
	sem := m.slots[key]
	m.mu.Unlock()
	if sem != nil {
		sem.Release(1)
	}
}

// sweepPending reclaims parked attempts whose caller never came back,
// so an abandoned CAPTCHA round trip cannot leak a browser process.
func (m *Manager) sweepPending() {
	defer m.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.cfg.PendingLoginTTL)
			m.pending.Range(func(_, value interface{}) bool {
				attempt := value.(*pendingAttempt)
				if attempt.createdAt.Before(cutoff) {
					// Queue behind any in-flight resume; the lock holder
					// may conclude the attempt itself, which makes the
					// teardown below a no-op.
					attempt.mu.Lock()
					if _, ok := m.pending.Load(attempt.id); ok {
						m.logger.Info("reclaiming abandoned login attempt",
							"attempt_id", attempt.id, "age", time.Since(attempt.createdAt))
						m.finishAttempt(attempt)
					}
					attempt.mu.Unlock()
				}
				return true
			})
		}
	}
}

func (m *Manager) logOp(opType, outcome, sessionID, detail string, start time.Time) {
	if m.oplog == nil {
		return
	}
	if err := m.oplog.Record(opType, outcome, sessionID, detail, start, time.Since(start)); err != nil {
		m.logger.Warn("recording operation", "error", err)
	}
}
