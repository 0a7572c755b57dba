package session

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/portalgate/internal/config"
	"github.com/shehryarbajwa/portalgate/internal/driver"
	"github.com/shehryarbajwa/portalgate/internal/driver/drivertest"
	"github.com/shehryarbajwa/portalgate/internal/login"
	"github.com/shehryarbajwa/portalgate/internal/oplog"
	"github.com/shehryarbajwa/portalgate/internal/store"
	"github.com/shehryarbajwa/portalgate/pkg/models"
)

const fakeLoginURL = "https://portal.example/Login.aspx"

// fakeLauncher hands out pre-scripted drivers in order.
type fakeLauncher struct {
	mu      sync.Mutex
	queue   []*drivertest.FakeDriver
	handed  []*drivertest.FakeDriver
	launchN int
}

func (f *fakeLauncher) Launch(ctx context.Context) (driver.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launchN++
	if len(f.queue) == 0 {
		return nil, errors.New("no scripted driver available")
	}
	d := f.queue[0]
	f.queue = f.queue[1:]
	f.handed = append(f.handed, d)
	return d, nil
}

func (f *fakeLauncher) launches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launchN
}

func testManagerConfig() *config.Config {
	return &config.Config{
		LoginURL:        fakeLoginURL,
		SessionTTL:      8 * time.Hour,
		RedirectWait:    30 * time.Second,
		PollInterval:    time.Second,
		ManualWait:      10 * time.Second,
		ManualPoll:      2 * time.Second,
		PendingLoginTTL: 3 * time.Minute,
		SlotsPerUser:    2,
	}
}

func newTestManager(t *testing.T, cfg *config.Config, launcher BrowserLauncher) (*Manager, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "sessions.db"), slog.Default())
	require.NoError(t, err)
	ol, err := oplog.Open(filepath.Join(dir, "operations.db"))
	require.NoError(t, err)
	m := NewManager(cfg, launcher, st, ol, slog.Default())
	t.Cleanup(func() {
		m.Close()
		_ = ol.Close()
		_ = st.Close()
	})
	return m, st
}

// loginDriver builds a fake driver showing the login form. succeedAt
// moves it to an authenticated page at that poll tick; 0 leaves it
// parked on the form forever.
func loginDriver(withCaptcha bool, succeedAt int) *drivertest.FakeDriver {
	d := drivertest.New(fakeLoginURL)
	d.UA = "Mozilla/5.0 (test)"
	d.SetElement("#txt_username", &drivertest.FakeElement{Visible: true})
	d.SetElement("#txt_password", &drivertest.FakeElement{Visible: true})
	if withCaptcha {
		d.SetElement("#imgcaptcha", &drivertest.FakeElement{Visible: true, PNG: []byte("challenge-png")})
		d.SetElement("#txtCaptcha", &drivertest.FakeElement{Visible: true})
	}
	if succeedAt > 0 {
		d.OnWait = func(tick int) {
			if tick == succeedAt {
				d.SetURL("https://portal.example/Dashboard.aspx")
				d.SetElement("#lnkLogout", &drivertest.FakeElement{Visible: true})
			}
		}
	}
	return d
}

func TestLoginVerifiedPersistsSessionAndClosesBrowser(t *testing.T) {
	d := loginDriver(false, 2)
	m, st := newTestManager(t, testManagerConfig(), &fakeLauncher{queue: []*drivertest.FakeDriver{d}})

	resp, err := m.Login(context.Background(), models.LoginRequest{Username: "gstin-user", Password: "s3cret"})
	require.NoError(t, err)

	require.Equal(t, models.StatusVerified, resp.Status)
	require.NotEmpty(t, resp.SessionID)
	require.NotNil(t, resp.ExpiresAt)

	rec, err := st.Load(resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.LoginInteractive, rec.LoginMethod)
	assert.Equal(t, "https://portal.example/Dashboard.aspx", rec.LastURL)
	assert.True(t, d.Closed())

	ops, err := m.Operations(10)
	require.NoError(t, err)
	require.NotEmpty(t, ops)
	assert.Equal(t, "verified", ops[0].Outcome)
	assert.Equal(t, resp.SessionID, ops[0].SessionID)
}

func TestLoginParksOnCaptchaAndResumes(t *testing.T) {
	d := loginDriver(true, 0)
	m, _ := newTestManager(t, testManagerConfig(), &fakeLauncher{queue: []*drivertest.FakeDriver{d}})

	resp, err := m.Login(context.Background(), models.LoginRequest{Username: "gstin-user", Password: "s3cret"})
	require.NoError(t, err)
	require.Equal(t, models.StatusCaptchaRequired, resp.Status)
	require.NotEmpty(t, resp.AttemptID)
	img, err := base64.StdEncoding.DecodeString(resp.CaptchaImage)
	require.NoError(t, err)
	assert.Equal(t, []byte("challenge-png"), img)
	// The handshake stays parked on a live browser.
	assert.False(t, d.Closed())

	// Screenshot of the parked page is available while suspended.
	d.PNG = []byte("page-png")
	shot, err := m.AttemptScreenshot(resp.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, []byte("page-png"), shot)

	succeedAt := d.Waits() + 1
	d.OnWait = func(tick int) {
		if tick == succeedAt {
			d.SetURL("https://portal.example/Dashboard.aspx")
			d.SetElement("#lnkLogout", &drivertest.FakeElement{Visible: true})
		}
	}
	resp, err = m.Login(context.Background(), models.LoginRequest{
		AttemptID:     resp.AttemptID,
		CaptchaAnswer: "abc9",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusVerified, resp.Status)
	assert.True(t, d.Closed())

	// The attempt is gone once concluded.
	_, err = m.AttemptScreenshot(resp.AttemptID)
	assert.ErrorIs(t, err, ErrAttemptNotFound)
}

func TestDuplicateResumeSerializedToOneWinner(t *testing.T) {
	d := loginDriver(true, 0)
	m, _ := newTestManager(t, testManagerConfig(), &fakeLauncher{queue: []*drivertest.FakeDriver{d}})

	resp, err := m.Login(context.Background(), models.LoginRequest{Username: "gstin-user", Password: "s3cret"})
	require.NoError(t, err)
	require.Equal(t, models.StatusCaptchaRequired, resp.Status)

	succeedAt := d.Waits() + 1
	d.OnWait = func(tick int) {
		if tick == succeedAt {
			d.SetURL("https://portal.example/Dashboard.aspx")
			d.SetElement("#lnkLogout", &drivertest.FakeElement{Visible: true})
		}
	}

	// A double-submitted form delivers the same attempt id twice at
	// once. The attempt lock must queue the second request, and the
	// loser must see the attempt already concluded rather than drive
	// the same page in parallel.
	type outcome struct {
		resp *models.LoginResponse
		err  error
	}
	results := make(chan outcome, 2)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < 2; i++ {
		go func() {
			start.Wait()
			r, err := m.Login(context.Background(), models.LoginRequest{
				AttemptID:     resp.AttemptID,
				CaptchaAnswer: "abc9",
			})
			results <- outcome{resp: r, err: err}
		}()
	}
	start.Done()

	var verified, notFound int
	for i := 0; i < 2; i++ {
		out := <-results
		switch {
		case out.err == nil && out.resp.Status == models.StatusVerified:
			verified++
		case errors.Is(out.err, ErrAttemptNotFound):
			notFound++
		default:
			t.Fatalf("unexpected outcome: resp=%v err=%v", out.resp, out.err)
		}
	}
	assert.Equal(t, 1, verified)
	assert.Equal(t, 1, notFound)
	assert.True(t, d.Closed())
}

func TestResumeUnknownAttempt(t *testing.T) {
	m, _ := newTestManager(t, testManagerConfig(), &fakeLauncher{})
	_, err := m.Login(context.Background(), models.LoginRequest{AttemptID: "nope", CaptchaAnswer: "x"})
	assert.ErrorIs(t, err, ErrAttemptNotFound)
}

func TestSlotLimitPerUser(t *testing.T) {
	cfg := testManagerConfig()
	cfg.SlotsPerUser = 1
	launcher := &fakeLauncher{queue: []*drivertest.FakeDriver{loginDriver(true, 0), loginDriver(true, 0)}}
	m, _ := newTestManager(t, cfg, launcher)

	resp, err := m.Login(context.Background(), models.LoginRequest{Username: "gstin-user", Password: "p"})
	require.NoError(t, err)
	require.Equal(t, models.StatusCaptchaRequired, resp.Status)

	// The parked attempt holds the user's only slot.
	_, err = m.Login(context.Background(), models.LoginRequest{Username: "gstin-user", Password: "p"})
	assert.ErrorIs(t, err, ErrTooManyAttempts)
}

func TestRestoreExpiredNeverLaunchesBrowser(t *testing.T) {
	launcher := &fakeLauncher{}
	m, st := newTestManager(t, testManagerConfig(), launcher)

	rec := &models.SessionRecord{
		ID:        "stale",
		CreatedAt: time.Now().Add(-9 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, st.Save(rec))

	resp, err := m.RestoreSession(context.Background(), "stale")
	require.NoError(t, err)
	assert.Equal(t, models.RestoreExpired, resp.Status)
	assert.Zero(t, launcher.launches())
}

func TestRestoreLatestAlias(t *testing.T) {
	d := drivertest.New("about:blank")
	d.SetElement("#lnkLogout", &drivertest.FakeElement{Visible: true})
	m, st := newTestManager(t, testManagerConfig(), &fakeLauncher{queue: []*drivertest.FakeDriver{d}})

	rec := &models.SessionRecord{
		ID:        "newest",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
		LastURL:   "https://portal.example/Dashboard.aspx",
	}
	require.NoError(t, st.Save(rec))

	resp, err := m.RestoreSession(context.Background(), "latest")
	require.NoError(t, err)
	assert.Equal(t, models.RestoreOK, resp.Status)
	assert.Equal(t, "newest", resp.SessionID)
	assert.True(t, d.Closed())
}

func TestRestoreValidationFailure(t *testing.T) {
	// Replay works mechanically but the page shows no authenticated
	// affordance.
	d := drivertest.New("about:blank")
	m, st := newTestManager(t, testManagerConfig(), &fakeLauncher{queue: []*drivertest.FakeDriver{d}})

	rec := &models.SessionRecord{
		ID:        "hollow",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
		LastURL:   "https://portal.example/Dashboard.aspx",
	}
	require.NoError(t, st.Save(rec))

	resp, err := m.RestoreSession(context.Background(), "hollow")
	require.NoError(t, err)
	assert.Equal(t, models.RestoreValidationFailed, resp.Status)
	assert.True(t, d.Closed())
}

func TestRestoreNotFound(t *testing.T) {
	m, _ := newTestManager(t, testManagerConfig(), &fakeLauncher{})
	resp, err := m.RestoreSession(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, models.RestoreNotFound, resp.Status)
}

func TestCleanupExpiredCount(t *testing.T) {
	m, st := newTestManager(t, testManagerConfig(), &fakeLauncher{})
	now := time.Now()
	for i, exp := range []time.Time{now.Add(-time.Hour), now.Add(-time.Minute), now.Add(time.Hour)} {
		require.NoError(t, st.Save(&models.SessionRecord{
			ID:        string(rune('a' + i)),
			CreatedAt: now.Add(-2 * time.Hour),
			ExpiresAt: exp,
		}))
	}

	removed, err := m.CleanupExpired()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	summaries, err := m.ListSessions()
	require.NoError(t, err)
	assert.Len(t, summaries, 1)
}

func TestAssistedLoginCapturesWithMethod(t *testing.T) {
	d := loginDriver(true, 3)
	m, st := newTestManager(t, testManagerConfig(), &fakeLauncher{queue: []*drivertest.FakeDriver{d}})

	resp, err := m.AssistedLogin(context.Background(), login.Credentials{Username: "gstin-user", Password: "p"})
	require.NoError(t, err)
	require.Equal(t, models.StatusVerified, resp.Status)

	rec, err := st.Load(resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.LoginAssisted, rec.LoginMethod)
}

func TestWatchAttemptReplaysTransitions(t *testing.T) {
	d := loginDriver(true, 0)
	m, _ := newTestManager(t, testManagerConfig(), &fakeLauncher{queue: []*drivertest.FakeDriver{d}})

	resp, err := m.Login(context.Background(), models.LoginRequest{Username: "u", Password: "p"})
	require.NoError(t, err)
	require.Equal(t, models.StatusCaptchaRequired, resp.Status)

	events, cancel, err := m.WatchAttempt(resp.AttemptID)
	require.NoError(t, err)
	defer cancel()

	var states []login.State
	for len(states) < 2 {
		e, ok := <-events
		require.True(t, ok)
		states = append(states, e.State)
	}
	assert.Equal(t, login.StateCredentialsFilled, states[0])
	assert.Equal(t, login.StateCaptchaRequired, states[1])
}
