package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/portalgate/internal/config"
	"github.com/shehryarbajwa/portalgate/internal/driver"
	"github.com/shehryarbajwa/portalgate/internal/driver/drivertest"
	"github.com/shehryarbajwa/portalgate/internal/oplog"
	"github.com/shehryarbajwa/portalgate/internal/ratelimit"
	"github.com/shehryarbajwa/portalgate/internal/session"
	"github.com/shehryarbajwa/portalgate/internal/store"
	"github.com/shehryarbajwa/portalgate/pkg/models"
)

const testLoginURL = "https://portal.example/Login.aspx"

type queueLauncher struct {
	queue []*drivertest.FakeDriver
}

func (q *queueLauncher) Launch(ctx context.Context) (driver.Driver, error) {
	if len(q.queue) == 0 {
		return nil, errors.New("no scripted driver available")
	}
	d := q.queue[0]
	q.queue = q.queue[1:]
	return d, nil
}

func verifiableLoginDriver() *drivertest.FakeDriver {
	d := drivertest.New(testLoginURL)
	d.SetElement("#txt_username", &drivertest.FakeElement{Visible: true})
	d.SetElement("#txt_password", &drivertest.FakeElement{Visible: true})
	d.OnWait = func(tick int) {
		if tick == 1 {
			d.SetURL("https://portal.example/Dashboard.aspx")
			d.SetElement("#lnkLogout", &drivertest.FakeElement{Visible: true})
		}
	}
	return d
}

func captchaLoginDriver() *drivertest.FakeDriver {
	d := drivertest.New(testLoginURL)
	d.SetElement("#txt_username", &drivertest.FakeElement{Visible: true})
	d.SetElement("#txt_password", &drivertest.FakeElement{Visible: true})
	d.SetElement("#imgcaptcha", &drivertest.FakeElement{Visible: true, PNG: []byte("challenge")})
	d.SetElement("#txtCaptcha", &drivertest.FakeElement{Visible: true})
	return d
}

func newTestRouter(t *testing.T, launcher session.BrowserLauncher) (*mux.Router, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "sessions.db"), slog.Default())
	require.NoError(t, err)
	ol, err := oplog.Open(filepath.Join(dir, "operations.db"))
	require.NoError(t, err)

	cfg := &config.Config{
		LoginURL:        testLoginURL,
		SessionTTL:      8 * time.Hour,
		RedirectWait:    30 * time.Second,
		PollInterval:    time.Second,
		ManualWait:      10 * time.Second,
		ManualPoll:      2 * time.Second,
		PendingLoginTTL: 3 * time.Minute,
		SlotsPerUser:    2,
	}
	mgr := session.NewManager(cfg, launcher, st, ol, slog.Default())
	t.Cleanup(func() {
		mgr.Close()
		_ = ol.Close()
		_ = st.Close()
	})

	handler := NewHandler(mgr, slog.Default())
	return handler.SetupRoutes(ratelimit.NewLimiter(3600, 100), 3600), st
}

func doJSON(t *testing.T, router *mux.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestLoginEndpointVerified(t *testing.T) {
	router, _ := newTestRouter(t, &queueLauncher{queue: []*drivertest.FakeDriver{verifiableLoginDriver()}})

	w := doJSON(t, router, http.MethodPost, "/v1/login", models.LoginRequest{
		Username: "gstin-user", Password: "s3cret",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.StatusVerified, resp.Status)
	assert.NotEmpty(t, resp.SessionID)
}

func TestLoginEndpointBadBody(t *testing.T) {
	router, _ := newTestRouter(t, &queueLauncher{})
	req := httptest.NewRequest(http.MethodPost, "/v1/login", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLoginEndpointCaptchaRoundTrip(t *testing.T) {
	d := captchaLoginDriver()
	router, _ := newTestRouter(t, &queueLauncher{queue: []*drivertest.FakeDriver{d}})

	w := doJSON(t, router, http.MethodPost, "/v1/login", models.LoginRequest{
		Username: "gstin-user", Password: "s3cret",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, models.StatusCaptchaRequired, resp.Status)
	require.NotEmpty(t, resp.AttemptID)
	assert.NotEmpty(t, resp.CaptchaImage)

	// The parked page can be screenshotted while waiting for an answer.
	d.PNG = []byte("page")
	w = doJSON(t, router, http.MethodGet, "/v1/logins/"+resp.AttemptID+"/screenshot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, []byte("page"), w.Body.Bytes())

	succeedAt := d.Waits() + 1
	d.OnWait = func(tick int) {
		if tick == succeedAt {
			d.SetURL("https://portal.example/Dashboard.aspx")
			d.SetElement("#lnkLogout", &drivertest.FakeElement{Visible: true})
		}
	}
	w = doJSON(t, router, http.MethodPost, "/v1/login", models.LoginRequest{
		AttemptID: resp.AttemptID, CaptchaAnswer: "abc9",
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.StatusVerified, resp.Status)
}

func TestAttemptScreenshotUnknownID(t *testing.T) {
	router, _ := newTestRouter(t, &queueLauncher{})
	w := doJSON(t, router, http.MethodGet, "/v1/logins/ghost/screenshot", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResumeUnknownAttemptIs404(t *testing.T) {
	router, _ := newTestRouter(t, &queueLauncher{})
	w := doJSON(t, router, http.MethodPost, "/v1/login", models.LoginRequest{
		AttemptID: "ghost", CaptchaAnswer: "x",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionsListAndSummary(t *testing.T) {
	router, st := newTestRouter(t, &queueLauncher{})
	require.NoError(t, st.Save(&models.SessionRecord{
		ID:        "sess-1",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
		IsActive:  true,
	}))

	w := doJSON(t, router, http.MethodGet, "/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var summaries []models.SessionSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "sess-1", summaries[0].ID)

	w = doJSON(t, router, http.MethodGet, "/v1/sessions/summary", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var overview models.SessionsOverview
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &overview))
	assert.Equal(t, 1, overview.Total)
	assert.Equal(t, "sess-1", overview.LatestID)
}

func TestRestoreEndpointStatusMapping(t *testing.T) {
	router, st := newTestRouter(t, &queueLauncher{})

	w := doJSON(t, router, http.MethodPost, "/v1/sessions/ghost/restore", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.NoError(t, st.Save(&models.SessionRecord{
		ID:        "stale",
		CreatedAt: time.Now().Add(-9 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	}))
	w = doJSON(t, router, http.MethodPost, "/v1/sessions/stale/restore", nil)
	assert.Equal(t, http.StatusGone, w.Code)
}

func TestCleanupExpiredEndpoint(t *testing.T) {
	router, st := newTestRouter(t, &queueLauncher{})
	require.NoError(t, st.Save(&models.SessionRecord{
		ID:        "stale",
		CreatedAt: time.Now().Add(-9 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	}))

	w := doJSON(t, router, http.MethodDelete, "/v1/sessions/expired", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body["removed"])
}

func TestOperationsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, &queueLauncher{queue: []*drivertest.FakeDriver{verifiableLoginDriver()}})
	doJSON(t, router, http.MethodPost, "/v1/login", models.LoginRequest{Username: "u", Password: "p"})

	w := doJSON(t, router, http.MethodGet, "/v1/operations?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var records []models.OperationRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	require.NotEmpty(t, records)
	assert.Equal(t, "login", records[0].Type)
}

func TestPortalHealthEndpoint(t *testing.T) {
	d := captchaLoginDriver()
	router, _ := newTestRouter(t, &queueLauncher{queue: []*drivertest.FakeDriver{d}})

	w := doJSON(t, router, http.MethodGet, "/v1/portal/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var health models.PortalHealth
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.True(t, health.Reachable)
	assert.True(t, health.UsernameField)
	assert.True(t, health.PasswordField)
	assert.True(t, health.CaptchaPresent)
	assert.True(t, d.Closed())
}

func TestCaptchaEndpointReturnsBase64(t *testing.T) {
	d := captchaLoginDriver()
	router, _ := newTestRouter(t, &queueLauncher{queue: []*drivertest.FakeDriver{d}})

	w := doJSON(t, router, http.MethodGet, "/v1/captcha", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	img, err := base64.StdEncoding.DecodeString(body["captchaImage"])
	require.NoError(t, err)
	assert.Equal(t, []byte("challenge"), img)
	assert.True(t, d.Closed())
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, &queueLauncher{})
	w := doJSON(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestRateLimitReturns429(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "sessions.db"), slog.Default())
	require.NoError(t, err)
	ol, err := oplog.Open(filepath.Join(dir, "operations.db"))
	require.NoError(t, err)
	cfg := &config.Config{
		LoginURL:        testLoginURL,
		SessionTTL:      time.Hour,
		RedirectWait:    time.Second,
		PollInterval:    time.Second,
		ManualWait:      2 * time.Second,
		ManualPoll:      time.Second,
		PendingLoginTTL: time.Minute,
		SlotsPerUser:    2,
	}
	mgr := session.NewManager(cfg, &queueLauncher{}, st, ol, slog.Default())
	t.Cleanup(func() {
		mgr.Close()
		_ = ol.Close()
		_ = st.Close()
	})

	router := NewHandler(mgr, slog.Default()).SetupRoutes(ratelimit.NewLimiter(100, 1), 100)

	w := doJSON(t, router, http.MethodGet, "/v1/captcha", nil)
	assert.NotEqual(t, http.StatusTooManyRequests, w.Code)

	w = doJSON(t, router, http.MethodGet, "/v1/captcha", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
}
