package store

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/shehryarbajwa/portalgate/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(createdAt time.Time, ttl time.Duration) *models.SessionRecord {
	return &models.SessionRecord{
		ID:        uuid.NewString(),
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(ttl),
		Cookies: []models.Cookie{
			{Name: "ASP.NET_SessionId", Value: "abc123", Domain: "portal.example", Path: "/"},
		},
		LocalStorage:   map[string]string{"theme": "dark"},
		SessionStorage: map[string]string{"csrf": "tok"},
		LastURL:        "https://portal.example/Dashboard.aspx",
		LoginMethod:    models.LoginInteractive,
		IsActive:       true,
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	rec := record(time.Now().UTC().Truncate(time.Second), 8*time.Hour)
	require.NoError(t, s.Save(rec))

	got, err := s.Load(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestLoadMissingSession(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Load("no-such-id")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSaveRejectsEmptyID(t *testing.T) {
	s := openTestStore(t)
	err := s.Save(&models.SessionRecord{})
	assert.Error(t, err)
}

func TestListNewestFirst(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UTC()
	r1 := record(base.Add(-2*time.Hour), 8*time.Hour)
	r2 := record(base.Add(-time.Hour), 8*time.Hour)
	r3 := record(base, 8*time.Hour)
	for _, r := range []*models.SessionRecord{r1, r2, r3} {
		require.NoError(t, s.Save(r))
	}

	records, err := s.List()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, r3.ID, records[0].ID)
	assert.Equal(t, r2.ID, records[1].ID)
	assert.Equal(t, r1.ID, records[2].ID)
}

func TestListSkipsCorruptRecord(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Save(record(time.Now().UTC(), 8*time.Hour)))
	require.NoError(t, s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte("broken"), []byte("{not json"))
	}))

	records, err := s.List()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestCleanupExpiredRemovesOnlyExpired(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()
	expired1 := record(now.Add(-10*time.Hour), 8*time.Hour)
	expired2 := record(now.Add(-25*time.Hour), 8*time.Hour)
	live := record(now.Add(-time.Hour), 8*time.Hour)
	for _, r := range []*models.SessionRecord{expired1, expired2, live} {
		require.NoError(t, s.Save(r))
	}

	removed, err := s.CleanupExpired(now)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = s.Load(expired1.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = s.Load(live.ID)
	assert.NoError(t, err)
}

func TestCleanupDropsCorruptRecordsUncounted(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()
	expired := record(now.Add(-10*time.Hour), 8*time.Hour)
	require.NoError(t, s.Save(expired))
	require.NoError(t, s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte("broken"), []byte("????"))
	}))

	// The count covers expired records only; the corrupt entry is still
	// swept out of the bucket.
	removed, err := s.CleanupExpired(now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	err = s.db.View(func(tx *bolt.Tx) error {
		assert.Nil(t, tx.Bucket(sessionsBucket).Get([]byte("broken")))
		return nil
	})
	require.NoError(t, err)
}

func TestLatestActiveSkipsExpired(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()
	newest := record(now, 8*time.Hour)
	newest.ExpiresAt = now.Add(-time.Minute) // newest but already expired
	older := record(now.Add(-time.Hour), 8*time.Hour)
	require.NoError(t, s.Save(newest))
	require.NoError(t, s.Save(older))

	got, err := s.LatestActive(now)
	require.NoError(t, err)
	assert.Equal(t, older.ID, got.ID)
}

func TestLatestActiveEmptyStore(t *testing.T) {
	s := openTestStore(t)
	_, err := s.LatestActive(time.Now())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestOverviewCounts(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()
	live := record(now, 8*time.Hour)
	require.NoError(t, s.Save(live))
	require.NoError(t, s.Save(record(now.Add(-20*time.Hour), 8*time.Hour)))

	overview, err := s.Overview(now)
	require.NoError(t, err)
	assert.Equal(t, models.SessionsOverview{Total: 2, Active: 1, Expired: 1, LatestID: live.ID}, overview)
}

func TestConcurrentSavesSameID(t *testing.T) {
	s := openTestStore(t)
	rec := record(time.Now().UTC(), 8*time.Hour)
	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func(i int) {
			r := *rec
			r.LastURL = fmt.Sprintf("https://portal.example/page%d", i)
			done <- s.Save(&r)
		}(i)
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}

	got, err := s.Load(rec.ID)
	require.NoError(t, err)
	// One of the writers won; the record is intact either way.
	assert.Contains(t, got.LastURL, "https://portal.example/page")
}
