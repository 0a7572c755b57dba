// Package store persists session records in a bbolt file, one JSON
// value per session id.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/shehryarbajwa/portalgate/pkg/models"
)

// ErrSessionNotFound means no record exists under the requested id.
var ErrSessionNotFound = errors.New("store: session not found")

var sessionsBucket = []byte("sessions")

// Store is a durable session-record store. All writes go through bbolt
// update transactions, so concurrent saves to the same id serialize.
type Store struct {
	db     *bolt.DB
	logger *slog.Logger
}

// Open creates or opens the store file at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening session db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating sessions bucket: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Save writes rec under its id, replacing any previous version.
func (s *Store) Save(rec *models.SessionRecord) error {
	if rec.ID == "" {
		return errors.New("store: session id must not be empty")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", rec.ID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(rec.ID), data)
	})
}

// Load returns the record stored under id.
func (s *Store) Load(id string) (*models.SessionRecord, error) {
	var rec *models.SessionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(sessionsBucket).Get([]byte(id))
		if data == nil {
			return ErrSessionNotFound
		}
		rec = &models.SessionRecord{}
		if err := json.Unmarshal(data, rec); err != nil {
			return fmt.Errorf("decoding session %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes the record under id. Deleting a missing id is a no-op.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(id))
	})
}

// List returns all records, newest first. Entries that no longer decode
// are skipped with a warning rather than failing the listing.
func (s *Store) List() ([]*models.SessionRecord, error) {
	var records []*models.SessionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(k, v []byte) error {
			rec := &models.SessionRecord{}
			if err := json.Unmarshal(v, rec); err != nil {
				s.logger.Warn("skipping corrupt session record", "id", string(k), "error", err)
				return nil
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// LatestActive returns the newest record that has not expired at now.
func (s *Store) LatestActive(now time.Time) (*models.SessionRecord, error) {
	records, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if !rec.ExpiredAt(now) {
			return rec, nil
		}
	}
	return nil, ErrSessionNotFound
}

// CleanupExpired removes every record expired at now and returns how
// many expired records were removed. Records that no longer decode are
// dropped in the same sweep but do not count toward the total.
func (s *Store) CleanupExpired(now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(sessionsBucket)
		var expired, corrupt [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			rec := &models.SessionRecord{}
			if err := json.Unmarshal(v, rec); err != nil {
				s.logger.Warn("removing corrupt session record", "id", string(k), "error", err)
				corrupt = append(corrupt, append([]byte(nil), k...))
				return nil
			}
			if rec.ExpiredAt(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			removed++
		}
		for _, k := range corrupt {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Overview aggregates the stored records for the summary endpoint.
func (s *Store) Overview(now time.Time) (models.SessionsOverview, error) {
	records, err := s.List()
	if err != nil {
		return models.SessionsOverview{}, err
	}
	overview := models.SessionsOverview{Total: len(records)}
	for _, rec := range records {
		if rec.ExpiredAt(now) {
			overview.Expired++
		} else {
			overview.Active++
			if overview.LatestID == "" {
				overview.LatestID = rec.ID
			}
		}
	}
	return overview, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}
