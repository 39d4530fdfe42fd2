package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketSessions       = []byte("sessions")
	bucketSessionsDigest = []byte("sessions_by_digest")
	bucketSessionsByUser = []byte("sessions_by_subject")
)

// errDigestTaken is returned when a generated digest already exists.
var errDigestTaken = errors.New("session: secret digest already exists")

// BoltStore implements Store over an embedded bbolt database.
// Every mutation runs in a single bbolt write transaction, which bbolt
// serializes process-wide.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore ensures the session buckets exist. The db handle is owned by the caller.
func NewBoltStore(db *bbolt.DB) (*BoltStore, error) {
	if db == nil {
		return nil, errors.New("session: nil bolt db")
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketSessions, bucketSessionsDigest, bucketSessionsByUser} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// boltRow keeps timestamps as text so rows written without a zone still decode.
type boltRow struct {
	ID           string  `json:"id"`
	Subject      string  `json:"subject"`
	SecretDigest string  `json:"secret_digest"`
	IssuedAt     string  `json:"issued_at"`
	ExpiresAt    string  `json:"expires_at"`
	LastUsedAt   *string `json:"last_used_at,omitempty"`
	Revoked      bool    `json:"revoked"`
	DeviceType   *string `json:"device_type,omitempty"`
	DeviceID     *string `json:"device_id,omitempty"`
	UserAgent    *string `json:"user_agent,omitempty"`
	IP           *string `json:"ip,omitempty"`
	ReplacedBy   *string `json:"replaced_by,omitempty"`
}

// naiveLayouts are accepted for legacy rows and read as UTC.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseStoredTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return normalizeTime(t), nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("session: unparseable timestamp %q", s)
}

func formatStoredTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func encodeRow(r Row) ([]byte, error) {
	rec := boltRow{
		ID:           r.ID,
		Subject:      r.Subject,
		SecretDigest: r.SecretDigest,
		IssuedAt:     formatStoredTime(r.IssuedAt),
		ExpiresAt:    formatStoredTime(r.ExpiresAt),
		Revoked:      r.Revoked,
		DeviceID:     r.DeviceID,
		UserAgent:    r.UserAgent,
		IP:           r.IP,
		ReplacedBy:   r.ReplacedBy,
	}
	if r.LastUsedAt != nil {
		s := formatStoredTime(*r.LastUsedAt)
		rec.LastUsedAt = &s
	}
	if r.DeviceType != nil {
		s := string(*r.DeviceType)
		rec.DeviceType = &s
	}
	return json.Marshal(rec)
}

func decodeRow(raw []byte) (Row, error) {
	var rec boltRow
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Row{}, fmt.Errorf("decode session: %w", err)
	}
	issued, err := parseStoredTime(rec.IssuedAt)
	if err != nil {
		return Row{}, err
	}
	expires, err := parseStoredTime(rec.ExpiresAt)
	if err != nil {
		return Row{}, err
	}
	out := Row{
		ID:           rec.ID,
		Subject:      rec.Subject,
		SecretDigest: rec.SecretDigest,
		IssuedAt:     issued,
		ExpiresAt:    expires,
		Revoked:      rec.Revoked,
		DeviceID:     rec.DeviceID,
		UserAgent:    rec.UserAgent,
		IP:           rec.IP,
		ReplacedBy:   rec.ReplacedBy,
	}
	if rec.LastUsedAt != nil {
		t, err := parseStoredTime(*rec.LastUsedAt)
		if err != nil {
			return Row{}, err
		}
		out.LastUsedAt = &t
	}
	if rec.DeviceType != nil {
		dt := DeviceType(*rec.DeviceType)
		out.DeviceType = &dt
	}
	return out, nil
}

func subjectKey(subject, id string) []byte {
	return []byte(subject + "\x00" + id)
}

func getRow(tx *bbolt.Tx, id []byte) (Row, bool, error) {
	raw := tx.Bucket(bucketSessions).Get(id)
	if raw == nil {
		return Row{}, false, nil
	}
	r, err := decodeRow(raw)
	return r, err == nil, err
}

func putRow(tx *bbolt.Tx, r Row) error {
	raw, err := encodeRow(r)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketSessions).Put([]byte(r.ID), raw)
}

func insertRow(tx *bbolt.Tx, r Row) error {
	byDigest := tx.Bucket(bucketSessionsDigest)
	if byDigest.Get([]byte(r.SecretDigest)) != nil {
		return errDigestTaken
	}
	if err := byDigest.Put([]byte(r.SecretDigest), []byte(r.ID)); err != nil {
		return err
	}
	if err := tx.Bucket(bucketSessionsByUser).Put(subjectKey(r.Subject, r.ID), []byte{}); err != nil {
		return err
	}
	return putRow(tx, r)
}

// subjectRows returns every row of subject in id (issue) order.
func subjectRows(tx *bbolt.Tx, subject string) ([]Row, error) {
	prefix := []byte(subject + "\x00")
	var out []Row
	c := tx.Bucket(bucketSessionsByUser).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		r, ok, err := getRow(tx, k[len(prefix):])
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// revokeWhere marks matching unrevoked rows revoked with last_used_at=now.
func revokeWhere(rows []Row, now time.Time, match func(Row) bool, tx *bbolt.Tx) (int64, error) {
	var n int64
	for _, r := range rows {
		if r.Revoked || !match(r) {
			continue
		}
		r.Revoked = true
		t := now.UTC()
		r.LastUsedAt = &t
		if err := putRow(tx, r); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func revokeActiveForDeviceBolt(tx *bbolt.Tx, now time.Time, subject string, dt DeviceType, exceptID string) (int64, error) {
	rows, err := subjectRows(tx, subject)
	if err != nil {
		return 0, err
	}
	return revokeWhere(rows, now, func(r Row) bool {
		return r.ID != exceptID && r.DeviceType != nil && *r.DeviceType == dt
	}, tx)
}

// Create implements Store.
func (s *BoltStore) Create(ctx context.Context, in NewRow) (Row, error) {
	if err := checkNewRow(in); err != nil {
		return Row{}, err
	}
	id, err := newSessionID(in.IssuedAt)
	if err != nil {
		return Row{}, err
	}
	row := rowFrom(id, in)

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if in.Device.Type != "" {
			if _, err := revokeActiveForDeviceBolt(tx, in.IssuedAt, in.Subject, in.Device.Type, ""); err != nil {
				return err
			}
		}
		return insertRow(tx, row)
	})
	if err != nil {
		return Row{}, err
	}
	return row, nil
}

// FindByDigest implements Store.
func (s *BoltStore) FindByDigest(ctx context.Context, digest string) (Row, error) {
	if strings.TrimSpace(digest) == "" {
		return Row{}, ErrSessionNotFound
	}
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	var out Row
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketSessionsDigest).Get([]byte(digest))
		if id == nil {
			return ErrSessionNotFound
		}
		r, ok, err := getRow(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrSessionNotFound
		}
		out = r
		return nil
	})
	return out, err
}

// Revoke implements Store.
func (s *BoltStore) Revoke(ctx context.Context, now time.Time, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, ok, err := getRow(tx, []byte(id))
		if err != nil {
			return err
		}
		if !ok {
			return ErrSessionNotFound
		}
		_, err = revokeWhere([]Row{r}, now, func(Row) bool { return true }, tx)
		return err
	})
}

// RevokeActiveForDevice implements Store.
func (s *BoltStore) RevokeActiveForDevice(ctx context.Context, now time.Time, subject string, dt DeviceType) (int64, error) {
	if dt == "" {
		return 0, nil
	}
	var n int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		n, err = revokeActiveForDeviceBolt(tx, now, subject, dt, "")
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// RevokeAllForSubject implements Store.
func (s *BoltStore) RevokeAllForSubject(ctx context.Context, now time.Time, subject string) (int64, error) {
	var n int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := subjectRows(tx, subject)
		if err != nil {
			return err
		}
		n, err = revokeWhere(rows, now, func(Row) bool { return true }, tx)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ListForSubject implements Store.
func (s *BoltStore) ListForSubject(ctx context.Context, subject string) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Row
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		out, err = subjectRows(tx, subject)
		return err
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(out)
	return out, nil
}

// ListAll implements Store.
func (s *BoltStore) ListAll(ctx context.Context) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Row
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(_, v []byte) error {
			r, err := decodeRow(v)
			if err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(out)
	return out, nil
}

// Rotate implements Store.
func (s *BoltStore) Rotate(ctx context.Context, oldDigest string, next NewRow) (Row, Row, error) {
	var old, created Row
	now := next.IssuedAt

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := tx.Bucket(bucketSessionsDigest).Get([]byte(oldDigest))
		if id == nil {
			return ErrSessionNotFound
		}
		r, ok, err := getRow(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrSessionNotFound
		}
		old = r
		if old.Revoked {
			return ErrSessionRevoked
		}
		if !old.ExpiresAt.After(now) {
			return ErrSessionExpired
		}

		in := inherit(old, next)
		if err := checkNewRow(in); err != nil {
			return err
		}
		newID, err := newSessionID(now)
		if err != nil {
			return err
		}
		created = rowFrom(newID, in)

		t := now.UTC()
		old.Revoked = true
		old.LastUsedAt = &t
		old.ReplacedBy = &newID
		if err := putRow(tx, old); err != nil {
			return err
		}
		if in.Device.Type != "" {
			if _, err := revokeActiveForDeviceBolt(tx, now, old.Subject, in.Device.Type, old.ID); err != nil {
				return err
			}
		}
		return insertRow(tx, created)
	})
	if err != nil {
		return old, Row{}, err
	}
	return old, created, nil
}

// RevokeExpired implements Store.
func (s *BoltStore) RevokeExpired(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		// ForEach callbacks must not modify the bucket; collect first.
		var rows []Row
		err := tx.Bucket(bucketSessions).ForEach(func(_, v []byte) error {
			r, err := decodeRow(v)
			if err != nil {
				return err
			}
			if !r.Revoked && r.ExpiresAt.Before(now) {
				rows = append(rows, r)
			}
			return nil
		})
		if err != nil {
			return err
		}
		n, err = revokeWhere(rows, now, func(Row) bool { return true }, tx)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func sortNewestFirst(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].IssuedAt.Equal(rows[j].IssuedAt) {
			return rows[i].IssuedAt.After(rows[j].IssuedAt)
		}
		return rows[i].ID > rows[j].ID
	})
}
