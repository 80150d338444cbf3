// Package session persists per-browser-session facts in the session_state
// table: a plain key/value map with explicit save, forget, and pull
// semantics and an explicit commit point.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// Session-store keys. The strings are a contract with any component that
// reads session state; they must match exactly.
const (
	KeyAccessToken = "accessToken"
	KeyLocale      = "locale"
	KeyLoggedName  = "loggedName"
	KeyLoggedUser  = "loggedUser"
)

const defaultTimeout = 5 * time.Second

// ErrNilDB is returned when a store is created without a database handle.
var ErrNilDB = errors.New("session: db is nil")

// Store provides access to the session_state table.
type Store struct {
	DB      *sql.DB
	Timeout time.Duration
}

func (s *Store) timeout() time.Duration {
	if s.Timeout <= 0 {
		return defaultTimeout
	}
	return s.Timeout
}

// Load reads every fact stored for the given session ID. An unknown ID
// yields an empty session; rows appear once Save commits.
func (s *Store) Load(ctx context.Context, id string) (*Session, error) {
	if s.DB == nil {
		return nil, ErrNilDB
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()

	rows, err := s.DB.QueryContext(ctx, `
SELECT key, value
  FROM session_state
 WHERE session_id = $1
`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sess := &Session{
		store:   s,
		ID:      id,
		values:  make(map[string]json.RawMessage),
		dirty:   make(map[string]struct{}),
		removed: make(map[string]struct{}),
	}
	for rows.Next() {
		var (
			key string
			raw []byte
		)
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		sess.values[key] = json.RawMessage(raw)
	}
	return sess, rows.Err()
}

// PruneBefore removes session rows untouched since the cutoff.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.DB == nil {
		return 0, ErrNilDB
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()

	res, err := s.DB.ExecContext(ctx, `DELETE FROM session_state WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Session is one browser session's fact map. Mutations accumulate in memory
// until Save commits them; concurrent requests for the same session race on
// last-write-wins.
type Session struct {
	store   *Store
	ID      string
	values  map[string]json.RawMessage
	dirty   map[string]struct{}
	removed map[string]struct{}
}

// Set stores a value under key, replacing any prior value.
func (s *Session) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.values[key] = raw
	s.dirty[key] = struct{}{}
	delete(s.removed, key)
	return nil
}

// Get unmarshals the value under key into dst, reporting whether it existed.
func (s *Session) Get(key string, dst any) (bool, error) {
	raw, ok := s.values[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

// GetString returns the string under key, or "" when absent or not a string.
func (s *Session) GetString(key string) string {
	var v string
	if ok, err := s.Get(key, &v); !ok || err != nil {
		return ""
	}
	return v
}

// PullString reads and removes the string under key (single-use).
func (s *Session) PullString(key string) string {
	v := s.GetString(key)
	s.Forget(key)
	return v
}

// Forget removes the key; the removal is committed by the next Save.
func (s *Session) Forget(key string) {
	delete(s.values, key)
	delete(s.dirty, key)
	s.removed[key] = struct{}{}
}

// Save commits pending writes and removals in one transaction.
func (s *Session) Save(ctx context.Context) error {
	if len(s.dirty) == 0 && len(s.removed) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.store.timeout())
	defer cancel()

	tx, err := s.store.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for key := range s.removed {
		if _, err := tx.ExecContext(ctx, `
DELETE FROM session_state
 WHERE session_id = $1
   AND key = $2
`, s.ID, key); err != nil {
			return err
		}
	}
	for key := range s.dirty {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO session_state (session_id, key, value, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (session_id, key) DO UPDATE
   SET value      = EXCLUDED.value,
       updated_at = now()
`, s.ID, key, []byte(s.values[key])); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.dirty = make(map[string]struct{})
	s.removed = make(map[string]struct{})
	return nil
}
