// Package session implements the key-value conversation store described in
// §3 and §4.5: bounded, per-codebase conversation history with a
// time-to-live enforced on read and refreshed on every write, mirroring
// the key layout of a hash-per-session / list-per-session-messages /
// set-per-codebase design so a live Redis deployment could stand in for
// the embedded store without a schema change.
package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// Role is who authored a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a Session's conversation, per §3.
type Message struct {
	ID                string    `json:"id"`
	Role              Role      `json:"role"`
	Content           string    `json:"content"`
	Citations         []string  `json:"citations,omitempty"`
	RetrievedChunkIDs []string  `json:"retrieved_chunk_ids,omitempty"`
	TokenCount        int       `json:"token_count,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Session is a bounded conversational context scoped to one codebase.
type Session struct {
	ID           string    `json:"id"`
	CodebaseID   string    `json:"codebase_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	MessageCount int       `json:"message_count"`
}

var (
	bucketSessions         = []byte("session")           // session:<id> -> Session
	bucketMessages         = []byte("session_messages")  // session:<id>:messages -> []Message (json array)
	bucketCodebaseSessions = []byte("codebase_sessions")  // codebase:<id>:sessions -> set of session ids
	bucketExpiry           = []byte("session_expiry")     // session:<id> -> unix expiry
)

// Store is the bbolt-backed key-value session store.
type Store struct {
	db            *bbolt.DB
	retention     time.Duration
	maxHistoryLen int
}

// NewStore opens (creating if necessary) the session database at path.
// retentionDays mirrors the Redis TTL described in §3 (default 7 days);
// maxHistoryLen bounds how many messages AddMessage keeps per session.
func NewStore(path string, retentionDays int, maxHistoryLen int) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketSessions, bucketMessages, bucketCodebaseSessions, bucketExpiry} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init session buckets: %w", err)
	}

	if retentionDays <= 0 {
		retentionDays = 7
	}
	if maxHistoryLen <= 0 {
		maxHistoryLen = 20
	}

	return &Store{
		db:            db,
		retention:     time.Duration(retentionDays) * 24 * time.Hour,
		maxHistoryLen: maxHistoryLen,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create starts a new session scoped to codebaseID.
func (s *Store) Create(codebaseID string) (*Session, error) {
	now := nowFunc()
	sess := &Session{
		ID:           uuid.NewString(),
		CodebaseID:   codebaseID,
		CreatedAt:    now,
		LastActiveAt: now,
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := putJSON(tx.Bucket(bucketSessions), sess.ID, sess); err != nil {
			return err
		}
		if err := putExpiry(tx.Bucket(bucketExpiry), sess.ID, now.Add(s.retention)); err != nil {
			return err
		}
		return addToSet(tx.Bucket(bucketCodebaseSessions), codebaseID, sess.ID)
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Get retrieves a session by id, returning ErrNotFound if absent or
// expired. Expired sessions are swept on access.
func (s *Store) Get(id string) (*Session, error) {
	var sess Session
	var expired bool

	err := s.db.View(func(tx *bbolt.Tx) error {
		if s.isExpired(tx, id) {
			expired = true
			return nil
		}
		data := tx.Bucket(bucketSessions).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &sess)
	})
	if err != nil {
		return nil, err
	}
	if expired {
		_ = s.Delete(id)
		return nil, ErrNotFound
	}
	return &sess, nil
}

// GetOrCreate returns an existing, non-expired session or creates a new
// one scoped to codebaseID.
func (s *Store) GetOrCreate(id, codebaseID string) (*Session, error) {
	if id != "" {
		sess, err := s.Get(id)
		if err == nil {
			return sess, nil
		}
		if err != ErrNotFound {
			return nil, err
		}
	}
	return s.Create(codebaseID)
}

// AddMessage appends a message to the session's history, refreshes the
// TTL, and trims history to the configured maximum length.
func (s *Store) AddMessage(sessionID string, role Role, content string, citations, retrievedChunkIDs []string, tokenCount int) (*Message, error) {
	msg := &Message{
		ID:                uuid.NewString(),
		Role:              role,
		Content:           content,
		Citations:         citations,
		RetrievedChunkIDs: retrievedChunkIDs,
		TokenCount:        tokenCount,
		CreatedAt:         nowFunc(),
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		sb := tx.Bucket(bucketSessions)
		data := sb.Get([]byte(sessionID))
		if data == nil {
			return ErrNotFound
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return err
		}

		mb := tx.Bucket(bucketMessages)
		var msgs []Message
		if raw := mb.Get([]byte(sessionID)); raw != nil {
			if err := json.Unmarshal(raw, &msgs); err != nil {
				return err
			}
		}
		msgs = append(msgs, *msg)
		if len(msgs) > s.maxHistoryLen {
			msgs = msgs[len(msgs)-s.maxHistoryLen:]
		}
		out, err := json.Marshal(msgs)
		if err != nil {
			return err
		}
		if err := mb.Put([]byte(sessionID), out); err != nil {
			return err
		}

		sess.MessageCount++
		sess.LastActiveAt = msg.CreatedAt
		if err := putJSON(sb, sessionID, &sess); err != nil {
			return err
		}
		return putExpiry(tx.Bucket(bucketExpiry), sessionID, msg.CreatedAt.Add(s.retention))
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// History returns the session's messages, oldest first, up to the
// store's configured history limit.
func (s *Store) History(sessionID string) ([]Message, error) {
	var msgs []Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		if s.isExpired(tx, sessionID) {
			return ErrNotFound
		}
		raw := tx.Bucket(bucketMessages).Get([]byte(sessionID))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &msgs)
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// DeleteCodebaseSessions removes every session indexed under codebaseID,
// per §3 invariant 3 (deleting a codebase deletes every session in its
// index).
func (s *Store) DeleteCodebaseSessions(codebaseID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		csb := tx.Bucket(bucketCodebaseSessions)
		raw := csb.Get([]byte(codebaseID))
		if raw == nil {
			return nil
		}
		var ids []string
		if err := json.Unmarshal(raw, &ids); err != nil {
			return err
		}
		for _, id := range ids {
			tx.Bucket(bucketSessions).Delete([]byte(id))
			tx.Bucket(bucketMessages).Delete([]byte(id))
			tx.Bucket(bucketExpiry).Delete([]byte(id))
		}
		return csb.Delete([]byte(codebaseID))
	})
}

// Delete removes a single session (and its messages) without touching
// the rest of its codebase's index.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		tx.Bucket(bucketSessions).Delete([]byte(id))
		tx.Bucket(bucketMessages).Delete([]byte(id))
		return tx.Bucket(bucketExpiry).Delete([]byte(id))
	})
}

// SweepExpired performs the lazy expiry sweep described in §4.5,
// removing every session past its TTL. Intended to be called
// periodically by a background workflow, not on the request path.
func (s *Store) SweepExpired() (int, error) {
	now := nowFunc()
	var expiredIDs []string

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketExpiry).ForEach(func(k, v []byte) error {
			var unixNano int64
			if err := json.Unmarshal(v, &unixNano); err != nil {
				return err
			}
			if now.After(time.Unix(0, unixNano)) {
				expiredIDs = append(expiredIDs, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	for _, id := range expiredIDs {
		if err := s.Delete(id); err != nil {
			return 0, err
		}
	}
	return len(expiredIDs), nil
}

func (s *Store) isExpired(tx *bbolt.Tx, id string) bool {
	raw := tx.Bucket(bucketExpiry).Get([]byte(id))
	if raw == nil {
		return false
	}
	var unixNano int64
	if err := json.Unmarshal(raw, &unixNano); err != nil {
		return false
	}
	return nowFunc().After(time.Unix(0, unixNano))
}

func putJSON(b *bbolt.Bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func putExpiry(b *bbolt.Bucket, key string, t time.Time) error {
	data, err := json.Marshal(t.UnixNano())
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func addToSet(b *bbolt.Bucket, setKey, member string) error {
	var ids []string
	if raw := b.Get([]byte(setKey)); raw != nil {
		if err := json.Unmarshal(raw, &ids); err != nil {
			return err
		}
	}
	for _, id := range ids {
		if id == member {
			return nil
		}
	}
	ids = append(ids, member)
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return b.Put([]byte(setKey), data)
}

// nowFunc is indirected so tests can control timestamps.
var nowFunc = time.Now
