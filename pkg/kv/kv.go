// Package kv is a small generic bbolt-backed key-value store. It exists
// because pkg/ratelimit.Store needs a byte-oriented Get/Set-with-TTL
// interface that pkg/session.Store's session-shaped API doesn't expose;
// this package adapts the same embedded-database choice (bbolt) that
// internal/store and pkg/session already made, per spec.md §1's
// "no new database engine" stance.
package kv

import (
	"context"
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"
)

var bucketKV = []byte("kv")

// entry wraps a stored value with its absolute expiry so a lazy reader
// can tell a stale key from a live one without a background sweeper.
type entry struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store is a generic TTL-aware key-value store over bbolt, satisfying
// pkg/ratelimit.Store.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the bbolt database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKV)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Get returns the value stored at key, or ok=false if absent or expired.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	var e entry
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketKV).Get([]byte(key))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	if !e.ExpiresAt.IsZero() && nowFunc().After(e.ExpiresAt) {
		return nil, false, nil
	}
	return e.Value, true, nil
}

// Set stores value at key with the given ttl (zero means no expiry).
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var expires time.Time
	if ttl > 0 {
		expires = nowFunc().Add(ttl)
	}
	data, err := json.Marshal(entry{Value: value, ExpiresAt: expires})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), data)
	})
}

// Sweep removes every expired entry; a daily cron companion calls this
// the same way pkg/session.Store.SweepExpired does, per spec.md §8.
func (s *Store) Sweep(context.Context) (int, error) {
	removed := 0
	now := nowFunc()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketKV)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var e entry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			if !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

var nowFunc = time.Now
