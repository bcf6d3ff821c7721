// Package store provides the relational metadata store for codebases: the
// Codebase row referenced throughout the ingestion orchestrator and the
// HTTP API. It is backed by bbolt, mirroring the vector index adapter's and
// session store's choice of an embedded, dependency-free database.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

// Status is the lifecycle state of a Codebase, per §3's monotonic
// {queued -> processing -> (completed | failed)} invariant.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// statusRank gives the ordering used to enforce monotonic forward
// transitions; completed and failed are both terminal (rank 2).
var statusRank = map[Status]int{
	StatusQueued:     0,
	StatusProcessing: 1,
	StatusCompleted:  2,
	StatusFailed:     2,
}

// SourceKind is how a codebase's bytes were obtained.
type SourceKind string

const (
	SourceArchive   SourceKind = "archive"
	SourceRemoteURL SourceKind = "remote-url"
)

// Codebase is the canonical record for an uploaded artifact, per §3.
type Codebase struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	SourceKind      SourceKind `json:"source_kind"`
	SourceURL       string     `json:"source_url,omitempty"`
	Status          Status     `json:"status"`
	TotalFiles      int        `json:"total_files"`
	ProcessedFiles  int        `json:"processed_files"`
	PrimaryLanguage string     `json:"primary_language,omitempty"`
	Languages       []string   `json:"languages,omitempty"`
	SizeBytes       int64      `json:"size_bytes"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	WorkflowID      string     `json:"workflow_id,omitempty"`
	SecretsDetected int        `json:"secrets_detected"`
	StoragePath     string     `json:"storage_path,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

var (
	bucketCodebases = []byte("codebases")
)

// Store is the bbolt-backed Codebase repository.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the bbolt database at path and
// ensures its buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCodebases)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new Codebase row in StatusQueued.
func (s *Store) Create(cb *Codebase) error {
	now := nowFunc()
	cb.Status = StatusQueued
	cb.CreatedAt = now
	cb.UpdatedAt = now

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCodebases)
		data, err := json.Marshal(cb)
		if err != nil {
			return err
		}
		return b.Put([]byte(cb.ID), data)
	})
}

// Get retrieves a Codebase by id, returning ErrNotFound if absent.
func (s *Store) Get(id string) (*Codebase, error) {
	var cb Codebase
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCodebases)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &cb)
	})
	if err != nil {
		return nil, err
	}
	return &cb, nil
}

// List returns all codebases ordered by creation time, newest first.
func (s *Store) List() ([]*Codebase, error) {
	var out []*Codebase
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCodebases)
		return b.ForEach(func(_, data []byte) error {
			var cb Codebase
			if err := json.Unmarshal(data, &cb); err != nil {
				return err
			}
			out = append(out, &cb)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// StatusUpdate carries the fields the orchestrator is allowed to mutate on
// every stage transition.
type StatusUpdate struct {
	Status          Status
	ProcessedFiles  *int
	TotalFiles      *int
	PrimaryLanguage *string
	Languages       []string
	ErrorMessage    *string
	SecretsDetected *int
	WorkflowID      *string
	StoragePath     *string
}

// UpdateStatus applies a partial StatusUpdate to the Codebase row,
// enforcing the monotonic forward status-transition invariant (§3 I-4).
func (s *Store) UpdateStatus(id string, upd StatusUpdate) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCodebases)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var cb Codebase
		if err := json.Unmarshal(data, &cb); err != nil {
			return err
		}

		if upd.Status != "" {
			if statusRank[upd.Status] < statusRank[cb.Status] {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cb.Status, upd.Status)
			}
			cb.Status = upd.Status
		}
		if upd.ProcessedFiles != nil {
			cb.ProcessedFiles = *upd.ProcessedFiles
		}
		if upd.TotalFiles != nil {
			cb.TotalFiles = *upd.TotalFiles
		}
		if upd.PrimaryLanguage != nil {
			cb.PrimaryLanguage = *upd.PrimaryLanguage
		}
		if upd.Languages != nil {
			cb.Languages = upd.Languages
		}
		if upd.ErrorMessage != nil {
			cb.ErrorMessage = *upd.ErrorMessage
		}
		if upd.SecretsDetected != nil {
			cb.SecretsDetected = *upd.SecretsDetected
		}
		if upd.WorkflowID != nil {
			cb.WorkflowID = *upd.WorkflowID
		}
		if upd.StoragePath != nil {
			cb.StoragePath = *upd.StoragePath
		}
		cb.UpdatedAt = nowFunc()

		out, err := json.Marshal(cb)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

// Delete removes the Codebase row. Cascading deletion of chunks, sessions,
// blobs, and live workflows is the caller's responsibility (the
// orchestrator composes this with the vector store, session store, and
// blob directory removal); this method only removes the row itself, per
// §3's single-responsibility split between components.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCodebases)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

// nowFunc is indirected so tests can control timestamps.
var nowFunc = time.Now
