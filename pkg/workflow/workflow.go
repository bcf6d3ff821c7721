// Package workflow is the minimal durable-workflow-runtime surface
// spec.md §5 calls for: "the Orchestrator runs inside a separate worker
// process... driven by the durable-workflow runtime." No example repo
// carries a workflow-engine client (no Temporal SDK or equivalent), so
// this package supplies a small concrete Runtime a single process can
// run standalone, behind an interface narrow enough that a real engine
// could stand in without touching pkg/ingest.Orchestrator or
// cmd/codegrokd's wiring.
//
// The journal/status bookkeeping is grounded on ternarybob-iter's own
// embedded-storage bias (bbolt for everything that isn't the vector
// index); the cron loop is a single `time.Ticker` owned here rather than
// scattered across cmd/, per SPEC_FULL.md §9's design note.
//
// Durability scope: each workflow run's Record carries a LastStage
// field that Checkpoint advances after every ingestion stage reports
// through the same StatusSink that already mirrors progress to the
// Codebase row (internal/api's statusSink calls Checkpoint from
// OnStatus), so the journal always names the last stage boundary a run
// crossed. What this Runtime does NOT do is re-execute only the
// stages after that boundary on restart: pkg/ingest.Orchestrator.Run
// holds no per-stage persisted artifacts (acquired files, parsed
// chunks) to resume from, so a run interrupted mid-flight cannot be
// replayed from LastStage the way a Temporal-style workflow would.
// Instead, FailOrphaned (called once at startup, after Open) scans for
// Records a crash left in StatusRunning and transitions them to
// StatusFailed with LastStage in the error message, so a restart always
// surfaces an explicit, queryable failure instead of an orphaned record
// that silently never completes. Callers are expected to re-upload the
// codebase to retry, per spec.md §4.5's "partial artifacts are not
// rolled back; the caller is expected to delete the codebase to clean
// up" failure semantics.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// Status is a workflow run's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Record is the durable view of one workflow run, persisted so a crash
// or restart leaves a queryable trail even though the in-process
// goroutine driving it does not survive the process. LastStage is
// advanced by Checkpoint after every stage the driving function reports
// through, so a crashed run's journal entry names exactly how far it
// got.
type Record struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	LastStage string    `json:"last_stage,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

var bucketRuns = []byte("workflow_runs")

// Runtime is an in-process, single-node workflow runtime: it runs each
// workflow function in its own goroutine, recording lifecycle
// transitions to a bbolt journal, and owns a cron loop for periodic
// maintenance jobs (session sweep, KV sweep) rather than having cmd/
// scatter its own tickers.
type Runtime struct {
	db *bbolt.DB

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	cronStop chan struct{}
	cronWG   sync.WaitGroup
}

// Open opens (creating if necessary) the workflow journal at path.
func Open(path string) (*Runtime, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open workflow journal: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRuns)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init workflow journal: %w", err)
	}
	return &Runtime{db: db, cancels: make(map[string]context.CancelFunc)}, nil
}

// Close stops the cron loop (if started) and closes the journal.
func (r *Runtime) Close() error {
	if r.cronStop != nil {
		close(r.cronStop)
		r.cronWG.Wait()
	}
	return r.db.Close()
}

// Start launches fn as workflow id in its own goroutine, recording
// status transitions to the journal. It returns immediately; callers
// poll Get for status, matching the async-workflow-kickoff contract
// POST /codebase/upload's 202 response relies on.
func (r *Runtime) Start(parent context.Context, id string, fn func(ctx context.Context) error) error {
	if err := r.record(Record{ID: id, Status: StatusQueued, StartedAt: nowFunc()}); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancels[id] = cancel
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.cancels, id)
			r.mu.Unlock()
		}()

		_ = r.record(Record{ID: id, Status: StatusRunning, StartedAt: nowFunc()})

		err := fn(ctx)

		end := nowFunc()
		switch {
		case ctx.Err() != nil:
			_ = r.record(Record{ID: id, Status: StatusCancelled, StartedAt: nowFunc(), EndedAt: end})
		case err != nil:
			_ = r.record(Record{ID: id, Status: StatusFailed, Error: err.Error(), EndedAt: end})
		default:
			_ = r.record(Record{ID: id, Status: StatusCompleted, EndedAt: end})
		}
	}()

	_ = parent
	return nil
}

// Checkpoint advances id's journal entry to record stage as the last
// stage boundary it crossed, preserving the record's current Status and
// StartedAt. Callers report through this after every stage completes
// (internal/api's statusSink calls it from OnStatus), so a crash mid-run
// leaves LastStage naming exactly where execution stopped. A no-op if
// id has no journal entry yet.
func (r *Runtime) Checkpoint(id, stage string) error {
	rec, err := r.Get(id)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	rec.LastStage = stage
	return r.record(*rec)
}

// FailOrphaned scans the journal for runs a prior process left in
// StatusRunning — a crash or kill mid-flight never got the chance to
// write a terminal Completed/Failed/Cancelled record — and transitions
// each to StatusFailed, naming the stage it was last known to be in.
// Call once at startup after Open, before accepting new uploads, so a
// restart never leaves a run silently stuck in "running" forever; per
// spec.md §4.5 the caller re-uploads the codebase to retry since partial
// artifacts are not rolled back.
func (r *Runtime) FailOrphaned() ([]Record, error) {
	var orphaned []Record
	err := r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		return b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if rec.Status != StatusRunning {
				return nil
			}
			rec.Status = StatusFailed
			rec.EndedAt = nowFunc()
			if rec.LastStage != "" {
				rec.Error = fmt.Sprintf("interrupted by process restart after stage %q; re-upload the codebase to retry", rec.LastStage)
			} else {
				rec.Error = "interrupted by process restart; re-upload the codebase to retry"
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put(k, data); err != nil {
				return err
			}
			orphaned = append(orphaned, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return orphaned, nil
}

// Cancel best-effort-signals a running workflow, per spec.md §5's
// "client-initiated codebase deletion cancels a running workflow by
// best-effort signal" rule. A no-op if the workflow already finished.
func (r *Runtime) Cancel(id string) {
	r.mu.Lock()
	cancel, ok := r.cancels[id]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// CancelAll best-effort-signals every workflow currently tracked as
// running, used by the service's graceful-shutdown path so a process
// stop doesn't leave in-flight ingestions burning CPU past the
// shutdown deadline with nothing left to report their result to.
func (r *Runtime) CancelAll() {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.cancels))
	for _, cancel := range r.cancels {
		cancels = append(cancels, cancel)
	}
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Get returns the last recorded status for id.
func (r *Runtime) Get(id string) (*Record, error) {
	var rec Record
	found := false
	err := r.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

func (r *Runtime) record(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).Put([]byte(rec.ID), data)
	})
}

// RegisterCron starts a periodic background job running fn every
// interval until Close is called, the single owner of "scattered
// time.Ticker" maintenance loops per SPEC_FULL.md §9.
func (r *Runtime) RegisterCron(interval time.Duration, name string, fn func(ctx context.Context) error) {
	if r.cronStop == nil {
		r.cronStop = make(chan struct{})
	}
	r.cronWG.Add(1)
	go func() {
		defer r.cronWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.cronStop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				_ = fn(ctx)
				cancel()
			}
		}
	}()
	_ = name
}

var nowFunc = time.Now
