package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflows.db")
	r, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func waitForTerminal(t *testing.T, r *Runtime, id string) *Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := r.Get(id)
		require.NoError(t, err)
		if rec != nil && (rec.Status == StatusCompleted || rec.Status == StatusFailed || rec.Status == StatusCancelled) {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("workflow %s did not reach a terminal state in time", id)
	return nil
}

func TestStartRunsToCompletion(t *testing.T) {
	r := openTestRuntime(t)

	err := r.Start(context.Background(), "wf-1", func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	rec := waitForTerminal(t, r, "wf-1")
	assert.Equal(t, StatusCompleted, rec.Status)
}

func TestStartRunsToFailure(t *testing.T) {
	r := openTestRuntime(t)

	err := r.Start(context.Background(), "wf-2", func(ctx context.Context) error {
		return errors.New("boom")
	})
	require.NoError(t, err)

	rec := waitForTerminal(t, r, "wf-2")
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "boom", rec.Error)
}

func TestCancelMarksWorkflowCancelled(t *testing.T) {
	r := openTestRuntime(t)

	started := make(chan struct{})
	err := r.Start(context.Background(), "wf-3", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	<-started
	r.Cancel("wf-3")

	rec := waitForTerminal(t, r, "wf-3")
	assert.Equal(t, StatusCancelled, rec.Status)
}

func TestCheckpointAdvancesLastStage(t *testing.T) {
	r := openTestRuntime(t)

	require.NoError(t, r.record(Record{ID: "wf-4", Status: StatusRunning, StartedAt: time.Now()}))
	require.NoError(t, r.Checkpoint("wf-4", "parsing"))

	rec, err := r.Get("wf-4")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "parsing", rec.LastStage)
	assert.Equal(t, StatusRunning, rec.Status)
}

func TestCheckpointNoOpForUnknownID(t *testing.T) {
	r := openTestRuntime(t)
	assert.NoError(t, r.Checkpoint("does-not-exist", "parsing"))
}

func TestFailOrphanedFailsStaleRunningRecords(t *testing.T) {
	r := openTestRuntime(t)

	require.NoError(t, r.record(Record{ID: "wf-crashed", Status: StatusRunning, LastStage: "embedding_indexing", StartedAt: time.Now()}))
	require.NoError(t, r.record(Record{ID: "wf-done", Status: StatusCompleted, StartedAt: time.Now()}))

	orphaned, err := r.FailOrphaned()
	require.NoError(t, err)
	require.Len(t, orphaned, 1)
	assert.Equal(t, "wf-crashed", orphaned[0].ID)
	assert.Contains(t, orphaned[0].Error, "embedding_indexing")

	rec, err := r.Get("wf-crashed")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)

	untouched, err := r.Get("wf-done")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, untouched.Status)
}

func TestFailOrphanedIsIdempotent(t *testing.T) {
	r := openTestRuntime(t)
	require.NoError(t, r.record(Record{ID: "wf-5", Status: StatusRunning, StartedAt: time.Now()}))

	first, err := r.FailOrphaned()
	require.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := r.FailOrphaned()
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestGetMissingReturnsNilRecord(t *testing.T) {
	r := openTestRuntime(t)
	rec, err := r.Get("nope")
	require.NoError(t, err)
	assert.Nil(t, rec)
}
