package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "codebases.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := openTestStore(t)

	cb := &Codebase{ID: "cb-1", Name: "demo", SourceKind: SourceArchive}
	require.NoError(t, s.Create(cb))
	assert.Equal(t, StatusQueued, cb.Status)

	got, err := s.Get("cb-1")
	require.NoError(t, err)
	assert.Equal(t, "demo", got.Name)
	assert.Equal(t, StatusQueued, got.Status)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get("nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpdateStatusMonotonic(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Create(&Codebase{ID: "cb-1", Name: "demo"}))

	require.NoError(t, s.UpdateStatus("cb-1", StatusUpdate{Status: StatusProcessing}))
	require.NoError(t, s.UpdateStatus("cb-1", StatusUpdate{Status: StatusCompleted}))

	err := s.UpdateStatus("cb-1", StatusUpdate{Status: StatusProcessing})
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestUpdateStatusPartialFields(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Create(&Codebase{ID: "cb-1", Name: "demo"}))

	processed := 3
	total := 10
	require.NoError(t, s.UpdateStatus("cb-1", StatusUpdate{
		Status:         StatusProcessing,
		ProcessedFiles: &processed,
		TotalFiles:     &total,
	}))

	got, err := s.Get("cb-1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.ProcessedFiles)
	assert.Equal(t, 10, got.TotalFiles)
	assert.LessOrEqual(t, got.ProcessedFiles, got.TotalFiles)
}

func TestListOrdersNewestFirst(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Create(&Codebase{ID: "cb-1", Name: "first"}))
	require.NoError(t, s.Create(&Codebase{ID: "cb-2", Name: "second"}))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestDeleteRemovesRow(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Create(&Codebase{ID: "cb-1", Name: "demo"}))
	require.NoError(t, s.Delete("cb-1"))

	_, err := s.Get("cb-1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDeleteMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.Delete("nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}
