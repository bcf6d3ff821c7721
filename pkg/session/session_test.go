package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, retentionDays, maxHistory int) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	s, err := NewStore(path, retentionDays, maxHistory)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreate(t *testing.T) {
	s := openTestStore(t, 7, 20)

	sess, err := s.Create("cb-1")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "cb-1", sess.CodebaseID)
	assert.Equal(t, 0, sess.MessageCount)
}

func TestGetReturnsCreatedSession(t *testing.T) {
	s := openTestStore(t, 7, 20)

	created, err := s.Create("cb-1")
	require.NoError(t, err)

	got, err := s.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "cb-1", got.CodebaseID)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t, 7, 20)
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetOrCreate(t *testing.T) {
	s := openTestStore(t, 7, 20)

	first, err := s.GetOrCreate("", "cb-1")
	require.NoError(t, err)

	second, err := s.GetOrCreate(first.ID, "cb-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	third, err := s.GetOrCreate("does-not-exist", "cb-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestAddMessageAndHistory(t *testing.T) {
	s := openTestStore(t, 7, 20)
	sess, err := s.Create("cb-1")
	require.NoError(t, err)

	_, err = s.AddMessage(sess.ID, RoleUser, "what does main do?", nil, nil, 5)
	require.NoError(t, err)
	_, err = s.AddMessage(sess.ID, RoleAssistant, "it parses flags", []string{"main.go:1-10"}, []string{"chunk-1"}, 12)
	require.NoError(t, err)

	history, err := s.History(sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, RoleUser, history[0].Role)
	assert.Equal(t, RoleAssistant, history[1].Role)
	assert.Equal(t, []string{"main.go:1-10"}, history[1].Citations)

	updated, err := s.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.MessageCount)
}

func TestHistoryTrimmedToMaxLength(t *testing.T) {
	s := openTestStore(t, 7, 3)
	sess, err := s.Create("cb-1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.AddMessage(sess.ID, RoleUser, "msg", nil, nil, 1)
		require.NoError(t, err)
	}

	history, err := s.History(sess.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestSessionExpiresAfterRetention(t *testing.T) {
	s := openTestStore(t, 7, 20)
	sess, err := s.Create("cb-1")
	require.NoError(t, err)

	original := nowFunc
	nowFunc = func() time.Time { return original().Add(8 * 24 * time.Hour) }
	defer func() { nowFunc = original }()

	_, err = s.Get(sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteCodebaseSessionsCascades(t *testing.T) {
	s := openTestStore(t, 7, 20)

	s1, err := s.Create("cb-1")
	require.NoError(t, err)
	s2, err := s.Create("cb-1")
	require.NoError(t, err)
	s3, err := s.Create("cb-2")
	require.NoError(t, err)

	require.NoError(t, s.DeleteCodebaseSessions("cb-1"))

	_, err = s.Get(s1.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(s2.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	stillThere, err := s.Get(s3.ID)
	require.NoError(t, err)
	assert.Equal(t, "cb-2", stillThere.CodebaseID)
}

func TestSweepExpiredRemovesOnlyExpired(t *testing.T) {
	s := openTestStore(t, 7, 20)
	sess, err := s.Create("cb-1")
	require.NoError(t, err)

	original := nowFunc
	nowFunc = func() time.Time { return original().Add(8 * 24 * time.Hour) }
	n, err := s.SweepExpired()
	nowFunc = original
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
