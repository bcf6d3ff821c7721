package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, maxTopK int) *Store {
	t.Helper()
	s, err := Open("", maxTopK)
	require.NoError(t, err)
	return s
}

func fakeEmbedding(seed float32) []float32 {
	return []float32{seed, seed * 2, seed * 3}
}

func TestAddAndQueryScopedByCodebase(t *testing.T) {
	s := openTestStore(t, 20)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, []Document{
		{ID: "c1-a", CodebaseID: "cb-1", Content: "func foo", Embedding: fakeEmbedding(1)},
		{ID: "c2-a", CodebaseID: "cb-2", Content: "func bar", Embedding: fakeEmbedding(1)},
	}))

	matches, err := s.Query(ctx, "cb-1", fakeEmbedding(1), 10, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "c1-a", matches[0].ID)
}

func TestQueryRequiresCodebaseID(t *testing.T) {
	s := openTestStore(t, 20)
	_, err := s.Query(context.Background(), "", fakeEmbedding(1), 5, nil)
	assert.Error(t, err)
}

func TestTopKClampedToMax(t *testing.T) {
	s := openTestStore(t, 5)
	ctx := context.Background()

	docs := make([]Document, 0, 10)
	for i := 0; i < 10; i++ {
		docs = append(docs, Document{
			ID:         "cb1-chunk" + string(rune('a'+i)),
			CodebaseID: "cb-1",
			Content:    "chunk",
			Embedding:  fakeEmbedding(float32(i)),
		})
	}
	require.NoError(t, s.Add(ctx, docs))

	matches, err := s.Query(ctx, "cb-1", fakeEmbedding(0), 1_000_000, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(matches), 5)
}

func TestTopKZeroClampedToOne(t *testing.T) {
	s := openTestStore(t, 20)
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, []Document{
		{ID: "c1", CodebaseID: "cb-1", Content: "x", Embedding: fakeEmbedding(1)},
		{ID: "c2", CodebaseID: "cb-1", Content: "y", Embedding: fakeEmbedding(2)},
	}))

	matches, err := s.Query(ctx, "cb-1", fakeEmbedding(1), 0, nil)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestDeleteByCodebaseRemovesOnlyThatCodebase(t *testing.T) {
	s := openTestStore(t, 20)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, []Document{
		{ID: "c1-a", CodebaseID: "cb-1", Content: "x", Embedding: fakeEmbedding(1)},
		{ID: "c2-a", CodebaseID: "cb-2", Content: "y", Embedding: fakeEmbedding(1)},
	}))

	require.NoError(t, s.DeleteByCodebase(ctx, "cb-1"))

	matches, err := s.Query(ctx, "cb-1", fakeEmbedding(1), 10, nil)
	require.NoError(t, err)
	assert.Empty(t, matches)

	matches, err = s.Query(ctx, "cb-2", fakeEmbedding(1), 10, nil)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestQueryReturnsEmptyWhenCollectionEmpty(t *testing.T) {
	s := openTestStore(t, 20)
	matches, err := s.Query(context.Background(), "cb-1", fakeEmbedding(1), 5, nil)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestHealthOK(t *testing.T) {
	s := openTestStore(t, 20)
	assert.NoError(t, s.Health(context.Background()))
}
