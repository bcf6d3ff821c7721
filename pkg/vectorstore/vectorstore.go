// Package vectorstore is the Vector Index Adapter (C4): a thin wrapper
// over chromem-go that enforces spec.md §4.4's mandatory codebase_id
// partitioning, AND-composed metadata filters, and top-k clamping,
// grounded on ternarybob-iter/pkg/index's types.go and index/search.go
// (the teacher's own chromem-go usage, generalized from its single
// fixed-collection code index to a multi-codebase document store).
package vectorstore

import (
	"context"
	"fmt"

	"github.com/philippgille/chromem-go"

	"github.com/codegrok/codegrok/pkg/apperr"
)

// collectionName is the single chromem collection every codebase's
// chunks share; codebase_id is always an AND-composed metadata filter,
// per spec.md §4.4's "no cross-codebase result bleed" invariant.
const collectionName = "chunks"

// defaultMaxTopK is the clamp ceiling applied to every query, per
// spec.md §4.4.
const defaultMaxTopK = 20

// Document is one embedded chunk as the index stores it: content plus
// a flat string-keyed metadata bag (chromem-go's metadata values are
// strings, so callers stringify anything richer before calling Add).
type Document struct {
	ID         string
	CodebaseID string
	Content    string
	Embedding  []float32
	Metadata   map[string]string
}

// Match is one ranked query result.
type Match struct {
	ID         string
	Content    string
	Metadata   map[string]string
	Similarity float32
}

// Store is the embeddable vector index adapter. A single Store instance
// holds every codebase's chunks in one chromem collection, partitioned
// by the codebase_id metadata field.
type Store struct {
	db         *chromem.DB
	collection *chromem.Collection
	maxTopK    int
}

// unusedEmbeddingFunc is passed to chromem-go's CreateCollection because
// the API requires one, but every document and query in this adapter
// carries a precomputed embedding (from pkg/embedding), so chromem never
// invokes it.
func unusedEmbeddingFunc(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("vectorstore: embeddings must be precomputed, chromem embedding func should not be called")
}

// Open creates (or reopens) a persistent vector store rooted at path. An
// empty path uses an in-memory store, useful for tests.
func Open(path string, maxTopK int) (*Store, error) {
	if maxTopK <= 0 {
		maxTopK = defaultMaxTopK
	}

	var db *chromem.DB
	var err error
	if path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open vector store: %w", err)
		}
	}

	collection, err := db.GetOrCreateCollection(collectionName, nil, unusedEmbeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	return &Store{db: db, collection: collection, maxTopK: maxTopK}, nil
}

// Add upserts one batch of documents, stamping codebase_id into each
// document's metadata so it can always be filtered on, per spec.md
// §4.4.
func (s *Store) Add(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	chromeDocs := make([]chromem.Document, 0, len(docs))
	for _, d := range docs {
		meta := map[string]string{}
		for k, v := range d.Metadata {
			meta[k] = v
		}
		meta["codebase_id"] = d.CodebaseID

		chromeDocs = append(chromeDocs, chromem.Document{
			ID:        d.ID,
			Content:   d.Content,
			Metadata:  meta,
			Embedding: d.Embedding,
		})
	}

	if err := s.collection.AddDocuments(ctx, chromeDocs, 1); err != nil {
		return apperr.Wrap(apperr.KindRetrieval, "index chunks", err)
	}
	return nil
}

// Query runs a similarity search scoped to codebaseID, AND-composing
// any additional metadata filters and clamping topK into [1, maxTopK],
// per spec.md §4.4.
func (s *Store) Query(ctx context.Context, codebaseID string, embedding []float32, topK int, filters map[string]string) ([]Match, error) {
	if codebaseID == "" {
		return nil, apperr.New(apperr.KindUserInput, "codebase_id is required for vector queries")
	}

	topK = clamp(topK, 1, s.maxTopK)

	where := map[string]string{"codebase_id": codebaseID}
	for k, v := range filters {
		where[k] = v
	}

	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	results, err := s.collection.QueryEmbedding(ctx, embedding, topK, where, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRetrieval, "query vector index", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{
			ID:         r.ID,
			Content:    r.Content,
			Metadata:   r.Metadata,
			Similarity: r.Similarity,
		})
	}
	return matches, nil
}

// DeleteByCodebase removes every chunk belonging to codebaseID, per
// spec.md §4.4's cascading-delete requirement.
func (s *Store) DeleteByCodebase(ctx context.Context, codebaseID string) error {
	if err := s.collection.Delete(ctx, map[string]string{"codebase_id": codebaseID}, nil); err != nil {
		return apperr.Wrap(apperr.KindRetrieval, "delete codebase chunks", err)
	}
	return nil
}

// Health reports whether the underlying collection is reachable; the
// /health/ready handler calls this, per SPEC_FULL.md §6.
func (s *Store) Health(context.Context) error {
	if s.collection == nil {
		return fmt.Errorf("vector store collection not initialized")
	}
	return nil
}

// Count returns the total number of chunks across all codebases.
func (s *Store) Count() int {
	return s.collection.Count()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
