package agentpipe

import (
	"context"
	"fmt"

	"github.com/codegrok/codegrok/pkg/apperr"
)

// maxSnippetLen bounds Source.Snippet, per spec.md §4.6(2).
const maxSnippetLen = 200

// retrieveNode is the Retrieve node (2 of 5): embeds the query, queries
// C4 scoped to the codebase, and builds RetrievedChunk/Source records,
// grounded on original_source/backend/app/agents/nodes.py's
// retrieval_node (which calls retrieval_service.retrieve_code(query,
// codebase_id, top_k=5)).
func (p *Pipeline) retrieveNode(ctx context.Context, state *AgentState) error {
	state.TransitionWithReason(PhaseRetrieving, "retrieving chunks")

	embedding, err := p.Embedder.Embed(ctx, state.Query)
	if err != nil {
		return apperr.Wrap(apperr.KindRetrieval, "embed query", err)
	}

	matches, err := p.Vectors.Query(ctx, state.CodebaseID, embedding, p.DefaultTopK, nil)
	if err != nil {
		return err
	}

	chunks := make([]RetrievedChunk, 0, len(matches))
	sources := make([]Source, 0, len(matches))
	for _, m := range matches {
		lineStart := atoiSafe(m.Metadata["line_start"])
		lineEnd := atoiSafe(m.Metadata["line_end"])
		chunks = append(chunks, RetrievedChunk{
			ChunkID:    m.ID,
			FilePath:   m.Metadata["file_path"],
			LineStart:  lineStart,
			LineEnd:    lineEnd,
			Language:   m.Metadata["language"],
			Content:    m.Content,
			Similarity: m.Similarity,
		})
		sources = append(sources, Source{
			ChunkID:   m.ID,
			FilePath:  m.Metadata["file_path"],
			LineStart: lineStart,
			LineEnd:   lineEnd,
			Snippet:   truncateSnippet(m.Content, maxSnippetLen),
		})
	}

	state.mu.Lock()
	state.RetrievedChunks = chunks
	state.Sources = sources
	state.mu.Unlock()
	return nil
}

func truncateSnippet(content string, maxLen int) string {
	if len(content) <= maxLen {
		return content
	}
	return content[:maxLen]
}

func atoiSafe(s string) int {
	n := 0
	_, _ = fmt.Sscanf(s, "%d", &n)
	return n
}
