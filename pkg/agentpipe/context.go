package agentpipe

import (
	"fmt"
	"strings"
)

// maxContextChars bounds the rendered context block, per spec.md §4.6(4)'s
// "up to 50,000 chars of context" cap on what Generate embeds.
const maxContextChars = 50_000

// buildContextNode is the Build Context node (3 of 5): renders each
// retrieved chunk as a fenced code block, joined by blank lines, grounded
// on original_source/backend/app/agents/nodes.py's context_building_node
// (`"File: {file_path} (Lines {line_start}-{line_end})\n```{language}\n
// {content}\n```"`).
func (p *Pipeline) buildContextNode(state *AgentState) error {
	state.TransitionWithReason(PhaseBuildingContext, "rendering context")

	state.mu.RLock()
	chunks := append([]RetrievedChunk(nil), state.RetrievedChunks...)
	state.mu.RUnlock()

	var b strings.Builder
	for i, c := range chunks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		lang := c.Language
		if lang == "" {
			lang = "text"
		}
		fmt.Fprintf(&b, "File: %s (Lines %d-%d)\n```%s\n%s\n```", c.FilePath, c.LineStart, c.LineEnd, lang, c.Content)
	}

	ctx := b.String()
	if len(ctx) > maxContextChars {
		ctx = ctx[:maxContextChars]
	}

	state.mu.Lock()
	state.Context = ctx
	state.mu.Unlock()
	return nil
}
