package agentpipe

import (
	"context"
	"fmt"
	"strings"

	"github.com/codegrok/codegrok/pkg/apperr"
	"github.com/codegrok/codegrok/pkg/llm"
)

const systemPromptTemplate = `You are a code assistant answering questions about a codebase using only the context below. Cite file paths and line numbers when referencing code. If the context does not contain the answer, say so.

Context:
%s`

// maxHistoryMessages is how many recent turns Generate folds into the
// prompt, per spec.md §4.6(4).
const maxHistoryMessages = 5

// generateNode is the Generate node (4 of 5): streams a completion from
// the configured LLM provider using a system prompt that embeds the
// rendered context and recent history, accumulating fragments into
// Response and forwarding each one as a "chunk" Event, grounded on
// pkg/llm/provider.go's Stream(ctx, req) (<-chan StreamChunk, error) and
// original_source's response_generation_node (which streams from
// llm_service.generate_response and joins chunks into the response).
func (p *Pipeline) generateNode(ctx context.Context, state *AgentState, events chan<- Event) error {
	state.TransitionWithReason(PhaseGenerating, "generating response")

	state.mu.RLock()
	query := state.Query
	contextBlock := state.Context
	history := append([]HistoryMessage(nil), state.SessionHistory...)
	state.mu.RUnlock()

	if len(history) > maxHistoryMessages {
		history = history[len(history)-maxHistoryMessages:]
	}

	messages := make([]llm.Message, 0, len(history)+1)
	for _, h := range history {
		messages = append(messages, llm.NewMessage(h.Role, h.Content))
	}
	messages = append(messages, llm.UserMessage(query))

	req := &llm.CompletionRequest{
		Model:    p.Model,
		Messages: messages,
		System:   fmt.Sprintf(systemPromptTemplate, contextBlock),
	}

	if p.LLMBreaker != nil && !p.LLMBreaker.Allow() {
		return apperr.New(apperr.KindLLMService, "language model provider is temporarily unavailable")
	}

	stream, err := p.LLM.Stream(ctx, req)
	if err != nil {
		if p.LLMBreaker != nil {
			p.LLMBreaker.RecordFailure()
		}
		return apperr.Wrap(apperr.KindLLMService, "start completion stream", err)
	}

	var b strings.Builder
	for chunk := range stream {
		if chunk.Error != nil {
			if p.LLMBreaker != nil {
				p.LLMBreaker.RecordFailure()
			}
			return apperr.Wrap(apperr.KindLLMService, "stream completion", chunk.Error)
		}
		if chunk.Content != "" {
			b.WriteString(chunk.Content)
			if events != nil {
				select {
				case events <- Event{Type: EventChunk, Content: chunk.Content}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if chunk.Done {
			break
		}
	}

	if p.LLMBreaker != nil {
		p.LLMBreaker.RecordSuccess()
	}

	state.mu.Lock()
	state.Response = b.String()
	state.mu.Unlock()
	return nil
}
