package agentpipe

import (
	"context"
	"time"

	"github.com/codegrok/codegrok/pkg/apperr"
	"github.com/codegrok/codegrok/pkg/embedding"
	"github.com/codegrok/codegrok/pkg/llm"
	"github.com/codegrok/codegrok/pkg/resilience"
	"github.com/codegrok/codegrok/pkg/session"
	"github.com/codegrok/codegrok/pkg/vectorstore"
)

// EventType discriminates the four success event kinds plus error, per
// spec.md §6's SSE event schema.
type EventType string

const (
	EventSessionID EventType = "session_id"
	EventChunk     EventType = "chunk"
	EventSources   EventType = "sources"
	EventValidation EventType = "validation"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// Event is one server-sent-event payload the transport layer marshals
// to JSON and writes as a `data:` line, per spec.md §6's SSE schema.
// Exactly one of the type-specific fields is populated per Type.
type Event struct {
	Type EventType `json:"type"`

	SessionID string `json:"session_id,omitempty"`

	Content string `json:"content,omitempty"`

	Sources []Source `json:"sources,omitempty"`

	Validation *ValidationResult `json:"validation,omitempty"`

	Error              string      `json:"error,omitempty"`
	ErrorType          apperr.Kind `json:"error_type,omitempty"`
	RecoverySuggestion string      `json:"recovery_suggestion,omitempty"`
}

// Pipeline wires the five nodes' dependencies: an embedding provider for
// Retrieve, a vector store for Retrieve, an LLM provider for Generate,
// and the session store Analyze loads history from and the transport
// layer persists turns to. LLMBreaker guards the Generate node against a
// degraded LLM provider the same way ternarybob-iter/pkg/agent.Agent
// guards its own completion calls, generalized from a single agent loop
// to one pipeline node.
type Pipeline struct {
	Embedder    embedding.Provider
	Vectors     *vectorstore.Store
	LLM         llm.Provider
	Sessions    *session.Store
	Model       string
	DefaultTopK int
	LLMBreaker  *resilience.Breaker
}

// NewPipeline constructs a Pipeline with the given node dependencies.
func NewPipeline(embedder embedding.Provider, vectors *vectorstore.Store, provider llm.Provider, sessions *session.Store, model string, defaultTopK int) *Pipeline {
	if defaultTopK <= 0 {
		defaultTopK = 5
	}
	return &Pipeline{
		Embedder:    embedder,
		Vectors:     vectors,
		LLM:         provider,
		Sessions:    sessions,
		Model:       model,
		DefaultTopK: defaultTopK,
		LLMBreaker:  resilience.NewBreaker(resilience.Config{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second}),
	}
}

// Run executes all five nodes in sequence against a fresh AgentState for
// (codebaseID, query, sessionID), streaming Events on the returned
// channel and closing it when the pipeline reaches a terminal phase.
// Client disconnect is modeled by cancelling ctx, per SPEC_FULL.md §9's
// "SSE streaming modeled as a chan agentpipe.Event producer drained by
// the handler; client disconnect cancels the pipeline" design note.
func (p *Pipeline) Run(ctx context.Context, codebaseID, query, sessionID string) (*AgentState, <-chan Event) {
	state := NewAgentState(codebaseID, query, sessionID)
	events := make(chan Event, 16)

	go func() {
		defer close(events)

		if err := p.analyzeNode(state); err != nil {
			p.emitError(events, state, err)
			return
		}

		events <- Event{Type: EventSessionID, SessionID: state.SessionID}

		if err := p.retrieveNode(ctx, state); err != nil {
			p.emitError(events, state, err)
			return
		}
		snap := state.Snapshot()
		events <- Event{Type: EventSources, Sources: snap.Sources}

		if err := p.buildContextNode(state); err != nil {
			p.emitError(events, state, err)
			return
		}

		if err := p.generateNode(ctx, state, events); err != nil {
			p.emitError(events, state, err)
			return
		}

		if err := p.validateNode(state); err != nil {
			p.emitError(events, state, err)
			return
		}

		snap = state.Snapshot()
		events <- Event{Type: EventValidation, Validation: snap.ValidationResults}

		state.TransitionWithReason(PhaseDone, "pipeline complete")
		events <- Event{Type: EventDone}
	}()

	return state, events
}

func (p *Pipeline) emitError(events chan<- Event, state *AgentState, err error) {
	handleError(state, err)
	snap := state.Snapshot()
	events <- Event{
		Type:               EventError,
		Error:              snap.ErrorMetadata.Message,
		ErrorType:          snap.ErrorMetadata.Kind,
		RecoverySuggestion: snap.ErrorMetadata.RecoverySuggestion,
	}
}
