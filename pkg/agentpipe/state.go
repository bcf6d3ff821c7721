// Package agentpipe is the Query Agent Pipeline (C6): a five-node
// forward-only graph (Analyze, Retrieve, Build Context, Generate,
// Validate) over a mutable AgentState, streaming its progress as a
// channel of Events the transport layer turns into server-sent events.
//
// The phase/transition-history bookkeeping on AgentState is grounded on
// ternarybob-iter/pkg/agent/state.go's LoopState pattern (mutex-guarded
// phase field, append-only PhaseTransition history, Clone()), generalized
// from that package's autonomous-coding-loop phases to this pipeline's
// five query-answering nodes. The state shape itself (query_analysis,
// session_history, validation_results, error_metadata all present as
// named fields rather than folded into a map) is the richer AgentState
// decided in SPEC_FULL.md's Open Questions resolution, grounded on
// original_source/backend/app/agents/state.py's Pydantic model.
package agentpipe

import (
	"sync"
	"time"

	"github.com/codegrok/codegrok/pkg/apperr"
)

// Phase identifies which node last ran (or is running) against an
// AgentState, mirroring LoopPhase's role in the teacher's agent package.
type Phase int

const (
	PhaseStart Phase = iota
	PhaseAnalyzing
	PhaseRetrieving
	PhaseBuildingContext
	PhaseGenerating
	PhaseValidating
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseStart:
		return "start"
	case PhaseAnalyzing:
		return "analyzed"
	case PhaseRetrieving:
		return "retrieved"
	case PhaseBuildingContext:
		return "context_built"
	case PhaseGenerating:
		return "responded"
	case PhaseValidating:
		return "validated"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "error"
	default:
		return "unknown"
	}
}

// PhaseTransition records one step change, the same shape as the
// teacher's PhaseTransition.
type PhaseTransition struct {
	From      Phase
	To        Phase
	Timestamp time.Time
	Reason    string
}

// Complexity is Analyze's coarse cost estimate for a query.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// Intent is one of the seven query-intent families Analyze classifies
// against, per spec.md §4.6.
type Intent string

const (
	IntentCodeUnderstanding Intent = "code_understanding"
	IntentBugFinding        Intent = "bug_finding"
	IntentArchitecture      Intent = "architecture"
	IntentImplementation    Intent = "implementation"
	IntentComparison        Intent = "comparison"
	IntentLocation          Intent = "location"
	IntentDocumentation     Intent = "documentation"
)

// Entities is what Analyze extracts from the raw query text.
type Entities struct {
	FilePaths  []string `json:"file_paths,omitempty"`
	Functions  []string `json:"functions,omitempty"`
	Classes    []string `json:"classes,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`
}

// QueryAnalysis is Analyze's output, attached to AgentState.
type QueryAnalysis struct {
	Intent            Intent     `json:"intent"`
	IntentScores      map[Intent]int `json:"intent_scores,omitempty"`
	Entities          Entities   `json:"entities"`
	Complexity        Complexity `json:"complexity"`
	MultiPart         bool       `json:"multi_part"`
	ExternalContext   bool       `json:"external_context"`
}

// Source is one cited chunk surfaced to the client, per spec.md §4.6 and
// the SSE "sources" event schema.
type Source struct {
	ChunkID   string `json:"chunk_id,omitempty"`
	FilePath  string `json:"file_path"`
	LineStart int    `json:"line_start"`
	LineEnd   int    `json:"line_end"`
	Snippet   string `json:"snippet"`
}

// RetrievedChunk is one chunk pulled back from the vector store, kept
// alongside Source so Validate can check citations against full content.
type RetrievedChunk struct {
	ChunkID   string
	FilePath  string
	LineStart int
	LineEnd   int
	Language  string
	Content   string
	Similarity float32
}

// HistoryMessage is one role-tagged turn loaded from the session store,
// per Analyze's "load up to the last 20 messages" rule.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ValidationResult is Validate's output, per spec.md §4.6 (d).
type ValidationResult struct {
	CitationAccuracy   float64  `json:"citation_accuracy"`
	AlignmentScore     float64  `json:"alignment_score"`
	HallucinatedTerms  []string `json:"hallucinated_terms,omitempty"`
	HallucinationCount int      `json:"hallucination_count"`
	OverallScore       float64  `json:"overall_score"`
}

// ErrorMetadata is attached to AgentState when the terminal error node
// runs, per spec.md §4.6's "dedicated terminal node" requirement.
type ErrorMetadata struct {
	Kind                apperr.Kind `json:"kind"`
	Message             string      `json:"message"`
	RecoverySuggestion  string      `json:"recovery_suggestion"`
}

// AgentState is the mutable value threaded through all five nodes. A
// single AgentState is owned by one in-flight query; nodes mutate it in
// place and the pipeline clones it for event emission so a slow SSE
// writer can't race a later node's mutation.
type AgentState struct {
	mu sync.RWMutex

	CodebaseID     string
	Query          string
	SessionID      string

	QueryAnalysis  *QueryAnalysis
	SessionHistory []HistoryMessage

	RetrievedChunks []RetrievedChunk
	Sources         []Source

	Context string

	Response string

	ValidationResults *ValidationResult

	Err           error
	ErrorMetadata *ErrorMetadata

	Phase          Phase
	PhaseStartedAt time.Time
	PhaseHistory   []PhaseTransition
}

// NewAgentState starts a fresh pipeline run for one query.
func NewAgentState(codebaseID, query, sessionID string) *AgentState {
	now := nowFunc()
	return &AgentState{
		CodebaseID:     codebaseID,
		Query:          query,
		SessionID:      sessionID,
		Phase:          PhaseStart,
		PhaseStartedAt: now,
	}
}

// Transition records a phase change with no reason, mirroring the
// teacher's LoopState.Transition.
func (s *AgentState) Transition(to Phase) {
	s.TransitionWithReason(to, "")
}

// TransitionWithReason records a phase change, appending to PhaseHistory.
// A no-op if already in phase to, matching the teacher's idempotent
// re-entry behavior.
func (s *AgentState) TransitionWithReason(to Phase, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Phase == to {
		return
	}
	now := nowFunc()
	s.PhaseHistory = append(s.PhaseHistory, PhaseTransition{
		From:      s.Phase,
		To:        to,
		Timestamp: now,
		Reason:    reason,
	})
	s.Phase = to
	s.PhaseStartedAt = now
}

// Fail records a terminal error, moving to PhaseFailed.
func (s *AgentState) Fail(err error) {
	s.mu.Lock()
	s.Err = err
	s.mu.Unlock()
	s.TransitionWithReason(PhaseFailed, err.Error())
}

// IsTerminal reports whether the pipeline has finished (successfully or
// not), mirroring the teacher's LoopState.IsTerminal.
func (s *AgentState) IsTerminal() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Phase == PhaseDone || s.Phase == PhaseFailed
}

// CurrentPhase reads Phase under lock.
func (s *AgentState) CurrentPhase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Phase
}

// Snapshot returns a lock-free copy of the fields the transport layer
// needs to emit an event, safe to read after the owning node has
// released the state.
type Snapshot struct {
	Phase             Phase
	Response          string
	Sources           []Source
	ValidationResults *ValidationResult
	ErrorMetadata     *ErrorMetadata
	Err               error
}

// Snapshot clones the fields an Event needs under a read lock, the same
// defensive-copy role as the teacher's LoopState.Clone.
func (s *AgentState) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sources := make([]Source, len(s.Sources))
	copy(sources, s.Sources)
	return Snapshot{
		Phase:             s.Phase,
		Response:          s.Response,
		Sources:           sources,
		ValidationResults: s.ValidationResults,
		ErrorMetadata:     s.ErrorMetadata,
		Err:               s.Err,
	}
}

var nowFunc = time.Now
