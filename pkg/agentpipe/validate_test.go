package agentpipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateNodeCitationAccuracyPerfectMatch(t *testing.T) {
	p := &Pipeline{}
	state := NewAgentState("cb-1", "how does auth work?", "")
	state.RetrievedChunks = []RetrievedChunk{
		{FilePath: "auth.go", LineStart: 10, LineEnd: 30, Content: "func authenticate() {}"},
	}
	state.Sources = []Source{
		{FilePath: "auth.go", LineStart: 12, LineEnd: 20},
	}
	state.Response = "authenticate checks credentials."
	state.Context = "File: auth.go (Lines 10-30)\nfunc authenticate() {}"

	require.NoError(t, p.validateNode(state))
	require.NotNil(t, state.ValidationResults)
	assert.Equal(t, 1.0, state.ValidationResults.CitationAccuracy)
}

func TestValidateNodeCitationAccuracyNoMatchingFile(t *testing.T) {
	p := &Pipeline{}
	state := NewAgentState("cb-1", "q", "")
	state.RetrievedChunks = []RetrievedChunk{
		{FilePath: "auth.go", LineStart: 10, LineEnd: 30, Content: "func authenticate() {}"},
	}
	state.Sources = []Source{
		{FilePath: "other.go", LineStart: 1, LineEnd: 5},
	}

	require.NoError(t, p.validateNode(state))
	assert.Equal(t, 0.0, state.ValidationResults.CitationAccuracy)
}

func TestValidateNodeNoSourcesScoresPerfectCitation(t *testing.T) {
	p := &Pipeline{}
	state := NewAgentState("cb-1", "q", "")

	require.NoError(t, p.validateNode(state))
	assert.Equal(t, 1.0, state.ValidationResults.CitationAccuracy)
}

func TestValidateNodeFlagsHallucinatedIdentifier(t *testing.T) {
	p := &Pipeline{}
	state := NewAgentState("cb-1", "q", "")
	state.RetrievedChunks = []RetrievedChunk{
		{FilePath: "a.go", Content: "func realFunc() {}"},
	}
	state.Response = "Here is a helper:\n```go\nfunc totallyMadeUpFunc() {}\n```"

	require.NoError(t, p.validateNode(state))
	assert.Contains(t, state.ValidationResults.HallucinatedTerms, "totallyMadeUpFunc")
	assert.Equal(t, 1, state.ValidationResults.HallucinationCount)
}

func TestValidateNodeDoesNotFlagKnownIdentifier(t *testing.T) {
	p := &Pipeline{}
	state := NewAgentState("cb-1", "q", "")
	state.RetrievedChunks = []RetrievedChunk{
		{FilePath: "a.go", Content: "func realFunc() { return 1 }"},
	}
	state.Response = "```go\nfunc realFunc() { return 1 }\n```"

	require.NoError(t, p.validateNode(state))
	assert.Empty(t, state.ValidationResults.HallucinatedTerms)
}

func TestValidateNodeOverallScoreFormula(t *testing.T) {
	p := &Pipeline{}
	state := NewAgentState("cb-1", "q", "")
	state.RetrievedChunks = []RetrievedChunk{
		{FilePath: "a.go", LineStart: 1, LineEnd: 10, Content: "authenticate login session"},
	}
	state.Sources = []Source{{FilePath: "a.go", LineStart: 1, LineEnd: 5}}
	state.Response = "authenticate login session works"
	state.Context = "authenticate login session"

	require.NoError(t, p.validateNode(state))
	v := state.ValidationResults
	want := 0.4*v.CitationAccuracy + 0.3*v.AlignmentScore + 0.3*(1-minFloat(0.1*float64(v.HallucinationCount), 1))
	assert.InDelta(t, want, v.OverallScore, 1e-9)
}

func TestSpansOverlapWithinTolerance(t *testing.T) {
	assert.True(t, spansOverlap(10, 20, 22, 30, 5))
	assert.False(t, spansOverlap(10, 20, 30, 40, 5))
}

func TestContextAlignmentScoreIgnoresStopwords(t *testing.T) {
	score := contextAlignmentScore("the function is a helper", "a helper function for the thing")
	assert.Greater(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
}

func TestContextAlignmentScoreEmptyInputsZero(t *testing.T) {
	assert.Equal(t, 0.0, contextAlignmentScore("", "something"))
	assert.Equal(t, 0.0, contextAlignmentScore("something", ""))
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
