package agentpipe

import (
	"regexp"
	"strings"
)

var (
	fencedBlockPattern = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\n(.*?)```")
	declarationPattern = regexp.MustCompile(`\b(?:func|def|class|const|type|var)\s+([A-Za-z_][A-Za-z0-9_]*)`)
	wordPattern        = regexp.MustCompile(`[a-zA-Z_][a-zA-Z0-9_]*`)
)

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "it": true,
	"this": true, "that": true, "of": true, "to": true, "in": true, "on": true,
	"and": true, "or": true, "for": true, "with": true, "as": true, "by": true,
	"be": true, "was": true, "were": true, "at": true, "from": true, "you": true,
}

// lineOverlapTolerance is the citation-verification slack, per spec.md
// §4.6(5)(a).
const lineOverlapTolerance = 5

// validateNode is the Validate node (5 of 5): citation verification,
// hallucination detection, context-alignment scoring, and an overall
// score, per spec.md §4.6(5). original_source's validation_node is an MVP
// stub (comments describe this fuller scope without implementing it);
// this is new logic supplementing that stub, built in the teacher's
// plain-Go-helper idiom rather than any corpus library since none targets
// this.
func (p *Pipeline) validateNode(state *AgentState) error {
	state.TransitionWithReason(PhaseValidating, "validating response")

	state.mu.RLock()
	response := state.Response
	context := state.Context
	sources := append([]Source(nil), state.Sources...)
	chunks := append([]RetrievedChunk(nil), state.RetrievedChunks...)
	state.mu.RUnlock()

	citationAccuracy := citationAccuracyScore(sources, chunks)
	hallucinated := detectHallucinations(response, chunks)
	alignment := contextAlignmentScore(response, context)

	hallucinationPenalty := 0.1 * float64(len(hallucinated))
	if hallucinationPenalty > 1 {
		hallucinationPenalty = 1
	}
	overall := 0.4*citationAccuracy + 0.3*alignment + 0.3*(1-hallucinationPenalty)

	result := &ValidationResult{
		CitationAccuracy:   citationAccuracy,
		AlignmentScore:     alignment,
		HallucinatedTerms:  hallucinated,
		HallucinationCount: len(hallucinated),
		OverallScore:       overall,
	}

	state.mu.Lock()
	state.ValidationResults = result
	state.mu.Unlock()
	return nil
}

// citationAccuracyScore implements spec.md §4.6(5)(a): each Source must
// refer to a file present in retrieved chunks and its line span must
// overlap (within lineOverlapTolerance) one of that file's chunk spans.
func citationAccuracyScore(sources []Source, chunks []RetrievedChunk) float64 {
	if len(sources) == 0 {
		return 1
	}
	byFile := make(map[string][]RetrievedChunk)
	for _, c := range chunks {
		byFile[c.FilePath] = append(byFile[c.FilePath], c)
	}

	verified := 0
	for _, s := range sources {
		candidates, ok := byFile[s.FilePath]
		if !ok {
			continue
		}
		for _, c := range candidates {
			if spansOverlap(s.LineStart, s.LineEnd, c.LineStart, c.LineEnd, lineOverlapTolerance) {
				verified++
				break
			}
		}
	}
	return float64(verified) / float64(len(sources))
}

func spansOverlap(aStart, aEnd, bStart, bEnd, tolerance int) bool {
	return aStart-tolerance <= bEnd && bStart-tolerance <= aEnd
}

// detectHallucinations implements spec.md §4.6(5)(b): parse fenced code
// blocks in the response, extract declared identifiers, and flag any not
// textually present in any retrieved chunk's content.
func detectHallucinations(response string, chunks []RetrievedChunk) []string {
	var corpus strings.Builder
	for _, c := range chunks {
		corpus.WriteString(c.Content)
		corpus.WriteString("\n")
	}
	haystack := corpus.String()

	seen := map[string]bool{}
	var flagged []string
	for _, block := range fencedBlockPattern.FindAllStringSubmatch(response, -1) {
		for _, m := range declarationPattern.FindAllStringSubmatch(block[1], -1) {
			name := m[1]
			if seen[name] {
				continue
			}
			seen[name] = true
			if !strings.Contains(haystack, name) {
				flagged = append(flagged, name)
			}
		}
	}
	return flagged
}

// contextAlignmentScore implements spec.md §4.6(5)(c): Jaccard-like
// overlap of lowercased, stopword-filtered word sets.
func contextAlignmentScore(response, context string) float64 {
	respWords := wordSet(response)
	ctxWords := wordSet(context)
	if len(respWords) == 0 || len(ctxWords) == 0 {
		return 0
	}

	intersection := 0
	for w := range respWords {
		if ctxWords[w] {
			intersection++
		}
	}
	union := len(respWords) + len(ctxWords) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func wordSet(text string) map[string]bool {
	set := map[string]bool{}
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if len(w) < 2 || stopwords[w] {
			continue
		}
		set[w] = true
	}
	return set
}
