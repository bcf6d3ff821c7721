package agentpipe

import (
	"regexp"
	"strings"
)

// intentPatterns is a compiled pattern table per intent family; Analyze
// scores a query by counting matches per family and taking the max,
// the same pattern-count-scoring idiom ternarybob-iter/pkg/index/chunk.go
// uses for symbol relevance, generalized here to intent classification
// (stdlib regexp use justified in DESIGN.md: no corpus library targets
// intent classification).
var intentPatterns = map[Intent][]*regexp.Regexp{
	IntentBugFinding: compileAll(
		`\bbug\b`, `\berror\b`, `\bfail(s|ing|ed)?\b`, `\bcrash(es|ing|ed)?\b`,
		`\bbroken\b`, `\bwrong\b`, `\bissue\b`, `\bexception\b`, `\bpanic\b`,
		`\bdoesn'?t work\b`, `\bnot working\b`, `\bwhy (is|does)\b`,
	),
	IntentArchitecture: compileAll(
		`\barchitecture\b`, `\bstructure\b`, `\bdesign\b`, `\boverview\b`,
		`\bhigh.level\b`, `\bhow (is|are) .* organized\b`, `\bmodules?\b`,
		`\bcomponents?\b`, `\blayers?\b`, `\bdependenc(y|ies)\b`,
	),
	IntentImplementation: compileAll(
		`\bimplement\b`, `\badd\b`, `\bcreate\b`, `\bwrite\b`, `\bhow (do|can) i\b`,
		`\bhow to\b`, `\bbuild\b`, `\brefactor\b`, `\bmodify\b`,
	),
	IntentComparison: compileAll(
		`\bcompare\b`, `\bversus\b`, `\bvs\.?\b`, `\bdifference\b`, `\bbetter\b`,
		`\binstead of\b`, `\brather than\b`,
	),
	IntentLocation: compileAll(
		`\bwhere\b`, `\bwhich file\b`, `\bfind\b`, `\blocate\b`, `\bwhat file\b`,
	),
	IntentDocumentation: compileAll(
		`\bdocument(ation)?\b`, `\bexplain\b`, `\bcomment\b`, `\breadme\b`,
		`\bdescribe\b`, `\bwhat does\b`,
	),
	IntentCodeUnderstanding: compileAll(
		`\bhow does\b`, `\bwhat is\b`, `\bunderstand\b`, `\bwork(s|ing)?\b`,
		`\bflow\b`, `\blogic\b`, `\bfunction\b`, `\bclass\b`, `\bmethod\b`,
	),
}

func compileAll(patterns ...string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		compiled[i] = regexp.MustCompile(`(?i)` + p)
	}
	return compiled
}

var (
	filePathPattern  = regexp.MustCompile(`\b[\w./\\-]+\.(go|py|js|ts|tsx|jsx|java|rs|c|cpp|h|hpp|md|json|yaml|yml|toml)\b`)
	identifierPattern = regexp.MustCompile(`\b[A-Za-z_][A-Za-z0-9_]*\(\)|\b[A-Z][a-zA-Z0-9]*[A-Z][a-zA-Z0-9]*\b`)
	multiPartPattern  = regexp.MustCompile(`(?i)\band\b.*\?|\?.*\band also\b|;|\bthen\b.*\?`)
	externalPattern   = regexp.MustCompile(`(?i)\bhow does (react|django|kubernetes|postgres|redis|aws|docker|kafka|grpc)\b`)
	technicalKeywords = []string{
		"api", "endpoint", "database", "cache", "queue", "worker", "thread",
		"goroutine", "channel", "mutex", "interface", "struct", "pointer",
		"async", "await", "middleware", "handler", "router", "schema",
		"migration", "test", "config", "auth", "token", "session",
	}
)

// analyzeNode is the Analyze node (1 of 5): intent classification,
// entity extraction, complexity scoring, and session-history loading,
// per spec.md §4.6(1). It supplements original_source's MVP stub
// (nodes.py's query_analysis_node just sets step="analyzed") with the
// seven-family classifier and entity/complexity scoring SPEC_FULL.md
// calls for.
func (p *Pipeline) analyzeNode(state *AgentState) error {
	state.TransitionWithReason(PhaseAnalyzing, "classifying query")

	query := state.Query
	lower := strings.ToLower(query)

	scores := make(map[Intent]int, len(intentPatterns))
	best := IntentCodeUnderstanding
	bestScore := -1
	for intent, patterns := range intentPatterns {
		count := 0
		for _, re := range patterns {
			count += len(re.FindAllString(lower, -1))
		}
		scores[intent] = count
		if count > bestScore {
			bestScore = count
			best = intent
		}
	}

	entities := extractEntities(query)
	complexity := scoreComplexity(query, entities)

	analysis := &QueryAnalysis{
		Intent:          best,
		IntentScores:    scores,
		Entities:        entities,
		Complexity:      complexity,
		MultiPart:       multiPartPattern.MatchString(query),
		ExternalContext: externalPattern.MatchString(lower),
	}
	state.mu.Lock()
	state.QueryAnalysis = analysis
	state.mu.Unlock()

	if state.SessionID != "" && p.Sessions != nil {
		history, err := p.Sessions.History(state.SessionID)
		if err == nil {
			const maxTurns = 20
			if len(history) > maxTurns {
				history = history[len(history)-maxTurns:]
			}
			msgs := make([]HistoryMessage, 0, len(history))
			for _, m := range history {
				msgs = append(msgs, HistoryMessage{Role: string(m.Role), Content: m.Content})
			}
			state.mu.Lock()
			state.SessionHistory = msgs
			state.mu.Unlock()
		}
	}

	return nil
}

func extractEntities(query string) Entities {
	var e Entities
	for _, m := range filePathPattern.FindAllString(query, -1) {
		e.FilePaths = append(e.FilePaths, m)
	}
	for _, m := range identifierPattern.FindAllString(query, -1) {
		switch {
		case strings.HasSuffix(m, "()"):
			e.Functions = append(e.Functions, strings.TrimSuffix(m, "()"))
		default:
			e.Classes = append(e.Classes, m)
		}
	}
	lower := strings.ToLower(query)
	for _, kw := range technicalKeywords {
		if strings.Contains(lower, kw) {
			e.Keywords = append(e.Keywords, kw)
		}
	}
	return e
}

// scoreComplexity buckets a query into simple/moderate/complex based on
// length, entity count, and whether it looks like a multi-part question,
// per spec.md §4.6(1).
func scoreComplexity(query string, entities Entities) Complexity {
	words := len(strings.Fields(query))
	entityCount := len(entities.FilePaths) + len(entities.Functions) + len(entities.Classes)
	multiPart := multiPartPattern.MatchString(query)

	score := 0
	switch {
	case words > 40:
		score += 2
	case words > 15:
		score++
	}
	if entityCount > 2 {
		score += 2
	} else if entityCount > 0 {
		score++
	}
	if multiPart {
		score++
	}

	switch {
	case score >= 4:
		return ComplexityComplex
	case score >= 2:
		return ComplexityModerate
	default:
		return ComplexitySimple
	}
}
