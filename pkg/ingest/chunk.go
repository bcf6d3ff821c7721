package ingest

import (
	"strings"

	"github.com/google/uuid"
)

// approxTokens approximates a token count as content length / 4, the
// same heuristic original_source's chunker.py uses when it has no
// tokenizer on hand, per spec.md §4.2.
func approxTokens(s string) int {
	n := len(s) / 4
	if n == 0 && len(s) > 0 {
		n = 1
	}
	return n
}

// Chunks turns one file's extraction into the Chunk records the vector
// index stores, applying spec.md §4.2's emission rules:
//   - a function-like node becomes a "function" chunk only if it has at
//     least MinTokens tokens (smaller ones are dropped as noise);
//   - a class-like node becomes a "class" chunk, truncated at
//     MaxTokens*4 bytes (at the last newline inside that window) with a
//     "… (truncated)" tail if it exceeds MaxTokens tokens;
//   - all import-like lines collapse into a single "import" chunk
//     spanning the file's first to last import line;
//   - complexity for the whole file is function_count + 2*class_count,
//     stamped onto every emitted chunk.
func (p *Parser) Chunks(codebaseID, filePath, language string, content []byte, ex extraction) []Chunk {
	text := string(content)
	lines := strings.Split(text, "\n")
	complexity := len(ex.Functions) + 2*len(ex.Classes)

	var chunks []Chunk

	for _, fn := range ex.Functions {
		body := sliceLines(lines, fn.LineStart, fn.LineEnd)
		if approxTokens(body) < p.MinTokens {
			continue
		}
		chunks = append(chunks, Chunk{
			ID:         uuid.NewString(),
			CodebaseID: codebaseID,
			FilePath:   filePath,
			LineStart:  fn.LineStart,
			LineEnd:    fn.LineEnd,
			Content:    body,
			Language:   language,
			Kind:       ChunkFunction,
			Name:       fn.Name,
			Complexity: complexity,
		})
	}

	for _, cls := range ex.Classes {
		body := sliceLines(lines, cls.LineStart, cls.LineEnd)
		truncated := false
		if approxTokens(body) > p.MaxTokens {
			body = truncateAtLine(body, p.MaxTokens*4)
			truncated = true
		}
		endLine := cls.LineEnd
		if truncated {
			endLine = cls.LineStart + strings.Count(body, "\n")
		}
		chunks = append(chunks, Chunk{
			ID:         uuid.NewString(),
			CodebaseID: codebaseID,
			FilePath:   filePath,
			LineStart:  cls.LineStart,
			LineEnd:    endLine,
			Content:    body,
			Truncated:  truncated,
			Language:   language,
			Kind:       ChunkClass,
			Name:       cls.Name,
			Complexity: complexity,
		})
	}

	if len(ex.ImportLines) > 0 {
		start, end := ex.ImportLines[0], ex.ImportLines[0]
		for _, ln := range ex.ImportLines {
			if ln < start {
				start = ln
			}
			if ln > end {
				end = ln
			}
		}
		body := sliceLines(lines, start, end)
		if strings.TrimSpace(body) != "" {
			chunks = append(chunks, Chunk{
				ID:         uuid.NewString(),
				CodebaseID: codebaseID,
				FilePath:   filePath,
				LineStart:  start,
				LineEnd:    end,
				Content:    body,
				Language:   language,
				Kind:       ChunkImport,
				Complexity: complexity,
			})
		}
	}

	return chunks
}

// sliceLines returns lines[start..end] (1-indexed, inclusive) joined
// back with newlines. Out-of-range bounds are clamped.
func sliceLines(lines []string, start, end int) string {
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return ""
	}
	return strings.Join(lines[start-1:end], "\n")
}

// truncateAtLine cuts body to at most maxBytes, backing up to the last
// newline inside that window so the cut never splits a line, and
// appends the truncation tail, per spec.md §4.2.
func truncateAtLine(body string, maxBytes int) string {
	if len(body) <= maxBytes {
		return body
	}
	cut := maxBytes
	if idx := strings.LastIndexByte(body[:cut], '\n'); idx > 0 {
		cut = idx
	}
	return body[:cut] + "\n# … (truncated)"
}
