package ingest

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// secretPattern pairs a SecretType with its compiled detection regex,
// grounded on original_source/backend/app/services/secret_scanner.py's
// PATTERNS table, extended per spec.md §4.3 with JWT triplets,
// Stripe/Sendgrid/Twilio/Heroku forms, and Basic-Auth URLs.
type secretPattern struct {
	typ SecretType
	re  *regexp.Regexp
}

var secretPatterns = []secretPattern{
	{SecretAWSAccessKey, regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{SecretAWSSecretKey, regexp.MustCompile(`(?i)aws[_-]?secret[_-]?(?:access[_-]?)?key\s*[:=]\s*['"]?[A-Za-z0-9/+=]{40}['"]?`)},
	{SecretGitHubToken, regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36}`)},
	{SecretSlackToken, regexp.MustCompile(`xox[pbar]-[0-9]{12}-[0-9]{12}-[0-9]{12}-[a-zA-Z0-9]{32}`)},
	{SecretJWT, regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`)},
	{SecretBearerToken, regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-.]{20,}`)},
	{SecretStripeKey, regexp.MustCompile(`sk_live_[A-Za-z0-9]{24,}`)},
	{SecretSendgridKey, regexp.MustCompile(`SG\.[A-Za-z0-9_-]{22}\.[A-Za-z0-9_-]{43}`)},
	{SecretTwilioKey, regexp.MustCompile(`SK[a-f0-9]{32}`)},
	{SecretHerokuKey, regexp.MustCompile(`(?i)heroku[_-]?api[_-]?key\s*[:=]\s*['"]?[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}['"]?`)},
	{SecretAPIKey, regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*['"]?[A-Za-z0-9_\-]{20,}['"]?`)},
	{SecretPassword, regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*['"]?[A-Za-z0-9_@\-]{8,}['"]?`)},
	{SecretPrivateKey, regexp.MustCompile(`-----BEGIN\s+(?:RSA|EC|DSA|OPENSSH|PRIVATE)\s+KEY-----`)},
	{SecretBasicAuthURL, regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.-]*://[^/\s:@]+:[^/\s:@]+@[^/\s]+`)},
}

// maxScanFileSize is the per-file size cap above which scanning is
// skipped entirely, per spec.md §4.3.
const maxScanFileSize = 1024 * 1024

// Scanner is the Secret Scanner & Redactor (C3): it detects well-known
// credential shapes line-by-line and produces a content-preserving
// redacted copy, per spec.md §4.3.
type Scanner struct{}

// NewScanner creates a Scanner. It holds no mutable state; the compiled
// pattern table above is shared across calls.
func NewScanner() *Scanner { return &Scanner{} }

// Scan detects secrets in content, returning one SecretDetectionResult
// per match. Oversize and binary content is skipped silently, per
// spec.md §4.3.
func (s *Scanner) Scan(codebaseID, filePath string, content []byte) []SecretDetectionResult {
	if len(content) > maxScanFileSize {
		return nil
	}
	if looksBinary(content) {
		return nil
	}

	var results []SecretDetectionResult
	lines := strings.Split(string(content), "\n")
	now := time.Now()

	for lineIdx, line := range lines {
		for _, p := range secretPatterns {
			locs := p.re.FindAllStringIndex(line, -1)
			for _, loc := range locs {
				matched := line[loc[0]:loc[1]]
				snippet := matched
				if len(snippet) > 25 {
					snippet = snippet[:25]
				}
				results = append(results, SecretDetectionResult{
					ID:                  uuid.NewString(),
					CodebaseID:          codebaseID,
					SecretType:          p.typ,
					FilePath:            filePath,
					LineNumber:          lineIdx + 1,
					Column:              loc[0] + 1,
					Snippet:             snippet,
					RedactedPlaceholder: placeholderFor(p.typ),
					DetectedAt:          now,
				})
			}
		}
	}
	return results
}

// Redact replaces every detected secret span with its type's placeholder,
// preserving line count and all non-match bytes, per spec.md §4.3's
// content-preserving redaction policy.
func (s *Scanner) Redact(content []byte, detections []SecretDetectionResult) []byte {
	if len(detections) == 0 {
		return content
	}

	lines := strings.Split(string(content), "\n")
	byLine := map[int][]secretPattern{}
	for _, d := range detections {
		for _, p := range secretPatterns {
			if p.typ == d.SecretType {
				byLine[d.LineNumber] = append(byLine[d.LineNumber], p)
				break
			}
		}
	}

	for lineNum, pats := range byLine {
		idx := lineNum - 1
		if idx < 0 || idx >= len(lines) {
			continue
		}
		redacted := lines[idx]
		for _, p := range pats {
			redacted = p.re.ReplaceAllString(redacted, placeholderFor(p.typ))
		}
		lines[idx] = redacted
	}

	return []byte(strings.Join(lines, "\n"))
}

// Summary groups detections by file path and secret type, per
// secret_scanner.py's get_summary and SPEC_FULL.md's supplemental
// secrets-detected breakdown.
func (s *Scanner) Summary(detections []SecretDetectionResult) map[string]map[string]int {
	summary := map[string]map[string]int{}
	for _, d := range detections {
		byType, ok := summary[d.FilePath]
		if !ok {
			byType = map[string]int{}
			summary[d.FilePath] = byType
		}
		byType[string(d.SecretType)]++
	}
	for path, byType := range summary {
		total := 0
		for _, c := range byType {
			total += c
		}
		summary[path]["total_count"] = total
	}
	return summary
}

func placeholderFor(t SecretType) string {
	return fmt.Sprintf("[REDACTED_%s]", strings.ToUpper(string(t)))
}

// looksBinary reports whether the first 1024 bytes contain non-printable,
// non-whitespace, high-bit-set bytes indicative of binary content, per
// spec.md §4.3.
func looksBinary(content []byte) bool {
	n := len(content)
	if n > 1024 {
		n = 1024
	}
	for _, b := range content[:n] {
		if b == '\n' || b == '\r' || b == '\t' {
			continue
		}
		if b < 0x20 || b == 0x7f {
			return true
		}
	}
	return false
}
