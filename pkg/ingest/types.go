// Package ingest implements the Source Acquirer (C1), Code Parser &
// Chunker (C2), Secret Scanner & Redactor (C3), and the durable
// Ingestion Orchestrator (C5) described in spec.md §4.1-§4.3 and §4.5.
package ingest

import "time"

// ChunkKind is the closed set of retrievable unit kinds a Chunk may carry,
// per spec.md §3.
type ChunkKind string

const (
	ChunkFunction ChunkKind = "function"
	ChunkClass    ChunkKind = "class"
	ChunkMethod   ChunkKind = "method"
	ChunkModule   ChunkKind = "module"
	ChunkImport   ChunkKind = "import"
)

// Chunk is a single retrievable unit of code with a contiguous line span
// and (once embedded) a vector, per spec.md §3.
type Chunk struct {
	ID             string            `json:"id"`
	CodebaseID     string            `json:"codebase_id"`
	FilePath       string            `json:"file_path"`
	LineStart      int               `json:"line_start"`
	LineEnd        int               `json:"line_end"`
	Content        string            `json:"content"`
	Truncated      bool              `json:"truncated"`
	Language       string            `json:"language"`
	Kind           ChunkKind         `json:"kind"`
	Name           string            `json:"name,omitempty"`
	Docstring      string            `json:"docstring,omitempty"`
	Dependencies   []string          `json:"dependencies,omitempty"`
	ParentClass    string            `json:"parent_class,omitempty"`
	Complexity     int               `json:"complexity,omitempty"`
	Embedding      []float32         `json:"embedding,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// SecretType is the closed set of credential shapes the scanner
// recognizes, per spec.md §4.3.
type SecretType string

const (
	SecretAWSAccessKey SecretType = "aws_access_key"
	SecretAWSSecretKey SecretType = "aws_secret_key"
	SecretGitHubToken  SecretType = "github_token"
	SecretSlackToken   SecretType = "slack_token"
	SecretJWT          SecretType = "jwt"
	SecretBearerToken  SecretType = "bearer_token"
	SecretAPIKey       SecretType = "api_key"
	SecretPassword     SecretType = "password"
	SecretPrivateKey   SecretType = "private_key"
	SecretStripeKey    SecretType = "stripe_key"
	SecretSendgridKey  SecretType = "sendgrid_key"
	SecretTwilioKey    SecretType = "twilio_key"
	SecretHerokuKey    SecretType = "heroku_key"
	SecretBasicAuthURL SecretType = "basic_auth_url"
)

// SecretDetectionResult is one matched secret span, per SPEC_FULL.md §3's
// supplemental type (grounded on secret_scanner.py's SecretMatch/
// SecretDetectionResult shapes).
type SecretDetectionResult struct {
	ID                   string     `json:"id"`
	CodebaseID           string     `json:"codebase_id"`
	SecretType           SecretType `json:"secret_type"`
	FilePath             string     `json:"file_path"`
	LineNumber           int        `json:"line_number"`
	Column               int        `json:"column"`
	Snippet              string     `json:"snippet"`
	RedactedPlaceholder  string     `json:"redacted_placeholder"`
	DetectedAt           time.Time  `json:"detected_at"`
}

// SourceKind is the closed set of ways a Codebase's source was supplied.
type SourceKind string

const (
	SourceArchive SourceKind = "archive"
	SourceRemote  SourceKind = "remote-url"
)
