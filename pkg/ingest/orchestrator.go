package ingest

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codegrok/codegrok/pkg/apperr"
	"github.com/codegrok/codegrok/pkg/embedding"
	"github.com/codegrok/codegrok/pkg/vectorstore"
)

// Stage is one named step of the ingestion pipeline, per spec.md §4.5.
type Stage string

const (
	StageValidating Stage = "validating"
	StageExtracting Stage = "extracting"
	StageParsing    Stage = "parsing"
	StageScanning   Stage = "scanning_secrets"
	StageEmbedding  Stage = "embedding_indexing"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
)

// stageTimeout bounds how long a single stage may run before the
// orchestrator gives up on it, grounded on
// original_source/backend/app/workflows/ingestion_workflow.py's
// per-activity start_to_close_timeout values.
var stageTimeout = map[Stage]time.Duration{
	StageValidating: 60 * time.Second,
	StageExtracting: 10 * time.Minute,
	StageParsing:    30 * time.Minute,
	StageScanning:   5 * time.Minute,
	StageEmbedding:  30 * time.Minute,
}

// Status is a point-in-time snapshot of an ingestion run, mirrored into
// the Codebase row after every stage so GET /codebase/{id}/status never
// blocks on the run itself, per spec.md §4.5 and §6.
type Status struct {
	CodebaseID     string                       `json:"codebase_id"`
	Stage          Stage                        `json:"stage"`
	Progress       float64                      `json:"progress"`
	FilesProcessed int                          `json:"files_processed"`
	FilesTotal     int                          `json:"files_total"`
	ChunksCreated  int                          `json:"chunks_created"`
	SecretsFound   int                          `json:"secrets_found"`
	SecretsSummary map[string]map[string]int    `json:"secrets_summary,omitempty"`
	Languages      []string                     `json:"languages,omitempty"`
	Message        string                       `json:"message"`
	Error          string                       `json:"error,omitempty"`
}

// StatusSink receives a Status after every stage transition. The
// ingestion orchestrator doesn't know about internal/store's Codebase
// row shape; the caller supplies an adapter that does, keeping C5
// decoupled from the relational store per spec.md §1's component
// boundaries.
type StatusSink interface {
	OnStatus(ctx context.Context, status Status) error
}

// Source is C5's input: either raw archive bytes or a remote repository
// URL, per spec.md §4.1.
type Source struct {
	Kind      SourceKind
	Archive   []byte
	RemoteURL string
}

// Result is what a completed ingestion run produced.
type Result struct {
	FilesProcessed int
	ChunksCreated  int
	SecretsFound   int
	SecretsSummary map[string]map[string]int
	Languages      []string
}

// Orchestrator is the Ingestion Orchestrator (C5): it drives the
// Validate -> Acquire -> Parse+Redact+Chunk -> Secret-Scan -> Embed+Index
// stage sequence described by spec.md §4.5, emitting a Status after each
// stage and retrying transient stage failures with exponential backoff,
// the same retry shape original_source's ingestion_workflow.py uses.
type Orchestrator struct {
	Acquirer  *Acquirer
	Parser    *Parser
	Scanner   *Scanner
	Generator *embedding.Generator
	Vectors   *vectorstore.Store

	MaxRetries     int
	InitialBackoff time.Duration
	Workers        int
}

// NewOrchestrator wires C1/C2/C3 plus an embedding generator and vector
// store into a runnable pipeline.
func NewOrchestrator(acquirer *Acquirer, parser *Parser, scanner *Scanner, generator *embedding.Generator, vectors *vectorstore.Store) *Orchestrator {
	workers := runtime.NumCPU()
	if workers > 8 {
		workers = 8
	}
	return &Orchestrator{
		Acquirer:       acquirer,
		Parser:         parser,
		Scanner:        scanner,
		Generator:      generator,
		Vectors:        vectors,
		MaxRetries:     3,
		InitialBackoff: 2 * time.Second,
		Workers:        workers,
	}
}

// Run executes the full ingestion pipeline for codebaseID, reporting
// progress to sink after every stage (sink may be nil). A stage failure
// (after retries) reports StageFailed to sink and returns an error.
func (o *Orchestrator) Run(ctx context.Context, codebaseID string, source Source, maxFileSizeForScan int64, sink StatusSink) (*Result, error) {
	report := func(s Status) {
		if sink == nil {
			return
		}
		_ = sink.OnStatus(ctx, s)
	}
	fail := func(stage Stage, err error) error {
		wrapped := apperr.Wrap(apperr.KindOf(err), fmt.Sprintf("ingestion stage %s failed", stage), err)
		report(Status{CodebaseID: codebaseID, Stage: StageFailed, Message: wrapped.Error(), Error: wrapped.Error()})
		return wrapped
	}

	report(Status{CodebaseID: codebaseID, Stage: StageValidating, Progress: 0.1, Message: "validating codebase source"})
	_, err := runStageGeneric(ctx, o, StageValidating, func(context.Context) (*struct{}, error) {
		if source.Kind == SourceRemote {
			if err := o.Acquirer.validateURL(source.RemoteURL); err != nil {
				return nil, apperr.Wrap(apperr.KindUserInput, "invalid repository url", err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return nil, fail(StageValidating, err)
	}

	report(Status{CodebaseID: codebaseID, Stage: StageExtracting, Progress: 0.15, Message: "acquiring source"})
	acquired, err := runStageGeneric(ctx, o, StageExtracting, func(ctx context.Context) (*Acquired, error) {
		if source.Kind == SourceRemote {
			return o.Acquirer.AcquireURL(ctx, source.RemoteURL)
		}
		return o.Acquirer.AcquireArchive(ctx, source.Archive)
	})
	if err != nil {
		return nil, fail(StageExtracting, err)
	}

	filesTotal := len(acquired.Files)
	report(Status{CodebaseID: codebaseID, Stage: StageParsing, Progress: 0.35, FilesTotal: filesTotal, Message: "parsing code files"})

	parsed, err := runStageGeneric(ctx, o, StageParsing, func(ctx context.Context) (*parseOutcome, error) {
		return o.parseAndChunk(ctx, codebaseID, acquired), nil
	})
	if err != nil {
		return nil, fail(StageParsing, err)
	}

	report(Status{
		CodebaseID:     codebaseID,
		Stage:          StageParsing,
		Progress:       0.5,
		FilesProcessed: parsed.filesProcessed,
		FilesTotal:     filesTotal,
		ChunksCreated:  len(parsed.chunks),
		Languages:      parsed.languages,
		Message:        "code parsing and chunking complete",
	})
	report(Status{
		CodebaseID:     codebaseID,
		Stage:          StageScanning,
		Progress:       0.5,
		FilesProcessed: parsed.filesProcessed,
		FilesTotal:     filesTotal,
		ChunksCreated:  len(parsed.chunks),
		Languages:      parsed.languages,
		Message:        "scanning for secrets",
	})

	secretResult, err := runStageGeneric(ctx, o, StageScanning, func(context.Context) (*secretsOutcome, error) {
		return o.scanSecrets(codebaseID, acquired, maxFileSizeForScan), nil
	})
	if err != nil {
		return nil, fail(StageScanning, err)
	}

	report(Status{
		CodebaseID:     codebaseID,
		Stage:          StageScanning,
		Progress:       0.6,
		FilesProcessed: parsed.filesProcessed,
		FilesTotal:     filesTotal,
		ChunksCreated:  len(parsed.chunks),
		SecretsFound:   secretResult.total,
		SecretsSummary: secretResult.summary,
		Languages:      parsed.languages,
		Message:        fmt.Sprintf("found %d potential secret(s)", secretResult.total),
	})
	report(Status{
		CodebaseID:     codebaseID,
		Stage:          StageEmbedding,
		Progress:       0.9,
		FilesProcessed: parsed.filesProcessed,
		FilesTotal:     filesTotal,
		ChunksCreated:  len(parsed.chunks),
		SecretsFound:   secretResult.total,
		SecretsSummary: secretResult.summary,
		Languages:      parsed.languages,
		Message:        "generating embeddings and indexing",
	})

	_, err = runStageGeneric(ctx, o, StageEmbedding, func(ctx context.Context) (*struct{}, error) {
		return nil, o.embedAndIndex(ctx, codebaseID, parsed.chunks)
	})
	if err != nil {
		return nil, fail(StageEmbedding, err)
	}

	report(Status{
		CodebaseID:     codebaseID,
		Stage:          StageCompleted,
		Progress:       1.0,
		FilesProcessed: parsed.filesProcessed,
		FilesTotal:     filesTotal,
		ChunksCreated:  len(parsed.chunks),
		SecretsFound:   secretResult.total,
		SecretsSummary: secretResult.summary,
		Languages:      parsed.languages,
		Message: fmt.Sprintf("ingestion complete: %d files, %d chunks, %d secret(s) found",
			parsed.filesProcessed, len(parsed.chunks), secretResult.total),
	})

	return &Result{
		FilesProcessed: parsed.filesProcessed,
		ChunksCreated:  len(parsed.chunks),
		SecretsFound:   secretResult.total,
		SecretsSummary: secretResult.summary,
		Languages:      parsed.languages,
	}, nil
}

// runStage retries fn with jittered exponential backoff, bounding the
// whole attempt sequence by the stage's configured timeout, per spec.md
// §4.5's per-stage retry policy.
func runStageGeneric[T any](ctx context.Context, o *Orchestrator, stage Stage, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	timeout := stageTimeout[stage]
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	backoff := o.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= o.MaxRetries; attempt++ {
		result, err := fn(stageCtx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt == o.MaxRetries {
			break
		}
		select {
		case <-stageCtx.Done():
			return zero, stageCtx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
	return zero, lastErr
}

type parseOutcome struct {
	chunks         []Chunk
	filesProcessed int
	languages      []string
}

type secretsOutcome struct {
	total   int
	summary map[string]map[string]int
}

// parseAndChunk parses every acquired file in parallel (bounded by
// o.Workers), redacts any detected secrets before chunking so raw
// credentials never reach the embedding provider or the vector index,
// and returns every chunk plus the set of languages seen, grounded on
// kraklabs-cie/pkg/ingestion/local_pipeline.go's parseFilesParallel
// worker-pool shape.
func (o *Orchestrator) parseAndChunk(ctx context.Context, codebaseID string, acquired *Acquired) *parseOutcome {
	paths := make([]string, 0, len(acquired.Files))
	for p := range acquired.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	jobs := make(chan string, len(paths))
	type fileChunks struct {
		chunks   []Chunk
		language string
		ok       bool
	}
	results := make(chan fileChunks, len(paths))

	numWorkers := o.Workers
	if numWorkers < 1 {
		numWorkers = 1
	}
	if len(paths) < 10 {
		numWorkers = 1
	}

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				select {
				case <-ctx.Done():
					return
				default:
				}

				content := acquired.Files[path]
				lang, ex, err := o.Parser.ParseFile(path, content)
				if err != nil || lang == "" {
					results <- fileChunks{}
					continue
				}

				detections := o.Scanner.Scan(codebaseID, path, content)
				clean := content
				if len(detections) > 0 {
					clean = o.Scanner.Redact(content, detections)
				}

				chunks := o.Parser.Chunks(codebaseID, path, lang, clean, ex)
				results <- fileChunks{chunks: chunks, language: lang, ok: true}
			}
		}()
	}

	for _, p := range paths {
		jobs <- p
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	var out parseOutcome
	langSeen := map[string]bool{}
	for r := range results {
		if !r.ok {
			continue
		}
		out.filesProcessed++
		out.chunks = append(out.chunks, r.chunks...)
		if !langSeen[r.language] {
			langSeen[r.language] = true
			out.languages = append(out.languages, r.language)
		}
	}
	sort.Slice(out.chunks, func(i, j int) bool {
		if out.chunks[i].FilePath != out.chunks[j].FilePath {
			return out.chunks[i].FilePath < out.chunks[j].FilePath
		}
		return out.chunks[i].LineStart < out.chunks[j].LineStart
	})
	sort.Strings(out.languages)
	return &out
}

// scanSecrets re-runs the scanner over every acquired file to produce
// the run-level report handed back to the caller (the redacted copies
// used for chunking happen inline in parseAndChunk; this pass exists so
// the secrets summary reflects every file, not just ones that parsed),
// per spec.md §4.3's "report even on files the parser skipped" note.
func (o *Orchestrator) scanSecrets(codebaseID string, acquired *Acquired, maxFileSizeForScan int64) *secretsOutcome {
	var all []SecretDetectionResult
	for path, content := range acquired.Files {
		if flags, ok := acquired.Flags[path]; ok && flags.OversizeForScan {
			continue
		}
		if maxFileSizeForScan > 0 && int64(len(content)) > maxFileSizeForScan {
			continue
		}
		all = append(all, o.Scanner.Scan(codebaseID, path, content)...)
	}
	return &secretsOutcome{total: len(all), summary: o.Scanner.Summary(all)}
}

// embedAndIndex generates embeddings for every chunk and writes them
// into the vector store, per spec.md §4.4 and §4.5.
func (o *Orchestrator) embedAndIndex(ctx context.Context, codebaseID string, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	items := make([]embedding.Item, len(chunks))
	for i, c := range chunks {
		items[i] = embedding.Item{ID: c.ID, Text: c.Content}
	}

	results, err := o.Generator.EmbedAll(ctx, items)
	if err != nil {
		return err
	}

	byID := make(map[string][]float32, len(results))
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		byID[r.ID] = r.Embedding
	}

	docs := make([]vectorstore.Document, 0, len(chunks))
	for _, c := range chunks {
		vec, ok := byID[c.ID]
		if !ok {
			continue
		}
		docs = append(docs, vectorstore.Document{
			ID:         c.ID,
			CodebaseID: codebaseID,
			Content:    c.Content,
			Embedding:  vec,
			Metadata: map[string]string{
				"file_path":  c.FilePath,
				"line_start": itoa(c.LineStart),
				"line_end":   itoa(c.LineEnd),
				"language":   c.Language,
				"kind":       string(c.Kind),
				"name":       c.Name,
			},
		})
	}

	return o.Vectors.Add(ctx, docs)
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}

// newRunID generates a unique identifier for one ingestion run, used by
// callers that need to correlate log lines and the Codebase row's
// workflow_id field.
func newRunID() string { return uuid.NewString() }
