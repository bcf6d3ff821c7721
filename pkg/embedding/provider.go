// Package embedding generates vector embeddings for code chunks across
// multiple backends (a deterministic mock for tests, Ollama, and an
// OpenAI-compatible API), and batches those calls the way the ingestion
// orchestrator's embed stage requires: bounded concurrency, inter-batch
// pacing, and retry with jittered backoff.
package embedding

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

// Provider generates an embedding vector for a single piece of text.
type Provider interface {
	// Embed returns a normalized (L2 norm = 1.0) embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimensions reports the vector width this provider produces.
	Dimensions() int
}

// MockProvider produces deterministic, content-derived embeddings. It
// exists so ingestion and retrieval can be exercised end to end without a
// live embedding backend.
type MockProvider struct {
	dims int
}

// NewMockProvider creates a deterministic mock embedding provider.
func NewMockProvider(dims int) *MockProvider {
	if dims <= 0 {
		dims = 384
	}
	return &MockProvider{dims: dims}
}

// Dimensions reports the configured vector width.
func (m *MockProvider) Dimensions() int { return m.dims }

// Embed hashes text into a deterministic pseudo-random unit vector.
func (m *MockProvider) Embed(_ context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, m.dims)
	for i := range vec {
		seed := binary.BigEndian.Uint32(sum[(i*4)%28 : (i*4)%28+4])
		vec[i] = float32(seed%10000)/5000.0 - 1.0
	}
	return normalize(vec), nil
}

func normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// OllamaProvider generates embeddings via a local Ollama server's
// /api/embeddings endpoint.
type OllamaProvider struct {
	baseURL    string
	model      string
	dims       int
	httpClient *http.Client
}

// NewOllamaProvider creates an Ollama-backed embedding provider.
func NewOllamaProvider(baseURL, model string, dims int, timeout time.Duration) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OllamaProvider{
		baseURL:    baseURL,
		model:      model,
		dims:       dims,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Dimensions reports the configured vector width.
func (o *OllamaProvider) Dimensions() int { return o.dims }

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed requests an embedding from Ollama.
func (o *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: o.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama embed: http %d: %s", resp.StatusCode, string(respBody))
	}

	var out ollamaEmbedResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("unmarshal embed response: %w", err)
	}
	return out.Embedding, nil
}

// OpenAIProvider generates embeddings via an OpenAI-compatible
// /v1/embeddings endpoint.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	model      string
	dims       int
	httpClient *http.Client
}

// NewOpenAIProvider creates an OpenAI-compatible embedding provider.
func NewOpenAIProvider(apiKey, baseURL, model string, dims int, timeout time.Duration) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIProvider{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		dims:       dims,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Dimensions reports the configured vector width.
func (o *OpenAIProvider) Dimensions() int { return o.dims }

type openAIEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Embed requests an embedding from an OpenAI-compatible API.
func (o *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(openAIEmbedRequest{Model: o.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}

	var out openAIEmbedResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("unmarshal embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := string(respBody)
		if out.Error != nil {
			msg = out.Error.Message
		}
		return nil, fmt.Errorf("openai embed: http %d: %s", resp.StatusCode, msg)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("openai embed: empty response")
	}
	return out.Data[0].Embedding, nil
}

// NewProvider builds a Provider from the configured provider name.
func NewProvider(providerType, apiKey, baseURL, model string, dims int, timeout time.Duration) (Provider, error) {
	switch providerType {
	case "", "mock":
		return NewMockProvider(dims), nil
	case "ollama":
		return NewOllamaProvider(baseURL, model, dims, timeout), nil
	case "openai":
		return NewOpenAIProvider(apiKey, baseURL, model, dims, timeout), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", providerType)
	}
}
