package llm

import (
	"context"
	"fmt"
	"strings"
)

// MockProvider is a deterministic, network-free Provider used for tests
// and for the "mock" provider type in configuration, mirroring
// pkg/embedding.MockProvider's role for the embedding side of the
// ambient stack.
type MockProvider struct{}

// NewMockProvider creates a MockProvider.
func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) Models() []string { return []string{"mock-model"} }

// Complete echoes the last user message content prefixed with a marker,
// so tests can assert on it without a real LLM call.
func (p *MockProvider) Complete(_ context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	content := mockReply(req)
	return &CompletionResponse{
		ID:           "mock-response",
		Model:        req.Model,
		Content:      content,
		FinishReason: "stop",
		Usage: TokenUsage{
			PromptTokens:     estimateTokens(req.System) + estimateTokens(lastUserContent(req)),
			CompletionTokens: estimateTokens(content),
			TotalTokens:      estimateTokens(req.System) + estimateTokens(lastUserContent(req)) + estimateTokens(content),
		},
	}, nil
}

// Stream replays Complete's content one word at a time on a buffered
// channel, closing it when done.
func (p *MockProvider) Stream(ctx context.Context, req *CompletionRequest) (<-chan StreamChunk, error) {
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamChunk, len(strings.Fields(resp.Content))+1)
	go func() {
		defer close(ch)
		words := strings.Fields(resp.Content)
		for i, w := range words {
			text := w
			if i < len(words)-1 {
				text += " "
			}
			select {
			case <-ctx.Done():
				return
			case ch <- StreamChunk{Content: text}:
			}
		}
		ch <- StreamChunk{Done: true, Usage: &resp.Usage}
	}()
	return ch, nil
}

func (p *MockProvider) CountTokens(content string) (int, error) {
	return estimateTokens(content), nil
}

func mockReply(req *CompletionRequest) string {
	last := lastUserContent(req)
	if last == "" {
		return "mock response"
	}
	return fmt.Sprintf("mock response to: %s", last)
}

func lastUserContent(req *CompletionRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}

// estimateTokens approximates token count as content length / 4, the
// same heuristic pkg/ingest uses for chunk sizing.
func estimateTokens(s string) int {
	n := len(s) / 4
	if n == 0 && len(s) > 0 {
		n = 1
	}
	return n
}
