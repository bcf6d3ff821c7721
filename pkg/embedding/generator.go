package embedding

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/codegrok/codegrok/pkg/apperr"
)

// RetryConfig configures the jittered exponential backoff applied to a
// single item's embedding calls.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryConfig is used when a Generator is not given one explicitly.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:     3,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	Multiplier:     2.0,
}

// Item is one unit of text to embed, identified so results can be
// reassembled in the caller's own order.
type Item struct {
	ID   string
	Text string
}

// Result pairs an Item's id with its embedding, or an error if every
// retry failed.
type Result struct {
	ID        string
	Embedding []float32
	Err       error
}

// Generator batches embedding calls the way the ingestion orchestrator's
// embed stage requires: items are embedded BatchSize at a time, with a
// pause between batches to stay within provider rate limits, and each
// call is retried with jittered exponential backoff.
type Generator struct {
	provider   Provider
	BatchSize  int
	BatchDelay time.Duration
	Retry      RetryConfig
}

// NewGenerator creates a Generator around provider with the batching
// parameters the embed stage is configured with (default batch size 100,
// 100ms inter-batch delay, per the orchestrator's stage contract).
func NewGenerator(provider Provider, batchSize int, batchDelay time.Duration) *Generator {
	if batchSize <= 0 {
		batchSize = 100
	}
	if batchDelay <= 0 {
		batchDelay = 100 * time.Millisecond
	}
	return &Generator{
		provider:   provider,
		BatchSize:  batchSize,
		BatchDelay: batchDelay,
		Retry:      DefaultRetryConfig,
	}
}

// EmbedAll embeds every item, batching and pacing calls, and returns one
// Result per item in the same order as the input.
func (g *Generator) EmbedAll(ctx context.Context, items []Item) ([]Result, error) {
	results := make([]Result, len(items))

	for start := 0; start < len(items); start += g.BatchSize {
		end := start + g.BatchSize
		if end > len(items) {
			end = len(items)
		}

		for i := start; i < end; i++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			vec, err := g.embedWithRetry(ctx, items[i].Text)
			results[i] = Result{ID: items[i].ID, Embedding: vec, Err: err}
		}

		if end < len(items) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(g.BatchDelay):
			}
		}
	}

	return results, nil
}

func (g *Generator) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	backoff := g.Retry.InitialBackoff

	for attempt := 0; attempt <= g.Retry.MaxRetries; attempt++ {
		vec, err := g.provider.Embed(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		if attempt == g.Retry.MaxRetries {
			break
		}

		sleep := withFullJitter(backoff)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
		backoff = time.Duration(float64(backoff) * g.Retry.Multiplier)
		if backoff > g.Retry.MaxBackoff {
			backoff = g.Retry.MaxBackoff
		}
	}

	return nil, apperr.Wrap(apperr.KindNetwork, "embedding provider unavailable", lastErr)
}

func withFullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d) + 1))
}
