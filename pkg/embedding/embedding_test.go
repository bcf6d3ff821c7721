package embedding

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockProviderIsDeterministic(t *testing.T) {
	p := NewMockProvider(32)
	v1, err := p.Embed(context.Background(), "func main() {}")
	require.NoError(t, err)
	v2, err := p.Embed(context.Background(), "func main() {}")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)

	v3, err := p.Embed(context.Background(), "func other() {}")
	require.NoError(t, err)
	assert.NotEqual(t, v1, v3)
}

func TestMockProviderIsNormalized(t *testing.T) {
	p := NewMockProvider(16)
	v, err := p.Embed(context.Background(), "some code")
	require.NoError(t, err)

	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sumSq), 1e-4)
}

type failNTimesProvider struct {
	failures  int
	calls     int
	dims      int
	succeedAt []float32
}

func (f *failNTimesProvider) Dimensions() int { return f.dims }

func (f *failNTimesProvider) Embed(_ context.Context, _ string) ([]float32, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("transient failure")
	}
	return f.succeedAt, nil
}

func TestGeneratorRetriesThenSucceeds(t *testing.T) {
	p := &failNTimesProvider{failures: 2, dims: 4, succeedAt: []float32{0.1, 0.2, 0.3, 0.4}}
	g := NewGenerator(p, 10, time.Millisecond)
	g.Retry = RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2}

	results, err := g.EmbedAll(context.Background(), []Item{{ID: "a", Text: "x"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0.4}, results[0].Embedding)
}

func TestGeneratorExhaustsRetries(t *testing.T) {
	p := &failNTimesProvider{failures: 100, dims: 4}
	g := NewGenerator(p, 10, time.Millisecond)
	g.Retry = RetryConfig{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 2}

	results, err := g.EmbedAll(context.Background(), []Item{{ID: "a", Text: "x"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
}

func TestGeneratorPreservesOrderAcrossBatches(t *testing.T) {
	p := NewMockProvider(8)
	g := NewGenerator(p, 2, time.Millisecond)

	items := []Item{
		{ID: "a", Text: "alpha"},
		{ID: "b", Text: "beta"},
		{ID: "c", Text: "gamma"},
		{ID: "d", Text: "delta"},
		{ID: "e", Text: "epsilon"},
	}

	results, err := g.EmbedAll(context.Background(), items)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i, r := range results {
		assert.Equal(t, items[i].ID, r.ID)
		assert.NoError(t, r.Err)
	}
}

func TestGeneratorRespectsCancellation(t *testing.T) {
	p := NewMockProvider(4)
	g := NewGenerator(p, 1, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.EmbedAll(ctx, []Item{{ID: "a", Text: "x"}, {ID: "b", Text: "y"}})
	assert.Error(t, err)
}
