package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func TestLimiter_AllowsInitialBurst(t *testing.T) {
	l := NewLimiter(newMemStore(), 100)
	ctx := context.Background()

	allowed, _, err := l.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestLimiter_DeniesOverCapacity(t *testing.T) {
	l := NewLimiter(newMemStore(), 10) // capacity = 1
	ctx := context.Background()

	var lastAllowed bool
	var retryAfter time.Duration
	for i := 0; i < 5; i++ {
		var err error
		lastAllowed, retryAfter, err = l.Allow(ctx, "same-ip")
		require.NoError(t, err)
	}

	assert.False(t, lastAllowed)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestLimiter_IsolatesByKey(t *testing.T) {
	l := NewLimiter(newMemStore(), 10) // capacity = 1
	ctx := context.Background()

	a1, _, err := l.Allow(ctx, "ip-a")
	require.NoError(t, err)
	b1, _, err := l.Allow(ctx, "ip-b")
	require.NoError(t, err)

	assert.True(t, a1)
	assert.True(t, b1)
}

func TestLimiter_Table(t *testing.T) {
	tests := []struct {
		name      string
		perHour   int
		attempts  int
		wantAllow bool
	}{
		{"single request allowed", 100, 1, true},
		{"burst within capacity", 3600, 5, true},
		{"very low rate still allows first", 1, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLimiter(newMemStore(), tt.perHour)
			ctx := context.Background()

			var last bool
			for i := 0; i < tt.attempts; i++ {
				var err error
				last, _, err = l.Allow(ctx, "k")
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantAllow, last)
		})
	}
}

func TestSemaphore_AcquireRelease(t *testing.T) {
	sem := NewSemaphore(1)
	ctx := context.Background()

	require.NoError(t, sem.Acquire(ctx))
	assert.Equal(t, 1, sem.InUse())

	ctx2, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := sem.Acquire(ctx2)
	assert.Error(t, err, "second acquire should block until release")

	sem.Release()
	assert.Equal(t, 0, sem.InUse())
}
