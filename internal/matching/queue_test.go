package matching

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryPair_EmptyQueueWaits(t *testing.T) {
	q := NewQueue()

	partner, ok, err := q.TryPair("a")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, partner)
	assert.Equal(t, []string{"a"}, q.Snapshot())
}

func TestTryPair_PopsOldest(t *testing.T) {
	q := NewQueue()
	q.Enqueue("a")
	q.Enqueue("b")
	q.Enqueue("c")

	partner, ok, err := q.TryPair("d")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", partner)
	assert.Equal(t, []string{"b", "c"}, q.Snapshot())
	assert.False(t, q.Contains("d"))
}

func TestTryPair_CallerAlreadyQueued(t *testing.T) {
	q := NewQueue()
	q.Enqueue("a")

	// a asks again while alone: it must not match itself.
	partner, ok, err := q.TryPair("a")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, partner)
	assert.Equal(t, []string{"a"}, q.Snapshot())

	q.Enqueue("b")
	// b re-asks: it is pulled out, then pairs with a.
	partner, ok, err = q.TryPair("b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", partner)
	assert.Equal(t, 0, q.Len())
}

func TestTryPair_FIFOFairness(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 5; i++ {
		q.Enqueue(fmt.Sprintf("w%d", i))
	}

	for i := 0; i < 5; i++ {
		partner, ok, err := q.TryPair(fmt.Sprintf("n%d", i))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("w%d", i), partner)
	}
	assert.Equal(t, 0, q.Len())
}

func TestEnqueue_Idempotent(t *testing.T) {
	q := NewQueue()
	q.Enqueue("a")
	q.Enqueue("b")
	q.Enqueue("a")

	assert.Equal(t, []string{"a", "b"}, q.Snapshot())
	assert.Equal(t, 2, q.Len())
}

func TestRemove(t *testing.T) {
	q := NewQueue()
	q.Enqueue("a")
	q.Enqueue("b")
	q.Enqueue("c")

	assert.True(t, q.Remove("b"))
	assert.False(t, q.Remove("b"))
	assert.False(t, q.Remove("zzz"))
	assert.Equal(t, []string{"a", "c"}, q.Snapshot())
	assert.False(t, q.Contains("b"))
}

func TestSnapshot_IsCopy(t *testing.T) {
	q := NewQueue()
	q.Enqueue("a")

	snap := q.Snapshot()
	snap[0] = "mutated"
	assert.Equal(t, []string{"a"}, q.Snapshot())
}

func TestTryPair_ConcurrentNoDoubleMatch(t *testing.T) {
	q := NewQueue()
	const n = 200

	var mu sync.Mutex
	matched := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			partner, ok, err := q.TryPair(id)
			assert.NoError(t, err)
			if !ok {
				return
			}
			assert.NotEqual(t, id, partner)
			mu.Lock()
			matched[id]++
			matched[partner]++
			mu.Unlock()
		}(fmt.Sprintf("c%d", i))
	}
	wg.Wait()

	for id, count := range matched {
		assert.Equal(t, 1, count, "conn %s matched %d times", id, count)
	}
	assert.Equal(t, n, len(matched)+q.Len())
}

func TestRequeue_KeepsTurn(t *testing.T) {
	q := NewQueue()
	q.Enqueue("a")
	q.Enqueue("b")

	partner, ok, err := q.TryPair("c")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", partner)

	// Pairing a with c failed upstream: a goes back ahead of b, c waits last.
	q.Requeue(partner)
	q.Enqueue("c")
	assert.Equal(t, []string{"a", "b", "c"}, q.Snapshot())

	q.Requeue("b")
	assert.Equal(t, []string{"a", "b", "c"}, q.Snapshot(), "queued IDs keep their place")

	partner, ok, err = q.TryPair("d")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", partner)
}
