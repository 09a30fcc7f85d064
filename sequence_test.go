package amq

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequence(t *testing.T) {
	s := NewSequence(1, 1)
	assert.Equal(t, int64(1), s.Next())
	assert.Equal(t, int64(2), s.Next())

	stepped := NewSequence(0, 10)
	assert.Equal(t, int64(0), stepped.Next())
	assert.Equal(t, int64(10), stepped.Next())
}

func TestSequenceConcurrent(t *testing.T) {
	s := NewSequence(0, 1)
	const workers, perWorker = 8, 1000

	var wg sync.WaitGroup
	ids := make(chan int64, workers*perWorker)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				ids <- s.Next()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool, workers*perWorker)
	for id := range ids {
		require.False(t, seen[id], "id %d issued twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, workers*perWorker)
}

func TestFuture(t *testing.T) {
	f := newFuture()
	assert.False(t, f.IsComplete())

	go func() {
		time.Sleep(5 * time.Millisecond)
		f.put("done")
	}()

	v, ok := f.Get(time.Second)
	require.True(t, ok)
	assert.Equal(t, "done", v)
	assert.True(t, f.IsComplete())

	// The first put wins.
	f.put("ignored")
	v, _ = f.Get(0)
	assert.Equal(t, "done", v)
}

func TestFutureTimeout(t *testing.T) {
	f := newFuture()
	_, ok := f.Get(10 * time.Millisecond)
	assert.False(t, ok)
	assert.False(t, f.IsComplete())
}
