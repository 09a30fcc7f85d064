package amq

import (
	"sync"
	"time"
)

// Sequence issues monotonically increasing ids. There is no
// wraparound handling.
type Sequence struct {
	mu   sync.Mutex
	next int64
	step int64
}

func NewSequence(start, step int64) *Sequence {
	return &Sequence{next: start, step: step}
}

func (s *Sequence) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.next
	s.next += s.step
	return n
}

// Future is a one-shot mailbox for an asynchronous reply. The first
// put wins; later puts are ignored.
type Future struct {
	done  chan struct{}
	once  sync.Once
	value interface{}
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) put(v interface{}) {
	f.once.Do(func() {
		f.value = v
		close(f.done)
	})
}

// Get waits up to timeout for the value; zero or negative timeout
// waits forever. The second return is false when the wait timed out.
func (f *Future) Get(timeout time.Duration) (interface{}, bool) {
	if timeout <= 0 {
		<-f.done
		return f.value, true
	}
	select {
	case <-f.done:
		return f.value, true
	case <-time.After(timeout):
		return nil, false
	}
}

func (f *Future) IsComplete() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
