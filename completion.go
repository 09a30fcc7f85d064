package amq

import (
	"sync"
	"time"
)

// OutgoingCompletion tracks completion of commands sent by this peer.
// Ids are issued locally per command; the remote acknowledges a
// cumulative mark and waiters block until their id is covered.
type OutgoingCompletion struct {
	mu   sync.Mutex
	wake chan struct{}

	sequence  *Sequence
	commandID int64 // last issued id, -1 before the first command
	mark      int64 // ids up to here are known complete
	closed    bool
}

func NewOutgoingCompletion() *OutgoingCompletion {
	return &OutgoingCompletion{
		sequence:  NewSequence(0, 1),
		commandID: -1,
		mark:      -1,
		wake:      make(chan struct{}),
	}
}

// NextCommand issues an id for the method if it is subject to
// completion tracking.
func (oc *OutgoingCompletion) NextCommand(t *MethodType) {
	if !t.L4Command {
		return
	}
	oc.mu.Lock()
	oc.commandID = oc.sequence.Next()
	oc.mu.Unlock()
}

// CommandID returns the last issued command id.
func (oc *OutgoingCompletion) CommandID() int64 {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	return oc.commandID
}

// Reset restarts the id counter, as required when the session is
// opened or closed.
func (oc *OutgoingCompletion) Reset() {
	oc.mu.Lock()
	oc.sequence = NewSequence(0, 1)
	oc.mu.Unlock()
}

// Close releases all waiters. Their waits report whatever the mark
// covered at that point.
func (oc *OutgoingCompletion) Close() {
	oc.mu.Lock()
	oc.sequence = NewSequence(0, 1)
	if !oc.closed {
		oc.closed = true
		close(oc.wake)
		oc.wake = make(chan struct{})
	}
	oc.mu.Unlock()
}

// Complete records the remote's cumulative completion mark and wakes
// all waiters.
func (oc *OutgoingCompletion) Complete(mark int64) {
	oc.mu.Lock()
	oc.mark = mark
	close(oc.wake)
	oc.wake = make(chan struct{})
	oc.mu.Unlock()
}

// Wait blocks until the mark covers point, the tracker closes, or the
// timeout elapses; point -1 means the last issued command id, timeout
// zero means no bound. It reports whether point was covered.
func (oc *OutgoingCompletion) Wait(point int64, timeout time.Duration) bool {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	oc.mu.Lock()
	if point == -1 {
		point = oc.commandID
	}
	for !oc.closed && point > oc.mark {
		wake := oc.wake
		oc.mu.Unlock()
		if timeout > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				oc.mu.Lock()
				break
			}
			select {
			case <-wake:
			case <-time.After(remaining):
			}
		} else {
			<-wake
		}
		oc.mu.Lock()
	}
	covered := point <= oc.mark
	oc.mu.Unlock()
	return covered
}

// IncomingCompletion tracks completion of commands received from the
// remote peer and notifies it as commands complete. The notify
// callback sends the execution-complete control; it receives the
// cumulative mark and, for out-of-order completion, a ranged set.
type IncomingCompletion struct {
	mu       sync.Mutex
	sequence *Sequence
	mark     int64
	notify   func(cumulativeMark uint32, ranged []uint32) error
}

func NewIncomingCompletion(notify func(uint32, []uint32) error) *IncomingCompletion {
	return &IncomingCompletion{
		sequence: NewSequence(0, 1),
		mark:     -1,
		notify:   notify,
	}
}

// Next issues the id for the next incoming command.
func (ic *IncomingCompletion) Next() int64 {
	return ic.sequence.Next()
}

func (ic *IncomingCompletion) Reset() {
	ic.mu.Lock()
	ic.sequence = NewSequence(0, 1)
	ic.mu.Unlock()
}

// Complete records that the command with the given id has completed.
// Cumulative completion advances the mark and notifies only on
// advance; out-of-order completion sends a single-id range. Ranges
// before any cumulative mark use the all-ones mark, as there is no
// valid cumulative value yet.
func (ic *IncomingCompletion) Complete(mark int64, cumulative bool) error {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if cumulative {
		if mark <= ic.mark {
			return nil
		}
		ic.mark = mark
		return ic.notify(uint32(ic.mark), nil)
	}
	ranged := []uint32{uint32(mark), uint32(mark)}
	if ic.mark == -1 {
		return ic.notify(0xFFFFFFFF, ranged)
	}
	return ic.notify(uint32(ic.mark), ranged)
}
