package events

import (
	"sync"

	"github.com/mohammad-safakhou/postcraft/internal/workflow"
)

// Sequencer restores strict step order for transports that may deliver out
// of order or more than once. Events are released only when every earlier
// sequence number has been released.
type Sequencer struct {
	mu      sync.Mutex
	next    int
	pending map[int]workflow.StepEvent
}

// NewSequencer expects sequence numbers to start at 1.
func NewSequencer() *Sequencer {
	return NewSequencerFrom(1)
}

// NewSequencerFrom resumes a stream whose first next events are already
// known to the consumer.
func NewSequencerFrom(next int) *Sequencer {
	if next < 1 {
		next = 1
	}
	return &Sequencer{next: next, pending: make(map[int]workflow.StepEvent)}
}

// Push accepts one event and returns the events now ready for delivery, in
// order. Duplicates and events older than the cursor are dropped.
func (s *Sequencer) Push(ev workflow.StepEvent) []workflow.StepEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Sequence < s.next {
		return nil
	}
	if _, dup := s.pending[ev.Sequence]; dup {
		return nil
	}
	s.pending[ev.Sequence] = ev

	var ready []workflow.StepEvent
	for {
		next, ok := s.pending[s.next]
		if !ok {
			break
		}
		delete(s.pending, s.next)
		ready = append(ready, next)
		s.next++
	}
	return ready
}

// Next is the sequence number the sequencer is waiting for.
func (s *Sequencer) Next() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Pending is the number of buffered events waiting on a gap.
func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
