package catalog

import (
	"sync/atomic"
	"time"
)

// Sequencer hands out write sequence numbers. Numbers follow the wall clock
// in nanoseconds and never repeat or go backwards within a process, even
// when the clock does.
type Sequencer struct {
	last uint64
	now  func() uint64
}

func NewSequencer() *Sequencer {
	return &Sequencer{now: func() uint64 { return uint64(time.Now().UnixNano()) }}
}

func (s *Sequencer) Next() uint64 {
	for {
		last := atomic.LoadUint64(&s.last)
		next := s.now()
		if next <= last {
			next = last + 1
		}
		if atomic.CompareAndSwapUint64(&s.last, last, next) {
			return next
		}
	}
}
