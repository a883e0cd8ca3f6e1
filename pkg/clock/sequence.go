package clock

import "sync/atomic"

// Sequence hands out increasing request numbers shared by concurrent issuers.
// Numbers start after the initial value; 0 is reserved for "no request".
type Sequence struct {
	last atomic.Int64
}

func NewSequence(start int64) *Sequence {
	s := &Sequence{}
	s.last.Store(start)
	return s
}

// Next issues a new number, greater than every number issued before.
func (s *Sequence) Next() int64 {
	return s.last.Add(1)
}

// Last is the most recently issued number.
func (s *Sequence) Last() int64 {
	return s.last.Load()
}
