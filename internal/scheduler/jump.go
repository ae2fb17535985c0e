package scheduler

import "sync"

// Jump is a one-slot priority override. A new request replaces any
// unconsumed one; there is no queue.
type Jump struct {
	mu    sync.Mutex
	index int
	set   bool
}

// NewJump returns an empty priority slot.
func NewJump() *Jump {
	return &Jump{}
}

// Request records index as the next segment to schedule, replacing any
// pending request.
func (j *Jump) Request(index int) {
	j.mu.Lock()
	j.index = index
	j.set = true
	j.mu.Unlock()
}

func (j *Jump) take() (int, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.set {
		return 0, false
	}
	j.set = false
	return j.index, true
}
