package dispatcher

import "sync"

// Suspender tracks host threads that are calling into the driver on behalf of
// the measurement itself. Driver callbacks from a suspended thread are not
// recorded.
type Suspender struct {
	mu    sync.Mutex
	depth map[uint32]int
}

// Acquire suspends thread until the returned release func runs. Calls nest.
func (s *Suspender) Acquire(thread uint32) func() {
	s.mu.Lock()
	if s.depth == nil {
		s.depth = make(map[uint32]int)
	}
	s.depth[thread]++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.depth[thread]--; s.depth[thread] <= 0 {
				delete(s.depth, thread)
			}
		})
	}
}

func (s *Suspender) Suspended(thread uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depth[thread] > 0
}
