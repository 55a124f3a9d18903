package app

import "sync"

// Scheduler bounds the number of concurrently running provisioning and
// deprovisioning jobs. Jobs submitted over the limit wait in a FIFO queue
// and start strictly in submission order as capacity frees up.
//
// The queue and counter live in memory only: they are reset on every
// process start, and stores whose jobs were lost are recovered by the
// startup sweep instead.
type Scheduler struct {
	limit int

	mu     sync.Mutex
	active int
	queue  []func()
}

// NewScheduler creates a scheduler running at most maxConcurrent jobs at once.
func NewScheduler(maxConcurrent int) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Scheduler{limit: maxConcurrent}
}

// Submit starts job on its own goroutine when capacity allows, otherwise
// appends it to the tail of the pending queue. It never blocks.
func (s *Scheduler) Submit(job func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active < s.limit {
		s.active++
		go s.run(job)
		return
	}
	s.queue = append(s.queue, job)
}

func (s *Scheduler) run(job func()) {
	defer s.done()
	job()
}

// done releases a capacity slot and drains the queue head-first.
func (s *Scheduler) done() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active--
	for len(s.queue) > 0 && s.active < s.limit {
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.active++
		go s.run(next)
	}
}

// Active reports the number of currently running jobs.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Queued reports the number of jobs waiting for a capacity slot.
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Limit reports the concurrency bound.
func (s *Scheduler) Limit() int {
	return s.limit
}
