package strategy

import (
	"sync"
	"sync/atomic"
)

type task struct {
	name string
	done chan struct{}
}

// taskSet tracks background goroutines so they can be pruned per tick and
// awaited on shutdown.
type taskSet struct {
	mu    sync.Mutex
	tasks []*task
}

func (s *taskSet) Go(name string, fn func()) {
	t := &task{name: name, done: make(chan struct{})}
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	go func() {
		defer close(t.done)
		fn()
	}()
}

// Prune drops finished tasks and returns how many are still running.
func (s *taskSet) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	running := s.tasks[:0]
	for _, t := range s.tasks {
		select {
		case <-t.done:
		default:
			running = append(running, t)
		}
	}
	for i := len(running); i < len(s.tasks); i++ {
		s.tasks[i] = nil
	}
	s.tasks = running
	return len(running)
}

// Wait blocks until every task, including ones started while waiting, has
// finished.
func (s *taskSet) Wait() {
	for {
		s.mu.Lock()
		pending := append([]*task(nil), s.tasks...)
		s.mu.Unlock()
		if len(pending) == 0 {
			return
		}
		for _, t := range pending {
			<-t.done
		}
		if s.Prune() == 0 {
			return
		}
	}
}

// slot allows at most one run of a recurring job at a time.
type slot struct {
	busy atomic.Bool
}

// start runs fn in the background unless the previous run is still going.
func (s *slot) start(tasks *taskSet, name string, fn func()) bool {
	if !s.busy.CompareAndSwap(false, true) {
		return false
	}
	tasks.Go(name, func() {
		defer s.busy.Store(false)
		fn()
	})
	return true
}
