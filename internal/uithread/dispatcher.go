// Package uithread models the single native UI thread that owns lifecycle
// notifications and mount operations.
//
// Components never assume which goroutine they are called on; they post work
// to a [Dispatcher] and the dispatcher runs it in order.
package uithread

import (
	"sync"
)

// Dispatcher runs posted functions in the order they were posted.
type Dispatcher interface {
	// Post schedules fn. It returns false if the dispatcher no longer
	// accepts work, in which case fn never runs.
	Post(fn func()) bool
}

// Inline runs every posted function synchronously on the caller's goroutine.
type Inline struct{}

// Post implements Dispatcher.
func (Inline) Post(fn func()) bool {
	fn()
	return true
}

// Loop is a Dispatcher backed by one goroutine draining an unbounded queue.
type Loop struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool
	done    chan struct{}
}

// NewLoop starts a loop goroutine.
func NewLoop() *Loop {
	l := &Loop{done: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// Post implements Dispatcher. Posting never blocks.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return false
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
	return true
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.stopped {
			l.cond.Wait()
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
	}
}

// Sync posts fn and waits for it to run. It returns false if the loop was
// stopped. Sync must not be called from the loop goroutine.
func (l *Loop) Sync(fn func()) bool {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.done:
		return false
	}
}

// Stop rejects new work, lets already queued work finish, and waits for the
// loop goroutine to exit. Stop is idempotent.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.cond.Broadcast()
	l.mu.Unlock()
	<-l.done
}
