package engine

import (
	"sync"
	"time"
)

// timerLoop is a small cancellable task list driven by one goroutine per
// session. Every armed timer is addressable by id and can be invalidated
// synchronously, which is what keeps a stale challenge from firing into a
// session that already transitioned.
type timerLoop struct {
	mu      sync.Mutex
	tasks   map[uint64]*timerTask
	nextID  uint64
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

type timerTask struct {
	id     uint64
	fireAt time.Time
	run    func()
}

func newTimerLoop() *timerLoop {
	l := &timerLoop{
		tasks: make(map[uint64]*timerTask),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go l.loop()
	return l
}

// schedule arms a task to run after d and returns its cancellation id.
func (l *timerLoop) schedule(d time.Duration, run func()) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return 0
	}

	l.nextID++
	id := l.nextID
	l.tasks[id] = &timerTask{id: id, fireAt: time.Now().Add(d), run: run}
	l.kick()
	return id
}

// cancel invalidates a single armed task. Canceling an already-fired or
// unknown id is a no-op.
func (l *timerLoop) cancel(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.tasks, id)
	l.kick()
}

// cancelAll invalidates every armed task.
func (l *timerLoop) cancelAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasks = make(map[uint64]*timerTask)
	l.kick()
}

// stop cancels everything and shuts the loop goroutine down.
func (l *timerLoop) stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.tasks = make(map[uint64]*timerTask)
	l.mu.Unlock()
	close(l.done)
}

func (l *timerLoop) kick() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *timerLoop) loop() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		l.mu.Lock()
		var next *timerTask
		for _, t := range l.tasks {
			if next == nil || t.fireAt.Before(next.fireAt) {
				next = t
			}
		}
		l.mu.Unlock()

		wait := time.Hour
		if next != nil {
			wait = time.Until(next.fireAt)
			if wait < 0 {
				wait = 0
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-l.done:
			return
		case <-l.wake:
			continue
		case <-timer.C:
		}

		now := time.Now()
		var due []*timerTask
		l.mu.Lock()
		for id, t := range l.tasks {
			if !t.fireAt.After(now) {
				due = append(due, t)
				delete(l.tasks, id)
			}
		}
		l.mu.Unlock()

		// Run outside the loop lock; task callbacks take the engine
		// mutex and may re-schedule or cancel.
		for _, t := range due {
			t.run()
		}
	}
}
