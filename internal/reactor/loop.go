package reactor

import (
	"sync"
	"time"
)

// DefaultPollTimeout is the reactor's worst-case poll timeout, capped by
// the smallest active timer (spec.md §4.9/§5).
const DefaultPollTimeout = 5 * time.Second

// SubmitMode selects whether Submit blocks the caller until the closure
// has run.
type SubmitMode int

const (
	Async SubmitMode = iota
	Sync
)

type ioHandler struct {
	fd       int
	events   EventMask
	callback func(EventMask)
}

type timerEntry struct {
	id       int
	period   time.Duration
	callback func()
	nextFire time.Time
	stopped  bool
}

type submission struct {
	fn   func()
	done chan struct{}
}

// Loop is the single-threaded cooperative reactor of spec.md §4.9. No
// callback runs concurrently with another dispatched by the same Loop;
// callbacks run with the loop's internal lock released (the only
// suspension-point rule this package must uphold, per spec.md §5).
type Loop struct {
	poller Poller
	signal Signal

	mu          sync.Mutex
	ioHandlers  map[int]*ioHandler
	timers      map[int]*timerEntry
	nextTimerID int
	pending     []submission

	stopCh  chan struct{}
	stopped bool
}

// New creates a Loop driven by poller and woken across threads via signal.
func New(poller Poller, signal Signal) (*Loop, error) {
	l := &Loop{
		poller:     poller,
		signal:     signal,
		ioHandlers: make(map[int]*ioHandler),
		timers:     make(map[int]*timerEntry),
		stopCh:     make(chan struct{}),
	}
	if err := l.poller.Add(signal.FD(), EventIn); err != nil {
		return nil, err
	}
	return l, nil
}

// Add registers fd for events, dispatching to callback when ready.
func (l *Loop) Add(fd int, events EventMask, callback func(EventMask)) error {
	l.mu.Lock()
	l.ioHandlers[fd] = &ioHandler{fd: fd, events: events, callback: callback}
	l.mu.Unlock()
	return l.poller.Add(fd, events)
}

// Modify changes the subscribed events for fd.
func (l *Loop) Modify(fd int, events EventMask) error {
	l.mu.Lock()
	if h, ok := l.ioHandlers[fd]; ok {
		h.events = events
	}
	l.mu.Unlock()
	return l.poller.Modify(fd, events)
}

// Remove deregisters fd.
func (l *Loop) Remove(fd int) error {
	l.mu.Lock()
	delete(l.ioHandlers, fd)
	l.mu.Unlock()
	return l.poller.Remove(fd)
}

// CreateTimer schedules callback to run every period, starting one
// period from now, and returns a token usable with StopTimer.
func (l *Loop) CreateTimer(period time.Duration, callback func()) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextTimerID
	l.nextTimerID++
	l.timers[id] = &timerEntry{
		id:       id,
		period:   period,
		callback: callback,
		nextFire: time.Now().Add(period),
	}
	return id
}

// StopTimer cancels a previously created timer.
func (l *Loop) StopTimer(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.timers, id)
}

// Submit queues fn to run on the loop goroutine. With mode == Sync, it
// blocks the calling goroutine until fn has returned.
func (l *Loop) Submit(fn func(), mode SubmitMode) {
	s := submission{fn: fn}
	if mode == Sync {
		s.done = make(chan struct{})
	}

	l.mu.Lock()
	l.pending = append(l.pending, s)
	l.mu.Unlock()

	_ = l.signal.Raise()

	if mode == Sync {
		<-s.done
	}
}

// Stop requests the loop to exit after finishing its current iteration.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.mu.Unlock()
	close(l.stopCh)
	_ = l.signal.Raise()
}

// Run drives the loop until Stop is called. It is meant to be run on
// its own goroutine — the "reactor thread" of spec.md §5.
func (l *Loop) Run() {
	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		l.runPendingSubmissions()

		timeout := l.nextTimeout()
		results, err := l.poller.Wait(timeout)
		if err != nil {
			continue
		}

		for _, r := range results {
			if r.FD == l.signal.FD() {
				_ = l.signal.Consume()
				continue
			}

			l.mu.Lock()
			h := l.ioHandlers[r.FD]
			l.mu.Unlock()
			if h != nil {
				h.callback(r.Events)
			}
		}

		l.fireTimers()
	}
}

func (l *Loop) runPendingSubmissions() {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, s := range pending {
		s.fn()
		if s.done != nil {
			close(s.done)
		}
	}
}

func (l *Loop) fireTimers() {
	now := time.Now()

	l.mu.Lock()
	var due []*timerEntry
	for _, t := range l.timers {
		if !now.Before(t.nextFire) {
			t.nextFire = now.Add(t.period)
			due = append(due, t)
		}
	}
	l.mu.Unlock()

	for _, t := range due {
		t.callback()
	}
}

func (l *Loop) nextTimeout() time.Duration {
	now := time.Now()
	timeout := DefaultPollTimeout

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, t := range l.timers {
		remaining := t.nextFire.Sub(now)
		if remaining < timeout {
			if remaining < 0 {
				remaining = 0
			}
			timeout = remaining
		}
	}
	return timeout
}
