package storage

import (
	"strings"
	"sync"

	"github.com/tomtzook/obsr-go/internal/handle"
	"github.com/tomtzook/obsr-go/internal/obsrerr"
	"github.com/tomtzook/obsr-go/internal/value"
)

// EventType distinguishes the three listener notifications of spec.md §4.5.
type EventType int

const (
	EventCreated EventType = iota
	EventDeleted
	EventValueChanged
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventDeleted:
		return "deleted"
	case EventValueChanged:
		return "value_changed"
	default:
		return "unknown"
	}
}

// Event is one listener notification.
type Event struct {
	Timestamp int64
	Type      EventType
	Path      string
	OldValue  value.Value
	NewValue  value.Value
}

// Callback receives dispatched events. Panics inside a callback are
// recovered and swallowed, per spec.md §4.5 ("callback exceptions are
// swallowed").
type Callback func(Event)

type listenerEntry struct {
	prefix            string
	callback          Callback
	creationTimestamp int64
}

// Dispatcher is the listener fan-out worker of spec.md §4.5: producers
// enqueue events under a mutex and signal a condition variable; the
// worker wakes, moves the queue aside, releases the mutex, and delivers
// each event to every listener whose prefix matches.
type Dispatcher struct {
	listeners *handle.Table[listenerEntry]
	listenMu  sync.Mutex

	queueMu sync.Mutex
	cond    *sync.Cond
	queue   []Event
	stopped bool

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given listener table
// capacity (spec.md §3: "16 listeners").
func NewDispatcher(listenerCapacity int) *Dispatcher {
	d := &Dispatcher{
		listeners: handle.New[listenerEntry](listenerCapacity),
	}
	d.cond = sync.NewCond(&d.queueMu)
	return d
}

// Start launches the dispatcher's worker goroutine.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop signals the worker to finish delivering whatever is queued and
// exit, then waits for it to do so.
func (d *Dispatcher) Stop() {
	d.queueMu.Lock()
	d.stopped = true
	d.cond.Broadcast()
	d.queueMu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		d.queueMu.Lock()
		for len(d.queue) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.stopped {
			d.queueMu.Unlock()
			return
		}

		pending := d.queue
		d.queue = nil
		d.queueMu.Unlock()

		for _, e := range pending {
			d.deliver(e)
		}
	}
}

func (d *Dispatcher) deliver(e Event) {
	d.listenMu.Lock()
	matches := make([]Callback, 0, 4)
	d.listeners.Range(func(_ handle.Handle, l *listenerEntry) bool {
		if e.Timestamp >= l.creationTimestamp && strings.HasPrefix(e.Path, l.prefix) {
			matches = append(matches, l.callback)
		}
		return true
	})
	d.listenMu.Unlock()

	for _, cb := range matches {
		invokeSafely(cb, e)
	}
}

func invokeSafely(cb Callback, e Event) {
	defer func() { _ = recover() }()
	cb(e)
}

// Enqueue appends an event to the pending queue and wakes the worker.
func (d *Dispatcher) Enqueue(e Event) {
	d.queueMu.Lock()
	d.queue = append(d.queue, e)
	d.cond.Signal()
	d.queueMu.Unlock()
}

// Listen registers a listener for every event whose path has prefix, and
// whose timestamp is at or after the moment of registration.
func (d *Dispatcher) Listen(prefix string, creationTimestamp int64, cb Callback) (handle.Handle, error) {
	d.listenMu.Lock()
	defer d.listenMu.Unlock()

	h, err := d.listeners.Allocate(&listenerEntry{
		prefix:            prefix,
		callback:          cb,
		creationTimestamp: creationTimestamp,
	})
	if err != nil {
		return handle.None, err
	}
	return h, nil
}

// Unlisten deregisters a listener synchronously.
func (d *Dispatcher) Unlisten(h handle.Handle) error {
	d.listenMu.Lock()
	defer d.listenMu.Unlock()

	_, err := d.listeners.Release(h)
	if err != nil {
		return obsrerr.New(obsrerr.KindNoSuchHandle, "storage.Unlisten", err)
	}
	return nil
}
