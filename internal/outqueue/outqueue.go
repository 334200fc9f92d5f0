// Package outqueue implements the per-peer outgoing message queue of
// spec.md §4.6: a FIFO of pending frames with an immediate-write
// fast path, flushed into a Writer that may refuse (buffer full) or
// fail (fatal, session stops).
package outqueue

import (
	"sync"

	"github.com/tomtzook/obsr-go/internal/wire"
)

// Flags modify Enqueue's behavior.
type Flags uint8

const (
	FlagNone      Flags = 0
	FlagImmediate Flags = 1 << 0
)

// Writer accepts one already-framed message. It returns (false, nil) on
// buffer-full refusal (the caller should stop flushing and retry later),
// and a non-nil error only for a fatal I/O failure that should stop the
// owning session.
type Writer interface {
	Write(frame []byte) (bool, error)
}

type queuedMessage struct {
	msgType wire.MessageType
	payload []byte
}

// Queue is one peer's outgoing message queue.
type Queue struct {
	mu     sync.Mutex
	items  []queuedMessage
	writer Writer
	framer *wire.FrameWriter
}

// New creates a queue that flushes through writer.
func New(writer Writer) *Queue {
	return &Queue{writer: writer, framer: wire.NewFrameWriter()}
}

// Enqueue accepts a message. If flags carries IMMEDIATE, it is encoded
// and handed to the writer synchronously; if the writer refuses (or
// flags doesn't carry IMMEDIATE), the message is pushed to the tail for
// a later Flush.
func (q *Queue) Enqueue(msgType wire.MessageType, payload []byte, flags Flags) error {
	if flags&FlagImmediate != 0 {
		frame, err := q.framer.Encode(msgType, payload)
		if err != nil {
			return err
		}

		accepted, err := q.writer.Write(frame)
		if err != nil {
			return err
		}
		if accepted {
			return nil
		}
	}

	q.mu.Lock()
	q.items = append(q.items, queuedMessage{msgType: msgType, payload: payload})
	q.mu.Unlock()
	return nil
}

// Flush pops from the head, serializes, and hands bytes to the writer
// until the writer refuses (buffer full — flushing stops, the head
// remains for next time) or the queue drains. A writer error is fatal
// and propagated to the caller, who should stop the session.
func (q *Queue) Flush() error {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return nil
		}
		head := q.items[0]
		q.mu.Unlock()

		frame, err := q.framer.Encode(head.msgType, head.payload)
		if err != nil {
			// Can't be sent; drop it rather than stalling the queue forever.
			q.mu.Lock()
			q.items = q.items[1:]
			q.mu.Unlock()
			continue
		}

		accepted, err := q.writer.Write(frame)
		if err != nil {
			return err
		}
		if !accepted {
			return nil
		}

		q.mu.Lock()
		q.items = q.items[1:]
		q.mu.Unlock()
	}
}

// Len returns the number of messages currently queued (not counting any
// in-flight immediate write).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
