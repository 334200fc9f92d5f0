//go:build linux

package reactor

import "golang.org/x/sys/unix"

// eventfdSignal is a cross-thread wakeup descriptor backed by Linux
// eventfd, grounded on the original's looper signal descriptor
// (events.h) that the loop polls alongside application sockets.
type eventfdSignal struct {
	fd int
}

// NewEventFDSignal creates a Signal usable with an epoll-backed Poller.
func NewEventFDSignal() (Signal, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &eventfdSignal{fd: fd}, nil
}

func (s *eventfdSignal) FD() int { return s.fd }

func (s *eventfdSignal) Raise() error {
	buf := [8]byte{0, 0, 0, 0, 0, 0, 0, 1}
	_, err := unix.Write(s.fd, buf[:])
	return err
}

func (s *eventfdSignal) Consume() error {
	var buf [8]byte
	_, err := unix.Read(s.fd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (s *eventfdSignal) Close() error {
	return unix.Close(s.fd)
}
