//go:build linux

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller backs Poller with Linux epoll, grounded on the teacher's
// netpoll.go EpollServer and the original's events.h poller interface.
type epollPoller struct {
	epfd   int
	events []unix.EpollEvent
}

// NewEpollPoller creates a Poller backed by epoll_create1, sized to
// report up to maxEvents ready descriptors per Wait call.
func NewEpollPoller(maxEvents int) (Poller, error) {
	if maxEvents <= 0 {
		maxEvents = 256
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{epfd: epfd, events: make([]unix.EpollEvent, maxEvents)}, nil
}

func toEpollEvents(m EventMask) uint32 {
	var e uint32
	if m.Has(EventIn) {
		e |= unix.EPOLLIN
	}
	if m.Has(EventOut) {
		e |= unix.EPOLLOUT
	}
	return e
}

func fromEpollEvents(e uint32) EventMask {
	var m EventMask
	if e&unix.EPOLLIN != 0 {
		m |= EventIn
	}
	if e&unix.EPOLLOUT != 0 {
		m |= EventOut
	}
	if e&unix.EPOLLERR != 0 {
		m |= EventError
	}
	if e&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		m |= EventHung
	}
	return m
}

func (p *epollPoller) Add(fd int, events EventMask) error {
	ev := unix.EpollEvent{Events: toEpollEvents(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epollPoller) Modify(fd int, events EventMask) error {
	ev := unix.EpollEvent{Events: toEpollEvents(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *epollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Wait(timeout time.Duration) ([]PollResult, error) {
	ms := int(timeout / time.Millisecond)
	n, err := unix.EpollWait(p.epfd, p.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	out := make([]PollResult, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, PollResult{
			FD:     int(p.events[i].Fd),
			Events: fromEpollEvents(p.events[i].Events),
		})
	}
	return out, nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}
