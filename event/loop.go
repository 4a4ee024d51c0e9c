// Package event wraps epoll in the small readable/closed callback model
// the vhost engine and the request queues are built on.
package event

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/eventfd"
)

// Handler receives callbacks for one registered descriptor.
//
// OnRead runs when the descriptor is readable. Returning a non-nil
// error means the source is broken: the loop then invokes OnClose, the
// same way it does when the peer hangs up.
type Handler interface {
	OnRead() error
	OnClose() error
}

// Loop is a level-triggered epoll event loop. Handlers run one at a
// time on the goroutine that called Run; a handler completes before
// the next event on any registered descriptor is delivered.
type Loop struct {
	epfd int
	intr eventfd.Eventfd

	mu       sync.Mutex
	handlers map[int]Handler
	stopped  bool
}

// NewLoop creates an idle loop. Call Run to start dispatching.
func NewLoop() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}

	intr, err := eventfd.Create()
	if err != nil {
		unix.Close(epfd)
		return nil, errors.Wrap(err, "eventfd")
	}

	l := &Loop{
		epfd:     epfd,
		intr:     intr,
		handlers: make(map[int]Handler),
	}

	ev := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(intr.FD()),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, intr.FD(), &ev); err != nil {
		intr.Close()
		unix.Close(epfd)

		return nil, errors.Wrap(err, "epoll_ctl add interrupt")
	}

	return l, nil
}

// Attach registers fd with the loop. Readable events go to h.OnRead,
// hangup to h.OnClose.
func (l *Loop) Attach(fd int, h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.handlers[fd]; ok {
		return unix.EBUSY
	}

	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errors.Wrapf(err, "epoll_ctl add fd %d", fd)
	}

	l.handlers[fd] = h

	return nil
}

// Detach removes fd from the loop. Pending events for fd that were
// already collected are dropped.
func (l *Loop) Detach(fd int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.handlers[fd]; !ok {
		return
	}

	delete(l.handlers, fd)

	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		logrus.Warnf("event: epoll_ctl del fd %d: %v", fd, err)
	}
}

// Attached reports whether fd is currently a registered source.
func (l *Loop) Attached(fd int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.handlers[fd]

	return ok
}

func (l *Loop) handler(fd int) Handler {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.handlers[fd]
}

// Run dispatches events until Stop is called. It is the owner
// goroutine's main loop.
func (l *Loop) Run() error {
	events := make([]unix.EpollEvent, 64)

	for {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}

		if err != nil {
			return errors.Wrap(err, "epoll_wait")
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)

			if fd == l.intr.FD() {
				// Consume exactly one interrupt.
				if err := l.intr.Wait(); err != nil {
					logrus.Warnf("event: drain interrupt: %v", err)
				}

				l.mu.Lock()
				stopped := l.stopped
				l.mu.Unlock()

				if stopped {
					return nil
				}

				continue
			}

			h := l.handler(fd)
			if h == nil {
				// Detached while the event was in flight.
				continue
			}

			if ev.Events&unix.EPOLLIN != 0 {
				if err := h.OnRead(); err != nil {
					logrus.Debugf("event: fd %d read handler: %v", fd, err)

					if err := h.OnClose(); err != nil {
						logrus.Errorf("event: fd %d close handler: %v", fd, err)
					}

					continue
				}
			}

			if ev.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP|unix.EPOLLERR) != 0 {
				// Only close once the readable side is drained:
				// EPOLLIN above has had its chance first.
				if ev.Events&unix.EPOLLIN == 0 {
					if err := h.OnClose(); err != nil {
						logrus.Errorf("event: fd %d close handler: %v", fd, err)
					}
				}
			}
		}
	}
}

// Interrupt wakes the loop exactly once without stopping it.
func (l *Loop) Interrupt() {
	if err := l.intr.Notify(); err != nil {
		logrus.Warnf("event: interrupt: %v", err)
	}
}

// Stop makes Run return after in-flight handlers complete.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	l.Interrupt()
}

// Close releases the loop's own descriptors. The loop must be stopped.
func (l *Loop) Close() {
	l.intr.Close()
	unix.Close(l.epfd)
}
