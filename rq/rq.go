// Package rq implements the request queue boundary between the vhost
// engine and the caller: an event loop that owns the kick descriptors
// of the vrings attached to it, and a channel of block requests the
// caller drains.
package rq

import (
	"github.com/govhost/govhost/blockdev"
	"github.com/govhost/govhost/event"
)

// Request is one unit of work dispatched off a vring.
type Request struct {
	Bio *blockdev.BIO
}

// Queue couples the kick event loop with the request channel. Run the
// loop on a dedicated goroutine and drain Requests on another; bios
// must be completed from the draining side.
type Queue struct {
	loop *event.Loop
	reqs chan Request
}

// New creates a queue holding at most depth undelivered requests.
func New(depth int) (*Queue, error) {
	loop, err := event.NewLoop()
	if err != nil {
		return nil, err
	}

	return &Queue{
		loop: loop,
		reqs: make(chan Request, depth),
	}, nil
}

// Run drives the kick event loop until Stop.
func (q *Queue) Run() error {
	return q.loop.Run()
}

// Stop terminates Run and closes the request channel so consumers
// drain and exit.
func (q *Queue) Stop() {
	q.loop.Stop()
	close(q.reqs)
}

// Close releases the loop resources. Call after Run has returned.
func (q *Queue) Close() {
	q.loop.Close()
}

// AttachEvent registers fd (a kick descriptor) with the queue's loop.
func (q *Queue) AttachEvent(fd int, h event.Handler) error {
	return q.loop.Attach(fd, h)
}

// DetachEvent removes fd from the queue's loop.
func (q *Queue) DetachEvent(fd int) {
	q.loop.Detach(fd)
}

// EventAttached reports whether fd is a live source on the loop.
func (q *Queue) EventAttached(fd int) bool {
	return q.loop.Attached(fd)
}

// Enqueue hands one request to the consumer. It blocks when the
// consumer has fallen depth behind, which in turn backpressures the
// vring dispatch.
func (q *Queue) Enqueue(r Request) {
	q.reqs <- r
}

// Requests is the consumer side of the queue.
func (q *Queue) Requests() <-chan Request {
	return q.reqs
}
