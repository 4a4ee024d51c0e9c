package event_test

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/govhost/govhost/event"
)

type recordingHandler struct {
	read   chan struct{}
	closed chan struct{}
	onRead func() error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		read:   make(chan struct{}, 16),
		closed: make(chan struct{}, 16),
	}
}

func (h *recordingHandler) OnRead() error {
	select {
	case h.read <- struct{}{}:
	default:
	}

	if h.onRead != nil {
		return h.onRead()
	}

	return nil
}

func (h *recordingHandler) OnClose() error {
	select {
	case h.closed <- struct{}{}:
	default:
	}

	return nil
}

func wait(t *testing.T, ch chan struct{}, what string) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func runLoop(t *testing.T) *event.Loop {
	t.Helper()

	l, err := event.NewLoop()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	done := make(chan struct{})

	go func() {
		defer close(done)

		if err := l.Run(); err != nil {
			t.Errorf("loop: %v", err)
		}
	}()

	t.Cleanup(func() {
		l.Stop()
		<-done
		l.Close()
	})

	return l
}

func TestLoopReadable(t *testing.T) {
	t.Parallel()

	l := runLoop(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])

	h := newRecordingHandler()
	buf := make([]byte, 1)
	h.onRead = func() error {
		_, err := unix.Read(fds[1], buf)
		return err
	}

	if err := l.Attach(fds[1], h); err != nil {
		t.Fatalf("err: %v", err)
	}

	defer func() {
		l.Detach(fds[1])
		unix.Close(fds[1])
	}()

	if _, err := unix.Write(fds[0], []byte{1}); err != nil {
		t.Fatalf("write: %v", err)
	}

	wait(t, h.read, "read callback")

	if !l.Attached(fds[1]) {
		t.Fatal("expected fd to stay attached")
	}
}

func TestLoopClose(t *testing.T) {
	t.Parallel()

	l := runLoop(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[1])

	h := newRecordingHandler()
	h.onRead = func() error {
		// Consume whatever is left; report EOF as an error so the
		// loop falls through to OnClose.
		buf := make([]byte, 8)

		n, err := unix.Read(fds[1], buf)
		if err != nil {
			return err
		}

		if n == 0 {
			return unix.EIO
		}

		return nil
	}

	if err := l.Attach(fds[1], h); err != nil {
		t.Fatalf("err: %v", err)
	}
	defer l.Detach(fds[1])

	unix.Close(fds[0])

	wait(t, h.closed, "close callback")
}

func TestLoopDetachStopsDelivery(t *testing.T) {
	t.Parallel()

	l := runLoop(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	h := newRecordingHandler()
	buf := make([]byte, 1)
	h.onRead = func() error {
		_, err := unix.Read(fds[1], buf)
		return err
	}

	if err := l.Attach(fds[1], h); err != nil {
		t.Fatalf("err: %v", err)
	}

	if _, err := unix.Write(fds[0], []byte{1}); err != nil {
		t.Fatalf("write: %v", err)
	}

	wait(t, h.read, "read callback")

	l.Detach(fds[1])

	if l.Attached(fds[1]) {
		t.Fatal("expected fd to be detached")
	}

	if _, err := unix.Write(fds[0], []byte{1}); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-h.read:
		t.Fatal("callback ran after detach")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLoopInterrupt(t *testing.T) {
	t.Parallel()

	l := runLoop(t)

	// An interrupt wakes the loop without stopping it: events keep
	// being delivered afterwards.
	l.Interrupt()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])

	h := newRecordingHandler()
	buf := make([]byte, 1)
	h.onRead = func() error {
		_, err := unix.Read(fds[1], buf)
		return err
	}

	if err := l.Attach(fds[1], h); err != nil {
		t.Fatalf("err: %v", err)
	}

	defer func() {
		l.Detach(fds[1])
		unix.Close(fds[1])
	}()

	if _, err := unix.Write(fds[0], []byte{1}); err != nil {
		t.Fatalf("write: %v", err)
	}

	wait(t, h.read, "read callback after interrupt")
}
