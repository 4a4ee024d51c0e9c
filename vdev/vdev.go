// Package vdev is the vhost-user protocol engine: per-device connection
// state, guest memory table ownership, vring attachment and the
// event-driven dispatch that turns master messages and guest kicks into
// work on a request queue.
package vdev

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/govhost/govhost/event"
	"github.com/govhost/govhost/memory"
	"github.com/govhost/govhost/rq"
	"github.com/govhost/govhost/vhostuser"
	"github.com/govhost/govhost/virtio"
)

// State is the connection state of one device.
type State int

const (
	// Initialized: the listen socket exists but is not yet watched.
	Initialized State = iota
	// Listening: the listen socket is armed on the vhost event loop.
	Listening
	// Connected: a master owns the single connection slot.
	Connected
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Listening:
		return "listening"
	case Connected:
		return "connected"
	}

	return "invalid"
}

// Type is the device-type dispatch table a caller supplies: feature
// bits, config space and the request parser for one class of device.
// It must stay usable for the whole life of the device.
type Type interface {
	Desc() string
	GetFeatures() uint64
	SetFeatures(features uint64) error
	GetConfig(buf []byte) int
	DispatchRequests(vq *virtio.Queue, q *rq.Queue) error
}

const defaultFeatures = uint64(1) << vhostuser.FeatureProtocolFeatures

const defaultProtocolFeatures = uint64(1)<<vhostuser.ProtocolMQ |
	uint64(1)<<vhostuser.ProtocolLogShmfd |
	uint64(1)<<vhostuser.ProtocolReplyAck |
	uint64(1)<<vhostuser.ProtocolConfig

// Vdev is one served vhost-user device.
//
// All mutable state is written only by the vhost event loop. Request
// queue loops read the vring and memory state the vhost loop published
// before enabling a vring, and the vhost loop does not revoke it until
// after disabling.
type Vdev struct {
	priv any
	typ  Type

	listenFD int
	connFD   int

	queue *rq.Queue

	state   State
	isOwned bool

	supportedProtocolFeatures  uint64
	negotiatedProtocolFeatures uint64
	supportedFeatures          uint64
	negotiatedFeatures         uint64

	maxQueues int
	numQueues int
	vrings    []Vring

	memmap memory.Map

	inflightFD   int
	inflightMem  []byte
	inflightSize uint64
}

// The process-wide device registry and the vhost event loop that every
// listen and connection socket is watched on.
var (
	vhostMu   sync.Mutex
	vhostLoop *event.Loop
	vhostDone chan struct{}
	devices   = make(map[*Vdev]struct{})
)

// StartVhostEventLoop creates and runs the vhost event loop on its own
// goroutine. It must be called before any device is registered.
func StartVhostEventLoop() error {
	vhostMu.Lock()
	defer vhostMu.Unlock()

	if vhostLoop != nil {
		return unix.EBUSY
	}

	loop, err := event.NewLoop()
	if err != nil {
		return err
	}

	done := make(chan struct{})

	go func() {
		defer close(done)

		if err := loop.Run(); err != nil {
			logrus.Errorf("vdev: vhost event loop: %v", err)
		}
	}()

	vhostLoop = loop
	vhostDone = done

	return nil
}

// StopVhostEventLoop terminates the vhost event loop. In-flight
// handlers complete; no further events are delivered.
func StopVhostEventLoop() {
	vhostMu.Lock()
	loop, done := vhostLoop, vhostDone
	vhostLoop, vhostDone = nil, nil
	vhostMu.Unlock()

	if loop == nil {
		return
	}

	loop.Stop()
	<-done
	loop.Close()
}

// InterruptVhostEventLoop wakes the vhost event loop exactly once.
func InterruptVhostEventLoop() {
	vhostMu.Lock()
	loop := vhostLoop
	vhostMu.Unlock()

	if loop != nil {
		loop.Interrupt()
	}
}

func vhostEventLoop() *event.Loop {
	vhostMu.Lock()
	defer vhostMu.Unlock()

	return vhostLoop
}

// InitServer creates the listen socket at socketPath, initializes the
// device with maxQueues vrings bound to queue, publishes it in the
// registry and arms the listen socket on the vhost event loop.
func (d *Vdev) InitServer(socketPath string, typ Type, maxQueues int, queue *rq.Queue, priv any) error {
	if typ == nil || maxQueues <= 0 || queue == nil {
		return unix.EINVAL
	}

	if vhostEventLoop() == nil {
		return errors.New("vhost event loop is not running")
	}

	listenFD, err := vhostuser.Listen(socketPath)
	if err != nil {
		return err
	}

	*d = Vdev{
		priv:                      priv,
		typ:                       typ,
		listenFD:                  listenFD,
		connFD:                    -1,
		queue:                     queue,
		supportedProtocolFeatures: defaultProtocolFeatures,
		maxQueues:                 maxQueues,
		// The master may address every vring up front; MQ narrows use,
		// not addressability.
		numQueues:  maxQueues,
		vrings:     make([]Vring, maxQueues),
		inflightFD: -1,
	}

	for i := range d.vrings {
		d.vrings[i].init(i, d)
	}

	vhostMu.Lock()
	devices[d] = struct{}{}
	vhostMu.Unlock()

	d.state = Initialized

	if err := d.changeState(Listening); err != nil {
		d.Uninit()
		return err
	}

	logrus.Infof("vdev: %s serving on %q with %d queues", typ.Desc(), socketPath, maxQueues)

	return nil
}

// Uninit tears the device down: every event source is detached, guest
// memory unmapped, vrings and the inflight region released, the listen
// socket closed and the device removed from the registry. Safe on nil.
func (d *Vdev) Uninit() {
	if d == nil {
		return
	}

	loop := vhostEventLoop()

	switch d.state {
	case Connected:
		if loop != nil {
			loop.Detach(d.connFD)
		}

		unix.Close(d.connFD)
		d.connFD = -1
	case Listening:
		if loop != nil {
			loop.Detach(d.listenFD)
		}
	}

	for i := range d.vrings {
		d.vrings[i].uninit()
	}

	d.memmap.UnmapAll()
	d.inflightCleanup()

	if d.listenFD >= 0 {
		unix.Close(d.listenFD)
		d.listenFD = -1
	}

	vhostMu.Lock()
	delete(devices, d)
	vhostMu.Unlock()
}

// Priv returns the caller's private pointer.
func (d *Vdev) Priv() any {
	return d.priv
}

// State returns the connection state.
func (d *Vdev) State() State {
	return d.state
}

// Owned reports whether a master has claimed the device.
func (d *Vdev) Owned() bool {
	return d.isOwned
}

// Features returns the negotiated master feature bits.
func (d *Vdev) Features() uint64 {
	return d.negotiatedFeatures
}

// ProtocolFeatures returns the negotiated protocol feature bits.
func (d *Vdev) ProtocolFeatures() uint64 {
	return d.negotiatedProtocolFeatures
}

// QueueEnabled reports whether vring idx is currently enabled.
func (d *Vdev) QueueEnabled(idx int) bool {
	if idx < 0 || idx >= len(d.vrings) {
		return false
	}

	return d.vrings[idx].enabled
}

// changeState drives the connection state machine. Only the transitions
// below are legal; anything else is a programming error reported as
// EINVAL with the device left untouched.
//
//	Initialized -> Listening   initial arm
//	Listening   -> Connected   accept
//	Connected   -> Listening   disconnect
func (d *Vdev) changeState(next State) error {
	loop := vhostEventLoop()
	if loop == nil {
		return unix.EINVAL
	}

	switch {
	case next == Listening && d.state == Connected:
		// The master went away: drop the connection and every piece of
		// state it negotiated, then listen for the next one.
		loop.Detach(d.connFD)
		d.memmap.UnmapAll()
		d.isOwned = false

		for i := range d.vrings {
			d.vrings[i].uninit()
		}

		unix.Close(d.connFD)
		d.connFD = -1

		fallthrough

	case next == Listening && d.state == Initialized:
		if err := loop.Attach(d.listenFD, &serverSock{d}); err != nil {
			return err
		}

	case next == Connected && d.state == Listening:
		if err := loop.Attach(d.connFD, &connSock{d}); err != nil {
			return err
		}

		// Single-master policy: stop watching the listen socket while
		// a connection is live. The socket itself stays open.
		loop.Detach(d.listenFD)

	default:
		logrus.Errorf("vdev: invalid state transition %s -> %s", d.state, next)
		return unix.EINVAL
	}

	logrus.Debugf("vdev: state %s -> %s", d.state, next)
	d.state = next

	return nil
}

// serverSock handles events on the listen socket.
type serverSock struct {
	d *Vdev
}

// OnRead accepts the pending connection and moves the device to
// Connected.
func (s *serverSock) OnRead() error {
	d := s.d

	connFD, _, err := unix.Accept(d.listenFD)
	if err == unix.EAGAIN {
		return nil
	}

	if err != nil {
		logrus.Errorf("vdev: accept: %v", err)
		return nil
	}

	if err := unix.SetNonblock(connFD, true); err != nil {
		logrus.Errorf("vdev: set nonblock on connection: %v", err)
		unix.Close(connFD)

		return nil
	}

	d.connFD = connFD
	if err := d.changeState(Connected); err != nil {
		unix.Close(connFD)
		d.connFD = -1

		return nil
	}

	logrus.Infof("vdev: connection established, sock %d", connFD)

	return nil
}

// OnClose ignores hangup on the listen socket.
func (s *serverSock) OnClose() error {
	return nil
}

// connSock handles events on the master connection.
type connSock struct {
	d *Vdev
}

// OnRead decodes one message and runs the protocol engine. A non-nil
// return means the connection is broken and the loop will call OnClose.
func (c *connSock) OnRead() error {
	msg, fds, err := vhostuser.Recv(c.d.connFD)
	if err != nil {
		return err
	}

	return c.d.handleRequest(msg, fds)
}

// OnClose drops the dead connection and goes back to Listening.
func (c *connSock) OnClose() error {
	logrus.Debugf("vdev: master closed connection, sock %d", c.d.connFD)

	return c.d.changeState(Listening)
}
