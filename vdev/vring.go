package vdev

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/eventfd"

	"github.com/govhost/govhost/virtio"
)

// clientInfo accumulates what the master tells us about a vring across
// several messages until enough is known to attach the virtqueue.
type clientInfo struct {
	descArea  []byte
	availArea []byte
	usedArea  []byte
	num       int
	base      int
}

// Vring is the per-queue state of one device.
type Vring struct {
	id   int
	vdev *Vdev

	kickFD int
	callFD int
	errFD  int

	enabled bool

	kick   eventfd.Eventfd
	vq     *virtio.Queue
	client clientInfo
}

func (v *Vring) init(id int, d *Vdev) {
	v.id = id
	v.vdev = d
	v.kickFD = -1
	v.callFD = -1
	v.errFD = -1
}

// uninit disables the vring if needed and releases every descriptor the
// master handed over for it.
func (v *Vring) uninit() {
	if v == nil || v.vdev == nil {
		return
	}

	if v.enabled {
		if err := v.setEnable(false); err != nil {
			logrus.Errorf("vdev: disable vring %d: %v", v.id, err)
		}
	}

	for _, fd := range []*int{&v.kickFD, &v.callFD, &v.errFD} {
		if *fd >= 0 {
			unix.Close(*fd)
			*fd = -1
		}
	}

	v.client = clientInfo{}
}

// lastAvail returns the virtqueue cursor, or the negotiated base when
// no queue is attached.
func (v *Vring) lastAvail() uint16 {
	if v.vq != nil {
		return v.vq.LastAvail()
	}

	return uint16(v.client.base)
}

// setEnable attaches or detaches the virtqueue.
//
// Enabling requires the ring addresses, size, base and a kick
// descriptor. It attaches the virtqueue to the negotiated host
// addresses, points completion notification at the call descriptor and
// arms the kick descriptor on the request queue's event loop. Disabling
// reverses that in the opposite order.
func (v *Vring) setEnable(enable bool) error {
	if enable == v.enabled {
		logrus.Warnf("vdev: vring %d is already %s", v.id, enableStr(v.enabled))
		return nil
	}

	if enable {
		c := &v.client
		if c.descArea == nil || c.availArea == nil || c.usedArea == nil || c.num == 0 || v.kickFD < 0 {
			logrus.Errorf("vdev: vring %d is not fully negotiated", v.id)
			return unix.EINVAL
		}

		vq, err := virtio.Attach(c.descArea, c.availArea, c.usedArea, c.num, c.base, &v.vdev.memmap)
		if err != nil {
			return err
		}

		vq.SetNotifyFD(v.callFD)

		// Publish the queue before arming the kick source: its handler
		// runs on the request-queue loop and must find the vring
		// enabled from its first event on.
		v.kick = eventfd.Wrap(v.kickFD)
		v.vq = vq
		v.enabled = true

		if err := v.vdev.queue.AttachEvent(v.kickFD, &vringIO{v}); err != nil {
			logrus.Errorf("vdev: arm kick for vring %d: %v", v.id, err)

			v.vq = nil
			v.enabled = false

			return err
		}
	} else {
		v.vdev.queue.DetachEvent(v.kickFD)
		v.vq = nil
		v.enabled = false
	}

	return nil
}

func enableStr(enabled bool) string {
	if enabled {
		return "enabled"
	}

	return "disabled"
}

// vringIO delivers kick events on the request queue's event loop.
type vringIO struct {
	v *Vring
}

// OnRead drains the available ring. The kick eventfd is cleared before
// dispatch so a kick arriving while dispatch runs re-arms the event
// instead of being lost.
func (h *vringIO) OnRead() error {
	v := h.v

	if !v.enabled {
		// The source is registered only while enabled; seeing this
		// means the state machine is broken.
		logrus.Errorf("vdev: kick event on disabled vring %d", v.id)
		return unix.EINVAL
	}

	if err := v.kick.Wait(); err != nil {
		logrus.Warnf("vdev: clear kick for vring %d: %v", v.id, err)
	}

	return v.vdev.typ.DispatchRequests(v.vq, v.vdev.queue)
}

// OnClose ignores hangup on the kick descriptor; the master tears the
// vring down through the protocol instead.
func (h *vringIO) OnClose() error {
	return nil
}
