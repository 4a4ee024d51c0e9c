// Package virtio implements the split virtqueue primitive the vhost
// engine attaches to guest rings, and the virtio-blk device type that
// turns descriptor chains into block I/O requests.
package virtio

import (
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/eventfd"

	"github.com/govhost/govhost/memory"
)

// Descriptor flags.
const (
	descFNext     = 1
	descFWrite    = 2
	descFIndirect = 4
)

// QueueSizeMax is the largest ring the engine accepts from a master.
const QueueSizeMax = 32768

// Desc is a split-ring descriptor as laid out in guest memory.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// UsedElem is one used-ring entry.
type UsedElem struct {
	ID  uint32
	Len uint32
}

// Buffer is one descriptor's worth of guest memory, resolved into the
// local mapping. A write-only buffer belongs to the device; the rest of
// the chain is read-only for us.
type Buffer struct {
	Data      []byte
	WriteOnly bool
}

// CanRead reports whether the device may read the buffer.
func (b *Buffer) CanRead() bool { return !b.WriteOnly }

// CanWrite reports whether the device may write the buffer.
func (b *Buffer) CanWrite() bool { return b.WriteOnly }

// IOV is a dequeued descriptor chain.
type IOV struct {
	head    uint16
	Buffers []Buffer
}

// Queue is a split virtqueue attached to ring memory the master
// described during negotiation.
//
// The rings live in guest-shared memory; the structure holds typed
// views over that memory in the style of the virtio layout: a
// descriptor table, then the avail ring the driver writes, then the
// used ring we write. Only the request-queue loop that owns the kick
// descriptor walks or publishes entries, so nothing here locks.
type Queue struct {
	num int

	desc      []Desc
	availIdx  *uint16
	availRing []uint16
	usedIdx   *uint16
	usedRing  []UsedElem

	lastAvail uint16

	mem *memory.Map

	call    eventfd.Eventfd
	hasCall bool
}

// Attach builds a queue over the three ring areas. num must be a power
// of two; base seeds the available-ring cursor so a reconnecting master
// resumes where it stopped. Each area must be large enough for a ring
// of num entries.
func Attach(desc, avail, used []byte, num, base int, mem *memory.Map) (*Queue, error) {
	if num <= 0 || num > QueueSizeMax || num&(num-1) != 0 {
		logrus.Errorf("virtio: bad queue size %d", num)
		return nil, unix.EINVAL
	}

	// Split-ring sizes: 16 bytes per descriptor; flags, idx and the
	// used_event tail around the avail ring; flags, idx and the
	// avail_event tail around the used ring.
	if len(desc) < 16*num || len(avail) < 6+2*num || len(used) < 6+8*num {
		logrus.Errorf("virtio: ring areas too small for %d entries", num)
		return nil, unix.EINVAL
	}

	return &Queue{
		num:       num,
		desc:      unsafe.Slice((*Desc)(unsafe.Pointer(&desc[0])), num),
		availIdx:  (*uint16)(unsafe.Pointer(&avail[2])),
		availRing: unsafe.Slice((*uint16)(unsafe.Pointer(&avail[4])), num),
		usedIdx:   (*uint16)(unsafe.Pointer(&used[2])),
		usedRing:  unsafe.Slice((*UsedElem)(unsafe.Pointer(&used[4])), num),
		lastAvail: uint16(base),
		mem:       mem,
	}, nil
}

// SetNotifyFD points completion notifications at fd. This is the single
// mutator: the vhost loop may retarget a live queue when the master
// replaces the call descriptor.
func (q *Queue) SetNotifyFD(fd int) {
	q.call = eventfd.Wrap(fd)
	q.hasCall = fd >= 0
}

// LastAvail returns the available-ring cursor, the value GET_VRING_BASE
// reports back to the master. The caller assumes the queue is quiescent.
func (q *Queue) LastAvail() uint16 {
	return q.lastAvail
}

// Size returns the ring size.
func (q *Queue) Size() int {
	return q.num
}

// DequeueMany walks every descriptor chain the driver has made
// available and hands each to handle. Chain addresses resolve through
// the guest memory map; a chain that does not resolve poisons the whole
// queue and dequeueing stops with EINVAL.
func (q *Queue) DequeueMany(handle func(*IOV)) error {
	for q.lastAvail != q.loadAvailIdx() {
		head := q.availRing[int(q.lastAvail)%q.num]

		iov, err := q.walkChain(head)
		if err != nil {
			return err
		}

		q.lastAvail++

		handle(iov)
	}

	return nil
}

func (q *Queue) walkChain(head uint16) (*IOV, error) {
	iov := &IOV{head: head}

	idx := head

	for {
		if int(idx) >= q.num {
			logrus.Errorf("virtio: descriptor index %d out of range", idx)
			return nil, unix.EINVAL
		}

		if len(iov.Buffers) >= q.num {
			logrus.Errorf("virtio: descriptor chain at %d loops", head)
			return nil, unix.EINVAL
		}

		d := q.desc[idx]
		if d.Flags&descFIndirect != 0 {
			logrus.Errorf("virtio: indirect descriptors not negotiated")
			return nil, unix.EINVAL
		}

		data := q.mem.TranslateGPA(d.Addr, d.Len)
		if data == nil {
			logrus.Errorf("virtio: descriptor %d addr 0x%x len %d does not map", idx, d.Addr, d.Len)
			return nil, unix.EINVAL
		}

		iov.Buffers = append(iov.Buffers, Buffer{
			Data:      data,
			WriteOnly: d.Flags&descFWrite != 0,
		})

		if d.Flags&descFNext == 0 {
			return iov, nil
		}

		idx = d.Next
	}
}

// Commit publishes iov to the used ring with the number of bytes the
// device wrote into the chain.
func (q *Queue) Commit(iov *IOV, written uint32) {
	e := &q.usedRing[int(q.loadUsedIdx())%q.num]
	e.ID = uint32(iov.head)
	e.Len = written

	q.storeUsedIdx(q.loadUsedIdx() + 1)
}

// The ring index fields are written by the other side of the shared
// mapping. Go has no 16-bit atomics; on the x86-64 targets this backend
// supports, aligned 16-bit loads and stores are single instructions and
// the total-store order makes the index visible only after the ring
// entry it covers.
func (q *Queue) loadAvailIdx() uint16 { return *q.availIdx }

func (q *Queue) loadUsedIdx() uint16 { return *q.usedIdx }

func (q *Queue) storeUsedIdx(v uint16) { *q.usedIdx = v }

// Notify signals the call descriptor, if the master supplied one.
func (q *Queue) Notify() {
	if !q.hasCall {
		return
	}

	if err := q.call.Notify(); err != nil {
		logrus.Errorf("virtio: notify: %v", err)
	}
}
