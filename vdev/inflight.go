package vdev

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/govhost/govhost/vhostuser"
)

// Inflight region layout, fixed by the vhost-user inflight I/O
// extension. Each queue gets a header followed by one descriptor state
// entry per ring slot; the region is the concatenation of the per-queue
// sub-regions.
const (
	inflightVersion = 1

	// features u64, version u16, desc_num u16, last_batch_head u16,
	// used_idx u16.
	inflightRegionHdrSize = 16

	// inflight u8, padding[5], next u16, counter u64.
	inflightDescSize = 16
)

func inflightQueueSize(queueSize uint16) uint64 {
	return inflightRegionHdrSize + uint64(queueSize)*inflightDescSize
}

// inflightCleanup releases the current inflight region, if any.
func (d *Vdev) inflightCleanup() {
	if d.inflightFD < 0 {
		return
	}

	if err := unix.Munmap(d.inflightMem); err != nil {
		logrus.Errorf("vdev: munmap inflight region: %v", err)
	}

	unix.Close(d.inflightFD)

	d.inflightFD = -1
	d.inflightMem = nil
	d.inflightSize = 0
}

// initInflightQueue writes a fresh per-queue header at off.
func initInflightQueue(mem []byte, off uint64, queueSize uint16) {
	hdr := mem[off : off+inflightRegionHdrSize]

	binary.LittleEndian.PutUint64(hdr[0:], 0) // features
	binary.LittleEndian.PutUint16(hdr[8:], inflightVersion)
	binary.LittleEndian.PutUint16(hdr[10:], queueSize) // desc_num
	binary.LittleEndian.PutUint16(hdr[12:], 0)         // last_batch_head
	binary.LittleEndian.PutUint16(hdr[14:], 0)         // used_idx
}

// getInflightFD allocates a fresh inflight region sized for the
// master's queue geometry, shares it back over an anonymous file and
// keeps the local mapping for reconnect recovery.
func (d *Vdev) getInflightFD(msg *vhostuser.Message) error {
	desc, err := msg.Inflight()
	if err != nil {
		return err
	}

	if desc.NumQueues == 0 || desc.QueueSize == 0 {
		logrus.Errorf("vdev: inflight request for %d queues of %d entries", desc.NumQueues, desc.QueueSize)
		return unix.EINVAL
	}

	d.inflightCleanup()

	per := inflightQueueSize(desc.QueueSize)
	total := per * uint64(desc.NumQueues)

	fd, err := unix.MemfdCreate("inflight", unix.MFD_CLOEXEC)
	if err != nil {
		logrus.Errorf("vdev: memfd_create: %v", err)
		return err
	}

	if err := unix.Ftruncate(fd, int64(total)); err != nil {
		logrus.Errorf("vdev: truncate inflight fd to %d: %v", total, err)
		unix.Close(fd)

		return err
	}

	mem, err := unix.Mmap(fd, 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		logrus.Errorf("vdev: mmap inflight region: %v", err)
		unix.Close(fd)

		return err
	}

	for i := range mem {
		mem[i] = 0
	}

	for q := uint64(0); q < uint64(desc.NumQueues); q++ {
		initInflightQueue(mem, q*per, desc.QueueSize)
	}

	d.inflightFD = fd
	d.inflightMem = mem
	d.inflightSize = total

	reply := vhostuser.EncodeInflight(vhostuser.InflightDesc{
		MmapSize:   total,
		MmapOffset: 0,
		NumQueues:  desc.NumQueues,
		QueueSize:  desc.QueueSize,
	})

	if err := d.send(vhostuser.Reply(msg.Req, reply), []int{fd}); err != nil {
		logrus.Errorf("vdev: send inflight reply: %v", err)
		d.inflightCleanup()

		return err
	}

	return nil
}

// setInflightFD adopts an inflight region the master passed back, as it
// does when reconnecting to recover unfinished requests.
func (d *Vdev) setInflightFD(msg *vhostuser.Message, set *vhostuser.FDSet) error {
	desc, err := msg.Inflight()
	if err != nil {
		return err
	}

	fd := set.Claim(0)
	if fd < 0 {
		logrus.Errorf("vdev: set_inflight_fd carried no fd")
		return unix.EINVAL
	}

	if desc.MmapSize == 0 {
		unix.Close(fd)
		return unix.EINVAL
	}

	d.inflightCleanup()

	mem, err := unix.Mmap(fd, 0, int(desc.MmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		logrus.Errorf("vdev: mmap inflight fd: %v", err)
		unix.Close(fd)

		return err
	}

	d.inflightFD = fd
	d.inflightMem = mem
	d.inflightSize = desc.MmapSize

	return nil
}
