package virtio

import (
	"encoding/binary"
	"math/bits"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/govhost/govhost/blockdev"
	"github.com/govhost/govhost/rq"
)

// Virtio-blk request types.
const (
	blkTIn    = 0
	blkTOut   = 1
	blkTGetID = 8
)

// Virtio-blk status bytes.
const (
	blkSOK     = 0
	blkSIOErr  = 1
	blkSUnsupp = 2
)

// Virtio-blk feature bits.
const (
	BlkFSizeMax = 1 << 1
	BlkFSegMax  = 1 << 2
	BlkFBlkSize = 1 << 6
	BlkFMQ      = 1 << 12

	// FVersion1 is the transport-level VIRTIO_F_VERSION_1 bit.
	FVersion1 = 1 << 32
)

const (
	SectorShift = 9
	SectorSize  = 1 << SectorShift

	// DiskIDLength is the fixed serial buffer a GET_ID request carries.
	DiskIDLength = 20

	blkReqHdrSize = 16
	blkConfigSize = 36
)

// Blk is the virtio-blk device type: it parses descriptor chains into
// block requests against a backend device.
type Blk struct {
	bdev       *blockdev.Bdev
	blockShift uint
	features   uint64
}

// NewBlk wraps bdev as a servable virtio-blk device. The backend block
// size must be a multiple of the 512-byte virtio sector.
func NewBlk(bdev *blockdev.Bdev) (*Blk, error) {
	if bdev.BlockSize == 0 || bdev.BlockSize&(SectorSize-1) != 0 {
		logrus.Errorf("virtio-blk: block size %d is not a multiple of the sector size", bdev.BlockSize)
		return nil, unix.EINVAL
	}

	return &Blk{
		bdev:       bdev,
		blockShift: uint(bits.TrailingZeros32(bdev.BlockSize >> SectorShift)),
	}, nil
}

// Desc implements the device type description.
func (b *Blk) Desc() string {
	return "virtio-blk"
}

// GetFeatures returns the device feature bits offered on top of the
// protocol defaults.
func (b *Blk) GetFeatures() uint64 {
	return FVersion1 | BlkFSizeMax | BlkFSegMax | BlkFBlkSize | BlkFMQ
}

// SetFeatures accepts the negotiated feature set.
func (b *Blk) SetFeatures(features uint64) error {
	b.features = features
	return nil
}

// GetConfig fills buf with the virtio-blk config space and returns the
// number of bytes written.
func (b *Blk) GetConfig(buf []byte) int {
	capacity := b.bdev.TotalBlocks << b.blockShift

	cfg := make([]byte, blkConfigSize)
	binary.LittleEndian.PutUint64(cfg[0:], capacity)          // capacity, in sectors
	binary.LittleEndian.PutUint32(cfg[8:], uint32(capacity))  // size_max
	binary.LittleEndian.PutUint32(cfg[12:], 128)              // seg_max
	binary.LittleEndian.PutUint32(cfg[20:], b.bdev.BlockSize) // blk_size
	binary.LittleEndian.PutUint16(cfg[34:], uint16(b.bdev.NumQueues))

	return copy(buf, cfg)
}

// DispatchRequests drains vq and enqueues one block request per valid
// chain into q.
func (b *Blk) DispatchRequests(vq *Queue, q *rq.Queue) error {
	return vq.DequeueMany(func(iov *IOV) {
		b.handleChain(vq, q, iov)
	})
}

func (b *Blk) sectorsToBlocks(sectors uint64) uint64 {
	return sectors >> b.blockShift
}

// setStatus writes the status byte into the final buffer of the chain.
func setStatus(iov *IOV, status byte) {
	buf := &iov.Buffers[len(iov.Buffers)-1]
	buf.Data[0] = status
}

// abortRequest returns the chain to the guest without a status: the
// chain was too malformed to locate a status buffer.
func abortRequest(vq *Queue, iov *IOV) {
	vq.Commit(iov, 0)
	vq.Notify()
}

// failRequest completes a chain that has a valid status buffer with the
// given error status.
func failRequest(vq *Queue, iov *IOV, status byte) {
	setStatus(iov, status)
	vq.Commit(iov, 1)
	vq.Notify()
}

func statusBufferOK(buf *Buffer) bool {
	return len(buf.Data) == 1 && buf.CanWrite()
}

// handleChain parses one chain. Without VIRTIO_F_ANY_LAYOUT the framing
// is a 16-byte header buffer, data buffers for IN/OUT/GET_ID, and a
// one-byte status buffer.
func (b *Blk) handleChain(vq *Queue, q *rq.Queue, iov *IOV) {
	hdr := &iov.Buffers[0]
	if !hdr.CanRead() || len(hdr.Data) != blkReqHdrSize {
		logrus.Errorf("virtio-blk: bad request header buffer (len %d)", len(hdr.Data))
		abortRequest(vq, iov)

		return
	}

	typ := binary.LittleEndian.Uint32(hdr.Data)
	sector := binary.LittleEndian.Uint64(hdr.Data[8:])

	switch typ {
	case blkTIn, blkTOut:
		b.handleInOut(vq, q, iov, typ, sector)
	case blkTGetID:
		b.handleGetID(vq, iov)
	default:
		logrus.Warnf("virtio-blk: unknown request type %d", typ)

		if len(iov.Buffers) >= 2 && statusBufferOK(&iov.Buffers[len(iov.Buffers)-1]) {
			failRequest(vq, iov, blkSUnsupp)
		} else {
			abortRequest(vq, iov)
		}
	}
}

func (b *Blk) handleInOut(vq *Queue, q *rq.Queue, iov *IOV, typ uint32, sector uint64) {
	if len(iov.Buffers) < 3 {
		logrus.Errorf("virtio-blk: bad number of buffers %d in chain", len(iov.Buffers))
		abortRequest(vq, iov)

		return
	}

	statusBuf := &iov.Buffers[len(iov.Buffers)-1]
	if !statusBufferOK(statusBuf) {
		logrus.Errorf("virtio-blk: bad status buffer")
		abortRequest(vq, iov)

		return
	}

	data := iov.Buffers[1 : len(iov.Buffers)-1]

	var totalSectors, dataLen uint64

	for i := range data {
		if len(data[i].Data)&(SectorSize-1) != 0 {
			logrus.Errorf("virtio-blk: data buffer %d length %d is not sector aligned", i, len(data[i].Data))
			failRequest(vq, iov, blkSIOErr)

			return
		}

		if typ == blkTIn && !data[i].CanWrite() {
			logrus.Errorf("virtio-blk: cannot write to data buffer %d", i)
			failRequest(vq, iov, blkSIOErr)

			return
		}

		if typ == blkTOut && !data[i].CanRead() {
			logrus.Errorf("virtio-blk: cannot read from data buffer %d", i)
			failRequest(vq, iov, blkSIOErr)

			return
		}

		totalSectors += uint64(len(data[i].Data)) >> SectorShift
		dataLen += uint64(len(data[i].Data))
	}

	if totalSectors == 0 {
		logrus.Errorf("virtio-blk: zero sectors in request")
		failRequest(vq, iov, blkSIOErr)

		return
	}

	lastSector := sector + totalSectors - 1
	if lastSector < sector || lastSector >= b.bdev.TotalBlocks<<b.blockShift {
		logrus.Errorf("virtio-blk: request beyond device end, last sector %d", lastSector)
		failRequest(vq, iov, blkSIOErr)

		return
	}

	sglist := make([][]byte, len(data))
	for i := range data {
		sglist[i] = data[i].Data
	}

	ioType := blockdev.IORead
	written := dataLen + 1

	if typ == blkTOut {
		ioType = blockdev.IOWrite
		written = 1
	}

	bio := &blockdev.BIO{
		Type:        ioType,
		FirstBlock:  b.sectorsToBlocks(sector),
		TotalBlocks: b.sectorsToBlocks(totalSectors),
		Sglist:      sglist,
	}

	bio.Complete = func(res blockdev.Result) {
		status := byte(blkSOK)
		if res != blockdev.IOSuccess {
			status = blkSIOErr
		}

		setStatus(iov, status)
		vq.Commit(iov, uint32(written))
		vq.Notify()
	}

	q.Enqueue(rq.Request{Bio: bio})
}

func (b *Blk) handleGetID(vq *Queue, iov *IOV) {
	if len(iov.Buffers) != 3 {
		logrus.Errorf("virtio-blk: bad number of buffers %d in get-id chain", len(iov.Buffers))
		abortRequest(vq, iov)

		return
	}

	idBuf := &iov.Buffers[1]
	if !statusBufferOK(&iov.Buffers[2]) {
		logrus.Errorf("virtio-blk: bad status buffer")
		abortRequest(vq, iov)

		return
	}

	if len(idBuf.Data) != DiskIDLength || !idBuf.CanWrite() {
		logrus.Errorf("virtio-blk: bad id buffer (len %d)", len(idBuf.Data))
		failRequest(vq, iov, blkSIOErr)

		return
	}

	for i := range idBuf.Data {
		idBuf.Data[i] = 0
	}
	copy(idBuf.Data, b.bdev.ID)

	setStatus(iov, blkSOK)
	vq.Commit(iov, DiskIDLength+1)
	vq.Notify()
}
