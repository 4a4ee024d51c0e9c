// Package blockdev defines the block backend boundary the virtio-blk
// device type submits I/O to, plus a file-backed implementation for
// serving disk images.
package blockdev

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// IOType distinguishes reads from writes.
type IOType int

const (
	IORead IOType = iota
	IOWrite
)

// Result is the outcome a backend reports for one request.
type Result int

const (
	IOSuccess Result = iota
	IOError
)

// BIO is one block I/O request. Sglist aliases guest memory: for reads
// the backend fills the slices, for writes it consumes them. Complete
// must be called exactly once, from the request consumer.
type BIO struct {
	Type        IOType
	FirstBlock  uint64
	TotalBlocks uint64
	Sglist      [][]byte
	Complete    func(Result)
}

// Backend services block requests.
type Backend interface {
	Submit(bio *BIO) error
}

// Bdev describes one block device a backend exposes.
type Bdev struct {
	ID          string
	BlockSize   uint32
	TotalBlocks uint64
	NumQueues   int
	Backend     Backend
}

// FileBackend serves a device from a plain file or block device node
// with synchronous positioned I/O.
type FileBackend struct {
	f         *os.File
	blockSize uint32
}

// OpenFile opens path for serving with the given block size. The device
// size is the file size rounded down to a whole number of blocks; the
// file itself is not changed.
func OpenFile(path string, blockSize uint32) (*FileBackend, *Bdev, error) {
	if blockSize == 0 || blockSize&(blockSize-1) != 0 {
		return nil, nil, unix.EINVAL
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open %q", path)
	}

	size, err := f.Seek(0, 2)
	if err != nil {
		f.Close()
		return nil, nil, errors.Wrapf(err, "size %q", path)
	}

	b := &FileBackend{f: f, blockSize: blockSize}

	bdev := &Bdev{
		ID:          "govhost0",
		BlockSize:   blockSize,
		TotalBlocks: uint64(size) / uint64(blockSize),
		NumQueues:   1,
		Backend:     b,
	}

	return b, bdev, nil
}

// Close releases the backing file.
func (b *FileBackend) Close() error {
	return b.f.Close()
}

// Submit performs bio synchronously and completes it before returning.
func (b *FileBackend) Submit(bio *BIO) error {
	off := int64(bio.FirstBlock) * int64(b.blockSize)

	for _, sg := range bio.Sglist {
		var err error

		switch bio.Type {
		case IORead:
			_, err = b.f.ReadAt(sg, off)
		case IOWrite:
			_, err = b.f.WriteAt(sg, off)
		}

		if err != nil {
			bio.Complete(IOError)
			return errors.Wrap(err, "file io")
		}

		off += int64(len(sg))
	}

	bio.Complete(IOSuccess)

	return nil
}
