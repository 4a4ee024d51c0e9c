package virtio_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/govhost/govhost/blockdev"
	"github.com/govhost/govhost/rq"
	"github.com/govhost/govhost/virtio"
)

func testBdev(t *testing.T, blocks int) (string, *blockdev.FileBackend, *blockdev.Bdev) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, make([]byte, blocks*512), 0o600); err != nil {
		t.Fatalf("write image: %v", err)
	}

	backend, bdev, err := blockdev.OpenFile(path, 512)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	t.Cleanup(func() { backend.Close() })

	return path, backend, bdev
}

func testQueue(t *testing.T) *rq.Queue {
	t.Helper()

	q, err := rq.New(16)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	t.Cleanup(q.Close)

	return q
}

// putBlkReq writes a virtio-blk request header into guest memory.
func putBlkReq(mem []byte, off uint64, typ uint32, sector uint64) {
	binary.LittleEndian.PutUint32(mem[off:], typ)
	binary.LittleEndian.PutUint64(mem[off+8:], sector)
}

func TestBlkGetConfig(t *testing.T) {
	t.Parallel()

	_, _, bdev := testBdev(t, 64)
	bdev.NumQueues = 2

	blk, err := virtio.NewBlk(bdev)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	buf := make([]byte, 64)
	n := blk.GetConfig(buf)

	if n != 36 {
		t.Fatalf("expected: %v, actual: %v", 36, n)
	}

	if capacity := binary.LittleEndian.Uint64(buf); capacity != 64 {
		t.Fatalf("expected: %v, actual: %v", 64, capacity)
	}

	if blkSize := binary.LittleEndian.Uint32(buf[20:]); blkSize != 512 {
		t.Fatalf("expected: %v, actual: %v", 512, blkSize)
	}

	if queues := binary.LittleEndian.Uint16(buf[34:]); queues != 2 {
		t.Fatalf("expected: %v, actual: %v", 2, queues)
	}
}

func TestBlkRejectsBadBlockSize(t *testing.T) {
	t.Parallel()

	if _, err := virtio.NewBlk(&blockdev.Bdev{BlockSize: 100}); err == nil {
		t.Fatal("expected error for unaligned block size")
	}
}

func TestBlkWriteRequest(t *testing.T) {
	t.Parallel()

	m, mem := guestMem(t)
	path, backend, bdev := testBdev(t, 64)
	q := testQueue(t)

	blk, err := virtio.NewBlk(bdev)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	const (
		reqBase    = bufferBase
		dataBase   = bufferBase + 0x200
		statusBase = bufferBase + 0x600
	)

	putBlkReq(mem, reqBase, 1 /* OUT */, 8)
	copy(mem[dataBase:], bytes.Repeat([]byte{0xab}, 512))
	mem[statusBase] = 0xff

	putDesc(mem, 0, reqBase, 16, 1, 1)
	putDesc(mem, 1, dataBase, 512, 1, 2)
	putDesc(mem, 2, statusBase, 1, 2, 0)
	offer(mem, 0)

	vq := attach(t, m, 0)

	if err := blk.DispatchRequests(vq, q); err != nil {
		t.Fatalf("err: %v", err)
	}

	var req rq.Request
	select {
	case req = <-q.Requests():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for request")
	}

	bio := req.Bio
	if bio.Type != blockdev.IOWrite || bio.FirstBlock != 8 || bio.TotalBlocks != 1 {
		t.Fatalf("bad bio: %+v", bio)
	}

	if err := backend.Submit(bio); err != nil {
		t.Fatalf("err: %v", err)
	}

	if mem[statusBase] != 0 {
		t.Fatalf("expected OK status, actual: %#x", mem[statusBase])
	}

	if got := usedIdx(mem); got != 1 {
		t.Fatalf("expected: %v, actual: %v", 1, got)
	}

	// The data must have landed at sector 8 of the image.
	img, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read image: %v", err)
	}

	if !bytes.Equal(img[8*512:9*512], bytes.Repeat([]byte{0xab}, 512)) {
		t.Fatal("image does not contain written data")
	}
}

func TestBlkReadRequest(t *testing.T) {
	t.Parallel()

	m, mem := guestMem(t)
	path, backend, bdev := testBdev(t, 64)
	q := testQueue(t)

	// Seed sector 3 of the image.
	seed, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open image: %v", err)
	}

	if _, err := seed.WriteAt(bytes.Repeat([]byte{0x5a}, 512), 3*512); err != nil {
		t.Fatalf("seed image: %v", err)
	}

	seed.Close()

	blk, err := virtio.NewBlk(bdev)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	const (
		reqBase    = bufferBase
		dataBase   = bufferBase + 0x200
		statusBase = bufferBase + 0x600
	)

	putBlkReq(mem, reqBase, 0 /* IN */, 3)
	putDesc(mem, 0, reqBase, 16, 1, 1)
	putDesc(mem, 1, dataBase, 512, 1|2, 2)
	putDesc(mem, 2, statusBase, 1, 2, 0)
	offer(mem, 0)

	vq := attach(t, m, 0)

	if err := blk.DispatchRequests(vq, q); err != nil {
		t.Fatalf("err: %v", err)
	}

	var req rq.Request
	select {
	case req = <-q.Requests():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for request")
	}

	if err := backend.Submit(req.Bio); err != nil {
		t.Fatalf("err: %v", err)
	}

	if mem[statusBase] != 0 {
		t.Fatalf("expected OK status, actual: %#x", mem[statusBase])
	}

	if !bytes.Equal(mem[dataBase:dataBase+512], bytes.Repeat([]byte{0x5a}, 512)) {
		t.Fatal("guest buffer does not contain sector data")
	}

	_, written := usedElem(mem, 0)
	if written != 513 {
		t.Fatalf("expected: %v, actual: %v", 513, written)
	}
}

func TestBlkGetID(t *testing.T) {
	t.Parallel()

	m, mem := guestMem(t)
	_, _, bdev := testBdev(t, 8)
	q := testQueue(t)

	blk, err := virtio.NewBlk(bdev)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	const (
		reqBase    = bufferBase
		idBase     = bufferBase + 0x200
		statusBase = bufferBase + 0x400
	)

	putBlkReq(mem, reqBase, 8 /* GET_ID */, 0)
	putDesc(mem, 0, reqBase, 16, 1, 1)
	putDesc(mem, 1, idBase, virtio.DiskIDLength, 1|2, 2)
	putDesc(mem, 2, statusBase, 1, 2, 0)
	offer(mem, 0)

	vq := attach(t, m, 0)

	if err := blk.DispatchRequests(vq, q); err != nil {
		t.Fatalf("err: %v", err)
	}

	if mem[statusBase] != 0 {
		t.Fatalf("expected OK status, actual: %#x", mem[statusBase])
	}

	id := mem[idBase : idBase+virtio.DiskIDLength]
	if !bytes.HasPrefix(id, []byte(bdev.ID)) {
		t.Fatalf("bad disk id: %q", id)
	}

	if got := usedIdx(mem); got != 1 {
		t.Fatalf("expected: %v, actual: %v", 1, got)
	}
}

func TestBlkBadRequests(t *testing.T) {
	t.Parallel()

	m, mem := guestMem(t)
	_, _, bdev := testBdev(t, 8)
	q := testQueue(t)

	blk, err := virtio.NewBlk(bdev)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	const (
		reqBase    = bufferBase
		dataBase   = bufferBase + 0x200
		statusBase = bufferBase + 0x600
	)

	// Out-of-range write: sectors beyond the 8-block device.
	putBlkReq(mem, reqBase, 1, 100)
	copy(mem[dataBase:], bytes.Repeat([]byte{1}, 512))
	mem[statusBase] = 0xff

	putDesc(mem, 0, reqBase, 16, 1, 1)
	putDesc(mem, 1, dataBase, 512, 1, 2)
	putDesc(mem, 2, statusBase, 1, 2, 0)
	offer(mem, 0)

	vq := attach(t, m, 0)

	if err := blk.DispatchRequests(vq, q); err != nil {
		t.Fatalf("err: %v", err)
	}

	if mem[statusBase] != 1 {
		t.Fatalf("expected IOERR status, actual: %#x", mem[statusBase])
	}

	if got := usedIdx(mem); got != 1 {
		t.Fatalf("expected: %v, actual: %v", 1, got)
	}

	select {
	case <-q.Requests():
		t.Fatal("bad request must not reach the queue")
	default:
	}

	// Unknown request type with a valid status buffer.
	putBlkReq(mem, reqBase, 42, 0)
	mem[statusBase] = 0xff
	offer(mem, 0)

	if err := blk.DispatchRequests(vq, q); err != nil {
		t.Fatalf("err: %v", err)
	}

	if mem[statusBase] != 2 {
		t.Fatalf("expected UNSUPP status, actual: %#x", mem[statusBase])
	}
}
