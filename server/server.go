// Package server wires the pieces into a runnable vhost-user block
// daemon: a file-backed device, a request queue with its consumer, and
// one served vdev.
package server

import (
	"os"
	"os/signal"

	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/govhost/govhost/blockdev"
	"github.com/govhost/govhost/rq"
	"github.com/govhost/govhost/vdev"
	"github.com/govhost/govhost/virtio"
)

// Config carries everything Serve needs.
type Config struct {
	Socket     string
	Disk       string
	BlockSize  uint32
	Queues     int
	Depth      int
	CPUProfile bool
}

// Serve runs the daemon until SIGINT or SIGTERM.
func Serve(c Config) error {
	if c.CPUProfile {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	backend, bdev, err := blockdev.OpenFile(c.Disk, c.BlockSize)
	if err != nil {
		return err
	}
	defer backend.Close()

	bdev.NumQueues = c.Queues

	blk, err := virtio.NewBlk(bdev)
	if err != nil {
		return err
	}

	if err := vdev.StartVhostEventLoop(); err != nil {
		return err
	}
	defer vdev.StopVhostEventLoop()

	queue, err := rq.New(c.Depth)
	if err != nil {
		return err
	}
	defer queue.Close()

	dev := &vdev.Vdev{}
	if err := dev.InitServer(c.Socket, blk, c.Queues, queue, nil); err != nil {
		return err
	}

	var g errgroup.Group

	g.Go(queue.Run)

	g.Go(func() error {
		for req := range queue.Requests() {
			if err := bdev.Backend.Submit(req.Bio); err != nil {
				logrus.Errorf("server: submit request: %v", err)
			}
		}

		return nil
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, unix.SIGINT, unix.SIGTERM)
	s := <-sig

	logrus.Infof("server: %v, shutting down", s)

	// The device detaches its kick sources before the queue stops
	// delivering, so nothing dispatches into a closed queue.
	dev.Uninit()
	queue.Stop()

	return g.Wait()
}
