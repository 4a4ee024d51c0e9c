package flag

import (
	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	"github.com/govhost/govhost/server"
)

// CLI is the govhost command tree.
type CLI struct {
	Serve ServeCMD `cmd:"" help:"Serve a disk image as a vhost-user block device."`
}

// ServeCMD serves one virtio-blk device over a vhost-user socket.
type ServeCMD struct {
	Socket    string `short:"s" required:"" help:"Path of the vhost-user listen socket."`
	Disk      string `short:"d" required:"" help:"Path of the disk image."`
	BlockSize string `short:"b" default:"512" help:"Device block size: as number[kK]."`
	Queues    int    `short:"q" default:"1" help:"Maximum number of request queues."`
	Depth     int    `default:"128" help:"Request queue depth."`
	Verbose   bool   `short:"v" help:"Enable debug logging."`
	Profile   bool   `short:"P" help:"Write a CPU profile."`
}

// Parse parses the command line and runs the selected command.
func Parse() error {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("govhost"),
		kong.Description("govhost serves vhost-user block devices from userspace"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	return ctx.Run()
}

func (s *ServeCMD) Run() error {
	if s.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	blockSize, err := ParseSize(s.BlockSize, "")
	if err != nil {
		return err
	}

	return server.Serve(server.Config{
		Socket:     s.Socket,
		Disk:       s.Disk,
		BlockSize:  uint32(blockSize),
		Queues:     s.Queues,
		Depth:      s.Depth,
		CPUProfile: s.Profile,
	})
}
