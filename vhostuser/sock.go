package vhostuser

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Errno extracts the numeric status carried by err for a REPLY_ACK
// reply: 0 for nil, the raw errno where one is present, EIO otherwise.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}

	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}

	return unix.EIO
}

// Recv reads exactly one message from the connection socket.
//
// A single recvmsg obtains the fixed header together with any ancillary
// SCM_RIGHTS descriptors; the payload follows with a plain read. A short
// read at either step is a framing error and the caller must drop the
// connection. Received descriptors are owned by the caller; on a framing
// error after the header they are closed here.
func Recv(fd int) (*Message, []int, error) {
	hdr := make([]byte, HdrSize)
	oob := make([]byte, unix.CmsgSpace(4*MaxFDs))

	// Poison the control buffer so a short descriptor array cannot be
	// mistaken for valid fds.
	for i := range oob {
		oob[i] = 0xff
	}

	n, oobn, _, _, err := unix.Recvmsg(fd, hdr, oob, 0)
	if err != nil {
		return nil, nil, errors.Wrap(err, "recvmsg")
	}

	if n == 0 {
		return nil, nil, io.EOF
	}

	if n != HdrSize {
		logrus.Errorf("vhost-user: short header: got %d bytes, want %d", n, HdrSize)
		return nil, nil, unix.EIO
	}

	msg := &Message{
		Req:   Request(bo.Uint32(hdr)),
		Flags: bo.Uint32(hdr[4:]),
	}
	size := bo.Uint32(hdr[8:])

	var fds []int

	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return nil, nil, errors.Wrap(err, "parse control message")
		}

		for _, cmsg := range cmsgs {
			if cmsg.Header.Level != unix.SOL_SOCKET || cmsg.Header.Type != unix.SCM_RIGHTS {
				continue
			}

			fds, err = unix.ParseUnixRights(&cmsg)
			if err != nil {
				return nil, nil, errors.Wrap(err, "parse unix rights")
			}

			break
		}
	}

	if size > MaxPayloadSize {
		logrus.Errorf("vhost-user: message %s claims %d payload bytes", msg.Req, size)
		CloseFDs(fds)

		return nil, nil, unix.EIO
	}

	if size > 0 {
		msg.Body = make([]byte, size)

		n, err := unix.Read(fd, msg.Body)
		if err != nil {
			CloseFDs(fds)
			return nil, nil, errors.Wrap(err, "read payload")
		}

		if n != int(size) {
			logrus.Errorf("vhost-user: short payload: got %d bytes, want %d", n, size)
			CloseFDs(fds)

			return nil, nil, unix.EIO
		}
	}

	return msg, fds, nil
}

// Send writes one message, attaching fds as SCM_RIGHTS when present.
// Header and payload go out in a single sendmsg; a short write is a
// framing error.
func Send(fd int, m *Message, fds []int) error {
	buf := make([]byte, HdrSize+len(m.Body))
	bo.PutUint32(buf, uint32(m.Req))
	bo.PutUint32(buf[4:], m.Flags)
	bo.PutUint32(buf[8:], uint32(len(m.Body)))
	copy(buf[HdrSize:], m.Body)

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}

	n, err := unix.SendmsgN(fd, buf, oob, nil, 0)
	if err != nil {
		return errors.Wrapf(err, "sendmsg %s", m.Req)
	}

	if n != len(buf) {
		logrus.Errorf("vhost-user: short send: put %d bytes, want %d", n, len(buf))
		return unix.EIO
	}

	return nil
}

// Listen creates the vhost-user server socket at path. An existing
// socket file is unlinked first; any other existing file is an error.
// The socket is left non-blocking with a backlog of one: a device
// serves a single master.
func Listen(path string) (int, error) {
	// sockaddr_un.sun_path is 108 bytes including the terminator.
	if len(path) >= 108 {
		return -1, errors.Errorf("socket path %q is too long", path)
	}

	if fi, err := os.Stat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return -1, errors.Errorf("%q exists and is not a socket", path)
		}

		if err := unix.Unlink(path); err != nil {
			return -1, errors.Wrapf(err, "unlink %q", path)
		}
	} else if !os.IsNotExist(err) {
		return -1, errors.Wrapf(err, "stat %q", path)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "bind %q", path)
	}

	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "listen %q", path)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "set nonblock")
	}

	return fd, nil
}

// CloseFDs closes every valid descriptor in fds.
func CloseFDs(fds []int) {
	for _, fd := range fds {
		if fd >= 0 {
			unix.Close(fd)
		}
	}
}
