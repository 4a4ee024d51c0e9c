package vdev

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/govhost/govhost/vhostuser"
)

// connError marks a failure of the connection socket itself (a short or
// failed send). It is fatal to the connection where an ordinary handler
// error is only reported back to the master.
type connError struct {
	err error
}

func (e *connError) Error() string {
	return e.err.Error()
}

func (e *connError) Unwrap() error {
	return e.err
}

func (d *Vdev) send(m *vhostuser.Message, fds []int) error {
	if err := vhostuser.Send(d.connFD, m, fds); err != nil {
		return &connError{err}
	}

	return nil
}

func (d *Vdev) sendU64Reply(req vhostuser.Request, v uint64) error {
	return d.send(vhostuser.U64Reply(req, v), nil)
}

func hasBit(features uint64, bit uint) bool {
	return features&(1<<bit) != 0
}

// handleRequest runs the protocol engine for one decoded message. Its
// return is non-nil only when the connection must be dropped; handler
// failures are turned into REPLY_ACK status and logged.
func (d *Vdev) handleRequest(msg *vhostuser.Message, fds []int) error {
	set := vhostuser.NewFDSet(fds)
	defer set.CloseUnclaimed()

	logrus.Debugf("vdev: handle %s, flags 0x%x, %d payload bytes, %d fds",
		msg.Req, msg.Flags, len(msg.Body), set.Count())

	if msg.Flags&vhostuser.VersionMask != vhostuser.Version {
		logrus.Warnf("vdev: message %s carries protocol version %d", msg.Req, msg.Flags&vhostuser.VersionMask)
	}

	var ret error

	switch msg.Req {
	case vhostuser.GetFeatures:
		ret = d.getFeatures(msg)
	case vhostuser.SetFeatures:
		ret = d.setFeatures(msg)
	case vhostuser.SetOwner:
		ret = d.setOwner()
	case vhostuser.ResetOwner:
		// Dropped from the vhost-user spec; refuse.
		ret = unix.ENOTSUP
	case vhostuser.GetProtocolFeatures:
		ret = d.sendU64Reply(msg.Req, d.supportedProtocolFeatures)
	case vhostuser.SetProtocolFeatures:
		ret = d.setProtocolFeatures(msg)
	case vhostuser.GetConfig:
		ret = d.getConfig(msg)
	case vhostuser.SetConfig:
		ret = unix.ENOTSUP
	case vhostuser.SetMemTable:
		ret = d.setMemTable(msg, set)
	case vhostuser.GetQueueNum:
		ret = d.sendU64Reply(msg.Req, uint64(d.maxQueues))
	case vhostuser.SetVringCall:
		ret = d.setVringFD(msg, set, vringCallFD)
	case vhostuser.SetVringKick:
		ret = d.setVringFD(msg, set, vringKickFD)
	case vhostuser.SetVringErr:
		ret = d.setVringFD(msg, set, vringErrFD)
	case vhostuser.SetVringNum:
		ret = d.setVringNum(msg)
	case vhostuser.SetVringBase:
		ret = d.setVringBase(msg)
	case vhostuser.GetVringBase:
		ret = d.getVringBase(msg)
	case vhostuser.SetVringAddr:
		ret = d.setVringAddr(msg)
	case vhostuser.SetVringEnable:
		ret = d.setVringEnable(msg)
	case vhostuser.GetInflightFD:
		ret = d.getInflightFD(msg)
	case vhostuser.SetInflightFD:
		ret = d.setInflightFD(msg, set)
	case vhostuser.SetLogBase, vhostuser.SetLogFD, vhostuser.SendRarp,
		vhostuser.NetSetMTU, vhostuser.SetSlaveReqFD, vhostuser.IotlbMsg,
		vhostuser.SetVringEndian, vhostuser.CreateCryptoSession,
		vhostuser.CloseCryptoSession, vhostuser.PostcopyAdvise,
		vhostuser.PostcopyListen, vhostuser.PostcopyEnd:
		logrus.Warnf("vdev: request %s not supported", msg.Req)
		ret = unix.ENOTSUP
	default:
		logrus.Errorf("vdev: request %d not defined", msg.Req)
		ret = unix.EINVAL
	}

	if ret != nil {
		logrus.Errorf("vdev: request %s failed: %v", msg.Req, ret)
	}

	if err := d.ackIfNeeded(msg, ret); err != nil {
		// A lost ack would leave the master waiting forever, so the
		// send failure takes precedence over the handler's result.
		ret = err
	}

	var ce *connError
	if errors.As(ret, &ce) {
		return ret
	}

	return nil
}

// ackIfNeeded implements the REPLY_ACK contract: when negotiated and
// requested, every message without an explicit reply of its own is
// answered with the handler's numeric status.
func (d *Vdev) ackIfNeeded(msg *vhostuser.Message, ret error) error {
	if !hasBit(d.negotiatedProtocolFeatures, vhostuser.ProtocolReplyAck) {
		return nil
	}

	if msg.Flags&vhostuser.FlagNeedReply == 0 {
		return nil
	}

	if ret == nil {
		switch msg.Req {
		case vhostuser.GetFeatures, vhostuser.GetProtocolFeatures,
			vhostuser.GetConfig, vhostuser.GetQueueNum,
			vhostuser.GetVringBase, vhostuser.GetInflightFD:
			// The explicit reply already went out.
			return nil
		}
	}

	return d.sendU64Reply(msg.Req, uint64(vhostuser.Errno(ret)))
}

func (d *Vdev) getFeatures(msg *vhostuser.Message) error {
	d.supportedFeatures = defaultFeatures | d.typ.GetFeatures()

	return d.sendU64Reply(msg.Req, d.supportedFeatures)
}

func (d *Vdev) setFeatures(msg *vhostuser.Message) error {
	requested, err := msg.U64()
	if err != nil {
		return err
	}

	d.negotiatedFeatures = requested & d.supportedFeatures

	if requested&^d.supportedFeatures != 0 {
		logrus.Warnf("vdev: master requested unsupported features: supported 0x%x, requested 0x%x, negotiated 0x%x",
			d.supportedFeatures, requested, d.negotiatedFeatures)
	}

	return d.typ.SetFeatures(d.negotiatedFeatures)
}

func (d *Vdev) setOwner() error {
	// Changing session owner is not supported.
	if d.isOwned {
		logrus.Warnf("vdev: master sets owner a second time, ignoring")
	}

	d.isOwned = true

	return nil
}

func (d *Vdev) setProtocolFeatures(msg *vhostuser.Message) error {
	requested, err := msg.U64()
	if err != nil {
		return err
	}

	feats := requested

	if feats&^d.supportedProtocolFeatures != 0 {
		// The master ignored what GET_PROTOCOL_FEATURES offered. There
		// is no way to report that; drop the surplus bits.
		feats &= d.supportedProtocolFeatures
		logrus.Warnf("vdev: master ignores supported protocol features: set 0x%x, support 0x%x, using 0x%x",
			requested, d.supportedProtocolFeatures, feats)
	}

	d.negotiatedProtocolFeatures = feats
	logrus.Debugf("vdev: negotiated protocol features 0x%x", feats)

	return nil
}

func (d *Vdev) getConfig(msg *vhostuser.Message) error {
	cfg, err := msg.Config()
	if err != nil {
		return err
	}

	buf := make([]byte, cfg.Size)
	n := d.typ.GetConfig(buf)

	reply := vhostuser.Config{
		Offset:  cfg.Offset,
		Size:    uint32(n),
		Flags:   cfg.Flags,
		Payload: buf[:n],
	}

	return d.send(vhostuser.Reply(msg.Req, vhostuser.EncodeConfig(reply)), nil)
}

func (d *Vdev) setMemTable(msg *vhostuser.Message, set *vhostuser.FDSet) error {
	regions, err := msg.MemTable()
	if err != nil {
		logrus.Errorf("vdev: invalid memory table payload")
		return err
	}

	for i, reg := range regions {
		fd := set.Claim(i)
		if fd < 0 {
			logrus.Errorf("vdev: memory region %d arrived without an fd", i)
			d.memmap.UnmapAll()

			return unix.EINVAL
		}

		if err := d.memmap.Map(i, reg.GuestAddr, reg.UserAddr, reg.Size, reg.MmapOffset, fd); err != nil {
			// The refused descriptor is closed here, descriptors not
			// yet claimed are closed by the caller, and mapped regions
			// roll back here. The master must start over with a fresh
			// table.
			unix.Close(fd)
			d.memmap.UnmapAll()

			return err
		}
	}

	return nil
}

func (d *Vdev) vring(idx uint32) *Vring {
	if int(idx) >= d.numQueues {
		logrus.Errorf("vdev: vring index out of bounds (%d >= %d)", idx, d.numQueues)
		return nil
	}

	return &d.vrings[idx]
}

func (d *Vdev) vringNotEnabled(idx uint32) *Vring {
	v := d.vring(idx)
	if v != nil && v.enabled {
		logrus.Errorf("vdev: vring %d is enabled", idx)
		return nil
	}

	return v
}

type vringFDKind int

const (
	vringKickFD vringFDKind = iota
	vringCallFD
	vringErrFD
)

// setVringFD handles the shared encoding of SET_VRING_{KICK,CALL,ERR}:
// the low payload bits select the vring, the invalid-fd bit means
// polling mode, which this backend does not do.
func (d *Vdev) setVringFD(msg *vhostuser.Message, set *vhostuser.FDSet, kind vringFDKind) error {
	payload, err := msg.U64()
	if err != nil {
		return err
	}

	if payload&vhostuser.VringInvalidFD != 0 {
		logrus.Errorf("vdev: vring polling mode is not supported")
		return unix.ENOTSUP
	}

	v := d.vring(uint32(payload & vhostuser.VringIdxMask))
	if v == nil {
		return unix.EINVAL
	}

	fd := set.Claim(0)
	if fd < 0 {
		logrus.Errorf("vdev: %s carried no fd", msg.Req)
		return unix.EINVAL
	}

	switch kind {
	case vringKickFD:
		if v.enabled {
			vhostuser.CloseFDs([]int{fd})
			return unix.EBUSY
		}

		if v.kickFD >= 0 {
			unix.Close(v.kickFD)
		}

		v.kickFD = fd

		// Without VHOST_USER_F_PROTOCOL_FEATURES the vring starts as
		// soon as the kick descriptor arrives; otherwise it waits for
		// an explicit SET_VRING_ENABLE.
		if !hasBit(d.negotiatedFeatures, vhostuser.FeatureProtocolFeatures) {
			return v.setEnable(true)
		}

	case vringCallFD:
		if v.callFD >= 0 {
			unix.Close(v.callFD)
		}

		v.callFD = fd

		if v.enabled {
			v.vq.SetNotifyFD(fd)
		}

	case vringErrFD:
		if v.errFD >= 0 {
			unix.Close(v.errFD)
		}

		v.errFD = fd
	}

	return nil
}

func (d *Vdev) setVringNum(msg *vhostuser.Message) error {
	state, err := msg.VringState()
	if err != nil {
		return err
	}

	v := d.vringNotEnabled(state.Index)
	if v == nil {
		return unix.EINVAL
	}

	v.client.num = int(state.Num)

	return nil
}

func (d *Vdev) setVringBase(msg *vhostuser.Message) error {
	state, err := msg.VringState()
	if err != nil {
		return err
	}

	v := d.vringNotEnabled(state.Index)
	if v == nil {
		return unix.EINVAL
	}

	v.client.base = int(state.Num)

	return nil
}

func (d *Vdev) getVringBase(msg *vhostuser.Message) error {
	state, err := msg.VringState()
	if err != nil {
		return err
	}

	v := d.vring(state.Index)
	if v == nil {
		return unix.EINVAL
	}

	base := v.lastAvail()

	// Without VHOST_USER_F_PROTOCOL_FEATURES the vring stops when the
	// master reads its base back; otherwise it waits for an explicit
	// SET_VRING_ENABLE(0).
	if !hasBit(d.negotiatedFeatures, vhostuser.FeatureProtocolFeatures) {
		if err := v.setEnable(false); err != nil {
			logrus.Errorf("vdev: could not disable vring %d: %v", v.id, err)
			return err
		}
	}

	return d.sendU64Reply(msg.Req, uint64(base))
}

func (d *Vdev) setVringAddr(msg *vhostuser.Message) error {
	addr, err := msg.VringAddr()
	if err != nil {
		return err
	}

	v := d.vringNotEnabled(addr.Index)
	if v == nil {
		return unix.EINVAL
	}

	descArea := d.memmap.TranslateUVA(addr.DescUser)
	usedArea := d.memmap.TranslateUVA(addr.UsedUser)
	availArea := d.memmap.TranslateUVA(addr.AvailUser)

	if descArea == nil || usedArea == nil || availArea == nil {
		logrus.Errorf("vdev: vring %d addresses do not translate (desc 0x%x, used 0x%x, avail 0x%x)",
			addr.Index, addr.DescUser, addr.UsedUser, addr.AvailUser)

		return unix.EINVAL
	}

	v.client.descArea = descArea
	v.client.usedArea = usedArea
	v.client.availArea = availArea

	return nil
}

func (d *Vdev) setVringEnable(msg *vhostuser.Message) error {
	state, err := msg.VringState()
	if err != nil {
		return err
	}

	v := d.vring(state.Index)
	if v == nil {
		return unix.EINVAL
	}

	return v.setEnable(state.Num == 1)
}
