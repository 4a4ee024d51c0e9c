// Package vhostuser implements the slave side of the vhost-user wire
// protocol: message framing, typed payload codecs and the unix stream
// socket plumbing that carries messages and SCM_RIGHTS file descriptors.
package vhostuser

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// Request identifies a vhost-user message type.
type Request uint32

const (
	None                Request = 0
	GetFeatures         Request = 1
	SetFeatures         Request = 2
	SetOwner            Request = 3
	ResetOwner          Request = 4
	SetMemTable         Request = 5
	SetLogBase          Request = 6
	SetLogFD            Request = 7
	SetVringNum         Request = 8
	SetVringAddr        Request = 9
	SetVringBase        Request = 10
	GetVringBase        Request = 11
	SetVringKick        Request = 12
	SetVringCall        Request = 13
	SetVringErr         Request = 14
	GetProtocolFeatures Request = 15
	SetProtocolFeatures Request = 16
	GetQueueNum         Request = 17
	SetVringEnable      Request = 18
	SendRarp            Request = 19
	NetSetMTU           Request = 20
	SetSlaveReqFD       Request = 21
	IotlbMsg            Request = 22
	SetVringEndian      Request = 23
	GetConfig           Request = 24
	SetConfig           Request = 25
	CreateCryptoSession Request = 26
	CloseCryptoSession  Request = 27
	PostcopyAdvise      Request = 28
	PostcopyListen      Request = 29
	PostcopyEnd         Request = 30
	GetInflightFD       Request = 31
	SetInflightFD       Request = 32
)

func (r Request) String() string {
	switch r {
	case None:
		return "none"
	case GetFeatures:
		return "get_features"
	case SetFeatures:
		return "set_features"
	case SetOwner:
		return "set_owner"
	case ResetOwner:
		return "reset_owner"
	case SetMemTable:
		return "set_mem_table"
	case SetLogBase:
		return "set_log_base"
	case SetLogFD:
		return "set_log_fd"
	case SetVringNum:
		return "set_vring_num"
	case SetVringAddr:
		return "set_vring_addr"
	case SetVringBase:
		return "set_vring_base"
	case GetVringBase:
		return "get_vring_base"
	case SetVringKick:
		return "set_vring_kick"
	case SetVringCall:
		return "set_vring_call"
	case SetVringErr:
		return "set_vring_err"
	case GetProtocolFeatures:
		return "get_protocol_features"
	case SetProtocolFeatures:
		return "set_protocol_features"
	case GetQueueNum:
		return "get_queue_num"
	case SetVringEnable:
		return "set_vring_enable"
	case SendRarp:
		return "send_rarp"
	case NetSetMTU:
		return "net_set_mtu"
	case SetSlaveReqFD:
		return "set_slave_req_fd"
	case IotlbMsg:
		return "iotlb_msg"
	case SetVringEndian:
		return "set_vring_endian"
	case GetConfig:
		return "get_config"
	case SetConfig:
		return "set_config"
	case CreateCryptoSession:
		return "create_crypto_session"
	case CloseCryptoSession:
		return "close_crypto_session"
	case PostcopyAdvise:
		return "postcopy_advise"
	case PostcopyListen:
		return "postcopy_listen"
	case PostcopyEnd:
		return "postcopy_end"
	case GetInflightFD:
		return "get_inflight_fd"
	case SetInflightFD:
		return "set_inflight_fd"
	}

	return "unknown"
}

// Header flags. The low two bits carry the protocol version.
const (
	VersionMask   = 0x3
	Version       = 0x1
	FlagReply     = 1 << 2
	FlagNeedReply = 1 << 3
)

// Master feature bits relevant to the slave.
const (
	FeatureProtocolFeatures = 30 // VHOST_USER_F_PROTOCOL_FEATURES
)

// Protocol feature bits.
const (
	ProtocolMQ            = 0
	ProtocolLogShmfd      = 1
	ProtocolRarp          = 2
	ProtocolReplyAck      = 3
	ProtocolNetMTU        = 4
	ProtocolSlaveReq      = 5
	ProtocolCrossEndian   = 6
	ProtocolCryptoSession = 7
	ProtocolPagefault     = 8
	ProtocolConfig        = 9
)

// Payload encoding of the SET_VRING_{KICK,CALL,ERR} u64.
const (
	VringIdxMask   = 0xff
	VringInvalidFD = 1 << 8
)

const (
	// HdrSize is the fixed wire header: request, flags, size.
	HdrSize = 12

	// MaxPayloadSize bounds the payload length a peer may claim in
	// the header. The largest defined payload (a GET_CONFIG message
	// with a full config space, 268 bytes) is well below this.
	MaxPayloadSize = 1024

	// MaxFDs is the most SCM_RIGHTS descriptors one message may carry.
	MaxFDs = 8

	// MemRegionsMax is the most regions a SET_MEM_TABLE may name.
	MemRegionsMax = 8

	// ConfigSpaceMax bounds the device config region payload.
	ConfigSpaceMax = 256
)

// The protocol is defined in terms of the master's native byte order and
// both ends share a host over a local socket. Little-endian hosts only.
var bo = binary.LittleEndian

// Message is one vhost-user message. Body holds the typed payload bytes;
// its length is what goes to the wire as the header size field.
type Message struct {
	Req   Request
	Flags uint32
	Body  []byte
}

// U64 decodes the single-u64 payload shared by the feature and vring
// messages.
func (m *Message) U64() (uint64, error) {
	if len(m.Body) < 8 {
		return 0, unix.EINVAL
	}

	return bo.Uint64(m.Body), nil
}

// VringState is the payload of SET_VRING_NUM, SET_VRING_BASE,
// GET_VRING_BASE and SET_VRING_ENABLE.
type VringState struct {
	Index uint32
	Num   uint32
}

func (m *Message) VringState() (VringState, error) {
	if len(m.Body) < 8 {
		return VringState{}, unix.EINVAL
	}

	return VringState{
		Index: bo.Uint32(m.Body),
		Num:   bo.Uint32(m.Body[4:]),
	}, nil
}

// VringAddr is the payload of SET_VRING_ADDR. The addresses are virtual
// addresses in the master's address space.
type VringAddr struct {
	Index     uint32
	Flags     uint32
	DescUser  uint64
	UsedUser  uint64
	AvailUser uint64
	LogGuest  uint64
}

func (m *Message) VringAddr() (VringAddr, error) {
	if len(m.Body) < 40 {
		return VringAddr{}, unix.EINVAL
	}

	return VringAddr{
		Index:     bo.Uint32(m.Body),
		Flags:     bo.Uint32(m.Body[4:]),
		DescUser:  bo.Uint64(m.Body[8:]),
		UsedUser:  bo.Uint64(m.Body[16:]),
		AvailUser: bo.Uint64(m.Body[24:]),
		LogGuest:  bo.Uint64(m.Body[32:]),
	}, nil
}

// MemRegion describes one guest memory region in a SET_MEM_TABLE payload.
type MemRegion struct {
	GuestAddr  uint64
	Size       uint64
	UserAddr   uint64
	MmapOffset uint64
}

// MemTable decodes the SET_MEM_TABLE payload. The region count is
// validated against MemRegionsMax and against the payload length.
func (m *Message) MemTable() ([]MemRegion, error) {
	if len(m.Body) < 8 {
		return nil, unix.EINVAL
	}

	nregions := bo.Uint32(m.Body)
	if nregions > MemRegionsMax {
		return nil, unix.EINVAL
	}

	if len(m.Body) < 8+int(nregions)*32 {
		return nil, unix.EINVAL
	}

	regions := make([]MemRegion, nregions)

	b := m.Body[8:]
	for i := range regions {
		regions[i] = MemRegion{
			GuestAddr:  bo.Uint64(b),
			Size:       bo.Uint64(b[8:]),
			UserAddr:   bo.Uint64(b[16:]),
			MmapOffset: bo.Uint64(b[24:]),
		}
		b = b[32:]
	}

	return regions, nil
}

// Config is the payload of GET_CONFIG and SET_CONFIG.
type Config struct {
	Offset  uint32
	Size    uint32
	Flags   uint32
	Payload []byte
}

func (m *Message) Config() (Config, error) {
	if len(m.Body) < 12 {
		return Config{}, unix.EINVAL
	}

	c := Config{
		Offset: bo.Uint32(m.Body),
		Size:   bo.Uint32(m.Body[4:]),
		Flags:  bo.Uint32(m.Body[8:]),
	}

	if c.Size > ConfigSpaceMax || len(m.Body) < 12+int(c.Size) {
		return Config{}, unix.EINVAL
	}

	c.Payload = m.Body[12 : 12+c.Size]

	return c, nil
}

// EncodeConfig builds the GET_CONFIG reply payload.
func EncodeConfig(c Config) []byte {
	b := make([]byte, 12+len(c.Payload))
	bo.PutUint32(b, c.Offset)
	bo.PutUint32(b[4:], c.Size)
	bo.PutUint32(b[8:], c.Flags)
	copy(b[12:], c.Payload)

	return b
}

// InflightDesc is the payload of GET_INFLIGHT_FD and SET_INFLIGHT_FD.
type InflightDesc struct {
	MmapSize   uint64
	MmapOffset uint64
	NumQueues  uint16
	QueueSize  uint16
}

func (m *Message) Inflight() (InflightDesc, error) {
	if len(m.Body) < 20 {
		return InflightDesc{}, unix.EINVAL
	}

	return InflightDesc{
		MmapSize:   bo.Uint64(m.Body),
		MmapOffset: bo.Uint64(m.Body[8:]),
		NumQueues:  bo.Uint16(m.Body[16:]),
		QueueSize:  bo.Uint16(m.Body[18:]),
	}, nil
}

// EncodeInflight builds the GET_INFLIGHT_FD reply payload.
func EncodeInflight(d InflightDesc) []byte {
	b := make([]byte, 20)
	bo.PutUint64(b, d.MmapSize)
	bo.PutUint64(b[8:], d.MmapOffset)
	bo.PutUint16(b[16:], d.NumQueues)
	bo.PutUint16(b[18:], d.QueueSize)

	return b
}

// U64Reply builds the explicit reply carrying a single u64, as used by
// the getter messages and by REPLY_ACK status replies.
func U64Reply(req Request, v uint64) *Message {
	b := make([]byte, 8)
	bo.PutUint64(b, v)

	return &Message{
		Req:   req,
		Flags: Version | FlagReply,
		Body:  b,
	}
}

// Reply builds an explicit reply echoing req with the given payload.
func Reply(req Request, body []byte) *Message {
	return &Message{
		Req:   req,
		Flags: Version | FlagReply,
		Body:  body,
	}
}
