// Package vhostuser implements the frontend side of the vhost-user control
// protocol: the wire codec, descriptor passing over a Unix domain socket and
// a strictly sequential request/reply client.
package vhostuser

import (
	"encoding/binary"
	"io"
	"strconv"
	"strings"
)

// Request is a vhost-user frontend request kind.
type Request uint32

const (
	ReqNone                Request = 0
	ReqGetFeatures         Request = 1
	ReqSetFeatures         Request = 2
	ReqSetOwner            Request = 3
	ReqResetOwner          Request = 4
	ReqSetMemTable         Request = 5
	ReqSetLogBase          Request = 6
	ReqSetLogFD            Request = 7
	ReqSetVringNum         Request = 8
	ReqSetVringAddr        Request = 9
	ReqSetVringBase        Request = 10
	ReqGetVringBase        Request = 11
	ReqSetVringKick        Request = 12
	ReqSetVringCall        Request = 13
	ReqSetVringErr         Request = 14
	ReqGetProtocolFeatures Request = 15
	ReqSetProtocolFeatures Request = 16
	ReqGetQueueNum         Request = 17
	ReqSetVringEnable      Request = 18
	ReqSendRARP            Request = 19
	ReqNetSetMTU           Request = 20
	ReqSetBackendReqFD     Request = 21
	ReqIOTLBMsg            Request = 22
	ReqSetVringEndian      Request = 23
	ReqGetConfig           Request = 24
	ReqSetConfig           Request = 25
	ReqGetInflightFD       Request = 31
	ReqSetInflightFD       Request = 32
	ReqResetDevice         Request = 34
	ReqGetMaxMemSlots      Request = 36
	ReqAddMemReg           Request = 37
	ReqRemMemReg           Request = 38
	ReqSetStatus           Request = 39
	ReqGetStatus           Request = 40
)

var requestNames = map[Request]string{
	ReqNone:                "NONE",
	ReqGetFeatures:         "GET_FEATURES",
	ReqSetFeatures:         "SET_FEATURES",
	ReqSetOwner:            "SET_OWNER",
	ReqResetOwner:          "RESET_OWNER",
	ReqSetMemTable:         "SET_MEM_TABLE",
	ReqSetLogBase:          "SET_LOG_BASE",
	ReqSetLogFD:            "SET_LOG_FD",
	ReqSetVringNum:         "SET_VRING_NUM",
	ReqSetVringAddr:        "SET_VRING_ADDR",
	ReqSetVringBase:        "SET_VRING_BASE",
	ReqGetVringBase:        "GET_VRING_BASE",
	ReqSetVringKick:        "SET_VRING_KICK",
	ReqSetVringCall:        "SET_VRING_CALL",
	ReqSetVringErr:         "SET_VRING_ERR",
	ReqGetProtocolFeatures: "GET_PROTOCOL_FEATURES",
	ReqSetProtocolFeatures: "SET_PROTOCOL_FEATURES",
	ReqGetQueueNum:         "GET_QUEUE_NUM",
	ReqSetVringEnable:      "SET_VRING_ENABLE",
	ReqSendRARP:            "SEND_RARP",
	ReqNetSetMTU:           "NET_SET_MTU",
	ReqSetBackendReqFD:     "SET_BACKEND_REQ_FD",
	ReqIOTLBMsg:            "IOTLB_MSG",
	ReqSetVringEndian:      "SET_VRING_ENDIAN",
	ReqGetConfig:           "GET_CONFIG",
	ReqSetConfig:           "SET_CONFIG",
	ReqGetInflightFD:       "GET_INFLIGHT_FD",
	ReqSetInflightFD:       "SET_INFLIGHT_FD",
	ReqResetDevice:         "RESET_DEVICE",
	ReqGetMaxMemSlots:      "GET_MAX_MEM_SLOTS",
	ReqAddMemReg:           "ADD_MEM_REG",
	ReqRemMemReg:           "REM_MEM_REG",
	ReqSetStatus:           "SET_STATUS",
	ReqGetStatus:           "GET_STATUS",
}

func (r Request) String() string {
	if name, ok := requestNames[r]; ok {
		return name
	}
	return "REQ_" + strconv.Itoa(int(r))
}

// Header flag bits as they travel on the wire: the version in bits 0-1,
// reply in bit 2 and need-reply in bit 3.
const (
	FlagVersionMask uint32 = 0x3
	FlagReply       uint32 = 1 << 2
	FlagNeedReply   uint32 = 1 << 3

	// Version is the only protocol version in existence.
	Version uint32 = 0x1
)

// Virtio device feature bits that matter to the frontend.
const (
	FeatureNotifyOnEmpty    = 24
	FeatureLogAll           = 26
	FeatureAnyLayout        = 27
	FeatureRingIndirectDesc = 28
	FeatureRingEventIdx     = 29
	FeatureProtocolFeatures = 30
	FeatureVersion1         = 32
	FeatureAccessPlatform   = 33
	FeatureRingPacked       = 34
	FeatureInOrder          = 35
)

var featureNames = map[int]string{
	FeatureNotifyOnEmpty:    "NOTIFY_ON_EMPTY",
	FeatureLogAll:           "LOG_ALL",
	FeatureAnyLayout:        "ANY_LAYOUT",
	FeatureRingIndirectDesc: "RING_INDIRECT_DESC",
	FeatureRingEventIdx:     "RING_EVENT_IDX",
	FeatureProtocolFeatures: "PROTOCOL_FEATURES",
	FeatureVersion1:         "VERSION_1",
	FeatureAccessPlatform:   "ACCESS_PLATFORM",
	FeatureRingPacked:       "RING_PACKED",
	FeatureInOrder:          "IN_ORDER",
}

// Protocol feature bits.
const (
	ProtocolFeatureMQ                = 0
	ProtocolFeatureLogShmFD          = 1
	ProtocolFeatureRARP              = 2
	ProtocolFeatureReplyAck          = 3
	ProtocolFeatureNetMTU            = 4
	ProtocolFeatureBackendReq        = 5
	ProtocolFeatureCrossEndian       = 6
	ProtocolFeatureCryptoSession     = 7
	ProtocolFeaturePagefault         = 8
	ProtocolFeatureConfig            = 9
	ProtocolFeatureBackendSendFD     = 10
	ProtocolFeatureHostNotifier      = 11
	ProtocolFeatureInflightShmFD     = 12
	ProtocolFeatureResetDevice       = 13
	ProtocolFeatureInbandNotify      = 14
	ProtocolFeatureConfigureMemSlots = 15
	ProtocolFeatureStatus            = 16
)

var protocolFeatureNames = map[int]string{
	ProtocolFeatureMQ:                "MQ",
	ProtocolFeatureLogShmFD:          "LOG_SHMFD",
	ProtocolFeatureRARP:              "RARP",
	ProtocolFeatureReplyAck:          "REPLY_ACK",
	ProtocolFeatureNetMTU:            "NET_MTU",
	ProtocolFeatureBackendReq:        "BACKEND_REQ",
	ProtocolFeatureCrossEndian:       "CROSS_ENDIAN",
	ProtocolFeatureCryptoSession:     "CRYPTO_SESSION",
	ProtocolFeaturePagefault:         "PAGEFAULT",
	ProtocolFeatureConfig:            "CONFIG",
	ProtocolFeatureBackendSendFD:     "BACKEND_SEND_FD",
	ProtocolFeatureHostNotifier:      "HOST_NOTIFIER",
	ProtocolFeatureInflightShmFD:     "INFLIGHT_SHMFD",
	ProtocolFeatureResetDevice:       "RESET_DEVICE",
	ProtocolFeatureInbandNotify:      "INBAND_NOTIFICATIONS",
	ProtocolFeatureConfigureMemSlots: "CONFIGURE_MEM_SLOTS",
	ProtocolFeatureStatus:            "STATUS",
}

// SupportedProtocolFeatures is the set of protocol features this frontend
// knows how to drive.
const SupportedProtocolFeatures uint64 = 1<<ProtocolFeatureMQ |
	1<<ProtocolFeatureLogShmFD |
	1<<ProtocolFeatureReplyAck |
	1<<ProtocolFeatureConfig |
	1<<ProtocolFeatureConfigureMemSlots

// Bit returns the mask for a single feature bit.
func Bit(n int) uint64 { return uint64(1) << n }

// FeatureString renders a device feature mask for logs.
func FeatureString(mask uint64) string { return maskString(featureNames, mask) }

// ProtocolFeatureString renders a protocol feature mask for logs.
func ProtocolFeatureString(mask uint64) string { return maskString(protocolFeatureNames, mask) }

func maskString(names map[int]string, mask uint64) string {
	var f []string
	for j := 0; j < 64; j++ {
		if mask&(uint64(1)<<j) == 0 {
			continue
		}
		nm := names[j]
		if nm == "" {
			nm = strconv.Itoa(j)
		}
		f = append(f, nm)
	}
	return strings.Join(f, ",")
}

// Protocol limits.
const (
	// MaxMemoryRegions is the region count a SET_MEM_TABLE message can carry.
	MaxMemoryRegions = 8
	// MaxConfigSize bounds GET_CONFIG/SET_CONFIG payloads.
	MaxConfigSize = 256
	// MaxQueueSize is the largest split ring the protocol can describe.
	MaxQueueSize = 32768
	// MaxPayloadSize bounds any payload accepted from a backend.
	MaxPayloadSize = 4096

	// VringNoFD is set in a SET_VRING_KICK/CALL payload when no
	// descriptor accompanies the message.
	VringNoFD = 1 << 8
	// VringIndexMask extracts the queue index from a KICK/CALL payload.
	VringIndexMask = 0xff
)

// Header is the fixed 12-byte message header.
//
// Wire format (native little-endian):
// [4 bytes: request]
// [4 bytes: flags]
// [4 bytes: payload size]
type Header struct {
	Request Request
	Flags   uint32
	Size    uint32
}

// HeaderSize is the size of the header in bytes.
const HeaderSize = 12

func (h Header) put(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Request))
	binary.LittleEndian.PutUint32(buf[4:8], h.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], h.Size)
}

func parseHeader(buf []byte) Header {
	return Header{
		Request: Request(binary.LittleEndian.Uint32(buf[0:4])),
		Flags:   binary.LittleEndian.Uint32(buf[4:8]),
		Size:    binary.LittleEndian.Uint32(buf[8:12]),
	}
}

// ReadHeader reads a message header from the reader.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	return parseHeader(buf[:]), nil
}

// WriteHeader writes a message header to the writer.
func WriteHeader(w io.Writer, h Header) error {
	var buf [HeaderSize]byte
	h.put(buf[:])
	_, err := w.Write(buf[:])
	return err
}

// Message is one request or reply: header, payload and the descriptors
// passed alongside it.
type Message struct {
	Header
	Payload []byte
	FDs     []int
}

// NewMessage builds a request with the version bits set.
func NewMessage(req Request, payload []byte, fds ...int) *Message {
	return &Message{
		Header: Header{
			Request: req,
			Flags:   Version,
			Size:    uint32(len(payload)),
		},
		Payload: payload,
		FDs:     fds,
	}
}

// IsReply reports whether the reply flag is set.
func (m *Message) IsReply() bool { return m.Flags&FlagReply != 0 }

// NeedsReply reports whether the sender asked for an acknowledgement.
func (m *Message) NeedsReply() bool { return m.Flags&FlagNeedReply != 0 }

// Encoder writes little-endian payloads.
type Encoder struct {
	buf []byte
}

// NewEncoder creates a new encoder.
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 64)}
}

// Bytes returns the encoded bytes.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Uint32 appends a uint32.
func (e *Encoder) Uint32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

// Uint64 appends a uint64.
func (e *Encoder) Uint64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

// Raw appends b unmodified.
func (e *Encoder) Raw(b []byte) {
	e.buf = append(e.buf, b...)
}

// Decoder reads little-endian payloads.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder creates a new decoder for the given bytes.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

// Uint32 reads a uint32.
func (d *Decoder) Uint32() (uint32, error) {
	if d.pos+4 > len(d.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

// Uint64 reads a uint64.
func (d *Decoder) Uint64() (uint64, error) {
	if d.pos+8 > len(d.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

// Raw reads n bytes.
func (d *Decoder) Raw(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	b := make([]byte, n)
	copy(b, d.buf[d.pos:d.pos+n])
	d.pos += n
	return b, nil
}
