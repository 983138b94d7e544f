// Package vutest provides an in-process vhost-user backend for tests.
package vutest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vufront/internal/vhostuser"
)

// Vring is the backend's view of one queue.
type Vring struct {
	Num     uint32
	Base    uint32
	Addr    vhostuser.VringAddr
	KickFD  int
	CallFD  int
	// Enabled reports whether the ring is running. GET_VRING_BASE stops
	// it.
	Enabled bool
}

// Backend answers frontend requests the way a compliant device backend
// does. Exported fields must be set before Serve.
type Backend struct {
	Features         uint64
	ProtocolFeatures uint64
	QueueNum         uint64
	MaxMemSlots      uint64
	Config           []byte

	// Reject makes the backend answer NEED_REPLY requests of the given
	// kind with a non-zero status.
	Reject map[vhostuser.Request]uint64

	// Hook sees every request first. Returning handled=true skips the
	// default handling; a nil reply then means no reply at all.
	Hook func(m *vhostuser.Message) (reply *vhostuser.Message, handled bool)

	mu            sync.Mutex
	acked         uint64
	protocolAcked uint64
	owner         bool
	regions       []vhostuser.MemoryRegion
	vrings        map[uint32]*Vring
	log           *vhostuser.Log
	requests      []vhostuser.Request

	conn *vhostuser.Conn
	done chan struct{}
	err  error
}

// Pipe returns a frontend-side connection whose peer is served by b.
func (b *Backend) Pipe() (*vhostuser.Conn, error) {
	front, back, err := vhostuser.Pipe()
	if err != nil {
		return nil, err
	}
	b.Serve(back)
	return front, nil
}

// Listen accepts one connection on path and serves it.
func (b *Backend) Listen(path string) (net.Listener, error) {
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		b.Serve(vhostuser.NewConn(c.(*net.UnixConn)))
	}()
	return l, nil
}

// Serve starts answering requests on conn in a new goroutine.
func (b *Backend) Serve(conn *vhostuser.Conn) {
	b.mu.Lock()
	b.conn = conn
	b.done = make(chan struct{})
	if b.vrings == nil {
		b.vrings = make(map[uint32]*Vring)
	}
	b.mu.Unlock()

	go func() {
		defer close(b.done)
		err := b.loop(conn)
		b.mu.Lock()
		b.err = err
		b.mu.Unlock()
	}()
}

// Close stops serving and releases every descriptor the backend holds.
func (b *Backend) Close() error {
	b.mu.Lock()
	conn, done := b.conn, b.done
	b.mu.Unlock()
	if conn == nil {
		return nil
	}
	conn.Close()
	<-done

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, vr := range b.vrings {
		closeFD(&vr.KickFD)
		closeFD(&vr.CallFD)
	}
	if b.err != nil && !errors.Is(b.err, io.EOF) && !errors.Is(b.err, net.ErrClosed) {
		return b.err
	}
	return nil
}

func (b *Backend) loop(conn *vhostuser.Conn) error {
	for {
		m, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		reply, send := b.handle(m)
		if !send {
			continue
		}
		if err := conn.WriteMessage(reply); err != nil {
			return err
		}
	}
}

func (b *Backend) handle(m *vhostuser.Message) (*vhostuser.Message, bool) {
	b.mu.Lock()
	b.requests = append(b.requests, m.Request)
	b.mu.Unlock()

	if b.Hook != nil {
		if reply, handled := b.Hook(m); handled {
			closeFDs(m.FDs)
			return reply, reply != nil
		}
	}

	reply, send := b.respond(m)
	if send {
		reply.Flags = vhostuser.Version | vhostuser.FlagReply
	}
	return reply, send
}

func (b *Backend) respond(m *vhostuser.Message) (*vhostuser.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var status uint64
	u64 := func(v uint64) (*vhostuser.Message, bool) {
		return vhostuser.NewMessage(m.Request, vhostuser.EncodeU64(v)), true
	}

	switch m.Request {
	case vhostuser.ReqGetFeatures:
		return u64(b.Features)
	case vhostuser.ReqGetProtocolFeatures:
		return u64(b.ProtocolFeatures)
	case vhostuser.ReqGetQueueNum:
		return u64(b.QueueNum)
	case vhostuser.ReqGetMaxMemSlots:
		return u64(b.MaxMemSlots)
	case vhostuser.ReqSetFeatures:
		b.acked, _ = vhostuser.DecodeU64(m.Payload)
	case vhostuser.ReqSetProtocolFeatures:
		b.protocolAcked, _ = vhostuser.DecodeU64(m.Payload)
	case vhostuser.ReqSetOwner:
		b.owner = true
	case vhostuser.ReqResetOwner:
		b.acked = 0
		for _, vr := range b.vrings {
			vr.Enabled = false
		}
	case vhostuser.ReqSetMemTable:
		regions, err := vhostuser.DecodeMemTable(m.Payload)
		if err != nil || len(regions) != len(m.FDs) {
			status = 1
			break
		}
		b.regions = regions
	case vhostuser.ReqAddMemReg:
		r, err := vhostuser.DecodeSingleRegion(m.Payload)
		if err != nil || len(m.FDs) != 1 {
			status = 1
			break
		}
		b.regions = append(b.regions, r)
	case vhostuser.ReqRemMemReg:
		r, err := vhostuser.DecodeSingleRegion(m.Payload)
		i := slices.IndexFunc(b.regions, func(x vhostuser.MemoryRegion) bool {
			return x.GuestAddr == r.GuestAddr && x.Size == r.Size
		})
		if err != nil || i < 0 {
			status = 1
			break
		}
		b.regions = slices.Delete(b.regions, i, i+1)
	case vhostuser.ReqSetVringNum:
		st, _ := vhostuser.DecodeVringState(m.Payload)
		b.vring(st.Index).Num = st.Num
	case vhostuser.ReqSetVringBase:
		st, _ := vhostuser.DecodeVringState(m.Payload)
		b.vring(st.Index).Base = st.Num
	case vhostuser.ReqGetVringBase:
		st, _ := vhostuser.DecodeVringState(m.Payload)
		vr := b.vring(st.Index)
		vr.Enabled = false
		return vhostuser.NewMessage(m.Request, vhostuser.VringState{Index: st.Index, Num: vr.Base}.Encode()), true
	case vhostuser.ReqSetVringAddr:
		a, _ := vhostuser.DecodeVringAddr(m.Payload)
		b.vring(a.Index).Addr = a
	case vhostuser.ReqSetVringKick, vhostuser.ReqSetVringCall:
		v, _ := vhostuser.DecodeU64(m.Payload)
		vr := b.vring(uint32(v & vhostuser.VringIndexMask))
		fd := -1
		if v&vhostuser.VringNoFD == 0 && len(m.FDs) == 1 {
			fd = m.FDs[0]
			m.FDs = nil
		}
		if m.Request == vhostuser.ReqSetVringKick {
			closeFD(&vr.KickFD)
			vr.KickFD = fd
			// Without F_PROTOCOL_FEATURES there is no SET_VRING_ENABLE;
			// the kick descriptor starts the ring.
			if b.Features&vhostuser.Bit(vhostuser.FeatureProtocolFeatures) == 0 {
				vr.Enabled = true
			}
		} else {
			closeFD(&vr.CallFD)
			vr.CallFD = fd
		}
	case vhostuser.ReqSetVringEnable:
		st, _ := vhostuser.DecodeVringState(m.Payload)
		b.vring(st.Index).Enabled = st.Num == 1
	case vhostuser.ReqSetLogBase:
		l, _ := vhostuser.DecodeLog(m.Payload)
		b.log = &l
		if b.protocolAcked&vhostuser.Bit(vhostuser.ProtocolFeatureLogShmFD) != 0 {
			closeFDs(m.FDs)
			return u64(0)
		}
	case vhostuser.ReqGetConfig:
		cfg, err := vhostuser.DecodeConfig(m.Payload)
		if err != nil {
			break
		}
		out := make([]byte, len(cfg.Payload))
		if int(cfg.Offset) < len(b.Config) {
			copy(out, b.Config[cfg.Offset:])
		}
		cfg.Payload = out
		return vhostuser.NewMessage(m.Request, cfg.Encode()), true
	case vhostuser.ReqSetConfig:
		cfg, err := vhostuser.DecodeConfig(m.Payload)
		if err != nil {
			status = 1
			break
		}
		if end := int(cfg.Offset) + len(cfg.Payload); end > len(b.Config) {
			b.Config = append(b.Config, make([]byte, end-len(b.Config))...)
		}
		copy(b.Config[cfg.Offset:], cfg.Payload)
	default:
		status = 1
	}
	closeFDs(m.FDs)

	if s, ok := b.Reject[m.Request]; ok {
		status = s
	}
	if !m.NeedsReply() {
		return nil, false
	}
	return u64(status)
}

func (b *Backend) vring(index uint32) *Vring {
	vr, ok := b.vrings[index]
	if !ok {
		vr = &Vring{KickFD: -1, CallFD: -1}
		b.vrings[index] = vr
	}
	return vr
}

// Acked returns the device features set by the frontend.
func (b *Backend) Acked() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked
}

// ProtocolAcked returns the protocol features set by the frontend.
func (b *Backend) ProtocolAcked() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.protocolAcked
}

// Owned reports whether SET_OWNER was received.
func (b *Backend) Owned() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.owner
}

// Regions returns the current memory table.
func (b *Backend) Regions() []vhostuser.MemoryRegion {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.regions)
}

// Vring returns a copy of queue index's state.
func (b *Backend) Vring(index uint32) Vring {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.vrings == nil {
		return Vring{KickFD: -1, CallFD: -1}
	}
	return *b.vring(index)
}

// SetBase simulates the backend having consumed up to avail index n.
func (b *Backend) SetBase(index, n uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.vring(index).Base = n
}

// LogBase returns the last SET_LOG_BASE payload.
func (b *Backend) LogBase() *vhostuser.Log {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.log
}

// Requests returns every request kind received, in order.
func (b *Backend) Requests() []vhostuser.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.requests)
}

// Call signals queue index's call descriptor as a device completion would.
func (b *Backend) Call(index uint32) error {
	b.mu.Lock()
	fd := b.vring(index).CallFD
	b.mu.Unlock()
	if fd < 0 {
		return errors.New("no call descriptor")
	}
	return signal(fd)
}

// WaitKick waits up to timeout for queue index's kick descriptor to be
// signalled and returns the accumulated count.
func (b *Backend) WaitKick(index uint32, timeout time.Duration) (uint64, error) {
	b.mu.Lock()
	fd := b.vring(index).KickFD
	b.mu.Unlock()
	if fd < 0 {
		return 0, errors.New("no kick descriptor")
	}

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, int(timeout.Milliseconds()))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, fmt.Errorf("queue %d: no kick within %s", index, timeout)
		}
		break
	}

	var buf [8]byte
	if _, err := unix.Read(fd, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func signal(fd int) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(fd, buf[:])
	return err
}

func closeFD(fd *int) {
	if *fd >= 0 {
		unix.Close(*fd)
		*fd = -1
	}
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
