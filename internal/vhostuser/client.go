package vhostuser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/vufront/internal/vuerr"
)

// Options configures a Client.
type Options struct {
	Logger *slog.Logger
}

// Client drives the frontend side of one vhost-user channel. At most one
// request is outstanding at a time and every request observes exactly one
// reply before the next is sent.
type Client struct {
	conn   *Conn
	log    *slog.Logger
	mu     sync.Mutex
	closed atomic.Bool

	// guarded by mu
	broken           error
	protocolFeatures uint64
}

// Dial connects to a backend listening on path.
func Dial(ctx context.Context, path string, opts Options) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, vuerr.Transport("connect "+path, err)
	}
	return NewClient(NewConn(nc.(*net.UnixConn)), opts), nil
}

// NewClient wraps an already connected channel.
func NewClient(conn *Conn, opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		conn: conn,
		log:  log.With("component", "vhost-user"),
	}
}

// Close shuts the channel. An exchange blocked on the socket fails with a
// transport error.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

// ProtocolFeatures returns the protocol features acknowledged so far.
func (c *Client) ProtocolFeatures() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocolFeatures
}

func (c *Client) hasProtocolFeature(bit int) bool {
	return c.protocolFeatures&Bit(bit) != 0
}

// Exchange sends req and returns its reply. Requests without a natural
// reply are acknowledged through REPLY_ACK when negotiated and through a
// GET_FEATURES barrier otherwise; the acknowledging message is returned.
// Protocol and transport failures poison the client.
func (c *Client) Exchange(ctx context.Context, req *Message) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	op := req.Request.String()
	if c.closed.Load() {
		return nil, vuerr.Transport(op, vuerr.ErrClosed)
	}
	if c.broken != nil {
		return nil, vuerr.Transport(op, fmt.Errorf("channel unusable after earlier failure: %w", c.broken))
	}

	reply, err := c.exchangeLocked(ctx, req)
	if err != nil {
		if vuerr.IsFatal(err) {
			c.broken = err
		}
		return nil, err
	}
	return reply, nil
}

func (c *Client) exchangeLocked(ctx context.Context, req *Message) (*Message, error) {
	op := req.Request.String()

	size, natural := c.replySize(req)
	ack := !natural && c.hasProtocolFeature(ProtocolFeatureReplyAck)
	req.Flags = Version
	if ack {
		req.Flags |= FlagNeedReply
	}

	disarm, err := c.arm(ctx)
	if err != nil {
		return nil, vuerr.Transport(op, err)
	}
	defer disarm()

	c.log.Debug("vhost-user send", "request", op, "size", len(req.Payload), "fds", len(req.FDs))
	if err := c.conn.WriteMessage(req); err != nil {
		return nil, vuerr.Transport(op, c.cause(ctx, err))
	}

	switch {
	case natural:
		return c.readReply(ctx, req.Request, size)
	case ack:
		reply, err := c.readReply(ctx, req.Request, 8)
		if err != nil {
			return nil, err
		}
		status, _ := DecodeU64(reply.Payload)
		if status != 0 {
			return nil, vuerr.Protocol(op, "backend rejected request (status %d)", status)
		}
		return reply, nil
	default:
		barrier := NewMessage(ReqGetFeatures, nil)
		if err := c.conn.WriteMessage(barrier); err != nil {
			return nil, vuerr.Transport(op, c.cause(ctx, err))
		}
		return c.readReply(ctx, ReqGetFeatures, 8)
	}
}

// replySize returns the payload size of req's natural reply.
func (c *Client) replySize(req *Message) (int, bool) {
	switch req.Request {
	case ReqGetFeatures, ReqGetProtocolFeatures, ReqGetQueueNum, ReqGetMaxMemSlots, ReqGetStatus:
		return 8, true
	case ReqGetVringBase:
		return vringStateSize, true
	case ReqGetConfig:
		return len(req.Payload), true
	case ReqSetLogBase:
		if c.hasProtocolFeature(ProtocolFeatureLogShmFD) {
			return 8, true
		}
	}
	return 0, false
}

func (c *Client) readReply(ctx context.Context, want Request, size int) (*Message, error) {
	m, err := c.conn.ReadMessage()
	if err != nil {
		return nil, vuerr.Transport(want.String(), c.cause(ctx, err))
	}
	closeFDs(m.FDs)
	m.FDs = nil

	c.log.Debug("vhost-user recv", "request", m.Request, "flags", m.Flags, "size", m.Size)

	switch {
	case m.Request != want:
		return nil, vuerr.Protocol(want.String(), "out of sequence reply %s", m.Request)
	case m.Flags&FlagVersionMask != Version:
		return nil, vuerr.Protocol(want.String(), "unsupported version %d", m.Flags&FlagVersionMask)
	case !m.IsReply():
		return nil, vuerr.Protocol(want.String(), "reply flag not set (flags %#x)", m.Flags)
	case int(m.Size) != size:
		return nil, vuerr.Protocol(want.String(), "reply payload %d bytes, want %d", m.Size, size)
	}
	return m, nil
}

// arm applies ctx's deadline to the socket and aborts blocked I/O when ctx
// is cancelled.
func (c *Client) arm(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dl, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(dl); err != nil {
		return nil, err
	}

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		c.conn.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		if !stop() {
			<-fired
		}
	}, nil
}

// cause attributes a socket failure to ctx when ctx ended it.
func (c *Client) cause(ctx context.Context, err error) error {
	cerr := ctx.Err()
	if cerr == nil && errors.Is(err, os.ErrDeadlineExceeded) {
		if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
			cerr = context.DeadlineExceeded
		}
	}
	if cerr != nil && !errors.Is(err, cerr) {
		return fmt.Errorf("%w: %w", cerr, err)
	}
	return err
}

func (c *Client) getU64(ctx context.Context, req Request) (uint64, error) {
	reply, err := c.Exchange(ctx, NewMessage(req, nil))
	if err != nil {
		return 0, err
	}
	return DecodeU64(reply.Payload)
}

func (c *Client) send(ctx context.Context, req Request, payload []byte, fds ...int) error {
	_, err := c.Exchange(ctx, NewMessage(req, payload, fds...))
	return err
}

// GetFeatures returns the device features the backend offers.
func (c *Client) GetFeatures(ctx context.Context) (uint64, error) {
	return c.getU64(ctx, ReqGetFeatures)
}

// SetFeatures acknowledges mask as the negotiated device features.
func (c *Client) SetFeatures(ctx context.Context, mask uint64) error {
	return c.send(ctx, ReqSetFeatures, EncodeU64(mask))
}

// GetProtocolFeatures returns the protocol features the backend offers.
func (c *Client) GetProtocolFeatures(ctx context.Context) (uint64, error) {
	return c.getU64(ctx, ReqGetProtocolFeatures)
}

// SetProtocolFeatures enables mask. Later exchanges follow the new set, so
// negotiating REPLY_ACK switches acknowledgements to NEED_REPLY.
func (c *Client) SetProtocolFeatures(ctx context.Context, mask uint64) error {
	if err := c.send(ctx, ReqSetProtocolFeatures, EncodeU64(mask)); err != nil {
		return err
	}
	c.mu.Lock()
	c.protocolFeatures = mask
	c.mu.Unlock()
	return nil
}

// GetQueueNum returns the number of queues the backend supports.
func (c *Client) GetQueueNum(ctx context.Context) (uint64, error) {
	return c.getU64(ctx, ReqGetQueueNum)
}

// GetMaxMemSlots returns the backend's memory slot limit.
func (c *Client) GetMaxMemSlots(ctx context.Context) (uint64, error) {
	return c.getU64(ctx, ReqGetMaxMemSlots)
}

// SetOwner claims the backend for this frontend.
func (c *Client) SetOwner(ctx context.Context) error {
	return c.send(ctx, ReqSetOwner, nil)
}

// ResetOwner releases the backend's device state.
func (c *Client) ResetOwner(ctx context.Context) error {
	return c.send(ctx, ReqResetOwner, nil)
}

// SetMemTable replaces the backend's memory table. fds[i] backs regions[i].
func (c *Client) SetMemTable(ctx context.Context, regions []MemoryRegion, fds []int) error {
	if len(regions) != len(fds) {
		return vuerr.Configuration("SET_MEM_TABLE", "%d regions with %d descriptors", len(regions), len(fds))
	}
	if len(regions) > MaxMemoryRegions {
		return vuerr.Configuration("SET_MEM_TABLE", "%d regions exceed the limit of %d", len(regions), MaxMemoryRegions)
	}
	return c.send(ctx, ReqSetMemTable, EncodeMemTable(regions), fds...)
}

// AddMemReg registers one region incrementally.
func (c *Client) AddMemReg(ctx context.Context, region MemoryRegion, fd int) error {
	return c.send(ctx, ReqAddMemReg, EncodeSingleRegion(region), fd)
}

// RemMemReg unregisters one region.
func (c *Client) RemMemReg(ctx context.Context, region MemoryRegion) error {
	return c.send(ctx, ReqRemMemReg, EncodeSingleRegion(region))
}

// SetVringNum sets the size of queue index.
func (c *Client) SetVringNum(ctx context.Context, index, num uint32) error {
	return c.send(ctx, ReqSetVringNum, VringState{Index: index, Num: num}.Encode())
}

// SetVringAddr sets the ring addresses of a queue.
func (c *Client) SetVringAddr(ctx context.Context, addr VringAddr) error {
	return c.send(ctx, ReqSetVringAddr, addr.Encode())
}

// SetVringBase sets the next available index the backend will process.
func (c *Client) SetVringBase(ctx context.Context, index, base uint32) error {
	return c.send(ctx, ReqSetVringBase, VringState{Index: index, Num: base}.Encode())
}

// GetVringBase stops queue index and returns its last available index.
func (c *Client) GetVringBase(ctx context.Context, index uint32) (uint32, error) {
	reply, err := c.Exchange(ctx, NewMessage(ReqGetVringBase, VringState{Index: index}.Encode()))
	if err != nil {
		return 0, err
	}
	st, err := DecodeVringState(reply.Payload)
	if err != nil {
		return 0, vuerr.Protocol("GET_VRING_BASE", "%v", err)
	}
	if st.Index != index {
		return 0, vuerr.Protocol("GET_VRING_BASE", "reply for queue %d, asked for %d", st.Index, index)
	}
	return st.Num, nil
}

// SetVringKick passes the descriptor the backend waits on for queue index.
// A negative fd tells the backend to poll.
func (c *Client) SetVringKick(ctx context.Context, index uint32, fd int) error {
	return c.send(ctx, ReqSetVringKick, VringFDPayload(index, fd), fdList(fd)...)
}

// SetVringCall passes the descriptor the backend signals on completion.
func (c *Client) SetVringCall(ctx context.Context, index uint32, fd int) error {
	return c.send(ctx, ReqSetVringCall, VringFDPayload(index, fd), fdList(fd)...)
}

// SetVringEnable enables or disables queue index.
func (c *Client) SetVringEnable(ctx context.Context, index uint32, enable bool) error {
	var num uint32
	if enable {
		num = 1
	}
	return c.send(ctx, ReqSetVringEnable, VringState{Index: index, Num: num}.Encode())
}

// SetLogBase shares the dirty log region.
func (c *Client) SetLogBase(ctx context.Context, log Log, fd int) error {
	return c.send(ctx, ReqSetLogBase, log.Encode(), fd)
}

// GetConfig reads size bytes of device config space at offset.
func (c *Client) GetConfig(ctx context.Context, offset, size, flags uint32) ([]byte, error) {
	if size == 0 || size > MaxConfigSize {
		return nil, vuerr.Configuration("GET_CONFIG", "size %d out of range (1..%d)", size, MaxConfigSize)
	}
	req := Config{Offset: offset, Flags: flags, Payload: make([]byte, size)}
	reply, err := c.Exchange(ctx, NewMessage(ReqGetConfig, req.Encode()))
	if err != nil {
		return nil, err
	}
	cfg, err := DecodeConfig(reply.Payload)
	if err != nil {
		return nil, vuerr.Protocol("GET_CONFIG", "%v", err)
	}
	if cfg.Offset != offset {
		return nil, vuerr.Protocol("GET_CONFIG", "reply for offset %d, asked for %d", cfg.Offset, offset)
	}
	return cfg.Payload, nil
}

// SetConfig writes data to device config space at offset.
func (c *Client) SetConfig(ctx context.Context, offset, flags uint32, data []byte) error {
	if len(data) == 0 || len(data) > MaxConfigSize {
		return vuerr.Configuration("SET_CONFIG", "size %d out of range (1..%d)", len(data), MaxConfigSize)
	}
	return c.send(ctx, ReqSetConfig, Config{Offset: offset, Flags: flags, Payload: data}.Encode())
}

func fdList(fd int) []int {
	if fd < 0 {
		return nil
	}
	return []int{fd}
}
