//go:build linux

// Package frontend drives vhost-user backends on behalf of a guest. A
// Session owns one backend connection together with the memory and queue
// state negotiated over it; a Frontend groups sessions into guests and
// devices.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/eventfd"

	"github.com/tinyrange/vufront/internal/eventloop"
	"github.com/tinyrange/vufront/internal/hv"
	"github.com/tinyrange/vufront/internal/memory"
	"github.com/tinyrange/vufront/internal/vhostuser"
	"github.com/tinyrange/vufront/internal/virtqueue"
	"github.com/tinyrange/vufront/internal/vuerr"
)

// DefaultHandshakeTimeout bounds the exchanges made while connecting.
const DefaultHandshakeTimeout = 5 * time.Second

// DeviceModel is the device emulation above the session.
type DeviceModel interface {
	// QueueNotify sees every guest kick on queue. The kick reaches the
	// backend only when it returns true.
	QueueNotify(queue uint32) bool
	// QueueCompleted sees every backend call on queue before the guest
	// interrupt is raised.
	QueueCompleted(queue uint32)
}

// PassThrough forwards every kick and observes nothing.
type PassThrough struct{}

func (PassThrough) QueueNotify(uint32) bool { return true }
func (PassThrough) QueueCompleted(uint32)   {}

type Options struct {
	Logger *slog.Logger

	// HandshakeTimeout bounds the connect handshake. Zero means
	// DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// ProtocolFeatures limits the protocol features requested from the
	// backend. Zero means vhostuser.SupportedProtocolFeatures.
	ProtocolFeatures uint64

	// NumQueues is the number of queues to manage. Zero takes the
	// backend's GET_QUEUE_NUM when MQ is negotiated and one otherwise.
	NumQueues int

	// MaxQueueSize is the device's queue size limit. Zero means
	// virtqueue.MaxSize.
	MaxQueueSize uint32

	// DirectInterrupts leaves call descriptors to the hypervisor (irqfd)
	// instead of watching them in the event loop.
	DirectInterrupts bool

	Model DeviceModel
}

// Session is one negotiated vhost-user connection.
type Session struct {
	log        *slog.Logger
	client     *vhostuser.Client
	bridge     hv.Bridge
	model      DeviceModel
	loop       *eventloop.Loop
	watchCalls bool

	// op serializes whole operations: plan, exchange, commit.
	op sync.Mutex

	// mu guards everything below. It is never held across an exchange.
	mu       sync.Mutex
	closed   bool
	cause    error
	done     chan struct{}
	offered  uint64
	features uint64
	protocol uint64
	mapper   *memory.Mapper
	queues   *virtqueue.Manager
}

// Connect dials the backend at path and runs the handshake.
func Connect(ctx context.Context, path string, bridge hv.Bridge, opts Options) (*Session, error) {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout(opts))
	defer cancel()

	client, err := vhostuser.Dial(hctx, path, vhostuser.Options{Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	return NewSession(ctx, client, bridge, opts)
}

func handshakeTimeout(opts Options) time.Duration {
	if opts.HandshakeTimeout > 0 {
		return opts.HandshakeTimeout
	}
	return DefaultHandshakeTimeout
}

// NewSession runs the handshake over an established client. The session
// owns client from here on, also when the handshake fails.
func NewSession(ctx context.Context, client *vhostuser.Client, bridge hv.Bridge, opts Options) (*Session, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	model := opts.Model
	if model == nil {
		model = PassThrough{}
	}
	s := &Session{
		log:        log.With("component", "session"),
		client:     client,
		bridge:     bridge,
		model:      model,
		watchCalls: !opts.DirectInterrupts,
		done:       make(chan struct{}),
		mapper:     memory.New(bridge),
	}

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout(opts))
	defer cancel()
	num, err := s.handshake(hctx, opts)
	if err != nil {
		client.Close()
		return nil, err
	}

	maxSize := opts.MaxQueueSize
	if maxSize == 0 {
		maxSize = virtqueue.MaxSize
	}
	s.queues = virtqueue.NewManager(num, maxSize)

	s.loop, err = eventloop.New(s, s.watches, eventloop.Options{Logger: log})
	if err != nil {
		client.Close()
		return nil, err
	}

	s.log.Info("session established",
		"features", vhostuser.FeatureString(s.offered),
		"protocol", vhostuser.ProtocolFeatureString(s.protocol),
		"queues", num,
		"slots", s.mapper.Limit())
	return s, nil
}

func (s *Session) handshake(ctx context.Context, opts Options) (int, error) {
	offered, err := s.client.GetFeatures(ctx)
	if err != nil {
		return 0, err
	}
	s.offered = offered

	if offered&vhostuser.Bit(vhostuser.FeatureProtocolFeatures) != 0 {
		available, err := s.client.GetProtocolFeatures(ctx)
		if err != nil {
			return 0, err
		}
		want := opts.ProtocolFeatures
		if want == 0 {
			want = vhostuser.SupportedProtocolFeatures
		}
		if err := s.client.SetProtocolFeatures(ctx, available&want); err != nil {
			return 0, err
		}
		s.protocol = available & want
	}

	if err := s.client.SetOwner(ctx); err != nil {
		return 0, err
	}

	num := opts.NumQueues
	if s.hasProtocol(vhostuser.ProtocolFeatureMQ) {
		limit, err := s.client.GetQueueNum(ctx)
		if err != nil {
			return 0, err
		}
		if num == 0 {
			num = int(limit)
		} else if uint64(num) > limit {
			return 0, vuerr.Configuration("handshake", "%d queues requested, backend supports %d", num, limit)
		}
	}
	if num <= 0 {
		num = 1
	}

	if s.hasProtocol(vhostuser.ProtocolFeatureConfigureMemSlots) {
		slots, err := s.client.GetMaxMemSlots(ctx)
		if err != nil {
			return 0, err
		}
		s.mapper.SetLimit(int(slots))
	}
	return num, nil
}

func (s *Session) hasProtocol(bit int) bool {
	return s.protocol&vhostuser.Bit(bit) != 0
}

// begin takes the operation lock and fails when the session is gone.
func (s *Session) begin(op string) (func(), error) {
	s.op.Lock()
	s.mu.Lock()
	closed, cause := s.closed, s.cause
	s.mu.Unlock()
	if closed {
		s.op.Unlock()
		err := vuerr.ErrClosed
		if cause != nil {
			err = fmt.Errorf("%w: %w", vuerr.ErrClosed, cause)
		}
		return nil, &vuerr.Error{Kind: vuerr.ErrTransport, Op: op, Err: err}
	}
	return s.op.Unlock, nil
}

// check tears the session down when err is fatal and returns err.
func (s *Session) check(err error) error {
	if err != nil && vuerr.IsFatal(err) {
		s.log.Error("fatal session error", "error", err)
		s.teardown(err)
	}
	return err
}

// Features returns the offered and the negotiated device features.
func (s *Session) Features() (offered, negotiated uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offered, s.features
}

// ProtocolFeatures returns the negotiated protocol features.
func (s *Session) ProtocolFeatures() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocol
}

// NumQueues returns the number of managed queues.
func (s *Session) NumQueues() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queues.Len()
}

// SetFeatures negotiates mask, which must be a subset of the offered
// features.
func (s *Session) SetFeatures(ctx context.Context, mask uint64) error {
	const op = "set features"
	end, err := s.begin(op)
	if err != nil {
		return err
	}
	defer end()

	s.mu.Lock()
	offered := s.offered
	s.mu.Unlock()
	if extra := mask &^ offered; extra != 0 {
		return vuerr.Configuration(op, "features %#x not offered (offered %#x)", extra, offered)
	}

	if err := s.client.SetFeatures(ctx, mask); err != nil {
		return s.check(err)
	}
	s.mu.Lock()
	s.features = mask
	s.mu.Unlock()
	s.log.Debug("features negotiated", "features", vhostuser.FeatureString(mask))
	return nil
}

func userRegion(r memory.Region) vhostuser.MemoryRegion {
	return vhostuser.MemoryRegion{
		GuestAddr:  r.GuestBase,
		Size:       r.Size,
		UserAddr:   uint64(r.HostBase),
		MmapOffset: r.Offset,
	}
}

// table builds a SET_MEM_TABLE payload from regions.
func table(regions []memory.Region) ([]vhostuser.MemoryRegion, []int) {
	out := make([]vhostuser.MemoryRegion, 0, len(regions))
	fds := make([]int, 0, len(regions))
	for _, r := range regions {
		out = append(out, userRegion(r))
		fds = append(fds, r.FD)
	}
	return out, fds
}

// AddRegion shares [guestBase, guestBase+length) of guest memory, backed by
// fd at offset, with the backend. The session keeps its own duplicate of
// fd.
func (s *Session) AddRegion(ctx context.Context, guestBase, length uint64, fd int, offset uint64) (memory.Handle, error) {
	const op = "add region"
	end, err := s.begin(op)
	if err != nil {
		return 0, err
	}
	defer end()

	s.mu.Lock()
	err = s.mapper.Validate(guestBase, length)
	initial := s.mapper.Len() == 0
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	r, err := s.mapper.Map(guestBase, length, fd, offset)
	if err != nil {
		if initial {
			s.log.Error("initial memory setup failed", "error", err)
			s.teardown(err)
		}
		return 0, err
	}

	if s.hasProtocol(vhostuser.ProtocolFeatureConfigureMemSlots) {
		err = s.client.AddMemReg(ctx, userRegion(*r), r.FD)
	} else {
		s.mu.Lock()
		regions := append(s.mapper.Regions(), *r)
		s.mu.Unlock()
		regs, fds := table(regions)
		err = s.client.SetMemTable(ctx, regs, fds)
	}
	if err != nil {
		if derr := s.mapper.Discard(r); derr != nil {
			s.log.Warn("discard region", "region", r, "error", derr)
		}
		return 0, s.check(err)
	}

	s.mu.Lock()
	h, err := s.mapper.Commit(r)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	s.log.Debug("region added", "handle", h, "guest", fmt.Sprintf("%#x", guestBase), "length", length)
	return h, nil
}

// RemoveRegion unshares a region. A region that backs an enabled queue
// cannot be removed.
func (s *Session) RemoveRegion(ctx context.Context, h memory.Handle) error {
	const op = "remove region"
	end, err := s.begin(op)
	if err != nil {
		return err
	}
	defer end()

	s.mu.Lock()
	r, err := s.mapper.CheckRemove(h)
	var region memory.Region
	var rest []memory.Region
	if err == nil {
		region = *r
		for _, other := range s.mapper.Regions() {
			if other.Handle != h {
				rest = append(rest, other)
			}
		}
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if s.hasProtocol(vhostuser.ProtocolFeatureConfigureMemSlots) {
		err = s.client.RemMemReg(ctx, userRegion(region))
	} else {
		regs, fds := table(rest)
		err = s.client.SetMemTable(ctx, regs, fds)
	}
	if err != nil {
		return s.check(err)
	}

	s.mu.Lock()
	err = s.mapper.Remove(h)
	s.mu.Unlock()
	return err
}

// Translate returns the host address of guest address addr.
func (s *Session) Translate(addr uint64) (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, vuerr.Transport("translate", vuerr.ErrClosed)
	}
	return s.mapper.Translate(addr)
}

// Regions returns the committed regions in guest address order.
func (s *Session) Regions() []memory.Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mapper.Regions()
}

// Queue returns a snapshot of queue index.
func (s *Session) Queue(index uint32) (virtqueue.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queues.Get(index)
}

// ConfigureQueue sets the size of queue index.
func (s *Session) ConfigureQueue(ctx context.Context, index, size uint32) error {
	end, err := s.begin("configure queue")
	if err != nil {
		return err
	}
	defer end()

	s.mu.Lock()
	commit, err := s.queues.PlanConfigure(index, size)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if err := s.client.SetVringNum(ctx, index, size); err != nil {
		return s.check(err)
	}
	s.mu.Lock()
	commit()
	s.mu.Unlock()
	return nil
}

// SetQueueAddresses places the rings of queue index. Every ring must lie
// in a registered region.
func (s *Session) SetQueueAddresses(ctx context.Context, index uint32, desc, avail, used uint64) error {
	end, err := s.begin("set queue addresses")
	if err != nil {
		return err
	}
	defer end()

	s.mu.Lock()
	a, commit, err := s.queues.PlanAddresses(index, desc, avail, used, s.mapper)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	// The backend translates ring addresses through the user addresses of
	// the memory table.
	addr := vhostuser.VringAddr{
		Index: index,
		Desc:  uint64(a.DescHost),
		Used:  uint64(a.UsedHost),
		Avail: uint64(a.AvailHost),
	}
	if err := s.client.SetVringAddr(ctx, addr); err != nil {
		return s.check(err)
	}
	s.mu.Lock()
	commit()
	s.mu.Unlock()
	return nil
}

func newEventfd() (int, error) {
	ev, err := eventfd.Create()
	if err != nil {
		return -1, err
	}
	return ev.FD(), nil
}

// ownFD duplicates fd, or creates a fresh eventfd when fd is negative.
func ownFD(fd int) (int, error) {
	if fd < 0 {
		return newEventfd()
	}
	return unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
}

// SetQueueSignals sets the kick and call descriptors of queue index. kick is
// signalled by the guest side and call by the backend; a negative value
// makes the session create an eventfd, retrievable through Queue. The
// session keeps duplicates of descriptors passed in.
func (s *Session) SetQueueSignals(ctx context.Context, index uint32, kick, call int) error {
	const op = "set queue signals"
	end, err := s.begin(op)
	if err != nil {
		return err
	}
	defer end()

	sig := virtqueue.Signals{Kick: -1, Call: -1, Relay: -1}
	fail := func(err error) error {
		sig.Close()
		return err
	}
	if sig.Kick, err = ownFD(kick); err != nil {
		return fail(vuerr.Configuration(op, "kick descriptor: %w", err))
	}
	if sig.Call, err = ownFD(call); err != nil {
		return fail(vuerr.Configuration(op, "call descriptor: %w", err))
	}
	if sig.Relay, err = newEventfd(); err != nil {
		return fail(vuerr.Configuration(op, "relay eventfd: %w", err))
	}

	s.mu.Lock()
	commit, err := s.queues.PlanSignals(index, sig)
	s.mu.Unlock()
	if err != nil {
		return fail(err)
	}

	// Without SET_VRING_ENABLE a ring starts on its kick descriptor, which
	// then has to wait for enable.
	if s.ringEnable() {
		if err := s.client.SetVringKick(ctx, index, sig.Relay); err != nil {
			return fail(s.check(err))
		}
	}
	if err := s.client.SetVringCall(ctx, index, sig.Call); err != nil {
		return fail(s.check(err))
	}
	s.mu.Lock()
	commit()
	s.mu.Unlock()
	return nil
}

// SetQueueVector sets the interrupt vector raised for queue index.
func (s *Session) SetQueueVector(index, vector uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queues.SetVector(index, vector)
}

// SetQueueEnabled starts or stops queue index. Stopping records the
// backend's last available index, which is restored when the queue is
// started again.
func (s *Session) SetQueueEnabled(ctx context.Context, index uint32, enable bool) error {
	op := "disable queue"
	if enable {
		op = "enable queue"
	}
	end, err := s.begin(op)
	if err != nil {
		return err
	}
	defer end()

	if enable {
		err = s.enable(ctx, index)
	} else {
		err = s.disable(ctx, index)
	}
	if err != nil {
		return s.check(err)
	}
	if err := s.loop.Refresh(); err != nil {
		s.log.Warn("event loop refresh", "error", err)
	}
	return nil
}

// ringEnable reports whether SET_VRING_ENABLE may be used. Otherwise rings
// run from SET_VRING_KICK until GET_VRING_BASE.
func (s *Session) ringEnable() bool {
	return s.offered&vhostuser.Bit(vhostuser.FeatureProtocolFeatures) != 0
}

func (s *Session) enable(ctx context.Context, index uint32) error {
	s.mu.Lock()
	q, commit, err := s.queues.PlanEnable(index, s.mapper)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if err := s.client.SetVringBase(ctx, index, q.LastAvail); err != nil {
		return err
	}
	if s.ringEnable() {
		err = s.client.SetVringEnable(ctx, index, true)
	} else {
		// GET_VRING_BASE stopped the ring; only a kick descriptor starts it
		// again.
		err = s.client.SetVringKick(ctx, index, q.Signals.Relay)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	err = commit()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.log.Debug("queue enabled", "queue", index, "size", q.Size, "base", q.LastAvail)
	return nil
}

func (s *Session) disable(ctx context.Context, index uint32) error {
	s.mu.Lock()
	commit, err := s.queues.PlanDisable(index, s.mapper)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if s.ringEnable() {
		if err := s.client.SetVringEnable(ctx, index, false); err != nil {
			return err
		}
	}
	base, err := s.client.GetVringBase(ctx, index)
	if err != nil {
		return err
	}

	s.mu.Lock()
	commit(base)
	s.mu.Unlock()
	s.log.Debug("queue disabled", "queue", index, "base", base)
	return nil
}

// QueueBase returns the last available index recorded for queue index.
func (s *Session) QueueBase(index uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queues.BaseIndex(index)
}

// SetLogBase shares the dirty page log, size bytes of fd at offset.
func (s *Session) SetLogBase(ctx context.Context, size, offset uint64, fd int) error {
	const op = "set log base"
	end, err := s.begin(op)
	if err != nil {
		return err
	}
	defer end()

	if !s.hasProtocol(vhostuser.ProtocolFeatureLogShmFD) {
		return vuerr.Configuration(op, "LOG_SHMFD not negotiated")
	}
	if size == 0 {
		return vuerr.Configuration(op, "empty log")
	}
	return s.check(s.client.SetLogBase(ctx, vhostuser.Log{MmapSize: size, MmapOffset: offset}, fd))
}

// GetConfig reads size bytes of device config space at offset.
func (s *Session) GetConfig(ctx context.Context, offset, size uint32) ([]byte, error) {
	const op = "get config"
	end, err := s.begin(op)
	if err != nil {
		return nil, err
	}
	defer end()

	if !s.hasProtocol(vhostuser.ProtocolFeatureConfig) {
		return nil, vuerr.Configuration(op, "CONFIG not negotiated")
	}
	data, err := s.client.GetConfig(ctx, offset, size, vhostuser.ConfigFlagWritable)
	if err != nil {
		return nil, s.check(err)
	}
	return data, nil
}

// SetConfig writes data to device config space at offset.
func (s *Session) SetConfig(ctx context.Context, offset uint32, data []byte) error {
	const op = "set config"
	end, err := s.begin(op)
	if err != nil {
		return err
	}
	defer end()

	if !s.hasProtocol(vhostuser.ProtocolFeatureConfig) {
		return vuerr.Configuration(op, "CONFIG not negotiated")
	}
	return s.check(s.client.SetConfig(ctx, offset, vhostuser.ConfigFlagWritable, data))
}

// Reset stops every enabled queue and resets the backend's device state.
// Negotiated features are cleared; memory, queue sizes, addresses and
// signals are kept so the device can be started again.
func (s *Session) Reset(ctx context.Context) error {
	end, err := s.begin("reset")
	if err != nil {
		return err
	}
	defer end()

	s.mu.Lock()
	enabled := s.queues.Enabled()
	s.mu.Unlock()
	for _, q := range enabled {
		if err := s.disable(ctx, q.Index); err != nil {
			return s.check(err)
		}
	}
	if err := s.loop.Refresh(); err != nil {
		s.log.Warn("event loop refresh", "error", err)
	}

	if err := s.client.ResetOwner(ctx); err != nil {
		return s.check(err)
	}
	if err := s.client.SetOwner(ctx); err != nil {
		return s.check(err)
	}

	s.mu.Lock()
	s.queues.Reset(s.mapper)
	s.features = 0
	s.mu.Unlock()
	s.log.Info("device reset")
	return nil
}

// StartEventLoop starts dispatching kicks and calls.
func (s *Session) StartEventLoop(ctx context.Context) error {
	end, err := s.begin("start event loop")
	if err != nil {
		return err
	}
	defer end()

	s.loop.Start(ctx)
	return s.loop.Refresh()
}

func (s *Session) watches() []eventloop.Watch {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []eventloop.Watch
	for _, q := range s.queues.Enabled() {
		w := eventloop.Watch{Queue: q.Index, Kick: q.Signals.Kick, Call: -1}
		if s.watchCalls {
			w.Call = q.Signals.Call
		}
		out = append(out, w)
	}
	return out
}

// enabledQueue returns queue index when it is enabled.
func (s *Session) enabledQueue(index uint32) (virtqueue.Queue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.queues.Get(index)
	if err != nil || q.State != virtqueue.StateEnabled {
		return q, false
	}
	return q, true
}

// OnKick implements eventloop.Handler.
func (s *Session) OnKick(index uint32) {
	q, ok := s.enabledQueue(index)
	if !ok {
		return
	}
	if !s.model.QueueNotify(index) {
		return
	}
	if err := eventfd.Wrap(q.Signals.Relay).Notify(); err != nil {
		s.log.Warn("kick backend", "queue", index, "error", err)
	}
}

// OnCall implements eventloop.Handler.
func (s *Session) OnCall(index uint32) {
	q, ok := s.enabledQueue(index)
	if !ok {
		return
	}
	s.model.QueueCompleted(index)
	if err := s.bridge.InjectInterrupt(q.Vector); err != nil {
		s.log.Warn("inject interrupt", "queue", index, "vector", q.Vector,
			"error", vuerr.Hypervisor(s.bridge.Name()+": inject interrupt", err))
	}
}

// Done is closed once the session is torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the fatal error that tore the session down, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Close waits for any operation in flight and tears the session down.
func (s *Session) Close() error {
	s.op.Lock()
	defer s.op.Unlock()
	return s.teardown(nil)
}

// teardown releases everything the session holds. Every step is attempted
// regardless of earlier failures.
func (s *Session) teardown(cause error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cause = cause
	s.mu.Unlock()

	var errs []error
	if err := s.loop.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if err := s.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}

	s.mu.Lock()
	if s.queues != nil {
		s.queues.Teardown(s.mapper)
	}
	if err := s.mapper.UnmapAll(); err != nil {
		errs = append(errs, err)
	}
	s.mu.Unlock()

	close(s.done)
	s.log.Info("session closed", "cause", cause)
	return errors.Join(errs...)
}
