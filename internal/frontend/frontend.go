//go:build linux

package frontend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/vufront/internal/hv"
	"github.com/tinyrange/vufront/internal/mmio"
	"github.com/tinyrange/vufront/internal/vuerr"
)

// GuestSpec describes a guest whose devices are served by backends.
type GuestSpec struct {
	ID int
	// RAMAddr is the offset of guest RAM within ShmemPath.
	RAMAddr uint64
	RAMSize uint64
	// GuestBase is the guest-physical address guest RAM starts at.
	GuestBase uint64
	ShmemPath string
	// SocketDir is prefixed to every backend socket name.
	SocketDir string
}

// DeviceSpec places one virtio-mmio device in a guest.
type DeviceSpec struct {
	Type uint32
	IRQ  uint32
	Addr uint64
}

// GuestConfig is a guest with the devices to start for it.
type GuestConfig struct {
	GuestSpec
	Devices []DeviceSpec
}

type FrontendOptions struct {
	Logger *slog.Logger

	// OpenBridge returns the hypervisor bridge of a guest. It is called
	// once, when the guest's first device is added.
	OpenBridge func(guestID int) (hv.Bridge, error)

	// Session is the template for every device session. NumQueues,
	// MaxQueueSize, DirectInterrupts and Model are set per device.
	Session Options

	// FeatureMask limits the negotiated device features. Zero accepts
	// everything the backend offers.
	FeatureMask uint64

	// UseIRQFD hands call descriptors to bridges implementing
	// hv.IRQFDAttacher.
	UseIRQFD bool

	// Models picks the device model of a device. Nil means PassThrough.
	Models func(DeviceType, DeviceSpec) DeviceModel
}

// Frontend serves the virtio devices of any number of guests.
type Frontend struct {
	log  *slog.Logger
	base *slog.Logger
	opts FrontendOptions

	mu     sync.Mutex
	guests []*guest
	// next socket index per device name
	index map[string]int
}

type guest struct {
	spec    GuestSpec
	bridge  hv.Bridge
	ram     *os.File
	devices []*Device

	stopIO context.CancelFunc
	ioDone chan struct{}
}

// Device is a started virtio device.
type Device struct {
	Type    DeviceType
	Spec    DeviceSpec
	GuestID int
	Socket  string

	mu        sync.Mutex
	session   *Session
	transport *mmio.Transport
	router    hv.KickRouter
	// kick descriptors routed to the notify register, owned by the device
	routed map[uint32]int
}

// New creates a frontend with no guests.
func New(opts FrontendOptions) (*Frontend, error) {
	if opts.OpenBridge == nil {
		return nil, fmt.Errorf("frontend: OpenBridge is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Frontend{
		log:   log.With("component", "frontend"),
		base:  log,
		opts:  opts,
		index: make(map[string]int),
	}, nil
}

func (f *Frontend) findGuest(id int) int {
	return slices.IndexFunc(f.guests, func(g *guest) bool { return g.spec.ID == id })
}

// guestFor returns the guest with spec's ID, creating it when needed.
func (f *Frontend) guestFor(spec GuestSpec) (*guest, error) {
	if i := f.findGuest(spec.ID); i >= 0 {
		return f.guests[i], nil
	}
	if spec.RAMSize == 0 {
		return nil, vuerr.Configuration("add guest", "guest %d has no RAM", spec.ID)
	}

	ram, err := os.OpenFile(spec.ShmemPath, os.O_RDWR, 0)
	if err != nil {
		return nil, vuerr.Configuration("add guest", "guest %d memory: %w", spec.ID, err)
	}
	bridge, err := f.opts.OpenBridge(spec.ID)
	if err != nil {
		ram.Close()
		return nil, vuerr.Hypervisor(fmt.Sprintf("add guest %d", spec.ID), err)
	}

	g := &guest{spec: spec, bridge: bridge, ram: ram}
	if srv, ok := bridge.(hv.IOServer); ok {
		f.serveIO(g, srv)
	}
	f.guests = append(f.guests, g)
	f.log.Info("guest added", "guest", spec.ID, "hypervisor", bridge.Name(), "ram", spec.RAMSize)
	return g, nil
}

// serveIO hands the guest's register accesses to its devices until the
// guest is closed.
func (f *Frontend) serveIO(g *guest, srv hv.IOServer) {
	ctx, cancel := context.WithCancel(context.Background())
	g.stopIO = cancel
	g.ioDone = make(chan struct{})
	id := g.spec.ID
	go func() {
		defer close(g.ioDone)
		err := srv.ServeIO(ctx, func(ctx context.Context, req *hv.IORequest) error {
			return f.HandleIO(ctx, id, req)
		})
		if err != nil {
			f.log.Error("guest I/O stopped", "guest", id, "error", err)
		}
	}()
}

func (g *guest) close() error {
	if g.stopIO != nil {
		g.stopIO()
	}
	err := g.bridge.Close()
	if g.ioDone != nil {
		<-g.ioDone
	}
	return errors.Join(err, g.ram.Close())
}

func (f *Frontend) socketPath(dir, name string) string {
	i := f.index[name]
	f.index[name] = i + 1
	return fmt.Sprintf("%s%s.sock%d", dir, name, i)
}

// AddDevice starts a device of guest, creating the guest on first use. A
// device that fails to start is removed again, together with its guest if
// it was the only device.
func (f *Frontend) AddDevice(ctx context.Context, gs GuestSpec, ds DeviceSpec) (*Device, error) {
	typ, err := LookupDeviceType(ds.Type)
	if err != nil {
		return nil, vuerr.Configuration("add device", "%w", err)
	}

	f.mu.Lock()
	g, err := f.guestFor(gs)
	if err != nil {
		f.mu.Unlock()
		return nil, err
	}
	if slices.ContainsFunc(g.devices, func(d *Device) bool { return d.Spec.Addr == ds.Addr }) {
		f.mu.Unlock()
		return nil, vuerr.Configuration("add device", "guest %d already has a device at %#x", gs.ID, ds.Addr)
	}
	dev := &Device{
		Type:    typ,
		Spec:    ds,
		GuestID: gs.ID,
		Socket:  f.socketPath(g.spec.SocketDir, typ.Name),
		routed:  make(map[uint32]int),
	}
	g.devices = append(g.devices, dev)
	f.mu.Unlock()

	f.log.Info("connecting device backend", "guest", gs.ID, "device", typ.Name, "socket", dev.Socket)
	if err := dev.start(ctx, g, f.opts, f.base); err != nil {
		f.log.Error("device failed to start", "guest", gs.ID, "device", typ.Name, "addr", fmt.Sprintf("%#x", ds.Addr), "error", err)
		if rerr := f.RemoveDevice(gs.ID, ds.Addr); rerr != nil {
			f.log.Warn("remove failed device", "error", rerr)
		}
		return nil, err
	}
	f.log.Info("device added", "guest", gs.ID, "device", typ.Name, "addr", fmt.Sprintf("%#x", ds.Addr))
	return dev, nil
}

// transportModel raises the register block's interrupt status before the
// device model sees a completion.
type transportModel struct {
	DeviceModel
	transport atomic.Pointer[mmio.Transport]
}

func (m *transportModel) QueueCompleted(queue uint32) {
	if t := m.transport.Load(); t != nil {
		t.QueueCompleted(queue)
	}
	m.DeviceModel.QueueCompleted(queue)
}

// start connects the backend and prepares every queue; the guest driver
// sizes, places and starts them through the register block. log carries no
// component.
func (d *Device) start(ctx context.Context, g *guest, opts FrontendOptions, log *slog.Logger) error {
	log = log.With("guest", d.GuestID, "device", d.Type.Name, "addr", fmt.Sprintf("%#x", d.Spec.Addr))
	sopts := opts.Session
	sopts.Logger = log
	sopts.NumQueues = d.Type.NumQueues
	sopts.MaxQueueSize = d.Type.QueueSize
	attacher, direct := g.bridge.(hv.IRQFDAttacher)
	direct = direct && opts.UseIRQFD
	sopts.DirectInterrupts = direct
	model := &transportModel{DeviceModel: PassThrough{}}
	if opts.Models != nil {
		model.DeviceModel = opts.Models(d.Type, d.Spec)
	}
	sopts.Model = model

	s, err := Connect(ctx, d.Socket, g.bridge, sopts)
	if err != nil {
		return err
	}
	t := mmio.New(s, mmio.Options{
		Logger:           log,
		DeviceID:         d.Type.ID,
		FeatureMask:      opts.FeatureMask,
		DirectInterrupts: direct,
	})
	model.transport.Store(t)
	router, _ := g.bridge.(hv.KickRouter)
	d.mu.Lock()
	d.session = s
	d.transport = t
	d.router = router
	d.mu.Unlock()

	offered, _ := s.Features()
	mask := offered
	if opts.FeatureMask != 0 {
		mask &= opts.FeatureMask
	}
	if err := s.SetFeatures(ctx, mask); err != nil {
		return err
	}
	if _, err := s.AddRegion(ctx, g.spec.GuestBase, g.spec.RAMSize, int(g.ram.Fd()), g.spec.RAMAddr); err != nil {
		return err
	}

	notify := d.Spec.Addr + hv.QueueNotifyOffset
	for i := 0; i < s.NumQueues(); i++ {
		q := uint32(i)
		if err := s.SetQueueVector(q, d.Spec.IRQ); err != nil {
			return err
		}
		if err := s.SetQueueSignals(ctx, q, -1, -1); err != nil {
			return err
		}
		vq, err := s.Queue(q)
		if err != nil {
			return err
		}
		if direct {
			if err := attacher.AttachIRQFD(d.Spec.IRQ, vq.Signals.Call); err != nil {
				return vuerr.Hypervisor(g.bridge.Name()+": attach irqfd", err)
			}
		}
		if router != nil {
			// The session closes its kick descriptor on teardown, which
			// can come before the route is removed.
			kick, err := unix.FcntlInt(uintptr(vq.Signals.Kick), unix.F_DUPFD_CLOEXEC, 0)
			if err != nil {
				return vuerr.Configuration("route kick", "queue %d: %w", q, err)
			}
			if err := router.RouteKick(notify, q, kick); err != nil {
				unix.Close(kick)
				return vuerr.Hypervisor(g.bridge.Name()+": route kick", err)
			}
			d.mu.Lock()
			d.routed[q] = kick
			d.mu.Unlock()
		}
	}

	// The loop outlives the request that started the device.
	return s.StartEventLoop(context.WithoutCancel(ctx))
}

// Session returns the device's backend session.
func (d *Device) Session() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// Transport returns the device's register block.
func (d *Device) Transport() *mmio.Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transport
}

func (d *Device) stop() error {
	d.mu.Lock()
	s, router, routed := d.session, d.router, d.routed
	d.session, d.transport, d.routed = nil, nil, make(map[uint32]int)
	d.mu.Unlock()

	var errs []error
	notify := d.Spec.Addr + hv.QueueNotifyOffset
	for q, fd := range routed {
		if err := router.UnrouteKick(notify, q, fd); err != nil {
			errs = append(errs, err)
		}
		unix.Close(fd)
	}
	if s != nil {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// RemoveDevice stops the device at addr of guest id. The guest goes away
// with its last device.
func (f *Frontend) RemoveDevice(id int, addr uint64) error {
	f.mu.Lock()
	gi := f.findGuest(id)
	if gi < 0 {
		f.mu.Unlock()
		return vuerr.Configuration("remove device", "no guest %d", id)
	}
	g := f.guests[gi]
	di := slices.IndexFunc(g.devices, func(d *Device) bool { return d.Spec.Addr == addr })
	if di < 0 {
		f.mu.Unlock()
		return vuerr.Configuration("remove device", "guest %d has no device at %#x", id, addr)
	}
	dev := g.devices[di]
	g.devices = slices.Delete(g.devices, di, di+1)
	var drop *guest
	if len(g.devices) == 0 {
		f.guests = slices.Delete(f.guests, gi, gi+1)
		drop = g
	}
	f.mu.Unlock()

	err := dev.stop()
	if drop != nil {
		err = errors.Join(err, drop.close())
		f.log.Info("guest removed", "guest", id)
	}
	return err
}

// HandleIO performs a guest access to the register block of one of guest
// id's devices. Reads leave the loaded value in req.
func (f *Frontend) HandleIO(ctx context.Context, id int, req *hv.IORequest) error {
	const op = "guest I/O"
	var dev *Device
	f.mu.Lock()
	if gi := f.findGuest(id); gi >= 0 {
		devices := f.guests[gi].devices
		if i := slices.IndexFunc(devices, func(d *Device) bool {
			return req.Addr >= d.Spec.Addr && req.Addr-d.Spec.Addr < mmio.Size
		}); i >= 0 {
			dev = devices[i]
		}
	}
	f.mu.Unlock()
	if dev == nil {
		return vuerr.Configuration(op, "guest %d has no device at %#x", id, req.Addr)
	}
	t := dev.Transport()
	if t == nil {
		return vuerr.Configuration(op, "device at %#x is not running", dev.Spec.Addr)
	}

	offset := req.Addr - dev.Spec.Addr
	if req.Write {
		return t.Write(ctx, offset, req.Size, req.Value)
	}
	v, err := t.Read(ctx, offset, req.Size)
	req.Value = v
	return err
}

// Devices returns every device in guest order.
func (f *Frontend) Devices() []*Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Device
	for _, g := range f.guests {
		out = append(out, g.devices...)
	}
	return out
}

// NumGuests returns the number of guests with at least one device.
func (f *Frontend) NumGuests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.guests)
}

// Run starts every configured device, one goroutine per guest, and serves
// them until ctx is done or no device is left. Devices whose session fails
// are removed.
func (f *Frontend) Run(ctx context.Context, guests []GuestConfig) error {
	defer f.Close()

	g, gctx := errgroup.WithContext(ctx)
	for _, gc := range guests {
		g.Go(func() error {
			for _, ds := range gc.Devices {
				dev, err := f.AddDevice(gctx, gc.GuestSpec, ds)
				if err != nil {
					continue
				}
				g.Go(func() error { return f.supervise(gctx, dev) })
			}
			return nil
		})
	}
	return g.Wait()
}

func (f *Frontend) supervise(ctx context.Context, dev *Device) error {
	s := dev.Session()
	if s == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return nil
	case <-s.Done():
	}
	if err := s.Err(); err != nil {
		f.log.Error("device session lost", "guest", dev.GuestID, "device", dev.Type.Name, "error", err)
	}
	if err := f.RemoveDevice(dev.GuestID, dev.Spec.Addr); err != nil {
		f.log.Debug("remove device", "error", err)
	}
	return nil
}

// Close stops every device and releases every guest.
func (f *Frontend) Close() error {
	f.mu.Lock()
	guests := f.guests
	f.guests = nil
	f.mu.Unlock()

	var errs []error
	for _, g := range guests {
		for _, d := range g.devices {
			errs = append(errs, d.stop())
		}
		errs = append(errs, g.close())
	}
	return errors.Join(errs...)
}
