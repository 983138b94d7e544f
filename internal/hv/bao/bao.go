//go:build linux

// Package bao implements the bridge on top of the Bao hypervisor's Linux
// backend driver (/dev/bao). Guest RAM is a shared memory file; interrupts
// go through the I/O notify ioctl, queue notifications can be routed to
// eventfds in the hypervisor and every other device register access is
// fetched through the I/O client ioctls.
package bao

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vufront/internal/hv"
)

// DefaultDevice is the Bao backend driver node.
const DefaultDevice = "/dev/bao"

const baoIoctlType = 0xA6

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | baoIoctlType<<8 | nr
}

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

var (
	ioctlBackendCreate     = ioc(iocWrite, 0x01, 4)
	ioctlBackendDestroy    = ioc(iocWrite, 0x02, 4)
	ioctlIOCreateClient    = ioc(iocNone, 0x03, 0)
	ioctlIODestroyClient   = ioc(iocNone, 0x04, 0)
	ioctlIOAttachClient    = ioc(iocNone, 0x05, 0)
	ioctlIORequest         = ioc(iocRead|iocWrite, 0x06, unsafe.Sizeof(ioRequest{}))
	ioctlIONotifyCompleted = ioc(iocWrite, 0x07, unsafe.Sizeof(ioRequest{}))
	ioctlNotifyGuest       = ioc(iocNone, 0x08, 0)
	ioctlIOEventFD         = ioc(iocWrite, 0x09, unsafe.Sizeof(ioEventFD{}))
	ioctlIRQFD             = ioc(iocWrite, 0x0A, unsafe.Sizeof(irqFD{}))
)

// I/O request operations.
const (
	ioOpWrite = 0
	ioOpRead  = 1
	ioOpAsk   = 2
)

type ioRequest struct {
	VirtioID    uint64
	RegOff      uint64
	Addr        uint64
	Op          uint64
	Value       uint64
	AccessWidth uint64
	Ret         uint64
}

const (
	ioEventFDFlagDatamatch = 1 << 1
	ioEventFDFlagDeassign  = 1 << 2

	irqFDFlagAssign   = 0
	irqFDFlagDeassign = 1
)

type ioEventFD struct {
	FD       uint32
	Flags    uint32
	Addr     uint64
	Len      uint32
	Reserved uint32
	Data     uint64
}

type irqFD struct {
	FD    int32
	Flags uint32
}

func ioctl(fd int, request uintptr, arg uintptr) (uintptr, error) {
	for {
		v, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), request, arg)
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return 0, errno
		}
		return v, nil
	}
}

// Options configures Open.
type Options struct {
	Device  string
	GuestID int
	Logger  *slog.Logger
}

// Bridge is a Bao frontend bridge for one guest.
type Bridge struct {
	log     *slog.Logger
	ctl     *os.File
	guestFD int
	guestID int32
	maps    hv.Mappings

	mu       sync.Mutex
	closed   bool
	irqfds   []int
	ioClient bool
}

// Open creates the VirtIO backend for opts.GuestID.
func Open(opts Options) (*Bridge, error) {
	dev := opts.Device
	if dev == "" {
		dev = DefaultDevice
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	ctl, err := os.OpenFile(dev, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("bao: open %s: %w", dev, err)
	}

	id := int32(opts.GuestID)
	guestFD, err := ioctl(int(ctl.Fd()), ioctlBackendCreate, uintptr(unsafe.Pointer(&id)))
	if err != nil {
		ctl.Close()
		return nil, fmt.Errorf("bao: create backend for guest %d: %w", opts.GuestID, err)
	}

	return &Bridge{
		log:     log.With("component", "hv", "bridge", "bao", "guest", opts.GuestID),
		ctl:     ctl,
		guestFD: int(guestFD),
		guestID: id,
	}, nil
}

func (b *Bridge) Name() string { return string(hv.KindBao) }

func (b *Bridge) MapGuestMemory(guestBase, length uint64, fd int, offset uint64) (uintptr, error) {
	if err := b.check(); err != nil {
		return 0, err
	}
	host, err := b.maps.Map(fd, offset, length)
	if err != nil {
		return 0, fmt.Errorf("bao: %w", err)
	}
	b.log.Debug("mapped guest memory", "guest", fmt.Sprintf("%#x", guestBase), "length", length)
	return host, nil
}

func (b *Bridge) UnmapGuestMemory(hostBase uintptr, length uint64) error {
	if err := b.maps.Unmap(hostBase, length); err != nil {
		return fmt.Errorf("bao: %w", err)
	}
	return nil
}

// InjectInterrupt raises the device interrupt of the guest. Bao has a
// single notification line per backend so vector is informational.
func (b *Bridge) InjectInterrupt(vector uint32) error {
	if err := b.check(); err != nil {
		return err
	}
	if _, err := ioctl(b.guestFD, ioctlNotifyGuest, 0); err != nil {
		return fmt.Errorf("bao: notify guest (vector %d): %w", vector, err)
	}
	return nil
}

// AttachIRQFD lets the hypervisor raise the guest interrupt whenever fd is
// signalled, bypassing this process. vector is informational.
func (b *Bridge) AttachIRQFD(vector uint32, fd int) error {
	if err := b.check(); err != nil {
		return err
	}
	irq := irqFD{FD: int32(fd), Flags: irqFDFlagAssign}
	if _, err := ioctl(b.guestFD, ioctlIRQFD, uintptr(unsafe.Pointer(&irq))); err != nil {
		return fmt.Errorf("bao: assign irqfd %d (vector %d): %w", fd, vector, err)
	}
	b.mu.Lock()
	b.irqfds = append(b.irqfds, fd)
	b.mu.Unlock()
	return nil
}

func (b *Bridge) ioeventfd(notifyAddr uint64, queue uint32, fd int, flags uint32) error {
	ev := ioEventFD{
		FD:    uint32(fd),
		Flags: ioEventFDFlagDatamatch | flags,
		Addr:  notifyAddr,
		Len:   4,
		Data:  uint64(queue),
	}
	_, err := ioctl(b.guestFD, ioctlIOEventFD, uintptr(unsafe.Pointer(&ev)))
	return err
}

// RouteKick implements hv.KickRouter with a data-matched ioeventfd, one per
// queue on the same notify register.
func (b *Bridge) RouteKick(notifyAddr uint64, queue uint32, fd int) error {
	if err := b.check(); err != nil {
		return err
	}
	if err := b.ioeventfd(notifyAddr, queue, fd, 0); err != nil {
		return fmt.Errorf("bao: assign ioeventfd %#x/%d: %w", notifyAddr, queue, err)
	}
	return nil
}

// UnrouteKick implements hv.KickRouter.
func (b *Bridge) UnrouteKick(notifyAddr uint64, queue uint32, fd int) error {
	if err := b.ioeventfd(notifyAddr, queue, fd, ioEventFDFlagDeassign); err != nil {
		return fmt.Errorf("bao: deassign ioeventfd %#x/%d: %w", notifyAddr, queue, err)
	}
	return nil
}

// ServeIO implements hv.IOServer with the driver's I/O client: attaching
// blocks until the guest touches a device register, the request is then
// fetched, handled and completed, which resumes the guest vCPU.
func (b *Bridge) ServeIO(ctx context.Context, h hv.IOHandler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return hv.ErrBridgeClosed
	}
	if b.ioClient {
		b.mu.Unlock()
		return fmt.Errorf("bao: I/O client already running")
	}
	if _, err := ioctl(b.guestFD, ioctlIOCreateClient, 0); err != nil {
		b.mu.Unlock()
		return fmt.Errorf("bao: create I/O client: %w", err)
	}
	b.ioClient = true
	b.mu.Unlock()

	// Destroying the client wakes a blocked attach.
	stop := context.AfterFunc(ctx, b.destroyIOClient)
	defer func() {
		if stop() {
			b.destroyIOClient()
		}
	}()

	for {
		if _, err := ioctl(b.guestFD, ioctlIOAttachClient, 0); err != nil {
			if ctx.Err() != nil || b.check() != nil {
				return nil
			}
			return fmt.Errorf("bao: attach I/O client: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}

		req := ioRequest{Op: ioOpAsk}
		if _, err := ioctl(b.guestFD, ioctlIORequest, uintptr(unsafe.Pointer(&req))); err != nil {
			if ctx.Err() != nil || b.check() != nil {
				return nil
			}
			return fmt.Errorf("bao: fetch I/O request: %w", err)
		}
		if req.Op != ioOpRead && req.Op != ioOpWrite {
			continue
		}
		if err := b.complete(ctx, h, &req); err != nil {
			return err
		}
	}
}

func (b *Bridge) complete(ctx context.Context, h hv.IOHandler, req *ioRequest) error {
	r := hv.IORequest{
		Addr:  req.Addr,
		Size:  uint32(req.AccessWidth),
		Write: req.Op == ioOpWrite,
		Value: req.Value,
	}
	if err := h(ctx, &r); err != nil {
		b.log.Warn("device register access failed",
			"addr", fmt.Sprintf("%#x", r.Addr), "write", r.Write, "size", r.Size, "error", err)
		if !r.Write {
			r.Value = 0
		}
	}
	if !r.Write {
		req.Value = r.Value
	}
	if _, err := ioctl(b.guestFD, ioctlIONotifyCompleted, uintptr(unsafe.Pointer(req))); err != nil {
		return fmt.Errorf("bao: complete I/O request at %#x: %w", req.Addr, err)
	}
	return nil
}

func (b *Bridge) destroyIOClient() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ioClient {
		return
	}
	b.ioClient = false
	if _, err := ioctl(b.guestFD, ioctlIODestroyClient, 0); err != nil {
		b.log.Warn("destroy I/O client", "error", err)
	}
}

func (b *Bridge) check() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return hv.ErrBridgeClosed
	}
	return nil
}

// Close detaches irqfds, releases mappings and destroys the backend.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	irqfds := b.irqfds
	b.irqfds = nil
	b.mu.Unlock()

	b.destroyIOClient()

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	for _, fd := range irqfds {
		irq := irqFD{FD: int32(fd), Flags: irqFDFlagDeassign}
		if _, err := ioctl(b.guestFD, ioctlIRQFD, uintptr(unsafe.Pointer(&irq))); err != nil {
			keep(fmt.Errorf("bao: deassign irqfd %d: %w", fd, err))
		}
	}
	keep(b.maps.UnmapAll())
	if _, err := ioctl(int(b.ctl.Fd()), ioctlBackendDestroy, uintptr(unsafe.Pointer(&b.guestID))); err != nil {
		keep(fmt.Errorf("bao: destroy backend: %w", err))
	}
	unix.Close(b.guestFD)
	keep(b.ctl.Close())
	return first
}

var (
	_ hv.Bridge        = (*Bridge)(nil)
	_ hv.KickRouter    = (*Bridge)(nil)
	_ hv.IRQFDAttacher = (*Bridge)(nil)
	_ hv.IOServer      = (*Bridge)(nil)
)
