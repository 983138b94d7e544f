//go:build linux

// Package kvm implements the bridge for guests run by another KVM-based VMM
// that hands this process its VM descriptor.
package kvm

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vufront/internal/hv"
)

// Options configures Open.
type Options struct {
	// VMFD is the KVM VM descriptor. It is duplicated.
	VMFD int
	// RegisterSlots also installs every mapping as a KVM memory slot,
	// starting at FirstSlot. Leave unset when the VMM already did so.
	RegisterSlots bool
	FirstSlot     uint32
	Logger        *slog.Logger
}

// Bridge is a KVM bridge.
type Bridge struct {
	log           *slog.Logger
	vmFd          int
	registerSlots bool
	maps          hv.Mappings

	mu       sync.Mutex
	closed   bool
	nextSlot uint32
	slots    map[uintptr]kvmUserspaceMemoryRegion
	irqfds   map[int]uint32
}

// Open wraps an existing VM descriptor.
func Open(opts Options) (*Bridge, error) {
	if opts.VMFD < 0 {
		return nil, fmt.Errorf("kvm: invalid vm fd %d", opts.VMFD)
	}
	vmFd, err := unix.FcntlInt(uintptr(opts.VMFD), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: dup vm fd %d: %w", opts.VMFD, err)
	}
	if ok, err := checkExtension(vmFd, kvmCapIoeventfd); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: fd %d is not a VM: %w", opts.VMFD, err)
	} else if !ok {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: KVM_CAP_IOEVENTFD unsupported")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		log:           log.With("component", "hv", "bridge", "kvm"),
		vmFd:          vmFd,
		registerSlots: opts.RegisterSlots,
		nextSlot:      opts.FirstSlot,
		slots:         make(map[uintptr]kvmUserspaceMemoryRegion),
		irqfds:        make(map[int]uint32),
	}, nil
}

func (b *Bridge) Name() string { return string(hv.KindKVM) }

func (b *Bridge) MapGuestMemory(guestBase, length uint64, fd int, offset uint64) (uintptr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, hv.ErrBridgeClosed
	}

	host, err := b.maps.Map(fd, offset, length)
	if err != nil {
		return 0, fmt.Errorf("kvm: %w", err)
	}
	if !b.registerSlots {
		return host, nil
	}

	region := kvmUserspaceMemoryRegion{
		Slot:          b.nextSlot,
		GuestPhysAddr: guestBase,
		MemorySize:    length,
		UserspaceAddr: uint64(host),
	}
	if err := setUserMemoryRegion(b.vmFd, &region); err != nil {
		b.maps.Unmap(host, length)
		return 0, fmt.Errorf("kvm: set user memory region slot %d: %w", region.Slot, err)
	}
	b.slots[host] = region
	b.nextSlot++
	b.log.Debug("registered memory slot", "slot", region.Slot, "guest", fmt.Sprintf("%#x", guestBase), "size", length)
	return host, nil
}

func (b *Bridge) UnmapGuestMemory(hostBase uintptr, length uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if region, ok := b.slots[hostBase]; ok {
		region.MemorySize = 0
		if err := setUserMemoryRegion(b.vmFd, &region); err != nil {
			return fmt.Errorf("kvm: delete memory slot %d: %w", region.Slot, err)
		}
		delete(b.slots, hostBase)
	}
	if err := b.maps.Unmap(hostBase, length); err != nil {
		return fmt.Errorf("kvm: %w", err)
	}
	return nil
}

// InjectInterrupt pulses the GSI numbered vector.
func (b *Bridge) InjectInterrupt(vector uint32) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return hv.ErrBridgeClosed
	}
	if err := pulseIRQ(b.vmFd, vector); err != nil {
		return fmt.Errorf("kvm: irq %d: %w", vector, err)
	}
	return nil
}

// AttachIRQFD lets KVM raise gsi whenever fd is signalled.
func (b *Bridge) AttachIRQFD(gsi uint32, fd int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return hv.ErrBridgeClosed
	}
	args := kvmIrqfdArgs{FD: uint32(fd), GSI: gsi}
	if err := setIrqfd(b.vmFd, &args); err != nil {
		return fmt.Errorf("kvm: assign irqfd gsi %d: %w", gsi, err)
	}
	b.irqfds[fd] = gsi
	return nil
}

func (b *Bridge) ioeventfd(notifyAddr uint64, queue uint32, fd int, flags uint32) error {
	args := kvmIoeventfdArgs{
		Datamatch: uint64(queue),
		Addr:      notifyAddr,
		Len:       4,
		FD:        int32(fd),
		Flags:     kvmIoeventfdFlagDatamatch | flags,
	}
	return setIoeventfd(b.vmFd, &args)
}

// RouteKick implements hv.KickRouter.
func (b *Bridge) RouteKick(notifyAddr uint64, queue uint32, fd int) error {
	if err := b.ioeventfd(notifyAddr, queue, fd, 0); err != nil {
		return fmt.Errorf("kvm: assign ioeventfd %#x/%d: %w", notifyAddr, queue, err)
	}
	return nil
}

// UnrouteKick implements hv.KickRouter.
func (b *Bridge) UnrouteKick(notifyAddr uint64, queue uint32, fd int) error {
	if err := b.ioeventfd(notifyAddr, queue, fd, kvmIoeventfdFlagDeassign); err != nil {
		return fmt.Errorf("kvm: deassign ioeventfd %#x/%d: %w", notifyAddr, queue, err)
	}
	return nil
}

// Close removes slots and irqfds this bridge installed and releases the
// VM descriptor.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var first error
	for fd, gsi := range b.irqfds {
		args := kvmIrqfdArgs{FD: uint32(fd), GSI: gsi, Flags: kvmIrqfdFlagDeassign}
		if err := setIrqfd(b.vmFd, &args); err != nil && first == nil {
			first = fmt.Errorf("kvm: deassign irqfd gsi %d: %w", gsi, err)
		}
	}
	for host, region := range b.slots {
		region.MemorySize = 0
		if err := setUserMemoryRegion(b.vmFd, &region); err != nil && first == nil {
			first = fmt.Errorf("kvm: delete memory slot %d: %w", region.Slot, err)
		}
		delete(b.slots, host)
	}
	if err := b.maps.UnmapAll(); err != nil && first == nil {
		first = fmt.Errorf("kvm: %w", err)
	}
	if err := unix.Close(b.vmFd); err != nil && first == nil {
		first = err
	}
	return first
}

var (
	_ hv.Bridge        = (*Bridge)(nil)
	_ hv.KickRouter    = (*Bridge)(nil)
	_ hv.IRQFDAttacher = (*Bridge)(nil)
)
