// Package hv defines the capability surface the frontend needs from a
// hypervisor: sharing guest memory with this process and injecting
// interrupts into the guest.
package hv

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
	ErrBridgeClosed          = errors.New("bridge closed")
)

// Kind names a bridge variant.
type Kind string

const (
	KindInvalid Kind = ""
	KindBao     Kind = "bao"
	KindKVM     Kind = "kvm"
	KindHosted  Kind = "hosted"
)

// QueueNotifyOffset is the virtio-mmio QUEUE_NOTIFY register offset.
const QueueNotifyOffset = 0x50

// Bridge is the only way the frontend touches the hypervisor.
type Bridge interface {
	io.Closer

	Name() string

	// MapGuestMemory makes [guestBase, guestBase+length) of guest-physical
	// memory, backed by fd at offset, addressable in this process and
	// returns the host virtual base.
	MapGuestMemory(guestBase, length uint64, fd int, offset uint64) (uintptr, error)
	UnmapGuestMemory(hostBase uintptr, length uint64) error

	InjectInterrupt(vector uint32) error
}

// KickRouter is implemented by bridges that can turn a guest's
// QUEUE_NOTIFY write for queue into a signal on fd.
type KickRouter interface {
	RouteKick(notifyAddr uint64, queue uint32, fd int) error
	UnrouteKick(notifyAddr uint64, queue uint32, fd int) error
}

// IRQFDAttacher is implemented by bridges that can raise vector directly
// whenever fd is signalled.
type IRQFDAttacher interface {
	AttachIRQFD(vector uint32, fd int) error
}

// IORequest is a guest access to a device register that the hypervisor
// forwarded to this process.
type IORequest struct {
	// Addr is the guest-physical address accessed.
	Addr  uint64
	Size  uint32
	Write bool
	// Value is the stored value, or the loaded one once a read is handled.
	Value uint64
}

// IOHandler handles one forwarded access. The access completes whatever
// it returns; reads that fail load zero.
type IOHandler func(ctx context.Context, req *IORequest) error

// IOServer is implemented by bridges that forward guest register accesses.
// ServeIO hands every access to h until ctx is done or the bridge closes.
type IOServer interface {
	ServeIO(ctx context.Context, h IOHandler) error
}

// FuncBridge adapts plain functions to Bridge. Nil functions fail.
type FuncBridge struct {
	BridgeName string

	MapFunc    func(guestBase, length uint64, fd int, offset uint64) (uintptr, error)
	UnmapFunc  func(hostBase uintptr, length uint64) error
	InjectFunc func(vector uint32) error
	CloseFunc  func() error
}

func (b FuncBridge) Name() string {
	if b.BridgeName == "" {
		return "func"
	}
	return b.BridgeName
}

func (b FuncBridge) MapGuestMemory(guestBase, length uint64, fd int, offset uint64) (uintptr, error) {
	if b.MapFunc != nil {
		return b.MapFunc(guestBase, length, fd, offset)
	}
	return 0, fmt.Errorf("unhandled map of guest memory 0x%X", guestBase)
}

func (b FuncBridge) UnmapGuestMemory(hostBase uintptr, length uint64) error {
	if b.UnmapFunc != nil {
		return b.UnmapFunc(hostBase, length)
	}
	return fmt.Errorf("unhandled unmap of host memory 0x%X", hostBase)
}

func (b FuncBridge) InjectInterrupt(vector uint32) error {
	if b.InjectFunc != nil {
		return b.InjectFunc(vector)
	}
	return fmt.Errorf("unhandled interrupt %d", vector)
}

func (b FuncBridge) Close() error {
	if b.CloseFunc != nil {
		return b.CloseFunc()
	}
	return nil
}

var (
	_ Bridge = FuncBridge{}
)
