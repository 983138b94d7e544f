//go:build linux

// Package hosted implements the bridge for a flat hosted VMM, where guest
// memory is a shared file this process can map directly and interrupts are
// delivered through per-vector eventfds the VMM listens on.
package hosted

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"gvisor.dev/gvisor/pkg/eventfd"

	"github.com/tinyrange/vufront/internal/hv"
)

type routeKey struct {
	addr  uint64
	queue uint32
}

type ioAccess struct {
	req  *hv.IORequest
	done chan error
}

// Bridge is a hosted VMM bridge.
type Bridge struct {
	log  *slog.Logger
	maps hv.Mappings
	io   chan ioAccess
	stop chan struct{}

	mu       sync.Mutex
	closed   bool
	irqs     map[uint32]eventfd.Eventfd
	injected map[uint32]uint64
	routes   map[routeKey]eventfd.Eventfd
}

// New returns a hosted bridge with no interrupt sinks attached.
func New(log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		log:      log.With("component", "hv", "bridge", "hosted"),
		io:       make(chan ioAccess),
		stop:     make(chan struct{}),
		irqs:     make(map[uint32]eventfd.Eventfd),
		injected: make(map[uint32]uint64),
		routes:   make(map[routeKey]eventfd.Eventfd),
	}
}

func (b *Bridge) Name() string { return string(hv.KindHosted) }

func (b *Bridge) MapGuestMemory(guestBase, length uint64, fd int, offset uint64) (uintptr, error) {
	if err := b.check(); err != nil {
		return 0, err
	}
	host, err := b.maps.Map(fd, offset, length)
	if err != nil {
		return 0, err
	}
	b.log.Debug("mapped guest memory", "guest", fmt.Sprintf("%#x", guestBase), "length", length, "host", fmt.Sprintf("%#x", host))
	return host, nil
}

func (b *Bridge) UnmapGuestMemory(hostBase uintptr, length uint64) error {
	return b.maps.Unmap(hostBase, length)
}

// Memory returns the mapping at host, for tests and device models that
// read guest memory directly.
func (b *Bridge) Memory(host uintptr) []byte {
	return b.maps.Bytes(host)
}

// AttachIRQ makes vector signal fd. The descriptor is duplicated.
func (b *Bridge) AttachIRQ(vector uint32, fd int) error {
	ev, err := eventfd.Wrap(fd).Dup()
	if err != nil {
		return fmt.Errorf("attach irq %d: %w", vector, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.irqs[vector]; ok {
		old.Close()
	}
	b.irqs[vector] = ev
	return nil
}

// InjectInterrupt signals the sink attached to vector. Without a sink the
// interrupt is only counted.
func (b *Bridge) InjectInterrupt(vector uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return hv.ErrBridgeClosed
	}
	b.injected[vector]++
	if ev, ok := b.irqs[vector]; ok {
		if err := ev.Notify(); err != nil {
			return fmt.Errorf("inject irq %d: %w", vector, err)
		}
	}
	return nil
}

// Injected returns how many interrupts were injected on vector.
func (b *Bridge) Injected(vector uint32) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.injected[vector]
}

// RouteKick implements hv.KickRouter.
func (b *Bridge) RouteKick(notifyAddr uint64, queue uint32, fd int) error {
	if err := b.check(); err != nil {
		return err
	}
	ev, err := eventfd.Wrap(fd).Dup()
	if err != nil {
		return fmt.Errorf("route kick %#x/%d: %w", notifyAddr, queue, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := routeKey{notifyAddr, queue}
	if _, ok := b.routes[key]; ok {
		ev.Close()
		return fmt.Errorf("route kick %#x/%d: already routed", notifyAddr, queue)
	}
	b.routes[key] = ev
	return nil
}

// UnrouteKick implements hv.KickRouter.
func (b *Bridge) UnrouteKick(notifyAddr uint64, queue uint32, fd int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := routeKey{notifyAddr, queue}
	ev, ok := b.routes[key]
	if !ok {
		return fmt.Errorf("unroute kick %#x/%d: not routed", notifyAddr, queue)
	}
	delete(b.routes, key)
	return ev.Close()
}

// GuestNotify emulates the guest writing queue to the QUEUE_NOTIFY
// register at notifyAddr.
func (b *Bridge) GuestNotify(notifyAddr uint64, queue uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, ok := b.routes[routeKey{notifyAddr, queue}]
	if !ok {
		return fmt.Errorf("notify %#x/%d: no route", notifyAddr, queue)
	}
	return ev.Notify()
}

// ServeIO implements hv.IOServer for accesses made through GuestRead and
// GuestWrite.
func (b *Bridge) ServeIO(ctx context.Context, h hv.IOHandler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.stop:
			return nil
		case a := <-b.io:
			err := h(ctx, a.req)
			if err != nil && !a.req.Write {
				a.req.Value = 0
			}
			a.done <- err
		}
	}
}

func (b *Bridge) access(req *hv.IORequest) error {
	a := ioAccess{req: req, done: make(chan error, 1)}
	select {
	case b.io <- a:
	case <-b.stop:
		return hv.ErrBridgeClosed
	}
	return <-a.done
}

// GuestRead emulates the guest loading size bytes from the device register
// at addr. It blocks until ServeIO handles the access.
func (b *Bridge) GuestRead(addr uint64, size uint32) (uint64, error) {
	req := &hv.IORequest{Addr: addr, Size: size}
	err := b.access(req)
	return req.Value, err
}

// GuestWrite emulates the guest storing value to the device register at
// addr. It blocks until ServeIO handles the access.
func (b *Bridge) GuestWrite(addr uint64, size uint32, value uint64) error {
	return b.access(&hv.IORequest{Addr: addr, Size: size, Write: true, Value: value})
}

func (b *Bridge) check() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return hv.ErrBridgeClosed
	}
	return nil
}

// Close releases every mapping, sink and route.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stop)
	for v, ev := range b.irqs {
		ev.Close()
		delete(b.irqs, v)
	}
	for k, ev := range b.routes {
		ev.Close()
		delete(b.routes, k)
	}
	b.mu.Unlock()

	return b.maps.UnmapAll()
}

var (
	_ hv.Bridge     = (*Bridge)(nil)
	_ hv.KickRouter = (*Bridge)(nil)
	_ hv.IOServer   = (*Bridge)(nil)
)
