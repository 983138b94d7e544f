//go:build linux

package hosted

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vufront/internal/hv"
)

func readCounter(t *testing.T, fd int) uint64 {
	t.Helper()
	var buf [8]byte
	if _, err := unix.Read(fd, buf[:]); err != nil {
		t.Fatalf("read eventfd: %v", err)
	}
	return binary.LittleEndian.Uint64(buf[:])
}

func newEventfd(t *testing.T) int {
	t.Helper()
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		t.Fatalf("eventfd: %v", err)
	}
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func TestMapSharesFile(t *testing.T) {
	b := New(nil)
	defer b.Close()

	fd, err := unix.MemfdCreate("hosted-test", unix.MFD_CLOEXEC)
	if err != nil {
		t.Fatalf("memfd_create: %v", err)
	}
	defer unix.Close(fd)
	if err := unix.Ftruncate(fd, 0x2000); err != nil {
		t.Fatalf("ftruncate: %v", err)
	}

	host, err := b.MapGuestMemory(0x40000000, 0x2000, fd, 0)
	if err != nil {
		t.Fatalf("MapGuestMemory: %v", err)
	}
	copy(b.Memory(host)[0x100:], "used")

	buf := make([]byte, 4)
	if _, err := unix.Pread(fd, buf, 0x100); err != nil {
		t.Fatalf("pread: %v", err)
	}
	if string(buf) != "used" {
		t.Fatalf("file sees %q", buf)
	}

	if err := b.UnmapGuestMemory(host, 0x2000); err != nil {
		t.Fatalf("UnmapGuestMemory: %v", err)
	}
}

func TestInjectInterrupt(t *testing.T) {
	b := New(nil)
	defer b.Close()

	if err := b.InjectInterrupt(3); err != nil {
		t.Fatalf("InjectInterrupt without sink: %v", err)
	}

	irq := newEventfd(t)
	if err := b.AttachIRQ(4, irq); err != nil {
		t.Fatalf("AttachIRQ: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := b.InjectInterrupt(4); err != nil {
			t.Fatalf("InjectInterrupt: %v", err)
		}
	}

	if got := readCounter(t, irq); got != 2 {
		t.Fatalf("irq counter = %d, want 2", got)
	}
	if b.Injected(3) != 1 || b.Injected(4) != 2 {
		t.Fatalf("injected counts %d/%d", b.Injected(3), b.Injected(4))
	}
}

func TestKickRouting(t *testing.T) {
	b := New(nil)
	defer b.Close()

	const notify = 0xa003000 + hv.QueueNotifyOffset
	kick0, kick1 := newEventfd(t), newEventfd(t)
	if err := b.RouteKick(notify, 0, kick0); err != nil {
		t.Fatalf("RouteKick: %v", err)
	}
	if err := b.RouteKick(notify, 1, kick1); err != nil {
		t.Fatalf("RouteKick: %v", err)
	}
	if err := b.RouteKick(notify, 1, kick1); err == nil {
		t.Fatalf("duplicate route accepted")
	}

	if err := b.GuestNotify(notify, 1); err != nil {
		t.Fatalf("GuestNotify: %v", err)
	}
	if got := readCounter(t, kick1); got != 1 {
		t.Fatalf("kick1 = %d", got)
	}
	var buf [8]byte
	if _, err := unix.Read(kick0, buf[:]); !errors.Is(err, unix.EAGAIN) {
		t.Fatalf("queue 0 kicked unexpectedly: %v", err)
	}

	if err := b.UnrouteKick(notify, 1, kick1); err != nil {
		t.Fatalf("UnrouteKick: %v", err)
	}
	if err := b.GuestNotify(notify, 1); err == nil {
		t.Fatalf("notify after unroute succeeded")
	}
}

func TestClosedBridge(t *testing.T) {
	b := New(nil)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.InjectInterrupt(0); !errors.Is(err, hv.ErrBridgeClosed) {
		t.Fatalf("InjectInterrupt after Close: %v", err)
	}
	if _, err := b.MapGuestMemory(0, 0x1000, 0, 0); !errors.Is(err, hv.ErrBridgeClosed) {
		t.Fatalf("MapGuestMemory after Close: %v", err)
	}
	if err := b.GuestWrite(0xa003000, 4, 1); !errors.Is(err, hv.ErrBridgeClosed) {
		t.Fatalf("GuestWrite after Close: %v", err)
	}
}

func TestServeIO(t *testing.T) {
	b := New(nil)
	defer b.Close()

	regs := map[uint64]uint64{}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- b.ServeIO(ctx, func(_ context.Context, req *hv.IORequest) error {
			if req.Addr >= 0x2000 {
				return errors.New("no device")
			}
			if req.Write {
				regs[req.Addr] = req.Value
			} else {
				req.Value = regs[req.Addr]
			}
			return nil
		})
	}()

	if err := b.GuestWrite(0x1070, 4, 0xf); err != nil {
		t.Fatalf("GuestWrite: %v", err)
	}
	if v, err := b.GuestRead(0x1070, 4); err != nil || v != 0xf {
		t.Fatalf("GuestRead = %#x, %v", v, err)
	}
	if v, err := b.GuestRead(0x2000, 4); err == nil || v != 0 {
		t.Fatalf("GuestRead outside any device = %#x, %v", v, err)
	}

	cancel()
	if err := <-served; err != nil {
		t.Fatalf("ServeIO: %v", err)
	}
}
