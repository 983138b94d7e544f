package memory

import (
	"errors"
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/vufront/internal/hv"
	"github.com/tinyrange/vufront/internal/vuerr"
)

const hostBias = 0x7f0000000000

type fakeBridge struct {
	hv.FuncBridge
	mapped   map[uintptr]uint64
	unmapped int
}

func newFakeBridge() *fakeBridge {
	b := &fakeBridge{mapped: make(map[uintptr]uint64)}
	b.MapFunc = func(guestBase, length uint64, fd int, offset uint64) (uintptr, error) {
		host := uintptr(hostBias + guestBase)
		b.mapped[host] = length
		return host, nil
	}
	b.UnmapFunc = func(hostBase uintptr, length uint64) error {
		if b.mapped[hostBase] != length {
			return errors.New("unmap of unknown mapping")
		}
		delete(b.mapped, hostBase)
		b.unmapped++
		return nil
	}
	return b
}

func backingFile(t *testing.T) int {
	t.Helper()
	fd, err := unix.MemfdCreate("memory-test", unix.MFD_CLOEXEC)
	if err != nil {
		t.Fatalf("memfd_create: %v", err)
	}
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func add(t *testing.T, m *Mapper, base, size uint64, fd int) Handle {
	t.Helper()
	r, err := m.Prepare(base, size, fd, 0)
	if err != nil {
		t.Fatalf("Prepare(0x%x, 0x%x): %v", base, size, err)
	}
	h, err := m.Commit(r)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return h
}

func TestRegionsStaySortedAndDisjoint(t *testing.T) {
	b := newFakeBridge()
	m := New(b)
	fd := backingFile(t)

	add(t, m, 0x200000, 0x100000, fd)
	add(t, m, 0x0, 0x100000, fd)
	add(t, m, 0x100000, 0x100000, fd)

	var bases []uint64
	for _, r := range m.Regions() {
		bases = append(bases, r.GuestBase)
	}
	if diff := pretty.Compare(bases, []uint64{0, 0x100000, 0x200000}); diff != "" {
		t.Fatalf("region order (-got +want):\n%s", diff)
	}
}

func TestValidateRejects(t *testing.T) {
	b := newFakeBridge()
	m := New(b)
	fd := backingFile(t)
	add(t, m, 0x100000, 0x100000, fd)

	tests := []struct {
		name string
		base uint64
		size uint64
	}{
		{"zero length", 0x400000, 0},
		{"overflow", 0xfffffffffffff000, 0x2000},
		{"overlap start", 0x0ff000, 0x2000},
		{"overlap end", 0x1ff000, 0x2000},
		{"inside", 0x180000, 0x1000},
		{"covering", 0x0, 0x400000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Prepare(tt.base, tt.size, fd, 0)
			if !errors.Is(err, vuerr.ErrConfiguration) {
				t.Fatalf("Prepare = %v, want configuration error", err)
			}
		})
	}
	if len(b.mapped) != 1 {
		t.Fatalf("rejected regions reached the bridge: %d mappings", len(b.mapped))
	}
}

func TestRegionLimit(t *testing.T) {
	m := New(newFakeBridge())
	m.SetLimit(2)
	fd := backingFile(t)

	add(t, m, 0, 0x1000, fd)
	add(t, m, 0x1000, 0x1000, fd)
	if _, err := m.Prepare(0x2000, 0x1000, fd, 0); !errors.Is(err, vuerr.ErrConfiguration) {
		t.Fatalf("third region: %v", err)
	}
}

func TestMapFailureIsHypervisorError(t *testing.T) {
	b := newFakeBridge()
	b.MapFunc = func(uint64, uint64, int, uint64) (uintptr, error) {
		return 0, errors.New("stage-2 table full")
	}
	m := New(b)

	_, err := m.Prepare(0, 0x1000, backingFile(t), 0)
	if !errors.Is(err, vuerr.ErrHypervisor) {
		t.Fatalf("Prepare = %v, want hypervisor error", err)
	}
	if m.Len() != 0 {
		t.Fatalf("failed region entered the table")
	}
}

func TestTranslate(t *testing.T) {
	m := New(newFakeBridge())
	fd := backingFile(t)
	add(t, m, 0x0, 0x100000, fd)
	add(t, m, 0x200000, 0x1000, fd)

	host, err := m.Translate(0x1234)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if host != hostBias+0x1234 {
		t.Fatalf("Translate = 0x%x", host)
	}

	if _, err := m.Translate(0x100000); !errors.Is(err, vuerr.ErrNotMapped) {
		t.Fatalf("hole translated: %v", err)
	}
	if _, err := m.Translate(0x100000); !errors.Is(err, vuerr.ErrConfiguration) {
		t.Fatalf("hole error kind: %v", err)
	}

	if _, _, err := m.TranslateRange(0xff000, 0x1000); err != nil {
		t.Fatalf("range at region end: %v", err)
	}
	if _, _, err := m.TranslateRange(0xff000, 0x1001); !errors.Is(err, vuerr.ErrNotMapped) {
		t.Fatalf("range past region end: %v", err)
	}
	_, h, err := m.TranslateRange(0x200800, 0x10)
	if err != nil {
		t.Fatalf("TranslateRange: %v", err)
	}
	if r, _ := m.Lookup(h); r.GuestBase != 0x200000 {
		t.Fatalf("range resolved to %v", r)
	}
}

func TestPinnedRegionCannotBeRemoved(t *testing.T) {
	b := newFakeBridge()
	m := New(b)
	h := add(t, m, 0, 0x100000, backingFile(t))

	if err := m.Pin(h); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if err := m.Remove(h); !errors.Is(err, vuerr.ErrConfiguration) {
		t.Fatalf("Remove pinned = %v", err)
	}
	if _, err := m.Translate(0x10); err != nil {
		t.Fatalf("pinned region lost its mapping: %v", err)
	}

	m.Unpin(h)
	if err := m.Remove(h); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if b.unmapped != 1 || m.Len() != 0 {
		t.Fatalf("unmapped %d, %d regions left", b.unmapped, m.Len())
	}
	if err := m.Remove(h); !errors.Is(err, vuerr.ErrConfiguration) {
		t.Fatalf("Remove stale handle = %v", err)
	}
}

func TestRegionOwnsDescriptor(t *testing.T) {
	m := New(newFakeBridge())
	fd := backingFile(t)
	h := add(t, m, 0, 0x1000, fd)

	r, _ := m.Lookup(h)
	if r.FD == fd {
		t.Fatalf("region shares the caller's descriptor")
	}
	dup := r.FD
	if err := m.UnmapAll(); err != nil {
		t.Fatalf("UnmapAll: %v", err)
	}
	if _, err := unix.FcntlInt(uintptr(dup), unix.F_GETFD, 0); !errors.Is(err, unix.EBADF) {
		t.Fatalf("duplicate descriptor still open: %v", err)
	}
}
