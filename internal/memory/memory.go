// Package memory keeps the table of guest memory regions shared with a
// vhost-user backend and translates guest-physical addresses into this
// process's address space.
package memory

import (
	"fmt"
	"math"
	"slices"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vufront/internal/hv"
	"github.com/tinyrange/vufront/internal/vuerr"
)

// DefaultMaxRegions is the region limit when the backend does not report
// its own.
const DefaultMaxRegions = 8

// Handle identifies a committed region for its lifetime.
type Handle uint32

// Region is one contiguous range of guest-physical memory backed by a file.
type Region struct {
	Handle    Handle
	GuestBase uint64
	Size      uint64
	// FD is a private duplicate of the backing descriptor, valid until the
	// region is removed.
	FD       int
	Offset   uint64
	HostBase uintptr

	pins int
}

// End returns the first guest address after the region.
func (r *Region) End() uint64 { return r.GuestBase + r.Size }

// Contains reports whether [addr, addr+size) lies inside the region.
func (r *Region) Contains(addr, size uint64) bool {
	if addr < r.GuestBase || addr >= r.End() {
		return false
	}
	return size <= r.End()-addr
}

// Pins returns the number of enabled queues that depend on the region.
func (r *Region) Pins() int { return r.pins }

func (r Region) String() string {
	return fmt.Sprintf("region %d [0x%x-0x%x) host 0x%x", r.Handle, r.GuestBase, r.End(), r.HostBase)
}

// Mapper owns the region table. It does no locking of its own; the owning
// session serializes every call.
type Mapper struct {
	bridge     hv.Bridge
	maxRegions int

	// sorted by GuestBase, pairwise disjoint
	regions []*Region
	next    Handle
}

// New creates an empty mapper that maps through bridge.
func New(bridge hv.Bridge) *Mapper {
	return &Mapper{bridge: bridge, maxRegions: DefaultMaxRegions, next: 1}
}

// SetLimit changes the region limit. Existing regions are kept.
func (m *Mapper) SetLimit(n int) {
	if n > 0 {
		m.maxRegions = n
	}
}

// Limit returns the region limit.
func (m *Mapper) Limit() int { return m.maxRegions }

// Len returns the number of committed regions.
func (m *Mapper) Len() int { return len(m.regions) }

// Validate checks a prospective region against the table without side
// effects.
func (m *Mapper) Validate(guestBase, length uint64) error {
	const op = "add region"
	if length == 0 {
		return vuerr.Configuration(op, "zero-length region at 0x%x", guestBase)
	}
	if length > math.MaxUint64-guestBase {
		return vuerr.Configuration(op, "region 0x%x+0x%x overflows the address space", guestBase, length)
	}
	if len(m.regions) >= m.maxRegions {
		return vuerr.Configuration(op, "region limit of %d reached", m.maxRegions)
	}

	end := guestBase + length
	i := m.search(guestBase)
	if i > 0 && m.regions[i-1].End() > guestBase {
		prev := m.regions[i-1]
		return vuerr.Configuration(op, "region [0x%x-0x%x) overlaps %s", guestBase, end, prev)
	}
	if i < len(m.regions) && m.regions[i].GuestBase < end {
		next := m.regions[i]
		return vuerr.Configuration(op, "region [0x%x-0x%x) overlaps %s", guestBase, end, next)
	}
	return nil
}

// search returns the index of the first region whose base is >= addr.
func (m *Mapper) search(addr uint64) int {
	i, _ := slices.BinarySearchFunc(m.regions, addr, func(r *Region, a uint64) int {
		switch {
		case r.GuestBase < a:
			return -1
		case r.GuestBase > a:
			return 1
		}
		return 0
	})
	return i
}

// Map duplicates fd and maps the region through the bridge. The result is
// not part of the table until Commit. It reads no table state.
func (m *Mapper) Map(guestBase, length uint64, fd int, offset uint64) (*Region, error) {
	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, vuerr.Configuration("add region", "backing descriptor %d: %w", fd, err)
	}
	host, err := m.bridge.MapGuestMemory(guestBase, length, dup, offset)
	if err != nil {
		unix.Close(dup)
		return nil, vuerr.Hypervisor(m.bridge.Name()+": map guest memory", err)
	}
	if host == 0 {
		unix.Close(dup)
		return nil, vuerr.Hypervisor(m.bridge.Name()+": map guest memory", fmt.Errorf("null host address for 0x%x", guestBase))
	}
	return &Region{
		GuestBase: guestBase,
		Size:      length,
		FD:        dup,
		Offset:    offset,
		HostBase:  host,
	}, nil
}

// Prepare validates and maps a region.
func (m *Mapper) Prepare(guestBase, length uint64, fd int, offset uint64) (*Region, error) {
	if err := m.Validate(guestBase, length); err != nil {
		return nil, err
	}
	return m.Map(guestBase, length, fd, offset)
}

// Commit inserts a prepared region and assigns its handle.
func (m *Mapper) Commit(r *Region) (Handle, error) {
	if err := m.Validate(r.GuestBase, r.Size); err != nil {
		return 0, err
	}
	r.Handle = m.next
	m.next++
	m.regions = slices.Insert(m.regions, m.search(r.GuestBase), r)
	return r.Handle, nil
}

// Discard releases a prepared region that was never committed.
func (m *Mapper) Discard(r *Region) error {
	return m.release(r)
}

func (m *Mapper) release(r *Region) error {
	err := m.bridge.UnmapGuestMemory(r.HostBase, r.Size)
	unix.Close(r.FD)
	r.FD = -1
	if err != nil {
		return vuerr.Hypervisor(m.bridge.Name()+": unmap guest memory", err)
	}
	return nil
}

func (m *Mapper) index(h Handle) int {
	return slices.IndexFunc(m.regions, func(r *Region) bool { return r.Handle == h })
}

// Lookup returns the committed region for h.
func (m *Mapper) Lookup(h Handle) (*Region, error) {
	i := m.index(h)
	if i < 0 {
		return nil, vuerr.Configuration("lookup region", "unknown region handle %d", h)
	}
	return m.regions[i], nil
}

// CheckRemove reports whether h may be removed: it must exist and no
// enabled queue may depend on it.
func (m *Mapper) CheckRemove(h Handle) (*Region, error) {
	r, err := m.Lookup(h)
	if err != nil {
		return nil, err
	}
	if r.pins > 0 {
		return nil, vuerr.Configuration("remove region", "%s backs %d enabled queue(s)", r, r.pins)
	}
	return r, nil
}

// Remove drops h from the table and unmaps it. The table no longer holds
// the region even when unmapping fails.
func (m *Mapper) Remove(h Handle) error {
	r, err := m.CheckRemove(h)
	if err != nil {
		return err
	}
	m.regions = slices.Delete(m.regions, m.index(h), m.index(h)+1)
	return m.release(r)
}

// find returns the region containing addr.
func (m *Mapper) find(addr uint64) *Region {
	i := m.search(addr)
	if i < len(m.regions) && m.regions[i].GuestBase == addr {
		return m.regions[i]
	}
	if i > 0 && m.regions[i-1].Contains(addr, 1) {
		return m.regions[i-1]
	}
	return nil
}

// Translate returns the host address of guest address addr.
func (m *Mapper) Translate(addr uint64) (uintptr, error) {
	r := m.find(addr)
	if r == nil {
		return 0, vuerr.Configuration("translate", "0x%x: %w", addr, vuerr.ErrNotMapped)
	}
	return r.HostBase + uintptr(addr-r.GuestBase), nil
}

// TranslateRange translates [addr, addr+size), which must not straddle
// regions, and returns the region it lies in.
func (m *Mapper) TranslateRange(addr, size uint64) (uintptr, Handle, error) {
	r := m.find(addr)
	if r == nil || !r.Contains(addr, size) {
		return 0, 0, vuerr.Configuration("translate", "[0x%x-0x%x): %w", addr, addr+size, vuerr.ErrNotMapped)
	}
	return r.HostBase + uintptr(addr-r.GuestBase), r.Handle, nil
}

// Pin records that an enabled queue depends on h.
func (m *Mapper) Pin(h Handle) error {
	r, err := m.Lookup(h)
	if err != nil {
		return err
	}
	r.pins++
	return nil
}

// Unpin reverses Pin.
func (m *Mapper) Unpin(h Handle) {
	if r, err := m.Lookup(h); err == nil && r.pins > 0 {
		r.pins--
	}
}

// Regions returns copies of the committed regions in guest address order.
func (m *Mapper) Regions() []Region {
	out := make([]Region, len(m.regions))
	for i, r := range m.regions {
		out[i] = *r
	}
	return out
}

// UnmapAll releases every region and empties the table. Every region is
// attempted; the first error is returned.
func (m *Mapper) UnmapAll() error {
	var first error
	for _, r := range m.regions {
		if err := m.release(r); err != nil && first == nil {
			first = err
		}
	}
	m.regions = nil
	return first
}
