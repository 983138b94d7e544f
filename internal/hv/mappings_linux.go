//go:build linux

package hv

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mappings owns shared mmaps of guest memory files, keyed by the host
// address handed out for them.
type Mappings struct {
	mu sync.Mutex
	m  map[uintptr]mapping
}

type mapping struct {
	mem    []byte
	length uint64
}

// Map maps length bytes of fd at offset read/write and shared. offset need
// not be page aligned.
func (m *Mappings) Map(fd int, offset, length uint64) (uintptr, error) {
	if length == 0 {
		return 0, fmt.Errorf("mmap: zero length")
	}
	page := uint64(os.Getpagesize())
	delta := offset % page

	mem, err := unix.Mmap(fd, int64(offset-delta), int(length+delta), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return 0, fmt.Errorf("mmap fd %d offset %#x length %#x: %w", fd, offset, length, err)
	}
	base := uintptr(unsafe.Pointer(&mem[0])) + uintptr(delta)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.m == nil {
		m.m = make(map[uintptr]mapping)
	}
	m.m[base] = mapping{mem: mem, length: length}
	return base, nil
}

// Unmap releases the mapping returned by Map for base.
func (m *Mappings) Unmap(base uintptr, length uint64) error {
	m.mu.Lock()
	mp, ok := m.m[base]
	if ok && mp.length == length {
		delete(m.m, base)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("munmap: no mapping at 0x%X", base)
	}
	if mp.length != length {
		return fmt.Errorf("munmap: mapping at 0x%X is %#x bytes, not %#x", base, mp.length, length)
	}
	if err := unix.Munmap(mp.mem); err != nil {
		return fmt.Errorf("munmap 0x%X: %w", base, err)
	}
	return nil
}

// Bytes returns the mapped memory at base, or nil.
func (m *Mappings) Bytes(base uintptr) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.m[base]
	if !ok {
		return nil
	}
	delta := len(mp.mem) - int(mp.length)
	return mp.mem[delta:]
}

// Len returns the number of live mappings.
func (m *Mappings) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.m)
}

// UnmapAll releases every mapping and returns the first error.
func (m *Mappings) UnmapAll() error {
	m.mu.Lock()
	all := m.m
	m.m = nil
	m.mu.Unlock()

	var first error
	for base, mp := range all {
		if err := unix.Munmap(mp.mem); err != nil && first == nil {
			first = fmt.Errorf("munmap 0x%X: %w", base, err)
		}
	}
	return first
}
