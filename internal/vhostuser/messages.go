package vhostuser

import (
	"fmt"
)

// MemoryRegion describes one shared memory region as the backend sees it.
type MemoryRegion struct {
	GuestAddr  uint64
	Size       uint64
	UserAddr   uint64
	MmapOffset uint64
}

const memoryRegionSize = 32

func (r *MemoryRegion) encode(e *Encoder) {
	e.Uint64(r.GuestAddr)
	e.Uint64(r.Size)
	e.Uint64(r.UserAddr)
	e.Uint64(r.MmapOffset)
}

func (r *MemoryRegion) decode(d *Decoder) error {
	var err error
	if r.GuestAddr, err = d.Uint64(); err != nil {
		return err
	}
	if r.Size, err = d.Uint64(); err != nil {
		return err
	}
	if r.UserAddr, err = d.Uint64(); err != nil {
		return err
	}
	r.MmapOffset, err = d.Uint64()
	return err
}

func (r MemoryRegion) String() string {
	return fmt.Sprintf("guest[%#x,+%#x) user %#x off %#x", r.GuestAddr, r.Size, r.UserAddr, r.MmapOffset)
}

// EncodeMemTable encodes a SET_MEM_TABLE payload. Only the populated
// entries are sent.
func EncodeMemTable(regions []MemoryRegion) []byte {
	e := NewEncoder()
	e.Uint32(uint32(len(regions)))
	e.Uint32(0)
	for i := range regions {
		regions[i].encode(e)
	}
	return e.Bytes()
}

// DecodeMemTable decodes a SET_MEM_TABLE payload.
func DecodeMemTable(buf []byte) ([]MemoryRegion, error) {
	d := NewDecoder(buf)
	n, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if _, err := d.Uint32(); err != nil {
		return nil, err
	}
	if n > MaxMemoryRegions {
		return nil, fmt.Errorf("memory table with %d regions", n)
	}
	regions := make([]MemoryRegion, n)
	for i := range regions {
		if err := regions[i].decode(d); err != nil {
			return nil, err
		}
	}
	return regions, nil
}

// EncodeSingleRegion encodes an ADD_MEM_REG/REM_MEM_REG payload.
func EncodeSingleRegion(r MemoryRegion) []byte {
	e := NewEncoder()
	e.Uint64(0)
	r.encode(e)
	return e.Bytes()
}

// DecodeSingleRegion decodes an ADD_MEM_REG/REM_MEM_REG payload.
func DecodeSingleRegion(buf []byte) (MemoryRegion, error) {
	d := NewDecoder(buf)
	var r MemoryRegion
	if _, err := d.Uint64(); err != nil {
		return r, err
	}
	err := r.decode(d)
	return r, err
}

// VringState is the {index, num} payload used by SET_VRING_NUM,
// SET_VRING_BASE, GET_VRING_BASE and SET_VRING_ENABLE.
type VringState struct {
	Index uint32
	Num   uint32
}

const vringStateSize = 8

func (s VringState) Encode() []byte {
	e := NewEncoder()
	e.Uint32(s.Index)
	e.Uint32(s.Num)
	return e.Bytes()
}

// DecodeVringState decodes a vring state payload.
func DecodeVringState(buf []byte) (VringState, error) {
	d := NewDecoder(buf)
	var s VringState
	var err error
	if s.Index, err = d.Uint32(); err != nil {
		return s, err
	}
	s.Num, err = d.Uint32()
	return s, err
}

// VringAddr is the SET_VRING_ADDR payload. Ring addresses are in the
// frontend's virtual address space.
type VringAddr struct {
	Index uint32
	Flags uint32
	Desc  uint64
	Used  uint64
	Avail uint64
	Log   uint64
}

const vringAddrSize = 40

// VringAddrFlagLog asks the backend to log used ring writes.
const VringAddrFlagLog = 1

func (a VringAddr) Encode() []byte {
	e := NewEncoder()
	e.Uint32(a.Index)
	e.Uint32(a.Flags)
	e.Uint64(a.Desc)
	e.Uint64(a.Used)
	e.Uint64(a.Avail)
	e.Uint64(a.Log)
	return e.Bytes()
}

// DecodeVringAddr decodes a SET_VRING_ADDR payload.
func DecodeVringAddr(buf []byte) (VringAddr, error) {
	d := NewDecoder(buf)
	var a VringAddr
	var err error
	if a.Index, err = d.Uint32(); err != nil {
		return a, err
	}
	if a.Flags, err = d.Uint32(); err != nil {
		return a, err
	}
	if a.Desc, err = d.Uint64(); err != nil {
		return a, err
	}
	if a.Used, err = d.Uint64(); err != nil {
		return a, err
	}
	if a.Avail, err = d.Uint64(); err != nil {
		return a, err
	}
	a.Log, err = d.Uint64()
	return a, err
}

// Log is the SET_LOG_BASE payload.
type Log struct {
	MmapSize   uint64
	MmapOffset uint64
}

func (l Log) Encode() []byte {
	e := NewEncoder()
	e.Uint64(l.MmapSize)
	e.Uint64(l.MmapOffset)
	return e.Bytes()
}

// DecodeLog decodes a SET_LOG_BASE payload.
func DecodeLog(buf []byte) (Log, error) {
	d := NewDecoder(buf)
	var l Log
	var err error
	if l.MmapSize, err = d.Uint64(); err != nil {
		return l, err
	}
	l.MmapOffset, err = d.Uint64()
	return l, err
}

// Config is the GET_CONFIG/SET_CONFIG payload.
type Config struct {
	Offset  uint32
	Flags   uint32
	Payload []byte
}

const configHeaderSize = 12

// Config flags.
const (
	ConfigFlagWritable  = 0x0
	ConfigFlagMigration = 0x1
)

func (c Config) Encode() []byte {
	e := NewEncoder()
	e.Uint32(c.Offset)
	e.Uint32(uint32(len(c.Payload)))
	e.Uint32(c.Flags)
	e.Raw(c.Payload)
	return e.Bytes()
}

// DecodeConfig decodes a GET_CONFIG/SET_CONFIG payload.
func DecodeConfig(buf []byte) (Config, error) {
	d := NewDecoder(buf)
	var c Config
	off, err := d.Uint32()
	if err != nil {
		return c, err
	}
	size, err := d.Uint32()
	if err != nil {
		return c, err
	}
	flags, err := d.Uint32()
	if err != nil {
		return c, err
	}
	if int(size) != d.Remaining() {
		return c, fmt.Errorf("config payload: size %d, have %d bytes", size, d.Remaining())
	}
	c.Offset = off
	c.Flags = flags
	c.Payload, err = d.Raw(int(size))
	return c, err
}

// EncodeU64 encodes a single u64 payload.
func EncodeU64(v uint64) []byte {
	e := NewEncoder()
	e.Uint64(v)
	return e.Bytes()
}

// DecodeU64 decodes a single u64 payload.
func DecodeU64(buf []byte) (uint64, error) {
	return NewDecoder(buf).Uint64()
}

// VringFDPayload builds the u64 payload for SET_VRING_KICK/CALL/ERR.
func VringFDPayload(index uint32, fd int) []byte {
	v := uint64(index) & VringIndexMask
	if fd < 0 {
		v |= VringNoFD
	}
	return EncodeU64(v)
}
