package virtqueue

import "fmt"

// MaxSize is the largest split ring size.
const MaxSize = 32768

// Split ring alignment requirements in bytes.
const (
	DescAlign  = 16
	AvailAlign = 2
	UsedAlign  = 4
)

// Ring identifies one of the three split ring areas.
type Ring int

const (
	RingDesc Ring = iota
	RingAvail
	RingUsed
)

func (r Ring) String() string {
	switch r {
	case RingDesc:
		return "descriptor table"
	case RingAvail:
		return "available ring"
	case RingUsed:
		return "used ring"
	default:
		return fmt.Sprintf("ring(%d)", int(r))
	}
}

// Align returns the required alignment of r.
func (r Ring) Align() uint64 {
	switch r {
	case RingDesc:
		return DescAlign
	case RingAvail:
		return AvailAlign
	default:
		return UsedAlign
	}
}

// Bytes returns the size of r for a queue of n entries: 16 bytes per
// descriptor, flags+idx+ring+used_event for the available ring and
// flags+idx+8-byte elements+avail_event for the used ring.
func (r Ring) Bytes(n uint32) uint64 {
	switch r {
	case RingDesc:
		return 16 * uint64(n)
	case RingAvail:
		return 6 + 2*uint64(n)
	default:
		return 6 + 8*uint64(n)
	}
}

// checkSize validates a queue size against the protocol and device limits.
func checkSize(size, deviceMax uint32) error {
	if size == 0 {
		return fmt.Errorf("queue size cannot be zero")
	}
	if size&(size-1) != 0 {
		return fmt.Errorf("queue size %d is not a power of two", size)
	}
	if size > MaxSize {
		return fmt.Errorf("queue size %d exceeds %d", size, MaxSize)
	}
	if deviceMax != 0 && size > deviceMax {
		return fmt.Errorf("queue size %d exceeds max size %d", size, deviceMax)
	}
	return nil
}
