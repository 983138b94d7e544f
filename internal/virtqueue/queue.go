// Package virtqueue tracks the frontend's view of a device's virtqueues:
// their size, ring placement, signals and lifecycle. Every mutation is split
// into a validating plan step and a commit closure so the owning session can
// run the backend exchange in between and apply the change only once the
// backend has confirmed it.
package virtqueue

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vufront/internal/memory"
	"github.com/tinyrange/vufront/internal/vuerr"
)

// State is the lifecycle state of a queue.
type State int

const (
	StateCreated State = iota
	StateConfigured
	StateEnabled
	StateDisabled
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConfigured:
		return "configured"
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	case StateTornDown:
		return "torn-down"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Memory is what queues need from the region table.
type Memory interface {
	TranslateRange(addr, size uint64) (uintptr, memory.Handle, error)
	Pin(h memory.Handle) error
	Unpin(h memory.Handle)
}

// Signals are the descriptors a queue uses. Kick is signalled by the guest
// side, Relay is the kick descriptor handed to the backend and Call is
// signalled by the backend. A negative value means unset.
type Signals struct {
	Kick  int
	Call  int
	Relay int
}

func noSignals() Signals { return Signals{Kick: -1, Call: -1, Relay: -1} }

func (s Signals) complete() bool { return s.Kick >= 0 && s.Call >= 0 }

// Close closes every set descriptor.
func (s Signals) Close() {
	for _, fd := range []int{s.Kick, s.Call, s.Relay} {
		if fd >= 0 {
			unix.Close(fd)
		}
	}
}

// Addresses are the guest-physical ring addresses and their host
// translations.
type Addresses struct {
	Desc, Avail, Used             uint64
	DescHost, AvailHost, UsedHost uintptr
}

// Queue is a snapshot of one queue.
type Queue struct {
	Index   uint32
	MaxSize uint32
	Size    uint32
	Addresses
	HasAddresses bool
	// LastAvail is the checkpoint reported by the backend when the queue
	// was last stopped.
	LastAvail uint32
	Signals   Signals
	Vector    uint32
	State     State
}

type queue struct {
	Queue
	pinned []memory.Handle
}

// Manager owns a device's queues. Like memory.Mapper it does no locking;
// the session serializes access.
type Manager struct {
	queues []*queue
}

// NewManager creates num queues in the Created state, each limited to
// maxSize entries. Vectors default to the queue index.
func NewManager(num int, maxSize uint32) *Manager {
	m := &Manager{}
	for i := 0; i < num; i++ {
		m.queues = append(m.queues, &queue{Queue: Queue{
			Index:   uint32(i),
			MaxSize: maxSize,
			Signals: noSignals(),
			Vector:  uint32(i),
		}})
	}
	return m
}

// Len returns the number of queues.
func (m *Manager) Len() int { return len(m.queues) }

func (m *Manager) get(op string, index uint32) (*queue, error) {
	if int(index) >= len(m.queues) {
		return nil, vuerr.Configuration(op, "queue %d does not exist (device has %d)", index, len(m.queues))
	}
	q := m.queues[index]
	if q.State == StateTornDown {
		return nil, vuerr.Configuration(op, "queue %d is torn down", index)
	}
	return q, nil
}

// Get returns a snapshot of queue index.
func (m *Manager) Get(index uint32) (Queue, error) {
	q, err := m.get("get queue", index)
	if err != nil {
		return Queue{}, err
	}
	return q.Queue, nil
}

// PlanConfigure validates a new size for index.
func (m *Manager) PlanConfigure(index, size uint32) (func(), error) {
	const op = "configure queue"
	q, err := m.get(op, index)
	if err != nil {
		return nil, err
	}
	if q.State == StateEnabled {
		return nil, vuerr.Configuration(op, "queue %d is enabled", index)
	}
	if err := checkSize(size, q.MaxSize); err != nil {
		return nil, vuerr.Configuration(op, "queue %d: %w", index, err)
	}
	return func() {
		q.Size = size
		if q.State == StateCreated {
			q.State = StateConfigured
		}
	}, nil
}

// resolve checks alignment and translates every ring of q placed at a.
func resolve(op string, q *queue, a Addresses, mem Memory) (Addresses, []memory.Handle, error) {
	if q.Size == 0 {
		return a, nil, vuerr.Configuration(op, "queue %d has no size", q.Index)
	}
	rings := []struct {
		ring Ring
		addr uint64
		host *uintptr
	}{
		{RingDesc, a.Desc, &a.DescHost},
		{RingAvail, a.Avail, &a.AvailHost},
		{RingUsed, a.Used, &a.UsedHost},
	}
	var handles []memory.Handle
	for _, r := range rings {
		if r.addr%r.ring.Align() != 0 {
			return a, nil, vuerr.Configuration(op, "queue %d: %s at 0x%x is not %d-byte aligned", q.Index, r.ring, r.addr, r.ring.Align())
		}
		host, h, err := mem.TranslateRange(r.addr, r.ring.Bytes(q.Size))
		if err != nil {
			return a, nil, vuerr.Configuration(op, "queue %d: %s: %w", q.Index, r.ring, err)
		}
		*r.host = host
		handles = append(handles, h)
	}
	return a, handles, nil
}

// PlanAddresses validates and resolves new ring addresses for index. The
// commit records both guest and host addresses.
func (m *Manager) PlanAddresses(index uint32, desc, avail, used uint64, mem Memory) (Addresses, func(), error) {
	const op = "set queue addresses"
	q, err := m.get(op, index)
	if err != nil {
		return Addresses{}, nil, err
	}
	if q.State == StateEnabled {
		return Addresses{}, nil, vuerr.Configuration(op, "queue %d is enabled", index)
	}
	a, _, err := resolve(op, q, Addresses{Desc: desc, Avail: avail, Used: used}, mem)
	if err != nil {
		return Addresses{}, nil, err
	}
	return a, func() {
		q.Addresses = a
		q.HasAddresses = true
	}, nil
}

// PlanSignals validates new signals for index. The commit takes ownership
// of s and closes the descriptors it replaces.
func (m *Manager) PlanSignals(index uint32, s Signals) (func(), error) {
	const op = "set queue signals"
	q, err := m.get(op, index)
	if err != nil {
		return nil, err
	}
	if q.State == StateEnabled {
		return nil, vuerr.Configuration(op, "queue %d is enabled", index)
	}
	return func() {
		old := q.Signals
		q.Signals = s
		old.Close()
	}, nil
}

// SetVector sets the interrupt vector index's calls are injected on.
func (m *Manager) SetVector(index, vector uint32) error {
	q, err := m.get("set queue vector", index)
	if err != nil {
		return err
	}
	q.Vector = vector
	return nil
}

// PlanEnable checks that index may be enabled: it has a size, its rings
// still resolve and both signals are set. The commit pins the regions
// backing the rings.
func (m *Manager) PlanEnable(index uint32, mem Memory) (Queue, func() error, error) {
	const op = "enable queue"
	q, err := m.get(op, index)
	if err != nil {
		return Queue{}, nil, err
	}
	switch q.State {
	case StateEnabled:
		return Queue{}, nil, vuerr.Configuration(op, "queue %d is already enabled", index)
	case StateCreated:
		return Queue{}, nil, vuerr.Configuration(op, "queue %d is not configured", index)
	}
	if !q.HasAddresses {
		return Queue{}, nil, vuerr.Configuration(op, "queue %d has no ring addresses", index)
	}
	a, handles, err := resolve(op, q, q.Addresses, mem)
	if err != nil {
		return Queue{}, nil, err
	}
	if !q.Signals.complete() {
		return Queue{}, nil, vuerr.Configuration(op, "queue %d needs both kick and call signals", index)
	}

	snap := q.Queue
	snap.Addresses = a
	return snap, func() error {
		for i, h := range handles {
			if err := mem.Pin(h); err != nil {
				for _, p := range handles[:i] {
					mem.Unpin(p)
				}
				return err
			}
		}
		q.Addresses = a
		q.pinned = handles
		q.State = StateEnabled
		return nil
	}, nil
}

// PlanDisable checks that index is enabled. The commit records base, the
// backend's last available index, as the checkpoint and unpins the rings.
func (m *Manager) PlanDisable(index uint32, mem Memory) (func(base uint32), error) {
	const op = "disable queue"
	q, err := m.get(op, index)
	if err != nil {
		return nil, err
	}
	if q.State != StateEnabled {
		return nil, vuerr.Configuration(op, "queue %d is not enabled", index)
	}
	return func(base uint32) {
		q.LastAvail = base
		q.State = StateDisabled
		for _, h := range q.pinned {
			mem.Unpin(h)
		}
		q.pinned = nil
	}, nil
}

// BaseIndex returns the last available index checkpoint of index.
func (m *Manager) BaseIndex(index uint32) (uint32, error) {
	q, err := m.get("get base index", index)
	if err != nil {
		return 0, err
	}
	return q.LastAvail, nil
}

// Enabled returns snapshots of every enabled queue in index order.
func (m *Manager) Enabled() []Queue {
	var out []Queue
	for _, q := range m.queues {
		if q.State == StateEnabled {
			out = append(out, q.Queue)
		}
	}
	return out
}

// Reset returns every queue to the state the backend has after
// RESET_OWNER: nothing enabled and no checkpoint. Sizes, addresses and
// signals are kept.
func (m *Manager) Reset(mem Memory) {
	for _, q := range m.queues {
		if q.State == StateTornDown {
			continue
		}
		for _, h := range q.pinned {
			mem.Unpin(h)
		}
		q.pinned = nil
		q.LastAvail = 0
		if q.Size > 0 {
			q.State = StateConfigured
		} else {
			q.State = StateCreated
		}
	}
}

// Teardown closes every signal and moves every queue to TornDown.
func (m *Manager) Teardown(mem Memory) {
	for _, q := range m.queues {
		if q.State == StateTornDown {
			continue
		}
		for _, h := range q.pinned {
			mem.Unpin(h)
		}
		q.pinned = nil
		q.Signals.Close()
		q.Signals = noSignals()
		q.State = StateTornDown
	}
}
