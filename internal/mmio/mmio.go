// Package mmio emulates the virtio-mmio register block of a device whose
// queues are served by a vhost-user backend. Register accesses that carry
// feature or queue state are turned into session operations: accepting
// features negotiates them with the backend and readying a queue sizes,
// places and starts it.
package mmio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/vufront/internal/vhostuser"
	"github.com/tinyrange/vufront/internal/virtqueue"
	"github.com/tinyrange/vufront/internal/vuerr"
)

const (
	VIRTIO_MMIO_MAGIC_VALUE         = 0x000
	VIRTIO_MMIO_VERSION             = 0x004
	VIRTIO_MMIO_DEVICE_ID           = 0x008
	VIRTIO_MMIO_VENDOR_ID           = 0x00c
	VIRTIO_MMIO_DEVICE_FEATURES     = 0x010
	VIRTIO_MMIO_DEVICE_FEATURES_SEL = 0x014
	VIRTIO_MMIO_DRIVER_FEATURES     = 0x020
	VIRTIO_MMIO_DRIVER_FEATURES_SEL = 0x024
	VIRTIO_MMIO_QUEUE_SEL           = 0x030
	VIRTIO_MMIO_QUEUE_NUM_MAX       = 0x034
	VIRTIO_MMIO_QUEUE_NUM           = 0x038
	VIRTIO_MMIO_QUEUE_READY         = 0x044
	VIRTIO_MMIO_QUEUE_NOTIFY        = 0x050
	VIRTIO_MMIO_INTERRUPT_STATUS    = 0x060
	VIRTIO_MMIO_INTERRUPT_ACK       = 0x064
	VIRTIO_MMIO_STATUS              = 0x070
	VIRTIO_MMIO_QUEUE_DESC_LOW      = 0x080
	VIRTIO_MMIO_QUEUE_DESC_HIGH     = 0x084
	VIRTIO_MMIO_QUEUE_AVAIL_LOW     = 0x090
	VIRTIO_MMIO_QUEUE_AVAIL_HIGH    = 0x094
	VIRTIO_MMIO_QUEUE_USED_LOW      = 0x0a0
	VIRTIO_MMIO_QUEUE_USED_HIGH     = 0x0a4
	VIRTIO_MMIO_CONFIG_GENERATION   = 0x0fc
	VIRTIO_MMIO_CONFIG              = 0x100

	// Interrupt status bits
	VIRTIO_MMIO_INT_VRING  = 0x1
	VIRTIO_MMIO_INT_CONFIG = 0x2
)

// Device status bits written by the driver.
const (
	StatusAcknowledge = 0x1
	StatusDriver      = 0x2
	StatusDriverOK    = 0x4
	StatusFeaturesOK  = 0x8
	StatusFailed      = 0x80
)

const (
	Magic    = 0x74726976
	Version  = 2
	VendorID = 0x4d564b4c

	// Size is the register window of one device.
	Size = 0x200
)

// Device is the session the registers drive.
type Device interface {
	Features() (offered, negotiated uint64)
	SetFeatures(ctx context.Context, mask uint64) error
	NumQueues() int
	Queue(index uint32) (virtqueue.Queue, error)
	ConfigureQueue(ctx context.Context, index, size uint32) error
	SetQueueAddresses(ctx context.Context, index uint32, desc, avail, used uint64) error
	SetQueueEnabled(ctx context.Context, index uint32, enable bool) error
	Reset(ctx context.Context) error
	GetConfig(ctx context.Context, offset, size uint32) ([]byte, error)
	SetConfig(ctx context.Context, offset uint32, data []byte) error
	OnKick(index uint32)
}

type Options struct {
	Logger *slog.Logger

	// DeviceID is the virtio device id reported to the driver.
	DeviceID uint32

	// FeatureMask limits the features offered to the driver. Zero offers
	// everything the backend does.
	FeatureMask uint64

	// DirectInterrupts means backend calls raise the interrupt without
	// passing QueueCompleted, so a used buffer is always reported.
	DirectInterrupts bool
}

type queueRegs struct {
	size              uint32
	desc, avail, used uint64
	ready             bool
}

// Transport is the register block of one device.
type Transport struct {
	log  *slog.Logger
	dev  Device
	opts Options

	interruptStatus atomic.Uint32

	mu               sync.Mutex
	status           uint32
	deviceFeatureSel uint32
	driverFeatureSel uint32
	driverFeatures   uint64
	queueSel         uint32
	configGeneration uint32
	negotiated       bool
	queues           []queueRegs
}

// New returns the register block of dev in its reset state.
func New(dev Device, opts Options) *Transport {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		log:    log.With("component", "mmio"),
		dev:    dev,
		opts:   opts,
		queues: make([]queueRegs, dev.NumQueues()),
	}
}

// QueueCompleted records a used buffer notification for the driver.
func (t *Transport) QueueCompleted(uint32) {
	t.interruptStatus.Or(VIRTIO_MMIO_INT_VRING)
}

// DeviceFeatures returns the features offered to the driver. VERSION_1 is
// always offered since only the modern register layout is emulated.
func (t *Transport) DeviceFeatures() uint64 {
	offered, _ := t.dev.Features()
	features := offered &^ vhostuser.Bit(vhostuser.FeatureProtocolFeatures)
	if t.opts.FeatureMask != 0 {
		features &= t.opts.FeatureMask
	}
	return features | vhostuser.Bit(vhostuser.FeatureVersion1)
}

func checkAccess(offset uint64, size uint32) error {
	if offset >= VIRTIO_MMIO_CONFIG {
		switch size {
		case 1, 2, 4, 8:
			return nil
		}
	} else if size == 4 && offset%4 == 0 {
		return nil
	}
	return vuerr.Configuration("mmio access", "%d-byte access at %#x", size, offset)
}

// Read handles a driver load of size bytes at offset.
func (t *Transport) Read(ctx context.Context, offset uint64, size uint32) (uint64, error) {
	if err := checkAccess(offset, size); err != nil {
		return 0, err
	}
	if offset >= VIRTIO_MMIO_CONFIG {
		return t.readConfig(ctx, offset-VIRTIO_MMIO_CONFIG, size)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	v, err := t.readRegister(offset)
	return uint64(v), err
}

func (t *Transport) readRegister(offset uint64) (uint32, error) {
	switch offset {
	case VIRTIO_MMIO_MAGIC_VALUE:
		return Magic, nil
	case VIRTIO_MMIO_VERSION:
		return Version, nil
	case VIRTIO_MMIO_DEVICE_ID:
		return t.opts.DeviceID, nil
	case VIRTIO_MMIO_VENDOR_ID:
		return VendorID, nil
	case VIRTIO_MMIO_DEVICE_FEATURES:
		if t.deviceFeatureSel > 1 {
			return 0, nil
		}
		return uint32(t.DeviceFeatures() >> (32 * t.deviceFeatureSel)), nil
	case VIRTIO_MMIO_QUEUE_NUM_MAX:
		q, err := t.dev.Queue(t.queueSel)
		if err != nil {
			return 0, nil
		}
		return q.MaxSize, nil
	case VIRTIO_MMIO_QUEUE_READY:
		if q := t.current(); q != nil && q.ready {
			return 1, nil
		}
		return 0, nil
	case VIRTIO_MMIO_INTERRUPT_STATUS:
		v := t.interruptStatus.Load()
		if t.opts.DirectInterrupts {
			v |= VIRTIO_MMIO_INT_VRING
		}
		return v, nil
	case VIRTIO_MMIO_STATUS:
		return t.status, nil
	case VIRTIO_MMIO_CONFIG_GENERATION:
		return t.configGeneration, nil
	}

	q := t.current()
	if q == nil {
		return 0, nil
	}
	switch offset {
	case VIRTIO_MMIO_QUEUE_NUM:
		return q.size, nil
	case VIRTIO_MMIO_QUEUE_DESC_LOW:
		return uint32(q.desc), nil
	case VIRTIO_MMIO_QUEUE_DESC_HIGH:
		return uint32(q.desc >> 32), nil
	case VIRTIO_MMIO_QUEUE_AVAIL_LOW:
		return uint32(q.avail), nil
	case VIRTIO_MMIO_QUEUE_AVAIL_HIGH:
		return uint32(q.avail >> 32), nil
	case VIRTIO_MMIO_QUEUE_USED_LOW:
		return uint32(q.used), nil
	case VIRTIO_MMIO_QUEUE_USED_HIGH:
		return uint32(q.used >> 32), nil
	}
	return 0, vuerr.Configuration("mmio read", "no readable register at %#x", offset)
}

// Write handles a driver store of size bytes at offset.
func (t *Transport) Write(ctx context.Context, offset uint64, size uint32, value uint64) error {
	if err := checkAccess(offset, size); err != nil {
		return err
	}
	if offset >= VIRTIO_MMIO_CONFIG {
		return t.writeConfig(ctx, offset-VIRTIO_MMIO_CONFIG, size, value)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeRegister(ctx, offset, uint32(value))
}

func setLow(v uint64, lo uint32) uint64  { return v&^0xffffffff | uint64(lo) }
func setHigh(v uint64, hi uint32) uint64 { return v&0xffffffff | uint64(hi)<<32 }

func (t *Transport) writeRegister(ctx context.Context, offset uint64, value uint32) error {
	switch offset {
	case VIRTIO_MMIO_DEVICE_FEATURES_SEL:
		t.deviceFeatureSel = value
		return nil
	case VIRTIO_MMIO_DRIVER_FEATURES_SEL:
		t.driverFeatureSel = value
		return nil
	case VIRTIO_MMIO_DRIVER_FEATURES:
		if t.driverFeatureSel > 1 {
			return nil
		}
		shift := 32 * t.driverFeatureSel
		t.driverFeatures = t.driverFeatures&^(uint64(0xffffffff)<<shift) | uint64(value)<<shift
		return nil
	case VIRTIO_MMIO_QUEUE_SEL:
		t.queueSel = value
		return nil
	case VIRTIO_MMIO_QUEUE_NOTIFY:
		// Normally routed to the kick eventfd by the hypervisor.
		t.dev.OnKick(value)
		return nil
	case VIRTIO_MMIO_INTERRUPT_ACK:
		t.interruptStatus.And(^value)
		return nil
	case VIRTIO_MMIO_STATUS:
		return t.setStatus(ctx, value)
	}

	q := t.current()
	if q == nil {
		return vuerr.Configuration("mmio write", "queue %d does not exist", t.queueSel)
	}
	switch offset {
	case VIRTIO_MMIO_QUEUE_NUM:
		q.size = value
	case VIRTIO_MMIO_QUEUE_DESC_LOW:
		q.desc = setLow(q.desc, value)
	case VIRTIO_MMIO_QUEUE_DESC_HIGH:
		q.desc = setHigh(q.desc, value)
	case VIRTIO_MMIO_QUEUE_AVAIL_LOW:
		q.avail = setLow(q.avail, value)
	case VIRTIO_MMIO_QUEUE_AVAIL_HIGH:
		q.avail = setHigh(q.avail, value)
	case VIRTIO_MMIO_QUEUE_USED_LOW:
		q.used = setLow(q.used, value)
	case VIRTIO_MMIO_QUEUE_USED_HIGH:
		q.used = setHigh(q.used, value)
	case VIRTIO_MMIO_QUEUE_READY:
		if value&1 == 0 {
			return t.stopQueue(ctx, t.queueSel, q)
		}
		return t.startQueue(ctx, t.queueSel, q)
	default:
		return vuerr.Configuration("mmio write", "no writable register at %#x", offset)
	}
	return nil
}

func (t *Transport) current() *queueRegs {
	if int(t.queueSel) >= len(t.queues) {
		return nil
	}
	return &t.queues[t.queueSel]
}

func (t *Transport) setStatus(ctx context.Context, value uint32) error {
	if value == 0 {
		return t.reset(ctx)
	}
	if value&StatusFeaturesOK != 0 && t.status&StatusFeaturesOK == 0 {
		if err := t.negotiate(ctx); err != nil {
			// The driver sees FEATURES_OK unset and gives up.
			t.log.Warn("feature negotiation failed", "features", fmt.Sprintf("%#x", t.driverFeatures), "error", err)
			t.status = value &^ StatusFeaturesOK
			if vuerr.IsFatal(err) {
				return err
			}
			return nil
		}
	}
	t.status = value
	if value&StatusDriverOK != 0 {
		t.log.Debug("driver ready", "features", vhostuser.FeatureString(t.driverFeatures))
	}
	return nil
}

// negotiate sends the driver's features to the backend. The protocol
// features bit is not a virtio feature; it stays set whenever the backend
// offers it.
func (t *Transport) negotiate(ctx context.Context) error {
	want := t.driverFeatures
	if want&vhostuser.Bit(vhostuser.FeatureVersion1) == 0 {
		return vuerr.Configuration("negotiate features", "legacy drivers are not supported")
	}
	if extra := want &^ t.DeviceFeatures(); extra != 0 {
		return vuerr.Configuration("negotiate features", "driver accepted unoffered features %#x", extra)
	}

	offered, _ := t.dev.Features()
	mask := want & offered
	if offered&vhostuser.Bit(vhostuser.FeatureProtocolFeatures) != 0 {
		mask |= vhostuser.Bit(vhostuser.FeatureProtocolFeatures)
	}
	if err := t.dev.SetFeatures(ctx, mask); err != nil {
		return err
	}
	t.negotiated = true
	return nil
}

func (t *Transport) startQueue(ctx context.Context, index uint32, q *queueRegs) error {
	if q.ready {
		return nil
	}
	if err := t.dev.ConfigureQueue(ctx, index, q.size); err != nil {
		return err
	}
	if err := t.dev.SetQueueAddresses(ctx, index, q.desc, q.avail, q.used); err != nil {
		return err
	}
	if err := t.dev.SetQueueEnabled(ctx, index, true); err != nil {
		return err
	}
	q.ready = true
	t.log.Debug("queue ready", "queue", index, "size", q.size,
		"desc", fmt.Sprintf("%#x", q.desc), "avail", fmt.Sprintf("%#x", q.avail), "used", fmt.Sprintf("%#x", q.used))
	return nil
}

func (t *Transport) stopQueue(ctx context.Context, index uint32, q *queueRegs) error {
	if !q.ready {
		return nil
	}
	q.ready = false
	return t.dev.SetQueueEnabled(ctx, index, false)
}

// reset returns the registers to their initial values. A device the
// driver had started is reset in the backend too.
func (t *Transport) reset(ctx context.Context) error {
	started := t.negotiated
	for _, q := range t.queues {
		started = started || q.ready
	}

	t.status = 0
	t.deviceFeatureSel = 0
	t.driverFeatureSel = 0
	t.driverFeatures = 0
	t.queueSel = 0
	t.negotiated = false
	t.interruptStatus.Store(0)
	clear(t.queues)

	if !started {
		return nil
	}
	t.log.Debug("driver reset the device")
	return t.dev.Reset(ctx)
}

func (t *Transport) readConfig(ctx context.Context, offset uint64, size uint32) (uint64, error) {
	data, err := t.dev.GetConfig(ctx, uint32(offset), size)
	if errors.Is(err, vuerr.ErrConfiguration) {
		// no config space
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var buf [8]byte
	copy(buf[:], data)
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (t *Transport) writeConfig(ctx context.Context, offset uint64, size uint32, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	err := t.dev.SetConfig(ctx, uint32(offset), buf[:size])
	if errors.Is(err, vuerr.ErrConfiguration) {
		t.log.Debug("config write dropped", "offset", offset, "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.configGeneration++
	t.mu.Unlock()
	return nil
}
