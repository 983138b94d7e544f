package mmio

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vufront/internal/vhostuser"
	"github.com/tinyrange/vufront/internal/virtqueue"
	"github.com/tinyrange/vufront/internal/vuerr"
)

type fakeDevice struct {
	offered  uint64
	features uint64
	config   []byte
	calls    []string
	kicks    []uint32
	failOn   string
}

func (d *fakeDevice) record(call string) error {
	d.calls = append(d.calls, call)
	if call == d.failOn {
		return vuerr.Transport(call, fmt.Errorf("backend gone"))
	}
	return nil
}

func (d *fakeDevice) Features() (uint64, uint64) { return d.offered, d.features }

func (d *fakeDevice) SetFeatures(_ context.Context, mask uint64) error {
	if err := d.record(fmt.Sprintf("features %#x", mask)); err != nil {
		return err
	}
	d.features = mask
	return nil
}

func (d *fakeDevice) NumQueues() int { return 2 }

func (d *fakeDevice) Queue(index uint32) (virtqueue.Queue, error) {
	if index >= 2 {
		return virtqueue.Queue{}, vuerr.Configuration("queue", "no queue %d", index)
	}
	return virtqueue.Queue{Index: index, MaxSize: 256}, nil
}

func (d *fakeDevice) ConfigureQueue(_ context.Context, index, size uint32) error {
	return d.record(fmt.Sprintf("configure %d %d", index, size))
}

func (d *fakeDevice) SetQueueAddresses(_ context.Context, index uint32, desc, avail, used uint64) error {
	return d.record(fmt.Sprintf("addresses %d %#x %#x %#x", index, desc, avail, used))
}

func (d *fakeDevice) SetQueueEnabled(_ context.Context, index uint32, enable bool) error {
	return d.record(fmt.Sprintf("enable %d %v", index, enable))
}

func (d *fakeDevice) Reset(context.Context) error { return d.record("reset") }

func (d *fakeDevice) GetConfig(_ context.Context, offset, size uint32) ([]byte, error) {
	if d.config == nil {
		return nil, vuerr.Configuration("get config", "CONFIG not negotiated")
	}
	return d.config[offset : offset+size], nil
}

func (d *fakeDevice) SetConfig(_ context.Context, offset uint32, data []byte) error {
	if d.config == nil {
		return vuerr.Configuration("set config", "CONFIG not negotiated")
	}
	copy(d.config[offset:], data)
	return nil
}

func (d *fakeDevice) OnKick(index uint32) { d.kicks = append(d.kicks, index) }

const testFeatures = 1<<vhostuser.FeatureVersion1 | 1<<vhostuser.FeatureProtocolFeatures | 1

func newTransport(dev *fakeDevice, opts Options) *Transport {
	if opts.DeviceID == 0 {
		opts.DeviceID = 4
	}
	return New(dev, opts)
}

func read(t *testing.T, tr *Transport, offset uint64) uint32 {
	t.Helper()
	v, err := tr.Read(context.Background(), offset, 4)
	require.NoError(t, err)
	return uint32(v)
}

func write(t *testing.T, tr *Transport, offset uint64, value uint32) {
	t.Helper()
	require.NoError(t, tr.Write(context.Background(), offset, 4, uint64(value)))
}

// acceptFeatures runs the driver side of feature negotiation.
func acceptFeatures(t *testing.T, tr *Transport, features uint64) {
	t.Helper()
	write(t, tr, VIRTIO_MMIO_STATUS, StatusAcknowledge|StatusDriver)
	write(t, tr, VIRTIO_MMIO_DRIVER_FEATURES_SEL, 1)
	write(t, tr, VIRTIO_MMIO_DRIVER_FEATURES, uint32(features>>32))
	write(t, tr, VIRTIO_MMIO_DRIVER_FEATURES_SEL, 0)
	write(t, tr, VIRTIO_MMIO_DRIVER_FEATURES, uint32(features))
	write(t, tr, VIRTIO_MMIO_STATUS, StatusAcknowledge|StatusDriver|StatusFeaturesOK)
}

func TestIdentity(t *testing.T) {
	tr := newTransport(&fakeDevice{offered: testFeatures}, Options{DeviceID: 26})

	require.EqualValues(t, Magic, read(t, tr, VIRTIO_MMIO_MAGIC_VALUE))
	require.EqualValues(t, 2, read(t, tr, VIRTIO_MMIO_VERSION))
	require.EqualValues(t, 26, read(t, tr, VIRTIO_MMIO_DEVICE_ID))
	require.EqualValues(t, VendorID, read(t, tr, VIRTIO_MMIO_VENDOR_ID))
}

func TestDeviceFeatures(t *testing.T) {
	tests := []struct {
		name    string
		offered uint64
		mask    uint64
		want    uint64
	}{
		{"protocol bit hidden", testFeatures, 0, 1<<vhostuser.FeatureVersion1 | 1},
		{"version 1 always offered", 1, 0, 1<<vhostuser.FeatureVersion1 | 1},
		{"masked", testFeatures | 1<<5, 1 << 5, 1<<vhostuser.FeatureVersion1 | 1<<5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTransport(&fakeDevice{offered: tt.offered}, Options{FeatureMask: tt.mask})
			require.Equal(t, tt.want, tr.DeviceFeatures())

			write(t, tr, VIRTIO_MMIO_DEVICE_FEATURES_SEL, 0)
			lo := read(t, tr, VIRTIO_MMIO_DEVICE_FEATURES)
			write(t, tr, VIRTIO_MMIO_DEVICE_FEATURES_SEL, 1)
			hi := read(t, tr, VIRTIO_MMIO_DEVICE_FEATURES)
			require.Equal(t, tt.want, uint64(hi)<<32|uint64(lo))

			write(t, tr, VIRTIO_MMIO_DEVICE_FEATURES_SEL, 2)
			require.Zero(t, read(t, tr, VIRTIO_MMIO_DEVICE_FEATURES))
		})
	}
}

func TestFeaturesOKNegotiates(t *testing.T) {
	dev := &fakeDevice{offered: testFeatures}
	tr := newTransport(dev, Options{})

	acceptFeatures(t, tr, 1<<vhostuser.FeatureVersion1|1)
	require.Equal(t, []string{fmt.Sprintf("features %#x", uint64(testFeatures))}, dev.calls)
	require.EqualValues(t, StatusAcknowledge|StatusDriver|StatusFeaturesOK, read(t, tr, VIRTIO_MMIO_STATUS))

	// FEATURES_OK again does not renegotiate.
	write(t, tr, VIRTIO_MMIO_STATUS, StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK)
	require.Len(t, dev.calls, 1)
}

func TestFeaturesOKRefused(t *testing.T) {
	tests := []struct {
		name     string
		features uint64
	}{
		{"legacy driver", 1},
		{"unoffered feature", 1<<vhostuser.FeatureVersion1 | 1<<7},
		{"protocol bit", 1<<vhostuser.FeatureVersion1 | 1<<vhostuser.FeatureProtocolFeatures},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := &fakeDevice{offered: testFeatures}
			tr := newTransport(dev, Options{})

			acceptFeatures(t, tr, tt.features)
			require.Empty(t, dev.calls)
			require.EqualValues(t, StatusAcknowledge|StatusDriver, read(t, tr, VIRTIO_MMIO_STATUS))
		})
	}
}

func TestFeaturesOKBackendFailure(t *testing.T) {
	dev := &fakeDevice{offered: testFeatures, failOn: fmt.Sprintf("features %#x", uint64(testFeatures))}
	tr := newTransport(dev, Options{})

	write(t, tr, VIRTIO_MMIO_DRIVER_FEATURES_SEL, 1)
	write(t, tr, VIRTIO_MMIO_DRIVER_FEATURES, 1)
	write(t, tr, VIRTIO_MMIO_DRIVER_FEATURES_SEL, 0)
	write(t, tr, VIRTIO_MMIO_DRIVER_FEATURES, 1)
	err := tr.Write(context.Background(), VIRTIO_MMIO_STATUS, 4, StatusFeaturesOK)
	require.ErrorIs(t, err, vuerr.ErrTransport)
	require.Zero(t, read(t, tr, VIRTIO_MMIO_STATUS))
}

func TestQueueReady(t *testing.T) {
	dev := &fakeDevice{offered: testFeatures}
	tr := newTransport(dev, Options{})
	acceptFeatures(t, tr, 1<<vhostuser.FeatureVersion1)
	dev.calls = nil

	write(t, tr, VIRTIO_MMIO_QUEUE_SEL, 1)
	require.EqualValues(t, 256, read(t, tr, VIRTIO_MMIO_QUEUE_NUM_MAX))
	write(t, tr, VIRTIO_MMIO_QUEUE_NUM, 128)
	write(t, tr, VIRTIO_MMIO_QUEUE_DESC_LOW, 0x1000)
	write(t, tr, VIRTIO_MMIO_QUEUE_DESC_HIGH, 0x1)
	write(t, tr, VIRTIO_MMIO_QUEUE_AVAIL_LOW, 0x2000)
	write(t, tr, VIRTIO_MMIO_QUEUE_USED_LOW, 0x3000)
	require.EqualValues(t, 0x1, read(t, tr, VIRTIO_MMIO_QUEUE_DESC_HIGH))
	require.EqualValues(t, 128, read(t, tr, VIRTIO_MMIO_QUEUE_NUM))
	require.Zero(t, read(t, tr, VIRTIO_MMIO_QUEUE_READY))

	write(t, tr, VIRTIO_MMIO_QUEUE_READY, 1)
	require.Equal(t, []string{
		"configure 1 128",
		"addresses 1 0x100001000 0x2000 0x3000",
		"enable 1 true",
	}, dev.calls)
	require.EqualValues(t, 1, read(t, tr, VIRTIO_MMIO_QUEUE_READY))

	// Queue 0 is untouched.
	write(t, tr, VIRTIO_MMIO_QUEUE_SEL, 0)
	require.Zero(t, read(t, tr, VIRTIO_MMIO_QUEUE_READY))

	write(t, tr, VIRTIO_MMIO_QUEUE_SEL, 1)
	write(t, tr, VIRTIO_MMIO_QUEUE_READY, 1)
	require.Len(t, dev.calls, 3)
	write(t, tr, VIRTIO_MMIO_QUEUE_READY, 0)
	require.Equal(t, "enable 1 false", dev.calls[3])
	require.Zero(t, read(t, tr, VIRTIO_MMIO_QUEUE_READY))
}

func TestQueueReadyFailure(t *testing.T) {
	dev := &fakeDevice{offered: testFeatures, failOn: "addresses 0 0x0 0x0 0x0"}
	tr := newTransport(dev, Options{})

	write(t, tr, VIRTIO_MMIO_QUEUE_NUM, 64)
	err := tr.Write(context.Background(), VIRTIO_MMIO_QUEUE_READY, 4, 1)
	require.ErrorIs(t, err, vuerr.ErrTransport)
	require.Zero(t, read(t, tr, VIRTIO_MMIO_QUEUE_READY))
}

func TestMissingQueue(t *testing.T) {
	tr := newTransport(&fakeDevice{offered: testFeatures}, Options{})

	write(t, tr, VIRTIO_MMIO_QUEUE_SEL, 5)
	require.Zero(t, read(t, tr, VIRTIO_MMIO_QUEUE_NUM_MAX))
	require.Zero(t, read(t, tr, VIRTIO_MMIO_QUEUE_READY))
	err := tr.Write(context.Background(), VIRTIO_MMIO_QUEUE_NUM, 4, 8)
	require.ErrorIs(t, err, vuerr.ErrConfiguration)
}

func TestReset(t *testing.T) {
	dev := &fakeDevice{offered: testFeatures}
	tr := newTransport(dev, Options{})

	// Nothing was started: the backend is left alone.
	write(t, tr, VIRTIO_MMIO_STATUS, 0)
	require.Empty(t, dev.calls)

	acceptFeatures(t, tr, 1<<vhostuser.FeatureVersion1)
	write(t, tr, VIRTIO_MMIO_QUEUE_NUM, 64)
	write(t, tr, VIRTIO_MMIO_QUEUE_READY, 1)
	tr.QueueCompleted(0)

	write(t, tr, VIRTIO_MMIO_STATUS, 0)
	require.Equal(t, "reset", dev.calls[len(dev.calls)-1])
	require.Zero(t, read(t, tr, VIRTIO_MMIO_STATUS))
	require.Zero(t, read(t, tr, VIRTIO_MMIO_QUEUE_READY))
	require.Zero(t, read(t, tr, VIRTIO_MMIO_QUEUE_NUM))
	require.Zero(t, read(t, tr, VIRTIO_MMIO_INTERRUPT_STATUS))
}

func TestNotify(t *testing.T) {
	dev := &fakeDevice{offered: testFeatures}
	tr := newTransport(dev, Options{})

	write(t, tr, VIRTIO_MMIO_QUEUE_NOTIFY, 1)
	require.Equal(t, []uint32{1}, dev.kicks)
}

func TestInterrupts(t *testing.T) {
	tr := newTransport(&fakeDevice{offered: testFeatures}, Options{})
	require.Zero(t, read(t, tr, VIRTIO_MMIO_INTERRUPT_STATUS))

	tr.QueueCompleted(0)
	require.EqualValues(t, VIRTIO_MMIO_INT_VRING, read(t, tr, VIRTIO_MMIO_INTERRUPT_STATUS))
	write(t, tr, VIRTIO_MMIO_INTERRUPT_ACK, VIRTIO_MMIO_INT_VRING)
	require.Zero(t, read(t, tr, VIRTIO_MMIO_INTERRUPT_STATUS))

	direct := newTransport(&fakeDevice{offered: testFeatures}, Options{DirectInterrupts: true})
	require.EqualValues(t, VIRTIO_MMIO_INT_VRING, read(t, direct, VIRTIO_MMIO_INTERRUPT_STATUS))
}

func TestConfigSpace(t *testing.T) {
	dev := &fakeDevice{offered: testFeatures, config: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	tr := newTransport(dev, Options{})
	ctx := context.Background()

	v, err := tr.Read(ctx, VIRTIO_MMIO_CONFIG+2, 2)
	require.NoError(t, err)
	require.EqualValues(t, 0x0403, v)

	require.NoError(t, tr.Write(ctx, VIRTIO_MMIO_CONFIG+4, 1, 0xaa))
	require.EqualValues(t, 0xaa, dev.config[4])
	require.EqualValues(t, 1, read(t, tr, VIRTIO_MMIO_CONFIG_GENERATION))

	// Without config space reads see zero and writes are dropped.
	none := newTransport(&fakeDevice{offered: testFeatures}, Options{})
	v, err = none.Read(ctx, VIRTIO_MMIO_CONFIG, 4)
	require.NoError(t, err)
	require.Zero(t, v)
	require.NoError(t, none.Write(ctx, VIRTIO_MMIO_CONFIG, 4, 1))
	require.Zero(t, read(t, none, VIRTIO_MMIO_CONFIG_GENERATION))
}

func TestBadAccess(t *testing.T) {
	tr := newTransport(&fakeDevice{offered: testFeatures}, Options{})
	ctx := context.Background()

	tests := []struct {
		name   string
		offset uint64
		size   uint32
	}{
		{"narrow register access", VIRTIO_MMIO_STATUS, 1},
		{"unaligned register", VIRTIO_MMIO_STATUS + 2, 4},
		{"odd config width", VIRTIO_MMIO_CONFIG, 3},
		{"no register", 0x0f0, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.Read(ctx, tt.offset, tt.size)
			require.ErrorIs(t, err, vuerr.ErrConfiguration)
		})
	}

	// Read-only registers reject stores.
	err := tr.Write(ctx, VIRTIO_MMIO_MAGIC_VALUE, 4, 1)
	require.ErrorIs(t, err, vuerr.ErrConfiguration)
}
