package frontend

import (
	"fmt"
	"slices"
)

// DeviceType describes a virtio device kind the frontend can drive.
type DeviceType struct {
	ID        uint32
	Name      string
	NumQueues int
	QueueSize uint32
}

// Compatible returns the device tree compatible string of t.
func (t DeviceType) Compatible() string {
	return fmt.Sprintf("virtio,device%d", t.ID)
}

var deviceTypes = []DeviceType{
	{ID: 1, Name: "net", NumQueues: 2, QueueSize: 1024},
	{ID: 2, Name: "blk", NumQueues: 1, QueueSize: 1024},
	{ID: 3, Name: "console", NumQueues: 2, QueueSize: 1024},
	{ID: 4, Name: "rng", NumQueues: 1, QueueSize: 1024},
	{ID: 19, Name: "vsock", NumQueues: 3, QueueSize: 256},
	{ID: 25, Name: "sound", NumQueues: 4, QueueSize: 1024},
	{ID: 26, Name: "fs", NumQueues: 2, QueueSize: 1024},
	{ID: 34, Name: "i2c", NumQueues: 1, QueueSize: 1024},
	{ID: 41, Name: "gpio", NumQueues: 2, QueueSize: 1024},
}

// LookupDeviceType returns the device type with virtio id.
func LookupDeviceType(id uint32) (DeviceType, error) {
	i := slices.IndexFunc(deviceTypes, func(t DeviceType) bool { return t.ID == id })
	if i < 0 {
		return DeviceType{}, fmt.Errorf("virtio device %d is not supported", id)
	}
	return deviceTypes[i], nil
}

// DeviceTypes returns every supported device type.
func DeviceTypes() []DeviceType {
	return slices.Clone(deviceTypes)
}
