//go:build linux

package kvm

const (
	kvmCheckExtension      = 0xae03
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmIrqLine             = 0x4008ae61
	kvmIrqfd               = 0x4020ae76
	kvmIoeventfd           = 0x4040ae79
)

const (
	kvmCapIrqfd     = 32
	kvmCapIoeventfd = 36
)

const (
	kvmIoeventfdFlagDatamatch = 1 << 0
	kvmIoeventfdFlagPIO       = 1 << 1
	kvmIoeventfdFlagDeassign  = 1 << 2

	kvmIrqfdFlagDeassign = 1 << 0
)
