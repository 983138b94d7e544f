//go:build linux

package kvm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

func checkExtension(vmFd int, capability int) (bool, error) {
	v, err := ioctlWithRetry(uintptr(vmFd), kvmCheckExtension, uintptr(capability))
	if err != nil {
		return false, err
	}
	return v > 0, nil
}

func setUserMemoryRegion(vmFd int, region *kvmUserspaceMemoryRegion) error {
	_, err := ioctlWithRetry(uintptr(vmFd), kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))
	return err
}

func irqLevel(vmFd int, irqLine uint32, level bool) error {
	var line kvmIRQLevel

	line.IRQOrStatus = irqLine
	if level {
		line.Level = 1
	}

	_, err := ioctlWithRetry(uintptr(vmFd), kvmIrqLine, uintptr(unsafe.Pointer(&line)))
	return err
}

func pulseIRQ(vmFd int, irqLine uint32) error {
	if err := irqLevel(vmFd, irqLine, true); err != nil {
		return fmt.Errorf("setting IRQ line high: %w", err)
	}
	if err := irqLevel(vmFd, irqLine, false); err != nil {
		return fmt.Errorf("setting IRQ line low: %w", err)
	}
	return nil
}

func setIoeventfd(vmFd int, args *kvmIoeventfdArgs) error {
	_, err := ioctlWithRetry(uintptr(vmFd), kvmIoeventfd, uintptr(unsafe.Pointer(args)))
	return err
}

func setIrqfd(vmFd int, args *kvmIrqfdArgs) error {
	_, err := ioctlWithRetry(uintptr(vmFd), kvmIrqfd, uintptr(unsafe.Pointer(args)))
	return err
}
