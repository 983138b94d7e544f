//go:build linux

package bao

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"unsafe"
)

func TestIoctlNumbers(t *testing.T) {
	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"backend create", ioctlBackendCreate, 0x4004A601},
		{"backend destroy", ioctlBackendDestroy, 0x4004A602},
		{"create I/O client", ioctlIOCreateClient, 0xA603},
		{"destroy I/O client", ioctlIODestroyClient, 0xA604},
		{"attach I/O client", ioctlIOAttachClient, 0xA605},
		{"I/O request", ioctlIORequest, 0xC038A606},
		{"I/O request completed", ioctlIONotifyCompleted, 0x4038A607},
		{"notify guest", ioctlNotifyGuest, 0xA608},
		{"ioeventfd", ioctlIOEventFD, 0x4020A609},
		{"irqfd", ioctlIRQFD, 0x4008A60A},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Fatalf("got %#x, want %#x", tt.got, tt.want)
			}
		})
	}
}

func TestStructLayout(t *testing.T) {
	if s := unsafe.Sizeof(ioEventFD{}); s != 32 {
		t.Fatalf("ioEventFD is %d bytes", s)
	}
	if s := unsafe.Offsetof(ioEventFD{}.Data); s != 24 {
		t.Fatalf("ioEventFD.Data at %d", s)
	}
	if s := unsafe.Sizeof(ioRequest{}); s != 56 {
		t.Fatalf("ioRequest is %d bytes", s)
	}
	if s := unsafe.Offsetof(ioRequest{}.Value); s != 32 {
		t.Fatalf("ioRequest.Value at %d", s)
	}
	if s := unsafe.Sizeof(irqFD{}); s != 8 {
		t.Fatalf("irqFD is %d bytes", s)
	}
}

func TestOpenMissingDevice(t *testing.T) {
	_, err := Open(Options{Device: filepath.Join(t.TempDir(), "bao")})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Open: %v", err)
	}
}
