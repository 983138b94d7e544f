//go:build linux

package factory

import (
	"fmt"

	"github.com/tinyrange/vufront/internal/hv"
	"github.com/tinyrange/vufront/internal/hv/bao"
	"github.com/tinyrange/vufront/internal/hv/hosted"
	"github.com/tinyrange/vufront/internal/hv/kvm"
)

// Open selects and opens a bridge variant.
func Open(kind hv.Kind, opts Options) (hv.Bridge, error) {
	switch kind {
	case hv.KindBao:
		b, err := bao.Open(bao.Options{Device: opts.BaoDevice, GuestID: opts.GuestID, Logger: opts.Logger})
		if err != nil {
			return nil, err
		}
		return b, nil
	case hv.KindKVM:
		b, err := kvm.Open(kvm.Options{VMFD: opts.VMFD, RegisterSlots: opts.RegisterSlots, Logger: opts.Logger})
		if err != nil {
			return nil, err
		}
		return b, nil
	case hv.KindHosted:
		return hosted.New(opts.Logger), nil
	default:
		return nil, fmt.Errorf("unsupported hypervisor %q", kind)
	}
}
