package factory

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/tinyrange/vufront/internal/hv"
)

// Options carries the settings of every bridge variant; each variant reads
// only its own fields.
type Options struct {
	// Bao
	BaoDevice string
	GuestID   int

	// KVM
	VMFD          int
	RegisterSlots bool

	Logger *slog.Logger
}

// ParseKind maps a configuration string to a bridge kind.
func ParseKind(s string) (hv.Kind, error) {
	switch k := hv.Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case hv.KindBao, hv.KindKVM, hv.KindHosted:
		return k, nil
	default:
		return hv.KindInvalid, fmt.Errorf("unknown hypervisor %q (want bao, kvm or hosted)", s)
	}
}
