//go:build !linux

package factory

import "github.com/tinyrange/vufront/internal/hv"

func Open(kind hv.Kind, opts Options) (hv.Bridge, error) {
	return nil, hv.ErrHypervisorUnsupported
}
