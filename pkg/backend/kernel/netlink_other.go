//go:build !linux
// +build !linux

package kernel

import (
	"github.com/openfroyo/netfroyo/pkg/errdefs"
)

// Open is only available on Linux.
func Open(nsName string, opts ...Option) (*Backend, error) {
	return nil, errdefs.NewBackendError("the kernel backend requires Linux", nil).
		WithCode(errdefs.ErrCodeUnsupported)
}
