// Package kernel implements engine.Backend on top of the Linux network
// stack. Links, addresses and routes go through netlink; offload features
// through ethtool. The backend can be bound to a named network namespace.
//
// The kernel has no native checkpoint, so checkpoints are snapshots kept
// in memory and a revert reconciles the live state back to the snapshot.
// Open vSwitch interfaces and the dns-resolver section are reported as
// unsupported.
package kernel

import (
	"errors"
	"fmt"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/vishvananda/netlink"

	"github.com/openfroyo/netfroyo/pkg/errdefs"
)

// Backend manages the network stack of one namespace.
type Backend struct {
	nl     Netlinker
	eth    Ethtooler
	logger zerolog.Logger

	mu          sync.Mutex
	checkpoints map[string]*checkpoint
	reverted    map[string]bool
	live        string
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the backend logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Backend) { b.logger = l.With().Str("component", "kernel").Logger() }
}

// New creates a backend over the given netlink and ethtool handles.
// A nil Ethtooler disables offload features.
func New(nl Netlinker, eth Ethtooler, opts ...Option) *Backend {
	b := &Backend{
		nl:          nl,
		eth:         eth,
		logger:      zerolog.Nop(),
		checkpoints: make(map[string]*checkpoint),
		reverted:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Close releases the netlink and ethtool handles.
func (b *Backend) Close() {
	b.nl.Close()
	if b.eth != nil {
		b.eth.Close()
	}
}

// classify wraps a netlink or ethtool failure. Busy and would-block
// errors are transient; missing privileges are permanent.
func classify(msg string, err error) *errdefs.EngineError {
	e := errdefs.NewBackendError(msg, err)
	switch {
	case errors.Is(err, syscall.EBUSY), errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		e.WithClass(errdefs.ErrorClassTransient)
	case errors.Is(err, syscall.EPERM), errors.Is(err, syscall.EACCES):
		e.WithCode(errdefs.ErrCodePermissionDenied)
	case errors.Is(err, syscall.EEXIST):
		e.WithCode(errdefs.ErrCodeAlreadyExists)
	case isNotFound(err):
		e.WithCode(errdefs.ErrCodeNotFound)
	}
	return e
}

func isNotFound(err error) bool {
	var nf netlink.LinkNotFoundError
	return errors.As(err, &nf) || errors.Is(err, syscall.ENODEV)
}

func unsupported(format string, args ...interface{}) *errdefs.EngineError {
	return errdefs.NewBackendError(fmt.Sprintf(format, args...), nil).
		WithCode(errdefs.ErrCodeUnsupported)
}
