// Package daemon runs every sync and delivery protocol of the mirror
// against one data directory.
package daemon

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/darknightghost/LinuxSourceMirror/internal/mirror"
	"github.com/darknightghost/LinuxSourceMirror/internal/scheduler"
	"github.com/darknightghost/LinuxSourceMirror/internal/server"
)

// Protocol is a long-running subsystem of the daemon.
type Protocol interface {
	Name() string
	// Start launches the subsystem in the background.
	Start(ctx context.Context) error
	// Stop ends the subsystem and returns its fatal error, if any.
	Stop() error
	// Done is closed once the subsystem has ended.
	Done() <-chan struct{}
	// Err returns the fatal error after Done is closed.
	Err() error
}

// Kind enumerates the protocols known to the daemon.
type Kind int

// Protocol kinds, in start order.
const (
	KindRsync Kind = iota
	KindHTTP
)

// Role tells whether a protocol fetches or publishes content.
type Role int

// Protocol roles.
const (
	RoleSync Role = iota
	RoleDelivery
)

func (r Role) String() string {
	switch r {
	case RoleSync:
		return "sync"
	case RoleDelivery:
		return "delivery"
	}
	return "unknown"
}

// Kinds returns every protocol kind in start order.
func Kinds() []Kind {
	return []Kind{KindRsync, KindHTTP}
}

func (k Kind) String() string {
	switch k {
	case KindRsync:
		return mirror.ProtocolRsync
	case KindHTTP:
		return server.ProtocolName
	}
	return "unknown"
}

// Role returns the role of the protocol kind.
func (k Kind) Role() Role {
	if k == KindHTTP {
		return RoleDelivery
	}
	return RoleSync
}

// New builds the protocol of the given kind.
func New(kind Kind, config *mirror.Config, registry *mirror.Registry) (Protocol, error) {
	switch kind {
	case KindRsync:
		return scheduler.New(&config.ClientProtocols.Rsync, registry), nil
	case KindHTTP:
		return server.NewServer(&config.ServerProtocols.HTTP, registry), nil
	}
	return nil, errors.Newf("unknown protocol kind %d", int(kind))
}
