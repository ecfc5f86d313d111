// Package rendezvous implements the namespace lookup/register step that
// lets two unrelated processes on the same machine find each other and
// exchange the first handle: either connecting to an already-registered
// bus identifier (LookUp) or claiming one and accepting connections
// (Register).
package rendezvous

import (
	"github.com/hiomesh/ipmb-go/pkg/handle"
)

// Conn is a connected point-to-point transport capable of carrying one
// wire frame plus a set of OS handles per message, the shape both the
// bootstrap ConnectMessage exchange and steady-state traffic use.
type Conn interface {
	// Send writes one message: the encoded frame bytes, plus handles
	// (ordinary handles followed by region-backing handles) to be
	// duplicated into the peer out of band.
	Send(frame []byte, handles []*handle.Handle) error

	// Recv blocks for the next message, returning its frame bytes and
	// any handles the peer attached, already duplicated into this
	// process.
	Recv() (frame []byte, handles []*handle.Handle, err error)

	// FD exposes the underlying descriptor for readiness-multiplexer
	// registration (pkg/mux).
	FD() int

	// IsAlive reports whether the peer still appears connected, without
	// consuming any pending data. Used by the liveness sweep (spec
	// §4.6's detect_reachable) to prune endpoints whose process died
	// without a clean disconnect.
	IsAlive() bool

	Close() error
}

// Listener accepts inbound Conns for a registered bus identifier.
type Listener interface {
	Accept() (Conn, error)
	FD() int
	Close() error
}

// Registrar abstracts LookUp/Register so callers (pkg/controller,
// pkg/endpoint) can be pointed at a substitute backend in tests -
// internal/busfake's in-memory network - instead of the platform's real
// socket/pipe transport.
type Registrar interface {
	LookUp(identifier string) (Conn, error)
	Register(identifier string) (Listener, error)
}

type defaultRegistrar struct{}

func (defaultRegistrar) LookUp(identifier string) (Conn, error)     { return LookUp(identifier) }
func (defaultRegistrar) Register(identifier string) (Listener, error) { return Register(identifier) }

// Default is the Registrar backed by this platform's real LookUp/Register.
var Default Registrar = defaultRegistrar{}
