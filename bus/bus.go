// Package bus is the facade package external callers import: Join,
// Config, and the Send/Recv surface, orchestrating pkg/endpoint,
// pkg/label, pkg/region and pkg/regionregistry behind one composable
// entry point.
package bus

import (
	"time"

	"github.com/hiomesh/ipmb-go/pkg/endpoint"
	"github.com/hiomesh/ipmb-go/pkg/ipmblog"
	"github.com/hiomesh/ipmb-go/pkg/label"
	"github.com/hiomesh/ipmb-go/pkg/region"
	"github.com/hiomesh/ipmb-go/pkg/regionregistry"
	"github.com/hiomesh/ipmb-go/pkg/rendezvous"
	"github.com/hiomesh/ipmb-go/pkg/wire"
)

// Config holds the tunables for this process's bus participation:
// socket buffer sizing, liveness sweep interval, join retry backoff and
// the rendezvous ack timeout.
type Config struct {
	SocketBufferSize  int
	LivenessInterval  time.Duration
	JoinRetryBackoff  time.Duration
	RendezvousTimeout time.Duration
	// JoinTimeout bounds how long Join spends waiting for a controller
	// to exist (Options.ControllerAffinity false) or contending to
	// become one itself (Options.ControllerAffinity true). Zero blocks
	// indefinitely.
	JoinTimeout time.Duration
}

// DefaultConfig provides a baseline Config for most use cases; fields may
// be overridden before passing to Join.
func DefaultConfig() *Config {
	return &Config{
		SocketBufferSize:  64 << 10,
		LivenessInterval:  30 * time.Second,
		JoinRetryBackoff:  200 * time.Millisecond,
		RendezvousTimeout: 2 * time.Second,
		JoinTimeout:       0,
	}
}

// Options identifies the bus to join and this process's place on it:
// the namespace identifier, this endpoint's routing label, and the
// shared access token.
type Options struct {
	Identifier string
	Label      label.Label
	Token      string
	Config     *Config
	Logger     *ipmblog.Logger
	// AffinityCPU pins this endpoint's background goroutine (the
	// controller loop if Join becomes the bus owner, the receive pump
	// otherwise) to a logical CPU via the affinity package. nil leaves
	// the thread unpinned.
	AffinityCPU *int
	// ControllerAffinity, when true, lets this process become the bus's
	// controller when no controller has claimed Identifier; an existing
	// controller is still joined as a client. When false, Join only
	// waits for a controller to appear (bounded by Config.JoinTimeout).
	// Distinct from AffinityCPU, which only pins a goroutine to a CPU and
	// has no bearing on the client/controller election.
	ControllerAffinity bool
}

// Bus is a joined endpoint: a Sender/Receiver pair plus the shared
// region registry this process uses to allocate outgoing shared memory.
type Bus struct {
	ep       *endpoint.Endpoint
	registry *regionregistry.Registry
}

// Join connects to (or, if unclaimed and opts.ControllerAffinity is
// set, becomes the controller for) options.Identifier. The returned Bus is immediately usable for both
// Send and Recv.
func Join(opts Options) (*Bus, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.SocketBufferSize > 0 {
		rendezvous.BufferSize = cfg.SocketBufferSize
	}

	ep, err := endpoint.Join(endpoint.Options{
		Identifier:         opts.Identifier,
		Label:              opts.Label,
		Token:              opts.Token,
		Logger:             opts.Logger,
		AffinityCPU:        opts.AffinityCPU,
		SweepInterval:      cfg.LivenessInterval,
		AckTimeout:         cfg.RendezvousTimeout,
		RetryBackoff:       cfg.JoinRetryBackoff,
		ControllerAffinity: opts.ControllerAffinity,
		JoinTimeout:        cfg.JoinTimeout,
	})
	if err != nil {
		return nil, err
	}

	return &Bus{
		ep:       ep,
		registry: regionregistry.New(),
	}, nil
}

// Send transmits a BytesMessage built from sel, format and data.
func Send(b *Bus, sel wire.Selector, format uint16, data []byte) error {
	msg := wire.NewMessage(sel, wire.BytesMessage{Format: format, Data: data})
	return b.ep.Send(msg)
}

// SendMessage transmits a caller-built message, the variant of Send that
// lets generic handles and shared memory regions (via
// wire.Message.Handles / wire.Message.MemoryRegions, e.g. regions from
// AllocateRegion) ride alongside the payload.
func SendMessage(b *Bus, msg wire.Message[wire.BytesMessage]) error {
	return b.ep.Send(msg)
}

// Recv blocks for the next message addressed to this endpoint's label.
func Recv(b *Bus, timeout time.Duration) (wire.DecodedMessage, error) {
	return b.ep.Recv(timeout)
}

// AllocateRegion borrows a reusable shared-memory region of at least
// size bytes from the bus's registry, for attaching to an outgoing
// message via wire.Message.MemoryRegions. tag == "" pools untagged
// regions together; passing a tag (e.g. a peer identifier) keeps
// separate size/tag buckets from being reused across unrelated peers.
func (b *Bus) AllocateRegion(size uint64, tag string) (*region.Region, error) {
	return b.registry.Alloc(size, tag)
}

// Close releases this endpoint's transport (and, if this process owns
// the controller, the controller itself).
func (b *Bus) Close() error {
	return b.ep.Close()
}

// Unicast builds a selector matching op, delivered to the first
// connected endpoint that matches.
func Unicast(op label.LabelOp, ttl time.Duration) wire.Selector {
	return wire.NewUnicastSelector(op, ttl)
}

// Multicast builds a selector delivered to every connected endpoint
// that matches op.
func Multicast(op label.LabelOp, ttl time.Duration) wire.Selector {
	return wire.NewMulticastSelector(op, ttl)
}
