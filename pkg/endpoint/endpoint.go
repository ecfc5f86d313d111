// Package endpoint implements the client-facing half of the bus: Join
// either becomes the bus's controller (if nobody has registered the
// identifier yet and ControllerAffinity is set) or a client connected
// to an existing one, then hands back a Sender/Receiver pair. Grounded
// on lib.rs's join/Rule/EndpointSender/EndpointReceiver, with the
// Client/Server enum flattened into two concrete Go types sharing a
// common interface rather than a tagged union, and the
// reconnect-on-disconnect epoch guard implemented as a comparison of
// the current rule pointer under a RWMutex instead of a numeric
// counter.
package endpoint

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hiomesh/ipmb-go/affinity"
	"github.com/hiomesh/ipmb-go/pkg/controller"
	"github.com/hiomesh/ipmb-go/pkg/handle"
	"github.com/hiomesh/ipmb-go/pkg/ipmberr"
	"github.com/hiomesh/ipmb-go/pkg/ipmblog"
	"github.com/hiomesh/ipmb-go/pkg/label"
	"github.com/hiomesh/ipmb-go/pkg/mux"
	"github.com/hiomesh/ipmb-go/pkg/rendezvous"
	"github.com/hiomesh/ipmb-go/pkg/wire"
)

// Options mirrors options.rs's Options: the bus identifier, this
// endpoint's own routing label, and the shared access token every
// endpoint on the bus must present.
type Options struct {
	Identifier string
	Label      label.Label
	Token      string
	Version    wire.Version
	Logger     *ipmblog.Logger

	// Registrar overrides the rendezvous backend; nil uses
	// rendezvous.Default. Tests substitute internal/busfake's
	// in-memory network here so Join's client/server election and the
	// full join->route->recv path run without real sockets.
	Registrar rendezvous.Registrar
	// Mux overrides the controller's readiness multiplexer when this
	// Join becomes the bus's controller; nil uses mux.New(). Must be
	// set alongside Registrar when substituting busfake.Network, since
	// its Listener/Conn FDs are synthetic and unusable by a real
	// epoll/kqueue-backed Mux.
	Mux mux.Mux
	// AffinityCPU pins this endpoint's receive pump (client rule) or
	// controller loop (server rule) to a logical CPU. nil leaves the
	// thread unpinned.
	AffinityCPU *int
	// SweepInterval overrides the server rule's controller liveness
	// sweep cadence; zero uses controller.Options's own default.
	SweepInterval time.Duration
	// AckTimeout bounds how long a client rule waits for the
	// controller's ConnectMessageAck during Join; zero blocks
	// indefinitely.
	AckTimeout time.Duration
	// RetryBackoff is slept before Send's reconnect attempt on a
	// disconnected client rule, to avoid hammering a controller that
	// just restarted.
	RetryBackoff time.Duration

	// ControllerAffinity, when true, lets this endpoint become the bus's
	// controller when LookUp finds the identifier unclaimed: Join then
	// attempts registration, and if another endpoint wins that race it
	// loops back to joining as a client. An existing controller is always
	// joined as a client. When false, Join only ever retries the client
	// connection.
	ControllerAffinity bool
	// JoinTimeout bounds the total time Join spends retrying, with or
	// without ControllerAffinity; zero blocks indefinitely.
	JoinTimeout time.Duration
	// JoinRetryInterval is slept between Join attempts while no
	// controller could be joined or registered; zero uses a 50ms
	// default.
	JoinRetryInterval time.Duration
}

func (o Options) joinRetryInterval() time.Duration {
	if o.JoinRetryInterval > 0 {
		return o.JoinRetryInterval
	}
	return 50 * time.Millisecond
}

func (o Options) registrar() rendezvous.Registrar {
	if o.Registrar == nil {
		return rendezvous.Default
	}
	return o.Registrar
}

func (o Options) version() wire.Version {
	if (o.Version == wire.Version{}) {
		return wire.CurrentVersion
	}
	return o.Version
}

func (o Options) logger() *ipmblog.Logger {
	if o.Logger == nil {
		return ipmblog.Default()
	}
	return o.Logger
}

// inbound is one received message queued for a Receiver.
type inbound struct {
	decoded wire.DecodedMessage
	err     error
}

// rule is the Client/Server split of lib.rs's Rule enum: whatever Join
// settled on, a Sender/Receiver pair only needs send/close.
type rule interface {
	send(frame []byte, handles []*handle.Handle) error
	close()
}

// Endpoint bundles the send and receive halves Join returns; unlike
// lib.rs's split EndpointSender<T>/EndpointReceiver<R>, Go's lack of a
// MessageBox-equivalent static payload binding makes a single handle
// more ergonomic, with payload typing left to the caller's use of
// wire.DecodePayload.
type Endpoint struct {
	opts Options

	mu   sync.RWMutex
	r    rule
	inCh chan inbound
}

// Join connects to options.Identifier. If an endpoint already registered
// the identifier, this Join becomes a client of it. Otherwise, behavior
// depends on opts.ControllerAffinity: when set, this Join retries
// registration (with opts.joinRetryInterval backoff, re-checking for a
// client to join between attempts in case another endpoint wins the
// race) until it becomes the controller or opts.JoinTimeout elapses;
// when unset, Join never takes over as controller itself and instead
// keeps retrying the client connection until one becomes available or
// JoinTimeout elapses. A zero JoinTimeout blocks indefinitely in either
// case. The returned Endpoint is usable immediately; reconnection on a
// dropped client transport happens inside Send only. Recv does not
// reconnect: it returns the Disconnect error the receive pump reports.
func Join(opts Options) (*Endpoint, error) {
	ep := &Endpoint{opts: opts, inCh: make(chan inbound, 64)}

	var deadline time.Time
	hasDeadline := opts.JoinTimeout > 0
	if hasDeadline {
		deadline = time.Now().Add(opts.JoinTimeout)
	}

	for {
		r, err := newClientRule(opts, ep.inCh)
		if err == nil {
			ep.r = r
			return ep, nil
		}
		if !ipmberr.Is(err, ipmberr.KindIdentifierNotInUse) {
			return nil, err
		}

		if opts.ControllerAffinity {
			r2, err := newServerRule(opts, ep.inCh)
			if err == nil {
				ep.r = r2
				return ep, nil
			}
			if !ipmberr.Is(err, ipmberr.KindIdentifierInUse) {
				return nil, err
			}
			// Another endpoint won registration between our LookUp and
			// Register; loop around and join it as a client instead.
		}

		if hasDeadline && time.Now().After(deadline) {
			return nil, ipmberr.New(ipmberr.KindTimeout, "endpoint: join timed out")
		}
		time.Sleep(opts.joinRetryInterval())
	}
}

// Send encodes and transmits msg. On a client rule, a disconnected
// transport triggers exactly one reconnect attempt before failing,
// mirroring lib.rs's epoch-guarded Rule::join retry.
func (ep *Endpoint) Send(msg wire.Message[wire.BytesMessage]) error {
	frame := msg.Encode(ep.opts.version())
	handles := msg.OrderedHandles()

	// §4.2 send accounting: pre-increment every outgoing region's
	// refcount before handing it to the transport, rolling back on
	// failure so a dropped send never leaks a count the receiver will
	// never cancel.
	for _, r := range msg.MemoryRegions {
		r.PreSend()
	}
	undoRegions := func() {
		for _, r := range msg.MemoryRegions {
			r.UndoPreSend()
		}
	}

	ep.mu.RLock()
	r := ep.r
	ep.mu.RUnlock()

	err := r.send(frame, handles)
	if err == nil {
		return nil
	}
	if !ipmberr.Is(err, ipmberr.KindDisconnect) {
		undoRegions()
		return err
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.r != r {
		// Another Send already reconnected; retry against the fresh rule.
		if err := ep.r.send(frame, handles); err != nil {
			undoRegions()
			return err
		}
		return nil
	}
	if ep.opts.RetryBackoff > 0 {
		time.Sleep(ep.opts.RetryBackoff)
	}
	newR, joinErr := newClientRule(ep.opts, ep.inCh)
	if joinErr != nil {
		undoRegions()
		return joinErr
	}
	ep.r.close()
	ep.r = newR
	if err := ep.r.send(frame, handles); err != nil {
		undoRegions()
		return err
	}
	return nil
}

// Recv blocks for the next message matching this endpoint's label, or
// returns ipmberr.KindTimeout after timeout elapses (timeout < 0 blocks
// indefinitely).
func (ep *Endpoint) Recv(timeout time.Duration) (wire.DecodedMessage, error) {
	if timeout < 0 {
		in := <-ep.inCh
		return in.decoded, in.err
	}
	select {
	case in := <-ep.inCh:
		return in.decoded, in.err
	case <-time.After(timeout):
		return wire.DecodedMessage{}, ipmberr.New(ipmberr.KindTimeout, "endpoint: recv timed out")
	}
}

// Close releases the underlying transport (client socket, or owned
// controller).
func (ep *Endpoint) Close() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.r.close()
	return nil
}

// clientRule is a Client, connected to a controller run by another
// process (or another Endpoint in this same process).
type clientRule struct {
	conn    rendezvous.Conn
	version wire.Version
	stopped atomic.Bool
}

func newClientRule(opts Options, inCh chan inbound) (*clientRule, error) {
	conn, err := opts.registrar().LookUp(opts.Identifier)
	if err != nil {
		return nil, err
	}

	connectMsg := wire.NewMessage(wire.NewUnicastSelector(label.True(), 0), wire.ConnectMessage{
		Version: opts.version(),
		Token:   opts.Token,
		Label:   opts.Label,
	})
	if err := conn.Send(connectMsg.Encode(opts.version()), nil); err != nil {
		conn.Close()
		return nil, ipmberr.Wrap(ipmberr.KindDisconnect, "endpoint: send connect", err)
	}

	raw, err := recvAck(conn, opts.AckTimeout)
	if err != nil {
		conn.Close()
		return nil, err
	}
	decoded, err := wire.DecodeMessage(raw, opts.version(), nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	ack, ok := decoded.Payload.(wire.ConnectMessageAck)
	if !ok {
		conn.Close()
		return nil, ipmberr.New(ipmberr.KindDecode, "endpoint: expected connect ack")
	}
	switch ack.Status {
	case wire.ConnectAckErrVersion:
		conn.Close()
		return nil, ipmberr.New(ipmberr.KindVersionMismatch, ack.ServerVersion.String())
	case wire.ConnectAckErrToken:
		conn.Close()
		return nil, ipmberr.New(ipmberr.KindTokenMismatch, "endpoint: bad token")
	}

	cr := &clientRule{conn: conn, version: opts.version()}
	go cr.pump(opts, inCh)
	return cr, nil
}

// recvAck waits for the controller's ConnectMessageAck, bounded by
// timeout (zero blocks indefinitely), matching bus.Config's
// rendezvous-ack-timeout tunable.
func recvAck(conn rendezvous.Conn, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		raw, _, err := conn.Recv()
		if err != nil {
			return nil, ipmberr.Wrap(ipmberr.KindDisconnect, "endpoint: recv connect ack", err)
		}
		return raw, nil
	}

	type result struct {
		raw []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		raw, _, err := conn.Recv()
		done <- result{raw: raw, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, ipmberr.Wrap(ipmberr.KindDisconnect, "endpoint: recv connect ack", r.err)
		}
		return r.raw, nil
	case <-time.After(timeout):
		return nil, ipmberr.New(ipmberr.KindTimeout, "endpoint: connect ack timed out")
	}
}

func (cr *clientRule) pump(opts Options, inCh chan inbound) {
	if opts.AffinityCPU != nil {
		runtime.LockOSThread()
		if err := affinity.SetAffinity(*opts.AffinityCPU); err != nil {
			opts.logger().Errorf("endpoint: set affinity: %v", err)
		}
	}

	for {
		raw, handles, err := cr.conn.Recv()
		if err != nil {
			if !cr.stopped.Load() {
				inCh <- inbound{err: ipmberr.Wrap(ipmberr.KindDisconnect, "endpoint: transport closed", err)}
			}
			return
		}
		decoded, err := wire.DecodeMessage(raw, cr.version, handles)
		if err != nil {
			continue
		}
		if !decoded.Selector.LabelOp.Validate(opts.Label) {
			continue
		}
		inCh <- inbound{decoded: decoded}
	}
}

func (cr *clientRule) send(frame []byte, handles []*handle.Handle) error {
	if err := cr.conn.Send(frame, handles); err != nil {
		return ipmberr.Wrap(ipmberr.KindDisconnect, "endpoint: send", err)
	}
	return nil
}

func (cr *clientRule) close() {
	cr.stopped.Store(true)
	cr.conn.Close()
}

// serverRule is a Server: this process owns the controller for
// opts.Identifier, and this Endpoint is the controller's local,
// in-process "bus owner" endpoint (lib.rs's Rule::Server), delivered to
// directly rather than over a socket.
type serverRule struct {
	ctrl *controller.Controller
}

type localSink struct {
	opts Options
	inCh chan inbound
}

func (s *localSink) Deliver(sel wire.Selector, raw []byte, handles []*handle.Handle) {
	decoded, err := wire.DecodeMessage(raw, s.opts.version(), handles)
	if err != nil {
		return
	}
	if !decoded.Selector.LabelOp.Validate(s.opts.Label) {
		return
	}
	s.inCh <- inbound{decoded: decoded}
}

func newServerRule(opts Options, inCh chan inbound) (*serverRule, error) {
	sink := &localSink{opts: opts, inCh: inCh}
	ctrl, err := controller.New(controller.Options{
		Identifier:    opts.Identifier,
		Label:         opts.Label,
		Token:         opts.Token,
		Version:       opts.version(),
		Local:         sink,
		Logger:        opts.logger(),
		Registrar:     opts.Registrar,
		Mux:           opts.Mux,
		AffinityCPU:   opts.AffinityCPU,
		SweepInterval: opts.SweepInterval,
	})
	if err != nil {
		return nil, err
	}
	go ctrl.Run()
	return &serverRule{ctrl: ctrl}, nil
}

func (sr *serverRule) send(frame []byte, handles []*handle.Handle) error {
	return sr.ctrl.SendLocal(frame, handles)
}

func (sr *serverRule) close() {
	sr.ctrl.Close()
}
