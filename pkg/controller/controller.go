// Package controller implements the bus controller: the process that
// owns a registered bus identifier, accepts connecting endpoints, and
// routes messages between them by label predicate. Grounded on
// ipmb/src/bus_controller.rs's BusController, restructured around
// pkg/mux's blocking Wait instead of a per-platform IoHub.
package controller

import (
	"runtime"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"github.com/hiomesh/ipmb-go/affinity"
	"github.com/hiomesh/ipmb-go/pkg/handle"
	"github.com/hiomesh/ipmb-go/pkg/ipmberr"
	"github.com/hiomesh/ipmb-go/pkg/ipmblog"
	"github.com/hiomesh/ipmb-go/pkg/label"
	"github.com/hiomesh/ipmb-go/pkg/mux"
	"github.com/hiomesh/ipmb-go/pkg/rendezvous"
	"github.com/hiomesh/ipmb-go/pkg/wire"
)

// EndpointID uniquely identifies an endpoint connected to a bus,
// assigned by the controller on a successful connect handshake.
type EndpointID uuid.UUID

func newEndpointID() EndpointID { return EndpointID(uuid.New()) }

func (id EndpointID) String() string { return uuid.UUID(id).String() }

const reachableSweepInterval = 30 * time.Second

type endpointConn struct {
	id    EndpointID
	label label.Label
	conn  rendezvous.Conn
}

// bufferedMessage is a message the controller could not immediately
// route (no endpoint currently matches), parked until its TTL expires
// or a new endpoint connects.
type bufferedMessage struct {
	expire time.Time
	raw    []byte
	sel    wire.Selector
}

// LocalSink receives messages whose selector matches the controller's
// own label — the "bus owner" endpoint living in the same process as
// the controller, delivered in-process rather than over a socket.
// handles carries any generic/region-backing handles the message
// arrived with, in the same order DecodeMessage expects them.
type LocalSink interface {
	Deliver(sel wire.Selector, raw []byte, handles []*handle.Handle)
}

// Controller owns one registered bus identifier and routes messages
// among connected endpoints.
type Controller struct {
	label   label.Label
	token   string
	version wire.Version
	local   LocalSink
	logger  *ipmblog.Logger

	listener rendezvous.Listener
	mx       mux.Mux

	mu            sync.Mutex
	endpoints     []*endpointConn
	fdToEp        map[int]*endpointConn
	buffer        *queue.Queue
	lastSweep     time.Time
	closed        bool
	done          chan struct{}
	affinityCPU   *int
	sweepInterval time.Duration
}

// Options configures a new Controller.
type Options struct {
	Identifier string
	Label      label.Label
	Token      string
	Version    wire.Version
	Local      LocalSink
	Logger     *ipmblog.Logger

	// Registrar overrides the rendezvous backend used to claim
	// Identifier; nil uses rendezvous.Default. Tests substitute
	// internal/busfake's in-memory network here.
	Registrar rendezvous.Registrar
	// Mux overrides the readiness multiplexer; nil uses mux.New().
	Mux mux.Mux
	// AffinityCPU pins Run's OS thread to a logical CPU via
	// affinity.SetAffinity, matching bus_controller.rs's dedicated
	// controller thread being the one hot path worth isolating from the
	// scheduler. nil leaves the thread unpinned.
	AffinityCPU *int
	// SweepInterval overrides how often the liveness sweep runs; zero
	// uses reachableSweepInterval.
	SweepInterval time.Duration
}

// New registers identifier and returns a running-ready Controller. Call
// Run in its own goroutine to begin accepting and routing.
func New(opts Options) (*Controller, error) {
	registrar := opts.Registrar
	if registrar == nil {
		registrar = rendezvous.Default
	}
	listener, err := registrar.Register(opts.Identifier)
	if err != nil {
		return nil, err
	}

	mx := opts.Mux
	if mx == nil {
		mx, err = mux.New()
		if err != nil {
			listener.Close()
			return nil, err
		}
	}
	if err := mx.Register(listener.FD()); err != nil {
		mx.Close()
		listener.Close()
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = ipmblog.Default()
	}
	version := opts.Version
	if (version == wire.Version{}) {
		version = wire.CurrentVersion
	}

	sweepInterval := opts.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = reachableSweepInterval
	}

	return &Controller{
		label:         opts.Label,
		token:         opts.Token,
		version:       version,
		local:         opts.Local,
		logger:        logger,
		listener:      listener,
		mx:            mx,
		fdToEp:        make(map[int]*endpointConn),
		buffer:        queue.New(),
		lastSweep:     time.Now(),
		done:          make(chan struct{}),
		affinityCPU:   opts.AffinityCPU,
		sweepInterval: sweepInterval,
	}, nil
}

// Done closes once Run has returned, so callers can wait out a Close
// deterministically instead of racing the next mx.Wait timeout.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Wake interrupts a blocked Run iteration, used by Send to make a
// locally originated message visible without waiting for the next
// socket readiness event.
func (c *Controller) Wake() { c.mx.Wake() }

// SendLocal routes a message originating from the controller's own
// in-process endpoint (pkg/endpoint's Server rule), the same path the
// bus_sender channel feeds on the Rust side. handles are the caller's
// outbound handles/region backings, forwarded exactly like a message
// arriving over the wire from a remote endpoint.
func (c *Controller) SendLocal(raw []byte, handles []*handle.Handle) error {
	frame, err := wire.Decode(raw, c.version)
	if err != nil {
		return err
	}
	c.handleMessage(frame.Selector, raw, handles, nil)
	c.Wake()
	return nil
}

// Close releases the controller's listener and multiplexer, and closes
// every connected endpoint's transport.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	for _, ep := range c.endpoints {
		ep.conn.Close()
	}
	c.mu.Unlock()

	c.mx.Close()
	return c.listener.Close()
}

// Run drives the controller's accept/route loop until Close is called.
// It never returns on its own; call it from a dedicated goroutine, the
// way bus_controller.rs's run() spawns its own OS thread.
func (c *Controller) Run() {
	defer close(c.done)

	if c.affinityCPU != nil {
		runtime.LockOSThread()
		if err := affinity.SetAffinity(*c.affinityCPU); err != nil {
			c.logger.Errorf("controller: set affinity: %v", err)
		}
	}

	var events []int
	for {
		err := c.mx.Wait(&events, time.Second)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if err != nil {
			c.logger.Errorf("controller: wait: %v", err)
			continue
		}

		for _, fd := range events {
			c.handleReadyFD(fd)
		}

		c.sweep()
	}
}

func (c *Controller) handleReadyFD(fd int) {
	if fd == c.listener.FD() {
		c.acceptOne()
		return
	}

	c.mu.Lock()
	ep, ok := c.fdToEp[fd]
	c.mu.Unlock()
	if !ok {
		return
	}

	raw, handles, err := ep.conn.Recv()
	if err != nil {
		c.removeEndpoint(ep)
		for _, h := range handles {
			h.Release()
		}
		return
	}

	frame, err := wire.Decode(raw, c.version)
	if err != nil {
		if ipmberr.Is(err, ipmberr.KindVersionMismatch) {
			c.replyVersionMismatch(ep.conn, wire.Selector{LabelOp: label.True(), Mode: wire.Unicast})
		}
		return
	}

	c.handleMessage(frame.Selector, raw, handles, ep)
}

func (c *Controller) acceptOne() {
	conn, err := c.listener.Accept()
	if err != nil {
		c.logger.Errorf("controller: accept: %v", err)
		return
	}
	if err := c.mx.Register(conn.FD()); err != nil {
		conn.Close()
		return
	}

	ep := &endpointConn{conn: conn}
	c.mu.Lock()
	c.fdToEp[conn.FD()] = ep
	c.mu.Unlock()
}

func (c *Controller) removeEndpoint(ep *endpointConn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.fdToEp, ep.conn.FD())
	for i, e := range c.endpoints {
		if e == ep {
			c.endpoints = append(c.endpoints[:i], c.endpoints[i+1:]...)
			break
		}
	}
	c.mx.Unregister(ep.conn.FD())
	ep.conn.Close()
}

// handleMessage dispatches a decoded frame: a ConnectMessage bootstraps
// the sender into c.endpoints; anything else is routed by label against
// every connected endpoint and, if unmatched or multicast, against the
// controller's own label for local delivery. Mirrors bus_controller.rs's
// handle_message/endpoint_connect.
func (c *Controller) handleMessage(sel wire.Selector, raw []byte, handles []*handle.Handle, from *endpointConn) {
	if sel.TypeUUID == wire.UUIDConnectMessage {
		c.endpointConnect(raw, from)
		releaseHandles(handles)
		return
	}
	if sel.TypeUUID == wire.UUIDFetchProcessHandle {
		// Windows only (§4.6): answered locally instead of routed.
		c.answerFetchProcessHandle(raw)
		releaseHandles(handles)
		return
	}

	routed := false

	c.mu.Lock()
	endpoints := append([]*endpointConn(nil), c.endpoints...)
	c.mu.Unlock()

	for _, ep := range endpoints {
		if routed && sel.Mode == wire.Unicast {
			break
		}
		if !sel.LabelOp.Validate(ep.label) {
			continue
		}
		if err := ep.conn.Send(raw, handles); err != nil {
			c.removeEndpoint(ep)
			continue
		}
		routed = true
	}

	matchesLocal := c.local != nil && sel.LabelOp.Validate(c.label)
	if (!routed || sel.Mode == wire.Multicast) && matchesLocal {
		// Ownership of handles passes to the local decoded message;
		// the controller keeps no reference of its own beyond this.
		c.local.Deliver(sel, raw, handles)
		return
	}

	if !routed {
		c.bufferMessage(sel, raw)
	}
	// Every Send above duplicated handles into the peer (SCM_RIGHTS or
	// DuplicateHandle); the controller's own copies are no longer
	// needed once routing (or buffering, which only retains raw bytes)
	// is done.
	releaseHandles(handles)
}

// releaseHandles closes every handle in handles, used once the
// controller is done forwarding them and nothing locally adopted them.
func releaseHandles(handles []*handle.Handle) {
	for _, h := range handles {
		h.Release()
	}
}

func (c *Controller) endpointConnect(raw []byte, from *endpointConn) {
	frame, err := wire.Decode(raw, c.version)
	if err != nil {
		return
	}
	payload, err := wire.DecodePayload(wire.UUIDConnectMessage, frame.Payload)
	if err != nil {
		c.sendAck(from.conn, wire.ConnectMessageAck{Status: wire.ConnectAckErrVersion, ServerVersion: c.version})
		return
	}
	connect := payload.(wire.ConnectMessage)

	if !connect.Version.Compatible(c.version) {
		c.sendAck(from.conn, wire.ConnectMessageAck{Status: wire.ConnectAckErrVersion, ServerVersion: c.version})
		return
	}
	if connect.Token != c.token {
		c.sendAck(from.conn, wire.ConnectMessageAck{Status: wire.ConnectAckErrToken})
		return
	}

	id := newEndpointID()
	if err := c.sendAck(from.conn, wire.ConnectMessageAck{Status: wire.ConnectAckOK, EndpointID: uuid.UUID(id)}); err != nil {
		c.logger.Errorf("controller: connect ack: %v", err)
		return
	}

	from.id = id
	from.label = connect.Label

	c.mu.Lock()
	c.endpoints = append(c.endpoints, from)
	buffered := c.drainBuffer()
	c.mu.Unlock()

	for _, bm := range buffered {
		c.handleMessage(bm.sel, bm.raw, nil, nil)
	}
}

func (c *Controller) sendAck(conn rendezvous.Conn, ack wire.ConnectMessageAck) error {
	msg := wire.NewMessage(wire.NewUnicastSelector(label.True(), 0), ack)
	return conn.Send(msg.Encode(c.version), nil)
}

func (c *Controller) replyVersionMismatch(conn rendezvous.Conn, sel wire.Selector) {
	msg := wire.Message[wire.ConnectMessageAck]{
		Selector: sel,
		Payload:  wire.ConnectMessageAck{Status: wire.ConnectAckErrVersion, ServerVersion: c.version},
	}
	conn.Send(msg.Encode(c.version), nil)
}

func (c *Controller) bufferMessage(sel wire.Selector, raw []byte) {
	if sel.TTL <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer.Add(bufferedMessage{
		expire: time.Now().Add(sel.TTL),
		raw:    append([]byte(nil), raw...),
		sel:    sel,
	})
}

// drainBuffer pops every not-yet-expired buffered message, to be
// re-attempted now that a new endpoint just connected. Caller holds
// c.mu.
func (c *Controller) drainBuffer() []bufferedMessage {
	now := time.Now()
	var live []bufferedMessage
	for c.buffer.Length() > 0 {
		bm := c.buffer.Remove().(bufferedMessage)
		if bm.expire.After(now) {
			live = append(live, bm)
		}
	}
	return live
}

// sweep prunes endpoints whose transport has gone quiet, per
// bus_controller.rs's detect_reachable (run at most once per
// sweepInterval, 30s by default).
func (c *Controller) sweep() {
	c.mu.Lock()
	if time.Since(c.lastSweep) < c.sweepInterval {
		c.mu.Unlock()
		return
	}
	c.lastSweep = time.Now()
	dead := make([]*endpointConn, 0)
	for _, ep := range c.endpoints {
		if !ep.conn.IsAlive() {
			dead = append(dead, ep)
		}
	}
	c.mu.Unlock()

	for _, ep := range dead {
		c.removeEndpoint(ep)
	}
}
