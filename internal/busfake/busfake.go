// Package busfake provides an in-memory rendezvous.Registrar and
// mux.Mux double: predictable, synchronous substitutes for the real
// socket transport and epoll/kqueue multiplexer, so pkg/controller and
// pkg/endpoint's join->route->recv path can be exercised in a single
// test process without opening any real OS socket.
package busfake

import (
	"sync"
	"time"

	"github.com/hiomesh/ipmb-go/pkg/handle"
	"github.com/hiomesh/ipmb-go/pkg/ipmberr"
	"github.com/hiomesh/ipmb-go/pkg/rendezvous"
)

// frame is one in-flight message: the encoded wire bytes plus any
// handles attached to it. Handles need no SCM_RIGHTS-style duplication
// here since sender and receiver share the same process and fd table.
type frame struct {
	raw     []byte
	handles []*handle.Handle
}

var (
	fdMu    sync.Mutex
	fdNext  = 1
	peekers = make(map[int]func() bool)
)

// newFD hands out a fresh synthetic descriptor and records how
// busfake.Mux should check it for pending readiness, standing in for
// what epoll/kqueue would tell a real Mux about a kernel fd.
func newFD(peek func() bool) int {
	fdMu.Lock()
	defer fdMu.Unlock()
	fd := fdNext
	fdNext++
	peekers[fd] = peek
	return fd
}

func peekFD(fd int) bool {
	fdMu.Lock()
	p := peekers[fd]
	fdMu.Unlock()
	if p == nil {
		return false
	}
	return p()
}

// Network is an in-memory namespace of bus identifiers, standing in
// for the platform socket directory pkg/rendezvous otherwise claims.
type Network struct {
	mu        sync.Mutex
	listeners map[string]*Listener
}

// NewNetwork builds an empty Network.
func NewNetwork() *Network {
	return &Network{listeners: make(map[string]*Listener)}
}

// Register claims identifier, matching rendezvous.Register's
// "IdentifierInUse if already claimed" contract.
func (n *Network) Register(identifier string) (rendezvous.Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.listeners[identifier]; ok {
		return nil, ipmberr.New(ipmberr.KindIdentifierInUse, "busfake: "+identifier+" already registered")
	}
	l := &Listener{
		identifier: identifier,
		net:        n,
		incoming:   make(chan *Conn, 16),
		closed:     make(chan struct{}),
	}
	l.fd = newFD(l.pending)
	n.listeners[identifier] = l
	return l, nil
}

// LookUp connects to an already-registered identifier, matching
// rendezvous.LookUp's "IdentifierNotInUse if nobody has registered it"
// contract that pkg/endpoint.Join relies on to decide whether to
// become the controller itself.
func (n *Network) LookUp(identifier string) (rendezvous.Conn, error) {
	n.mu.Lock()
	l, ok := n.listeners[identifier]
	n.mu.Unlock()
	if !ok {
		return nil, ipmberr.New(ipmberr.KindIdentifierNotInUse, "busfake: "+identifier+" not registered")
	}

	clientSide, serverSide := newConnPair()
	select {
	case l.incoming <- serverSide:
	case <-l.closed:
		return nil, ipmberr.New(ipmberr.KindIdentifierNotInUse, "busfake: "+identifier+" listener closed")
	}
	return clientSide, nil
}

func (n *Network) forget(identifier string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.listeners, identifier)
}

// Listener is busfake's rendezvous.Listener: each LookUp against its
// identifier hands Accept a freshly paired Conn.
type Listener struct {
	identifier string
	net        *Network
	fd         int
	incoming   chan *Conn
	closeOnce  sync.Once
	closed     chan struct{}
}

func (l *Listener) pending() bool {
	select {
	case <-l.closed:
		return true
	default:
	}
	return len(l.incoming) > 0
}

func (l *Listener) Accept() (rendezvous.Conn, error) {
	select {
	case c := <-l.incoming:
		return c, nil
	case <-l.closed:
		return nil, ipmberr.New(ipmberr.KindDisconnect, "busfake: listener closed")
	}
}

func (l *Listener) FD() int { return l.fd }

func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.net.forget(l.identifier)
	})
	return nil
}

// Conn is busfake's rendezvous.Conn: a pair of buffered channels
// standing in for a connected socket's two directions.
type Conn struct {
	fd        int
	out       chan<- frame
	in        <-chan frame
	closeOnce sync.Once
	closed    chan struct{}
}

func newConnPair() (client *Conn, server *Conn) {
	c2s := make(chan frame, 64)
	s2c := make(chan frame, 64)
	client = &Conn{out: c2s, in: s2c, closed: make(chan struct{})}
	server = &Conn{out: s2c, in: c2s, closed: make(chan struct{})}
	client.fd = newFD(client.pending)
	server.fd = newFD(server.pending)
	return client, server
}

func (c *Conn) pending() bool {
	select {
	case <-c.closed:
		return true
	default:
	}
	return len(c.in) > 0
}

func (c *Conn) Send(raw []byte, handles []*handle.Handle) error {
	select {
	case c.out <- frame{raw: append([]byte(nil), raw...), handles: handles}:
		return nil
	case <-c.closed:
		return ipmberr.New(ipmberr.KindDisconnect, "busfake: conn closed")
	}
}

func (c *Conn) Recv() ([]byte, []*handle.Handle, error) {
	select {
	case f := <-c.in:
		return f.raw, f.handles, nil
	case <-c.closed:
		return nil, nil, ipmberr.New(ipmberr.KindDisconnect, "busfake: conn closed")
	}
}

func (c *Conn) FD() int { return c.fd }

// IsAlive reports whether Close has been called on this half; busfake
// never simulates a peer vanishing without a clean Close, so the
// controller's liveness sweep has nothing else to detect here.
func (c *Conn) IsAlive() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Mux is an in-memory mux.Mux double: Wait polls the synthetic fds'
// peek functions instead of calling epoll_wait/kevent, woken either by
// an explicit Wake or by a short poll interval so newly pending data
// is noticed promptly without a real readiness notification channel.
type Mux struct {
	mu   sync.Mutex
	fds  map[int]struct{}
	wake chan struct{}
}

// NewMux builds an empty Mux.
func NewMux() *Mux {
	return &Mux{fds: make(map[int]struct{}), wake: make(chan struct{}, 1)}
}

func (m *Mux) Register(fd int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fds[fd] = struct{}{}
	return nil
}

func (m *Mux) Unregister(fd int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.fds, fd)
	return nil
}

func (m *Mux) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Mux) ClearWaker() {
	select {
	case <-m.wake:
	default:
	}
}

func (m *Mux) Close() error { return nil }

const pollInterval = 5 * time.Millisecond

func (m *Mux) Wait(events *[]int, timeout time.Duration) error {
	*events = (*events)[:0]

	var deadline time.Time
	hasDeadline := timeout >= 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}

	for {
		m.mu.Lock()
		for fd := range m.fds {
			if peekFD(fd) {
				*events = append(*events, fd)
			}
		}
		m.mu.Unlock()

		if len(*events) > 0 {
			return nil
		}
		if hasDeadline && !time.Now().Before(deadline) {
			return nil
		}

		wait := pollInterval
		if hasDeadline {
			if remaining := time.Until(deadline); remaining < wait {
				wait = remaining
			}
		}
		select {
		case <-m.wake:
			return nil
		case <-time.After(wait):
		}
	}
}
