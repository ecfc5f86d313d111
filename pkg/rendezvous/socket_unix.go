//go:build linux || darwin

// Unix transport: AF_UNIX SOCK_SEQPACKET sockets carrying one wire frame
// per datagram, with handles riding as SCM_RIGHTS ancillary data.
// Grounded on ipmb/src/platform/linux.rs's look_up/register and
// encode_inner's control_data construction.
package rendezvous

import (
	"github.com/hiomesh/ipmb-go/pkg/handle"
	"github.com/hiomesh/ipmb-go/pkg/ipmberr"
	"golang.org/x/sys/unix"
)

// LookUp connects to an already-registered bus identifier and returns
// the client-side Conn. The controller side of the handshake (sending
// ConnectMessage and awaiting the ack) is the endpoint layer's job, not
// rendezvous's; this only establishes the socket.
func LookUp(identifier string) (Conn, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, ipmberr.Wrap(ipmberr.KindUnknown, "rendezvous: socket", err)
	}

	if err := unix.Connect(fd, socketAddr(identifier)); err != nil {
		unix.Close(fd)
		switch err {
		case unix.ECONNREFUSED, unix.ENOENT:
			return nil, ipmberr.New(ipmberr.KindIdentifierNotInUse, identifier)
		case unix.EACCES:
			return nil, ipmberr.New(ipmberr.KindPermissionDenied, identifier)
		default:
			return nil, ipmberr.Wrap(ipmberr.KindUnknown, "rendezvous: connect", err)
		}
	}

	setBufSizes(fd)
	return &unixConn{fd: fd}, nil
}

// Register claims identifier and returns a Listener accepting
// connecting endpoints. On Darwin, a stale path left by a crashed prior
// owner is detected and removed before retrying the bind once.
func Register(identifier string) (Listener, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, ipmberr.Wrap(ipmberr.KindUnknown, "rendezvous: socket", err)
	}

	addr := socketAddr(identifier)
	if err := unix.Bind(fd, addr); err != nil {
		if err == unix.EADDRINUSE && staleIdentifier(identifier) {
			cleanupStale(identifier)
			err = unix.Bind(fd, addr)
		}
		if err != nil {
			unix.Close(fd)
			switch err {
			case unix.EADDRINUSE:
				return nil, ipmberr.New(ipmberr.KindIdentifierInUse, identifier)
			case unix.EACCES:
				return nil, ipmberr.New(ipmberr.KindPermissionDenied, identifier)
			default:
				return nil, ipmberr.Wrap(ipmberr.KindUnknown, "rendezvous: bind", err)
			}
		}
	}

	if err := unix.Listen(fd, 32); err != nil {
		unix.Close(fd)
		return nil, ipmberr.Wrap(ipmberr.KindUnknown, "rendezvous: listen", err)
	}

	return &unixListener{fd: fd}, nil
}

// staleIdentifier reports whether identifier currently has no live
// listener, by attempting (and immediately abandoning) a connect.
func staleIdentifier(identifier string) bool {
	probe, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return false
	}
	defer unix.Close(probe)
	err = unix.Connect(probe, socketAddr(identifier))
	return err == unix.ECONNREFUSED
}

func setBufSizes(fd int) {
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, BufferSize)
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, BufferSize)
}

type unixConn struct {
	fd int
}

func (c *unixConn) FD() int { return c.fd }

func (c *unixConn) Send(frame []byte, handles []*handle.Handle) error {
	var control []byte
	if len(handles) > 0 {
		rights := make([]int, len(handles))
		for i, h := range handles {
			rights[i] = h.FD()
		}
		control = unix.UnixRights(rights...)
	}
	return unix.Sendmsg(c.fd, frame, control, nil, 0)
}

func (c *unixConn) Recv() ([]byte, []*handle.Handle, error) {
	buf := make([]byte, BufferSize)
	oob := make([]byte, unix.CmsgSpace(64*4))

	n, oobn, _, _, err := unix.Recvmsg(c.fd, buf, oob, 0)
	if err != nil {
		return nil, nil, ipmberr.Wrap(ipmberr.KindDisconnect, "rendezvous: recvmsg", err)
	}
	if n == 0 {
		return nil, nil, ipmberr.New(ipmberr.KindDisconnect, "rendezvous: peer closed")
	}

	var handles []*handle.Handle
	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err == nil {
			for _, cm := range cmsgs {
				fds, err := unix.ParseUnixRights(&cm)
				if err != nil {
					continue
				}
				for _, fd := range fds {
					handles = append(handles, handle.FromRaw(uintptr(fd)))
				}
			}
		}
	}

	return buf[:n], handles, nil
}

// IsAlive peeks the socket without consuming data: a zero-length read
// with no error means the peer sent EOF (process gone); EAGAIN or any
// data present means it is still connected.
func (c *unixConn) IsAlive() bool {
	buf := make([]byte, 1)
	n, _, err := unix.Recvfrom(c.fd, buf, unix.MSG_PEEK|unix.MSG_DONTWAIT)
	if err == unix.EAGAIN {
		return true
	}
	if err != nil {
		return false
	}
	return n > 0
}

func (c *unixConn) Close() error {
	// Shutdown first so a Recv blocked in recvmsg on another goroutine
	// returns instead of waiting for data that will never come.
	unix.Shutdown(c.fd, unix.SHUT_RDWR)
	return unix.Close(c.fd)
}

type unixListener struct {
	fd int
}

func (l *unixListener) FD() int { return l.fd }

func (l *unixListener) Accept() (Conn, error) {
	nfd, _, err := unix.Accept(l.fd)
	if err != nil {
		return nil, ipmberr.Wrap(ipmberr.KindUnknown, "rendezvous: accept", err)
	}
	unix.SetNonblock(nfd, false)
	setBufSizes(nfd)
	return &unixConn{fd: nfd}, nil
}

func (l *unixListener) Close() error {
	return unix.Close(l.fd)
}
