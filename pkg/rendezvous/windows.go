//go:build windows

// Windows transport: named pipes under \\.\pipe\, since Windows has no
// AF_UNIX-style abstract namespace or SCM_RIGHTS. Handle transfer uses
// DuplicateHandle directly into the peer process; the peer process
// handle itself is obtained by PID (via GetNamedPipeClientProcessId/
// GetNamedPipeServerProcessId) or, failing that, through the
// FetchProcessHandle protocol (pkg/wire.FetchProcessHandleMessage):
// this side creates a private reply pipe, asks the peer over the
// existing connection to duplicate its own process handle into us, and
// reads the resulting handle value back, per §4.5.
package rendezvous

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/hiomesh/ipmb-go/pkg/handle"
	"github.com/hiomesh/ipmb-go/pkg/ipmberr"
	"github.com/hiomesh/ipmb-go/pkg/label"
	"github.com/hiomesh/ipmb-go/pkg/wire"
	"golang.org/x/sys/windows"
)

const pipePrefix = `\\.\pipe\ipmb-`

func pipeName(identifier string) string {
	return pipePrefix + identifier
}

// kernel32 exposes the two GetNamedPipe*ProcessId entry points directly:
// x/sys/windows does not wrap them, so they are called the same way the
// teacher's own affinity_windows.go reaches past the wrapped surface
// for SetThreadAffinityMask.
var (
	kernel32                        = syscall.NewLazyDLL("kernel32.dll")
	procGetNamedPipeClientProcessID = kernel32.NewProc("GetNamedPipeClientProcessId")
	procGetNamedPipeServerProcessID = kernel32.NewProc("GetNamedPipeServerProcessId")
)

// LookUp opens the named pipe for identifier.
func LookUp(identifier string) (Conn, error) {
	name, err := windows.UTF16PtrFromString(pipeName(identifier))
	if err != nil {
		return nil, ipmberr.Wrap(ipmberr.KindUnknown, "rendezvous: pipe name", err)
	}

	h, err := windows.CreateFile(
		name,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		0,
		nil,
		windows.OPEN_EXISTING,
		0,
		0,
	)
	if err != nil {
		if err == windows.ERROR_FILE_NOT_FOUND || err == windows.ERROR_PIPE_BUSY {
			return nil, ipmberr.New(ipmberr.KindIdentifierNotInUse, identifier)
		}
		return nil, ipmberr.Wrap(ipmberr.KindUnknown, "rendezvous: open pipe", err)
	}

	return &pipeConn{handle: h}, nil
}

// Register creates the named pipe instance endpoints connect to.
func Register(identifier string) (Listener, error) {
	name, err := windows.UTF16PtrFromString(pipeName(identifier))
	if err != nil {
		return nil, ipmberr.Wrap(ipmberr.KindUnknown, "rendezvous: pipe name", err)
	}
	return &pipeListener{name: name}, nil
}

type pipeListener struct {
	name *uint16
	mu   sync.Mutex
}

func (l *pipeListener) FD() int { return -1 }

func (l *pipeListener) Accept() (Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, err := windows.CreateNamedPipe(
		l.name,
		windows.PIPE_ACCESS_DUPLEX,
		windows.PIPE_TYPE_MESSAGE|windows.PIPE_READMODE_MESSAGE|windows.PIPE_WAIT,
		windows.PIPE_UNLIMITED_INSTANCES,
		64<<10, 64<<10, 0, nil,
	)
	if err != nil {
		return nil, ipmberr.Wrap(ipmberr.KindUnknown, "rendezvous: create named pipe", err)
	}

	if err := windows.ConnectNamedPipe(h, nil); err != nil && err != windows.ERROR_PIPE_CONNECTED {
		windows.CloseHandle(h)
		return nil, ipmberr.Wrap(ipmberr.KindUnknown, "rendezvous: connect named pipe", err)
	}

	return &pipeConn{handle: h, isServer: true}, nil
}

func (l *pipeListener) Close() error {
	return nil
}

type pipeConn struct {
	handle   windows.Handle
	isServer bool

	mu          sync.Mutex
	peerProcess windows.Handle
}

func (c *pipeConn) FD() int { return int(c.handle) }

// Send writes frame plus handles to the pipe. Because Windows has no
// SCM_RIGHTS-style ancillary data, each handle is duplicated into the
// peer process up front (resolvePeerProcess) and only the resulting
// remote handle values ride along in the message body.
func (c *pipeConn) Send(frame []byte, handles []*handle.Handle) error {
	var handleVals []uint64
	if len(handles) > 0 {
		peer, err := c.resolvePeerProcess()
		if err != nil {
			return ipmberr.Wrap(ipmberr.KindDisconnect, "rendezvous: resolve peer process", err)
		}
		handleVals = make([]uint64, len(handles))
		for i, h := range handles {
			v, err := h.DuplicateTo(peer)
			if err != nil {
				return ipmberr.Wrap(ipmberr.KindDisconnect, "rendezvous: duplicate handle into peer", err)
			}
			handleVals[i] = uint64(v)
		}
	}

	buf := make([]byte, 0, 8+len(frame)+8*len(handleVals))
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], uint32(len(frame)))
	buf = append(buf, word[:]...)
	buf = append(buf, frame...)
	binary.LittleEndian.PutUint32(word[:], uint32(len(handleVals)))
	buf = append(buf, word[:]...)
	for _, v := range handleVals {
		var qword [8]byte
		binary.LittleEndian.PutUint64(qword[:], v)
		buf = append(buf, qword[:]...)
	}

	var written uint32
	return windows.WriteFile(c.handle, buf, &written, nil)
}

// Recv reads one message and splits it back into frame bytes and the
// handle values Send appended, wrapping each as a Handle already valid
// in this process (DuplicateHandle on the sender's side made it so).
func (c *pipeConn) Recv() ([]byte, []*handle.Handle, error) {
	buf := make([]byte, BufferSize)
	var read uint32
	if err := windows.ReadFile(c.handle, buf, &read, nil); err != nil {
		return nil, nil, ipmberr.Wrap(ipmberr.KindDisconnect, "rendezvous: read pipe", err)
	}
	data := buf[:read]

	if len(data) < 4 {
		return nil, nil, ipmberr.New(ipmberr.KindDecode, "rendezvous: truncated pipe message")
	}
	frameLen := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < frameLen {
		return nil, nil, ipmberr.New(ipmberr.KindDecode, "rendezvous: truncated pipe frame")
	}
	frame := append([]byte(nil), data[:frameLen]...)
	data = data[frameLen:]

	if len(data) < 4 {
		return nil, nil, ipmberr.New(ipmberr.KindDecode, "rendezvous: truncated pipe handle table")
	}
	handleCount := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]

	handles := make([]*handle.Handle, 0, handleCount)
	for i := uint32(0); i < handleCount; i++ {
		if len(data) < 8 {
			return nil, nil, ipmberr.New(ipmberr.KindDecode, "rendezvous: truncated pipe handle value")
		}
		v := binary.LittleEndian.Uint64(data[:8])
		data = data[8:]
		handles = append(handles, handle.FromRaw(uintptr(v)))
	}

	return frame, handles, nil
}

// IsAlive reports the pipe as alive unconditionally, so the
// controller's liveness sweep never prunes a pipe connection: a broken
// peer surfaces only through ReadFile/WriteFile failing on next use,
// at which point the controller drops the endpoint.
func (c *pipeConn) IsAlive() bool {
	return true
}

func (c *pipeConn) Close() error {
	c.mu.Lock()
	if c.peerProcess != 0 {
		windows.CloseHandle(c.peerProcess)
		c.peerProcess = 0
	}
	c.mu.Unlock()
	return windows.CloseHandle(c.handle)
}

// resolvePeerProcess returns (and caches) a PROCESS_DUP_HANDLE-capable
// handle to the process on the other end of the pipe: first by opening
// it by PID, falling back to the FetchProcessHandle protocol when that
// PID cannot be opened (e.g. the peer runs at higher integrity).
func (c *pipeConn) resolvePeerProcess() (windows.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peerProcess != 0 {
		return c.peerProcess, nil
	}

	if pid, err := c.peerProcessID(); err == nil {
		if h, err := windows.OpenProcess(windows.PROCESS_DUP_HANDLE, false, pid); err == nil {
			c.peerProcess = h
			return h, nil
		}
	}

	h, err := c.fetchProcessHandleViaProtocol()
	if err != nil {
		return 0, err
	}
	c.peerProcess = h
	return h, nil
}

// peerProcessID asks the OS for the PID on the other end of the pipe:
// the client process ID if we are the server (Accept) side, the server
// process ID if we are the client (LookUp) side.
func (c *pipeConn) peerProcessID() (uint32, error) {
	proc := procGetNamedPipeServerProcessID
	if c.isServer {
		proc = procGetNamedPipeClientProcessID
	}
	var pid uint32
	ret, _, err := proc.Call(uintptr(c.handle), uintptr(unsafe.Pointer(&pid)))
	if ret == 0 {
		return 0, err
	}
	return pid, nil
}

var privateReplyPipeSeq uint64

// fetchProcessHandleViaProtocol implements the client side of §4.5's
// FetchProcessHandle protocol: create a private reply pipe, ask the
// peer (over the already-connected pipe) to duplicate its own process
// handle into us, and read the resulting handle value back, each step
// bounded by a 2-second wait.
func (c *pipeConn) fetchProcessHandleViaProtocol() (windows.Handle, error) {
	seq := atomic.AddUint64(&privateReplyPipeSeq, 1)
	replyName := fmt.Sprintf(`%sreply-%d-%d`, pipePrefix, os.Getpid(), seq)

	replyNamePtr, err := windows.UTF16PtrFromString(replyName)
	if err != nil {
		return 0, ipmberr.Wrap(ipmberr.KindUnknown, "rendezvous: reply pipe name", err)
	}
	replyListener, err := windows.CreateNamedPipe(
		replyNamePtr,
		windows.PIPE_ACCESS_INBOUND,
		windows.PIPE_TYPE_BYTE|windows.PIPE_WAIT,
		1, 0, 8, 0, nil,
	)
	if err != nil {
		return 0, ipmberr.Wrap(ipmberr.KindUnknown, "rendezvous: create reply pipe", err)
	}
	defer windows.CloseHandle(replyListener)

	req := wire.NewMessage(wire.NewUnicastSelector(label.True(), 0), wire.FetchProcessHandleMessage{
		PID:       uint32(os.Getpid()),
		ReplyPipe: replyName,
	})
	if err := c.Send(req.Encode(wire.CurrentVersion), nil); err != nil {
		return 0, ipmberr.Wrap(ipmberr.KindDisconnect, "rendezvous: send fetch-process-handle request", err)
	}

	if err := waitConnectNamedPipe(replyListener, 2*time.Second); err != nil {
		return 0, ipmberr.Wrap(ipmberr.KindTimeout, "rendezvous: fetch-process-handle connect", err)
	}

	type readResult struct {
		val uint64
		err error
	}
	done := make(chan readResult, 1)
	go func() {
		var buf [8]byte
		var read uint32
		err := windows.ReadFile(replyListener, buf[:], &read, nil)
		done <- readResult{val: binary.LittleEndian.Uint64(buf[:]), err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return 0, ipmberr.Wrap(ipmberr.KindTimeout, "rendezvous: fetch-process-handle read", r.err)
		}
		return windows.Handle(r.val), nil
	case <-time.After(2 * time.Second):
		return 0, ipmberr.New(ipmberr.KindTimeout, "rendezvous: fetch-process-handle read timed out")
	}
}

func waitConnectNamedPipe(h windows.Handle, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		err := windows.ConnectNamedPipe(h, nil)
		if err == windows.ERROR_PIPE_CONNECTED {
			err = nil
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return errors.New("rendezvous: reply pipe connect timed out")
	}
}
