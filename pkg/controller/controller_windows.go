//go:build windows

// FetchProcessHandle answering, the controller-side half of §4.5's
// Windows-only handshake: a client that could not open the controller's
// process by PID asks the controller to duplicate its own process
// handle back through a private reply pipe instead.
package controller

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/hiomesh/ipmb-go/pkg/wire"
	"golang.org/x/sys/windows"
)

const fetchProcessHandleTimeout = 2 * time.Second

// answerFetchProcessHandle decodes a FetchProcessHandleMessage, opens
// the requesting process, duplicates this process's own pseudo handle
// into it, and writes the resulting remote handle value to the
// requester's private reply pipe, per §4.5.
func (c *Controller) answerFetchProcessHandle(raw []byte) {
	frame, err := wire.Decode(raw, c.version)
	if err != nil {
		return
	}
	payload, err := wire.DecodePayload(wire.UUIDFetchProcessHandle, frame.Payload)
	if err != nil {
		return
	}
	req, ok := payload.(wire.FetchProcessHandleMessage)
	if !ok {
		return
	}

	requester, err := windows.OpenProcess(windows.PROCESS_DUP_HANDLE, false, req.PID)
	if err != nil {
		c.logger.Errorf("controller: open requesting process %d: %v", req.PID, err)
		return
	}
	defer windows.CloseHandle(requester)

	cur, err := windows.GetCurrentProcess()
	if err != nil {
		c.logger.Errorf("controller: get current process: %v", err)
		return
	}
	var dup windows.Handle
	if err := windows.DuplicateHandle(cur, cur, requester, &dup, 0, false, windows.DUPLICATE_SAME_ACCESS); err != nil {
		c.logger.Errorf("controller: duplicate process handle into pid %d: %v", req.PID, err)
		return
	}

	namePtr, err := windows.UTF16PtrFromString(req.ReplyPipe)
	if err != nil {
		c.logger.Errorf("controller: reply pipe name: %v", err)
		return
	}

	conn, err := connectReplyPipe(namePtr, fetchProcessHandleTimeout)
	if err != nil {
		c.logger.Errorf("controller: connect fetch-process-handle reply pipe: %v", err)
		return
	}
	defer windows.CloseHandle(conn)

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(dup))
	var written uint32
	if err := windows.WriteFile(conn, buf[:], &written, nil); err != nil {
		c.logger.Errorf("controller: write fetch-process-handle reply: %v", err)
	}
}

// connectReplyPipe opens the client side of the requester's private
// reply pipe, retrying while it has not yet been created, bounded by
// timeout.
func connectReplyPipe(name *uint16, timeout time.Duration) (windows.Handle, error) {
	type result struct {
		h   windows.Handle
		err error
	}
	done := make(chan result, 1)
	go func() {
		deadline := time.Now().Add(timeout)
		for {
			h, err := windows.CreateFile(name, windows.GENERIC_WRITE, 0, nil, windows.OPEN_EXISTING, 0, 0)
			if err == nil {
				done <- result{h: h}
				return
			}
			if time.Now().After(deadline) {
				done <- result{err: err}
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	select {
	case r := <-done:
		return r.h, r.err
	case <-time.After(timeout):
		return 0, errors.New("controller: reply pipe connect timed out")
	}
}
