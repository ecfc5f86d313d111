//go:build windows

// Windows backend: I/O completion port, adapted from
// reactor/iocp_reactor.go's CreateIoCompletionPort/GetQueuedCompletionStatus
// pair, retargeted to the blocking Wait/Wake surface instead of a
// persistent per-fd callback.
package mux

import (
	"time"

	"golang.org/x/sys/windows"
)

type iocpMux struct {
	port windows.Handle
}

const wakerKey = ^uintptr(0)

// New builds the platform readiness multiplexer.
func New() (Mux, error) {
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, err
	}
	return &iocpMux{port: port}, nil
}

func (m *iocpMux) Register(fd int) error {
	_, err := windows.CreateIoCompletionPort(windows.Handle(fd), m.port, uintptr(fd), 0)
	return err
}

func (m *iocpMux) Unregister(fd int) error {
	// Windows offers no IOCP disassociation; the handle is dropped by
	// its owner instead, at which point completions for it simply stop.
	return nil
}

func (m *iocpMux) Wait(events *[]int, timeout time.Duration) error {
	*events = (*events)[:0]

	ms := uint32(windows.INFINITE)
	if timeout >= 0 {
		ms = uint32(timeout.Milliseconds())
	}

	var bytes uint32
	var key uintptr
	var overlapped *windows.Overlapped
	err := windows.GetQueuedCompletionStatus(m.port, &bytes, &key, &overlapped, ms)
	if err != nil {
		if err == windows.WAIT_TIMEOUT {
			return nil
		}
		return err
	}

	if key == wakerKey {
		return nil
	}
	*events = append(*events, int(key))
	return nil
}

func (m *iocpMux) Wake() {
	windows.PostQueuedCompletionStatus(m.port, 0, wakerKey, nil)
}

func (m *iocpMux) ClearWaker() {
	// PostQueuedCompletionStatus delivers exactly one completion per
	// Wake call; there is nothing further to drain.
}

func (m *iocpMux) Close() error {
	return windows.CloseHandle(m.port)
}
