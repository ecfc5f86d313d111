//go:build darwin

// Darwin backend: kqueue + EVFILT_USER as the wake mechanism.
package mux

import (
	"time"

	"golang.org/x/sys/unix"
)

const wakerIdent = 1

type kqueueMux struct {
	kq int
}

// New builds the platform readiness multiplexer.
func New() (Mux, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}

	m := &kqueueMux{kq: kq}
	reg := unix.Kevent_t{
		Ident:  wakerIdent,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{reg}, nil, nil); err != nil {
		unix.Close(kq)
		return nil, err
	}
	return m, nil
}

func (m *kqueueMux) Register(fd int) error {
	reg := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD,
	}
	_, err := unix.Kevent(m.kq, []unix.Kevent_t{reg}, nil, nil)
	return err
}

func (m *kqueueMux) Unregister(fd int) error {
	reg := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_DELETE,
	}
	_, err := unix.Kevent(m.kq, []unix.Kevent_t{reg}, nil, nil)
	return err
}

func (m *kqueueMux) Wait(events *[]int, timeout time.Duration) error {
	*events = (*events)[:0]

	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	var raw [16]unix.Kevent_t
	n, err := unix.Kevent(m.kq, nil, raw[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}

	for i := 0; i < n; i++ {
		ev := raw[i]
		if ev.Filter == unix.EVFILT_USER {
			continue
		}
		*events = append(*events, int(ev.Ident))
	}
	return nil
}

func (m *kqueueMux) Wake() {
	trigger := unix.Kevent_t{
		Ident:  wakerIdent,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}
	unix.Kevent(m.kq, []unix.Kevent_t{trigger}, nil, nil)
}

func (m *kqueueMux) ClearWaker() {
	// EV_CLEAR on registration already resets the user event's state
	// after each delivery; nothing further to drain.
}

func (m *kqueueMux) Close() error {
	return unix.Close(m.kq)
}
