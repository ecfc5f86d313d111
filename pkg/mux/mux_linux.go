//go:build linux

// Linux backend: epoll + eventfd, using the same EpollCreate1/EpollCtl/
// EpollWait shape as an epoll-based reactor, with the waker implemented
// as a real eventfd matching ipmb/src/platform/linux/io_mul.rs's waker_fd.
package mux

import (
	"time"

	"golang.org/x/sys/unix"
)

type epollMux struct {
	epfd    int
	wakerFd int
}

// New builds the platform readiness multiplexer.
func New() (Mux, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wakerFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	m := &epollMux{epfd: epfd, wakerFd: wakerFd}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakerFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakerFd),
	}); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func (m *epollMux) Register(fd int) error {
	return unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	})
}

func (m *epollMux) Unregister(fd int) error {
	return unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (m *epollMux) Wait(events *[]int, timeout time.Duration) error {
	*events = (*events)[:0]

	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}

	var raw [16]unix.EpollEvent
	n, err := unix.EpollWait(m.epfd, raw[:], ms)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}

	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		if fd == m.wakerFd {
			m.ClearWaker()
			continue
		}
		*events = append(*events, fd)
	}
	return nil
}

func (m *epollMux) Wake() {
	var buf [8]byte
	buf[7] = 1
	unix.Write(m.wakerFd, buf[:])
}

func (m *epollMux) ClearWaker() {
	var buf [8]byte
	for {
		_, err := unix.Read(m.wakerFd, buf[:])
		if err != nil {
			return
		}
	}
}

func (m *epollMux) Close() error {
	unix.Close(m.wakerFd)
	return unix.Close(m.epfd)
}
