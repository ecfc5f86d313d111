// Package mux implements a readiness multiplexer: a shared object that
// registers OS kernel objects and blocks a caller until any is readable
// or a user wake is posted.
//
// Retargeted from a callback-driven event-loop model to a blocking
// wait/wake/clear_waker surface: IoHub.recv in the original Rust
// (ipmb/src/platform/linux/io_mul.rs) calls Mux.Wait once per receive
// rather than registering a persistent callback per fd.
package mux

import "time"

// Mux registers raw OS descriptors and waits for readiness on any of
// them, or for an explicit Wake call.
type Mux interface {
	// Register starts watching fd for readability.
	Register(fd int) error
	// Unregister stops watching fd.
	Unregister(fd int) error
	// Wait blocks until at least one registered fd is ready or Wake is
	// called, appending ready fds to events (which is truncated to 0
	// length first). A zero timeout with no timeout.Duration(0) < ... is
	// a non-blocking poll; timeout < 0 blocks indefinitely. On a
	// spurious empty return the caller re-examines its own bookkeeping
	// (e.g. a channel drained concurrently) rather than treating it as
	// an error.
	Wait(events *[]int, timeout time.Duration) error
	// Wake unblocks one in-flight (or the next) Wait call.
	Wake()
	// ClearWaker consumes the pending wake notification.
	ClearWaker()
	// Close releases the multiplexer's own OS resources (epoll fd,
	// kqueue fd, eventfd, IOCP handle).
	Close() error
}
