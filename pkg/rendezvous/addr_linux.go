//go:build linux

package rendezvous

import "golang.org/x/sys/unix"

// socketAddr places identifier in the abstract socket namespace (a
// leading NUL byte in sun_path), so no filesystem entry is created or
// needs cleanup, matching ipmb/src/platform/linux.rs's
// identifier_to_socket_addr.
func socketAddr(identifier string) unix.Sockaddr {
	return &unix.SockaddrUnix{Name: "\x00" + identifier}
}

// cleanupStale is a no-op on Linux: the abstract namespace has no
// filesystem entry to remove.
func cleanupStale(identifier string) {}

