//go:build darwin

package rendezvous

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// socketAddr maps identifier onto a filesystem path under the system
// temp directory: Darwin's AF_UNIX has no abstract namespace, so
// Register additionally removes any stale path before binding, to
// recover from a prior process crashing without unlinking its socket.
func socketAddr(identifier string) unix.Sockaddr {
	path := filepath.Join(os.TempDir(), "ipmb-"+identifier+".sock")
	return &unix.SockaddrUnix{Name: path}
}

func socketPath(identifier string) string {
	return filepath.Join(os.TempDir(), "ipmb-"+identifier+".sock")
}

// cleanupStale removes a leftover socket path from a prior process that
// exited without closing its listener, so Register's bind doesn't fail
// with AddrInUse against a dead peer.
func cleanupStale(identifier string) {
	os.Remove(socketPath(identifier))
}
