//go:build linux || darwin

package rendezvous_test

import (
	"os"
	"testing"
	"time"

	"github.com/hiomesh/ipmb-go/pkg/handle"
	"github.com/hiomesh/ipmb-go/pkg/rendezvous"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func uniqueIdentifier(t *testing.T) string {
	t.Helper()
	return "ipmb-test-" + t.Name() + "-" + time.Now().Format("150405.000000000")
}

func TestRegisterLookUpAccept(t *testing.T) {
	id := uniqueIdentifier(t)

	listener, err := rendezvous.Register(id)
	require.NoError(t, err)
	defer listener.Close()

	accepted := make(chan rendezvous.Conn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		c, err := listener.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- c
	}()

	client, err := rendezvous.LookUp(id)
	require.NoError(t, err)
	defer client.Close()

	var server rendezvous.Conn
	select {
	case server = <-accepted:
	case err := <-acceptErr:
		t.Fatalf("accept: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("accept did not complete")
	}
	defer server.Close()

	require.NoError(t, client.Send([]byte("hello"), nil))
	frame, handles, err := server.Recv()
	require.NoError(t, err)
	require.Empty(t, handles)
	require.Equal(t, "hello", string(frame))
}

func TestSendRecvCarriesHandle(t *testing.T) {
	id := uniqueIdentifier(t)

	listener, err := rendezvous.Register(id)
	require.NoError(t, err)
	defer listener.Close()

	accepted := make(chan rendezvous.Conn, 1)
	go func() {
		c, _ := listener.Accept()
		accepted <- c
	}()

	client, err := rendezvous.LookUp(id)
	require.NoError(t, err)
	defer client.Close()

	server := <-accepted
	require.NotNil(t, server)
	defer server.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	h := handle.FromRaw(w.Fd())

	require.NoError(t, client.Send([]byte("with-handle"), []*handle.Handle{h}))
	w.Close()

	frame, handles, err := server.Recv()
	require.NoError(t, err)
	require.Equal(t, "with-handle", string(frame))
	require.Len(t, handles, 1)
	defer handles[0].Release()

	_, err = unix.Write(handles[0].FD(), []byte("x"))
	require.NoError(t, err)
}

func TestLookUpUnregisteredIdentifier(t *testing.T) {
	_, err := rendezvous.LookUp(uniqueIdentifier(t))
	require.Error(t, err)
}

func TestRegisterDuplicateIdentifier(t *testing.T) {
	id := uniqueIdentifier(t)

	first, err := rendezvous.Register(id)
	require.NoError(t, err)
	defer first.Close()

	_, err = rendezvous.Register(id)
	require.Error(t, err)
}
