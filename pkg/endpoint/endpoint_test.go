//go:build linux || darwin

package endpoint_test

import (
	"os"
	"testing"
	"time"

	"github.com/hiomesh/ipmb-go/pkg/endpoint"
	"github.com/hiomesh/ipmb-go/pkg/handle"
	"github.com/hiomesh/ipmb-go/pkg/label"
	"github.com/hiomesh/ipmb-go/pkg/wire"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func uniqueIdentifier(t *testing.T) string {
	t.Helper()
	return "ipmb-ep-test-" + t.Name() + "-" + time.Now().Format("150405.000000000")
}

func TestJoinFirstEndpointBecomesServer(t *testing.T) {
	identifier := uniqueIdentifier(t)

	owner, err := endpoint.Join(endpoint.Options{
		Identifier:         identifier,
		Label:              label.New("owner"),
		Token:              "tok",
		ControllerAffinity: true,
	})
	require.NoError(t, err)
	defer owner.Close()

	worker, err := endpoint.Join(endpoint.Options{
		Identifier: identifier,
		Label:      label.New("worker", "gpu"),
		Token:      "tok",
	})
	require.NoError(t, err)
	defer worker.Close()

	msg := wire.NewMessage(wire.NewUnicastSelector(label.Leaf("gpu"), time.Second), wire.BytesMessage{
		Format: 3,
		Data:   []byte("ping"),
	})
	require.NoError(t, owner.Send(msg))

	got, err := worker.Recv(2 * time.Second)
	require.NoError(t, err)
	bm, ok := got.Payload.(wire.BytesMessage)
	require.True(t, ok)
	require.Equal(t, []byte("ping"), bm.Data)
}

func TestJoinRejectsWrongToken(t *testing.T) {
	identifier := uniqueIdentifier(t)

	owner, err := endpoint.Join(endpoint.Options{
		Identifier:         identifier,
		Label:              label.New("owner"),
		Token:              "right",
		ControllerAffinity: true,
	})
	require.NoError(t, err)
	defer owner.Close()

	_, err = endpoint.Join(endpoint.Options{
		Identifier: identifier,
		Label:      label.New("intruder"),
		Token:      "wrong",
	})
	require.Error(t, err)
}

func TestSendTransfersGenericHandle(t *testing.T) {
	identifier := uniqueIdentifier(t)

	owner, err := endpoint.Join(endpoint.Options{
		Identifier:         identifier,
		Label:              label.New("owner"),
		Token:              "tok",
		ControllerAffinity: true,
	})
	require.NoError(t, err)
	defer owner.Close()

	worker, err := endpoint.Join(endpoint.Options{
		Identifier: identifier,
		Label:      label.New("worker", "gpu"),
		Token:      "tok",
	})
	require.NoError(t, err)
	defer worker.Close()

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], 0))
	readFD, writeFD := fds[0], fds[1]

	const payload = "handle-carried-fd"
	_, err = unix.Write(writeFD, []byte(payload))
	require.NoError(t, err)
	require.NoError(t, unix.Close(writeFD))

	// Ownership of readFD passes into msg.Handles: the controller
	// duplicates it into the worker's socket via SCM_RIGHTS and then
	// releases this process's copy, so the raw fd must not be closed
	// again here.
	msg := wire.NewMessage(wire.NewUnicastSelector(label.Leaf("gpu"), time.Second), wire.BytesMessage{
		Format: 6,
		Data:   []byte("has-handle"),
	})
	msg.Handles = []*handle.Handle{handle.FromRaw(uintptr(readFD))}
	require.NoError(t, owner.Send(msg))

	got, err := worker.Recv(2 * time.Second)
	require.NoError(t, err)
	require.Len(t, got.Handles, 1)

	received := os.NewFile(got.Handles[0].Raw(), "received-pipe")
	defer received.Close()
	buf := make([]byte, len(payload))
	_, err = received.Read(buf)
	require.NoError(t, err)
	require.Equal(t, payload, string(buf))
}

func TestRecvTimesOutWithNoMessage(t *testing.T) {
	identifier := uniqueIdentifier(t)

	owner, err := endpoint.Join(endpoint.Options{
		Identifier:         identifier,
		Label:              label.New("owner"),
		Token:              "tok",
		ControllerAffinity: true,
	})
	require.NoError(t, err)
	defer owner.Close()

	_, err = owner.Recv(50 * time.Millisecond)
	require.Error(t, err)
}
