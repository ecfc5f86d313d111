package busfake_test

import (
	"testing"
	"time"

	"github.com/hiomesh/ipmb-go/internal/busfake"
	"github.com/hiomesh/ipmb-go/pkg/endpoint"
	"github.com/hiomesh/ipmb-go/pkg/label"
	"github.com/hiomesh/ipmb-go/pkg/wire"
	"github.com/stretchr/testify/require"
)

func TestJoinRouteRecvWithoutRealSockets(t *testing.T) {
	net := busfake.NewNetwork()

	owner, err := endpoint.Join(endpoint.Options{
		Identifier:         "fake-bus",
		Label:              label.New("owner"),
		Token:              "tok",
		Registrar:          net,
		Mux:                busfake.NewMux(),
		ControllerAffinity: true,
	})
	require.NoError(t, err)
	defer owner.Close()

	worker, err := endpoint.Join(endpoint.Options{
		Identifier: "fake-bus",
		Label:      label.New("worker", "gpu"),
		Token:      "tok",
		Registrar:  net,
	})
	require.NoError(t, err)
	defer worker.Close()

	msg := wire.NewMessage(wire.NewUnicastSelector(label.Leaf("gpu"), time.Second), wire.BytesMessage{
		Format: 9,
		Data:   []byte("fake-ping"),
	})
	require.NoError(t, owner.Send(msg))

	got, err := worker.Recv(2 * time.Second)
	require.NoError(t, err)
	bm, ok := got.Payload.(wire.BytesMessage)
	require.True(t, ok)
	require.Equal(t, []byte("fake-ping"), bm.Data)
}

func TestFirstJoinWithoutOwnerBecomesControllerItself(t *testing.T) {
	net := busfake.NewNetwork()

	first, err := endpoint.Join(endpoint.Options{
		Identifier:         "solo-bus",
		Label:              label.New("solo"),
		Token:              "tok",
		Registrar:          net,
		Mux:                busfake.NewMux(),
		ControllerAffinity: true,
	})
	require.NoError(t, err)
	defer first.Close()

	_, err = first.Recv(20 * time.Millisecond)
	require.Error(t, err)
}

func TestWrongTokenRejected(t *testing.T) {
	net := busfake.NewNetwork()

	owner, err := endpoint.Join(endpoint.Options{
		Identifier:         "auth-bus",
		Label:              label.New("owner"),
		Token:              "right",
		Registrar:          net,
		Mux:                busfake.NewMux(),
		ControllerAffinity: true,
	})
	require.NoError(t, err)
	defer owner.Close()

	_, err = endpoint.Join(endpoint.Options{
		Identifier: "auth-bus",
		Label:      label.New("intruder"),
		Token:      "wrong",
		Registrar:  net,
	})
	require.Error(t, err)
}
