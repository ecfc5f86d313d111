package wire_test

import (
	"testing"
	"time"

	"github.com/hiomesh/ipmb-go/pkg/handle"
	"github.com/hiomesh/ipmb-go/pkg/ipmberr"
	"github.com/hiomesh/ipmb-go/pkg/label"
	"github.com/hiomesh/ipmb-go/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCompatible(t *testing.T) {
	require.True(t, wire.Version{Major: 1, Minor: 2}.Compatible(wire.Version{Major: 1, Minor: 9}))
	require.False(t, wire.Version{Major: 1}.Compatible(wire.Version{Major: 2}))
	require.True(t, wire.Version{Major: 0, Minor: 3}.Compatible(wire.Version{Major: 0, Minor: 3}))
	require.False(t, wire.Version{Major: 0, Minor: 3}.Compatible(wire.Version{Major: 0, Minor: 4}))
}

func TestSelectorRoundTrip(t *testing.T) {
	op := label.And(label.Leaf("gpu"), label.Not(label.Leaf("deprecated")))
	sel := wire.Selector{
		LabelOp:     op,
		Mode:        wire.Multicast,
		TypeUUID:    wire.UUIDBytesMessage,
		RegionCount: 2,
		TTL:         5 * time.Second,
	}

	encoded := wire.EncodeSelector(sel)
	decoded, err := wire.DecodeSelector(encoded)
	require.NoError(t, err)

	assert.Equal(t, sel.Mode, decoded.Mode)
	assert.Equal(t, sel.TypeUUID, decoded.TypeUUID)
	assert.Equal(t, sel.RegionCount, decoded.RegionCount)
	assert.Equal(t, sel.TTL, decoded.TTL)

	assert.True(t, decoded.LabelOp.Validate(label.New("gpu")))
	assert.False(t, decoded.LabelOp.Validate(label.New("gpu", "deprecated")))
}

func TestBytesMessageRoundTrip(t *testing.T) {
	msg := wire.NewMessage(wire.NewUnicastSelector(label.Leaf("worker"), time.Second), wire.BytesMessage{
		Format: 7,
		Data:   []byte("payload"),
	})

	encoded := msg.Encode(wire.CurrentVersion)

	decoded, err := wire.DecodeMessage(encoded, wire.CurrentVersion, nil)
	require.NoError(t, err)

	bm, ok := decoded.Payload.(wire.BytesMessage)
	require.True(t, ok)
	assert.Equal(t, uint16(7), bm.Format)
	assert.Equal(t, []byte("payload"), bm.Data)
	assert.Equal(t, wire.Unicast, decoded.Selector.Mode)
}

func TestConnectMessageRoundTrip(t *testing.T) {
	msg := wire.NewMessage(wire.NewUnicastSelector(label.True(), 0), wire.ConnectMessage{
		Version: wire.CurrentVersion,
		Token:   "s3cr3t",
		Label:   label.New("a", "b", "c"),
	})

	encoded := msg.Encode(wire.CurrentVersion)
	decoded, err := wire.DecodeMessage(encoded, wire.CurrentVersion, nil)
	require.NoError(t, err)

	cm, ok := decoded.Payload.(wire.ConnectMessage)
	require.True(t, ok)
	assert.Equal(t, "s3cr3t", cm.Token)
	assert.True(t, cm.Label.Equal(label.New("a", "b", "c")))
}

func TestConnectMessageAckRoundTrip(t *testing.T) {
	wantID := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	msg := wire.NewMessage(wire.NewUnicastSelector(label.True(), 0), wire.ConnectMessageAck{
		Status:     wire.ConnectAckOK,
		EndpointID: wantID,
	})

	encoded := msg.Encode(wire.CurrentVersion)
	decoded, err := wire.DecodeMessage(encoded, wire.CurrentVersion, nil)
	require.NoError(t, err)

	ack, ok := decoded.Payload.(wire.ConnectMessageAck)
	require.True(t, ok)
	assert.Equal(t, wire.ConnectAckOK, ack.Status)
	assert.Equal(t, wantID, ack.EndpointID)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf := []byte{0x00, 1, 0, 0, 0, 0, 0, 0}
	_, err := wire.Decode(buf, wire.CurrentVersion)
	require.Error(t, err)
	assert.Equal(t, ipmberr.KindVersionMismatch, ipmberr.Of(err))
}

func TestDecodeRejectsIncompatibleVersion(t *testing.T) {
	sel := wire.Selector{LabelOp: label.True(), Mode: wire.Unicast}
	frame := wire.Encode(wire.Frame{Version: wire.Version{Major: 9}, Selector: sel})

	_, err := wire.Decode(frame, wire.CurrentVersion)
	require.Error(t, err)
	assert.Equal(t, ipmberr.KindVersionMismatch, ipmberr.Of(err))
}

func TestDecodePayloadUnknownUUID(t *testing.T) {
	_, err := wire.DecodePayload([16]byte{0xAB}, []byte{1, 2, 3})
	require.Error(t, err)
	assert.Equal(t, ipmberr.KindTypeUUIDNotFound, ipmberr.Of(err))
}

func TestDecodeMessageRejectsShortHandleCount(t *testing.T) {
	sel := wire.Selector{LabelOp: label.Leaf("worker"), Mode: wire.Unicast, RegionCount: 2}
	payload := wire.BytesMessage{Format: 1, Data: []byte("payload")}
	sel.TypeUUID = payload.TypeUUID()
	encoded := wire.Encode(wire.Frame{Version: wire.CurrentVersion, Selector: sel, Payload: payload.Encode()})

	_, err := wire.DecodeMessage(encoded, wire.CurrentVersion, nil)
	require.Error(t, err)
	assert.Equal(t, ipmberr.KindDecode, ipmberr.Of(err))

	_, err = wire.DecodeMessage(encoded, wire.CurrentVersion, []*handle.Handle{})
	require.Error(t, err)
	assert.Equal(t, ipmberr.KindDecode, ipmberr.Of(err))
}
