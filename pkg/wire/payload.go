package wire

import (
	"github.com/hiomesh/ipmb-go/pkg/ipmberr"
	"github.com/hiomesh/ipmb-go/pkg/label"
)

// Well-known payload type UUIDs, carried over unchanged from
// ipmb/src/message.rs so a Go endpoint and a Rust endpoint on the same
// bus agree on dispatch without a shared schema registry.
var (
	UUIDBytesMessage       = mustParseUUID("dd95ba8e-1279-47cf-925e-83e614e79588")
	UUIDFetchProcessHandle = mustParseUUID("fbf88372-d2cd-425a-a183-133f8f119df2")
	UUIDConnectMessage     = mustParseUUID("b2c1deb3-3091-4a74-a99c-c8e8d710d4b2")
	UUIDConnectMessageAck  = mustParseUUID("c3de9eb4-c310-4c14-9747-093d62c09998")
)

func mustParseUUID(s string) [16]byte {
	var out [16]byte
	var b []byte
	for i := 0; i < len(s); {
		if s[i] == '-' {
			i++
			continue
		}
		hi := hexVal(s[i])
		lo := hexVal(s[i+1])
		b = append(b, hi<<4|lo)
		i += 2
	}
	copy(out[:], b)
	return out
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	}
	return 0
}

// BytesMessage is the general-purpose opaque payload: a caller-defined
// format tag plus arbitrary bytes.
type BytesMessage struct {
	Format uint16
	Data   []byte
}

func (BytesMessage) TypeUUID() [16]byte { return UUIDBytesMessage }

func (m BytesMessage) Encode() []byte {
	e := newEncoder()
	e.WriteUvarint(uint64(m.Format))
	e.WriteBlob(m.Data)
	return e.Bytes()
}

func decodeBytesMessage(data []byte) (BytesMessage, error) {
	d := newDecoder(data)
	format, err := d.ReadUvarint()
	if err != nil {
		return BytesMessage{}, err
	}
	body, err := d.ReadBlob()
	if err != nil {
		return BytesMessage{}, err
	}
	return BytesMessage{Format: uint16(format), Data: body}, nil
}

// FetchProcessHandleMessage is the Windows-only handshake payload asking
// the controller's process to duplicate a HANDLE into the requester via
// a named pipe.
type FetchProcessHandleMessage struct {
	PID       uint32
	ReplyPipe string
}

func (FetchProcessHandleMessage) TypeUUID() [16]byte { return UUIDFetchProcessHandle }

func (m FetchProcessHandleMessage) Encode() []byte {
	e := newEncoder()
	e.WriteUvarint(uint64(m.PID))
	e.WriteString(m.ReplyPipe)
	return e.Bytes()
}

func decodeFetchProcessHandleMessage(data []byte) (FetchProcessHandleMessage, error) {
	d := newDecoder(data)
	pid, err := d.ReadUvarint()
	if err != nil {
		return FetchProcessHandleMessage{}, err
	}
	pipe, err := d.ReadString()
	if err != nil {
		return FetchProcessHandleMessage{}, err
	}
	return FetchProcessHandleMessage{PID: uint32(pid), ReplyPipe: pipe}, nil
}

// ConnectMessage is the first message a joining endpoint sends the bus
// controller: its wire version, a bus access token, and its routing
// label.
type ConnectMessage struct {
	Version Version
	Token   string
	Label   label.Label
}

func (ConnectMessage) TypeUUID() [16]byte { return UUIDConnectMessage }

func (m ConnectMessage) Encode() []byte {
	e := newEncoder()
	e.WriteByte(m.Version.Major)
	e.WriteByte(m.Version.Minor)
	e.WriteByte(m.Version.Patch)
	e.WriteString(m.Token)
	tags := m.Label.Iter()
	e.WriteUvarint(uint64(len(tags)))
	for _, t := range tags {
		e.WriteString(t)
	}
	return e.Bytes()
}

func decodeConnectMessage(data []byte) (ConnectMessage, error) {
	d := newDecoder(data)
	major, err := d.ReadByte()
	if err != nil {
		return ConnectMessage{}, err
	}
	minor, err := d.ReadByte()
	if err != nil {
		return ConnectMessage{}, err
	}
	patch, err := d.ReadByte()
	if err != nil {
		return ConnectMessage{}, err
	}
	token, err := d.ReadString()
	if err != nil {
		return ConnectMessage{}, err
	}
	n, err := d.ReadUvarint()
	if err != nil {
		return ConnectMessage{}, err
	}
	tags := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		t, err := d.ReadString()
		if err != nil {
			return ConnectMessage{}, err
		}
		tags = append(tags, t)
	}
	return ConnectMessage{
		Version: Version{Major: major, Minor: minor, Patch: patch},
		Token:   token,
		Label:   label.New(tags...),
	}, nil
}

// ConnectAckStatus is ConnectMessageAck's discriminant, standing in for
// the Rust enum's three variants (Ok/ErrVersion/ErrToken).
type ConnectAckStatus uint8

const (
	ConnectAckOK ConnectAckStatus = iota
	ConnectAckErrVersion
	ConnectAckErrToken
)

// ConnectMessageAck is the controller's reply to ConnectMessage: the
// assigned EndpointID (a raw 16-byte UUID, opaque to the wire layer) on
// success, or the reason for refusal.
type ConnectMessageAck struct {
	Status        ConnectAckStatus
	EndpointID    [16]byte
	ServerVersion Version
}

func (ConnectMessageAck) TypeUUID() [16]byte { return UUIDConnectMessageAck }

func (m ConnectMessageAck) Encode() []byte {
	e := newEncoder()
	e.WriteByte(byte(m.Status))
	e.WriteRaw(m.EndpointID[:])
	e.WriteByte(m.ServerVersion.Major)
	e.WriteByte(m.ServerVersion.Minor)
	e.WriteByte(m.ServerVersion.Patch)
	return e.Bytes()
}

func decodeConnectMessageAck(data []byte) (ConnectMessageAck, error) {
	d := newDecoder(data)
	status, err := d.ReadByte()
	if err != nil {
		return ConnectMessageAck{}, err
	}
	idBytes, err := d.ReadRaw(16)
	if err != nil {
		return ConnectMessageAck{}, err
	}
	major, err := d.ReadByte()
	if err != nil {
		return ConnectMessageAck{}, err
	}
	minor, err := d.ReadByte()
	if err != nil {
		return ConnectMessageAck{}, err
	}
	patch, err := d.ReadByte()
	if err != nil {
		return ConnectMessageAck{}, err
	}
	var id [16]byte
	copy(id[:], idBytes)
	return ConnectMessageAck{
		Status:        ConnectAckStatus(status),
		EndpointID:    id,
		ServerVersion: Version{Major: major, Minor: minor, Patch: patch},
	}, nil
}

// Payload is anything that can ride as a Message's body: a stable type
// UUID plus a canonical encoding.
type Payload interface {
	TypeUUID() [16]byte
	Encode() []byte
}

// DecodePayload dispatches on typeUUID the way Rust's blanket MessageBox
// impl dispatches on TypeUuid::UUID (message.rs), returning one of the
// package's well-known payload types, or KindTypeUUIDNotFound for
// anything else — callers needing custom payload types decode the raw
// bytes themselves using the Selector's TypeUUID.
func DecodePayload(typeUUID [16]byte, data []byte) (Payload, error) {
	switch typeUUID {
	case UUIDBytesMessage:
		return decodeBytesMessage(data)
	case UUIDFetchProcessHandle:
		return decodeFetchProcessHandleMessage(data)
	case UUIDConnectMessage:
		return decodeConnectMessage(data)
	case UUIDConnectMessageAck:
		return decodeConnectMessageAck(data)
	default:
		return nil, ipmberr.New(ipmberr.KindTypeUUIDNotFound, "wire: unrecognized payload type uuid")
	}
}
