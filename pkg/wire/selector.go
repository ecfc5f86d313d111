package wire

import (
	"time"

	"github.com/hiomesh/ipmb-go/pkg/ipmberr"
	"github.com/hiomesh/ipmb-go/pkg/label"
)

// Mode distinguishes a selector that stops at the first match (Unicast)
// from one the controller fans out to every match (Multicast).
type Mode uint8

const (
	Unicast Mode = iota
	Multicast
)

// Selector is the routing header attached to every message: a label
// predicate, a dispatch mode, a payload type UUID, and the accounting
// fields the controller and endpoint need without inspecting the
// payload (region count, TTL).
type Selector struct {
	LabelOp     label.LabelOp
	Mode        Mode
	TypeUUID    [16]byte
	RegionCount uint16
	TTL         time.Duration
}

// encodeLabelOp writes op's tagged form recursively: one byte
// discriminant, an optional leaf tag string, and 0-2 child subtrees,
// mirroring label.Tag's shape exactly so FromTag can invert it.
func encodeLabelOp(e *encoder, op label.LabelOp) {
	tag, leafTag, children := label.Tag(op)
	e.WriteByte(tag)
	e.WriteString(leafTag)
	e.WriteByte(byte(len(children)))
	for _, c := range children {
		encodeLabelOp(e, c)
	}
}

func decodeLabelOp(d *decoder) (label.LabelOp, error) {
	tag, err := d.ReadByte()
	if err != nil {
		return nil, err
	}
	leafTag, err := d.ReadString()
	if err != nil {
		return nil, err
	}
	n, err := d.ReadByte()
	if err != nil {
		return nil, err
	}
	children := make([]label.LabelOp, 0, n)
	for i := byte(0); i < n; i++ {
		child, err := decodeLabelOp(d)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return label.FromTag(tag, leafTag, children), nil
}

// EncodeSelector renders sel with the canonical binary encoder.
func EncodeSelector(sel Selector) []byte {
	e := newEncoder()
	encodeLabelOp(e, sel.LabelOp)
	e.WriteByte(byte(sel.Mode))
	e.WriteRaw(sel.TypeUUID[:])
	e.WriteUvarint(uint64(sel.RegionCount))
	e.WriteUvarint(uint64(sel.TTL))
	return e.Bytes()
}

// DecodeSelector parses a selector previously produced by EncodeSelector.
func DecodeSelector(buf []byte) (Selector, error) {
	d := newDecoder(buf)
	op, err := decodeLabelOp(d)
	if err != nil {
		return Selector{}, ipmberr.Wrap(ipmberr.KindDecode, "wire: decode selector label", err)
	}
	modeByte, err := d.ReadByte()
	if err != nil {
		return Selector{}, ipmberr.Wrap(ipmberr.KindDecode, "wire: decode selector mode", err)
	}
	uuidBytes, err := d.ReadRaw(16)
	if err != nil {
		return Selector{}, ipmberr.Wrap(ipmberr.KindDecode, "wire: decode selector type uuid", err)
	}
	regionCount, err := d.ReadUvarint()
	if err != nil {
		return Selector{}, ipmberr.Wrap(ipmberr.KindDecode, "wire: decode selector region count", err)
	}
	ttl, err := d.ReadUvarint()
	if err != nil {
		return Selector{}, ipmberr.Wrap(ipmberr.KindDecode, "wire: decode selector ttl", err)
	}

	var sel Selector
	sel.LabelOp = op
	sel.Mode = Mode(modeByte)
	copy(sel.TypeUUID[:], uuidBytes)
	sel.RegionCount = uint16(regionCount)
	sel.TTL = time.Duration(ttl)
	return sel, nil
}
