package wire

import (
	"time"

	"github.com/hiomesh/ipmb-go/pkg/handle"
	"github.com/hiomesh/ipmb-go/pkg/ipmberr"
	"github.com/hiomesh/ipmb-go/pkg/label"
	"github.com/hiomesh/ipmb-go/pkg/region"
)

// Message is the generic envelope a caller builds and an endpoint sends:
// a selector, a typed payload, plus any OS handles and shared regions
// riding alongside it, mirroring message.rs's Message<T>.
type Message[T Payload] struct {
	Selector      Selector
	Payload       T
	Handles       []*handle.Handle
	MemoryRegions []*region.Region
}

// NewMessage builds a Message, stamping sel's TypeUUID from payload so
// callers never hand-enter it (message.rs's Message::new does the same).
func NewMessage[T Payload](sel Selector, payload T) Message[T] {
	sel.TypeUUID = payload.TypeUUID()
	return Message[T]{Selector: sel, Payload: payload}
}

// NewUnicastSelector builds a one-shot selector matching op, addressed
// to the first matching endpoint.
func NewUnicastSelector(op label.LabelOp, ttl time.Duration) Selector {
	return Selector{LabelOp: op, Mode: Unicast, TTL: ttl}
}

// NewMulticastSelector builds a selector the controller fans out to
// every endpoint matching op.
func NewMulticastSelector(op label.LabelOp, ttl time.Duration) Selector {
	return Selector{LabelOp: op, Mode: Multicast, TTL: ttl}
}

// Encode renders m's selector and payload into wire bytes; m.Handles and
// m.MemoryRegions are not part of the returned bytes and must be carried
// by the transport out of band, with region-backing handles ordered
// last.
func (m Message[T]) Encode(local Version) []byte {
	m.Selector.RegionCount = uint16(len(m.MemoryRegions))
	return Encode(Frame{Version: local, Selector: m.Selector, Payload: m.Payload.Encode()})
}

// OrderedHandles returns m.Handles followed by each region's backing
// handle, an order that lets a receiver split the incoming handle list
// back into (generic handles, region handles) using only RegionCount.
func (m Message[T]) OrderedHandles() []*handle.Handle {
	out := make([]*handle.Handle, 0, len(m.Handles)+len(m.MemoryRegions))
	out = append(out, m.Handles...)
	for _, r := range m.MemoryRegions {
		out = append(out, r.Object())
	}
	return out
}

// DecodedMessage is what a receiver gets back from a raw frame: a
// parsed selector, a dispatched payload, and the raw handle list split
// into generic handles and region-backing handles per Selector.RegionCount.
type DecodedMessage struct {
	Selector Selector
	Payload  Payload
	Handles  []*handle.Handle
	Regions  []*region.Region
}

// DecodeMessage parses buf and splits handles using the selector's
// RegionCount, mapping the trailing region-backing handles into Regions
// via region.Adopt (which accounts for the sender's PreSend on each).
// Per spec.md §4.3, a handle count short of RegionCount is rejected
// rather than silently tolerated.
func DecodeMessage(buf []byte, local Version, handles []*handle.Handle) (DecodedMessage, error) {
	frame, err := Decode(buf, local)
	if err != nil {
		return DecodedMessage{}, err
	}
	payload, err := DecodePayload(frame.Selector.TypeUUID, frame.Payload)
	if err != nil {
		return DecodedMessage{}, err
	}

	regionCount := int(frame.Selector.RegionCount)
	if regionCount > len(handles) {
		return DecodedMessage{}, ipmberr.New(ipmberr.KindDecode, "wire: handle count less than selector region_count")
	}
	split := len(handles) - regionCount
	generic := handles[:split]
	regionHandles := handles[split:]

	regions := make([]*region.Region, 0, len(regionHandles))
	for _, h := range regionHandles {
		r, err := region.Adopt(h)
		if err != nil {
			return DecodedMessage{}, err
		}
		// Adopt's increment plus this cancel the sender's PreSend pre-
		// increment, leaving one outstanding count transferred to us.
		r.UndoPreSend()
		regions = append(regions, r)
	}

	return DecodedMessage{
		Selector: frame.Selector,
		Payload:  payload,
		Handles:  generic,
		Regions:  regions,
	}, nil
}
