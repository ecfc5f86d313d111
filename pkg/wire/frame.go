package wire

import (
	"encoding/binary"

	"github.com/hiomesh/ipmb-go/pkg/ipmberr"
)

// frameMagic opens every frame; Decode reports any other leading byte
// as a version mismatch against version 0.0.0, matching
// platform/linux.rs's encode_inner framing.
const frameMagic = 0xFF

// frameHeaderLen is magic(1) + version(3) + selector_len(4).
const frameHeaderLen = 1 + 3 + 4

// Frame is a fully decoded wire message: selector plus opaque payload
// bytes. Handles and shared-memory regions ride out of band (the
// transport layer attaches them per message using SCM_RIGHTS or
// DuplicateHandle) since Go has no way to splice an OS handle into a
// byte slice.
type Frame struct {
	Version  Version
	Selector Selector
	Payload  []byte
}

// Encode renders f as the bytes that travel in-band on the transport.
// Layout: magic(1) | version(3) | selector_len(u32) | selector | pad
// to 4 | payload_len(u32) | payload | pad to 4. The outer envelope uses
// fixed-width length fields so a reader can skip a section without
// decoding it; selector and payload contents are the canonical varint
// encoder's output.
func Encode(f Frame) []byte {
	selBytes := EncodeSelector(f.Selector)
	selPad := align4(len(selBytes)) - len(selBytes)
	payPad := align4(len(f.Payload)) - len(f.Payload)

	out := make([]byte, 0, frameHeaderLen+len(selBytes)+selPad+4+len(f.Payload)+payPad)
	out = append(out, frameMagic, f.Version.Major, f.Version.Minor, f.Version.Patch)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(selBytes)))
	out = append(out, lenBuf[:]...)
	out = append(out, selBytes...)
	out = append(out, make([]byte, selPad)...)

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f.Payload)))
	out = append(out, lenBuf[:]...)
	out = append(out, f.Payload...)
	out = append(out, make([]byte, payPad)...)

	return out
}

// Decode parses a frame previously produced by Encode. local is this
// endpoint's own version, used to classify a version mismatch the way
// lib.rs's handshake does: any two versions sharing a major (or both
// major 0 and matching minor) are wire-compatible even if not
// byte-identical.
func Decode(buf []byte, local Version) (Frame, error) {
	if len(buf) < frameHeaderLen {
		return Frame{}, ipmberr.New(ipmberr.KindDecode, "wire: frame shorter than header")
	}
	if buf[0] != frameMagic {
		return Frame{}, ipmberr.New(ipmberr.KindVersionMismatch, Version{}.String()).
			WithContext("remote_version", Version{})
	}
	remote := Version{Major: buf[1], Minor: buf[2], Patch: buf[3]}
	if !local.Compatible(remote) {
		return Frame{}, ipmberr.New(ipmberr.KindVersionMismatch, remote.String()).
			WithContext("remote_version", remote)
	}

	pos := 4
	selLen := int(binary.BigEndian.Uint32(buf[pos:]))
	pos += 4
	if pos+selLen > len(buf) {
		return Frame{}, ipmberr.New(ipmberr.KindDecode, "wire: selector length exceeds frame")
	}
	selBytes := buf[pos : pos+selLen]
	pos += align4(selLen)

	if pos+4 > len(buf) {
		return Frame{}, ipmberr.New(ipmberr.KindDecode, "wire: frame truncated before payload length")
	}
	payLen := int(binary.BigEndian.Uint32(buf[pos:]))
	pos += 4
	if pos+payLen > len(buf) {
		return Frame{}, ipmberr.New(ipmberr.KindDecode, "wire: payload length exceeds frame")
	}
	payload := buf[pos : pos+payLen]

	sel, err := DecodeSelector(selBytes)
	if err != nil {
		return Frame{}, err
	}

	return Frame{Version: remote, Selector: sel, Payload: payload}, nil
}
