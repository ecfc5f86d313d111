package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/hiomesh/ipmb-go/pkg/ipmberr"
)

// encoder is the canonical binary encoder: every integer is a varint,
// every length-prefixed blob is a varint length followed by raw bytes.
// Mirrors a tag/length frame codec built over a *bytes.Buffer, but
// variable width throughout rather than fixed 4/8-byte fields.
type encoder struct {
	buf []byte
}

func newEncoder() *encoder {
	return &encoder{buf: make([]byte, 0, 64)}
}

func (e *encoder) Bytes() []byte { return e.buf }

func (e *encoder) WriteByte(b byte) {
	e.buf = append(e.buf, b)
}

func (e *encoder) WriteUvarint(v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	e.buf = append(e.buf, tmp[:n]...)
}

func (e *encoder) WriteRaw(b []byte) {
	e.buf = append(e.buf, b...)
}

func (e *encoder) WriteBlob(b []byte) {
	e.WriteUvarint(uint64(len(b)))
	e.WriteRaw(b)
}

func (e *encoder) WriteString(s string) {
	e.WriteBlob([]byte(s))
}

// decoder reads back what encoder wrote, tracking a cursor over a
// borrowed byte slice.
type decoder struct {
	buf []byte
	pos int
}

func newDecoder(buf []byte) *decoder {
	return &decoder{buf: buf}
}

func (d *decoder) ReadByte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, ipmberr.New(ipmberr.KindDecode, "wire: unexpected end of buffer reading byte")
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) ReadUvarint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		return 0, ipmberr.New(ipmberr.KindDecode, "wire: malformed varint")
	}
	d.pos += n
	return v, nil
}

func (d *decoder) ReadRaw(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.buf) {
		return nil, ipmberr.New(ipmberr.KindDecode, fmt.Sprintf("wire: unexpected end of buffer reading %d bytes", n))
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) ReadBlob() ([]byte, error) {
	n, err := d.ReadUvarint()
	if err != nil {
		return nil, err
	}
	return d.ReadRaw(int(n))
}

func (d *decoder) ReadString() (string, error) {
	b, err := d.ReadBlob()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Remaining reports whether any bytes are left unread; a well-formed
// selector or payload section consumes exactly its length.
func (d *decoder) Remaining() int {
	return len(d.buf) - d.pos
}

// align4 rounds n up to the next multiple of 4, the frame padding that
// keeps shared-memory payloads word-aligned for the platforms that mmap
// them directly.
func align4(n int) int {
	return (n + 3) &^ 3
}
