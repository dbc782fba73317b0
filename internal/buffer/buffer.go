// Package buffer provides a minimal growable byte buffer used by the frame
// transport. It intentionally does not implement an AMQP primitive-type
// codec: this engine treats command and message payloads as opaque bytes
// handed to/from a MessageSink, per the frame-contract-only scope of the
// protocol engine.
package buffer

import "encoding/binary"

// Buffer is a growable byte buffer with a read cursor, grounded on the
// github.com/Azure/go-amqp internal/buffer.Buffer usage pattern seen
// throughout frame.go/session.go (Write/WriteByte/WriteUint16/WriteUint32/
// Bytes/Len/Next/Reset).
type Buffer struct {
	b   []byte
	off int
}

// New wraps an existing byte slice for reading.
func New(b []byte) *Buffer {
	return &Buffer{b: b}
}

func (b *Buffer) Reset() {
	b.b = b.b[:0]
	b.off = 0
}

func (b *Buffer) Write(p []byte) {
	b.b = append(b.b, p...)
}

func (b *Buffer) WriteByte(c byte) {
	b.b = append(b.b, c)
}

func (b *Buffer) WriteString(s string) {
	b.b = append(b.b, s...)
}

func (b *Buffer) WriteUint16(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.b = append(b.b, tmp[:]...)
}

func (b *Buffer) WriteUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.b = append(b.b, tmp[:]...)
}

func (b *Buffer) WriteUint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.b = append(b.b, tmp[:]...)
}

// Bytes returns the entire underlying slice (not just the unread portion).
func (b *Buffer) Bytes() []byte {
	return b.b
}

// Len returns the number of unread bytes remaining.
func (b *Buffer) Len() int {
	return len(b.b) - b.off
}

// Next returns up to n unread bytes and advances the read cursor.
func (b *Buffer) Next(n int64) ([]byte, bool) {
	if n > int64(b.Len()) {
		n = int64(b.Len())
	}
	if n <= 0 {
		return nil, false
	}
	p := b.b[b.off : b.off+int(n)]
	b.off += int(n)
	return p, true
}

// ReadUint16 consumes and returns the next 2 bytes.
func (b *Buffer) ReadUint16() (uint16, bool) {
	p, ok := b.Next(2)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint16(p), true
}

// ReadUint32 consumes and returns the next 4 bytes.
func (b *Buffer) ReadUint32() (uint32, bool) {
	p, ok := b.Next(4)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint32(p), true
}
