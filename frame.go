package qpid

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/domcleal/qpid/internal/buffer"
)

// FrameType distinguishes the four frame kinds on the wire.
type FrameType uint8

const (
	FrameTypeMethod    FrameType = 1
	FrameTypeHeader    FrameType = 2
	FrameTypeContent   FrameType = 3
	FrameTypeHeartbeat FrameType = 4
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeMethod:
		return "METHOD"
	case FrameTypeHeader:
		return "HEADER"
	case FrameTypeContent:
		return "CONTENT"
	case FrameTypeHeartbeat:
		return "HEARTBEAT"
	default:
		return fmt.Sprintf("FrameType(%d)", t)
	}
}

// Flags carries the four boundary bits of a frameset: a frameset is
// one content-bearing METHOD + one HEADER + N CONTENT frames, with BOF set
// on the first frame and EOF on the last of that frameset, and BOS/EOS
// marking the first/last frame of the message as a whole (a message may
// span more than one frameset when resumed).
type Flags struct {
	BOF bool // beginning of frameset
	EOF bool // end of frameset
	BOS bool // beginning of segment (message)
	EOS bool // end of segment (message)
}

func (f Flags) byte() byte {
	var b byte
	if f.BOF {
		b |= 1 << 0
	}
	if f.EOF {
		b |= 1 << 1
	}
	if f.BOS {
		b |= 1 << 2
	}
	if f.EOS {
		b |= 1 << 3
	}
	return b
}

func flagsFromByte(b byte) Flags {
	return Flags{
		BOF: b&(1<<0) != 0,
		EOF: b&(1<<1) != 0,
		BOS: b&(1<<2) != 0,
		EOS: b&(1<<3) != 0,
	}
}

// Frame is the decoded representation of a frame on the wire.
// The engine treats the codec as a contract only: Method holds the
// already-decoded Method for METHOD frames, and Payload the raw bytes for
// HEADER/CONTENT frames; bit-level encoding of primitive types is out of
// scope here.
type Frame struct {
	Channel uint16
	Flags   Flags
	TrackID uint32
	Type    FrameType
	Method  Method // set when Type == FrameTypeMethod
	Payload []byte // set when Type == FrameTypeHeader or FrameTypeContent

	// done, if non-nil, is closed once the frame has been written to the
	// transport; used by senders that want to know a frame was flushed
	// without waiting for any protocol-level acknowledgement.
	done chan struct{}
}

func (f *Frame) signalSent() {
	if f.done != nil {
		close(f.done)
	}
}

const frameHeaderSize = 1 /*type*/ + 2 /*channel*/ + 1 /*flags*/ + 4 /*track*/ + 4 /*size*/

// writeFrameHeader writes the fixed-size frame header. It does not encode
// Method/Payload contents: that belongs to the wire codec, which is out of
// scope for this engine.
func writeFrameHeader(buf *buffer.Buffer, fr *Frame, bodyLen int) {
	buf.WriteByte(byte(fr.Type))
	buf.WriteUint16(fr.Channel)
	buf.WriteByte(fr.Flags.byte())
	buf.WriteUint32(fr.TrackID)
	buf.WriteUint32(uint32(bodyLen))
}

// readFrameHeader parses the fixed-size frame header and returns the body
// length that follows it.
func readFrameHeader(r io.Reader) (*Frame, uint32, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, 0, err
	}
	fr := &Frame{
		Type:    FrameType(hdr[0]),
		Channel: binary.BigEndian.Uint16(hdr[1:3]),
		Flags:   flagsFromByte(hdr[3]),
		TrackID: binary.BigEndian.Uint32(hdr[4:8]),
	}
	size := binary.BigEndian.Uint32(hdr[8:12])
	return fr, size, nil
}

// ProtocolHeaderLen is the length of the protocol-initiation header.
const ProtocolHeaderLen = 8

// ProtocolHeader is the decoded 8-byte handshake header: {'A','M','Q','P', class, instance, major, minor}.
type ProtocolHeader struct {
	Class, Instance, Major, Minor byte
}

func (h ProtocolHeader) Bytes() [8]byte {
	return [8]byte{'A', 'M', 'Q', 'P', h.Class, h.Instance, h.Major, h.Minor}
}

func (h ProtocolHeader) String() string {
	return fmt.Sprintf("AMQP{class:%d instance:%d major:%d minor:%d}", h.Class, h.Instance, h.Major, h.Minor)
}
