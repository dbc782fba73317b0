package qpid

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/domcleal/qpid/internal/buffer"
)

// Transport is the frame-level abstraction the engine drives. Byte-level
// encoding of primitive types is explicitly out of scope for this engine;
// Transport only has to agree with its peer on frame boundaries, so method
// bodies are opaque to everything above this file.
type Transport interface {
	ReadFrame() (*Frame, error)
	WriteFrame(*Frame) error
	Close() error
}

// netTransport is the real, runnable Transport used by cmd/qpidd: it reads
// and writes the fixed frame header over a net.Conn and uses encoding/gob
// only as the opaque method-body envelope, since the bit-level AMQP type
// codec is out of scope for this engine.
type netTransport struct {
	conn net.Conn
	mu   sync.Mutex // serialises writes
}

func NewNetTransport(conn net.Conn) Transport {
	return &netTransport{conn: conn}
}

func (t *netTransport) ReadFrame() (*Frame, error) {
	fr, size, err := readFrameHeader(t.conn)
	if err != nil {
		return nil, err
	}
	body := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(t.conn, body); err != nil {
			return nil, err
		}
	}
	switch fr.Type {
	case FrameTypeMethod:
		if len(body) > 0 {
			dec := gob.NewDecoder(bytes.NewReader(body))
			var m methodEnvelope
			if err := dec.Decode(&m); err != nil {
				return nil, fmt.Errorf("decode method frame: %w", err)
			}
			fr.Method = m.Method
		}
	default:
		fr.Payload = body
	}
	return fr, nil
}

func (t *netTransport) WriteFrame(fr *Frame) error {
	var body bytes.Buffer
	if fr.Type == FrameTypeMethod && fr.Method != nil {
		enc := gob.NewEncoder(&body)
		if err := enc.Encode(methodEnvelope{Method: fr.Method}); err != nil {
			return fmt.Errorf("encode method frame: %w", err)
		}
	} else {
		body.Write(fr.Payload)
	}

	var buf buffer.Buffer
	writeFrameHeader(&buf, fr, body.Len())

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.conn.Write(buf.Bytes()); err != nil {
		return err
	}
	if body.Len() > 0 {
		if _, err := t.conn.Write(body.Bytes()); err != nil {
			return err
		}
	}
	fr.signalSent()
	return nil
}

func (t *netTransport) Close() error {
	return t.conn.Close()
}

// methodEnvelope exists because gob requires concrete registered types to
// decode into an interface field.
type methodEnvelope struct {
	Method Method
}

func init() {
	gob.Register(&ConnectionStart{})
	gob.Register(&ConnectionStartOk{})
	gob.Register(&ConnectionSecure{})
	gob.Register(&ConnectionSecureOk{})
	gob.Register(&ConnectionTune{})
	gob.Register(&ConnectionTuneOk{})
	gob.Register(&ConnectionOpen{})
	gob.Register(&ConnectionOpenOk{})
	gob.Register(&ConnectionClose{})
	gob.Register(&ConnectionCloseOk{})
	gob.Register(&ChannelOpen{})
	gob.Register(&ChannelOpenOk{})
	gob.Register(&ChannelClose{})
	gob.Register(&ChannelCloseOk{})
	gob.Register(&SessionAttach{})
	gob.Register(&SessionAttached{})
	gob.Register(&SessionDetach{})
	gob.Register(&SessionDetached{})
	gob.Register(&SessionCommandPoint{})
	gob.Register(&SessionCompleted{})
	gob.Register(&SessionKnownCompleted{})
	gob.Register(&SessionFlush{})
	gob.Register(&SessionRequestTimeout{})
	gob.Register(&SessionTimeout{})
	gob.Register(&ExecutionSync{})
	gob.Register(&ExecutionResult{})
	gob.Register(&ExecutionException{})
	gob.Register(&MessageTransfer{})
	gob.Register(&MessageAccept{})
	gob.Register(&MessageFlow{})
	gob.Register(&MessageStop{})
	gob.Register(&MessageFlowMode{})
}
