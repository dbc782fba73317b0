package qpid

import (
	"bytes"
	"io"

	"github.com/rs/zerolog"
)

// SupportedHeader is the protocol version this broker negotiates: on a
// mismatch it replies with this header, e.g. AMQP\x01\x01\x00\x0A.
var SupportedHeader = ProtocolHeader{Class: 1, Instance: 1, Major: 0, Minor: 10}

// ProtocolHandshake accepts the first bytes of a fresh transport and either
// confirms the protocol version or fails fatally. It is deliberately
// stateless and codec-level: on any mismatch the caller must write
// SupportedHeader.Bytes() and close the transport.
type ProtocolHandshake struct {
	log zerolog.Logger
}

func NewProtocolHandshake(log zerolog.Logger) *ProtocolHandshake {
	return &ProtocolHandshake{log: log.With().Str("component", "handshake").Logger()}
}

// Negotiate reads the 8-byte header from r and validates it against
// SupportedHeader. On success it returns nil. If the header cannot be read
// it returns the read error; on a header mismatch it returns a
// *HandshakeMismatch. In both cases the caller (ConnectionEngine) is responsible for
// writing the broker's preferred header and closing the transport.
func (h *ProtocolHandshake) Negotiate(r io.Reader) error {
	var buf [ProtocolHeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}

	if !bytes.Equal(buf[:4], []byte("AMQP")) {
		h.log.Warn().Bytes("header", buf[:]).Msg("protocol magic mismatch")
		return &HandshakeMismatch{Kind: "magic", Got: buf}
	}
	got := ProtocolHeader{Class: buf[4], Instance: buf[5], Major: buf[6], Minor: buf[7]}

	if got.Class != SupportedHeader.Class {
		return &HandshakeMismatch{Kind: "ProtocolClass", Got: buf}
	}
	if got.Instance != SupportedHeader.Instance {
		return &HandshakeMismatch{Kind: "ProtocolInstance", Got: buf}
	}
	if got.Major != SupportedHeader.Major {
		return &HandshakeMismatch{Kind: "ProtocolMajor", Got: buf}
	}
	if got.Minor != SupportedHeader.Minor {
		return &HandshakeMismatch{Kind: "ProtocolMinor", Got: buf}
	}

	h.log.Debug().Stringer("header", got).Msg("handshake matched")
	return nil
}
