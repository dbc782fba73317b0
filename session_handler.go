package qpid

import (
	"bytes"
	"context"
	"sync"
)

// SessionHandler binds one channel to at most one SessionState and tracks
// the ignoring flag that discards inbound frames while a close is in
// flight.
type SessionHandler struct {
	mu       sync.Mutex
	channel  uint16
	conn     *ConnectionEngine
	session  *SessionState
	ignoring bool
}

func newSessionHandler(channel uint16, conn *ConnectionEngine) *SessionHandler {
	return &SessionHandler{channel: channel, conn: conn}
}

// Attach creates or re-binds a SessionState by name, idempotently: a
// repeated session.attach(name) with the same name returns the same
// SessionState.
func (h *SessionHandler) Attach(name []byte, force bool) (*SessionState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.session != nil && bytes.Equal(h.session.name, name) {
		return h.session, nil
	}
	if h.session != nil && !force {
		return nil, &ChannelError{Channel: h.channel, Code: ConditionResourceLimit, Text: "channel already attached to a different session"}
	}

	if existing := h.conn.takeDetachedSession(name); existing != nil {
		existing.rebind(h.channel, h.conn.transport)
		h.session = existing
		h.ignoring = false
		return existing, nil
	}

	s := newSessionState(name, h.channel, h.conn)
	h.conn.registerSession(s)
	h.session = s
	h.ignoring = false
	return s, nil
}

// Resume re-binds an existing detached SessionState by id and replays any
// sender-side commands after the peer's last-known-complete mark.
func (h *SessionHandler) Resume(id SessionID) (*SessionState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	existing := h.conn.takeSessionByID(id)
	if existing == nil {
		return nil, &ChannelError{Channel: h.channel, Code: ConditionNotImplemented, Text: "no detached session with that id"}
	}
	existing.rebind(h.channel, h.conn.transport)
	h.session = existing
	h.ignoring = false
	existing.replaySenderCommands()
	return existing, nil
}

// Detach marks the session unattached, releases the transport, and wakes
// any waiters on stateLock.
func (h *SessionHandler) Detach() {
	h.mu.Lock()
	s := h.session
	h.session = nil
	h.ignoring = true
	h.mu.Unlock()

	if s != nil {
		h.conn.parkDetachedSession(s)
		s.detach()
	}
}

// Close drains outstanding completions, emits any final session.completed,
// detaches the session and drops it from the connection's session registry.
// It does not remove the channel's entry from the ChannelMux. Repeated Close
// is a no-op.
func (h *SessionHandler) Close(ctx context.Context) error {
	h.mu.Lock()
	s := h.session
	h.session = nil
	h.mu.Unlock()

	if s == nil {
		return nil
	}
	err := s.close(ctx)
	h.conn.forgetSession(s)
	return err
}

// HandleFrame drops frames while ignoring, except the two methods that
// clear the flag: session.detached or session.attached arriving on an
// ignoring channel reset it before anything else is processed.
func (h *SessionHandler) HandleFrame(fr *Frame) error {
	h.mu.Lock()
	ignoring := h.ignoring
	s := h.session
	h.mu.Unlock()

	if ignoring {
		resets := false
		if fr.Type == FrameTypeMethod {
			switch fr.Method.(type) {
			case *SessionAttached, *SessionDetached:
				resets = true
			}
		}
		if !resets {
			return nil
		}
		h.mu.Lock()
		h.ignoring = false
		h.mu.Unlock()
	}

	if fr.Type == FrameTypeMethod {
		switch attach := fr.Method.(type) {
		case *SessionDetach:
			h.Detach()
			return nil
		case *SessionAttach:
			s2, err := h.Attach(attach.Name, attach.Force)
			if err != nil {
				return err
			}
			s2.sendMethod(&SessionAttached{baseMethod: newMethod(MethodSessionAttached, false, false), Name: attach.Name})
			return nil
		case *SessionCommandPoint:
			return nil
		}
	}

	if s == nil {
		return &ChannelError{Channel: h.channel, Code: ConditionUnattachedHandle, Text: "no session attached"}
	}
	return s.handleFrame(fr)
}
