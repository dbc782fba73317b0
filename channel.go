package qpid

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Channel is a 16-bit multiplexing lane paired with an optional
// SessionHandler.
type Channel struct {
	ID      uint16
	Handler *SessionHandler
}

// ChannelMux maps channel id to SessionHandler and routes inbound frames. It
// has no outbound path: sessions write their frames straight to the
// transport, which serialises individual frame writes but not framesets.
type ChannelMux struct {
	mu         sync.Mutex
	channelMax uint16
	channels   map[uint16]*Channel
	conn       *ConnectionEngine
}

func newChannelMux(conn *ConnectionEngine, channelMax uint16) *ChannelMux {
	return &ChannelMux{channelMax: channelMax, channels: make(map[uint16]*Channel), conn: conn}
}

func (m *ChannelMux) setChannelMax(max uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channelMax = max
}

// Dispatch routes fr to its channel's SessionHandler, creating the table
// entry on an inbound session.attach. If no entry exists and the frame is
// not session.attach, it replies channel.error.
func (m *ChannelMux) Dispatch(fr *Frame) error {
	m.mu.Lock()
	if fr.Channel >= m.channelMax {
		m.mu.Unlock()
		return &ChannelError{Channel: fr.Channel, Code: ConditionResourceLimit, Text: "channel id exceeds channel-max"}
	}

	ch, ok := m.channels[fr.Channel]
	if !ok {
		attach, isAttach := frameMethod[*SessionAttach](fr)
		if !isAttach {
			m.mu.Unlock()
			return &ChannelError{Channel: fr.Channel, Code: ConditionUnattachedHandle, Text: "no session attached to channel"}
		}
		handler := newSessionHandler(fr.Channel, m.conn)
		ch = &Channel{ID: fr.Channel, Handler: handler}
		m.channels[fr.Channel] = ch
		m.mu.Unlock()

		s, err := handler.Attach(attach.Name, attach.Force)
		if err != nil {
			return err
		}
		s.sendMethod(&SessionAttached{baseMethod: newMethod(MethodSessionAttached, false, false), Name: attach.Name})
		return nil
	}
	m.mu.Unlock()

	return ch.Handler.HandleFrame(fr)
}

// Remove deletes a channel from the table. Nothing in this package calls it;
// connection teardown clears the whole table through CloseAll.
func (m *ChannelMux) Remove(id uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, id)
}

// CloseAll tears down every channel's session concurrently, used on
// connection teardown. A graceful close drains each session's outstanding
// completions before replying; an ungraceful one just detaches.
func (m *ChannelMux) CloseAll(graceful bool) {
	m.mu.Lock()
	handlers := make([]*SessionHandler, 0, len(m.channels))
	for _, ch := range m.channels {
		handlers = append(handlers, ch.Handler)
	}
	m.channels = make(map[uint16]*Channel)
	m.mu.Unlock()

	var g errgroup.Group
	for _, h := range handlers {
		h := h
		g.Go(func() error {
			if graceful {
				return h.Close(context.Background())
			}
			h.Detach()
			return nil
		})
	}
	_ = g.Wait()
}

func frameMethod[T Method](fr *Frame) (T, bool) {
	var zero T
	if fr.Type != FrameTypeMethod {
		return zero, false
	}
	m, ok := fr.Method.(T)
	return m, ok
}
