package qpid

import (
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/domcleal/qpid/sink"
)

func newTestConnection(t *testing.T) (*ConnectionEngine, *recordingTransport) {
	t.Helper()
	tr := &recordingTransport{}
	c := NewConnectionEngine(tr, ConnectionOptions{
		Mechanisms:  SupportedMechanisms,
		Locales:     []string{"en_US"},
		SaslFactory: NewDefaultSaslFactory(nil),
		Sink:        &controlledSink{},
		MaxChannels: 0xFFFF,
		MaxFrame:    65536,
		Log:         zerolog.New(io.Discard),
	})
	return c, tr
}

func lastMethod[T Method](frames []*Frame) (T, bool) {
	var zero T
	for i := len(frames) - 1; i >= 0; i-- {
		if m, ok := frames[i].Method.(T); ok {
			return m, true
		}
	}
	return zero, false
}

// TestValidHandshakeReachesOpen checks that an ANONYMOUS start-ok drives
// the engine through tune/tune-ok/open/open-ok into Open, negotiating
// channelMax=0xFFFF and heartbeat=0 when the client requests the server's
// defaults (a zero value).
func TestValidHandshakeReachesOpen(t *testing.T) {
	c, tr := newTestConnection(t)
	c.setState(StateAwaitStartOk)

	require.NoError(t, c.onStartOk(&ConnectionStartOk{Mechanism: "ANONYMOUS", Response: nil}))
	require.Equal(t, StateAwaitTuneOk, c.State())

	tune, ok := lastMethod[*ConnectionTune](tr.methodFrames())
	require.True(t, ok)
	require.EqualValues(t, 0xFFFF, tune.ChannelMax)
	require.EqualValues(t, 0, tune.Heartbeat)

	require.NoError(t, c.onTuneOk(&ConnectionTuneOk{ChannelMax: 0, FrameMax: 0, Heartbeat: 0}))
	require.Equal(t, StateAwaitOpen, c.State())
	require.EqualValues(t, 0xFFFF, c.channelMax)

	require.NoError(t, c.onOpen(&ConnectionOpen{VirtualHost: "/"}))
	require.Equal(t, StateOpen, c.State())

	_, ok = lastMethod[*ConnectionOpenOk](tr.methodFrames())
	require.True(t, ok)
}

func TestUnsupportedMechanismFailsSaslAndClosesOnce(t *testing.T) {
	c, tr := newTestConnection(t)
	c.setState(StateAwaitStartOk)

	err := c.onStartOk(&ConnectionStartOk{Mechanism: "GSSAPI"})
	require.Error(t, err)
	var saslErr *SaslFailure
	require.ErrorAs(t, err, &saslErr)
	require.Equal(t, StateClosed, c.State())

	_, ok := lastMethod[*ConnectionClose](tr.methodFrames())
	require.True(t, ok)

	// a second start-ok must never be attempted once SASL has failed
	err = c.onStartOk(&ConnectionStartOk{Mechanism: "ANONYMOUS"})
	require.Error(t, err)
	require.ErrorAs(t, err, &saslErr)
}

func TestChannelMaxNegotiation(t *testing.T) {
	require.EqualValues(t, 100, negotiateMax16(100, 200))
	require.EqualValues(t, 200, negotiateMax16(300, 200))
	require.EqualValues(t, 50, negotiateMax16(0, 50))
	require.EqualValues(t, 0xFFFF, negotiateMax16(0, 0))
}

func TestDispatchRejectsUnknownChannel(t *testing.T) {
	c, _ := newTestConnection(t)
	c.mux.setChannelMax(10)

	err := c.mux.Dispatch(&Frame{
		Channel: 3,
		Type:    FrameTypeMethod,
		Method:  NewExecutionSync(),
	})
	require.Error(t, err)
	var chErr *ChannelError
	require.ErrorAs(t, err, &chErr)
	require.EqualValues(t, 3, chErr.Channel)
}

func TestDispatchCreatesChannelOnAttach(t *testing.T) {
	c, tr := newTestConnection(t)
	c.mux.setChannelMax(10)

	err := c.mux.Dispatch(&Frame{
		Channel: 2,
		Type:    FrameTypeMethod,
		Method:  NewSessionAttach([]byte("s1"), false),
	})
	require.NoError(t, err)

	attached, ok := lastMethod[*SessionAttached](tr.methodFrames())
	require.True(t, ok)
	require.Equal(t, []byte("s1"), attached.Name)
}

var _ sink.MessageSink = &controlledSink{}
