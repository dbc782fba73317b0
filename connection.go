package qpid

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/domcleal/qpid/sink"
)

// ConnectionState is one stage of the connection-level handshake and
// teardown sequence.
type ConnectionState int

const (
	StateInitial ConnectionState = iota
	StateAwaitStartOk
	StateAwaitSecureOk
	StateAwaitTuneOk
	StateAwaitOpen
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateAwaitStartOk:
		return "AwaitStartOk"
	case StateAwaitSecureOk:
		return "AwaitSecureOk"
	case StateAwaitTuneOk:
		return "AwaitTuneOk"
	case StateAwaitOpen:
		return "AwaitOpen"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// ConnectionOptions configures a ConnectionEngine.
type ConnectionOptions struct {
	Mechanisms    []string
	Locales       []string
	SaslFactory   SaslServerFactory
	Adapter       CommandAdapter
	Sink          sink.MessageSink
	SessionConfig SessionConfig

	MaxChannels uint16        // server cap; negotiated down from the client request
	MaxFrame    uint32        // server cap
	Heartbeat   time.Duration // server cap; 0 disables heartbeats entirely

	Log zerolog.Logger
}

// ConnectionEngine drives the connection-level state machine: start ->
// secure -> tune -> open -> closing. It owns the SASL negotiator, the
// channel table (via ChannelMux), and the heartbeat timer.
type ConnectionEngine struct {
	transport Transport
	handshake *ProtocolHandshake

	adapter       CommandAdapter
	sink          sink.MessageSink
	sessionConfig SessionConfig
	log           zerolog.Logger

	mechanisms []string
	locales    []string

	saslFactory SaslServerFactory
	sasl        SaslNegotiator
	saslFailed  bool
	principal   string

	serverMaxChannels uint16
	serverMaxFrame    uint32
	serverHeartbeat   time.Duration

	connectionMutex sync.Mutex
	state           ConnectionState
	channelMax      uint16
	frameMax        uint32
	heartbeat       time.Duration
	locale          string

	mux *ChannelMux

	drainSignal chan struct{}

	sessionsMu       sync.Mutex
	detachedByName   map[string]*SessionState
	sessionsByID     map[string]*SessionState

	heartbeatTimer     *time.Timer
	heartbeatSendTimer *time.Timer
}

// NewConnectionEngine constructs a ConnectionEngine bound to transport,
// still in StateInitial.
func NewConnectionEngine(transport Transport, opts ConnectionOptions) *ConnectionEngine {
	log := opts.Log
	c := &ConnectionEngine{
		transport:         transport,
		handshake:         NewProtocolHandshake(log),
		adapter:           opts.Adapter,
		sink:              opts.Sink,
		sessionConfig:     opts.SessionConfig,
		log:               log.With().Str("component", "connection").Logger(),
		mechanisms:        opts.Mechanisms,
		locales:           opts.Locales,
		saslFactory:       opts.SaslFactory,
		serverMaxChannels: opts.MaxChannels,
		serverMaxFrame:    opts.MaxFrame,
		serverHeartbeat:   opts.Heartbeat,
		state:             StateInitial,
		drainSignal:       make(chan struct{}, 1),
		detachedByName:    make(map[string]*SessionState),
		sessionsByID:      make(map[string]*SessionState),
	}
	c.mux = newChannelMux(c, opts.MaxChannels)
	return c
}

func (c *ConnectionEngine) signalDrain() {
	select {
	case c.drainSignal <- struct{}{}:
	default:
	}
}

func (c *ConnectionEngine) setState(s ConnectionState) {
	c.connectionMutex.Lock()
	c.state = s
	c.connectionMutex.Unlock()
}

func (c *ConnectionEngine) State() ConnectionState {
	c.connectionMutex.Lock()
	defer c.connectionMutex.Unlock()
	return c.state
}

// Run negotiates the handshake and then drives frames through the state
// machine until the transport closes or ctx is cancelled. A helper goroutine
// reads frames off the transport and hands them over; this loop is the
// single I/O thread that dispatches frames and drains every session's
// completion scheduler.
func (c *ConnectionEngine) Run(ctx context.Context) error {
	if err := c.negotiateHandshake(); err != nil {
		return err
	}

	c.setState(StateAwaitStartOk)
	c.sendMethodOnChannel(0, NewConnectionStart(c.mechanisms, c.locales))

	frames := make(chan *Frame)
	readErrs := make(chan error, 1)
	go func() {
		for {
			fr, err := c.transport.ReadFrame()
			if err != nil {
				readErrs <- err
				return
			}
			frames <- fr
		}
	}()

	c.resetHeartbeatTimer()
	defer c.stopHeartbeatTimer()
	defer c.stopHeartbeatSender()

	for {
		select {
		case <-ctx.Done():
			c.abort()
			return ctx.Err()
		case err := <-readErrs:
			c.onTransportFailure(err)
			return &TransportFailure{Err: err}
		case fr := <-frames:
			c.resetHeartbeatTimer()
			if err := c.handleFrame(fr); err != nil {
				if c.handleEngineError(err) {
					return err
				}
			}
			if c.State() == StateClosed {
				return nil
			}
		case <-c.drainSignal:
			c.drainAllSessions()
		case <-c.heartbeatDeadline():
			c.onTransportFailure(errors.New("heartbeat timeout"))
			return &TransportFailure{Err: errors.New("heartbeat timeout")}
		case <-c.heartbeatSendDeadline():
			c.sendHeartbeat()
		}
	}
}

// negotiateHandshake consumes the 8-byte header; on mismatch it replies with
// the broker's preferred header and closes.
func (c *ConnectionEngine) negotiateHandshake() error {
	nt, ok := c.transport.(*netTransport)
	if !ok {
		return nil // test transports pre-negotiate or don't speak raw bytes
	}
	if err := c.handshake.Negotiate(nt.conn); err != nil {
		hdr := SupportedHeader.Bytes()
		_, _ = nt.conn.Write(hdr[:])
		_ = c.transport.Close()
		return err
	}
	return nil
}

func (c *ConnectionEngine) handleFrame(fr *Frame) error {
	if fr.Type == FrameTypeHeartbeat {
		return nil
	}
	if fr.Channel == 0 {
		if m, ok := frameMethod[Method](fr); ok {
			if handled, err := c.handleConnectionMethod(m); handled {
				return err
			}
		}
	}
	return c.mux.Dispatch(fr)
}

// handleConnectionMethod drives the connection-level state machine table.
func (c *ConnectionEngine) handleConnectionMethod(m Method) (handled bool, err error) {
	switch msg := m.(type) {
	case *ConnectionStartOk:
		return true, c.onStartOk(msg)
	case *ConnectionSecureOk:
		return true, c.onSecureOk(msg)
	case *ConnectionTuneOk:
		return true, c.onTuneOk(msg)
	case *ConnectionOpen:
		return true, c.onOpen(msg)
	case *ConnectionClose:
		return true, c.onClose(msg)
	case *ConnectionCloseOk:
		c.setState(StateClosed)
		return true, nil
	default:
		return false, nil
	}
}

func (c *ConnectionEngine) onStartOk(m *ConnectionStartOk) error {
	if c.saslFailed {
		return &SaslFailure{Err: errors.New("second SASL round attempted after failure")}
	}
	if c.State() != StateAwaitStartOk {
		return &InternalError{Reason: "start-ok received outside AwaitStartOk"}
	}

	negotiator, ok := c.saslFactory(m.Mechanism)
	if !ok {
		c.saslFailed = true
		return c.failSasl(fmt.Errorf("unsupported mechanism %q", m.Mechanism))
	}
	c.sasl = negotiator
	c.locale = m.Locale

	challenge, outcome, principal, err := negotiator.Step(m.Response)
	return c.advanceSasl(challenge, outcome, principal, err)
}

func (c *ConnectionEngine) onSecureOk(m *ConnectionSecureOk) error {
	if c.State() != StateAwaitSecureOk || c.sasl == nil {
		return &InternalError{Reason: "secure-ok received outside AwaitSecureOk"}
	}
	challenge, outcome, principal, err := c.sasl.Step(m.Response)
	return c.advanceSasl(challenge, outcome, principal, err)
}

func (c *ConnectionEngine) advanceSasl(challenge []byte, outcome SaslOutcome, principal string, err error) error {
	if err != nil {
		c.saslFailed = true
		return c.failSasl(err)
	}
	switch outcome {
	case SaslComplete:
		c.principal = principal
		c.setState(StateAwaitTuneOk)
		c.sendMethodOnChannel(0, &ConnectionTune{baseMethod: newMethod(MethodConnectionTune, false, false), ChannelMax: c.serverMaxChannels, FrameMax: c.serverMaxFrame, Heartbeat: uint16(c.serverHeartbeat / time.Second)})
		return nil
	case SaslFailed:
		c.saslFailed = true
		return c.failSasl(errors.New("sasl negotiation rejected"))
	default: // SaslContinue
		c.setState(StateAwaitSecureOk)
		c.sendMethodOnChannel(0, &ConnectionSecure{baseMethod: newMethod(MethodConnectionSecure, false, false), Challenge: challenge})
		return nil
	}
}

// failSasl closes with CONNECTION_FORCED and never attempts a second SASL
// round.
func (c *ConnectionEngine) failSasl(cause error) error {
	c.sendMethodOnChannel(0, &ConnectionClose{baseMethod: newMethod(MethodConnectionClose, false, false), Code: 320 /* connection-forced */, Reason: cause.Error()})
	c.setState(StateClosed)
	return &SaslFailure{Err: cause}
}

// onTuneOk records the negotiated channel-max/frame-max/heartbeat:
// channel-max = min(client-requested, server-cap, 0xFFFF), and a client
// value of 0 means "use the server's cap".
func (c *ConnectionEngine) onTuneOk(m *ConnectionTuneOk) error {
	if c.State() != StateAwaitTuneOk {
		return &InternalError{Reason: "tune-ok received outside AwaitTuneOk"}
	}

	c.connectionMutex.Lock()
	c.channelMax = negotiateMax16(m.ChannelMax, c.serverMaxChannels)
	c.frameMax = negotiateMax32(m.FrameMax, c.serverMaxFrame)
	c.heartbeat = negotiateHeartbeat(m.Heartbeat, c.serverHeartbeat)
	c.connectionMutex.Unlock()

	c.startHeartbeatSender()
	c.mux.setChannelMax(c.channelMax)
	c.setState(StateAwaitOpen)
	return nil
}

func negotiateMax16(client uint16, serverCap uint16) uint16 {
	if client == 0 {
		if serverCap == 0 {
			return 0xFFFF
		}
		return serverCap
	}
	max := client
	if serverCap != 0 && serverCap < max {
		max = serverCap
	}
	if max == 0 {
		max = 0xFFFF
	}
	return max
}

func negotiateMax32(client uint32, serverCap uint32) uint32 {
	if client == 0 {
		return serverCap
	}
	max := client
	if serverCap != 0 && serverCap < max {
		max = serverCap
	}
	return max
}

func negotiateHeartbeat(clientSeconds uint16, serverCap time.Duration) time.Duration {
	client := time.Duration(clientSeconds) * time.Second
	if serverCap == 0 {
		return 0
	}
	if client == 0 || client > serverCap {
		return serverCap
	}
	return client
}

func (c *ConnectionEngine) onOpen(m *ConnectionOpen) error {
	if c.State() != StateAwaitOpen {
		return &InternalError{Reason: "open received outside AwaitOpen"}
	}
	c.setState(StateOpen)
	c.sendMethodOnChannel(0, &ConnectionOpenOk{baseMethod: newMethod(MethodConnectionOpenOk, false, false)})
	return nil
}

// onClose tears down every session gracefully and replies close-ok.
func (c *ConnectionEngine) onClose(m *ConnectionClose) error {
	c.setState(StateClosing)
	c.mux.CloseAll(true)
	c.sendMethodOnChannel(0, &ConnectionCloseOk{baseMethod: newMethod(MethodConnectionCloseOk, false, false)})
	c.setState(StateClosed)
	return nil
}

// abort aborts every session with DETACHED and does not send anything
// further: a dead transport has no peer left to write a reply to.
func (c *ConnectionEngine) abort() {
	c.mux.CloseAll(false)
	c.setState(StateClosed)
}

func (c *ConnectionEngine) onTransportFailure(err error) {
	c.log.Warn().Err(err).Msg("transport failure")
	c.abort()
}

// handleEngineError converts engine errors into the appropriate protocol
// reply: protocol-level errors become method calls, never a returned error,
// except InternalError and TransportFailure which are fatal to the
// connection.
func (c *ConnectionEngine) handleEngineError(err error) bool {
	switch e := err.(type) {
	case *ChannelError:
		c.sendMethodOnChannel(e.Channel, &ChannelClose{baseMethod: newMethod(MethodChannelClose, false, false), Code: 1, Reason: e.Text})
		return false
	case *SessionException:
		c.log.Warn().Err(e).Msg("session exception")
		return false
	case *InternalError:
		c.log.Error().Err(e).Msg("internal error, closing connection")
		c.abort()
		return true
	case *TransportFailure:
		c.onTransportFailure(e)
		return true
	default:
		c.log.Warn().Err(err).Msg("unhandled engine error")
		return false
	}
}

func (c *ConnectionEngine) sendMethodOnChannel(channel uint16, m Method) {
	fr := &Frame{Channel: channel, Type: FrameTypeMethod, Method: m, Flags: Flags{BOF: true, EOF: true}}
	if err := c.transport.WriteFrame(fr); err != nil {
		c.log.Warn().Err(err).Msg("write frame failed")
	}
}

func (c *ConnectionEngine) drainAllSessions() {
	c.sessionsMu.Lock()
	sessions := make([]*SessionState, 0, len(c.sessionsByID))
	for _, s := range c.sessionsByID {
		sessions = append(sessions, s)
	}
	c.sessionsMu.Unlock()
	for _, s := range sessions {
		s.drainCompletions()
	}
}

// --- session registry (exclusively owned by the ConnectionEngine) ---

func (c *ConnectionEngine) registerSession(s *SessionState) {
	c.sessionsMu.Lock()
	c.sessionsByID[s.id.String()] = s
	c.sessionsMu.Unlock()
}

func (c *ConnectionEngine) forgetSession(s *SessionState) {
	c.sessionsMu.Lock()
	delete(c.sessionsByID, s.id.String())
	delete(c.detachedByName, string(s.name))
	c.sessionsMu.Unlock()
}

func (c *ConnectionEngine) parkDetachedSession(s *SessionState) {
	c.sessionsMu.Lock()
	c.detachedByName[string(s.name)] = s
	c.sessionsMu.Unlock()
}

func (c *ConnectionEngine) takeDetachedSession(name []byte) *SessionState {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()
	s, ok := c.detachedByName[string(name)]
	if !ok {
		return nil
	}
	delete(c.detachedByName, string(name))
	return s
}

func (c *ConnectionEngine) takeSessionByID(id SessionID) *SessionState {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()
	key := id.String()
	for name, s := range c.detachedByName {
		if s.id.String() == key {
			delete(c.detachedByName, name)
			return s
		}
	}
	return nil
}

// --- heartbeat: idle connections are timed out by resetting a simple
// deadline timer on every received frame ---

func (c *ConnectionEngine) resetHeartbeatTimer() {
	c.connectionMutex.Lock()
	hb := c.heartbeat
	c.connectionMutex.Unlock()
	if hb <= 0 {
		return
	}
	if c.heartbeatTimer == nil {
		c.heartbeatTimer = time.NewTimer(2 * hb)
		return
	}
	c.heartbeatTimer.Reset(2 * hb)
}

func (c *ConnectionEngine) stopHeartbeatTimer() {
	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
	}
}

func (c *ConnectionEngine) heartbeatDeadline() <-chan time.Time {
	if c.heartbeatTimer == nil {
		return nil
	}
	return c.heartbeatTimer.C
}

// startHeartbeatSender arms the outbound heartbeat timer once the
// negotiated interval is known, so idle connections still see traffic and
// don't trip the peer's own silence timeout.
func (c *ConnectionEngine) startHeartbeatSender() {
	c.connectionMutex.Lock()
	hb := c.heartbeat
	c.connectionMutex.Unlock()
	if hb <= 0 {
		return
	}
	c.heartbeatSendTimer = time.NewTimer(hb)
}

func (c *ConnectionEngine) stopHeartbeatSender() {
	if c.heartbeatSendTimer != nil {
		c.heartbeatSendTimer.Stop()
	}
}

func (c *ConnectionEngine) heartbeatSendDeadline() <-chan time.Time {
	if c.heartbeatSendTimer == nil {
		return nil
	}
	return c.heartbeatSendTimer.C
}

// sendHeartbeat writes an empty HEARTBEAT frame on channel 0 and rearms the
// send timer; any outbound frame would satisfy the peer's deadline, but an
// explicit heartbeat is what keeps firing once the connection truly is idle.
func (c *ConnectionEngine) sendHeartbeat() {
	fr := &Frame{Channel: 0, Type: FrameTypeHeartbeat, Flags: Flags{BOF: true, EOF: true}}
	if err := c.transport.WriteFrame(fr); err != nil {
		c.log.Warn().Err(err).Msg("write heartbeat frame failed")
	}
	c.connectionMutex.Lock()
	hb := c.heartbeat
	c.connectionMutex.Unlock()
	if hb > 0 && c.heartbeatSendTimer != nil {
		c.heartbeatSendTimer.Reset(hb)
	}
}
