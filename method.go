package qpid

import "fmt"

// MethodCode identifies a method's class.method pair. Spec DESIGN NOTES
// calls for "a statically known dispatch table keyed by a MethodCode enum"
// in place of a stateful handler registry.
type MethodCode uint16

const (
	MethodConnectionStart MethodCode = iota + 1
	MethodConnectionStartOk
	MethodConnectionSecure
	MethodConnectionSecureOk
	MethodConnectionTune
	MethodConnectionTuneOk
	MethodConnectionOpen
	MethodConnectionOpenOk
	MethodConnectionClose
	MethodConnectionCloseOk

	MethodChannelOpen
	MethodChannelOpenOk
	MethodChannelClose
	MethodChannelCloseOk

	MethodSessionAttach
	MethodSessionAttached
	MethodSessionDetach
	MethodSessionDetached
	MethodSessionCommandPoint
	MethodSessionCompleted
	MethodSessionKnownCompleted
	MethodSessionFlush
	MethodSessionGap
	MethodSessionRequestTimeout
	MethodSessionTimeout

	MethodExecutionSync
	MethodExecutionResult
	MethodExecutionException

	MethodMessageTransfer
	MethodMessageAccept
	MethodMessageFlow
	MethodMessageStop
	MethodMessageFlowMode
)

func (c MethodCode) String() string {
	if s, ok := methodCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("MethodCode(%d)", uint16(c))
}

var methodCodeNames = map[MethodCode]string{
	MethodConnectionStart:       "connection.start",
	MethodConnectionStartOk:     "connection.start-ok",
	MethodConnectionSecure:      "connection.secure",
	MethodConnectionSecureOk:    "connection.secure-ok",
	MethodConnectionTune:        "connection.tune",
	MethodConnectionTuneOk:      "connection.tune-ok",
	MethodConnectionOpen:        "connection.open",
	MethodConnectionOpenOk:      "connection.open-ok",
	MethodConnectionClose:       "connection.close",
	MethodConnectionCloseOk:     "connection.close-ok",
	MethodChannelOpen:           "channel.open",
	MethodChannelOpenOk:         "channel.open-ok",
	MethodChannelClose:          "channel.close",
	MethodChannelCloseOk:        "channel.close-ok",
	MethodSessionAttach:         "session.attach",
	MethodSessionAttached:       "session.attached",
	MethodSessionDetach:         "session.detach",
	MethodSessionDetached:       "session.detached",
	MethodSessionCommandPoint:   "session.command-point",
	MethodSessionCompleted:      "session.completed",
	MethodSessionKnownCompleted: "session.known-completed",
	MethodSessionFlush:          "session.flush",
	MethodSessionGap:            "session.gap",
	MethodSessionRequestTimeout: "session.request-timeout",
	MethodSessionTimeout:        "session.timeout",
	MethodExecutionSync:         "execution.sync",
	MethodExecutionResult:       "execution.result",
	MethodExecutionException:    "execution.exception",
	MethodMessageTransfer:       "message.transfer",
	MethodMessageAccept:         "message.accept",
	MethodMessageFlow:           "message.flow",
	MethodMessageStop:           "message.stop",
	MethodMessageFlowMode:       "message.flow-mode",
}

// Method is the typed descriptor used by the state machine. It deliberately
// carries no codec details: encoding a method's fields onto the wire is the
// transport's job, not this engine's.
type Method interface {
	MethodCode() MethodCode
	// IsContentBearing reports whether this method begins a message
	// frameset that is followed by a HEADER frame and N CONTENT frames.
	IsContentBearing() bool
	// RequiresSync reports whether this method must be processed and
	// flushed (accept+completed) before the engine proceeds.
	RequiresSync() bool
}

type baseMethod struct {
	code         MethodCode
	contentBound bool
	sync         bool
}

func (m baseMethod) MethodCode() MethodCode   { return m.code }
func (m baseMethod) IsContentBearing() bool   { return m.contentBound }
func (m baseMethod) RequiresSync() bool       { return m.sync }

// --- Connection-level methods ---

type ConnectionStart struct {
	baseMethod
	Mechanisms []string
	Locales    []string
}

type ConnectionStartOk struct {
	baseMethod
	Mechanism string
	Response  []byte
	Locale    string
}

type ConnectionSecure struct {
	baseMethod
	Challenge []byte
}

type ConnectionSecureOk struct {
	baseMethod
	Response []byte
}

type ConnectionTune struct {
	baseMethod
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

type ConnectionTuneOk struct {
	baseMethod
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

type ConnectionOpen struct {
	baseMethod
	VirtualHost string
}

type ConnectionOpenOk struct{ baseMethod }

type ConnectionClose struct {
	baseMethod
	Code   uint16
	Reason string
}

type ConnectionCloseOk struct{ baseMethod }

// --- Channel-level methods ---

type ChannelOpen struct{ baseMethod }

type ChannelOpenOk struct{ baseMethod }

type ChannelClose struct {
	baseMethod
	Code   uint16
	Reason string
}

type ChannelCloseOk struct{ baseMethod }

// --- Session-level methods ---

type SessionAttach struct {
	baseMethod
	Name  []byte
	Force bool
}

type SessionAttached struct {
	baseMethod
	Name []byte
}

type SessionDetach struct {
	baseMethod
	Name []byte
}

type SessionDetached struct {
	baseMethod
	Name string
	Code string
}

type SessionCommandPoint struct {
	baseMethod
	CommandID     uint32
	CommandOffset uint64
}

type SessionCompleted struct {
	baseMethod
	Commands []Range
	Timely   bool
}

type SessionKnownCompleted struct {
	baseMethod
	Commands []Range
}

type SessionFlush struct {
	baseMethod
	ExpectedFlag bool
	ConfirmedFlag bool
	CompletedFlag bool
}

type SessionRequestTimeout struct {
	baseMethod
	Timeout uint32
}

type SessionTimeout struct {
	baseMethod
	Timeout uint32
}

// --- Execution-level methods ---

type ExecutionSync struct{ baseMethod }

type ExecutionResult struct {
	baseMethod
	CommandID uint32
	Value     any
}

type ExecutionException struct {
	baseMethod
	CommandID   uint32
	ErrorCode   string
	Description string
}

// --- Message-level methods ---

// MessageTransfer is the one content-bearing command this engine models: a
// command carrying a message frameset. It is assembled over one or more
// HEADER/CONTENT frames before being handed to a MessageSink.
type MessageTransfer struct {
	baseMethod
	Destination    string
	AcceptRequired bool
}

type MessageAccept struct {
	baseMethod
	Transfers []Range
}

type MessageFlow struct {
	baseMethod
	Destination string
	Unit        FlowUnit
	Value       uint64
}

type FlowUnit uint8

const (
	FlowUnitMessage FlowUnit = iota
	FlowUnitByte
)

type MessageStop struct {
	baseMethod
	Destination string
}

type MessageFlowMode struct {
	baseMethod
	Destination string
	FlowMode    string
}

// Range mirrors internal/rangeset.Range at the method layer so callers of
// this package don't need to import the internal package directly.
type Range struct {
	Low, High uint32
}

func newMethod(code MethodCode, contentBearing, sync bool) baseMethod {
	return baseMethod{code: code, contentBound: contentBearing, sync: sync}
}

// Constructors set the correct IsContentBearing/RequiresSync flags so
// callers can't accidentally build an inconsistent Method value.

func NewConnectionStart(mechanisms, locales []string) *ConnectionStart {
	return &ConnectionStart{baseMethod: newMethod(MethodConnectionStart, false, false), Mechanisms: mechanisms, Locales: locales}
}

func NewSessionAttach(name []byte, force bool) *SessionAttach {
	return &SessionAttach{baseMethod: newMethod(MethodSessionAttach, false, false), Name: name, Force: force}
}

func NewMessageTransfer(destination string, acceptRequired bool) *MessageTransfer {
	return &MessageTransfer{baseMethod: newMethod(MethodMessageTransfer, true, false), Destination: destination, AcceptRequired: acceptRequired}
}

func NewExecutionSync() *ExecutionSync {
	return &ExecutionSync{baseMethod: newMethod(MethodExecutionSync, false, true)}
}
