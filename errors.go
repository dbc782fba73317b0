package qpid

import "fmt"

// Error mirrors the wire-level AMQP error carried on close/detach/end
// frames. It is deliberately a plain value type, not Go's error interface,
// so it can be marshaled onto the wire; code that needs a Go error wraps it
// in one of the typed errors below.
type Error struct {
	Condition   string
	Description string
}

func (e *Error) String() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Error{Condition: %s, Description: %s}", e.Condition, e.Description)
}

// Condition codes used across the error types below.
const (
	ConditionConnectionForced    = "connection-forced"
	ConditionFramingError        = "framing-error"
	ConditionInternalError       = "internal-error"
	ConditionNotImplemented      = "not-implemented"
	ConditionInvalidArgument     = "invalid-argument"
	ConditionResourceLimit       = "resource-limit-exceeded"
	ConditionUnattachedHandle    = "unattached-handle"
	ConditionTransactionRollback = "transaction-rollback"
)

// HandshakeMismatch is fatal and pre-connection: the 8-byte protocol header
// did not match any header this engine understands.
type HandshakeMismatch struct {
	Kind string // ProtocolClass, ProtocolInstance, ProtocolMajor, ProtocolMinor, or "magic"
	Got  [8]byte
}

func (e *HandshakeMismatch) Error() string {
	return fmt.Sprintf("amqp: protocol header mismatch (%s): %v", e.Kind, e.Got)
}

// SaslFailure is fatal: the connection closes with CONNECTION_FORCED and
// never attempts a second SASL round.
type SaslFailure struct {
	Err error
}

func (e *SaslFailure) Error() string {
	return fmt.Sprintf("amqp: sasl negotiation failed: %v", e.Err)
}

func (e *SaslFailure) Unwrap() error { return e.Err }

// ChannelError is channel-scoped: the connection survives, only the channel
// closes.
type ChannelError struct {
	Channel uint16
	Code    string
	Text    string
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("amqp: channel %d error [%s]: %s", e.Channel, e.Code, e.Text)
}

// SessionException is session-scoped: the session's listener is notified
// and the session closes.
type SessionException struct {
	SessionID string
	Err       error
}

func (e *SessionException) Error() string {
	return fmt.Sprintf("amqp: session %s exception: %v", e.SessionID, e.Err)
}

func (e *SessionException) Unwrap() error { return e.Err }

// NotImplemented is command-scoped: returned via execution.exception, the
// command id is still marked complete.
type NotImplemented struct {
	Method string
}

func (e *NotImplemented) Error() string {
	return fmt.Sprintf("amqp: not implemented: %s", e.Method)
}

// InvalidArgument is command-scoped, same propagation as NotImplemented.
type InvalidArgument struct {
	Reason string
}

func (e *InvalidArgument) Error() string {
	return fmt.Sprintf("amqp: invalid argument: %s", e.Reason)
}

// TransportFailure is connection-scoped: every session is detached, kept
// resumable on the client, destroyed on the broker.
type TransportFailure struct {
	Err error
}

func (e *TransportFailure) Error() string {
	return fmt.Sprintf("amqp: transport failure: %v", e.Err)
}

func (e *TransportFailure) Unwrap() error { return e.Err }

// ResourceLimitExceeded is producer-scoped: the broker stops the producer
// and the peer may force a reconnect depending on configuration.
type ResourceLimitExceeded struct {
	Reason string
}

func (e *ResourceLimitExceeded) Error() string {
	return fmt.Sprintf("amqp: resource limit exceeded: %s", e.Reason)
}

// TransactionRolledBack is returned by a commit attempted against a
// transaction that was in progress across a reconnect.
type TransactionRolledBack struct{}

func (e *TransactionRolledBack) Error() string {
	return "amqp: transaction rolled back by failover"
}

// InvalidOption is returned for any unrecognised connection configuration
// key; an unknown option makes option parsing fail rather than being
// silently ignored.
type InvalidOption struct {
	Key string
}

func (e *InvalidOption) Error() string {
	return fmt.Sprintf("amqp: invalid option %q", e.Key)
}

// InternalError signals an invariant violation that closes the connection.
// The connection state machine returns it as an ordinary error value, and
// ConnectionEngine.handleEngineError aborts the connection when it sees one.
type InternalError struct {
	Reason string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("amqp: internal error: %s", e.Reason)
}
