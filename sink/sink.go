// Package sink defines the MessageSink boundary the protocol engine hands
// assembled messages across: the engine only hands messages to a
// MessageSink and awaits a completion callback. Queue/exchange routing,
// binding, and storage live on the other side of this interface and are
// out of scope for this module.
package sink

import "context"

// Message is the assembled content handed to a MessageSink: one METHOD
// (content-bearing) frame's worth of metadata plus the bytes collected from
// the HEADER/CONTENT frames that followed it.
type Message struct {
	Destination    string
	Body           []byte
	AcceptRequired bool
}

// CompletionFunc is invoked by the sink, from any goroutine, once a message
// has durably landed (or definitively failed). err is nil on success.
type CompletionFunc func(err error)

// MessageSink is the external collaborator that actually stores/routes a
// message. Enqueue may return before the message is durable: the sink
// calls done asynchronously, possibly from a worker goroutine that is not
// the connection's I/O thread.
type MessageSink interface {
	Enqueue(ctx context.Context, msg Message, done CompletionFunc)
}
