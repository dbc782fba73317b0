package sink

import (
	"context"
	"sync"
)

// MemSink is an in-memory MessageSink, storing every enqueued message and
// completing it either inline or on a separate goroutine. It is good enough
// to drive the engine end-to-end in tests and cmd/qpidd without a real
// message store behind it.
type MemSink struct {
	mu       sync.Mutex
	messages []Message

	// Async, if set, defers every completion callback onto a separate
	// goroutine so tests can exercise the asynchronous completion path
	// instead of completing inline.
	Async bool
}

func NewMemSink() *MemSink {
	return &MemSink{}
}

func (s *MemSink) Enqueue(_ context.Context, msg Message, done CompletionFunc) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()

	complete := func() { done(nil) }
	if s.Async {
		go complete()
	} else {
		complete()
	}
}

func (s *MemSink) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

func (s *MemSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}
