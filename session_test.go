package qpid

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/domcleal/qpid/sink"
)

// TestMain adds a package-wide goroutine leak check on top of the
// leaktest.Check in TestAwaitDetachedGoroutineExitsOnDetach: goroutines
// started by any test in this package (the awaitDetached watcher, completion
// callbacks run on their own goroutine) are checked here before the binary
// exits.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingTransport captures every frame written to it without touching a
// real socket.
type recordingTransport struct {
	mu  sync.Mutex
	out []*Frame
}

func (t *recordingTransport) WriteFrame(fr *Frame) error {
	t.mu.Lock()
	t.out = append(t.out, fr)
	t.mu.Unlock()
	fr.signalSent()
	return nil
}
func (t *recordingTransport) ReadFrame() (*Frame, error) { return nil, io.EOF }
func (t *recordingTransport) Close() error                { return nil }

func (t *recordingTransport) methodFrames() []*Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Frame(nil), t.out...)
}

// controlledSink lets a test trigger a specific enqueued message's
// completion callback on demand, in any order, to exercise out-of-order
// completion handling.
type controlledSink struct {
	mu       sync.Mutex
	pending  []sink.CompletionFunc
	messages []sink.Message
}

func (s *controlledSink) Enqueue(_ context.Context, msg sink.Message, done sink.CompletionFunc) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.pending = append(s.pending, done)
	s.mu.Unlock()
}

func (s *controlledSink) complete(i int, err error) {
	s.mu.Lock()
	done := s.pending[i]
	s.mu.Unlock()
	done(err)
}

func newTestSession(t *testing.T, snk sink.MessageSink, adapter CommandAdapter) (*SessionState, *recordingTransport) {
	t.Helper()
	tr := &recordingTransport{}
	conn := &ConnectionEngine{
		transport: tr,
		adapter:   adapter,
		sink:      snk,
		log:       zerolog.New(io.Discard),
	}
	conn.drainSignal = make(chan struct{}, 1)
	s := newSessionState([]byte("test-session"), 1, conn)
	return s, tr
}

func contentFrame(channel uint16, id uint32, destination string, acceptRequired bool, body []byte) []*Frame {
	method := &Frame{
		Channel: channel,
		Type:    FrameTypeMethod,
		Method:  NewMessageTransfer(destination, acceptRequired),
		Flags:   Flags{BOF: true},
	}
	content := &Frame{
		Channel: channel,
		Type:    FrameTypeContent,
		Payload: body,
		Flags:   Flags{EOF: true, BOS: true, EOS: true},
	}
	return []*Frame{method, content}
}

func lastSessionCompleted(frames []*Frame) *SessionCompleted {
	for i := len(frames) - 1; i >= 0; i-- {
		if sc, ok := frames[i].Method.(*SessionCompleted); ok {
			return sc
		}
	}
	return nil
}

// TestSyncBarrierWaitsForPredecessors covers completion of id 1 arriving
// before id 0, with execution.sync (id 2) that must not complete until
// both have. The session.completed batch must announce {0,2} (the merged
// range) in one shot, with nothing announced earlier.
func TestSyncBarrierWaitsForPredecessors(t *testing.T) {
	snk := &controlledSink{}
	s, tr := newTestSession(t, snk, nil)

	for _, fr := range contentFrame(1, 0, "q1", false, []byte("one")) {
		require.NoError(t, s.handleFrame(fr))
	}
	for _, fr := range contentFrame(1, 0, "q2", false, []byte("two")) {
		require.NoError(t, s.handleFrame(fr))
	}
	require.NoError(t, s.handleFrame(&Frame{Channel: 1, Type: FrameTypeMethod, Method: NewExecutionSync()}))

	require.Nil(t, lastSessionCompleted(tr.methodFrames()), "nothing should be announced yet")

	snk.complete(1, nil) // id 1's message completes first
	s.drainCompletions()
	require.Nil(t, lastSessionCompleted(tr.methodFrames()), "id 1 alone must never be announced before id 0")

	snk.complete(0, nil) // id 0's message completes second
	s.drainCompletions()
	sc := lastSessionCompleted(tr.methodFrames())
	require.NotNil(t, sc)
	require.Equal(t, []Range{{Low: 0, High: 2}}, sc.Commands)
}

// TestCancelDuringCompletionBlocks covers detaching a session while a
// completion callback is executing: detach must block until that callback
// finishes.
func TestCancelDuringCompletionBlocks(t *testing.T) {
	snk := &controlledSink{}
	s, _ := newTestSession(t, snk, nil)

	for _, fr := range contentFrame(1, 0, "q1", false, []byte("payload")) {
		require.NoError(t, s.handleFrame(fr))
	}

	started := make(chan struct{})
	release := make(chan struct{})

	s.incompleteRcvMsgsLock.Lock()
	rec := s.incompleteRcvMsgs[0]
	s.incompleteRcvMsgsLock.Unlock()
	require.NotNil(t, rec)

	go rec.runCompletion(func(*SessionState) {
		close(started)
		<-release
	})

	<-started
	detachDone := make(chan struct{})
	go func() {
		s.detach()
		close(detachDone)
	}()

	select {
	case <-detachDone:
		t.Fatal("detach returned before the in-flight completion finished")
	default:
	}

	close(release)
	<-detachDone
}

// TestAttachIdempotentByName checks that repeated session.attach(name)
// with the same name returns the same SessionState.
func TestAttachIdempotentByName(t *testing.T) {
	tr := &recordingTransport{}
	conn := &ConnectionEngine{transport: tr, log: zerolog.New(io.Discard), sink: &controlledSink{}}
	conn.drainSignal = make(chan struct{}, 1)
	conn.detachedByName = make(map[string]*SessionState)
	conn.sessionsByID = make(map[string]*SessionState)
	h := newSessionHandler(1, conn)

	s1, err := h.Attach([]byte("alpha"), false)
	require.NoError(t, err)
	s2, err := h.Attach([]byte("alpha"), false)
	require.NoError(t, err)
	require.Same(t, s1, s2)
}

// TestRepeatedCloseIsNoOp checks that closing an already-closed handler is
// a no-op.
func TestRepeatedCloseIsNoOp(t *testing.T) {
	tr := &recordingTransport{}
	conn := &ConnectionEngine{transport: tr, log: zerolog.New(io.Discard), sink: &controlledSink{}}
	conn.drainSignal = make(chan struct{}, 1)
	conn.detachedByName = make(map[string]*SessionState)
	conn.sessionsByID = make(map[string]*SessionState)
	h := newSessionHandler(1, conn)

	_, err := h.Attach([]byte("alpha"), false)
	require.NoError(t, err)
	require.NoError(t, h.Close(context.Background()))
	require.NoError(t, h.Close(context.Background()))
}

// TestAcceptRequiredMessageProducesOneAcceptEntry checks that a content
// message with requiresAccept=true produces exactly one accept entry
// containing its id, following its completion.
func TestAcceptRequiredMessageProducesOneAcceptEntry(t *testing.T) {
	snk := &controlledSink{}
	s, tr := newTestSession(t, snk, nil)

	for _, fr := range contentFrame(1, 0, "q1", true, []byte("payload")) {
		require.NoError(t, s.handleFrame(fr))
	}
	snk.complete(0, nil)
	s.drainCompletions()

	var accept *MessageAccept
	for _, fr := range tr.methodFrames() {
		if a, ok := fr.Method.(*MessageAccept); ok {
			accept = a
		}
	}
	require.NotNil(t, accept)
	require.Equal(t, []Range{{Low: 0, High: 0}}, accept.Transfers)
}

// TestAwaitDetachedGoroutineExitsOnDetach checks that the watcher goroutine
// awaitDetached spawns to wait on the state condition variable actually
// exits once detach() broadcasts, rather than leaking for the life of the
// process.
func TestAwaitDetachedGoroutineExitsOnDetach(t *testing.T) {
	defer leaktest.Check(t)()

	snk := &controlledSink{}
	s, _ := newTestSession(t, snk, nil)

	done := make(chan error, 1)
	go func() {
		done <- s.awaitDetached(context.Background())
	}()

	time.Sleep(10 * time.Millisecond) // give the watcher goroutine time to start waiting
	s.detach()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("awaitDetached never returned after detach")
	}
}

func TestMessageSinkFailureLeavesCommandIncomplete(t *testing.T) {
	snk := &controlledSink{}
	s, _ := newTestSession(t, snk, nil)

	for _, fr := range contentFrame(1, 0, "q1", false, []byte("payload")) {
		require.NoError(t, s.handleFrame(fr))
	}
	snk.complete(0, errors.New("store unavailable"))
	s.drainCompletions()
	require.False(t, s.tracker.drained(), "a failed completion must not advance the known-complete mark")
}
