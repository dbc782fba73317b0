package qpid

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/domcleal/qpid/internal/queue"
	"github.com/domcleal/qpid/internal/rangeset"
	"github.com/domcleal/qpid/sink"
)

// SessionID is the immutable, UUID-backed binary name assigned to every
// SessionState at creation.
type SessionID []byte

func newSessionID() SessionID {
	id := uuid.New()
	b := make([]byte, len(id))
	copy(b, id[:])
	return SessionID(b)
}

func (id SessionID) String() string {
	u, err := uuid.FromBytes(id)
	if err != nil {
		return fmt.Sprintf("%x", []byte(id))
	}
	return u.String()
}

// SessionConfig holds the per-session configuration: replay buffer size,
// ack frequency, idle timeout, and flow rate.
type SessionConfig struct {
	ReplayBufferSize int
	AckFrequency     int
	IdleTimeout      time.Duration
	Rate             int // messages/sec, fed to FlowController on attach
}

// CommandAdapter is the semantic layer a SessionState dispatches non-content
// commands to. Queue/exchange routing and the rest of the broker domain live
// behind this boundary; this module supplies only the protocol engine.
type CommandAdapter interface {
	Handle(ctx context.Context, s *SessionState, id uint32, m Method) (result any, handled bool, err error)
}

// commandPoint is the sender-direction cursor: the next command id this
// side will use, plus its offset within the current frameset.
type commandPoint struct {
	Command uint32
	Offset  uint64
}

// SessionState is the central protocol entity: command numbering,
// receiver/sender completion tracking, sync barriers, command dispatch, and
// incomplete-message bookkeeping.
type SessionState struct {
	id   SessionID
	name []byte

	adapter CommandAdapter
	sink    sink.MessageSink
	config  SessionConfig
	log     zerolog.Logger

	stateLock sync.Mutex
	stateCond *sync.Cond
	attached  bool
	channel   uint16
	transport Transport

	sendMu           sync.Mutex
	commandPoint     commandPoint
	senderIncomplete rangeset.Set
	replay           []*Frame

	recvMu        sync.Mutex
	tracker       *completionTracker
	accepted      rangeset.Set
	lastAnnounced uint32
	haveAnnounced bool
	assembling    *messageAssembly

	incompleteRcvMsgsLock sync.Mutex
	incompleteRcvMsgs     map[uint32]*incompleteRcvMsg

	scheduler *completionScheduler
	flow      *FlowController
}

// messageAssembly accumulates the HEADER/CONTENT frames that follow a
// content-bearing METHOD frame until eof&&eos closes the frameset (spec
// §4.5: "A frame carrying a content-bearing method begins a
// message-assembly; subsequent header/content frames append until eof&&eos").
type messageAssembly struct {
	commandID      uint32
	destination    string
	acceptRequired bool
	body           bytes.Buffer
}

func newSessionState(name []byte, channel uint16, conn *ConnectionEngine) *SessionState {
	s := &SessionState{
		id:                newSessionID(),
		name:              append([]byte(nil), name...),
		adapter:           conn.adapter,
		sink:              conn.sink,
		config:            conn.sessionConfig,
		log:               conn.log.With().Str("component", "session").Bytes("name", name).Logger(),
		channel:           channel,
		transport:         conn.transport,
		attached:          true,
		tracker:           newCompletionTracker(),
		incompleteRcvMsgs: make(map[uint32]*incompleteRcvMsg),
		scheduler:         newCompletionScheduler(conn.signalDrain),
	}
	s.stateCond = sync.NewCond(&s.stateLock)
	s.flow = NewFlowController(conn.sessionConfig.Rate)
	return s
}

func (s *SessionState) ID() SessionID { return s.id }
func (s *SessionState) Name() []byte  { return s.name }

// rebind re-attaches a previously detached SessionState to a (possibly new)
// channel and transport, per SessionHandler.Resume.
func (s *SessionState) rebind(channel uint16, t Transport) {
	s.stateLock.Lock()
	s.channel = channel
	s.transport = t
	s.attached = true
	s.stateCond.Broadcast()
	s.stateLock.Unlock()
}

// detach marks the session unattached, releasing the transport and waking
// anyone blocked in awaitDetached.
func (s *SessionState) detach() {
	s.cancelIncomplete()
	s.stateLock.Lock()
	s.attached = false
	s.transport = nil
	s.stateCond.Broadcast()
	s.stateLock.Unlock()
}

// close drains outstanding completions, emits any final session.completed,
// then detaches.
func (s *SessionState) close(ctx context.Context) error {
	s.drainCompletions()
	s.flush()
	s.detach()
	return nil
}

// awaitDetached blocks the caller until the session has no channel bound,
// or ctx is done. Used by ChannelMux/tests that need to observe a clean
// detach rather than racing on it.
func (s *SessionState) awaitDetached(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.stateLock.Lock()
		for s.attached {
			s.stateCond.Wait()
		}
		s.stateLock.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cancelIncomplete cancels every in-flight IncompleteRcvMsg, blocking on
// each until its callback (if currently executing on a worker thread)
// finishes. This is the one blocking call permitted on the I/O thread,
// reserved for session destruction.
func (s *SessionState) cancelIncomplete() {
	s.incompleteRcvMsgsLock.Lock()
	pending := make([]*incompleteRcvMsg, 0, len(s.incompleteRcvMsgs))
	for id, rec := range s.incompleteRcvMsgs {
		pending = append(pending, rec)
		delete(s.incompleteRcvMsgs, id)
	}
	s.incompleteRcvMsgsLock.Unlock()

	for _, rec := range pending {
		rec.cancel()
	}
}

// handleFrame routes one already-decoded frame through message-assembly or
// command dispatch.
func (s *SessionState) handleFrame(fr *Frame) error {
	switch fr.Type {
	case FrameTypeMethod:
		return s.handleMethodFrame(fr)
	case FrameTypeHeader, FrameTypeContent:
		return s.appendAssembly(fr)
	default:
		return nil
	}
}

func (s *SessionState) handleMethodFrame(fr *Frame) error {
	switch m := fr.Method.(type) {
	case *SessionCompleted:
		s.senderCompleted(toRangeSetRanges(m.Commands))
		return nil
	case *SessionKnownCompleted:
		return nil
	case *MessageAccept:
		return nil
	case *MessageFlow, *MessageStop, *MessageFlowMode:
		return nil
	default:
		id := s.assignReceiverID()
		return s.handleCommand(m, id)
	}
}

// assignReceiverID assigns the next sequential receiver-side command id;
// the id is never carried on the wire, only inferred from arrival order.
func (s *SessionState) assignReceiverID() uint32 {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	id := s.tracker.nextReceiverID()
	return id
}

// handleCommand runs the receive-dispatch-complete sequence for an
// already-numbered command.
func (s *SessionState) handleCommand(m Method, id uint32) error {
	s.recvMu.Lock()
	s.tracker.receive(id)
	s.recvMu.Unlock()

	if m.IsContentBearing() {
		mt, _ := m.(*MessageTransfer)
		dest := ""
		acceptRequired := false
		if mt != nil {
			dest, acceptRequired = mt.Destination, mt.AcceptRequired
		}
		s.admitContentMessage(dest)
		s.beginAssembly(id, dest, acceptRequired)
		return nil
	}

	currentCommandComplete := true

	var result any
	var handled bool
	var err error

	if _, ok := m.(*ExecutionSync); ok {
		handled = true
		s.recvMu.Lock()
		if s.tracker.hasIncompleteBelow(id) {
			currentCommandComplete = false
			s.tracker.deferSync(id)
		}
		s.recvMu.Unlock()
	} else if s.adapter != nil {
		result, handled, err = s.adapter.Handle(context.Background(), s, id, m)
	}

	switch {
	case err != nil:
		s.sendExecutionException(id, err)
	case !handled:
		s.sendExecutionException(id, &NotImplemented{Method: m.MethodCode().String()})
	case result != nil:
		s.sendExecutionResult(id, result)
	}

	if currentCommandComplete {
		s.recvMu.Lock()
		s.tracker.complete(id)
		s.recvMu.Unlock()
	}

	if m.RequiresSync() && currentCommandComplete {
		s.flush()
	}
	return nil
}

// admitContentMessage applies the FlowController's (credit, stopped)
// decision before a content-bearing command is allowed into
// message-assembly.
func (s *SessionState) admitContentMessage(destination string) {
	decision := s.flow.Admit()
	if decision.Stop {
		s.sendMethod(&MessageStop{baseMethod: newMethod(MethodMessageStop, false, false), Destination: destination})
		s.scheduleFlowRetry(decision.RetryAfter, destination)
		return
	}
	if decision.IssueFlow {
		s.sendMethod(&MessageFlow{baseMethod: newMethod(MethodMessageFlow, false, false), Destination: destination, Unit: FlowUnitMessage, Value: uint64(decision.Credit)})
	}
}

// scheduleFlowRetry arranges for a replenished message.flow to be sent once
// the throttle window named by d elapses.
func (s *SessionState) scheduleFlowRetry(d time.Duration, destination string) {
	time.AfterFunc(d, func() {
		credit := s.flow.Replenish()
		s.sendMethod(&MessageFlow{baseMethod: newMethod(MethodMessageFlow, false, false), Destination: destination, Unit: FlowUnitMessage, Value: uint64(credit)})
	})
}

func (s *SessionState) beginAssembly(id uint32, destination string, acceptRequired bool) {
	s.recvMu.Lock()
	s.assembling = &messageAssembly{commandID: id, destination: destination, acceptRequired: acceptRequired}
	s.recvMu.Unlock()
}

func (s *SessionState) appendAssembly(fr *Frame) error {
	s.recvMu.Lock()
	asm := s.assembling
	if asm == nil {
		s.recvMu.Unlock()
		return &SessionException{SessionID: s.id.String(), Err: &InvalidArgument{Reason: "header/content frame with no open assembly"}}
	}
	asm.body.Write(fr.Payload)
	done := fr.Flags.EOF && fr.Flags.EOS
	if done {
		s.assembling = nil
	}
	s.recvMu.Unlock()

	if done {
		s.finalizeAssembly(asm)
	}
	return nil
}

// finalizeAssembly hands the assembled message to the MessageSink and
// registers an IncompleteRcvMsg so detach can later quiesce its callback.
func (s *SessionState) finalizeAssembly(asm *messageAssembly) {
	rec := newIncompleteRcvMsg(s, asm.commandID)
	s.incompleteRcvMsgsLock.Lock()
	s.incompleteRcvMsgs[asm.commandID] = rec
	s.incompleteRcvMsgsLock.Unlock()

	msg := sink.Message{
		Destination:    asm.destination,
		Body:           append([]byte(nil), asm.body.Bytes()...),
		AcceptRequired: asm.acceptRequired,
	}
	id := asm.commandID
	acceptRequired := asm.acceptRequired

	s.sink.Enqueue(context.Background(), msg, func(err error) {
		rec.runCompletion(func(sess *SessionState) {
			sess.onMessageComplete(id, acceptRequired, err)
		})
	})
}

// onMessageComplete may run on the sink's worker thread; it only touches the
// incompleteRcvMsgs map (guarded) and the scheduler, then returns. The
// actual completion bookkeeping happens on the I/O thread in
// drainCompletions.
func (s *SessionState) onMessageComplete(id uint32, acceptRequired bool, err error) {
	s.incompleteRcvMsgsLock.Lock()
	delete(s.incompleteRcvMsgs, id)
	s.incompleteRcvMsgsLock.Unlock()

	s.scheduler.schedule(completionEvent{commandID: id, acceptRequired: acceptRequired, err: err})
}

// DrainSignal exposes the scheduler's wakeup channel so the owning
// ConnectionEngine's I/O loop can select on it alongside transport reads.
func (s *SessionState) DrainSignal() <-chan struct{} {
	return s.scheduler.holder.Wait()
}

// drainCompletions runs exclusively on the I/O thread: it is the only
// consumer of the scheduler's queue.
func (s *SessionState) drainCompletions() {
	events := s.scheduler.drain()
	if len(events) == 0 {
		return
	}

	var needFlush bool
	for _, ev := range events {
		if ev.err != nil {
			s.log.Warn().Uint32("command", ev.commandID).Err(ev.err).Msg("message sink completion failed")
			continue
		}
		s.recvMu.Lock()
		advanced := s.tracker.complete(ev.commandID)
		if ev.acceptRequired {
			s.accepted.Add(ev.commandID)
		}
		s.recvMu.Unlock()
		if len(advanced) > 0 {
			needFlush = true
		}
	}
	if needFlush {
		s.flush()
	}
}

// flush emits any accumulated message.accept and session.completed frames.
func (s *SessionState) flush() {
	s.recvMu.Lock()
	var acceptRanges []Range
	if !s.accepted.Empty() {
		for _, r := range s.accepted.Ranges() {
			acceptRanges = append(acceptRanges, Range{Low: r.Low, High: r.High})
		}
		s.accepted = rangeset.Set{}
	}
	var completedRanges []Range
	known, haveKnown := s.tracker.knownCompleteSnapshot()
	if haveKnown && (!s.haveAnnounced || known > s.lastAnnounced) {
		low := uint32(0)
		if s.haveAnnounced {
			low = s.lastAnnounced + 1
		}
		completedRanges = []Range{{Low: low, High: known}}
		s.lastAnnounced = known
		s.haveAnnounced = true
	}
	s.recvMu.Unlock()

	if len(acceptRanges) > 0 {
		s.sendMethod(&MessageAccept{baseMethod: newMethod(MethodMessageAccept, false, false), Transfers: acceptRanges})
	}
	if len(completedRanges) > 0 {
		s.sendMethod(&SessionCompleted{baseMethod: newMethod(MethodSessionCompleted, false, false), Commands: completedRanges, Timely: true})
	}
}

func (s *SessionState) sendExecutionException(id uint32, err error) {
	code, text := ConditionNotImplemented, err.Error()
	if ia, ok := err.(*InvalidArgument); ok {
		code = ConditionInvalidArgument
		text = ia.Reason
	}
	s.sendMethod(&ExecutionException{baseMethod: newMethod(MethodExecutionException, false, false), CommandID: id, ErrorCode: code, Description: text})
}

func (s *SessionState) sendExecutionResult(id uint32, value any) {
	s.sendMethod(&ExecutionResult{baseMethod: newMethod(MethodExecutionResult, false, false), CommandID: id, Value: value})
}

// sendMethod allocates the next sender-side command id, appends the frame to
// the replay buffer, and writes it to the transport if attached.
func (s *SessionState) sendMethod(m Method) {
	fr := &Frame{Channel: s.channel, Type: FrameTypeMethod, Method: m, Flags: Flags{BOF: true, EOF: true}}
	fr.TrackID = s.nextCommandID(fr)

	s.stateLock.Lock()
	t := s.transport
	s.stateLock.Unlock()
	if t != nil {
		if err := t.WriteFrame(fr); err != nil {
			s.log.Warn().Err(err).Msg("write frame failed")
		}
	}
}

// senderGetCommandPoint returns the cursor the peer must use when
// acknowledging commands we sent.
func (s *SessionState) senderGetCommandPoint() commandPoint {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.commandPoint
}

func (s *SessionState) nextCommandID(fr *Frame) uint32 {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	id := s.commandPoint.Command
	s.commandPoint.Command++
	s.senderIncomplete.Add(id)
	if s.config.ReplayBufferSize <= 0 || len(s.replay) < s.config.ReplayBufferSize {
		s.replay = append(s.replay, fr)
	}
	return id
}

// senderCompleted narrows senderIncomplete and releases the corresponding
// replay-buffer entries.
func (s *SessionState) senderCompleted(ranges []rangeset.Range) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	for _, r := range ranges {
		for id := r.Low; id <= r.High; id++ {
			s.senderIncomplete.Remove(id)
		}
	}
	kept := s.replay[:0]
	for _, fr := range s.replay {
		if s.senderIncomplete.Contains(fr.TrackID) {
			kept = append(kept, fr)
		}
	}
	s.replay = kept
}

// replaySenderCommands resends every frame still in the replay buffer after
// a resume, picking up from the peer's last-known-complete mark.
func (s *SessionState) replaySenderCommands() {
	s.sendMu.Lock()
	frames := append([]*Frame(nil), s.replay...)
	t := s.transport
	s.sendMu.Unlock()

	for _, fr := range frames {
		if t == nil {
			break
		}
		if err := t.WriteFrame(fr); err != nil {
			s.log.Warn().Err(err).Msg("replay write failed")
			break
		}
	}
}

func toRangeSetRanges(rs []Range) []rangeset.Range {
	out := make([]rangeset.Range, len(rs))
	for i, r := range rs {
		out[i] = rangeset.Range{Low: r.Low, High: r.High}
	}
	return out
}

// --- completion tracking ---

// completionTracker implements the receiver-direction ordering guarantees:
// completions become visible only in contiguous order from the low
// watermark, and an execution.sync at id S never completes before every
// id < S.
type completionTracker struct {
	mu            sync.Mutex
	nextReceiver  uint32
	haveKnown     bool // false until the first id (0) is known-complete
	knownComplete uint32
	receiverHigh  uint32
	outstanding   map[uint32]struct{}
	pendingSyncs  []uint32
}

func newCompletionTracker() *completionTracker {
	return &completionTracker{outstanding: make(map[uint32]struct{})}
}

func (t *completionTracker) nextReceiverID() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextReceiver
	t.nextReceiver++
	return id
}

func (t *completionTracker) receive(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outstanding[id] = struct{}{}
	if id > t.receiverHigh {
		t.receiverHigh = id
	}
}

func (t *completionTracker) hasIncompleteBelow(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for oid := range t.outstanding {
		if oid < id {
			return true
		}
	}
	return false
}

func (t *completionTracker) deferSync(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingSyncs = append(t.pendingSyncs, id)
}

// complete marks id done and returns every id that became newly
// known-complete as a result, possibly including ids drained from
// pendingSyncs whose only remaining obstacle was contiguity.
func (t *completionTracker) complete(id uint32) []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.outstanding, id)
	return t.advanceLocked()
}

func (t *completionTracker) advanceLocked() (advanced []uint32) {
	for {
		var next uint32
		if t.haveKnown {
			next = t.knownComplete + 1
		}
		if next > t.receiverHigh {
			break
		}
		if len(t.pendingSyncs) > 0 && t.pendingSyncs[0] == next {
			delete(t.outstanding, next)
			t.pendingSyncs = t.pendingSyncs[1:]
			t.knownComplete = next
			t.haveKnown = true
			advanced = append(advanced, next)
			continue
		}
		if _, busy := t.outstanding[next]; busy {
			break
		}
		t.knownComplete = next
		t.haveKnown = true
		advanced = append(advanced, next)
	}
	return advanced
}

// knownCompleteSnapshot reports the current known-complete watermark and
// whether anything has become known-complete yet (id 0 is a valid
// watermark, so a plain uint32 cannot distinguish "id 0 done" from
// "nothing done").
func (t *completionTracker) knownCompleteSnapshot() (known uint32, have bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.knownComplete, t.haveKnown
}

func (t *completionTracker) drained() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outstanding) == 0
}

// --- IncompleteRcvMsg ---

// incompleteRcvMsg is a weak-handle-style record: the worker callback holds
// id + a session reference, and cancellation clears that reference, in
// place of a cyclic SessionState<->incompleteRcvMsg<->Message reference.
type incompleteRcvMsg struct {
	cond      *sync.Cond
	id        uint32
	session   *SessionState
	executing bool
	cancelled bool
}

func newIncompleteRcvMsg(s *SessionState, id uint32) *incompleteRcvMsg {
	return &incompleteRcvMsg{cond: sync.NewCond(&sync.Mutex{}), id: id, session: s}
}

// runCompletion is invoked by the sink's worker thread. If cancel() already
// ran, this is a no-op.
func (m *incompleteRcvMsg) runCompletion(fn func(s *SessionState)) {
	m.cond.L.Lock()
	if m.cancelled {
		m.cond.L.Unlock()
		return
	}
	m.executing = true
	s := m.session
	m.cond.L.Unlock()

	if s != nil {
		fn(s)
	}

	m.cond.L.Lock()
	m.executing = false
	m.cond.Broadcast()
	m.cond.L.Unlock()
}

// cancel blocks until any in-flight callback finishes, then clears the back
// reference so a callback racing to start becomes a no-op.
func (m *incompleteRcvMsg) cancel() {
	m.cond.L.Lock()
	defer m.cond.L.Unlock()
	for m.executing {
		m.cond.Wait()
	}
	m.cancelled = true
	m.session = nil
}

// --- cross-thread completion scheduling ---

// completionEvent is one message-sink completion posted back to the I/O
// thread.
type completionEvent struct {
	commandID      uint32
	acceptRequired bool
	err            error
}

// completionScheduler is the cross-thread queue that lets worker threads
// post completions without touching session state directly: worker threads
// schedule, the I/O thread alone calls drain.
type completionScheduler struct {
	holder *queue.Holder[completionEvent]
	wake   func()
}

func newCompletionScheduler(wake func()) *completionScheduler {
	return &completionScheduler{holder: queue.NewHolder(queue.New[completionEvent](0)), wake: wake}
}

func (c *completionScheduler) schedule(ev completionEvent) {
	c.holder.Enqueue(ev)
	if c.wake != nil {
		c.wake()
	}
}

func (c *completionScheduler) drain() []completionEvent {
	return c.holder.DrainAll()
}
