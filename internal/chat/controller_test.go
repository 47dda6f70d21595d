package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/vakta-ai/chatcore/internal/errors"
	"github.com/vakta-ai/chatcore/internal/protocol"
	"github.com/vakta-ai/chatcore/internal/transport"
)

// --- fakes ---

// fakeConn is a scriptable Conn. Tests drive its event stream directly.
type fakeConn struct {
	session string
	events  chan transport.Event

	mu     sync.Mutex
	sent   []protocol.Frame
	closed bool

	termOnce sync.Once
}

func newFakeConn(session string) *fakeConn {
	return &fakeConn{
		session: session,
		events:  make(chan transport.Event, 16),
	}
}

func (f *fakeConn) SessionID() string              { return f.session }
func (f *fakeConn) Events() <-chan transport.Event { return f.events }

func (f *fakeConn) Send(frame protocol.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return apperrors.New(apperrors.CodeTransportNotOpen, "connection is not open")
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	wasClosed := f.closed
	f.closed = true
	f.mu.Unlock()
	if !wasClosed {
		f.terminate(transport.Event{Kind: transport.EventClosed, Code: 1000, WasClean: true})
	}
	return nil
}

func (f *fakeConn) open() {
	f.events <- transport.Event{Kind: transport.EventOpen}
}

func (f *fakeConn) frame(fr protocol.Frame) {
	f.events <- transport.Event{Kind: transport.EventFrame, Frame: fr}
}

// failUnclean simulates an unexpected connection loss.
func (f *fakeConn) failUnclean() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.terminate(transport.Event{Kind: transport.EventClosed, Code: 1006, WasClean: false})
}

func (f *fakeConn) terminate(ev transport.Event) {
	f.termOnce.Do(func() {
		f.events <- ev
		close(f.events)
	})
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) sentFrames() []protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Frame, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeDialer hands out fakeConns and records every dial by session id.
type fakeDialer struct {
	mu       sync.Mutex
	dials    []string
	conns    map[string][]*fakeConn
	err      error // when set, all dials fail
	autoOpen bool  // emit EventOpen immediately after dialing
}

func newFakeDialer(autoOpen bool) *fakeDialer {
	return &fakeDialer{conns: make(map[string][]*fakeConn), autoOpen: autoOpen}
}

func (d *fakeDialer) dial(_ context.Context, sessionID string) (Conn, error) {
	d.mu.Lock()
	d.dials = append(d.dials, sessionID)
	if d.err != nil {
		err := d.err
		d.mu.Unlock()
		return nil, err
	}
	conn := newFakeConn(sessionID)
	d.conns[sessionID] = append(d.conns[sessionID], conn)
	autoOpen := d.autoOpen
	d.mu.Unlock()

	if autoOpen {
		conn.open()
	}
	return conn, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) totalDials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) dialCount(sessionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, id := range d.dials {
		if id == sessionID {
			n++
		}
	}
	return n
}

func (d *fakeDialer) lastConn(sessionID string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	conns := d.conns[sessionID]
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

// fakeDirectory is a scriptable Directory. Gates block calls until the
// test releases them, which is how completion-ordering races are staged.
type fakeDirectory struct {
	mu          sync.Mutex
	createCalls int
	createInfo  SessionInfo
	createErr   error
	history     map[string][]Message
	historyErr  map[string]error
	historyGate map[string]chan struct{}
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		history:     make(map[string][]Message),
		historyErr:  make(map[string]error),
		historyGate: make(map[string]chan struct{}),
	}
}

func (f *fakeDirectory) CreateSession(_ context.Context, _, _ string) (SessionInfo, error) {
	f.mu.Lock()
	f.createCalls++
	info, err := f.createInfo, f.createErr
	f.mu.Unlock()
	return info, err
}

func (f *fakeDirectory) History(_ context.Context, sessionID string, _, _ int) ([]Message, int, error) {
	f.mu.Lock()
	gate := f.historyGate[sessionID]
	msgs := f.history[sessionID]
	err := f.historyErr[sessionID]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, 0, err
	}
	return msgs, len(msgs), nil
}

func (f *fakeDirectory) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

// fakeArchive is an in-memory Archive.
type fakeArchive struct {
	mu    sync.Mutex
	saved map[string][]Message
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{saved: make(map[string][]Message)}
}

func (f *fakeArchive) SaveMessage(sessionID string, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[sessionID] = append(f.saved[sessionID], msg)
	return nil
}

func (f *fakeArchive) Messages(sessionID string, _ int) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saved[sessionID], nil
}

// waitFor polls until cond holds or the test deadline hits.
func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

type testRig struct {
	dir    *fakeDirectory
	dialer *fakeDialer
	log    *Log
	asm    *Assembler
	ctrl   *Controller
}

func newTestRig(t *testing.T, mutate func(*ControllerConfig)) *testRig {
	t.Helper()

	rig := &testRig{
		dir:    newFakeDirectory(),
		dialer: newFakeDialer(true),
		log:    NewLog(),
	}
	rig.asm = NewAssembler(rig.log)

	cfg := ControllerConfig{
		Directory:            rig.dir,
		Dial:                 rig.dialer.dial,
		Log:                  rig.log,
		Assembler:            rig.asm,
		Greeting:             "Welcome!",
		HistoryPageSize:      50,
		ReconnectDelay:       30 * time.Millisecond,
		ReconnectMaxAttempts: 3,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	rig.ctrl = NewController(cfg)
	t.Cleanup(rig.ctrl.Disconnect)
	return rig
}

func (r *testRig) connected() bool {
	state, _ := r.ctrl.State()
	return state == StateConnected
}

// --- tests ---

// TestColdStartResolvesOnce verifies the cold-start flow and that
// concurrent session requests cannot trigger a second createSession.
func TestColdStartResolvesOnce(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.dir.createInfo = SessionInfo{ID: "s1", Title: "Chat X", Status: "active"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rig.ctrl.EnsureSession(context.Background(), NewSession("", "Chat X"))
		}()
	}
	wg.Wait()

	waitFor(t, "controller connected", rig.connected)

	if got := rig.dir.calls(); got != 1 {
		t.Fatalf("createSession called %d times, want exactly 1", got)
	}
	if got := rig.ctrl.SessionID(); got != "s1" {
		t.Fatalf("SessionID() = %q, want s1", got)
	}
	if got := rig.dialer.dialCount("s1"); got != 1 {
		t.Fatalf("dialed s1 %d times, want 1", got)
	}
}

// TestStreamScenario runs the end-to-end flow: resolve a session, send
// "hello", then assemble a streamed "Hi there" reply.
func TestStreamScenario(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.dir.createInfo = SessionInfo{ID: "s1", Title: "Chat X"}

	rig.ctrl.EnsureSession(context.Background(), NewSession("", "Chat X"))
	waitFor(t, "controller connected", rig.connected)

	dispatcher := NewDispatcher(DispatcherConfig{
		Controller: rig.ctrl,
		Log:        rig.log,
		AutoTarget: NewSession("", "Chat X"),
		UserID:     "u1",
		Language:   "en",
		Timezone:   "UTC",
	})

	before := rig.log.Len()
	dispatcher.Send(context.Background(), "hello", SendOptions{})
	if rig.log.Len() != before+1 {
		t.Fatal("user message should be appended immediately")
	}
	last, _ := rig.log.Last()
	if last.Sender != SenderUser || last.Content != "hello" {
		t.Fatalf("echo = %+v", last)
	}

	conn := rig.dialer.lastConn("s1")
	waitFor(t, "upload frame written", func() bool { return len(conn.sentFrames()) == 1 })
	up, ok := conn.sentFrames()[0].(protocol.Upload)
	if !ok {
		t.Fatalf("sent frame is %T, want Upload", conn.sentFrames()[0])
	}
	if up.ChatID != "s1" || up.Message != "hello" || up.UserID != "u1" {
		t.Fatalf("upload = %+v", up)
	}

	conn.frame(protocol.BotPartial{MT: protocol.MTBotPartial, MessageID: "t1", IsStart: true})
	conn.frame(protocol.BotPartial{MT: protocol.MTBotPartial, MessageID: "t1", Delta: "Hi"})
	conn.frame(protocol.BotPartial{MT: protocol.MTBotPartial, MessageID: "t1", Delta: " there"})
	conn.frame(protocol.BotPartial{MT: protocol.MTBotPartial, MessageID: "t1", IsFinal: true})

	waitFor(t, "assembled reply", func() bool {
		last, ok := rig.log.Last()
		return ok && last.Sender == SenderAssistant && !last.Streaming && last.Content == "Hi there"
	})
}

// TestUncleanCloseSchedulesOneReconnect: a close with wasClean=false
// while the session is still authoritative and no attempts were used
// schedules exactly one reconnect after the fixed delay.
func TestUncleanCloseSchedulesOneReconnect(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.dir.createInfo = SessionInfo{ID: "s1"}
	rig.ctrl.EnsureSession(context.Background(), NewSession("", "t"))
	waitFor(t, "controller connected", rig.connected)

	rig.dialer.lastConn("s1").failUnclean()

	waitFor(t, "one reconnect dial", func() bool { return rig.dialer.dialCount("s1") == 2 })
	waitFor(t, "reconnected", rig.connected)

	// Settle: the successful reconnect must not spawn further dials.
	time.Sleep(120 * time.Millisecond)
	if got := rig.dialer.dialCount("s1"); got != 2 {
		t.Fatalf("dialed s1 %d times, want exactly 2", got)
	}
}

// TestSwitchSuppressesScheduledReconnect: switching to B while a
// reconnect for A is pending must not re-open a connection tagged A.
func TestSwitchSuppressesScheduledReconnect(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.dir.createInfo = SessionInfo{ID: "sA"}
	rig.dir.history["sB"] = []Message{{ID: "h1", Content: "from B", Sender: SenderAssistant}}

	rig.ctrl.EnsureSession(context.Background(), NewSession("", "t"))
	waitFor(t, "connected to sA", rig.connected)
	connA := rig.dialer.lastConn("sA")

	connA.failUnclean()
	// The reconnect for sA is now scheduled. Switch before it fires.
	rig.ctrl.SwitchSession(context.Background(), "sB")

	waitFor(t, "connected to sB", func() bool {
		return rig.connected() && rig.ctrl.SessionID() == "sB"
	})

	time.Sleep(150 * time.Millisecond)
	if got := rig.dialer.dialCount("sA"); got != 1 {
		t.Fatalf("dialed sA %d times; the scheduled reconnect must not execute after the switch", got)
	}
	if !connA.isClosed() {
		t.Fatal("superseded connection should be closed")
	}
}

// TestStaleHistoryDoesNotReplaceLog: history for A resolving after the
// switch to B must not replace B's log.
func TestStaleHistoryDoesNotReplaceLog(t *testing.T) {
	rig := newTestRig(t, nil)
	gateA := make(chan struct{})
	rig.dir.historyGate["sA"] = gateA
	rig.dir.history["sA"] = []Message{{ID: "a1", Content: "from A", Sender: SenderAssistant}}
	rig.dir.history["sB"] = []Message{{ID: "b1", Content: "from B", Sender: SenderAssistant}}

	rig.ctrl.SwitchSession(context.Background(), "sA")
	rig.ctrl.SwitchSession(context.Background(), "sB")
	waitFor(t, "connected to sB", func() bool {
		return rig.connected() && rig.ctrl.SessionID() == "sB"
	})

	// Let A's history resolve late.
	close(gateA)
	time.Sleep(80 * time.Millisecond)

	snap := rig.log.Snapshot()
	if len(snap) != 1 || snap[0].Content != "from B" {
		t.Fatalf("log = %+v, want only B's history", snap)
	}
}

// TestSwitchWaitsForHistoryAndOpen: neither a fast connect nor a fast
// history load alone completes a switch.
func TestSwitchWaitsForHistoryAndOpen(t *testing.T) {
	rig := newTestRig(t, nil)
	gate := make(chan struct{})
	rig.dir.historyGate["s2"] = gate
	rig.dir.history["s2"] = []Message{{ID: "h1", Content: "old talk", Sender: SenderUser}}

	rig.ctrl.SwitchSession(context.Background(), "s2")

	waitFor(t, "dial for s2", func() bool { return rig.dialer.dialCount("s2") == 1 })
	time.Sleep(60 * time.Millisecond)
	if state, _ := rig.ctrl.State(); state != StateSwitching {
		t.Fatalf("state = %s while history is pending, want %s", state, StateSwitching)
	}

	close(gate)
	waitFor(t, "switch completed", rig.connected)

	snap := rig.log.Snapshot()
	if len(snap) != 1 || snap[0].Content != "old talk" {
		t.Fatalf("log = %+v, want replaced history", snap)
	}
}

// TestMaxAttemptsDegradesToSimulated: the reconnect cap transitions to
// Disconnected(max-attempts) and send still produces a simulated reply.
func TestMaxAttemptsDegradesToSimulated(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.dir.createInfo = SessionInfo{ID: "s1"}
	rig.ctrl.EnsureSession(context.Background(), NewSession("", "t"))
	waitFor(t, "controller connected", rig.connected)

	rig.dialer.setErr(errors.New("backend down"))
	rig.dialer.lastConn("s1").failUnclean()

	waitFor(t, "max attempts reached", func() bool {
		state, reason := rig.ctrl.State()
		return state == StateDisconnected && reason == ReasonMaxAttempts
	})
	if !rig.ctrl.Simulated() {
		t.Fatal("controller should be in simulated mode")
	}
	// Initial dial plus the capped number of reconnect attempts.
	if got := rig.dialer.dialCount("s1"); got != 4 {
		t.Fatalf("dialed s1 %d times, want 4 (1 initial + 3 attempts)", got)
	}

	dispatcher := NewDispatcher(DispatcherConfig{
		Controller:     rig.ctrl,
		Log:            rig.log,
		AutoTarget:     NewSession("", "t"),
		SimulatedDelay: 20 * time.Millisecond,
	})

	before := rig.log.Len()
	dispatcher.Send(context.Background(), "anyone there?", SendOptions{})
	if rig.log.Len() != before+1 {
		t.Fatal("echo should be appended even in simulated mode")
	}

	waitFor(t, "simulated reply", func() bool {
		last, ok := rig.log.Last()
		return ok && last.Metadata.Simulated && last.Sender == SenderAssistant
	})
}

// TestCreateFailureEntersSimulatedMode: a failed createSession degrades
// to simulated mode instead of surfacing a hard error.
func TestCreateFailureEntersSimulatedMode(t *testing.T) {
	var noticeMu sync.Mutex
	var notices []Notice
	rig := newTestRig(t, func(cfg *ControllerConfig) {
		cfg.OnNotice = func(n Notice) {
			noticeMu.Lock()
			notices = append(notices, n)
			noticeMu.Unlock()
		}
	})
	rig.dir.createErr = apperrors.New(apperrors.CodeDirectoryCreateFailed, "nope")

	rig.ctrl.EnsureSession(context.Background(), NewSession("doc1", "t"))

	waitFor(t, "simulated mode", func() bool {
		state, reason := rig.ctrl.State()
		return state == StateDisconnected && reason == ReasonCreateFailed && rig.ctrl.Simulated()
	})
	waitFor(t, "degradation notice", func() bool {
		noticeMu.Lock()
		defer noticeMu.Unlock()
		return len(notices) == 1
	})
	if rig.dialer.totalDials() != 0 {
		t.Fatal("no dial should happen without a session id")
	}
}

// TestDisconnectPreventsReconnect: teardown sets the no-reconnect flag
// before closing, so the close event cannot race the reconnect guard.
func TestDisconnectPreventsReconnect(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.dir.createInfo = SessionInfo{ID: "s1"}
	rig.ctrl.EnsureSession(context.Background(), NewSession("", "t"))
	waitFor(t, "controller connected", rig.connected)

	rig.ctrl.Disconnect()

	time.Sleep(120 * time.Millisecond)
	if got := rig.dialer.dialCount("s1"); got != 1 {
		t.Fatalf("dialed s1 %d times after Disconnect, want 1", got)
	}
	state, reason := rig.ctrl.State()
	if state != StateDisconnected || reason != ReasonShutdown {
		t.Fatalf("state = %s/%s, want disconnected/shutdown", state, reason)
	}

	// The controller is torn down; further requests are no-ops.
	rig.ctrl.EnsureSession(context.Background(), NewSession("", "t"))
	time.Sleep(50 * time.Millisecond)
	if rig.dir.calls() != 1 {
		t.Fatal("EnsureSession after Disconnect should be ignored")
	}
}

// TestDuplicateConfirmDroppedByController: redelivered complete-message
// frames are filtered by the controller's correlation-id set.
func TestDuplicateConfirmDroppedByController(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.dir.createInfo = SessionInfo{ID: "s1"}
	rig.ctrl.EnsureSession(context.Background(), NewSession("", "t"))
	waitFor(t, "controller connected", rig.connected)

	conn := rig.dialer.lastConn("s1")
	confirm := protocol.UploadConfirm{MT: protocol.MTUploadConfirm, MessageID: "c1", Message: "once"}
	conn.frame(confirm)
	conn.frame(confirm)

	waitFor(t, "confirm appended", func() bool {
		last, ok := rig.log.Last()
		return ok && last.Content == "once"
	})
	time.Sleep(50 * time.Millisecond)

	count := 0
	for _, msg := range rig.log.Snapshot() {
		if msg.Content == "once" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("duplicate confirm appended %d times, want 1", count)
	}
}

// TestUncleanCloseDiscardsPendingStreams: a half-assembled reply is
// marked interrupted when the connection drops.
func TestUncleanCloseDiscardsPendingStreams(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.dir.createInfo = SessionInfo{ID: "s1"}
	rig.ctrl.EnsureSession(context.Background(), NewSession("", "t"))
	waitFor(t, "controller connected", rig.connected)

	conn := rig.dialer.lastConn("s1")
	conn.frame(protocol.BotPartial{MT: protocol.MTBotPartial, MessageID: "t1", IsStart: true})
	conn.frame(protocol.BotPartial{MT: protocol.MTBotPartial, MessageID: "t1", Delta: "half an ans"})
	waitFor(t, "stream in flight", func() bool { return rig.asm.PendingCount() == 1 })

	conn.failUnclean()

	waitFor(t, "pending entry discarded", func() bool { return rig.asm.PendingCount() == 0 })
	last, _ := rig.log.Last()
	if !last.Metadata.Interrupted || last.Streaming {
		t.Fatalf("interrupted stream = %+v", last)
	}
	if last.Content != "half an ans" {
		t.Fatalf("partial content lost: %q", last.Content)
	}
}

// TestHistoryFallsBackToArchive: when the directory fetch fails, the
// local mirror serves the history instead.
func TestHistoryFallsBackToArchive(t *testing.T) {
	archived := newFakeArchive()
	archived.SaveMessage("s1", Message{ID: "m1", Content: "cached", Sender: SenderAssistant})

	rig := newTestRig(t, func(cfg *ControllerConfig) { cfg.Archive = archived })
	rig.dir.historyErr["s1"] = apperrors.New(apperrors.CodeDirectoryFetchFailed, "down")

	rig.ctrl.SwitchSession(context.Background(), "s1")
	waitFor(t, "connected with cached history", func() bool {
		if !rig.connected() {
			return false
		}
		snap := rig.log.Snapshot()
		return len(snap) == 1 && snap[0].Content == "cached"
	})
}

// TestHistoryFailureKeepsLog: with no local copy the log stays at
// whatever it was (the greeting).
func TestHistoryFailureKeepsLog(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.dir.historyErr["s1"] = apperrors.New(apperrors.CodeDirectoryFetchFailed, "down")

	rig.ctrl.SwitchSession(context.Background(), "s1")
	waitFor(t, "switch completed", rig.connected)

	snap := rig.log.Snapshot()
	if len(snap) != 1 || snap[0].Content != "Welcome!" {
		t.Fatalf("log = %+v, want untouched greeting", snap)
	}
}

// TestEmptyHistoryShowsGreeting: an empty page is not an error and
// resets the log to the greeting.
func TestEmptyHistoryShowsGreeting(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.log.Append(Message{ID: "leftover", Content: "stale", Sender: SenderUser})
	rig.dir.history["s1"] = nil

	rig.ctrl.SwitchSession(context.Background(), "s1")
	waitFor(t, "switch completed", rig.connected)

	snap := rig.log.Snapshot()
	if len(snap) != 1 || snap[0].Content != "Welcome!" {
		t.Fatalf("log = %+v, want greeting only", snap)
	}
}

// TestCompletedMessagesAreArchived: confirms and finished streams are
// mirrored into the archive.
func TestCompletedMessagesAreArchived(t *testing.T) {
	archived := newFakeArchive()
	rig := newTestRig(t, func(cfg *ControllerConfig) { cfg.Archive = archived })
	rig.dir.createInfo = SessionInfo{ID: "s1"}

	rig.ctrl.EnsureSession(context.Background(), NewSession("", "t"))
	waitFor(t, "controller connected", rig.connected)

	conn := rig.dialer.lastConn("s1")
	conn.frame(protocol.UploadConfirm{MT: protocol.MTUploadConfirm, MessageID: "c1", Message: "direct"})
	conn.frame(protocol.BotPartial{MT: protocol.MTBotPartial, MessageID: "t1", IsStart: true, Delta: "streamed", IsFinal: true})

	waitFor(t, "messages archived", func() bool {
		msgs, _ := archived.Messages("s1", 0)
		return len(msgs) == 2
	})
}
