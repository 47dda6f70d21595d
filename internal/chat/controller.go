package chat

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	apperrors "github.com/vakta-ai/chatcore/internal/errors"
	"github.com/vakta-ai/chatcore/internal/protocol"
	"github.com/vakta-ai/chatcore/internal/transport"
)

// State is the lifecycle state of the controller.
type State string

const (
	// StateIdle means no session has been requested yet.
	StateIdle State = "idle"

	// StateResolving means a session id is being created or confirmed.
	StateResolving State = "resolving"

	// StateConnecting means a connection is being established for the
	// authoritative session.
	StateConnecting State = "connecting"

	// StateConnected means the connection is open and bound to the
	// authoritative session.
	StateConnected State = "connected"

	// StateDisconnected means there is no live connection. The reason
	// says why; the dispatcher degrades to simulated replies.
	StateDisconnected State = "disconnected"

	// StateSwitching means the user selected a different session;
	// history load and connect are in flight. Automatic reconnection
	// is suppressed until both complete.
	StateSwitching State = "switching_session"
)

// DisconnectReason says why the controller is disconnected.
type DisconnectReason string

const (
	ReasonNone         DisconnectReason = ""
	ReasonCreateFailed DisconnectReason = "create-failed"
	ReasonRetrying     DisconnectReason = "retrying"
	ReasonMaxAttempts  DisconnectReason = "max-attempts"
	ReasonClosed       DisconnectReason = "closed"
	ReasonShutdown     DisconnectReason = "shutdown"
)

// SessionInfo is the directory's view of a session, as the controller
// needs it.
type SessionInfo struct {
	ID         string
	DocumentID string
	Title      string
	Status     string
}

// SessionTarget selects which session the controller should be attached
// to: a brand-new one or an existing one by id.
type SessionTarget struct {
	existingID string
	documentID string
	title      string
}

// NewSession targets a session that does not exist yet, optionally bound
// to a knowledge document.
func NewSession(documentID, title string) SessionTarget {
	return SessionTarget{documentID: documentID, title: title}
}

// ExistingSession targets a session the directory already knows.
func ExistingSession(id string) SessionTarget {
	return SessionTarget{existingID: id}
}

// IsNew reports whether the target requires creating a session.
func (t SessionTarget) IsNew() bool { return t.existingID == "" }

// Notice is an ephemeral, user-visible event that is not part of the
// message log (backend errors, degraded-mode transitions).
type Notice struct {
	Code string
	Text string
}

// Conn abstracts one live transport connection. *transport.Conn
// satisfies it; tests substitute fakes.
type Conn interface {
	SessionID() string
	Events() <-chan transport.Event
	Send(frame protocol.Frame) error
	Close() error
}

// Dialer opens a new connection bound to a session id. A Conn is single
// use: the controller constructs a fresh one for every attempt.
type Dialer func(ctx context.Context, sessionID string) (Conn, error)

// Directory is the slice of the session directory the controller needs.
type Directory interface {
	CreateSession(ctx context.Context, documentID, title string) (SessionInfo, error)
	History(ctx context.Context, sessionID string, page, limit int) ([]Message, int, error)
}

// Archive is the optional local mirror consulted when the directory's
// history fetch fails and fed with completed messages.
type Archive interface {
	SaveMessage(sessionID string, msg Message) error
	Messages(sessionID string, limit int) ([]Message, error)
}

// ControllerConfig wires the controller's collaborators and policy.
type ControllerConfig struct {
	Directory Directory
	Dial      Dialer
	Log       *Log
	Assembler *Assembler

	// Archive is optional; nil disables local mirroring.
	Archive Archive

	// Greeting seeds an empty log. Empty string disables it.
	Greeting string

	// HistoryPageSize is the page size for history loads.
	HistoryPageSize int

	// ReconnectDelay is the fixed delay between reconnect attempts.
	ReconnectDelay time.Duration

	// ReconnectMaxAttempts caps reconnect attempts per connection epoch.
	ReconnectMaxAttempts int

	// OnNotice receives ephemeral user-visible events. Optional.
	OnNotice func(Notice)

	// OnSessionResolved fires when a new session id has been assigned.
	// Optional; used to mirror the session into the archive.
	OnSessionResolved func(SessionInfo)
}

// Controller is the session lifecycle state machine.
//
// It owns the single-connection invariant: at most one Conn is current
// at any instant, and a superseded Conn's late events are discarded by
// comparing its session tag and identity against the authoritative state
// at event-handling time. Deferred completions (createSession, history
// load, dial results, reconnect timers) additionally carry the epoch
// captured when they were scheduled; a bumped epoch invalidates them.
// There is no true cancellation of in-flight calls - stale-result
// detection is the cancellation mechanism.
type Controller struct {
	cfg ControllerConfig

	mu         sync.Mutex
	state      State
	reason     DisconnectReason
	sessionID  string // authoritative session id
	documentID string
	epoch      uint64 // bumped on every authority change
	conn       Conn   // current handle, nil unless dialed
	simulated  bool   // degraded local-only reply mode

	// noReconnect is set by Disconnect before the handle is closed, so
	// the close event cannot race the reconnect guard.
	noReconnect bool
	closed      bool

	// resolving guards the single in-flight createSession call.
	resolving bool

	// Switch gating: Connected is entered only once both history and
	// the new handle's open have completed.
	switchHistoryDone bool
	switchOpen        bool

	// reconnect bookkeeping for the current epoch.
	policy  backoff.BackOff
	timer   *time.Timer
	attempt int

	// seenConfirms deduplicates complete-message frames by correlation
	// id. The transport does not guarantee at-most-once delivery and
	// the assembler appends every frame it is given, so the set lives
	// here, at the caller layer.
	seenConfirms map[string]struct{}

	newID func() string
	now   func() time.Time
}

// NewController creates a controller in StateIdle. An empty log is
// seeded with the configured greeting.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = 50
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.ReconnectMaxAttempts <= 0 {
		cfg.ReconnectMaxAttempts = 3
	}

	c := &Controller{
		cfg:          cfg,
		state:        StateIdle,
		seenConfirms: make(map[string]struct{}),
		newID:        func() string { return uuid.New().String() },
		now:          time.Now,
	}
	c.resetPolicyLocked()

	if cfg.Greeting != "" && cfg.Log.Len() == 0 {
		cfg.Log.Append(Message{
			ID:        c.newID(),
			Content:   cfg.Greeting,
			Sender:    SenderAssistant,
			Timestamp: c.now(),
		})
	}
	return c
}

// State returns the current lifecycle state and disconnect reason.
func (c *Controller) State() (State, DisconnectReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.reason
}

// SessionID returns the authoritative session id ("" before resolution).
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// DocumentID returns the knowledge document bound to the current
// session, if known.
func (c *Controller) DocumentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.documentID
}

// Simulated reports whether the controller has degraded to local-only
// simulated replies.
func (c *Controller) Simulated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.simulated
}

// ActiveConn returns the current connection if it is open and bound to
// the authoritative session. The dispatcher checks this before writing.
func (c *Controller) ActiveConn() (Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.conn == nil || c.conn.SessionID() != c.sessionID {
		return nil, false
	}
	return c.conn, true
}

// EnsureSession attaches the controller to the target session. For a new
// session it resolves an id via the directory and connects; for an
// existing one it switches: history load and connect run concurrently
// and Connected is entered only when both are done. Calling it again
// while resolution for the same kind of target is in flight is a no-op,
// so concurrent sends cannot trigger a second createSession.
func (c *Controller) EnsureSession(ctx context.Context, target SessionTarget) {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return
	}

	if target.IsNew() {
		if c.resolving || c.sessionID != "" {
			// Resolution already happened or is in flight.
			c.mu.Unlock()
			return
		}
		c.resolving = true
		c.state = StateResolving
		c.reason = ReasonNone
		epoch := c.bumpEpochLocked()
		c.mu.Unlock()

		go c.resolveNewSession(ctx, epoch, target.documentID, target.title)
		return
	}

	c.switchToLocked(ctx, target.existingID)
}

// SwitchSession is EnsureSession for an existing session id.
func (c *Controller) SwitchSession(ctx context.Context, sessionID string) {
	c.EnsureSession(ctx, ExistingSession(sessionID))
}

// switchToLocked starts a session switch. Called with c.mu held;
// releases it.
func (c *Controller) switchToLocked(ctx context.Context, sessionID string) {
	if sessionID == c.sessionID &&
		(c.state == StateConnected || c.state == StateSwitching || c.state == StateConnecting) {
		c.mu.Unlock()
		return
	}

	// The target becomes authoritative immediately; every in-flight
	// completion for the previous session is invalidated by the epoch
	// bump and by the session tag check.
	epoch := c.bumpEpochLocked()
	c.sessionID = sessionID
	c.documentID = ""
	c.state = StateSwitching
	c.reason = ReasonNone
	c.simulated = false
	c.switchHistoryDone = false
	c.switchOpen = false
	c.seenConfirms = make(map[string]struct{})
	c.stopTimerLocked()
	c.resetPolicyLocked()

	old := c.conn
	c.conn = nil
	c.mu.Unlock()

	if old != nil {
		// Superseded handle: closed and never again allowed to emit
		// into the message log (its events fail the identity check).
		old.Close()
	}

	log.Printf("chat: switching to session %s", sessionID)
	go c.loadHistory(ctx, epoch, sessionID)
	go c.dialSession(ctx, epoch, sessionID)
}

// resolveNewSession runs the directory createSession call and applies
// the result unless it has gone stale.
func (c *Controller) resolveNewSession(ctx context.Context, epoch uint64, documentID, title string) {
	info, err := c.cfg.Directory.CreateSession(ctx, documentID, title)

	c.mu.Lock()
	c.resolving = false
	if c.closed || epoch != c.epoch {
		c.mu.Unlock()
		return
	}

	if err != nil {
		// No session, but the user can keep typing: degrade to
		// simulated replies instead of surfacing a hard error.
		c.state = StateDisconnected
		c.reason = ReasonCreateFailed
		c.simulated = true
		c.mu.Unlock()

		log.Printf("chat: session creation failed, entering simulated mode: %v", err)
		c.notify(Notice{Code: apperrors.GetCode(err), Text: "Could not reach the assistant. Replies are simulated."})
		return
	}

	c.sessionID = info.ID
	c.documentID = info.DocumentID
	c.state = StateConnecting
	c.mu.Unlock()

	log.Printf("chat: resolved new session %s", info.ID)
	if c.cfg.OnSessionResolved != nil {
		c.cfg.OnSessionResolved(info)
	}

	// A brand-new session has no history; connect directly.
	c.dialSession(ctx, epoch, info.ID)
}

// dialSession opens a connection for the given session and hands it to
// the event pump, unless the attempt has gone stale.
func (c *Controller) dialSession(ctx context.Context, epoch uint64, sessionID string) {
	conn, err := c.cfg.Dial(ctx, sessionID)

	c.mu.Lock()
	if c.closed || epoch != c.epoch || sessionID != c.sessionID {
		c.mu.Unlock()
		if err == nil {
			// A handle tagged with a stale session must be closed and
			// never used to emit events.
			conn.Close()
		}
		return
	}

	if err != nil {
		log.Printf("chat: dial failed for session %s: %v", sessionID, err)
		c.scheduleReconnectLocked(sessionID)
		c.mu.Unlock()
		return
	}

	c.conn = conn
	c.mu.Unlock()

	go c.pumpEvents(epoch, conn)
}

// pumpEvents drains one connection's event stream into the state
// machine. Every event is validated against the authoritative state at
// handling time, not at scheduling time.
func (c *Controller) pumpEvents(epoch uint64, conn Conn) {
	for ev := range conn.Events() {
		switch ev.Kind {
		case transport.EventOpen:
			c.handleOpen(conn)
		case transport.EventFrame:
			c.handleFrame(conn, ev.Frame)
		case transport.EventClosed, transport.EventErrored:
			c.handleTerminal(conn, ev)
		}
	}
}

// currentLocked reports whether conn is still the authoritative handle.
func (c *Controller) currentLocked(conn Conn) bool {
	return c.conn == conn && conn.SessionID() == c.sessionID
}

func (c *Controller) handleOpen(conn Conn) {
	c.mu.Lock()
	if c.closed || !c.currentLocked(conn) {
		c.mu.Unlock()
		return
	}

	if c.state == StateSwitching {
		c.switchOpen = true
		c.maybeFinishSwitchLocked()
	} else {
		c.state = StateConnected
		c.reason = ReasonNone
		c.simulated = false
	}
	c.resetPolicyLocked()
	sessionID := c.sessionID
	c.mu.Unlock()

	log.Printf("chat: connection open for session %s", sessionID)
}

// maybeFinishSwitchLocked completes a session switch once both the
// history load and the new handle's open have happened.
func (c *Controller) maybeFinishSwitchLocked() {
	if c.state == StateSwitching && c.switchHistoryDone && c.switchOpen {
		c.state = StateConnected
		c.reason = ReasonNone
		c.simulated = false
	}
}

func (c *Controller) handleFrame(conn Conn, frame protocol.Frame) {
	c.mu.Lock()
	if c.closed || !c.currentLocked(conn) {
		c.mu.Unlock()
		return
	}

	// Deduplicate complete-message frames by correlation id. The
	// assembler appends every frame it is given; this set is the only
	// defense against redelivery.
	if confirm, ok := frame.(protocol.UploadConfirm); ok && confirm.MessageID != "" {
		if _, dup := c.seenConfirms[confirm.MessageID]; dup {
			c.mu.Unlock()
			log.Printf("chat: dropping duplicate confirm %s", confirm.MessageID)
			return
		}
		c.seenConfirms[confirm.MessageID] = struct{}{}
	}
	sessionID := c.sessionID
	c.mu.Unlock()

	c.cfg.Assembler.Apply(frame)

	switch f := frame.(type) {
	case protocol.ErrorFrame:
		c.notify(Notice{Code: f.Code, Text: f.Message})
	case protocol.UploadConfirm:
		c.archiveLast(sessionID)
	case protocol.BotPartial:
		if f.IsFinal {
			c.archiveLast(sessionID)
		}
	}
}

// archiveLast mirrors the most recent completed message, if any.
func (c *Controller) archiveLast(sessionID string) {
	if c.cfg.Archive == nil || sessionID == "" {
		return
	}
	last, ok := c.cfg.Log.Last()
	if !ok || last.Streaming {
		return
	}
	if err := c.cfg.Archive.SaveMessage(sessionID, last); err != nil {
		log.Printf("chat: archiving message failed: %v", err)
	}
}

func (c *Controller) handleTerminal(conn Conn, ev transport.Event) {
	c.mu.Lock()
	if !c.currentLocked(conn) {
		// A superseded handle's late close is ignored entirely.
		c.mu.Unlock()
		conn.Close()
		return
	}

	c.conn = nil
	unclean := ev.Kind == transport.EventErrored || !ev.WasClean
	sessionID := c.sessionID

	switch {
	case c.closed || c.noReconnect:
		c.state = StateDisconnected
		c.reason = ReasonShutdown
	case !unclean:
		// Expected closure: the backend ended the conversation. No
		// reconnect; the dispatcher degrades to simulated replies.
		c.state = StateDisconnected
		c.reason = ReasonClosed
		c.simulated = true
	default:
		// Unexpected close (errored is treated identically) for the
		// session that is still authoritative: bounded reconnect.
		c.scheduleReconnectLocked(sessionID)
	}
	c.mu.Unlock()

	if unclean {
		// The streams on this connection will never finish; discard
		// their pending entries rather than faking completions.
		c.cfg.Assembler.DiscardPending()
	}
	log.Printf("chat: connection for session %s terminated (unclean=%v)", sessionID, unclean)
}

// scheduleReconnectLocked arms the reconnect timer for the authoritative
// session, or gives up once the attempt cap is exceeded. Called with
// c.mu held.
func (c *Controller) scheduleReconnectLocked(sessionID string) {
	next := c.policy.NextBackOff()
	if next == backoff.Stop {
		c.state = StateDisconnected
		c.reason = ReasonMaxAttempts
		c.simulated = true
		go c.notify(Notice{
			Code: apperrors.CodeSessionMaxAttempts,
			Text: "Connection lost. Replies are simulated until the assistant is reachable again.",
		})
		log.Printf("chat: giving up on session %s after %d attempts", sessionID, c.attempt)
		return
	}

	c.attempt++
	c.state = StateDisconnected
	c.reason = ReasonRetrying
	epoch := c.epoch
	attempt := c.attempt
	c.stopTimerLocked()
	c.timer = time.AfterFunc(next, func() { c.reconnectFire(epoch, sessionID) })
	log.Printf("chat: reconnect attempt %d for session %s in %s", attempt, sessionID, next)
}

// reconnectFire runs when the reconnect timer elapses. The attempt is
// abandoned if the session is no longer authoritative, a switch has
// started, or teardown began.
func (c *Controller) reconnectFire(epoch uint64, sessionID string) {
	c.mu.Lock()
	if c.closed || c.noReconnect || epoch != c.epoch ||
		sessionID != c.sessionID || c.state == StateSwitching {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.dialSession(context.Background(), epoch, sessionID)
}

// loadHistory fetches the first history page for a session switch. A
// result that resolves after the user has switched again is discarded:
// the target session id closed over at call time is compared against
// the authoritative id at resolution time.
func (c *Controller) loadHistory(ctx context.Context, epoch uint64, sessionID string) {
	messages, _, err := c.cfg.Directory.History(ctx, sessionID, 1, c.cfg.HistoryPageSize)

	var fallback []Message
	if err != nil && c.cfg.Archive != nil {
		// The backend fetch failed; the local mirror may still have a
		// usable copy.
		if cached, cacheErr := c.cfg.Archive.Messages(sessionID, c.cfg.HistoryPageSize); cacheErr == nil {
			fallback = cached
		}
	}

	c.mu.Lock()
	if c.closed || epoch != c.epoch || sessionID != c.sessionID {
		// Stale result: the log must not be replaced with another
		// session's history.
		c.mu.Unlock()
		return
	}

	switch {
	case err == nil && len(messages) > 0:
		c.cfg.Log.ReplaceAll(messages)
	case err == nil:
		// Empty history is not an error: show the greeting.
		c.cfg.Log.ReplaceAll(c.greeting())
	case len(fallback) > 0:
		c.cfg.Log.ReplaceAll(fallback)
	default:
		// Fetch failed and no local copy: the log stays as it was.
	}

	c.switchHistoryDone = true
	c.maybeFinishSwitchLocked()
	c.mu.Unlock()

	if err != nil {
		log.Printf("chat: history load failed for session %s: %v", sessionID, err)
		c.notify(Notice{Code: apperrors.GetCode(err), Text: "Could not load the conversation history."})
	}
}

// greeting builds the seed log for a session without history.
func (c *Controller) greeting() []Message {
	if c.cfg.Greeting == "" {
		return nil
	}
	return []Message{{
		ID:        c.newID(),
		Content:   c.cfg.Greeting,
		Sender:    SenderAssistant,
		Timestamp: c.now(),
	}}
}

// Disconnect tears the controller down. The no-reconnect flag is set
// before the handle is closed - the other order would let the close
// event race the reconnect guard and schedule a useless attempt.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.noReconnect = true
	c.closed = true
	c.bumpEpochLocked()
	c.stopTimerLocked()
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.reason = ReasonShutdown
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	log.Printf("chat: controller shut down")
}

// bumpEpochLocked invalidates all outstanding deferred completions.
func (c *Controller) bumpEpochLocked() uint64 {
	c.epoch++
	return c.epoch
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// resetPolicyLocked rearms the bounded reconnect policy: a fixed delay
// per attempt, capped at a small maximum attempt count.
func (c *Controller) resetPolicyLocked() {
	c.policy = backoff.WithMaxRetries(
		backoff.NewConstantBackOff(c.cfg.ReconnectDelay),
		uint64(c.cfg.ReconnectMaxAttempts),
	)
	c.policy.Reset()
	c.attempt = 0
}

func (c *Controller) notify(n Notice) {
	if c.cfg.OnNotice != nil {
		c.cfg.OnNotice(n)
	}
}
