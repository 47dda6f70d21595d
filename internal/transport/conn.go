// Package transport provides the streaming connection to the chat backend.
//
// A Conn is a single WebSocket connection bound at dial time to exactly one
// session id. Its lifecycle is strictly one-way: opening -> open ->
// closed/errored. Once the terminal event has been emitted the instance is
// dead; it is never redialed or reused, a fresh Conn must be constructed
// for any further attempt.
package transport

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	// gorilla/websocket is the most popular WebSocket library for Go.
	// It provides a complete implementation of the WebSocket protocol
	// with support for reading/writing messages, ping/pong, and close handling.
	"github.com/gorilla/websocket"

	"github.com/vakta-ai/chatcore/internal/auth"
	apperrors "github.com/vakta-ai/chatcore/internal/errors"
	"github.com/vakta-ai/chatcore/internal/protocol"
)

const (
	// handshakeTimeout bounds the WebSocket dial.
	handshakeTimeout = 10 * time.Second

	// writeTimeout bounds each write to prevent hanging on slow links.
	writeTimeout = 10 * time.Second

	// pongTimeout is how long we wait for a pong before declaring the
	// connection dead. Must exceed pingInterval.
	pongTimeout = 60 * time.Second

	// pingInterval is how often we ping to keep NAT/firewalls happy.
	pingInterval = 30 * time.Second

	// maxFrameSize caps inbound frames. Chat frames are small; anything
	// bigger indicates a broken or hostile peer.
	maxFrameSize = 512 * 1024

	// eventBufferSize is the capacity of the events channel. It absorbs
	// short bursts of inbound frames without blocking the read pump.
	eventBufferSize = 64
)

// EventKind classifies connection events.
type EventKind int

const (
	// EventOpen is emitted exactly once, after the dial succeeds.
	EventOpen EventKind = iota

	// EventFrame carries one decoded inbound frame.
	EventFrame

	// EventClosed is terminal: the peer closed the connection.
	EventClosed

	// EventErrored is terminal: the connection failed.
	EventErrored
)

// Event is one observable transition of a Conn. After EventClosed or
// EventErrored the events channel is closed and the Conn is dead.
type Event struct {
	Kind     EventKind
	Frame    protocol.Frame // set for EventFrame
	Code     int            // close code, set for EventClosed
	WasClean bool           // set for EventClosed
	Err      error          // set for EventErrored
}

// Config carries the dial parameters shared by all connections.
type Config struct {
	// SocketURL is the base socket URL; the session id is appended as
	// the final path segment.
	SocketURL string

	// Tokens supplies the bearer token attached to the dial request.
	Tokens auth.TokenProvider
}

// Conn is one live streaming connection bound to a single session id.
type Conn struct {
	sessionID string
	ws        *websocket.Conn
	events    chan Event

	// writeMu serializes data writes; gorilla allows at most one
	// concurrent writer (control frames excepted).
	writeMu sync.Mutex

	mu   sync.Mutex
	open bool

	closeOnce sync.Once
	done      chan struct{}
}

// Dial opens a connection bound to the given session id. On success the
// returned Conn has already emitted EventOpen on its events channel and
// its read pump is running.
func Dial(ctx context.Context, cfg Config, sessionID string) (*Conn, error) {
	target, err := socketURL(cfg.SocketURL, sessionID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeTransportDialFailed, "invalid socket url", err)
	}

	header := http.Header{}
	if cfg.Tokens != nil {
		token, err := cfg.Tokens.Token()
		if err != nil {
			return nil, err
		}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, apperrors.Wrap(apperrors.CodeTransportDialFailed,
				"dial rejected with status "+resp.Status, err)
		}
		return nil, apperrors.Wrap(apperrors.CodeTransportDialFailed, "dial failed", err)
	}

	c := &Conn{
		sessionID: sessionID,
		ws:        ws,
		events:    make(chan Event, eventBufferSize),
		open:      true,
		done:      make(chan struct{}),
	}

	c.events <- Event{Kind: EventOpen}
	go c.readPump()
	go c.pinger()

	log.Printf("transport: connected for session %s", sessionID)
	return c, nil
}

// socketURL joins the base socket URL and the session id.
func socketURL(base, sessionID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	return u.JoinPath(sessionID).String(), nil
}

// SessionID returns the session id this connection was opened for.
// The controller compares this tag against its authoritative session id
// when handling events; a mismatch means the connection is superseded.
func (c *Conn) SessionID() string {
	return c.sessionID
}

// Events returns the event stream. It yields EventOpen once, then zero
// or more EventFrame events, and is closed after exactly one terminal
// EventClosed or EventErrored.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Send encodes and writes a frame. It fails with transport.not_open once
// the connection is no longer open; the dispatcher checks transport state
// before calling, so this is a backstop, not a control path.
func (c *Conn) Send(frame protocol.Frame) error {
	c.mu.Lock()
	isOpen := c.open
	c.mu.Unlock()
	if !isOpen {
		return apperrors.New(apperrors.CodeTransportNotOpen, "connection is not open")
	}

	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return apperrors.Wrap(apperrors.CodeTransportSendFailed, "write failed", err)
	}
	return nil
}

// Close shuts the connection down deliberately. A close frame is sent on
// a best-effort basis; the read pump then emits the terminal event.
// Close is idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.open = false
		c.mu.Unlock()
		close(c.done)

		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		c.ws.Close()
	})
	return nil
}

// readPump reads inbound frames until the connection dies, then emits
// the terminal event and closes the events channel.
func (c *Conn) readPump() {
	defer close(c.events)

	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.open = false
			c.mu.Unlock()

			c.emitTerminal(err)
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			// Malformed or unknown frames are dropped, never fatal.
			log.Printf("transport: dropping frame for session %s: %v", c.sessionID, err)
			continue
		}

		c.events <- Event{Kind: EventFrame, Frame: frame}
	}
}

// emitTerminal classifies a read error into EventClosed or EventErrored.
func (c *Conn) emitTerminal(err error) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		wasClean := closeErr.Code == websocket.CloseNormalClosure ||
			closeErr.Code == websocket.CloseGoingAway
		log.Printf("transport: session %s closed (code=%d clean=%v)", c.sessionID, closeErr.Code, wasClean)
		c.events <- Event{Kind: EventClosed, Code: closeErr.Code, WasClean: wasClean}
		return
	}

	select {
	case <-c.done:
		// Deliberate local close; report it as a clean closure so the
		// controller's reconnect guard sees an expected shutdown.
		c.events <- Event{Kind: EventClosed, Code: websocket.CloseNormalClosure, WasClean: true}
	default:
		log.Printf("transport: session %s errored: %v", c.sessionID, err)
		c.events <- Event{Kind: EventErrored, Err: apperrors.Wrap(apperrors.CodeTransportClosed, "connection lost", err)}
	}
}

// pinger keeps the connection alive until it is closed.
func (c *Conn) pinger() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			// WriteControl is safe to call concurrently with WriteMessage.
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
