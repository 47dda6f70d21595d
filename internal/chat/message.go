// Package chat implements the real-time chat session manager: the ordered
// message log, streamed-reply assembly, outbound dispatch and the session
// lifecycle state machine that owns the single-connection invariant.
package chat

import (
	"sync"
	"time"
)

// Sender identifies who produced a message.
type Sender string

const (
	// SenderUser marks messages typed by the portal user.
	SenderUser Sender = "user"

	// SenderAssistant marks replies from the remote assistant.
	SenderAssistant Sender = "assistant"
)

// Metadata carries per-message details outside the content itself.
type Metadata struct {
	// StreamToken is the protocol correlation token for streamed replies.
	StreamToken string

	// Citation names the knowledge source backing an assistant reply.
	Citation string

	// ErrorCode is set when the message reports a delivery problem.
	ErrorCode string

	// Simulated marks locally synthesized replies (no working transport).
	Simulated bool

	// Interrupted marks a streamed reply whose connection closed before
	// the stream-stop arrived. Content is whatever had been assembled.
	Interrupted bool
}

// Message is one entry in the session's message log.
// Content is mutable only while Streaming is true; once a stream stops
// the message is immutable.
type Message struct {
	ID        string
	Content   string
	Sender    Sender
	Timestamp time.Time
	Streaming bool
	Metadata  Metadata
}

// Log is the ordered, mutable message list for one session.
//
// Messages are appended in arrival order and never reordered or
// deduplicated after insertion; the only bulk mutation is ReplaceAll,
// used when persisted history is loaded. The log is owned by the
// assembler and the dispatcher (append paths); everything else reads
// snapshots.
type Log struct {
	mu       sync.Mutex
	messages []Message
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{}
}

// Append adds a message to the end of the log.
func (l *Log) Append(msg Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

// AppendDelta extends the content of the streaming message with the given
// id. It reports false when the message is absent or no longer streaming;
// a finished message is never mutated.
func (l *Log) AppendDelta(id, delta string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.messages) - 1; i >= 0; i-- {
		if l.messages[i].ID == id {
			if !l.messages[i].Streaming {
				return false
			}
			l.messages[i].Content += delta
			return true
		}
	}
	return false
}

// FinishStream marks the streaming message with the given id as complete
// and merges its final metadata. After this call the content is immutable.
// Reports false when the message is absent or already finished.
func (l *Log) FinishStream(id string, merge func(*Metadata)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.messages) - 1; i >= 0; i-- {
		if l.messages[i].ID == id {
			if !l.messages[i].Streaming {
				return false
			}
			l.messages[i].Streaming = false
			if merge != nil {
				merge(&l.messages[i].Metadata)
			}
			return true
		}
	}
	return false
}

// ReplaceAll swaps the entire log for the given messages. This is the
// history-load operation; the slice is copied, the caller keeps ownership.
func (l *Log) ReplaceAll(msgs []Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = make([]Message, len(msgs))
	copy(l.messages, msgs)
}

// Snapshot returns a copy of the current log. The UI layer reads
// snapshots only and never mutates messages directly.
func (l *Log) Snapshot() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Len returns the number of messages in the log.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

// Last returns the most recent message and true, or a zero message and
// false when the log is empty.
func (l *Log) Last() (Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.messages) == 0 {
		return Message{}, false
	}
	return l.messages[len(l.messages)-1], true
}
