package chat

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vakta-ai/chatcore/internal/protocol"
)

// composingTTL bounds how long the composing indicator stays set without
// a follow-up frame. A lost stream or indicator-clear must not wedge the
// flag forever.
const composingTTL = 30 * time.Second

// pendingStream correlates a protocol stream token with the log message
// being assembled for it.
type pendingStream struct {
	messageID string
	startedAt time.Time
}

// Assembler converts inbound frames into mutations of the message log.
//
// It owns the pending-stream table: one entry per in-flight streamed
// reply, created on stream start and removed on stream stop. When the
// connection closes uncleanly the entries are discarded, not silently
// completed - the affected messages keep whatever content had arrived
// and are marked interrupted.
type Assembler struct {
	log *Log

	// mu guards pending and composingUntil. Frames arrive on the
	// controller loop, but Composing and PendingCount are read from
	// observer goroutines.
	mu sync.Mutex

	// pending maps stream correlation tokens to message ids.
	pending map[string]pendingStream

	// composingUntil is the expiry of the ephemeral composing flag.
	// Zero means not composing.
	composingUntil time.Time

	// now is a test seam for time injection.
	now func() time.Time

	// newID mints log message ids. Test seam; defaults to uuid.
	newID func() string
}

// NewAssembler creates an assembler writing into the given log.
func NewAssembler(msgLog *Log) *Assembler {
	return &Assembler{
		log:     msgLog,
		pending: make(map[string]pendingStream),
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}
}

// Apply routes one inbound frame to its handler. Unexpected frames are
// logged and dropped; Apply never panics on out-of-order delivery.
func (a *Assembler) Apply(frame protocol.Frame) {
	switch f := frame.(type) {
	case protocol.BotPartial:
		a.applyPartial(f)
	case protocol.UploadConfirm:
		a.applyConfirm(f)
	case protocol.ThinkingIndicator:
		a.applyThinking(f)
	case protocol.ErrorFrame:
		a.applyError(f)
	default:
		log.Printf("assembler: ignoring unexpected frame kind %s", frame.Kind())
	}
}

// applyPartial handles one step of a streamed reply. A frame may open the
// stream, extend it, and close it in any combination of its sub-fields.
func (a *Assembler) applyPartial(f protocol.BotPartial) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if f.IsStart {
		if _, exists := a.pending[f.MessageID]; exists {
			// Duplicate start for a live stream: keep the original entry
			// so already-assembled content is not orphaned.
			log.Printf("assembler: duplicate stream start for token %s", f.MessageID)
		} else {
			msg := Message{
				ID:        a.newID(),
				Sender:    SenderAssistant,
				Timestamp: a.now(),
				Streaming: true,
				Metadata:  Metadata{StreamToken: f.MessageID},
			}
			a.log.Append(msg)
			a.pending[f.MessageID] = pendingStream{messageID: msg.ID, startedAt: a.now()}
		}
		a.composingUntil = a.now().Add(composingTTL)
	}

	entry, ok := a.pending[f.MessageID]
	if !ok {
		// Out-of-order or post-discard delivery. Dropping the delta is
		// the contract: the stream's entry is gone, nothing to extend.
		log.Printf("assembler: no pending stream for token %s, dropping frame", f.MessageID)
		return
	}

	if f.Delta != "" {
		if !a.log.AppendDelta(entry.messageID, f.Delta) {
			log.Printf("assembler: message %s for token %s no longer streaming", entry.messageID, f.MessageID)
		}
	}

	if f.IsFinal {
		a.log.FinishStream(entry.messageID, func(m *Metadata) {
			if f.Citation != "" {
				m.Citation = f.Citation
			}
		})
		delete(a.pending, f.MessageID)
		a.composingUntil = time.Time{}
	}
}

// applyConfirm appends a fully-formed assistant message in one step.
// Duplicate confirms append twice on purpose: at-most-once delivery is
// not guaranteed by the transport, and deduplication belongs to the
// controller's correlation-id set, not the assembler.
func (a *Assembler) applyConfirm(f protocol.UploadConfirm) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ts := a.now()
	if f.CreatedAt != "" {
		if parsed, err := time.Parse(time.RFC3339, f.CreatedAt); err == nil {
			ts = parsed
		}
	}

	a.log.Append(Message{
		ID:        a.newID(),
		Content:   f.Message,
		Sender:    SenderAssistant,
		Timestamp: ts,
		Metadata:  Metadata{StreamToken: f.MessageID, Citation: f.Citation},
	})
	a.composingUntil = time.Time{}
}

func (a *Assembler) applyThinking(f protocol.ThinkingIndicator) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if f.Active {
		a.composingUntil = a.now().Add(composingTTL)
	} else {
		a.composingUntil = time.Time{}
	}
}

// applyError clears the composing flag. Backend errors never append to
// the message log; the controller surfaces them as ephemeral notices.
func (a *Assembler) applyError(f protocol.ErrorFrame) {
	a.mu.Lock()
	a.composingUntil = time.Time{}
	a.mu.Unlock()
	log.Printf("assembler: backend error (code=%s): %s", f.Code, f.Message)
}

// Composing reports whether the assistant is currently composing a reply.
func (a *Assembler) Composing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.composingUntil.IsZero() && a.now().Before(a.composingUntil)
}

// DiscardPending drops all pending stream entries, marking their
// messages as interrupted. Called when the connection closes uncleanly:
// the streams will never finish, and faking a stream stop (with final
// metadata we never received) would misrepresent the reply.
func (a *Assembler) DiscardPending() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for token, entry := range a.pending {
		a.log.FinishStream(entry.messageID, func(m *Metadata) {
			m.Interrupted = true
		})
		delete(a.pending, token)
	}
	a.composingUntil = time.Time{}
}

// PendingCount returns the number of in-flight streamed replies.
func (a *Assembler) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
