package chat

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/vakta-ai/chatcore/internal/protocol"
)

// SimulatedNotice is the placeholder reply appended when no working
// transport exists. It is an explicit, observable fallback: the user
// sees that the assistant is unreachable instead of a silent failure.
const SimulatedNotice = "I can't reach the assistant right now, so this is a simulated reply. " +
	"Your message was saved and the conversation will resume once the connection is back."

// SendOptions tweaks a single send. Zero values fall back to the
// dispatcher's configured defaults.
type SendOptions struct {
	// UseWebSearch overrides the configured web-search default.
	UseWebSearch *bool

	// Language overrides the configured reply language.
	Language string
}

// DispatcherConfig wires the dispatcher.
type DispatcherConfig struct {
	Controller *Controller
	Log        *Log

	// Archive is optional; completed messages are mirrored into it.
	Archive Archive

	// AutoTarget is the session target used when a message is sent
	// before any session exists.
	AutoTarget SessionTarget

	// Identity and locale stamped onto every outbound frame.
	UserID       string
	Language     string
	Timezone     string
	UseWebSearch bool

	// SimulatedDelay is how long a simulated reply takes to appear.
	SimulatedDelay time.Duration

	// SendRate and SendBurst bound outbound writes. Zero values
	// disable limiting.
	SendRate  float64
	SendBurst int
}

// Dispatcher serializes user messages into protocol frames and writes
// them to the active connection, falling back to a local simulated reply
// when no transport is available. It only ever appends to the message
// log; it never reorders it.
type Dispatcher struct {
	cfg     DispatcherConfig
	limiter *rate.Limiter

	newID func() string
	now   func() time.Time
}

// NewDispatcher creates a dispatcher bound to a controller and log.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.SimulatedDelay <= 0 {
		cfg.SimulatedDelay = 1200 * time.Millisecond
	}

	var limiter *rate.Limiter
	if cfg.SendRate > 0 {
		burst := cfg.SendBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), burst)
	}

	return &Dispatcher{
		cfg:     cfg,
		limiter: limiter,
		newID:   func() string { return uuid.New().String() },
		now:     time.Now,
	}
}

// Send submits one user message. It never fails: the optimistic echo is
// appended to the log regardless of transport state, and when nothing
// can be written to the backend a simulated reply is scheduled instead.
func (d *Dispatcher) Send(ctx context.Context, text string, opts SendOptions) {
	echo := Message{
		ID:        d.newID(),
		Content:   text,
		Sender:    SenderUser,
		Timestamp: d.now(),
	}
	d.cfg.Log.Append(echo)

	// Make sure a session resolution is underway. The controller
	// guards against concurrent createSession calls, so racing sends
	// are safe here.
	d.cfg.Controller.EnsureSession(ctx, d.cfg.AutoTarget)

	sessionID := d.cfg.Controller.SessionID()
	if d.cfg.Archive != nil && sessionID != "" {
		if err := d.cfg.Archive.SaveMessage(sessionID, echo); err != nil {
			log.Printf("dispatch: archiving user message failed: %v", err)
		}
	}

	conn, ok := d.cfg.Controller.ActiveConn()
	if !ok {
		d.simulate(sessionID)
		return
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			log.Printf("dispatch: rate limiter wait aborted: %v", err)
			d.simulate(sessionID)
			return
		}
	}

	useWebSearch := d.cfg.UseWebSearch
	if opts.UseWebSearch != nil {
		useWebSearch = *opts.UseWebSearch
	}
	language := d.cfg.Language
	if opts.Language != "" {
		language = opts.Language
	}

	frame := protocol.Upload{
		MT:               protocol.MTMessageUpload,
		Message:          text,
		UserID:           d.cfg.UserID,
		ChatID:           conn.SessionID(),
		DocumentID:       d.cfg.Controller.DocumentID(),
		Timezone:         d.cfg.Timezone,
		SelectedLanguage: language,
		UseWebSearch:     useWebSearch,
	}

	if err := conn.Send(frame); err != nil {
		// The connection died between the check and the write. The
		// controller will notice via the terminal event; this message
		// still gets a visible (simulated) answer.
		log.Printf("dispatch: send failed: %v", err)
		d.simulate(sessionID)
	}
}

// simulate schedules the local placeholder reply after the fixed delay.
func (d *Dispatcher) simulate(sessionID string) {
	time.AfterFunc(d.cfg.SimulatedDelay, func() {
		reply := Message{
			ID:        d.newID(),
			Content:   SimulatedNotice,
			Sender:    SenderAssistant,
			Timestamp: d.now(),
			Metadata:  Metadata{Simulated: true},
		}
		d.cfg.Log.Append(reply)

		if d.cfg.Archive != nil && sessionID != "" {
			if err := d.cfg.Archive.SaveMessage(sessionID, reply); err != nil {
				log.Printf("dispatch: archiving simulated reply failed: %v", err)
			}
		}
	})
}
