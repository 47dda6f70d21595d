package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/vakta-ai/chatcore/internal/chat"
)

// printInterval is how often the printer checks the log for messages
// that finished since the last pass.
const printInterval = 150 * time.Millisecond

// printer follows the message log and writes each message once it is
// complete. Streamed replies are printed whole when their stream stops;
// rendering partial deltas line by line would make a scrolling terminal
// unreadable.
type printer struct {
	log *chat.Log
	out io.Writer

	mu   sync.Mutex
	seen map[string]bool

	stopCh chan struct{}
	doneCh chan struct{}
}

func newPrinter(msgLog *chat.Log, out io.Writer) *printer {
	return &printer{
		log:    msgLog,
		out:    out,
		seen:   make(map[string]bool),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (p *printer) start() {
	go func() {
		defer close(p.doneCh)
		ticker := time.NewTicker(printInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				p.flush()
				return
			case <-ticker.C:
				p.flush()
			}
		}
	}()
}

func (p *printer) stop() {
	close(p.stopCh)
	<-p.doneCh
}

// markSeen suppresses a message the user already saw (their own input).
func (p *printer) markSeen(id string) {
	p.mu.Lock()
	p.seen[id] = true
	p.mu.Unlock()
}

func (p *printer) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, msg := range p.log.Snapshot() {
		if msg.Streaming || p.seen[msg.ID] {
			continue
		}
		p.seen[msg.ID] = true

		label := "you"
		if msg.Sender == chat.SenderAssistant {
			label = "vakta"
		}
		suffix := ""
		if msg.Metadata.Interrupted {
			suffix = " [interrupted]"
		}
		fmt.Fprintf(p.out, "%s> %s%s\n", label, msg.Content, suffix)
		if msg.Metadata.Citation != "" {
			fmt.Fprintf(p.out, "       source: %s\n", msg.Metadata.Citation)
		}
	}
}
