// Command wsprobe is a raw debugging client for the chat socket. It
// dials the streaming endpoint for one session, optionally sends a
// single message, and dumps every decoded frame until interrupted.
// Usage: go run ./cmd/wsprobe [--config path] [--send text] <session-id>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/vakta-ai/chatcore/internal/auth"
	"github.com/vakta-ai/chatcore/internal/config"
	"github.com/vakta-ai/chatcore/internal/protocol"
	"github.com/vakta-ai/chatcore/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "Config file path")
	send := flag.String("send", "", "Message to send after the socket opens")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: wsprobe [--config path] [--send text] <session-id>")
		os.Exit(1)
	}
	sessionID := flag.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Dialing %s for session %s...\n", cfg.SocketURL, sessionID)
	conn, err := transport.Dial(context.Background(), transport.Config{
		SocketURL: cfg.SocketURL,
		Tokens:    auth.FromConfig(cfg.Token, cfg.TokenFile),
	}, sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	frameCount := 0
	for {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				fmt.Printf("Total frames received: %d\n", frameCount)
				return
			}
			switch ev.Kind {
			case transport.EventOpen:
				fmt.Println("Connected! Waiting for frames...")
				if *send != "" {
					frame := protocol.Upload{
						MT:               protocol.MTMessageUpload,
						Message:          *send,
						UserID:           cfg.UserID,
						ChatID:           sessionID,
						Timezone:         cfg.Timezone,
						SelectedLanguage: cfg.Language,
						UseWebSearch:     cfg.UseWebSearch,
					}
					if err := conn.Send(frame); err != nil {
						fmt.Fprintf(os.Stderr, "Send failed: %v\n", err)
					}
				}
			case transport.EventFrame:
				frameCount++
				printFrame(frameCount, ev.Frame)
			case transport.EventClosed:
				fmt.Printf("Closed by peer (code=%d clean=%v)\n", ev.Code, ev.WasClean)
			case transport.EventErrored:
				fmt.Printf("Connection error: %v\n", ev.Err)
			}
		case <-interrupt:
			fmt.Println("Interrupted")
			conn.Close()
		}
	}
}

func printFrame(n int, frame protocol.Frame) {
	switch f := frame.(type) {
	case protocol.BotPartial:
		fmt.Printf("[%d] mt=%s message_id=%s start=%v final=%v delta=%q\n",
			n, f.Kind(), f.MessageID, f.IsStart, f.IsFinal, f.Delta)
	case protocol.UploadConfirm:
		fmt.Printf("[%d] mt=%s message_id=%s message=%q\n", n, f.Kind(), f.MessageID, f.Message)
	case protocol.ThinkingIndicator:
		fmt.Printf("[%d] mt=%s active=%v\n", n, f.Kind(), f.Active)
	case protocol.ErrorFrame:
		fmt.Printf("[%d] mt=%s code=%s message=%q\n", n, f.Kind(), f.Code, f.Message)
	default:
		fmt.Printf("[%d] mt=%s\n", n, frame.Kind())
	}
}
