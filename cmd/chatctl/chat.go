package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/vakta-ai/chatcore/internal/archive"
	"github.com/vakta-ai/chatcore/internal/auth"
	"github.com/vakta-ai/chatcore/internal/chat"
	"github.com/vakta-ai/chatcore/internal/config"
	"github.com/vakta-ai/chatcore/internal/directory"
	"github.com/vakta-ai/chatcore/internal/transport"
)

const chatUsage = `Usage: chatctl chat [options]

Starts an interactive chat. Messages are sent as you type them; replies
stream in as they arrive. Commands inside the chat:

  /switch <id>    Switch to another session
  /rename <title> Rename the current session
  /status         Show connection state
  /quit           Leave the chat

Options:
  --config <path>   Config file (default: ~/.vakta/chat.toml)
  --session <id>    Resume an existing session instead of creating one
  --doc <id>        Bind the new session to a knowledge document
  --title <title>   Title for the new session
  --user <id>       Override the configured user id
  --language <lang> Override the configured reply language
  --web-search      Ask the assistant to use web search
`

func runChat(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	configPath := fs.String("config", "", "Config file path")
	sessionID := fs.String("session", "", "Existing session id to resume")
	docID := fs.String("doc", "", "Knowledge document id for a new session")
	title := fs.String("title", "New chat", "Title for a new session")
	userID := fs.String("user", "", "User id override")
	language := fs.String("language", "", "Reply language override")
	webSearch := fs.Bool("web-search", false, "Enable web search")
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, chatUsage) }
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	// CLI flags take precedence over file values.
	if *userID != "" {
		cfg.UserID = *userID
	}
	if *language != "" {
		cfg.Language = *language
	}
	if *webSearch {
		cfg.UseWebSearch = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: invalid configuration: %v\n", err)
		return 1
	}

	tokens := auth.FromConfig(cfg.Token, cfg.TokenFile)
	dir := directory.NewClient(cfg.APIBaseURL, tokens)

	store, err := archive.Open(cfg.ArchivePath)
	if err != nil {
		// The archive is an optional mirror; chat works without it.
		fmt.Fprintf(stderr, "Warning: local archive unavailable: %v\n", err)
		store = nil
	} else {
		defer store.Close()
	}

	msgLog := chat.NewLog()
	assembler := chat.NewAssembler(msgLog)

	ctrlCfg := chat.ControllerConfig{
		Directory: directoryAdapter{dir},
		Dial: func(ctx context.Context, sessionID string) (chat.Conn, error) {
			conn, err := transport.Dial(ctx, transport.Config{
				SocketURL: cfg.SocketURL,
				Tokens:    tokens,
			}, sessionID)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		Log:                  msgLog,
		Assembler:            assembler,
		Greeting:             cfg.Greeting,
		HistoryPageSize:      cfg.HistoryPageSize,
		ReconnectDelay:       cfg.ReconnectDelay(),
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
		OnNotice: func(n chat.Notice) {
			fmt.Fprintf(stdout, "! %s\n", n.Text)
		},
	}
	if store != nil {
		ctrlCfg.Archive = store
		ctrlCfg.OnSessionResolved = func(info chat.SessionInfo) {
			store.SaveSession(archive.Session{
				ID:         info.ID,
				DocumentID: info.DocumentID,
				Title:      info.Title,
				Status:     info.Status,
			})
		}
	}
	controller := chat.NewController(ctrlCfg)
	defer controller.Disconnect()

	target := chat.NewSession(*docID, *title)
	if *sessionID != "" {
		target = chat.ExistingSession(*sessionID)
	}

	dispatcherCfg := chat.DispatcherConfig{
		Controller:     controller,
		Log:            msgLog,
		AutoTarget:     target,
		UserID:         cfg.UserID,
		Language:       cfg.Language,
		Timezone:       cfg.Timezone,
		UseWebSearch:   cfg.UseWebSearch,
		SimulatedDelay: cfg.SimulatedDelay(),
		SendRate:       cfg.SendRatePerSec,
		SendBurst:      cfg.SendBurst,
	}
	if store != nil {
		dispatcherCfg.Archive = store
	}
	dispatcher := chat.NewDispatcher(dispatcherCfg)

	controller.EnsureSession(context.Background(), target)

	p := newPrinter(msgLog, stdout)
	p.start()
	defer p.stop()

	fmt.Fprintln(stdout, "Connected to Vakta chat. Type a message, or /quit to leave.")

	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := runChatCommand(line, controller, assembler, dir, store, stdout, stderr); quit {
				return 0
			}
			continue
		}

		dispatcher.Send(context.Background(), line, chat.SendOptions{})
		// The echo was just appended; the user typed it, no need to
		// print it back.
		if last, ok := msgLog.Last(); ok && last.Sender == chat.SenderUser {
			p.markSeen(last.ID)
		}
	}
	return 0
}

// runChatCommand handles one /command line. It reports whether the chat
// loop should exit.
func runChatCommand(line string, controller *chat.Controller, assembler *chat.Assembler, dir *directory.Client, store *archive.Store, stdout, stderr io.Writer) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true

	case "/switch":
		if len(fields) != 2 {
			fmt.Fprintln(stderr, "Usage: /switch <session-id>")
			return false
		}
		controller.SwitchSession(context.Background(), fields[1])

	case "/rename":
		if len(fields) < 2 {
			fmt.Fprintln(stderr, "Usage: /rename <title>")
			return false
		}
		id := controller.SessionID()
		if id == "" {
			fmt.Fprintln(stderr, "No session to rename yet.")
			return false
		}
		newTitle := strings.Join(fields[1:], " ")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := dir.RenameSession(ctx, id, newTitle); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return false
		}
		if store != nil {
			if mirrored, err := store.GetSession(id); err == nil {
				mirrored.Title = newTitle
				store.SaveSession(mirrored)
			}
		}
		fmt.Fprintf(stdout, "Renamed session to %q\n", newTitle)

	case "/status":
		state, reason := controller.State()
		fmt.Fprintf(stdout, "session: %s  state: %s", orNone(controller.SessionID()), state)
		if reason != chat.ReasonNone {
			fmt.Fprintf(stdout, " (%s)", reason)
		}
		if controller.Simulated() {
			fmt.Fprint(stdout, "  [simulated replies]")
		}
		if assembler.Composing() {
			fmt.Fprint(stdout, "  [assistant is typing]")
		}
		fmt.Fprintln(stdout)

	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", fields[0])
	}
	return false
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// directoryAdapter narrows *directory.Client to the controller's view.
type directoryAdapter struct {
	client *directory.Client
}

func (a directoryAdapter) CreateSession(ctx context.Context, documentID, title string) (chat.SessionInfo, error) {
	session, err := a.client.CreateSession(ctx, documentID, title)
	if err != nil {
		return chat.SessionInfo{}, err
	}
	return chat.SessionInfo{
		ID:         session.ID,
		DocumentID: session.DocumentID,
		Title:      session.Title,
		Status:     string(session.Status),
	}, nil
}

func (a directoryAdapter) History(ctx context.Context, sessionID string, page, limit int) ([]chat.Message, int, error) {
	return a.client.History(ctx, sessionID, page, limit)
}
