package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/vakta-ai/chatcore/internal/archive"
	"github.com/vakta-ai/chatcore/internal/auth"
	"github.com/vakta-ai/chatcore/internal/chat"
	"github.com/vakta-ai/chatcore/internal/config"
	"github.com/vakta-ai/chatcore/internal/directory"
)

func runSessionsList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sessions list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Config file path")
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	store, err := archive.Open(cfg.ArchivePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	sessions, err := store.ListSessions()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(sessions) == 0 {
		fmt.Fprintln(stdout, "No sessions yet. Start one with 'chatctl chat'.")
		return 0
	}

	fmt.Fprintf(stdout, "%-36s  %-24s  %-10s  %s\n", "ID", "TITLE", "STATUS", "LAST ACTIVE")
	for _, session := range sessions {
		fmt.Fprintf(stdout, "%-36s  %-24s  %-10s  %s\n",
			session.ID,
			truncate(session.Title, 24),
			session.Status,
			session.LastActive.Format("2006-01-02 15:04"),
		)
	}
	return 0
}

func runSessionsShow(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sessions show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Config file path")
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: chatctl sessions show <session-id>")
		return 1
	}
	id := fs.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	store, err := archive.Open(cfg.ArchivePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	session, err := store.GetSession(id)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "%s (%s)\n\n", session.Title, session.ID)

	messages, err := store.Messages(id, 0)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	for _, msg := range messages {
		label := "you"
		if msg.Sender == chat.SenderAssistant {
			label = "vakta"
		}
		fmt.Fprintf(stdout, "%s> %s\n", label, msg.Content)
	}
	return 0
}

func runSessionsRename(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sessions rename", flag.ContinueOnError)
	configPath := fs.String("config", "", "Config file path")
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(stderr, "Usage: chatctl sessions rename <session-id> <title>")
		return 1
	}
	id, title := fs.Arg(0), fs.Arg(1)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: invalid configuration: %v\n", err)
		return 1
	}

	dir := directory.NewClient(cfg.APIBaseURL, auth.FromConfig(cfg.Token, cfg.TokenFile))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := dir.RenameSession(ctx, id, title); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	// Best effort: keep the local mirror in step with the backend.
	if store, err := archive.Open(cfg.ArchivePath); err == nil {
		if session, err := store.GetSession(id); err == nil {
			session.Title = title
			store.SaveSession(session)
		}
		store.Close()
	}

	fmt.Fprintf(stdout, "Renamed %s to %q\n", id, title)
	return 0
}

func runSessionsDelete(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sessions delete", flag.ContinueOnError)
	configPath := fs.String("config", "", "Config file path")
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: chatctl sessions delete <session-id>")
		return 1
	}
	id := fs.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: invalid configuration: %v\n", err)
		return 1
	}

	dir := directory.NewClient(cfg.APIBaseURL, auth.FromConfig(cfg.Token, cfg.TokenFile))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := dir.DeleteSession(ctx, id); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if store, err := archive.Open(cfg.ArchivePath); err == nil {
		store.DeleteSession(id)
		store.Close()
	}

	fmt.Fprintf(stdout, "Deleted %s\n", id)
	return 0
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
