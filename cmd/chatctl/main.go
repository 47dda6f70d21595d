package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0" ./cmd/chatctl
var Version = "dev"

const usage = `chatctl - terminal client for the Vakta document chat

Usage:
  chatctl <command> [options]

Commands:
  chat                     Start an interactive chat (new session)
  chat --session <id>      Resume an existing session
  chat --doc <id>          Chat about a specific knowledge document
  sessions list            List locally known sessions
  sessions show <id>       Print a session's archived messages
  sessions rename <id> <title>  Rename a session
  sessions delete <id>     Delete a session

Run 'chatctl <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "chat":
		return runChat(args[2:], stdin, stdout, stderr)
	case "sessions":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: chatctl sessions <list|show|rename|delete>")
			return 1
		}
		switch args[2] {
		case "list":
			return runSessionsList(args[3:], stdout, stderr)
		case "show":
			return runSessionsShow(args[3:], stdout, stderr)
		case "rename":
			return runSessionsRename(args[3:], stdout, stderr)
		case "delete":
			return runSessionsDelete(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown sessions command: %s\n", args[2])
			return 1
		}
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "chatctl %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
