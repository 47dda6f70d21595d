package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vakta-ai/chatcore/internal/archive"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(append([]string{"chatctl"}, args...), strings.NewReader(""), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// writeConfig drops a config file into a temp dir and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestRunNoArgsPrintsUsage(t *testing.T) {
	code, stdout, _ := runCLI(t)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !strings.Contains(stdout, "Usage:") {
		t.Fatalf("usage not printed:\n%s", stdout)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	code, stdout, _ := runCLI(t, "frobnicate")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stdout, "Unknown command") {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestRunVersion(t *testing.T) {
	code, stdout, _ := runCLI(t, "--version")
	if code != 0 || !strings.Contains(stdout, "chatctl") {
		t.Fatalf("code = %d, stdout = %q", code, stdout)
	}
}

func TestSessionsListEmpty(t *testing.T) {
	configPath := writeConfig(t, `archive_path = ":memory:"`+"\n")

	code, stdout, stderr := runCLI(t, "sessions", "list", "--config", configPath)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr)
	}
	if !strings.Contains(stdout, "No sessions yet") {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestSessionsListShowsArchived(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "chat.db")
	store, err := archive.Open(dbPath)
	if err != nil {
		t.Fatalf("opening archive: %v", err)
	}
	if err := store.SaveSession(archive.Session{ID: "s1", Title: "Tax questions", Status: "active"}); err != nil {
		t.Fatalf("seeding session: %v", err)
	}
	store.Close()

	configPath := writeConfig(t, `archive_path = "`+dbPath+`"`+"\n")
	code, stdout, stderr := runCLI(t, "sessions", "list", "--config", configPath)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr)
	}
	if !strings.Contains(stdout, "s1") || !strings.Contains(stdout, "Tax questions") {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestSessionsRename(t *testing.T) {
	var gotMethod, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dbPath := filepath.Join(t.TempDir(), "chat.db")
	store, err := archive.Open(dbPath)
	if err != nil {
		t.Fatalf("opening archive: %v", err)
	}
	store.SaveSession(archive.Session{ID: "s1", Title: "Old title"})
	store.Close()

	configPath := writeConfig(t,
		`api_base_url = "`+server.URL+`"`+"\n"+
			`archive_path = "`+dbPath+`"`+"\n")

	code, stdout, stderr := runCLI(t, "sessions", "rename", "--config", configPath, "s1", "New title")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr)
	}
	if gotMethod != http.MethodPut || gotPath != "/chat/s1" {
		t.Fatalf("backend saw %s %s", gotMethod, gotPath)
	}
	if !strings.Contains(stdout, "New title") {
		t.Fatalf("stdout = %q", stdout)
	}

	// The local mirror follows the rename.
	store, err = archive.Open(dbPath)
	if err != nil {
		t.Fatalf("reopening archive: %v", err)
	}
	defer store.Close()
	session, err := store.GetSession("s1")
	if err != nil {
		t.Fatalf("reading mirrored session: %v", err)
	}
	if session.Title != "New title" {
		t.Fatalf("mirrored title = %q", session.Title)
	}
}

// TestSessionsDeleteGone pins delete idempotence end to end: a 404 from
// the backend is still a successful delete.
func TestSessionsDeleteGone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	configPath := writeConfig(t,
		`api_base_url = "`+server.URL+`"`+"\n"+
			`archive_path = ":memory:"`+"\n")

	code, stdout, stderr := runCLI(t, "sessions", "delete", "--config", configPath, "ghost")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr)
	}
	if !strings.Contains(stdout, "Deleted ghost") {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestSessionsShowMissing(t *testing.T) {
	configPath := writeConfig(t, `archive_path = ":memory:"`+"\n")

	code, _, stderr := runCLI(t, "sessions", "show", "--config", configPath, "nope")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "not found") {
		t.Fatalf("stderr = %q", stderr)
	}
}
