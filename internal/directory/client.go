// Package directory talks to the session directory REST API: creating
// chat sessions, loading their persisted message history and deleting
// them. It is a plain request/response client; the streaming side lives
// in the transport package.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/vakta-ai/chatcore/internal/auth"
	"github.com/vakta-ai/chatcore/internal/chat"
	apperrors "github.com/vakta-ai/chatcore/internal/errors"
)

// requestTimeout bounds each directory call.
const requestTimeout = 15 * time.Second

// SessionStatus is the lifecycle state of a directory session.
type SessionStatus string

const (
	StatusPending SessionStatus = "pending"
	StatusActive  SessionStatus = "active"
	StatusEnded   SessionStatus = "ended"
)

// Session is a directory entry for one conversation thread.
// Identity is immutable once assigned by the backend.
type Session struct {
	ID         string        `json:"chat_id"`
	DocumentID string        `json:"document_id,omitempty"`
	Title      string        `json:"title"`
	Status     SessionStatus `json:"status"`
}

// Client is the session directory REST client.
type Client struct {
	baseURL string
	httpc   *http.Client
	tokens  auth.TokenProvider
}

// NewClient creates a directory client for the given API base URL.
func NewClient(baseURL string, tokens auth.TokenProvider) *Client {
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: requestTimeout},
		tokens:  tokens,
	}
}

// CreateSession creates a new chat session, optionally bound to a
// knowledge document. Failures carry directory.create_failed; the caller
// must not retry beyond the lifecycle controller's policy.
func (c *Client) CreateSession(ctx context.Context, documentID, title string) (Session, error) {
	body := map[string]string{"title": title}
	if documentID != "" {
		body["document_id"] = documentID
	}

	var session Session
	if err := c.do(ctx, http.MethodPost, "/chat", body, &session); err != nil {
		return Session{}, apperrors.Wrap(apperrors.CodeDirectoryCreateFailed, "session could not be created", err)
	}
	if session.ID == "" {
		return Session{}, apperrors.New(apperrors.CodeDirectoryCreateFailed, "backend returned no chat_id")
	}
	return session, nil
}

// historyEntry is the wire shape of one persisted message.
type historyEntry struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
	Sender    string `json:"sender"`
	CreatedAt string `json:"created_at"`
	Citation  string `json:"citation,omitempty"`
}

// historyPage is the wire shape of a history response.
type historyPage struct {
	Messages []historyEntry `json:"messages"`
	Total    int            `json:"total"`
}

// History loads one page of persisted messages for a session, oldest
// first, plus the total count. A session with no messages yet yields an
// empty page and no error; only a failed fetch carries
// directory.fetch_failed.
func (c *Client) History(ctx context.Context, sessionID string, page, limit int) ([]chat.Message, int, error) {
	path := fmt.Sprintf("/chat/%s/full?page=%s&limit=%s",
		url.PathEscape(sessionID), strconv.Itoa(page), strconv.Itoa(limit))

	var result historyPage
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, 0, apperrors.Wrap(apperrors.CodeDirectoryFetchFailed, "history unavailable", err)
	}

	messages := make([]chat.Message, 0, len(result.Messages))
	for _, entry := range result.Messages {
		messages = append(messages, toMessage(entry))
	}
	return messages, result.Total, nil
}

// toMessage converts a wire history entry into a log message.
// Persisted messages are never streaming.
func toMessage(entry historyEntry) chat.Message {
	sender := chat.SenderAssistant
	if entry.Sender == string(chat.SenderUser) {
		sender = chat.SenderUser
	}

	ts := time.Time{}
	if entry.CreatedAt != "" {
		if parsed, err := time.Parse(time.RFC3339, entry.CreatedAt); err == nil {
			ts = parsed
		}
	}

	return chat.Message{
		ID:        entry.MessageID,
		Content:   entry.Content,
		Sender:    sender,
		Timestamp: ts,
		Metadata:  chat.Metadata{Citation: entry.Citation},
	}
}

// RenameSession updates a session's title.
func (c *Client) RenameSession(ctx context.Context, sessionID, title string) error {
	path := "/chat/" + url.PathEscape(sessionID)
	if err := c.do(ctx, http.MethodPut, path, map[string]string{"title": title}, nil); err != nil {
		return apperrors.Wrap(apperrors.CodeDirectoryRenameFailed, "session rename failed", err)
	}
	return nil
}

// DeleteSession removes a session and its history. Deleting a session
// that no longer exists is not an error; the call is idempotent.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	path := "/chat/" + url.PathEscape(sessionID)
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if err == nil || isNotFound(err) {
		return nil
	}
	return apperrors.Wrap(apperrors.CodeDirectoryDeleteFailed, "session delete failed", err)
}

// statusError reports a non-2xx response.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	if e.body != "" {
		return fmt.Sprintf("status %d: %s", e.status, e.body)
	}
	return fmt.Sprintf("status %d", e.status)
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.status == http.StatusNotFound
}

// do performs one authenticated request and decodes the JSON response
// into out (when out is non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Read a short prefix of the body for the error message.
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{status: resp.StatusCode, body: string(bytes.TrimSpace(data))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(apperrors.CodeDirectoryBadResponse, "undecodable response body", err)
	}
	return nil
}
