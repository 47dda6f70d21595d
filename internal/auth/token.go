// Package auth supplies bearer tokens for the chat backend.
//
// The portal backend authenticates both the REST directory and the streaming
// socket with the same bearer token. This package only covers the supplying
// side: where the token comes from and how it is refreshed. Verification is
// the backend's job.
package auth

import (
	"fmt"
	"os"
	"strings"

	apperrors "github.com/vakta-ai/chatcore/internal/errors"
)

// TokenProvider yields the bearer token to attach to backend requests.
// Implementations must be safe for concurrent use.
type TokenProvider interface {
	// Token returns the current token. An empty token with a nil error
	// means the backend runs without authentication and callers should
	// skip the Authorization header.
	Token() (string, error)
}

// StaticToken is a TokenProvider backed by a fixed string.
type StaticToken string

// Token implements TokenProvider.
func (s StaticToken) Token() (string, error) {
	if s == "" {
		return "", apperrors.New(apperrors.CodeAuthTokenMissing, "no token configured")
	}
	return string(s), nil
}

// FileToken reads the token from a file on every call, so externally
// rotated tokens are picked up without a restart.
type FileToken struct {
	Path string
}

// Token implements TokenProvider. Surrounding whitespace is trimmed.
func (f FileToken) Token() (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeAuthTokenMissing,
			fmt.Sprintf("reading token file %s", f.Path), err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", apperrors.New(apperrors.CodeAuthTokenMissing,
			fmt.Sprintf("token file %s is empty", f.Path))
	}
	return token, nil
}

// None is a TokenProvider for backends that run without authentication
// (local development). It always returns an empty token with no error,
// and callers skip the Authorization header in that case.
type None struct{}

// Token implements TokenProvider.
func (None) Token() (string, error) {
	return "", nil
}

// FromConfig picks the provider matching the configured token source.
// An explicit token wins over a token file; with neither, auth is disabled.
func FromConfig(token, tokenFile string) TokenProvider {
	if token != "" {
		return StaticToken(token)
	}
	if tokenFile != "" {
		return FileToken{Path: tokenFile}
	}
	return None{}
}
