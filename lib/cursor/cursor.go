// Package cursor implements the opaque pagination cursor the routing API
// hands back to callers: a base64-encoded JSON envelope carrying the
// upstream "next" URL plus the filters the first page was served with,
// so a paging client cannot widen or redirect a query by tampering with
// the cursor.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Cursor is the decoded envelope. Filters is frozen at first-page time
// and echoed back unchanged on every subsequent page.
type Cursor struct {
	Next    string            `json:"next"`
	Filters map[string]string `json:"filters,omitempty"`
}

// Encode base64-encodes c as the opaque token callers pass back verbatim.
func Encode(c Cursor) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode parses an opaque cursor token and verifies that its embedded
// "next" URL's origin and path prefix match allowedBaseURL, refusing
// cursors that would otherwise let a caller redirect a page fetch to an
// arbitrary origin (SSRF guard, spec.md §6).
func Decode(token, allowedBaseURL string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor encoding: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor payload: %w", err)
	}
	if c.Next == "" {
		return Cursor{}, fmt.Errorf("cursor missing next URL")
	}
	if err := verifyOrigin(c.Next, allowedBaseURL); err != nil {
		return Cursor{}, err
	}
	return c, nil
}

func verifyOrigin(candidate, allowedBaseURL string) error {
	next, err := url.Parse(candidate)
	if err != nil {
		return fmt.Errorf("cursor next URL is invalid: %w", err)
	}
	base, err := url.Parse(allowedBaseURL)
	if err != nil {
		return fmt.Errorf("invalid allowed base URL %q: %w", allowedBaseURL, err)
	}
	if !next.IsAbs() || next.Scheme != base.Scheme || next.Host != base.Host {
		return fmt.Errorf("cursor next URL %q does not match the configured base origin", candidate)
	}
	basePath := strings.TrimRight(base.Path, "/")
	if !strings.HasPrefix(next.Path, basePath) {
		return fmt.Errorf("cursor next URL %q does not match the configured base path", candidate)
	}
	return nil
}
