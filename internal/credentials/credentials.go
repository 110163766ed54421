// Package credentials obtains the API key used to open a transcription
// session.
//
// A recording never embeds a long-lived provider secret in the session
// configuration when it can avoid it: the [SonioxIssuer] mints a short-lived
// key from a master key, and the [HTTPIssuer] asks an application endpoint to
// do the same. [StaticIssuer] covers development setups that use a plain key.
// [Guarded] wraps any issuer with a circuit breaker and expiry validation.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrTokenExpired is returned when an issued token is already expired.
var ErrTokenExpired = errors.New("credentials: token already expired")

// ErrNoKey is returned when an issuer produced a token without an API key.
var ErrNoKey = errors.New("credentials: issuer returned no api key")

// Token is a credential for one transcription session.
type Token struct {
	// APIKey authenticates the streaming session.
	APIKey string

	// WebsocketURL overrides the provider's default endpoint when non-empty.
	WebsocketURL string

	// ExpiresAt is when the key stops being accepted. Zero means it does not
	// expire.
	ExpiresAt time.Time
}

// Expired reports whether t is no longer valid at now.
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Issuer produces session credentials.
//
// Implementations must be safe for concurrent use.
type Issuer interface {
	Issue(ctx context.Context) (Token, error)
}

// StaticIssuer always returns the same key.
type StaticIssuer struct {
	APIKey       string
	WebsocketURL string
}

// Issue implements [Issuer].
func (s StaticIssuer) Issue(context.Context) (Token, error) {
	if s.APIKey == "" {
		return Token{}, ErrNoKey
	}
	return Token{APIKey: s.APIKey, WebsocketURL: s.WebsocketURL}, nil
}

// StatusError is a non-2xx answer from a credential endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("credentials: endpoint returned status %d", e.Code)
	}
	return fmt.Sprintf("credentials: endpoint returned status %d: %s", e.Code, e.Body)
}

// Retryable reports whether the failure is on the server side (5xx or 429)
// rather than a rejected request.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == 429
}

// expiry decodes a timestamp given either as an RFC 3339 string or as epoch
// milliseconds.
type expiry time.Time

func (e *expiry) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		*e = expiry{}
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		if ms, err := strconv.ParseInt(str, 10, 64); err == nil {
			*e = expiry(time.UnixMilli(ms))
			return nil
		}
		t, err := time.Parse(time.RFC3339, str)
		if err != nil {
			return fmt.Errorf("credentials: parse expiry %q: %w", str, err)
		}
		*e = expiry(t)
		return nil
	}
	ms, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("credentials: parse expiry %s: %w", s, err)
	}
	*e = expiry(time.UnixMilli(int64(ms)))
	return nil
}
