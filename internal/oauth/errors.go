package oauth

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Flow-level sentinel errors.
var (
	// ErrStateMismatch means the callback carried a state value that does
	// not match the one generated for this attempt. Proceeding would let a
	// forged callback inject an attacker's authorization code, so the
	// attempt is always aborted.
	ErrStateMismatch = errors.New("authorization callback state mismatch")

	// ErrCallbackTimeout means the automatic-mode listener saw no matching
	// callback before its deadline. The attempt is abandoned but a new
	// flow may be started.
	ErrCallbackTimeout = errors.New("no authorization callback before deadline")

	// ErrNoCode means a callback or pasted redirect carried no
	// authorization code.
	ErrNoCode = errors.New("authorization callback has no code parameter")

	// ErrNoRefreshToken means a refresh was attempted on a record that
	// never received a refresh token.
	ErrNoRefreshToken = errors.New("credential record has no refresh token")
)

// DeniedError reports that the user or the authorization server declined
// the authorization request.
type DeniedError struct {
	Code        string
	Description string
}

func (e *DeniedError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("authorization denied: %s: %s", e.Code, e.Description)
	}

	return fmt.Sprintf("authorization denied: %s", e.Code)
}

// ExchangeError reports a non-2xx response from the token endpoint. Status
// and body are preserved for operator diagnosis; the daemon logs them and
// keeps retrying rather than dying on a flaky endpoint.
type ExchangeError struct {
	GrantType string
	Status    int
	Body      string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("%s grant rejected: status %d: %s", e.GrantType, e.Status, e.Body)
}

// sanitizeBody truncates and cleans a token endpoint response body for
// inclusion in errors and logs. Limits to 512 bytes and replaces control
// characters to prevent log injection.
func sanitizeBody(body []byte) string {
	const maxLen = 512
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
