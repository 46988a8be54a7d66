// Package credentials defines the persisted token record and its durable
// store. The store file is the single source of truth shared by the
// interactive login, the refresh daemon, and the token proxy; no component
// holds token state the others cannot observe.
package credentials

import "time"

// SafetyMargin is subtracted from the server-declared lifetime when
// deriving expires_at, absorbing clock skew and network latency between
// the token endpoint stamping expires_in and us reading the response.
const SafetyMargin = 30 * time.Second

// Record is the token set returned by the token endpoint plus derived
// expiry bookkeeping. It is the only entity ever written to disk.
type Record struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`

	// ExpiresIn is the lifetime in seconds the server declared at
	// issuance or refresh time.
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// ObtainedAt is the wall-clock epoch second this record was stamped,
	// taken when the token response arrived, not when the request left.
	ObtainedAt int64 `json:"obtained_at,omitempty"`

	// ExpiresAt is always recomputed locally as
	// obtained_at + expires_in - safety margin. A server-supplied value
	// is never trusted.
	ExpiresAt int64 `json:"expires_at,omitempty"`

	// Environment tags which backend ("live", "sim", ...) issued the
	// record, so a live daemon never silently refreshes a sim token.
	Environment string `json:"environment,omitempty"`
}

// Stamp records the issuance time and recomputes ExpiresAt from ExpiresIn.
// When the server declared no lifetime, ExpiresAt is cleared so readers
// treat the expiry as unknown rather than trusting stale bookkeeping.
func (r *Record) Stamp(now time.Time, margin time.Duration) {
	r.ObtainedAt = now.Unix()

	if r.ExpiresIn > 0 {
		r.ExpiresAt = r.ObtainedAt + r.ExpiresIn - int64(margin.Seconds())
	} else {
		r.ExpiresAt = 0
	}
}

// MergeFrom fills fields a refresh response may legitimately omit from the
// previous record. Token endpoints are allowed to leave refresh_token out
// of a refresh response, which means "keep using the old one" — it must
// never erase the stored value.
func (r *Record) MergeFrom(prev *Record) {
	if prev == nil {
		return
	}

	if r.RefreshToken == "" {
		r.RefreshToken = prev.RefreshToken
	}

	if r.Environment == "" {
		r.Environment = prev.Environment
	}
}

// HasExpiry reports whether the record carries usable expiry bookkeeping.
func (r *Record) HasExpiry() bool {
	return r.ExpiresAt > 0
}

// TTL returns the remaining lifetime relative to now. Negative when the
// record is already past its derived expiry.
func (r *Record) TTL(now time.Time) time.Duration {
	return time.Duration(r.ExpiresAt-now.Unix()) * time.Second
}

// ExpiresWithin reports whether the record expires inside the look-ahead
// window, i.e. now + margin >= expires_at.
func (r *Record) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return now.Unix()+int64(margin.Seconds()) >= r.ExpiresAt
}
