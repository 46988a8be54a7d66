package credentials

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// --- Stamp ---

func TestStamp_DerivesExpiresAt(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rec := Record{AccessToken: "tok", ExpiresIn: 1200}

	rec.Stamp(now, SafetyMargin)

	assert.Equal(t, now.Unix(), rec.ObtainedAt)
	assert.Equal(t, now.Unix()+1200-30, rec.ExpiresAt)
}

func TestStamp_RecomputesOnEveryCall(t *testing.T) {
	rec := Record{AccessToken: "tok", ExpiresIn: 600}

	first := time.Unix(1_700_000_000, 0)
	rec.Stamp(first, SafetyMargin)
	firstExpiry := rec.ExpiresAt

	second := first.Add(500 * time.Second)
	rec.Stamp(second, SafetyMargin)

	assert.Equal(t, firstExpiry+500, rec.ExpiresAt, "expires_at follows obtained_at")
}

func TestStamp_NoLifetime_ClearsExpiresAt(t *testing.T) {
	rec := Record{AccessToken: "tok", ExpiresAt: 99999}

	rec.Stamp(time.Unix(1_700_000_000, 0), SafetyMargin)

	assert.Zero(t, rec.ExpiresAt, "server-supplied expires_at is never trusted")
	assert.False(t, rec.HasExpiry())
}

// --- MergeFrom ---

func TestMergeFrom_PreservesRefreshToken(t *testing.T) {
	prev := &Record{AccessToken: "old", RefreshToken: "ref-keep"}
	rec := Record{AccessToken: "new"}

	rec.MergeFrom(prev)

	assert.Equal(t, "ref-keep", rec.RefreshToken)
}

func TestMergeFrom_NewRefreshTokenWins(t *testing.T) {
	prev := &Record{RefreshToken: "ref-old"}
	rec := Record{AccessToken: "new", RefreshToken: "ref-new"}

	rec.MergeFrom(prev)

	assert.Equal(t, "ref-new", rec.RefreshToken)
}

func TestMergeFrom_PreservesEnvironment(t *testing.T) {
	prev := &Record{Environment: "live"}
	rec := Record{AccessToken: "new"}

	rec.MergeFrom(prev)

	assert.Equal(t, "live", rec.Environment)
}

func TestMergeFrom_NilPrevious(t *testing.T) {
	rec := Record{AccessToken: "new"}
	rec.MergeFrom(nil)

	assert.Equal(t, "new", rec.AccessToken)
	assert.Empty(t, rec.RefreshToken)
}

// --- expiry queries ---

func TestExpiresWithin(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name      string
		expiresAt int64
		margin    time.Duration
		want      bool
	}{
		{"well before expiry", now.Unix() + 600, 120 * time.Second, false},
		{"inside margin", now.Unix() + 60, 120 * time.Second, true},
		{"exactly at margin", now.Unix() + 120, 120 * time.Second, true},
		{"already expired", now.Unix() - 10, 120 * time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := Record{ExpiresAt: tt.expiresAt}
			assert.Equal(t, tt.want, rec.ExpiresWithin(now, tt.margin))
		})
	}
}

func TestTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rec := Record{ExpiresAt: now.Unix() + 90}

	assert.Equal(t, 90*time.Second, rec.TTL(now))
}
