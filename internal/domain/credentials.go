package domain

import (
	"context"
	"time"
)

// SessionCredentials is the auction-site session captured by the browser
// extension. Token is opaque to the core.
type SessionCredentials struct {
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expiresAt"`
	RefreshedAt time.Time `json:"refreshedAt"`
}

// Expired reports whether the credentials' expiry estimate has passed.
// A zero ExpiresAt means unknown and is treated as not expired.
func (c SessionCredentials) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// String redacts the token for logging.
func (c SessionCredentials) String() string {
	if len(c.Token) <= 4 {
		return "SessionCredentials{token=****}"
	}
	return "SessionCredentials{token=" + c.Token[:4] + "****}"
}

// CredentialStore persists encrypted session credentials.
type CredentialStore interface {
	SaveCredentials(ctx context.Context, creds SessionCredentials) error
	LoadCredentials(ctx context.Context) (SessionCredentials, error)
}
