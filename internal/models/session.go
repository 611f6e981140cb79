// Package models defines types shared across internal packages.
package models

import "time"

// Session is an authenticated vendor session. Host is fixed at creation
// from the tier and never recomputed.
type Session struct {
	AccountID    int64         `json:"account_id"`
	AuthToken    string        `json:"auth_token"`
	RefreshToken string        `json:"refresh_token,omitempty"`
	Tier         string        `json:"tier"`
	Username     string        `json:"username"`
	Host         string        `json:"host"`
	HardwareID   string        `json:"hardware_id"`
	IssuedAt     time.Time     `json:"issued_at"`
	ExpiresIn    time.Duration `json:"expires_in"`
}

// HostForTier returns the REST host serving a tier.
func HostForTier(tier, vendorDomain string) string {
	return "rest-" + tier + "." + vendorDomain
}

// NewSession builds a session, deriving Host from tier.
func NewSession(accountID int64, tier, vendorDomain string) *Session {
	return &Session{
		AccountID: accountID,
		Tier:      tier,
		Host:      HostForTier(tier, vendorDomain),
	}
}

// BaseURL is the root of every authenticated REST call.
func (s *Session) BaseURL() string {
	return "https://" + s.Host
}

// Expired reports whether the access token's lifetime has elapsed at now.
// A zero ExpiresIn means the lifetime is unknown and never expires locally.
func (s *Session) Expired(now time.Time) bool {
	if s.ExpiresIn <= 0 {
		return false
	}

	return !now.Before(s.IssuedAt.Add(s.ExpiresIn))
}

// TokenSet holds third-party OAuth tokens. It is persisted as a single
// record so access token and expiry can never disagree on disk.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry"`
}

// NeedsRefresh reports whether the access token is within skew of expiry.
func (t *TokenSet) NeedsRefresh(now time.Time, skew time.Duration) bool {
	return now.After(t.Expiry.Add(-skew))
}
