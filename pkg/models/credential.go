package models

import "time"

// Credential types found in per-domain credential files.
const (
	CredentialAPIKey = "api_key"
	CredentialOAuth  = "oauth"
	CredentialPool   = "pool"
)

// Pool selection strategies and fallback behavior.
const (
	PoolSticky     = "sticky"
	PoolLeastUsed  = "least-used"
	PoolRoundRobin = "round-robin"

	PoolFallbackError = "error"
	PoolFallbackCycle = "cycle"
)

// CredentialFile is the on-disk JSON shape of a tenant credential file
// (<domain>.credentials.json under the credentials directory).
type CredentialFile struct {
	Type         string           `json:"type"`
	APIKey       string           `json:"api_key,omitempty"`
	OAuth        *OAuthCredential `json:"oauth,omitempty"`
	Pool         *PoolCredential  `json:"pool,omitempty"`
	AccountID    string           `json:"accountId,omitempty"`
	ClientAPIKey string           `json:"client_api_key,omitempty"`
	Slack        *SlackConfig     `json:"slack,omitempty"`
}

// OAuthCredential is a refreshable token pair. ExpiresAt is
// milliseconds since the Unix epoch.
type OAuthCredential struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt"`
	AccountID    string `json:"accountId,omitempty"`
}

// Expired reports whether the access token is past (or within skew of)
// its expiry.
func (c *OAuthCredential) Expired(now time.Time, skew time.Duration) bool {
	if c == nil {
		return true
	}
	return now.Add(skew).UnixMilli() >= c.ExpiresAt
}

// PoolCredential shares a set of accounts between requests of one
// domain. Strategy selects the account per request; Fallback decides
// what happens when the selected account fails.
type PoolCredential struct {
	PoolID     string   `json:"pool_id"`
	AccountIDs []string `json:"account_ids"`
	Strategy   string   `json:"strategy,omitempty"`
	Fallback   string   `json:"fallback,omitempty"`
}

// SlackConfig routes completion notifications for a domain.
type SlackConfig struct {
	BotToken string `json:"bot_token,omitempty"`
	Channel  string `json:"channel,omitempty"`
}
