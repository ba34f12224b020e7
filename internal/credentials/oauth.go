package credentials

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/authhandler"

	"github.com/haasonsaas/relay/pkg/models"
)

// OAuth endpoints for the upstream provider's console flow.
const (
	oauthClientID      = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	oauthAuthEndpoint  = "https://claude.ai/oauth/authorize"
	oauthRedirectURI   = "https://console.anthropic.com/oauth/code/callback"
	oauthTokenEndpoint = "https://console.anthropic.com/v1/oauth/token"
)

// tokenResponse is the token endpoint's reply for both the code
// exchange and the refresh grant.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	Account      struct {
		UUID         string `json:"uuid"`
		EmailAddress string `json:"email_address"`
	} `json:"account"`
}

// Refresher exchanges refresh tokens for fresh access tokens.
type Refresher struct {
	httpClient *http.Client
	tokenURL   string
}

// NewRefresher creates a refresher. A nil client uses a 30s-timeout
// default; an empty tokenURL uses the production endpoint.
func NewRefresher(client *http.Client, tokenURL string) *Refresher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if tokenURL == "" {
		tokenURL = oauthTokenEndpoint
	}
	return &Refresher{httpClient: client, tokenURL: tokenURL}
}

// Refresh performs the refresh_token grant and returns the replacement
// credential. The account ID carries over when the endpoint omits it.
func (r *Refresher) Refresh(ctx context.Context, cred *models.OAuthCredential) (*models.OAuthCredential, error) {
	if cred == nil || cred.RefreshToken == "" {
		return nil, fmt.Errorf("credentials: oauth credential has no refresh token")
	}

	payload, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     oauthClientID,
		"refresh_token": cred.RefreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("credentials: marshal refresh payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("credentials: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("credentials: refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("credentials: read refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("credentials: refresh failed with status %d: %s", resp.StatusCode, string(body))
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("credentials: parse refresh response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("credentials: refresh response carried no access token")
	}

	refreshed := &models.OAuthCredential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(token.ExpiresIn) * time.Second).UnixMilli(),
		AccountID:    cred.AccountID,
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = cred.RefreshToken
	}
	if token.Account.UUID != "" {
		refreshed.AccountID = token.Account.UUID
	}
	return refreshed, nil
}

// GenerateAuthURL builds the PKCE authorization URL for onboarding a
// new OAuth credential. The returned verifier must be kept for the
// code exchange.
func GenerateAuthURL() (authURL, verifier string, err error) {
	pkce := generatePKCE()

	query := url.Values{
		"client_id":             {oauthClientID},
		"redirect_uri":          {oauthRedirectURI},
		"response_type":         {"code"},
		"code":                  {"true"},
		"code_challenge":        {pkce.Challenge},
		"code_challenge_method": {pkce.ChallengeMethod},
		"scope":                 {strings.Join([]string{"user:inference", "user:profile"}, " ")},
		"state":                 {pkce.Verifier},
	}

	u, err := url.Parse(oauthAuthEndpoint)
	if err != nil {
		return "", "", fmt.Errorf("credentials: parse auth endpoint: %w", err)
	}
	u.RawQuery = query.Encode()
	return u.String(), pkce.Verifier, nil
}

func generatePKCE() *authhandler.PKCEParams {
	verifier := randomToken(32)
	sum := sha256.Sum256([]byte(verifier))
	return &authhandler.PKCEParams{
		Challenge:       base64.RawURLEncoding.EncodeToString(sum[:]),
		ChallengeMethod: "S256",
		Verifier:        verifier,
	}
}

func randomToken(n int) string {
	data := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, data); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(data)
}
