package credentials

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/relay/internal/infra"
	"github.com/haasonsaas/relay/pkg/models"
)

// oauthBetaHeader is sent alongside OAuth bearer tokens.
const oauthBetaHeader = "oauth-2025-04-20"

// RefreshFunc exchanges an expired OAuth credential for a fresh one.
type RefreshFunc func(ctx context.Context, cred *models.OAuthCredential) (*models.OAuthCredential, error)

// ManagerConfig tunes the credential manager.
type ManagerConfig struct {
	// CacheTTL is the credential cache entry lifetime. Default 1h.
	CacheTTL time.Duration
	// CacheMaxSize bounds the cache, LRU by load time. Default 100.
	CacheMaxSize int
	// ExpirySkew refreshes tokens this long before their expiry.
	// Default 1m.
	ExpirySkew time.Duration
	// FailureCooldown rejects refresh attempts after a failure.
	// Default 5s.
	FailureCooldown time.Duration
	// StuckRefreshAfter reclaims an in-flight refresh that never
	// completed. Default 60s.
	StuckRefreshAfter time.Duration
	// DefaultAPIKey is the process-wide fallback key for personal
	// domains. Empty disables the last fallback step.
	DefaultAPIKey string
}

func (c *ManagerConfig) applyDefaults() {
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.CacheMaxSize <= 0 {
		c.CacheMaxSize = 100
	}
	if c.ExpirySkew <= 0 {
		c.ExpirySkew = time.Minute
	}
	if c.FailureCooldown <= 0 {
		c.FailureCooldown = 5 * time.Second
	}
	if c.StuckRefreshAfter <= 0 {
		c.StuckRefreshAfter = 60 * time.Second
	}
}

// AuthResult is the outcome of authenticating a domain: the headers to
// send upstream plus attribution fields.
type AuthResult struct {
	Type       string
	Headers    http.Header
	OpaqueKey  string
	AccountID  string
	BetaHeader string
}

// refreshCall is one in-flight refresh; concurrent callers block on
// done and share the result.
type refreshCall struct {
	done    chan struct{}
	cred    *models.OAuthCredential
	err     error
	started time.Time
}

type cooldownEntry struct {
	err   error
	until time.Time
}

// Manager resolves credentials per domain. Cached reads are lock-free
// within TTL; refreshes are serialized per credential path.
type Manager struct {
	store   *Store
	refresh RefreshFunc
	cache   *infra.TTLCache[string, *models.CredentialFile]
	cfg     ManagerConfig
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]*refreshCall
	cooldown map[string]*cooldownEntry

	loads infra.Group[string, *models.CredentialFile]

	pools sync.Map // pool_id -> *poolState

	attempts        atomic.Uint64
	successes       atomic.Uint64
	failures        atomic.Uint64
	concurrentWaits atomic.Uint64
	totalRefreshMs  atomic.Int64
}

// NewManager creates a manager over the store. A nil refresh function
// disables OAuth refresh (expired tokens surface as errors).
func NewManager(store *Store, refresh RefreshFunc, cfg ManagerConfig, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   store,
		refresh: refresh,
		cache: infra.NewTTLCache[string, *models.CredentialFile](infra.CacheConfig{
			DefaultTTL: cfg.CacheTTL,
			MaxSize:    cfg.CacheMaxSize,
		}),
		cfg:      cfg,
		logger:   logger,
		inflight: make(map[string]*refreshCall),
		cooldown: make(map[string]*cooldownEntry),
	}
}

// Authenticate resolves upstream credentials for a domain. Domains
// containing "personal" fall back to the inbound Authorization value
// and then the process default key; all other domains authenticate
// from their credential file alone.
func (m *Manager) Authenticate(ctx context.Context, domain, inboundAuthorization string) (*AuthResult, error) {
	path, err := m.store.Path(domain)
	if err != nil {
		return nil, err
	}

	res, domainErr := m.authenticatePath(ctx, path, "")
	if domainErr == nil {
		return res, nil
	}

	if !isPersonalDomain(domain) {
		return nil, domainErr
	}

	if token := bearerToken(inboundAuthorization); token != "" {
		headers := http.Header{}
		headers.Set("Authorization", "Bearer "+token)
		return &AuthResult{
			Type:      models.CredentialAPIKey,
			Headers:   headers,
			OpaqueKey: opaqueKey(token),
		}, nil
	}

	if m.cfg.DefaultAPIKey != "" {
		headers := http.Header{}
		headers.Set("x-api-key", m.cfg.DefaultAPIKey)
		return &AuthResult{
			Type:      models.CredentialAPIKey,
			Headers:   headers,
			OpaqueKey: opaqueKey(m.cfg.DefaultAPIKey),
		}, nil
	}

	return nil, domainErr
}

// CredentialFile returns the (possibly cached) credential file for a
// domain without building auth headers. Used by the dispatcher for the
// per-domain Slack block.
func (m *Manager) CredentialFile(domain string) (*models.CredentialFile, error) {
	path, err := m.store.Path(domain)
	if err != nil {
		return nil, err
	}
	return m.load(path)
}

// Invalidate drops the cached credential for a path.
func (m *Manager) Invalidate(path string) {
	m.cache.Delete(path)
}

// InvalidateDomain drops the cached credential for a domain.
func (m *Manager) InvalidateDomain(domain string) {
	if path, err := m.store.Path(domain); err == nil {
		m.cache.Delete(path)
	}
}

// load resolves a credential file, cache first. Concurrent misses for
// the same path share one disk read.
func (m *Manager) load(path string) (*models.CredentialFile, error) {
	if cred, ok := m.cache.Get(path); ok {
		return cred, nil
	}
	cred, err, _ := m.loads.Do(path, func() (*models.CredentialFile, error) {
		cred, err := m.store.LoadPath(path)
		if err != nil {
			return nil, err
		}
		m.cache.Set(path, cred)
		return cred, nil
	})
	return cred, err
}

// authenticatePath builds an AuthResult from one credential file.
// stickyKey carries the pool affinity key when recursing from a pool.
func (m *Manager) authenticatePath(ctx context.Context, path, stickyKey string) (*AuthResult, error) {
	cred, err := m.load(path)
	if err != nil {
		return nil, err
	}

	switch cred.Type {
	case models.CredentialAPIKey:
		headers := http.Header{}
		headers.Set("x-api-key", cred.APIKey)
		return &AuthResult{
			Type:      models.CredentialAPIKey,
			Headers:   headers,
			OpaqueKey: opaqueKey(cred.APIKey),
			AccountID: cred.AccountID,
		}, nil

	case models.CredentialOAuth:
		oauth := cred.OAuth
		if oauth.Expired(time.Now(), m.cfg.ExpirySkew) {
			refreshed, err := m.refreshPath(ctx, path, cred)
			if err != nil {
				return nil, err
			}
			oauth = refreshed
		}
		headers := http.Header{}
		headers.Set("Authorization", "Bearer "+oauth.AccessToken)
		accountID := oauth.AccountID
		if accountID == "" {
			accountID = cred.AccountID
		}
		return &AuthResult{
			Type:       models.CredentialOAuth,
			Headers:    headers,
			OpaqueKey:  opaqueKey(oauth.AccessToken),
			AccountID:  accountID,
			BetaHeader: oauthBetaHeader,
		}, nil

	case models.CredentialPool:
		return m.authenticatePool(ctx, cred.Pool, stickyKey)

	default:
		return nil, fmt.Errorf("credentials: unknown credential type %q in %s", cred.Type, path)
	}
}

// refreshPath runs the single-flight OAuth refresh for one credential
// path and persists the result.
func (m *Manager) refreshPath(ctx context.Context, path string, file *models.CredentialFile) (*models.OAuthCredential, error) {
	if m.refresh == nil {
		return nil, fmt.Errorf("credentials: oauth token expired and refresh is disabled")
	}
	if file.OAuth.RefreshToken == "" {
		return nil, fmt.Errorf("credentials: oauth token expired and no refresh token available")
	}

	for {
		m.mu.Lock()
		if entry, ok := m.cooldown[path]; ok {
			if time.Now().Before(entry.until) {
				err := entry.err
				m.mu.Unlock()
				return nil, fmt.Errorf("credentials: refresh in cooldown: %w", err)
			}
			delete(m.cooldown, path)
		}
		if call, ok := m.inflight[path]; ok {
			if time.Since(call.started) < m.cfg.StuckRefreshAfter {
				m.mu.Unlock()
				m.concurrentWaits.Add(1)
				select {
				case <-call.done:
					return call.cred, call.err
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			// Stuck refresh: reclaim the slot and start over.
			delete(m.inflight, path)
			m.logger.Warn("reclaiming stuck credential refresh",
				"path", path, "age", time.Since(call.started))
			m.mu.Unlock()
			continue
		}

		call := &refreshCall{done: make(chan struct{}), started: time.Now()}
		m.inflight[path] = call
		m.mu.Unlock()

		m.attempts.Add(1)
		start := time.Now()
		refreshed, err := m.refresh(ctx, file.OAuth)
		m.totalRefreshMs.Add(time.Since(start).Milliseconds())

		if err != nil {
			m.failures.Add(1)
		} else {
			m.successes.Add(1)
			m.commitRefreshed(path, file, refreshed)
		}

		m.mu.Lock()
		delete(m.inflight, path)
		if err != nil {
			m.cooldown[path] = &cooldownEntry{err: err, until: time.Now().Add(m.cfg.FailureCooldown)}
			m.scheduleCooldownSweep(path)
		}
		call.cred, call.err = refreshed, err
		close(call.done)
		m.mu.Unlock()

		return refreshed, err
	}
}

// commitRefreshed persists the refreshed token to disk and replaces the
// cached entry, so the next read does not hit the filesystem.
func (m *Manager) commitRefreshed(path string, file *models.CredentialFile, refreshed *models.OAuthCredential) {
	updated := *file
	updated.OAuth = refreshed
	if err := m.store.Save(path, &updated); err != nil {
		m.logger.Error("persisting refreshed credential failed", "path", path, "error", err)
	}
	m.cache.Set(path, &updated)
}

// scheduleCooldownSweep removes an expired cooldown entry so the map
// does not grow without bound. Caller holds mu.
func (m *Manager) scheduleCooldownSweep(path string) {
	time.AfterFunc(m.cfg.FailureCooldown+time.Second, func() {
		m.mu.Lock()
		if entry, ok := m.cooldown[path]; ok && !time.Now().Before(entry.until) {
			delete(m.cooldown, path)
		}
		m.mu.Unlock()
	})
}

// RefreshStats is a snapshot of refresh activity for the metrics
// endpoint.
type RefreshStats struct {
	Attempts        uint64
	Successes       uint64
	Failures        uint64
	ConcurrentWaits uint64
	TotalRefreshMs  int64
	Inflight        int
	Cooldowns       int
}

// Stats snapshots the refresh counters.
func (m *Manager) Stats() RefreshStats {
	m.mu.Lock()
	inflight := len(m.inflight)
	cooldowns := len(m.cooldown)
	m.mu.Unlock()
	return RefreshStats{
		Attempts:        m.attempts.Load(),
		Successes:       m.successes.Load(),
		Failures:        m.failures.Load(),
		ConcurrentWaits: m.concurrentWaits.Load(),
		TotalRefreshMs:  m.totalRefreshMs.Load(),
		Inflight:        inflight,
		Cooldowns:       cooldowns,
	}
}

// CacheStats exposes the credential cache counters.
func (m *Manager) CacheStats() infra.CacheStats {
	return m.cache.Stats()
}

func isPersonalDomain(domain string) bool {
	return strings.Contains(strings.ToLower(domain), "personal")
}

func bearerToken(authorization string) string {
	token, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// opaqueKey derives a stable non-reversible identifier from a secret,
// safe to log and to key pool stickiness on.
func opaqueKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:8])
}
