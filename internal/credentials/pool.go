package credentials

import (
	"context"
	"fmt"
	"sync"

	"github.com/haasonsaas/relay/pkg/models"
)

// poolState tracks per-pool selection state. Sticky affinity and usage
// counts are process-local; they reset on restart, which only shifts
// which account a caller lands on.
type poolState struct {
	mu     sync.Mutex
	next   int
	uses   map[string]int
	sticky map[string]string
}

// authenticatePool selects an account from the pool and authenticates
// its credential file. With fallback "cycle" a failing account is
// skipped and the next one tried; with "error" the first failure
// surfaces.
func (m *Manager) authenticatePool(ctx context.Context, pool *models.PoolCredential, stickyKey string) (*AuthResult, error) {
	if pool == nil || len(pool.AccountIDs) == 0 {
		return nil, fmt.Errorf("credentials: pool has no accounts")
	}

	state := m.poolState(pool.PoolID)
	order := state.selectionOrder(pool, stickyKey)

	var lastErr error
	for _, accountID := range order {
		path, err := m.store.Path(accountID)
		if err != nil {
			lastErr = err
		} else if res, err := m.authenticatePath(ctx, path, stickyKey); err == nil {
			state.recordUse(pool, stickyKey, accountID)
			if res.AccountID == "" {
				res.AccountID = accountID
			}
			return res, nil
		} else {
			lastErr = err
		}
		if pool.Fallback != models.PoolFallbackCycle {
			break
		}
		m.logger.Warn("pool account failed, cycling to next",
			"pool_id", pool.PoolID, "account_id", accountID, "error", lastErr)
	}
	return nil, fmt.Errorf("credentials: pool %s exhausted: %w", pool.PoolID, lastErr)
}

func (m *Manager) poolState(poolID string) *poolState {
	actual, _ := m.pools.LoadOrStore(poolID, &poolState{
		uses:   make(map[string]int),
		sticky: make(map[string]string),
	})
	return actual.(*poolState)
}

// selectionOrder returns the accounts to try, preferred first.
func (s *poolState) selectionOrder(pool *models.PoolCredential, stickyKey string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	accounts := pool.AccountIDs
	var first string

	switch pool.Strategy {
	case models.PoolSticky:
		if stickyKey != "" {
			if pinned, ok := s.sticky[stickyKey]; ok && contains(accounts, pinned) {
				first = pinned
			}
		}
		if first == "" {
			first = accounts[0]
		}
	case models.PoolLeastUsed:
		first = accounts[0]
		for _, id := range accounts[1:] {
			if s.uses[id] < s.uses[first] {
				first = id
			}
		}
	default: // round-robin
		first = accounts[s.next%len(accounts)]
		s.next++
	}

	order := make([]string, 0, len(accounts))
	order = append(order, first)
	for _, id := range accounts {
		if id != first {
			order = append(order, id)
		}
	}
	return order
}

func (s *poolState) recordUse(pool *models.PoolCredential, stickyKey, accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uses[accountID]++
	if pool.Strategy == models.PoolSticky && stickyKey != "" {
		s.sticky[stickyKey] = accountID
	}
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
