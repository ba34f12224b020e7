package dispatch

import (
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// DomainUsage is the aggregate for one domain since process start.
// Last-writer-wins per field; exactness is not required here, the
// durable numbers live in the store.
type DomainUsage struct {
	Domain              string    `json:"domain"`
	InputTokens         int64     `json:"input_tokens"`
	OutputTokens        int64     `json:"output_tokens"`
	CacheCreationTokens int64     `json:"cache_creation_tokens"`
	CacheReadTokens     int64     `json:"cache_read_tokens"`
	InferenceRequests   int64     `json:"inference_requests"`
	EvaluationRequests  int64     `json:"evaluation_requests"`
	ToolCalls           int64     `json:"tool_calls"`
	LastRequestAt       time.Time `json:"last_request_at"`
}

// TokenTracker keeps per-domain usage aggregates in memory for the
// usage endpoint.
type TokenTracker struct {
	mu      sync.RWMutex
	domains map[string]*DomainUsage
}

// NewTokenTracker creates an empty tracker.
func NewTokenTracker() *TokenTracker {
	return &TokenTracker{domains: make(map[string]*DomainUsage)}
}

// Record folds one finished request into the domain aggregate.
func (t *TokenTracker) Record(domain string, requestType models.RequestType, usage models.Usage, toolCalls int, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	agg, ok := t.domains[domain]
	if !ok {
		agg = &DomainUsage{Domain: domain}
		t.domains[domain] = agg
	}
	agg.InputTokens += int64(usage.InputTokens)
	agg.OutputTokens += int64(usage.OutputTokens)
	agg.CacheCreationTokens += int64(usage.CacheCreationTokens)
	agg.CacheReadTokens += int64(usage.CacheReadTokens)
	agg.ToolCalls += int64(toolCalls)
	if requestType == models.TypeQueryEvaluation {
		agg.EvaluationRequests++
	} else {
		agg.InferenceRequests++
	}
	if at.After(agg.LastRequestAt) {
		agg.LastRequestAt = at
	}
}

// Snapshot returns the aggregates sorted by domain.
func (t *TokenTracker) Snapshot() []DomainUsage {
	t.mu.RLock()
	out := make([]DomainUsage, 0, len(t.domains))
	for _, agg := range t.domains {
		out = append(out, *agg)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// Domain returns a single domain's aggregate, zero-valued when unseen.
func (t *TokenTracker) Domain(domain string) DomainUsage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if agg, ok := t.domains[domain]; ok {
		return *agg
	}
	return DomainUsage{Domain: domain}
}
