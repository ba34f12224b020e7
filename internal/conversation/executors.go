// Package conversation reconstructs the logical conversation graph
// across otherwise stateless inference requests: content-hash based
// parent resolution, branch naming, sub-task attribution, and
// compact-summary continuation detection.
//
// All store access goes through the Executors seam; the linker itself
// holds no state between calls and is unit-testable against in-memory
// fakes.
package conversation

import (
	"context"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// QueryCriteria filters stored requests. Zero values mean "no filter".
// Implementations must order results by descending timestamp, then
// descending request ID.
type QueryCriteria struct {
	Domain             string
	CurrentMessageHash string
	ParentMessageHash  string
	SystemHash         string
	ExcludeRequestID   string
	BeforeTimestamp    time.Time
	ConversationID     string
	Limit              int
}

// QueryExecutor finds stored requests matching the criteria.
type QueryExecutor func(ctx context.Context, criteria QueryCriteria) ([]models.ParentRequest, error)

// CompactSearchExecutor finds a prior request in the domain whose
// response's first text block starts with the lowercased summary,
// within [after, before].
type CompactSearchExecutor func(ctx context.Context, domain, normalizedSummary string, after, before time.Time) (*models.ParentRequest, error)

// RequestByIDExecutor fetches one stored request by ID.
type RequestByIDExecutor func(ctx context.Context, requestID string) (*models.ParentRequest, error)

// SubtaskQueryExecutor lists recent Task-tool invocations in the
// domain before the timestamp, optionally filtered to an exact prompt.
type SubtaskQueryExecutor func(ctx context.Context, domain string, timestamp time.Time, promptFilter string) ([]models.TaskInvocation, error)

// SubtaskSequenceExecutor returns the highest subtask_N sequence
// recorded in the conversation before the timestamp, 0 when none.
type SubtaskSequenceExecutor func(ctx context.Context, conversationID string, before time.Time) (int, error)

// Executors bundles the injected store access functions.
type Executors struct {
	Query           QueryExecutor
	CompactSearch   CompactSearchExecutor
	RequestByID     RequestByIDExecutor
	SubtaskQuery    SubtaskQueryExecutor
	SubtaskSequence SubtaskSequenceExecutor
}
