package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/hashing"
	"github.com/haasonsaas/relay/pkg/models"
)

// ErrEmptyMessages is the one hard failure: a request with no messages
// cannot be linked.
var ErrEmptyMessages = errors.New("conversation: request has no messages")

// Literal markers for compact-summary continuation and summarization
// requests. These strings are part of the wire behavior; do not edit.
const (
	continuationMarker = "This session is being continued from a previous conversation that ran out of context"
	summaryMarker      = "The conversation is summarized below:"
	continueMarker     = "Please continue the conversation"

	summarizationSystemMarker = "You are a helpful AI assistant tasked with summarizing conversations"
)

// compactWindow bounds how far back a compact continuation may attach.
const compactWindow = 7 * 24 * time.Hour

// Input is one request to link.
type Input struct {
	Domain    string
	Messages  []models.Message
	System    *models.SystemPrompt
	RequestID string
	Timestamp time.Time
}

// Resolution is the linking outcome. An empty ConversationID means the
// request starts a new conversation and the caller allocates the ID.
type Resolution struct {
	ConversationID      string
	ParentRequestID     string
	BranchID            string
	CurrentHash         string
	ParentHash          string
	SystemHash          string
	IsSubtask           bool
	ParentTaskRequestID string
	SubtaskSequence     int
}

// Linker resolves conversation ancestry through injected executors.
// A Linker is stateless between calls; per-call scratch state lives on
// the stack of Resolve. Safe for concurrent use.
type Linker struct {
	exec   Executors
	logger *slog.Logger
}

// NewLinker creates a linker over the given executors.
func NewLinker(exec Executors, logger *slog.Logger) *Linker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Linker{exec: exec, logger: logger}
}

// Resolve links one request into the conversation graph. Executor
// failures are logged and degrade to "new conversation"; the only hard
// error is an empty message list.
func (l *Linker) Resolve(ctx context.Context, in Input) (*Resolution, error) {
	if len(in.Messages) == 0 {
		return nil, ErrEmptyMessages
	}

	hashes := hashing.ComputeHashes(in.Messages)
	sysHash, _ := hashing.SystemHash(in.System)

	res := &Resolution{
		CurrentHash: hashes.Current,
		SystemHash:  sysHash,
		BranchID:    models.BranchMain,
	}

	if len(in.Messages) == 1 && in.Messages[0].Role == models.RoleUser {
		text := userText(in.Messages[0])

		if done := l.resolveSubtask(ctx, in, text, res); done {
			return res, nil
		}
		if done := l.resolveCompact(ctx, in, text, res); done {
			return res, nil
		}
		// Fresh conversation on the trunk.
		return res, nil
	}

	// Multi-message: too short after dedup means we cannot have a parent.
	if hashes.DedupLen < 3 {
		return res, nil
	}
	res.ParentHash = hashes.Parent

	parent := l.resolveParent(ctx, in, hashes, sysHash)
	if parent == nil {
		return res, nil
	}

	// On a grandparent match the conversation and branch come from the
	// matched row while the computed hashes stay untouched.
	res.ConversationID = parent.ConversationID
	res.ParentRequestID = parent.RequestID
	res.BranchID = l.branchFor(ctx, in, parent)
	return res, nil
}

// resolveParent runs the ancestry lookups in priority order, taking the
// first non-empty result.
func (l *Linker) resolveParent(ctx context.Context, in Input, hashes hashing.HashSet, sysHash string) *models.ParentRequest {
	// Exact match first: parent hash plus system hash, only when a
	// system prompt is present.
	if sysHash != "" {
		if parent := l.queryFirst(ctx, QueryCriteria{
			Domain:             in.Domain,
			CurrentMessageHash: hashes.Parent,
			SystemHash:         sysHash,
			ExcludeRequestID:   in.RequestID,
			BeforeTimestamp:    in.Timestamp,
		}); parent != nil {
			return parent
		}
	}

	// Then by parent hash alone. Summarization requests (recognized by
	// their fixed system prompt) reach this lookup too, which is what
	// lets a summary attach to the session it summarizes.
	if parent := l.queryFirst(ctx, QueryCriteria{
		Domain:             in.Domain,
		CurrentMessageHash: hashes.Parent,
		ExcludeRequestID:   in.RequestID,
		BeforeTimestamp:    in.Timestamp,
	}); parent != nil {
		return parent
	}

	// Grandparent fallback for sequences long enough to have lost an
	// intermediate request.
	if hashes.DedupLen > 4 && hashes.Grandparent != "" {
		if parent := l.queryFirst(ctx, QueryCriteria{
			Domain:             in.Domain,
			CurrentMessageHash: hashes.Grandparent,
			ExcludeRequestID:   in.RequestID,
			BeforeTimestamp:    in.Timestamp,
		}); parent != nil {
			return parent
		}
	}

	return nil
}

// queryFirst returns the executor's first-ordered candidate, or nil on
// miss or error.
func (l *Linker) queryFirst(ctx context.Context, criteria QueryCriteria) *models.ParentRequest {
	if l.exec.Query == nil {
		return nil
	}
	results, err := l.exec.Query(ctx, criteria)
	if err != nil {
		l.logger.Error("parent query failed, treating as no match",
			"domain", criteria.Domain, "error", err)
		return nil
	}
	if len(results) == 0 {
		return nil
	}
	return &results[0]
}

// branchFor applies the branching rule for a resolved parent: compact
// branches are inherited unconditionally; a parent that already has
// another child opens a new timestamped branch; otherwise the parent's
// branch continues.
func (l *Linker) branchFor(ctx context.Context, in Input, parent *models.ParentRequest) string {
	if strings.HasPrefix(parent.BranchID, models.CompactBranchPrefix) {
		return parent.BranchID
	}

	siblings, err := l.exec.Query(ctx, QueryCriteria{
		ConversationID:    parent.ConversationID,
		ParentMessageHash: parent.CurrentMessageHash,
		ExcludeRequestID:  in.RequestID,
	})
	if err != nil {
		l.logger.Error("sibling query failed, reusing parent branch",
			"conversation_id", parent.ConversationID, "error", err)
		return parent.BranchID
	}
	if len(siblings) > 0 {
		return models.BranchPrefix + in.Timestamp.Format("20060102150405")
	}
	return parent.BranchID
}

// resolveSubtask attaches a single-message request to the Task-tool
// invocation that spawned it. Returns true when res was populated.
func (l *Linker) resolveSubtask(ctx context.Context, in Input, text string, res *Resolution) bool {
	if l.exec.SubtaskQuery == nil || l.exec.RequestByID == nil {
		return false
	}
	prompt := hashing.CleanText(text)
	if prompt == "" {
		return false
	}

	invocations, err := l.exec.SubtaskQuery(ctx, in.Domain, in.Timestamp, prompt)
	if err != nil {
		l.logger.Error("subtask query failed", "domain", in.Domain, "error", err)
		return false
	}
	if len(invocations) == 0 {
		return false
	}

	// Tie-breaking between colliding prompts follows the executor's
	// own ordering.
	chosen := invocations[0]

	parentReq, err := l.exec.RequestByID(ctx, chosen.RequestID)
	if err != nil || parentReq == nil {
		if err != nil {
			l.logger.Error("subtask parent lookup failed", "request_id", chosen.RequestID, "error", err)
		}
		return false
	}

	base := 0
	if l.exec.SubtaskSequence != nil {
		base, err = l.exec.SubtaskSequence(ctx, parentReq.ConversationID, in.Timestamp)
		if err != nil {
			l.logger.Error("subtask sequence query failed",
				"conversation_id", parentReq.ConversationID, "error", err)
			base = 0
		}
	}

	// k is the 1-based position of the chosen invocation among its
	// parent's matching invocations, ordered by time.
	k := subtaskOrdinal(invocations, chosen)

	res.ConversationID = parentReq.ConversationID
	res.ParentRequestID = parentReq.RequestID
	res.ParentTaskRequestID = chosen.RequestID
	res.IsSubtask = true
	res.SubtaskSequence = base + k
	res.BranchID = fmt.Sprintf("%s%d", models.SubtaskBranchPrefix, base+k)
	res.ParentHash = ""
	return true
}

// subtaskOrdinal returns the 1-based index of chosen among the
// invocations sharing its parent request, sorted by timestamp.
func subtaskOrdinal(invocations []models.TaskInvocation, chosen models.TaskInvocation) int {
	sameParent := make([]models.TaskInvocation, 0, len(invocations))
	for _, inv := range invocations {
		if inv.RequestID == chosen.RequestID {
			sameParent = append(sameParent, inv)
		}
	}
	sort.SliceStable(sameParent, func(i, j int) bool {
		return sameParent[i].Timestamp.Before(sameParent[j].Timestamp)
	})
	for i, inv := range sameParent {
		if inv.ToolUseID == chosen.ToolUseID {
			return i + 1
		}
	}
	return 1
}

// resolveCompact detects a summary continuation of a prior session and
// reattaches it on a compact branch. Returns true when res was
// populated.
func (l *Linker) resolveCompact(ctx context.Context, in Input, text string, res *Resolution) bool {
	if l.exec.CompactSearch == nil {
		return false
	}
	summary, ok := extractSummary(text)
	if !ok {
		return false
	}

	parent, err := l.exec.CompactSearch(ctx, in.Domain, summary,
		in.Timestamp.Add(-compactWindow), in.Timestamp)
	if err != nil {
		l.logger.Error("compact search failed", "domain", in.Domain, "error", err)
		return false
	}
	if parent == nil {
		return false
	}

	res.ConversationID = parent.ConversationID
	res.ParentRequestID = parent.RequestID
	res.ParentHash = parent.CurrentMessageHash
	res.BranchID = models.CompactBranchPrefix + in.Timestamp.Format("150405")
	return true
}

// extractSummary pulls the lowercased summary text out of a
// continuation prompt. Both literal markers must be present, the
// summary marker after the continuation marker.
func extractSummary(text string) (string, bool) {
	contIdx := strings.Index(text, continuationMarker)
	if contIdx < 0 {
		return "", false
	}
	rest := text[contIdx+len(continuationMarker):]
	sumIdx := strings.Index(rest, summaryMarker)
	if sumIdx < 0 {
		return "", false
	}
	summary := rest[sumIdx+len(summaryMarker):]
	if contIdx := strings.Index(summary, continueMarker); contIdx >= 0 {
		summary = summary[:contIdx]
	}
	summary = strings.TrimSpace(summary)
	summary = strings.TrimRight(summary, ".")
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", false
	}
	return strings.ToLower(summary), true
}

// userText extracts the plain text of a user message: bare string
// content as-is, block content as the text blocks joined by newlines.
func userText(msg models.Message) string {
	if msg.Content.IsText {
		return msg.Content.Text
	}
	parts := make([]string, 0, len(msg.Content.Blocks))
	for _, block := range msg.Content.Blocks {
		if block.Type == models.BlockText {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}
