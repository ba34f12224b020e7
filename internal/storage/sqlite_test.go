package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/conversation"
	"github.com/haasonsaas/relay/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:", Options{}, nil)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func saveRecord(t *testing.T, store *Store, rec models.RequestRecord) {
	t.Helper()
	if rec.Type == "" {
		rec.Type = models.TypeInference
	}
	if rec.BranchID == "" {
		rec.BranchID = models.BranchMain
	}
	if err := store.SaveRequest(context.Background(), &rec); err != nil {
		t.Fatalf("saving record %s: %v", rec.RequestID, err)
	}
}

func TestSaveAndFetchByID(t *testing.T) {
	store := openTestStore(t)
	now := time.Now().Truncate(time.Millisecond)

	saveRecord(t, store, models.RequestRecord{
		RequestID:          "req-1",
		Domain:             "acme",
		Timestamp:          now,
		Model:              "claude-sonnet-4",
		CurrentMessageHash: "hash-current",
		ConversationID:     "conv-1",
		BranchID:           "main",
		Status:             models.StatusCompleted,
	})

	parent, err := store.requestByID(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parent == nil || parent.ConversationID != "conv-1" || parent.CurrentMessageHash != "hash-current" {
		t.Errorf("roundtrip mismatch: %+v", parent)
	}
	if !parent.Timestamp.Equal(now) {
		t.Errorf("timestamp not preserved: %v vs %v", parent.Timestamp, now)
	}

	missing, err := store.requestByID(context.Background(), "nope")
	if err != nil || missing != nil {
		t.Errorf("missing id must be (nil, nil), got (%v, %v)", missing, err)
	}
}

func TestQueryParents_FiltersAndOrdering(t *testing.T) {
	store := openTestStore(t)
	base := time.Now()

	for i := 0; i < 3; i++ {
		saveRecord(t, store, models.RequestRecord{
			RequestID:          fmt.Sprintf("req-%d", i),
			Domain:             "acme",
			Timestamp:          base.Add(time.Duration(i) * time.Minute),
			CurrentMessageHash: "shared-hash",
			SystemHash:         "sys-1",
			ConversationID:     "conv-1",
		})
	}
	saveRecord(t, store, models.RequestRecord{
		RequestID:          "req-other-domain",
		Domain:             "umbrella",
		Timestamp:          base,
		CurrentMessageHash: "shared-hash",
	})

	results, err := store.queryParents(context.Background(), conversation.QueryCriteria{
		Domain:             "acme",
		CurrentMessageHash: "shared-hash",
		ExcludeRequestID:   "req-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	// Descending timestamp: req-2 before req-0; req-1 excluded.
	if results[0].RequestID != "req-2" || results[1].RequestID != "req-0" {
		t.Errorf("ordering wrong: %s, %s", results[0].RequestID, results[1].RequestID)
	}

	// System hash filter narrows to nothing.
	results, err = store.queryParents(context.Background(), conversation.QueryCriteria{
		Domain:             "acme",
		CurrentMessageHash: "shared-hash",
		SystemHash:         "sys-unknown",
	})
	if err != nil || len(results) != 0 {
		t.Errorf("system filter failed: (%v, %v)", results, err)
	}

	// BeforeTimestamp is exclusive.
	results, err = store.queryParents(context.Background(), conversation.QueryCriteria{
		Domain:          "acme",
		BeforeTimestamp: base.Add(time.Minute),
	})
	if err != nil || len(results) != 1 || results[0].RequestID != "req-0" {
		t.Errorf("before filter failed: (%+v, %v)", results, err)
	}
}

func TestCompactSearch_PrefixWithinWindow(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()

	body, _ := json.Marshal(map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": "We Debugged The Cache Layer and then some more detail."},
		},
	})
	saveRecord(t, store, models.RequestRecord{
		RequestID:      "req-old",
		Domain:         "acme",
		Timestamp:      now.Add(-48 * time.Hour),
		ConversationID: "conv-1",
		ResponseBody:   body,
	})

	parent, err := store.compactSearch(context.Background(), "acme",
		"we debugged the cache layer", now.Add(-7*24*time.Hour), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parent == nil || parent.RequestID != "req-old" {
		t.Errorf("prefix match failed: %+v", parent)
	}

	// Outside the window.
	parent, err = store.compactSearch(context.Background(), "acme",
		"we debugged the cache layer", now.Add(-24*time.Hour), now)
	if err != nil || parent != nil {
		t.Errorf("stale response must not match: (%+v, %v)", parent, err)
	}

	// LIKE metacharacters in the summary must be literal.
	parent, err = store.compactSearch(context.Background(), "acme",
		"100% different_summary", now.Add(-7*24*time.Hour), now)
	if err != nil || parent != nil {
		t.Errorf("metacharacters must not wildcard-match: (%+v, %v)", parent, err)
	}
}

func TestSubtaskQueryAndSequence(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()

	body, _ := json.Marshal(map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": "Spawning workers."},
			{"type": "tool_use", "id": "tu_1", "name": "Task", "input": map[string]any{"prompt": "analyze the logs"}},
			{"type": "tool_use", "id": "tu_2", "name": "Task", "input": map[string]any{"prompt": "summarize findings"}},
			{"type": "tool_use", "id": "tu_3", "name": "bash", "input": map[string]any{"command": "ls"}},
		},
	})
	saveRecord(t, store, models.RequestRecord{
		RequestID:      "req-task",
		Domain:         "acme",
		Timestamp:      now.Add(-time.Minute),
		ConversationID: "conv-1",
		ResponseBody:   body,
	})

	// Only Task tool_use blocks become invocations.
	all, err := store.subtaskQuery(context.Background(), "acme", now, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 invocations, got %d", len(all))
	}

	filtered, err := store.subtaskQuery(context.Background(), "acme", now, "analyze the logs")
	if err != nil || len(filtered) != 1 || filtered[0].ToolUseID != "tu_1" {
		t.Errorf("prompt filter failed: (%+v, %v)", filtered, err)
	}

	// Sequence scan over subtask_N branches.
	saveRecord(t, store, models.RequestRecord{
		RequestID: "req-sub-2", Domain: "acme", Timestamp: now.Add(-30 * time.Second),
		ConversationID: "conv-1", BranchID: "subtask_2",
	})
	saveRecord(t, store, models.RequestRecord{
		RequestID: "req-sub-10", Domain: "acme", Timestamp: now.Add(-20 * time.Second),
		ConversationID: "conv-1", BranchID: "subtask_10",
	})
	saveRecord(t, store, models.RequestRecord{
		RequestID: "req-branch", Domain: "acme", Timestamp: now.Add(-10 * time.Second),
		ConversationID: "conv-1", BranchID: "branch_20250301103045",
	})

	max, err := store.subtaskSequence(context.Background(), "conv-1", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if max != 10 {
		t.Errorf("max subtask sequence = %d, want 10", max)
	}

	max, err = store.subtaskSequence(context.Background(), "conv-unknown", now)
	if err != nil || max != 0 {
		t.Errorf("unknown conversation must yield 0: (%d, %v)", max, err)
	}
}

func TestLinkerOverSQLiteExecutors(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()

	msgs := []models.Message{
		{Role: models.RoleUser, Content: models.MessageContent{IsText: true, Text: "first"}},
		{Role: models.RoleAssistant, Content: models.MessageContent{IsText: true, Text: "reply"}},
		{Role: models.RoleUser, Content: models.MessageContent{IsText: true, Text: "second"}},
	}

	linker := conversation.NewLinker(store.Executors(), nil)

	res, err := linker.Resolve(context.Background(), conversation.Input{
		Domain: "acme", Messages: msgs[:1], RequestID: "req-0", Timestamp: now.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	saveRecord(t, store, models.RequestRecord{
		RequestID:          "req-0",
		Domain:             "acme",
		Timestamp:          now.Add(-time.Minute),
		CurrentMessageHash: res.CurrentHash,
		ConversationID:     "conv-1",
		BranchID:           res.BranchID,
	})

	followup, err := linker.Resolve(context.Background(), conversation.Input{
		Domain: "acme", Messages: msgs, RequestID: "req-1", Timestamp: now,
	})
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if followup.ConversationID != "conv-1" || followup.ParentRequestID != "req-0" {
		t.Errorf("continuation not linked through sqlite executors: %+v", followup)
	}
	if followup.BranchID != models.BranchMain {
		t.Errorf("expected main branch, got %q", followup.BranchID)
	}
}
