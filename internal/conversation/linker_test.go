package conversation

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/hashing"
	"github.com/haasonsaas/relay/pkg/models"
)

var testNow = time.Date(2025, 3, 1, 10, 30, 45, 0, time.UTC)

func userMsg(text string) models.Message {
	return models.Message{Role: models.RoleUser, Content: models.MessageContent{IsText: true, Text: text}}
}

func asstMsg(text string) models.Message {
	return models.Message{Role: models.RoleAssistant, Content: models.MessageContent{IsText: true, Text: text}}
}

// fakeStore backs the executor seam with in-memory rows.
type fakeStore struct {
	rows        []models.RequestRecord
	invocations []models.TaskInvocation
	maxSeq      int
	compact     *models.ParentRequest
	gotSummary  string
	queryErr    error
}

func (f *fakeStore) executors() Executors {
	return Executors{
		Query: func(_ context.Context, c QueryCriteria) ([]models.ParentRequest, error) {
			if f.queryErr != nil {
				return nil, f.queryErr
			}
			var out []models.ParentRequest
			for _, row := range f.rows {
				if c.Domain != "" && row.Domain != c.Domain {
					continue
				}
				if c.CurrentMessageHash != "" && row.CurrentMessageHash != c.CurrentMessageHash {
					continue
				}
				if c.ParentMessageHash != "" && row.ParentMessageHash != c.ParentMessageHash {
					continue
				}
				if c.SystemHash != "" && row.SystemHash != c.SystemHash {
					continue
				}
				if c.ConversationID != "" && row.ConversationID != c.ConversationID {
					continue
				}
				if c.ExcludeRequestID != "" && row.RequestID == c.ExcludeRequestID {
					continue
				}
				if !c.BeforeTimestamp.IsZero() && !row.Timestamp.Before(c.BeforeTimestamp) {
					continue
				}
				out = append(out, models.ParentRequest{
					RequestID:          row.RequestID,
					ConversationID:     row.ConversationID,
					BranchID:           row.BranchID,
					CurrentMessageHash: row.CurrentMessageHash,
					SystemHash:         row.SystemHash,
					Timestamp:          row.Timestamp,
				})
			}
			sort.Slice(out, func(i, j int) bool {
				if !out[i].Timestamp.Equal(out[j].Timestamp) {
					return out[i].Timestamp.After(out[j].Timestamp)
				}
				return out[i].RequestID > out[j].RequestID
			})
			if c.Limit > 0 && len(out) > c.Limit {
				out = out[:c.Limit]
			}
			return out, nil
		},
		CompactSearch: func(_ context.Context, _, summary string, _, _ time.Time) (*models.ParentRequest, error) {
			f.gotSummary = summary
			return f.compact, nil
		},
		RequestByID: func(_ context.Context, id string) (*models.ParentRequest, error) {
			for _, row := range f.rows {
				if row.RequestID == id {
					return &models.ParentRequest{
						RequestID:          row.RequestID,
						ConversationID:     row.ConversationID,
						BranchID:           row.BranchID,
						CurrentMessageHash: row.CurrentMessageHash,
						Timestamp:          row.Timestamp,
					}, nil
				}
			}
			return nil, nil
		},
		SubtaskQuery: func(_ context.Context, _ string, _ time.Time, prompt string) ([]models.TaskInvocation, error) {
			var out []models.TaskInvocation
			for _, inv := range f.invocations {
				if prompt == "" || inv.Prompt == prompt {
					out = append(out, inv)
				}
			}
			return out, nil
		},
		SubtaskSequence: func(_ context.Context, _ string, _ time.Time) (int, error) {
			return f.maxSeq, nil
		},
	}
}

func TestResolve_EmptyMessagesIsHardError(t *testing.T) {
	l := NewLinker(Executors{}, nil)
	_, err := l.Resolve(context.Background(), Input{Domain: "alice"})
	if !errors.Is(err, ErrEmptyMessages) {
		t.Fatalf("expected ErrEmptyMessages, got %v", err)
	}
}

func TestResolve_FreshSingleMessage(t *testing.T) {
	store := &fakeStore{}
	l := NewLinker(store.executors(), nil)

	res, err := l.Resolve(context.Background(), Input{
		Domain:    "alice",
		Messages:  []models.Message{userMsg("hello there")},
		RequestID: "req-1",
		Timestamp: testNow,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ConversationID != "" {
		t.Errorf("fresh message must start a new conversation, got %q", res.ConversationID)
	}
	if res.BranchID != models.BranchMain {
		t.Errorf("fresh conversation starts on main, got %q", res.BranchID)
	}
	if res.CurrentHash == "" || res.ParentHash != "" {
		t.Errorf("hashes wrong: current=%q parent=%q", res.CurrentHash, res.ParentHash)
	}
}

func TestResolve_ContinuesConversation(t *testing.T) {
	msgs := []models.Message{userMsg("first"), asstMsg("reply"), userMsg("second")}
	parentHash := hashing.ComputeHashes(msgs[:1]).Current

	store := &fakeStore{rows: []models.RequestRecord{{
		RequestID:          "req-parent",
		Domain:             "alice",
		ConversationID:     "conv-1",
		BranchID:           models.BranchMain,
		CurrentMessageHash: parentHash,
		Timestamp:          testNow.Add(-time.Minute),
	}}}
	l := NewLinker(store.executors(), nil)

	res, err := l.Resolve(context.Background(), Input{
		Domain:    "alice",
		Messages:  msgs,
		RequestID: "req-2",
		Timestamp: testNow,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ConversationID != "conv-1" || res.ParentRequestID != "req-parent" {
		t.Errorf("parent not resolved: %+v", res)
	}
	if res.BranchID != models.BranchMain {
		t.Errorf("only child continues the parent branch, got %q", res.BranchID)
	}
	if res.ParentHash != parentHash {
		t.Errorf("parent hash mismatch: %q", res.ParentHash)
	}
}

func TestResolve_SystemHashDisambiguates(t *testing.T) {
	msgs := []models.Message{userMsg("first"), asstMsg("reply"), userMsg("second")}
	parentHash := hashing.ComputeHashes(msgs[:1]).Current
	system := &models.SystemPrompt{IsText: true, Text: "you are a code reviewer"}
	sysHash, _ := hashing.SystemHash(system)

	// The row with the matching system hash is older; the system-filtered
	// lookup must still prefer it over the newer mismatching row.
	store := &fakeStore{rows: []models.RequestRecord{
		{
			RequestID:          "req-other-system",
			Domain:             "alice",
			ConversationID:     "conv-wrong",
			BranchID:           models.BranchMain,
			CurrentMessageHash: parentHash,
			SystemHash:         "deadbeef",
			Timestamp:          testNow.Add(-time.Minute),
		},
		{
			RequestID:          "req-same-system",
			Domain:             "alice",
			ConversationID:     "conv-right",
			BranchID:           models.BranchMain,
			CurrentMessageHash: parentHash,
			SystemHash:         sysHash,
			Timestamp:          testNow.Add(-time.Hour),
		},
	}}
	l := NewLinker(store.executors(), nil)

	res, err := l.Resolve(context.Background(), Input{
		Domain:    "alice",
		Messages:  msgs,
		System:    system,
		RequestID: "req-3",
		Timestamp: testNow,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ConversationID != "conv-right" {
		t.Errorf("system-hash match must win, got %q", res.ConversationID)
	}
}

func TestResolve_SecondChildOpensBranch(t *testing.T) {
	msgs := []models.Message{userMsg("first"), asstMsg("reply"), userMsg("an alternative second")}
	parentHash := hashing.ComputeHashes(msgs[:1]).Current

	store := &fakeStore{rows: []models.RequestRecord{
		{
			RequestID:          "req-parent",
			Domain:             "alice",
			ConversationID:     "conv-1",
			BranchID:           models.BranchMain,
			CurrentMessageHash: parentHash,
			Timestamp:          testNow.Add(-time.Hour),
		},
		{
			RequestID:         "req-first-child",
			Domain:            "alice",
			ConversationID:    "conv-1",
			BranchID:          models.BranchMain,
			ParentMessageHash: parentHash,
			Timestamp:         testNow.Add(-30 * time.Minute),
		},
	}}
	l := NewLinker(store.executors(), nil)

	res, err := l.Resolve(context.Background(), Input{
		Domain:    "alice",
		Messages:  msgs,
		RequestID: "req-second-child",
		Timestamp: testNow,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "branch_20250301103045"
	if res.BranchID != want {
		t.Errorf("second child must open a timestamped branch: got %q, want %q", res.BranchID, want)
	}
	if res.ConversationID != "conv-1" {
		t.Errorf("branching stays in the conversation, got %q", res.ConversationID)
	}
}

func TestResolve_CompactBranchInheritedDespiteSiblings(t *testing.T) {
	msgs := []models.Message{userMsg("first"), asstMsg("reply"), userMsg("second")}
	parentHash := hashing.ComputeHashes(msgs[:1]).Current

	store := &fakeStore{rows: []models.RequestRecord{
		{
			RequestID:          "req-parent",
			Domain:             "alice",
			ConversationID:     "conv-1",
			BranchID:           "compact_091500",
			CurrentMessageHash: parentHash,
			Timestamp:          testNow.Add(-time.Hour),
		},
		{
			RequestID:         "req-existing-child",
			Domain:            "alice",
			ConversationID:    "conv-1",
			BranchID:          "compact_091500",
			ParentMessageHash: parentHash,
			Timestamp:         testNow.Add(-30 * time.Minute),
		},
	}}
	l := NewLinker(store.executors(), nil)

	res, err := l.Resolve(context.Background(), Input{
		Domain:    "alice",
		Messages:  msgs,
		RequestID: "req-new",
		Timestamp: testNow,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.BranchID != "compact_091500" {
		t.Errorf("compact branch inherits unconditionally, got %q", res.BranchID)
	}
}

func TestResolve_GrandparentAdoption(t *testing.T) {
	msgs := []models.Message{
		userMsg("first"), asstMsg("r1"), userMsg("second"), asstMsg("r2"), userMsg("third"),
	}
	hashes := hashing.ComputeHashes(msgs)
	grandparentHash := hashing.ComputeHashes(msgs[:1]).Current
	if hashes.Grandparent != grandparentHash {
		t.Fatalf("fixture: grandparent hash law broken")
	}

	// Only the grandparent row exists; the direct parent was lost.
	store := &fakeStore{rows: []models.RequestRecord{{
		RequestID:          "req-grandparent",
		Domain:             "alice",
		ConversationID:     "conv-1",
		BranchID:           models.BranchMain,
		CurrentMessageHash: grandparentHash,
		Timestamp:          testNow.Add(-time.Hour),
	}}}
	l := NewLinker(store.executors(), nil)

	res, err := l.Resolve(context.Background(), Input{
		Domain:    "alice",
		Messages:  msgs,
		RequestID: "req-new",
		Timestamp: testNow,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ConversationID != "conv-1" || res.ParentRequestID != "req-grandparent" {
		t.Errorf("grandparent not adopted: %+v", res)
	}
	// The computed hashes are kept even though linkage went through the
	// grandparent.
	if res.ParentHash != hashes.Parent {
		t.Errorf("parent hash must stay the computed one: %q", res.ParentHash)
	}
}

func TestResolve_SubtaskAttachment(t *testing.T) {
	store := &fakeStore{
		rows: []models.RequestRecord{{
			RequestID:      "req-task",
			Domain:         "alice",
			ConversationID: "conv-1",
			BranchID:       models.BranchMain,
			Timestamp:      testNow.Add(-time.Minute),
		}},
		invocations: []models.TaskInvocation{{
			RequestID: "req-task",
			ToolUseID: "tu_1",
			Prompt:    "analyze the logs",
			Timestamp: testNow.Add(-time.Minute),
		}},
		maxSeq: 2,
	}
	l := NewLinker(store.executors(), nil)

	res, err := l.Resolve(context.Background(), Input{
		Domain:    "alice",
		Messages:  []models.Message{userMsg("analyze the logs")},
		RequestID: "req-sub",
		Timestamp: testNow,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsSubtask {
		t.Fatalf("expected subtask attachment: %+v", res)
	}
	if res.ConversationID != "conv-1" || res.ParentTaskRequestID != "req-task" {
		t.Errorf("subtask not attached to spawning request: %+v", res)
	}
	if res.BranchID != "subtask_3" || res.SubtaskSequence != 3 {
		t.Errorf("sequence must continue past the recorded maximum: %q seq=%d", res.BranchID, res.SubtaskSequence)
	}
	if res.ParentHash != "" {
		t.Errorf("subtasks carry no parent hash, got %q", res.ParentHash)
	}
}

func TestResolve_SubtaskOrdinalAmongColliding(t *testing.T) {
	// Two invocations of the identical prompt under one parent. The
	// second (later) one is chosen, so the ordinal is 2.
	store := &fakeStore{
		rows: []models.RequestRecord{{
			RequestID:      "req-task",
			Domain:         "alice",
			ConversationID: "conv-1",
			BranchID:       models.BranchMain,
			Timestamp:      testNow.Add(-time.Minute),
		}},
		invocations: []models.TaskInvocation{
			{RequestID: "req-task", ToolUseID: "tu_2", Prompt: "do X", Timestamp: testNow.Add(-time.Second)},
			{RequestID: "req-task", ToolUseID: "tu_1", Prompt: "do X", Timestamp: testNow.Add(-time.Minute)},
		},
	}
	l := NewLinker(store.executors(), nil)

	res, err := l.Resolve(context.Background(), Input{
		Domain:    "alice",
		Messages:  []models.Message{userMsg("do X")},
		RequestID: "req-sub",
		Timestamp: testNow,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.SubtaskSequence != 2 {
		t.Errorf("later colliding invocation is the second ordinal, got %d", res.SubtaskSequence)
	}
}

func TestResolve_CompactContinuation(t *testing.T) {
	store := &fakeStore{compact: &models.ParentRequest{
		RequestID:          "req-parent",
		ConversationID:     "conv-1",
		BranchID:           models.BranchMain,
		CurrentMessageHash: "abc123",
		Timestamp:          testNow.Add(-time.Hour),
	}}
	l := NewLinker(store.executors(), nil)

	prompt := "This session is being continued from a previous conversation that ran out of context. " +
		"The conversation is summarized below:\nWe Debugged The Cache Layer.\n" +
		"Please continue the conversation from where we left it off."

	res, err := l.Resolve(context.Background(), Input{
		Domain:    "alice",
		Messages:  []models.Message{userMsg(prompt)},
		RequestID: "req-new",
		Timestamp: testNow,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ConversationID != "conv-1" || res.ParentRequestID != "req-parent" {
		t.Errorf("compact parent not attached: %+v", res)
	}
	if res.BranchID != "compact_103045" {
		t.Errorf("compact branch name wrong: %q", res.BranchID)
	}
	if res.ParentHash != "abc123" {
		t.Errorf("parent hash must come from the matched row, got %q", res.ParentHash)
	}
	if store.gotSummary != "we debugged the cache layer" {
		t.Errorf("summary not normalized: %q", store.gotSummary)
	}
}

func TestResolve_ExecutorErrorFallsBackToNewConversation(t *testing.T) {
	msgs := []models.Message{userMsg("first"), asstMsg("reply"), userMsg("second")}
	store := &fakeStore{queryErr: errors.New("store is down")}
	l := NewLinker(store.executors(), nil)

	res, err := l.Resolve(context.Background(), Input{
		Domain:    "alice",
		Messages:  msgs,
		RequestID: "req-1",
		Timestamp: testNow,
	})
	if err != nil {
		t.Fatalf("executor failure must not surface: %v", err)
	}
	if res.ConversationID != "" || res.BranchID != models.BranchMain {
		t.Errorf("must degrade to a new conversation: %+v", res)
	}
	if res.CurrentHash == "" {
		t.Errorf("hashes are still computed on fallback")
	}
}

func TestExtractSummary(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
		ok   bool
	}{
		{
			"full markers",
			"This session is being continued from a previous conversation that ran out of context." +
				" The conversation is summarized below:\nFixed The Retry Loop.\nPlease continue the conversation.",
			"fixed the retry loop",
			true,
		},
		{
			"no continue marker",
			"This session is being continued from a previous conversation that ran out of context." +
				" The conversation is summarized below:\nTail summary",
			"tail summary",
			true,
		},
		{"missing summary marker",
			"This session is being continued from a previous conversation that ran out of context. No summary here.",
			"", false},
		{"missing continuation marker",
			"The conversation is summarized below:\nOrphan summary", "", false},
		{"empty summary",
			"This session is being continued from a previous conversation that ran out of context." +
				" The conversation is summarized below:\n.\nPlease continue the conversation.",
			"", false},
	}

	for _, tc := range cases {
		got, ok := extractSummary(tc.text)
		if ok != tc.ok || got != tc.want {
			t.Errorf("%s: got (%q, %v), want (%q, %v)", tc.name, got, ok, tc.want, tc.ok)
		}
	}
}
