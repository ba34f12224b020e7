package models

import (
	"encoding/json"
	"time"
)

// RequestType classifies inbound requests. Only inference requests are
// persisted; evaluation and quota probes pass through unrecorded.
type RequestType string

const (
	TypeInference       RequestType = "inference"
	TypeQueryEvaluation RequestType = "query_evaluation"
	TypeQuota           RequestType = "quota"
)

// Storable reports whether a request of this type is written to the store.
func (t RequestType) Storable() bool {
	return t != TypeQueryEvaluation && t != TypeQuota
}

// Branch naming. A conversation starts on the trunk; divergences,
// compact continuations and sub-tasks each get a dedicated prefix.
const (
	BranchMain          = "main"
	BranchPrefix        = "branch_"
	CompactBranchPrefix = "compact_"
	SubtaskBranchPrefix = "subtask_"
)

// Usage is the token accounting block reported by the upstream.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
}

// Add accumulates incremental usage from message_delta events.
func (u *Usage) Add(delta Usage) {
	u.InputTokens += delta.InputTokens
	u.OutputTokens += delta.OutputTokens
	u.CacheCreationTokens += delta.CacheCreationTokens
	u.CacheReadTokens += delta.CacheReadTokens
}

// RequestRecord is the persisted shape of one proxied request. Records
// are append-only: a conversation is reconstructed by following
// ParentRequestID backwards, never by mutating existing rows.
type RequestRecord struct {
	RequestID           string      `json:"request_id"`
	Domain              string      `json:"domain"`
	Timestamp           time.Time   `json:"timestamp"`
	Model               string      `json:"model"`
	Type                RequestType `json:"type"`
	Messages            []Message   `json:"messages,omitempty"`
	System              *SystemPrompt `json:"system,omitempty"`
	CurrentMessageHash  string      `json:"current_message_hash"`
	ParentMessageHash   string      `json:"parent_message_hash,omitempty"`
	SystemHash          string      `json:"system_hash,omitempty"`
	ConversationID      string      `json:"conversation_id,omitempty"`
	BranchID            string      `json:"branch_id"`
	ParentRequestID     string      `json:"parent_request_id,omitempty"`
	ParentTaskRequestID string      `json:"parent_task_request_id,omitempty"`
	IsSubtask           bool        `json:"is_subtask"`
	ResponseBody        json.RawMessage `json:"response_body,omitempty"`
	ResponseHeaders     map[string]string `json:"response_headers,omitempty"`
	Tokens              Usage       `json:"tokens"`
	ToolCallCount       int         `json:"tool_call_count"`
	Status              string      `json:"status"`
	ProcessingTimeMs    int64       `json:"processing_time_ms"`
}

// Request statuses.
const (
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusError     = "error"
)

// ParentRequest is the slim row shape returned by the query executors
// when the linker resolves conversation ancestry.
type ParentRequest struct {
	RequestID          string
	ConversationID     string
	BranchID           string
	CurrentMessageHash string
	SystemHash         string
	Timestamp          time.Time
}

// TaskInvocation is one recorded Task-tool call, used to attach
// sub-task inferences back to the conversation that spawned them.
type TaskInvocation struct {
	RequestID string
	ToolUseID string
	Prompt    string
	Timestamp time.Time
}
