// Package storage persists request records in SQLite and backs the
// conversation linker's query executors.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/relay/internal/conversation"
	"github.com/haasonsaas/relay/internal/upstream"
	"github.com/haasonsaas/relay/pkg/models"
)

// Options tunes store behavior.
type Options struct {
	// SlowQueryThreshold logs queries slower than this. 0 disables.
	SlowQueryThreshold time.Duration
	// Debug logs every SQL statement at debug level.
	Debug bool
}

// Store is the SQLite-backed request store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	opts   Options
}

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	request_id            TEXT PRIMARY KEY,
	domain                TEXT NOT NULL,
	timestamp_ms          INTEGER NOT NULL,
	model                 TEXT NOT NULL DEFAULT '',
	type                  TEXT NOT NULL DEFAULT 'inference',
	messages              TEXT,
	system                TEXT,
	current_message_hash  TEXT NOT NULL DEFAULT '',
	parent_message_hash   TEXT NOT NULL DEFAULT '',
	system_hash           TEXT NOT NULL DEFAULT '',
	conversation_id       TEXT NOT NULL DEFAULT '',
	branch_id             TEXT NOT NULL DEFAULT 'main',
	parent_request_id     TEXT NOT NULL DEFAULT '',
	parent_task_request_id TEXT NOT NULL DEFAULT '',
	is_subtask            INTEGER NOT NULL DEFAULT 0,
	response_body         TEXT,
	response_headers      TEXT,
	response_first_text   TEXT NOT NULL DEFAULT '',
	input_tokens          INTEGER NOT NULL DEFAULT 0,
	output_tokens         INTEGER NOT NULL DEFAULT 0,
	cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
	tool_call_count       INTEGER NOT NULL DEFAULT 0,
	status                TEXT NOT NULL DEFAULT '',
	processing_time_ms    INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_requests_domain_current_hash
	ON requests (domain, current_message_hash);
CREATE INDEX IF NOT EXISTS idx_requests_conversation_parent_hash
	ON requests (conversation_id, parent_message_hash);
CREATE INDEX IF NOT EXISTS idx_requests_domain_timestamp
	ON requests (domain, timestamp_ms);

CREATE TABLE IF NOT EXISTS task_invocations (
	request_id   TEXT NOT NULL,
	tool_use_id  TEXT NOT NULL,
	prompt       TEXT NOT NULL,
	timestamp_ms INTEGER NOT NULL,
	PRIMARY KEY (request_id, tool_use_id)
);

CREATE INDEX IF NOT EXISTS idx_task_invocations_prompt
	ON task_invocations (prompt, timestamp_ms);
`

// Open opens (or creates) the store at path. Use ":memory:" for tests.
func Open(path string, opts Options, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &upstream.StorageError{Op: "open", Err: err}
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, &upstream.StorageError{Op: "pragma", Err: err}
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, &upstream.StorageError{Op: "migrate", Err: err}
	}

	return &Store{db: db, logger: logger, opts: opts}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// SaveRequest persists one finished request and any Task invocations
// found in its response.
func (s *Store) SaveRequest(ctx context.Context, rec *models.RequestRecord) error {
	messages, err := json.Marshal(rec.Messages)
	if err != nil {
		return &upstream.StorageError{Op: "save_request", Err: err}
	}
	var system []byte
	if rec.System != nil {
		if system, err = json.Marshal(rec.System); err != nil {
			return &upstream.StorageError{Op: "save_request", Err: err}
		}
	}
	var headers []byte
	if rec.ResponseHeaders != nil {
		if headers, err = json.Marshal(rec.ResponseHeaders); err != nil {
			return &upstream.StorageError{Op: "save_request", Err: err}
		}
	}

	firstText, invocations := inspectResponse(rec)

	start := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO requests (
			request_id, domain, timestamp_ms, model, type, messages, system,
			current_message_hash, parent_message_hash, system_hash,
			conversation_id, branch_id, parent_request_id, parent_task_request_id,
			is_subtask, response_body, response_headers, response_first_text,
			input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
			tool_call_count, status, processing_time_ms
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.RequestID, rec.Domain, rec.Timestamp.UnixMilli(), rec.Model, string(rec.Type),
		string(messages), nullable(system),
		rec.CurrentMessageHash, rec.ParentMessageHash, rec.SystemHash,
		rec.ConversationID, rec.BranchID, rec.ParentRequestID, rec.ParentTaskRequestID,
		boolInt(rec.IsSubtask), nullable(rec.ResponseBody), nullable(headers),
		strings.ToLower(firstText),
		rec.Tokens.InputTokens, rec.Tokens.OutputTokens,
		rec.Tokens.CacheCreationTokens, rec.Tokens.CacheReadTokens,
		rec.ToolCallCount, rec.Status, rec.ProcessingTimeMs,
	)
	s.observe("save_request", start)
	if err != nil {
		return &upstream.StorageError{Op: "save_request", Err: err}
	}

	for _, inv := range invocations {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO task_invocations (request_id, tool_use_id, prompt, timestamp_ms)
			VALUES (?,?,?,?)`,
			rec.RequestID, inv.ToolUseID, inv.Prompt, rec.Timestamp.UnixMilli())
		if err != nil {
			return &upstream.StorageError{Op: "save_task_invocation", Err: err}
		}
	}
	return nil
}

// inspectResponse extracts the first text block and the Task tool
// invocations from a stored response body.
func inspectResponse(rec *models.RequestRecord) (string, []models.TaskInvocation) {
	if len(rec.ResponseBody) == 0 {
		return "", nil
	}
	var body struct {
		Content []models.ContentBlock `json:"content"`
	}
	if err := json.Unmarshal(rec.ResponseBody, &body); err != nil {
		return "", nil
	}

	var firstText string
	var invocations []models.TaskInvocation
	for _, block := range body.Content {
		if block.Type == models.BlockText && firstText == "" {
			firstText = block.Text
		}
		if block.Type == models.BlockToolUse && block.Name == "Task" {
			var input struct {
				Prompt string `json:"prompt"`
			}
			if err := json.Unmarshal(block.Input, &input); err != nil || input.Prompt == "" {
				continue
			}
			invocations = append(invocations, models.TaskInvocation{
				RequestID: rec.RequestID,
				ToolUseID: block.ID,
				Prompt:    input.Prompt,
				Timestamp: rec.Timestamp,
			})
		}
	}
	return firstText, invocations
}

// Executors returns the linker's store access functions backed by this
// database.
func (s *Store) Executors() conversation.Executors {
	return conversation.Executors{
		Query:           s.queryParents,
		CompactSearch:   s.compactSearch,
		RequestByID:     s.requestByID,
		SubtaskQuery:    s.subtaskQuery,
		SubtaskSequence: s.subtaskSequence,
	}
}

const parentColumns = `request_id, conversation_id, branch_id, current_message_hash, system_hash, timestamp_ms`

func (s *Store) queryParents(ctx context.Context, c conversation.QueryCriteria) ([]models.ParentRequest, error) {
	var where []string
	var args []any

	add := func(clause string, arg any) {
		where = append(where, clause)
		args = append(args, arg)
	}
	if c.Domain != "" {
		add("domain = ?", c.Domain)
	}
	if c.CurrentMessageHash != "" {
		add("current_message_hash = ?", c.CurrentMessageHash)
	}
	if c.ParentMessageHash != "" {
		add("parent_message_hash = ?", c.ParentMessageHash)
	}
	if c.SystemHash != "" {
		add("system_hash = ?", c.SystemHash)
	}
	if c.ConversationID != "" {
		add("conversation_id = ?", c.ConversationID)
	}
	if c.ExcludeRequestID != "" {
		add("request_id != ?", c.ExcludeRequestID)
	}
	if !c.BeforeTimestamp.IsZero() {
		add("timestamp_ms < ?", c.BeforeTimestamp.UnixMilli())
	}

	query := "SELECT " + parentColumns + " FROM requests"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp_ms DESC, request_id DESC"
	limit := c.Limit
	if limit <= 0 {
		limit = 20
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	s.observe("query_parents", start)
	if err != nil {
		return nil, &upstream.StorageError{Op: "query_parents", Err: err}
	}
	defer rows.Close()

	var out []models.ParentRequest
	for rows.Next() {
		parent, err := scanParent(rows)
		if err != nil {
			return nil, &upstream.StorageError{Op: "query_parents", Err: err}
		}
		out = append(out, parent)
	}
	return out, rows.Err()
}

func (s *Store) compactSearch(ctx context.Context, domain, normalizedSummary string, after, before time.Time) (*models.ParentRequest, error) {
	start := time.Now()
	row := s.db.QueryRowContext(ctx, `
		SELECT `+parentColumns+` FROM requests
		WHERE domain = ?
		  AND timestamp_ms >= ? AND timestamp_ms <= ?
		  AND response_first_text LIKE ? ESCAPE '\'
		ORDER BY timestamp_ms DESC, request_id DESC
		LIMIT 1`,
		domain, after.UnixMilli(), before.UnixMilli(), escapeLike(normalizedSummary)+"%")
	s.observe("compact_search", start)

	parent, err := scanParent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &upstream.StorageError{Op: "compact_search", Err: err}
	}
	return &parent, nil
}

func (s *Store) requestByID(ctx context.Context, requestID string) (*models.ParentRequest, error) {
	start := time.Now()
	row := s.db.QueryRowContext(ctx,
		"SELECT "+parentColumns+" FROM requests WHERE request_id = ?", requestID)
	s.observe("request_by_id", start)

	parent, err := scanParent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &upstream.StorageError{Op: "request_by_id", Err: err}
	}
	return &parent, nil
}

func (s *Store) subtaskQuery(ctx context.Context, domain string, timestamp time.Time, promptFilter string) ([]models.TaskInvocation, error) {
	query := `
		SELECT ti.request_id, ti.tool_use_id, ti.prompt, ti.timestamp_ms
		FROM task_invocations ti
		JOIN requests r ON r.request_id = ti.request_id
		WHERE r.domain = ? AND ti.timestamp_ms <= ?`
	args := []any{domain, timestamp.UnixMilli()}
	if promptFilter != "" {
		query += " AND ti.prompt = ?"
		args = append(args, promptFilter)
	}
	query += " ORDER BY ti.timestamp_ms DESC, ti.request_id DESC LIMIT 50"

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	s.observe("subtask_query", start)
	if err != nil {
		return nil, &upstream.StorageError{Op: "subtask_query", Err: err}
	}
	defer rows.Close()

	var out []models.TaskInvocation
	for rows.Next() {
		var inv models.TaskInvocation
		var ms int64
		if err := rows.Scan(&inv.RequestID, &inv.ToolUseID, &inv.Prompt, &ms); err != nil {
			return nil, &upstream.StorageError{Op: "subtask_query", Err: err}
		}
		inv.Timestamp = time.UnixMilli(ms)
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *Store) subtaskSequence(ctx context.Context, conversationID string, before time.Time) (int, error) {
	start := time.Now()
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(CAST(substr(branch_id, 9) AS INTEGER)), 0)
		FROM requests
		WHERE conversation_id = ?
		  AND branch_id LIKE 'subtask\_%' ESCAPE '\'
		  AND timestamp_ms < ?`,
		conversationID, before.UnixMilli())
	s.observe("subtask_sequence", start)

	var max int
	if err := row.Scan(&max); err != nil {
		return 0, &upstream.StorageError{Op: "subtask_sequence", Err: err}
	}
	return max, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParent(row rowScanner) (models.ParentRequest, error) {
	var parent models.ParentRequest
	var ms int64
	err := row.Scan(&parent.RequestID, &parent.ConversationID, &parent.BranchID,
		&parent.CurrentMessageHash, &parent.SystemHash, &ms)
	if err != nil {
		return parent, err
	}
	parent.Timestamp = time.UnixMilli(ms)
	return parent, nil
}

func (s *Store) observe(operation string, start time.Time) {
	elapsed := time.Since(start)
	if s.opts.Debug {
		s.logger.Debug("sql query", "operation", operation, "elapsed_ms", elapsed.Milliseconds())
	}
	if s.opts.SlowQueryThreshold > 0 && elapsed >= s.opts.SlowQueryThreshold {
		s.logger.Warn("slow query", "operation", operation, "elapsed_ms", elapsed.Milliseconds())
	}
}

func escapeLike(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(s)
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
