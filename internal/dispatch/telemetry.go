package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// telemetryDeadline bounds each telemetry POST; the request pipeline
// never waits longer than this on the sink.
const telemetryDeadline = 5 * time.Second

// TelemetryEvent is the shape POSTed to the telemetry sink. All string
// fields are masked before sending.
type TelemetryEvent struct {
	RequestID        string       `json:"request_id"`
	Domain           string       `json:"domain"`
	Model            string       `json:"model"`
	Status           string       `json:"status"`
	ConversationID   string       `json:"conversation_id,omitempty"`
	BranchID         string       `json:"branch_id,omitempty"`
	Tokens           models.Usage `json:"tokens"`
	ToolCallCount    int          `json:"tool_call_count"`
	ProcessingTimeMs int64        `json:"processing_time_ms"`
	Timestamp        time.Time    `json:"timestamp"`
}

// Telemetry posts request summaries to an external sink, best effort.
type Telemetry struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewTelemetry creates a sender. An empty endpoint disables sending.
func NewTelemetry(endpoint string, logger *slog.Logger) *Telemetry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Telemetry{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: telemetryDeadline},
		logger:     logger,
	}
}

// Send posts one event. Failures are logged and dropped.
func (t *Telemetry) Send(ctx context.Context, event TelemetryEvent) {
	if t.endpoint == "" {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		t.logger.Warn("telemetry marshal failed", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, telemetryDeadline)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		t.logger.Warn("telemetry request build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.logger.Warn("telemetry send failed", "endpoint", t.endpoint, "error", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		t.logger.Warn("telemetry sink rejected event",
			"endpoint", t.endpoint, "status", resp.StatusCode)
	}
}
