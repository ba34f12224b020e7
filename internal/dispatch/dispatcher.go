package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// Saver persists finished request records.
type Saver interface {
	SaveRequest(ctx context.Context, rec *models.RequestRecord) error
}

// Outcome is everything the dispatcher needs about one finished
// request.
type Outcome struct {
	Record       *models.RequestRecord
	SlackConfig  *models.SlackConfig
	UserText     string
	ResponseText string
	Err          error
}

// Dispatcher fans a finished request out to storage, the token
// tracker, telemetry, and notifications. It never returns an error;
// side-effect failures are logged and counted.
type Dispatcher struct {
	saver     Saver
	tracker   *TokenTracker
	notifier  *Notifier
	telemetry *Telemetry
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewDispatcher wires the dispatcher. Any component may be nil to
// disable that path.
func NewDispatcher(saver Saver, tracker *TokenTracker, notifier *Notifier, telemetry *Telemetry, metrics *observability.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		saver:     saver,
		tracker:   tracker,
		notifier:  notifier,
		telemetry: telemetry,
		metrics:   metrics,
		logger:    logger,
	}
}

// Tracker exposes the in-memory aggregates for the usage endpoint.
func (d *Dispatcher) Tracker() *TokenTracker { return d.tracker }

// Dispatch runs all side effects for one finished request. The caller
// passes a context detached from the request when dispatching after a
// stream has already been returned.
func (d *Dispatcher) Dispatch(ctx context.Context, out Outcome) {
	rec := out.Record
	if rec == nil {
		return
	}

	if d.saver != nil && rec.Type.Storable() {
		start := time.Now()
		if err := d.saver.SaveRequest(ctx, rec); err != nil {
			d.logger.Error("persisting request record failed",
				"request_id", rec.RequestID, "domain", rec.Domain, "error", err)
		}
		if d.metrics != nil {
			d.metrics.ObserveStorageQuery("save_request", time.Since(start).Seconds())
		}
	}

	if d.tracker != nil {
		d.tracker.Record(rec.Domain, rec.Type, rec.Tokens, rec.ToolCallCount, rec.Timestamp)
	}

	if d.metrics != nil {
		d.metrics.RecordRequest(rec.Domain, rec.Model, rec.Status,
			float64(rec.ProcessingTimeMs)/1000,
			rec.Tokens.InputTokens, rec.Tokens.OutputTokens,
			rec.Tokens.CacheCreationTokens, rec.Tokens.CacheReadTokens)
	}

	if d.telemetry != nil {
		d.telemetry.Send(ctx, TelemetryEvent{
			RequestID:        rec.RequestID,
			Domain:           rec.Domain,
			Model:            Mask(rec.Model),
			Status:           rec.Status,
			ConversationID:   rec.ConversationID,
			BranchID:         rec.BranchID,
			Tokens:           rec.Tokens,
			ToolCallCount:    rec.ToolCallCount,
			ProcessingTimeMs: rec.ProcessingTimeMs,
			Timestamp:        rec.Timestamp,
		})
	}

	if d.notifier != nil {
		d.notifier.Notify(ctx, out.SlackConfig, Event{
			Domain:       rec.Domain,
			Model:        rec.Model,
			Status:       rec.Status,
			UserText:     out.UserText,
			ResponseText: out.ResponseText,
			Usage:        rec.Tokens,
			Err:          out.Err,
		})
	}
}
