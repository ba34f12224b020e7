// Package proxy binds credentials, linking, resilience, the upstream
// client and the dispatcher into the request lifecycle.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/relay/internal/conversation"
	"github.com/haasonsaas/relay/internal/credentials"
	"github.com/haasonsaas/relay/internal/dispatch"
	"github.com/haasonsaas/relay/internal/infra"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/upstream"
	"github.com/haasonsaas/relay/pkg/models"
)

// evaluationSystemMarker identifies topic-evaluation probes. They pass
// through the proxy but are never persisted.
const evaluationSystemMarker = "Analyze if this message indicates a new conversation topic"

// quotaProbeText is the single-message body clients send to check
// remaining quota.
const quotaProbeText = "quota"

// dispatchDeadline bounds the post-stream persistence and notification
// work once the client response is already finished.
const dispatchDeadline = 30 * time.Second

// Request is one inbound proxy call, already routed to a domain.
type Request struct {
	Domain        string
	RequestID     string
	Body          []byte
	Headers       http.Header
	Authorization string
	ReceivedAt    time.Time
}

// payload is the subset of the messages body the proxy itself reads.
// The raw bytes are forwarded upstream untouched.
type payload struct {
	Model     string               `json:"model"`
	Messages  []models.Message     `json:"messages"`
	System    *models.SystemPrompt `json:"system,omitempty"`
	Stream    bool                 `json:"stream,omitempty"`
	MaxTokens int                  `json:"max_tokens,omitempty"`
}

// Response is the orchestrator's answer. For streaming calls Body is
// nil and CopyStream must be invoked exactly once to drain the upstream
// into the caller's writer; persistence and dispatch run after the
// stream ends.
type Response struct {
	Status    int
	Headers   http.Header
	Body      []byte
	Streaming bool

	// CopyStream tees the SSE stream into w. Set only when Streaming.
	CopyStream func(w io.Writer) error
}

// Orchestrator is the single entry point of the proxy pipeline.
type Orchestrator struct {
	linker     *conversation.Linker
	creds      *credentials.Manager
	client     *upstream.Client
	breakers   *infra.CircuitBreakerRegistry
	retryCfg   infra.RetryConfig
	dispatcher *dispatch.Dispatcher
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	logger     *slog.Logger
}

// Options wires the orchestrator. Linker, creds and client are
// required; everything else may be nil or zero for defaults.
type Options struct {
	Linker     *conversation.Linker
	Creds      *credentials.Manager
	Client     *upstream.Client
	Breakers   *infra.CircuitBreakerRegistry
	Retry      infra.RetryConfig
	Dispatcher *dispatch.Dispatcher
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
	Logger     *slog.Logger
}

// NewOrchestrator creates the pipeline.
func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Breakers == nil {
		opts.Breakers = infra.NewCircuitBreakerRegistry(infra.CircuitBreakerConfig{
			IsFailure: upstream.IsTripWorthy,
		})
	}
	if opts.Retry.Retryable == nil {
		opts.Retry.Retryable = upstream.IsRetryable
	}
	return &Orchestrator{
		linker:     opts.Linker,
		creds:      opts.Creds,
		client:     opts.Client,
		breakers:   opts.Breakers,
		retryCfg:   opts.Retry,
		dispatcher: opts.Dispatcher,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		logger:     opts.Logger,
	}
}

// Handle runs one request through the pipeline. Errors carry a
// StatusCode when they map to a specific HTTP status.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (*Response, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now()
	}
	ctx = observability.WithRequestID(ctx, req.RequestID)
	ctx = observability.WithDomain(ctx, req.Domain)

	var body payload
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return nil, &upstream.ValidationError{Message: "request body is not a valid messages payload"}
	}
	if len(body.Messages) == 0 {
		return nil, &upstream.ValidationError{Message: "messages must not be empty"}
	}

	reqType := classify(body)
	rec := &models.RequestRecord{
		RequestID: req.RequestID,
		Domain:    req.Domain,
		Timestamp: req.ReceivedAt,
		Model:     body.Model,
		Type:      reqType,
		Messages:  body.Messages,
		System:    body.System,
		BranchID:  models.BranchMain,
	}

	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.TraceProxyRequest(ctx, req.Domain, body.Model)
		defer span.End()
	}

	if reqType == models.TypeInference {
		o.link(ctx, req, body, rec)
		ctx = observability.WithConversationID(ctx, rec.ConversationID)
	}

	auth, err := o.creds.Authenticate(ctx, req.Domain, req.Authorization)
	if err != nil {
		o.failRequest(ctx, rec, err)
		return nil, &upstream.AuthenticationError{Hint: "no usable credentials for domain"}
	}

	resp, cancel, err := o.forward(ctx, req, body.Model, auth)
	if err != nil {
		o.failRequest(ctx, rec, err)
		return nil, err
	}

	if isEventStream(resp) {
		return o.streamResponse(ctx, req, body, rec, resp, cancel), nil
	}
	return o.syncResponse(ctx, req, body, rec, resp, cancel)
}

// link resolves conversation ancestry. Linker failures degrade to a
// fresh conversation and are never surfaced.
func (o *Orchestrator) link(ctx context.Context, req Request, body payload, rec *models.RequestRecord) {
	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.TraceLinkResolution(ctx, req.Domain)
		defer span.End()
	}

	res, err := o.linker.Resolve(ctx, conversation.Input{
		Domain:    req.Domain,
		Messages:  body.Messages,
		System:    body.System,
		RequestID: req.RequestID,
		Timestamp: req.ReceivedAt,
	})
	if err != nil {
		o.logger.Error("conversation resolution failed", "request_id", req.RequestID, "error", err)
		if o.metrics != nil {
			o.metrics.RecordLinkerResolution("error")
		}
		rec.ConversationID = uuid.NewString()
		return
	}

	rec.CurrentMessageHash = res.CurrentHash
	rec.ParentMessageHash = res.ParentHash
	rec.SystemHash = res.SystemHash
	rec.ConversationID = res.ConversationID
	rec.BranchID = res.BranchID
	rec.ParentRequestID = res.ParentRequestID
	rec.ParentTaskRequestID = res.ParentTaskRequestID
	rec.IsSubtask = res.IsSubtask

	outcome := "continued"
	if rec.ConversationID == "" {
		rec.ConversationID = uuid.NewString()
		outcome = "new"
	}
	if res.IsSubtask {
		outcome = "subtask"
	} else if strings.HasPrefix(rec.BranchID, models.CompactBranchPrefix) {
		outcome = "compact"
	} else if strings.HasPrefix(rec.BranchID, models.BranchPrefix) {
		outcome = "branch"
	}
	if o.metrics != nil {
		o.metrics.RecordLinkerResolution(outcome)
	}
}

// forward runs the upstream call under the breaker with retries inside,
// so the breaker samples calls, not attempts.
func (o *Orchestrator) forward(ctx context.Context, req Request, model string, auth *credentials.AuthResult) (*http.Response, context.CancelFunc, error) {
	type call struct {
		resp   *http.Response
		cancel context.CancelFunc
	}

	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.TraceUpstreamCall(ctx, o.client.Host(), model)
		defer span.End()
	}

	headers := auth.Headers.Clone()
	if auth.BetaHeader != "" {
		headers.Set("anthropic-beta", auth.BetaHeader)
	}

	breaker := o.breakers.Get(o.client.Host())
	result, err := infra.ExecuteWithResult(breaker, ctx, func(ctx context.Context) (call, error) {
		return infra.RetryDo(ctx, o.retryCfg, o.logger, func(ctx context.Context) (call, error) {
			resp, cancel, err := o.client.CreateMessage(ctx, req.Body, req.Headers, headers)
			if err != nil {
				if o.metrics != nil && upstream.IsRetryable(err) {
					o.metrics.RecordRetry(errReason(err))
				}
				return call{}, err
			}
			return call{resp: resp, cancel: cancel}, nil
		})
	})
	o.publishBreakerState(breaker)
	if err != nil {
		return nil, nil, err
	}
	return result.resp, result.cancel, nil
}

func (o *Orchestrator) publishBreakerState(breaker *infra.CircuitBreaker) {
	if o.metrics == nil {
		return
	}
	var value float64
	switch breaker.State() {
	case infra.CircuitOpen:
		value = observability.CircuitGaugeOpen
	case infra.CircuitHalfOpen:
		value = observability.CircuitGaugeHalfOpen
	default:
		value = observability.CircuitGaugeClosed
	}
	o.metrics.SetCircuitState(o.client.Host(), value)
}

// streamResponse hands back a Response whose CopyStream tees the SSE
// bytes to the caller while reconstructing the message, then persists
// and dispatches on a detached context.
func (o *Orchestrator) streamResponse(ctx context.Context, req Request, body payload, rec *models.RequestRecord, resp *http.Response, cancel context.CancelFunc) *Response {
	out := &Response{
		Status:    resp.StatusCode,
		Headers:   responseHeaders(resp.Header),
		Streaming: true,
	}

	out.CopyStream = func(w io.Writer) error {
		defer cancel()
		defer resp.Body.Close()

		recon := upstream.NewReconstructor(o.logger)
		reconstructed, streamErr := recon.Tee(resp.Body, w)

		status := models.StatusCompleted
		if streamErr != nil || !recon.Done() {
			status = models.StatusPartial
		}
		o.finalize(ctx, req, body, rec, resp, reconstructed, status, streamErr)
		return streamErr
	}
	return out
}

// syncResponse reads the full JSON body, finalizes synchronously and
// returns the verbatim bytes.
func (o *Orchestrator) syncResponse(ctx context.Context, req Request, body payload, rec *models.RequestRecord, resp *http.Response, cancel context.CancelFunc) (*Response, error) {
	defer cancel()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		o.failRequest(ctx, rec, err)
		return nil, err
	}

	var reconstructed upstream.Response
	if err := json.Unmarshal(raw, &reconstructed); err != nil {
		o.logger.Warn("upstream body is not a message object", "request_id", req.RequestID, "error", err)
	}

	o.finalize(ctx, req, body, rec, resp, &reconstructed, models.StatusCompleted, nil)

	return &Response{
		Status:  resp.StatusCode,
		Headers: responseHeaders(resp.Header),
		Body:    raw,
	}, nil
}

// finalize fills the record from the reconstructed response and hands
// it to the dispatcher. Runs on a context detached from the client
// request so a disconnect cannot abort persistence.
func (o *Orchestrator) finalize(ctx context.Context, req Request, body payload, rec *models.RequestRecord, resp *http.Response, reconstructed *upstream.Response, status string, streamErr error) {
	rec.Status = status
	rec.ProcessingTimeMs = time.Since(req.ReceivedAt).Milliseconds()
	rec.ResponseHeaders = flattenHeaders(resp.Header)
	if reconstructed != nil {
		rec.Tokens = reconstructed.Usage
		rec.ToolCallCount = reconstructed.ToolCallCount()
		if encoded, err := json.Marshal(reconstructed); err == nil {
			rec.ResponseBody = encoded
		}
		if rec.Model == "" {
			rec.Model = reconstructed.Model
		}
	}

	detached, done := context.WithTimeout(context.WithoutCancel(ctx), dispatchDeadline)
	defer done()
	o.dispatch(detached, req, body, rec, reconstructed, streamErr)
}

// failRequest records an error outcome: one error metric, one error
// notification, and the record persisted with error status.
func (o *Orchestrator) failRequest(ctx context.Context, rec *models.RequestRecord, cause error) {
	rec.Status = models.StatusError
	rec.ProcessingTimeMs = time.Since(rec.Timestamp).Milliseconds()

	detached, done := context.WithTimeout(context.WithoutCancel(ctx), dispatchDeadline)
	defer done()
	o.dispatch(detached, Request{Domain: rec.Domain}, payload{Messages: rec.Messages}, rec, nil, cause)
}

func (o *Orchestrator) dispatch(ctx context.Context, req Request, body payload, rec *models.RequestRecord, reconstructed *upstream.Response, cause error) {
	if o.dispatcher == nil {
		return
	}

	var slackCfg *models.SlackConfig
	if file, err := o.creds.CredentialFile(rec.Domain); err == nil && file != nil {
		slackCfg = file.Slack
	}

	responseText := ""
	if reconstructed != nil {
		responseText = reconstructed.FirstText()
	}

	o.dispatcher.Dispatch(ctx, dispatch.Outcome{
		Record:       rec,
		SlackConfig:  slackCfg,
		UserText:     lastUserText(body.Messages),
		ResponseText: responseText,
		Err:          cause,
	})
}

// classify buckets the request. Quota probes and topic-evaluation
// requests pass through but skip linking and persistence.
func classify(body payload) models.RequestType {
	if len(body.Messages) == 1 && body.MaxTokens <= 1 {
		if content := body.Messages[0].Content; content.IsText && strings.EqualFold(strings.TrimSpace(content.Text), quotaProbeText) {
			return models.TypeQuota
		}
	}
	if body.System != nil && strings.Contains(body.System.Canonical(), evaluationSystemMarker) {
		return models.TypeQueryEvaluation
	}
	return models.TypeInference
}

// lastUserText returns the text of the final user message, used for
// the notification suppression key.
func lastUserText(msgs []models.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != models.RoleUser {
			continue
		}
		content := msgs[i].Content
		if content.IsText {
			return content.Text
		}
		var parts []string
		for _, block := range content.Blocks {
			if block.Type == models.BlockText {
				parts = append(parts, block.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

func isEventStream(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}

// responseHeaders picks the headers forwarded back to the caller.
func responseHeaders(src http.Header) http.Header {
	out := http.Header{}
	for _, key := range []string{"Content-Type", "Anthropic-Ratelimit-Requests-Remaining", "Anthropic-Ratelimit-Tokens-Remaining", "Request-Id", "Retry-After"} {
		if value := src.Get(key); value != "" {
			out.Set(key, value)
		}
	}
	return out
}

func flattenHeaders(src http.Header) map[string]string {
	out := make(map[string]string, len(src))
	for key := range src {
		out[key] = src.Get(key)
	}
	return out
}

// errReason buckets retryable errors for the retry metric.
func errReason(err error) string {
	var rate *upstream.RateLimitError
	if errors.As(err, &rate) {
		return "rate_limited"
	}
	var up *upstream.UpstreamError
	if errors.As(err, &up) {
		return "upstream"
	}
	var timeout *upstream.TimeoutError
	if errors.As(err, &timeout) || errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "network"
}
