package upstream

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/haasonsaas/relay/pkg/models"
)

// doneMarker terminates an SSE stream.
const doneMarker = "[DONE]"

// Response is the reconstructed upstream message, built incrementally
// from streaming events or decoded directly from a JSON body.
type Response struct {
	ID           string                `json:"id,omitempty"`
	Type         string                `json:"type,omitempty"`
	Role         string                `json:"role,omitempty"`
	Model        string                `json:"model,omitempty"`
	Content      []models.ContentBlock `json:"content"`
	StopReason   string                `json:"stop_reason,omitempty"`
	StopSequence string                `json:"stop_sequence,omitempty"`
	Usage        models.Usage          `json:"usage"`
}

// ToolCallCount counts tool_use blocks in the final content.
func (r *Response) ToolCallCount() int {
	n := 0
	for _, block := range r.Content {
		if block.Type == models.BlockToolUse {
			n++
		}
	}
	return n
}

// FirstText returns the text of the first text block, used for
// compact-summary matching.
func (r *Response) FirstText() string {
	for _, block := range r.Content {
		if block.Type == models.BlockText {
			return block.Text
		}
	}
	return ""
}

// streamEvent is the decoded SSE payload envelope. Only the fields the
// reconstruction needs are mapped.
type streamEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	Message      *struct {
		ID    string       `json:"id"`
		Role  string       `json:"role"`
		Model string       `json:"model"`
		Usage models.Usage `json:"usage"`
	} `json:"message,omitempty"`
	ContentBlock *models.ContentBlock `json:"content_block,omitempty"`
	Delta        *struct {
		Type         string  `json:"type"`
		Text         string  `json:"text"`
		PartialJSON  string  `json:"partial_json"`
		StopReason   *string `json:"stop_reason"`
		StopSequence *string `json:"stop_sequence"`
	} `json:"delta,omitempty"`
	Usage *models.Usage `json:"usage,omitempty"`
}

// Reconstructor folds SSE events into an evolving Response while the
// raw bytes are teed to the caller unmodified.
type Reconstructor struct {
	response     Response
	currentBlock *models.ContentBlock
	jsonBuffer   strings.Builder
	logger       *slog.Logger
	done         bool
}

// NewReconstructor creates an empty reconstructor.
func NewReconstructor(logger *slog.Logger) *Reconstructor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconstructor{logger: logger}
}

// Response returns the reconstructed message so far.
func (r *Reconstructor) Response() *Response { return &r.response }

// Done reports whether message_stop (or the [DONE] marker) was seen.
func (r *Reconstructor) Done() bool { return r.done }

// Apply folds one data: payload into the response. Unparseable
// payloads are logged and ignored here; the caller forwards them
// verbatim regardless.
func (r *Reconstructor) Apply(data []byte) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == doneMarker {
		r.done = true
		return
	}

	var event streamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		r.logger.Warn("unparseable stream event", "error", err, "bytes", len(data))
		return
	}

	switch event.Type {
	case "message_start":
		if event.Message != nil {
			r.response.ID = event.Message.ID
			r.response.Role = event.Message.Role
			r.response.Model = event.Message.Model
			r.response.Usage = event.Message.Usage
			r.response.Type = "message"
		}

	case "content_block_start":
		if event.ContentBlock != nil {
			block := *event.ContentBlock
			r.currentBlock = &block
			r.jsonBuffer.Reset()
		}

	case "content_block_delta":
		if r.currentBlock == nil || event.Delta == nil {
			return
		}
		switch event.Delta.Type {
		case "text_delta":
			r.currentBlock.Text += event.Delta.Text
		case "input_json_delta":
			r.jsonBuffer.WriteString(event.Delta.PartialJSON)
		}

	case "content_block_stop":
		if r.currentBlock == nil {
			return
		}
		if r.currentBlock.Type == models.BlockToolUse {
			buffered := r.jsonBuffer.String()
			if buffered != "" {
				// Keep the buffer as-is when it is not valid JSON.
				if json.Valid([]byte(buffered)) {
					r.currentBlock.Input = json.RawMessage(buffered)
				} else {
					r.logger.Warn("tool input buffer is not valid JSON, keeping raw",
						"tool", r.currentBlock.Name, "bytes", len(buffered))
					quoted, err := json.Marshal(buffered)
					if err == nil {
						r.currentBlock.Input = quoted
					}
				}
			}
		}
		r.response.Content = append(r.response.Content, *r.currentBlock)
		r.currentBlock = nil
		r.jsonBuffer.Reset()

	case "message_delta":
		if event.Delta != nil {
			if event.Delta.StopReason != nil {
				r.response.StopReason = *event.Delta.StopReason
			}
			if event.Delta.StopSequence != nil {
				r.response.StopSequence = *event.Delta.StopSequence
			}
		}
		if event.Usage != nil {
			// message_delta usage is cumulative for output tokens.
			if event.Usage.OutputTokens > 0 {
				r.response.Usage.OutputTokens = event.Usage.OutputTokens
			}
			if event.Usage.InputTokens > 0 {
				r.response.Usage.InputTokens = event.Usage.InputTokens
			}
			if event.Usage.CacheCreationTokens > 0 {
				r.response.Usage.CacheCreationTokens = event.Usage.CacheCreationTokens
			}
			if event.Usage.CacheReadTokens > 0 {
				r.response.Usage.CacheReadTokens = event.Usage.CacheReadTokens
			}
		}

	case "message_stop":
		r.done = true

	case "ping", "error":
		// Forwarded verbatim; errors reach the caller through the teed
		// stream.

	default:
		r.logger.Debug("unknown stream event type", "type", event.Type)
	}
}

// Tee copies the SSE stream from body to out verbatim while folding
// every data: payload into the reconstructor. It returns the
// reconstructed response when the stream ends. Unparseable data lines
// are forwarded untouched and logged by Apply.
func (r *Reconstructor) Tee(body io.Reader, out io.Writer) (*Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()

		if out != nil {
			if _, err := out.Write(append(line, '\n')); err != nil {
				return &r.response, err
			}
			if flusher, ok := out.(interface{ Flush() }); ok {
				flusher.Flush()
			}
		}

		if data, ok := strings.CutPrefix(string(line), "data:"); ok {
			r.Apply([]byte(strings.TrimSpace(data)))
		}
	}
	if err := scanner.Err(); err != nil {
		return &r.response, err
	}
	return &r.response, nil
}
