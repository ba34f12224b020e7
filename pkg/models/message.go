package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message roles accepted on the inbound messages array.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Content block discriminators. The set is closed; anything else is
// treated as BlockOther during canonicalization.
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Message is a single conversation turn. Content is either a plain
// string or an ordered list of content blocks; block order is
// semantically significant and is never reordered.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent holds string-or-blocks message content. Exactly one of
// Text (with IsText true) or Blocks is populated.
type MessageContent struct {
	IsText bool
	Text   string
	Blocks []ContentBlock
}

// UnmarshalJSON accepts either a JSON string or an array of blocks.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "\"") {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		c.IsText = true
		c.Text = s
		c.Blocks = nil
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("message content must be a string or block array: %w", err)
	}
	c.IsText = false
	c.Blocks = blocks
	return nil
}

// MarshalJSON writes back the original shape.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.IsText {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Blocks)
}

// ContentBlock is the tagged block variant. Type selects which fields
// are meaningful; unknown types round-trip through Raw.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string             `json:"tool_use_id,omitempty"`
	Content   *ToolResultContent `json:"content,omitempty"`
	IsError   bool               `json:"is_error,omitempty"`

	// Cache-control and similar metadata never participates in hashing.
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

// ImageSource carries inline image data. Only the digest of Data is
// ever used for hashing; the payload is not embedded anywhere.
type ImageSource struct {
	Type      string `json:"type,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// ToolResultContent is string-or-blocks, same duality as message content.
type ToolResultContent struct {
	IsText bool
	Text   string
	Blocks []ContentBlock
}

func (c *ToolResultContent) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "\"") {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		c.IsText = true
		c.Text = s
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("tool_result content must be a string or block array: %w", err)
	}
	c.Blocks = blocks
	return nil
}

func (c ToolResultContent) MarshalJSON() ([]byte, error) {
	if c.IsText {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Blocks)
}

// SystemPrompt is either a string or a list of {text, cache_control?}
// blocks. Canonical returns the newline-joined string form.
type SystemPrompt struct {
	IsText bool
	Text   string
	Blocks []SystemBlock
}

// SystemBlock is one entry of a structured system prompt.
type SystemBlock struct {
	Type         string          `json:"type,omitempty"`
	Text         string          `json:"text"`
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "\"") {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		s.IsText = true
		s.Text = str
		return nil
	}
	var blocks []SystemBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("system prompt must be a string or block array: %w", err)
	}
	s.Blocks = blocks
	return nil
}

func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if s.IsText {
		return json.Marshal(s.Text)
	}
	return json.Marshal(s.Blocks)
}

// Canonical joins block texts with a newline separator. A plain string
// prompt is returned as-is.
func (s SystemPrompt) Canonical() string {
	if s.IsText {
		return s.Text
	}
	parts := make([]string, 0, len(s.Blocks))
	for _, b := range s.Blocks {
		parts = append(parts, b.Text)
	}
	return strings.Join(parts, "\n")
}

// Empty reports whether the prompt carries no content at all.
func (s SystemPrompt) Empty() bool {
	if s.IsText {
		return s.Text == ""
	}
	return len(s.Blocks) == 0
}
