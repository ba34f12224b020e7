// Package hashing produces canonical string forms and SHA-256 digests
// for messages, message sequences, and system prompts.
//
// Determinism is the sole correctness property: two semantically
// identical requests, differing only in cache-control metadata,
// duplicated tool blocks, or \r\n line endings, must hash equally.
// Hashes are always computed over the deduplicated message sequence.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/haasonsaas/relay/pkg/models"
)

// reminderPattern matches <system-reminder>...</system-reminder>
// blocks, case-insensitively, including the whitespace immediately
// preceding the opening tag.
var reminderPattern = regexp.MustCompile(`(?is)\s*<system-reminder>.*?</system-reminder>`)

// HashSet is the derived hash triple for a deduplicated sequence of
// length n: the full hash, the hash with the trailing (assistant, user)
// pair removed, and the hash with two such pairs removed.
type HashSet struct {
	Current     string
	Parent      string // set when n >= 3
	Grandparent string // set when n >= 5
	DedupLen    int
}

// ComputeHashes deduplicates msgs and derives the current, parent and
// grandparent hashes.
func ComputeHashes(msgs []models.Message) HashSet {
	deduped := Dedup(msgs)
	n := len(deduped)

	set := HashSet{
		Current:  hashMessages(deduped),
		DedupLen: n,
	}
	if n >= 3 {
		set.Parent = hashMessages(deduped[:n-2])
	}
	if n >= 5 {
		set.Grandparent = hashMessages(deduped[:n-4])
	}
	return set
}

// MessagesHash returns the hash of the deduplicated sequence.
func MessagesHash(msgs []models.Message) string {
	return hashMessages(Dedup(msgs))
}

// SystemHash canonicalizes and hashes a system prompt. The system hash
// is kept separate and is never mixed into message hashes. The second
// return is false for an absent or empty prompt.
func SystemHash(system *models.SystemPrompt) (string, bool) {
	if system == nil || system.Empty() {
		return "", false
	}
	canonical := NormalizeText(system.Canonical())
	return sha256Hex(canonical), true
}

// Dedup drops any tool_use whose id was seen earlier in the sequence,
// and any tool_result whose tool_use_id was seen earlier. A message is
// kept only if its structural content is unchanged by that filtering: a
// message that lost any block is removed entirely.
//
// Dropping the whole message discards legitimate siblings of the
// duplicate block. That is intentional; downstream hashes depend on it
// and TestDedup_DropsWholeMessageOnAnyDuplicate locks it in.
func Dedup(msgs []models.Message) []models.Message {
	seenToolUse := make(map[string]bool)
	seenToolResult := make(map[string]bool)

	out := make([]models.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Content.IsText {
			out = append(out, msg)
			continue
		}

		kept := 0
		for _, block := range msg.Content.Blocks {
			switch block.Type {
			case models.BlockToolUse:
				if block.ID != "" && seenToolUse[block.ID] {
					continue
				}
				if block.ID != "" {
					seenToolUse[block.ID] = true
				}
			case models.BlockToolResult:
				if block.ToolUseID != "" && seenToolResult[block.ToolUseID] {
					continue
				}
				if block.ToolUseID != "" {
					seenToolResult[block.ToolUseID] = true
				}
			}
			kept++
		}

		if kept != len(msg.Content.Blocks) {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// StripReminders removes every <system-reminder> block from s.
func StripReminders(s string) string {
	return reminderPattern.ReplaceAllString(s, "")
}

// NormalizeText converts \r\n to \n and trims surrounding whitespace.
func NormalizeText(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
}

// CleanText strips reminder blocks and normalizes. This is the form
// used for text blocks and for sub-task prompt comparison.
func CleanText(s string) string {
	return NormalizeText(StripReminders(s))
}

// hashMessages serializes an already-deduplicated sequence and hashes it.
func hashMessages(msgs []models.Message) string {
	return sha256Hex(Canonicalize(msgs))
}

// Canonicalize renders a deduplicated message sequence into its
// canonical string form: the literal role before each message's
// content, index-prefixed blocks joined by \n within a message, and \n
// between messages.
func Canonicalize(msgs []models.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		parts = append(parts, canonicalizeMessage(msg))
	}
	return strings.Join(parts, "\n")
}

func canonicalizeMessage(msg models.Message) string {
	var sb strings.Builder
	sb.WriteString(msg.Role)
	sb.WriteString("\n")

	if msg.Content.IsText {
		// Bare string content is promoted to a single text block.
		sb.WriteString("[0]text:")
		sb.WriteString(CleanText(msg.Content.Text))
		return sb.String()
	}

	serialized := make([]string, 0, len(msg.Content.Blocks))
	i := 0
	for _, block := range msg.Content.Blocks {
		s, keep := serializeBlock(i, block)
		if !keep {
			// Text blocks emptied by reminder stripping are dropped.
			continue
		}
		serialized = append(serialized, s)
		i++
	}
	sb.WriteString(strings.Join(serialized, "\n"))
	return sb.String()
}

// serializeBlock renders one block with its index prefix. The second
// return is false when the block disappears from the canonical form.
func serializeBlock(i int, block models.ContentBlock) (string, bool) {
	switch block.Type {
	case models.BlockText:
		text := CleanText(block.Text)
		if text == "" {
			return "", false
		}
		return fmt.Sprintf("[%d]text:%s", i, text), true

	case models.BlockImage:
		mediaType := ""
		data := ""
		if block.Source != nil {
			mediaType = block.Source.MediaType
			data = block.Source.Data
		}
		return fmt.Sprintf("[%d]image:%s:%s", i, mediaType, sha256Hex(data)), true

	case models.BlockToolUse:
		return fmt.Sprintf("[%d]tool_use:%s:%s:%s", i, block.Name, block.ID, canonicalJSON(block.Input)), true

	case models.BlockToolResult:
		return fmt.Sprintf("[%d]tool_result:%s:%s", i, block.ToolUseID, stringifyToolResult(block.Content)), true

	default:
		return fmt.Sprintf("[%d]%s:unknown", i, block.Type), true
	}
}

// stringifyToolResult produces the canonical string form of tool_result
// content: the cleaned string for string contents, the cleaned text
// blocks joined by \n otherwise.
func stringifyToolResult(content *models.ToolResultContent) string {
	if content == nil {
		return ""
	}
	if content.IsText {
		return CleanText(content.Text)
	}
	parts := make([]string, 0, len(content.Blocks))
	for _, b := range content.Blocks {
		if b.Type == models.BlockText {
			parts = append(parts, CleanText(b.Text))
		}
	}
	return strings.Join(parts, "\n")
}

// canonicalJSON re-encodes raw JSON through Go's map marshaling so that
// object keys come out sorted. Unparseable input is used verbatim.
func canonicalJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
