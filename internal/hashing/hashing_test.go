package hashing

import (
	"encoding/json"
	"testing"

	"github.com/haasonsaas/relay/pkg/models"
)

func textMsg(role, text string) models.Message {
	return models.Message{Role: role, Content: models.MessageContent{IsText: true, Text: text}}
}

func blockMsg(role string, blocks ...models.ContentBlock) models.Message {
	return models.Message{Role: role, Content: models.MessageContent{Blocks: blocks}}
}

func textBlock(text string) models.ContentBlock {
	return models.ContentBlock{Type: models.BlockText, Text: text}
}

func toolUse(id, name, input string) models.ContentBlock {
	return models.ContentBlock{Type: models.BlockToolUse, ID: id, Name: name, Input: json.RawMessage(input)}
}

func toolResult(toolUseID, text string) models.ContentBlock {
	return models.ContentBlock{
		Type:      models.BlockToolResult,
		ToolUseID: toolUseID,
		Content:   &models.ToolResultContent{IsText: true, Text: text},
	}
}

func TestMessagesHash_StringEqualsTextBlock(t *testing.T) {
	asString := []models.Message{textMsg(models.RoleUser, "hi")}
	asBlocks := []models.Message{blockMsg(models.RoleUser, textBlock("hi"))}

	if MessagesHash(asString) != MessagesHash(asBlocks) {
		t.Errorf("string content and single text block should hash equally")
	}
}

func TestMessagesHash_CacheControlIgnored(t *testing.T) {
	plain := []models.Message{blockMsg(models.RoleUser, textBlock("hello"))}

	withMeta := []models.Message{blockMsg(models.RoleUser, models.ContentBlock{
		Type:         models.BlockText,
		Text:         "hello",
		CacheControl: json.RawMessage(`{"type":"ephemeral"}`),
	})}

	if MessagesHash(plain) != MessagesHash(withMeta) {
		t.Errorf("cache_control metadata must not change the hash")
	}
}

func TestMessagesHash_CRLFNormalized(t *testing.T) {
	unix := []models.Message{textMsg(models.RoleUser, "line one\nline two")}
	dos := []models.Message{textMsg(models.RoleUser, "line one\r\nline two")}

	if MessagesHash(unix) != MessagesHash(dos) {
		t.Errorf("\\r\\n and \\n must hash equally")
	}
}

func TestMessagesHash_ReminderStripped(t *testing.T) {
	clean := []models.Message{textMsg(models.RoleUser, "do the thing")}
	tagged := []models.Message{textMsg(models.RoleUser, "do the thing  <system-reminder>internal note</system-reminder>")}
	mixedCase := []models.Message{textMsg(models.RoleUser, "do the thing <SYSTEM-REMINDER>note\nmore</SYSTEM-REMINDER>")}

	if MessagesHash(clean) != MessagesHash(tagged) {
		t.Errorf("system-reminder block must not change the hash")
	}
	if MessagesHash(clean) != MessagesHash(mixedCase) {
		t.Errorf("reminder stripping must be case-insensitive and span newlines")
	}
}

func TestMessagesHash_ReminderOnlyTextBlockDropped(t *testing.T) {
	withReminder := []models.Message{blockMsg(models.RoleUser,
		textBlock("<system-reminder>x</system-reminder>"),
		textBlock("real content"),
	)}
	// The emptied block disappears, so the survivor takes index 0.
	without := []models.Message{blockMsg(models.RoleUser, textBlock("real content"))}

	if MessagesHash(withReminder) != MessagesHash(without) {
		t.Errorf("text blocks emptied by reminder stripping must be dropped")
	}
}

func TestMessagesHash_BlockOrderSignificant(t *testing.T) {
	ab := []models.Message{blockMsg(models.RoleAssistant, textBlock("a"), textBlock("b"))}
	ba := []models.Message{blockMsg(models.RoleAssistant, textBlock("b"), textBlock("a"))}

	if MessagesHash(ab) == MessagesHash(ba) {
		t.Errorf("reordering blocks must change the hash")
	}
}

func TestMessagesHash_DedupInvariant(t *testing.T) {
	base := []models.Message{
		textMsg(models.RoleUser, "run it"),
		blockMsg(models.RoleAssistant, toolUse("tu_1", "bash", `{"cmd":"ls"}`)),
		blockMsg(models.RoleUser, toolResult("tu_1", "ok")),
	}
	// Repeating the tool_use and tool_result messages wholesale: the
	// duplicate blocks are filtered, the carrying messages are dropped,
	// and the hash is unchanged.
	withDupes := append(append([]models.Message{}, base...),
		blockMsg(models.RoleAssistant, toolUse("tu_1", "bash", `{"cmd":"ls"}`)),
		blockMsg(models.RoleUser, toolResult("tu_1", "ok")),
	)

	if MessagesHash(base) != MessagesHash(withDupes) {
		t.Errorf("H(M) must equal H(dedup(M))")
	}
}

// Locks in the drop-whole-message behavior: when any duplicate block is
// filtered from a message, the message's non-duplicate siblings go with
// it. A future revision may keep the filtered block list instead.
func TestDedup_DropsWholeMessageOnAnyDuplicate(t *testing.T) {
	msgs := []models.Message{
		blockMsg(models.RoleAssistant, toolUse("tu_1", "bash", `{}`)),
		blockMsg(models.RoleAssistant,
			toolUse("tu_1", "bash", `{}`), // duplicate id
			textBlock("sibling that is lost"),
		),
	}

	deduped := Dedup(msgs)
	if len(deduped) != 1 {
		t.Fatalf("expected the whole second message to be dropped, got %d messages", len(deduped))
	}
}

func TestDedup_KeepsUntouchedMessages(t *testing.T) {
	msgs := []models.Message{
		textMsg(models.RoleUser, "hello"),
		blockMsg(models.RoleAssistant, toolUse("tu_1", "bash", `{}`)),
		blockMsg(models.RoleUser, toolResult("tu_1", "out")),
	}
	deduped := Dedup(msgs)
	if len(deduped) != 3 {
		t.Fatalf("expected all messages kept, got %d", len(deduped))
	}
}

func TestComputeHashes_ParentAndGrandparent(t *testing.T) {
	conv := []models.Message{
		textMsg(models.RoleUser, "u0"),
		textMsg(models.RoleAssistant, "a0"),
		textMsg(models.RoleUser, "u1"),
		textMsg(models.RoleAssistant, "a1"),
		textMsg(models.RoleUser, "u2"),
	}

	set := ComputeHashes(conv)
	if set.DedupLen != 5 {
		t.Fatalf("expected dedup length 5, got %d", set.DedupLen)
	}
	if set.Parent == "" || set.Grandparent == "" {
		t.Fatalf("expected parent and grandparent hashes for length 5")
	}

	// Parent-hash law: the hash the previous request would have produced.
	prev := ComputeHashes(conv[:3])
	if set.Parent != prev.Current {
		t.Errorf("parent hash must equal current hash of messages minus last two")
	}
	grand := ComputeHashes(conv[:1])
	if set.Grandparent != grand.Current {
		t.Errorf("grandparent hash must equal current hash of messages minus last four")
	}
}

func TestComputeHashes_ShortSequences(t *testing.T) {
	one := ComputeHashes([]models.Message{textMsg(models.RoleUser, "hi")})
	if one.Parent != "" || one.Grandparent != "" {
		t.Errorf("no parent hashes for a single message")
	}

	three := ComputeHashes([]models.Message{
		textMsg(models.RoleUser, "u0"),
		textMsg(models.RoleAssistant, "a0"),
		textMsg(models.RoleUser, "u1"),
	})
	if three.Parent == "" {
		t.Errorf("parent hash expected at length 3")
	}
	if three.Grandparent != "" {
		t.Errorf("no grandparent hash below length 5")
	}
}

func TestSystemHash(t *testing.T) {
	str := models.SystemPrompt{IsText: true, Text: "You are terse."}
	blocks := models.SystemPrompt{Blocks: []models.SystemBlock{
		{Type: "text", Text: "You are terse.", CacheControl: json.RawMessage(`{"type":"ephemeral"}`)},
	}}

	hStr, ok := SystemHash(&str)
	if !ok {
		t.Fatalf("expected a system hash")
	}
	hBlocks, ok := SystemHash(&blocks)
	if !ok {
		t.Fatalf("expected a system hash")
	}
	if hStr != hBlocks {
		t.Errorf("string and single-block system prompts must hash equally")
	}

	if _, ok := SystemHash(nil); ok {
		t.Errorf("nil system prompt must not produce a hash")
	}
	empty := models.SystemPrompt{IsText: true}
	if _, ok := SystemHash(&empty); ok {
		t.Errorf("empty system prompt must not produce a hash")
	}
}

func TestMessagesHash_HexOutput(t *testing.T) {
	h := MessagesHash([]models.Message{textMsg(models.RoleUser, "hi")})
	if len(h) != 64 {
		t.Fatalf("expected 64-char hex digest, got %d chars", len(h))
	}
	for _, c := range h {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			t.Fatalf("digest must be lowercase hex, got %q", h)
		}
	}
}

func TestMessagesHash_ImageHashesDataNotEmbeds(t *testing.T) {
	img := func(data string) []models.Message {
		return []models.Message{blockMsg(models.RoleUser, models.ContentBlock{
			Type:   models.BlockImage,
			Source: &models.ImageSource{Type: "base64", MediaType: "image/png", Data: data},
		})}
	}
	if MessagesHash(img("aaaa")) == MessagesHash(img("bbbb")) {
		t.Errorf("different image payloads must hash differently")
	}
	canonical := Canonicalize(Dedup(img("aaaa")))
	if len(canonical) > 200 {
		t.Errorf("image data must be digested, not embedded: %d chars", len(canonical))
	}
}

func TestMessagesHash_ToolUseInputKeyOrder(t *testing.T) {
	a := []models.Message{blockMsg(models.RoleAssistant, toolUse("tu_1", "edit", `{"a":1,"b":2}`))}
	b := []models.Message{blockMsg(models.RoleAssistant, toolUse("tu_1", "edit", `{"b":2,"a":1}`))}
	if MessagesHash(a) != MessagesHash(b) {
		t.Errorf("JSON key order in tool_use input must not change the hash")
	}
}

func TestMessagesHash_UnknownBlockKind(t *testing.T) {
	msgs := []models.Message{blockMsg(models.RoleUser, models.ContentBlock{Type: "thinking", Text: "x"})}
	canonical := Canonicalize(Dedup(msgs))
	want := "user\n[0]thinking:unknown"
	if canonical != want {
		t.Errorf("unknown block serialization: got %q, want %q", canonical, want)
	}
}
