// Package conversation holds a turn-ordered message history, a running
// token estimate for compaction triggering, and summary-based compaction.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xonecas/agentcli/internal/mcp"
)

// CharsPerToken approximates the character-to-token ratio used for the
// running token estimate. Never used for billing, only compaction triggering.
const CharsPerToken = 3.5

// Defaults for compaction behavior.
const (
	DefaultAutoCompactThreshold = 0.8
	DefaultCompactPreserveLastN = 4
)

// Message is one turn-participant entry in a conversation: a user prompt, an
// assistant reply (with optional reasoning/tool calls), or a tool result.
type Message struct {
	Role         string // "system", "user", "assistant", "tool"
	Content      string
	Reasoning    string
	ToolCalls    []ToolCall
	ToolCallID   string
	CreatedAt    time.Time
	InputTokens  int
	OutputTokens int
}

// ToolCall mirrors the provider's tool-call shape without importing the
// provider package, keeping conversation storage provider-agnostic.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Summarizer asks a model for a single-paragraph summary of a message
// prefix, used during compaction. Implemented in cmd/agentcli by a plain
// call to the session's provider.Provider, with no temperature or
// max_tokens override.
type Summarizer interface {
	Summarize(ctx context.Context, prefix []Message) (string, error)
}

// Conversation holds total-ordered messages. Appends must be serialized by
// the caller — concurrent appends are not supported.
type Conversation struct {
	systemPrompt         string
	messages             []Message
	autoCompactThreshold float64
	preserveLastN        int
	contextWindowSize    int
}

// New returns an empty Conversation sized to contextWindowSize tokens, with
// default compaction thresholds.
func New(contextWindowSize int) *Conversation {
	return &Conversation{
		autoCompactThreshold: DefaultAutoCompactThreshold,
		preserveLastN:        DefaultCompactPreserveLastN,
		contextWindowSize:    contextWindowSize,
	}
}

// SetSystemPrompt sets (or replaces) the system prompt.
func (c *Conversation) SetSystemPrompt(text string) {
	c.systemPrompt = text
}

// SystemPrompt returns the current system prompt.
func (c *Conversation) SystemPrompt() string {
	return c.systemPrompt
}

// AppendUser appends a user message.
func (c *Conversation) AppendUser(text string) {
	c.messages = append(c.messages, Message{Role: "user", Content: text, CreatedAt: time.Now()})
}

// AppendAssistant appends an assistant message carrying content, reasoning,
// and/or tool calls (any of which may be empty).
func (c *Conversation) AppendAssistant(content, reasoning string, toolCalls []ToolCall) {
	c.messages = append(c.messages, Message{
		Role:      "assistant",
		Content:   content,
		Reasoning: reasoning,
		ToolCalls: toolCalls,
		CreatedAt: time.Now(),
	})
}

// AppendToolResult appends a tool-result message for the given call ID.
// text is carried verbatim: the dispatcher already applies the §7
// stage-specific prefix (or no prefix at all) before this is called, so
// re-prefixing here would stomp those stable error strings.
func (c *Conversation) AppendToolResult(callID, text string, isError bool) {
	c.messages = append(c.messages, Message{
		Role:       "tool",
		Content:    text,
		ToolCallID: callID,
		CreatedAt:  time.Now(),
	})
}

// Messages returns the current message history (not including the system
// prompt, which callers attach separately per provider convention).
func (c *Conversation) Messages() []Message {
	return c.messages
}

// Len returns the number of messages in the conversation.
func (c *Conversation) Len() int {
	return len(c.messages)
}

// EstimatedTokens sums character lengths across all message parts (content,
// reasoning, tool call arguments) and divides by CharsPerToken.
func (c *Conversation) EstimatedTokens() int {
	chars := len(c.systemPrompt)
	for _, m := range c.messages {
		chars += len(m.Content) + len(m.Reasoning)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + len(tc.Arguments)
		}
	}
	return int(float64(chars) / CharsPerToken)
}

// ShouldCompact reports whether EstimatedTokens()/contextWindowSize has
// reached autoCompactThreshold.
func (c *Conversation) ShouldCompact() bool {
	if c.contextWindowSize <= 0 {
		return false
	}
	ratio := float64(c.EstimatedTokens()) / float64(c.contextWindowSize)
	return ratio >= c.autoCompactThreshold
}

// Compact identifies the preserve window (the last preserveLastN turns),
// summarizes everything older via summarizer, and replaces that prefix with
// a two-message summary pair. It is a no-op when nothing precedes the last
// preserveLastN turns, including when there are fewer turns than that.
func (c *Conversation) Compact(ctx context.Context, summarizer Summarizer) error {
	preserveFrom := turnBoundary(c.messages, c.preserveLastN)
	if preserveFrom <= 0 {
		return nil // preserve window covers everything; nothing to compact
	}

	prefix := c.messages[:preserveFrom]
	preserved := c.messages[preserveFrom:]

	summary, err := summarizer.Summarize(ctx, prefix)
	if err != nil {
		return fmt.Errorf("compaction summarize failed: %w", err)
	}

	replacement := []Message{
		{Role: "user", Content: "[Conversation summary] " + summary, CreatedAt: time.Now()},
		{Role: "assistant", Content: "Understood — continuing from the summary.", CreatedAt: time.Now()},
	}
	c.messages = append(replacement, preserved...)
	return nil
}

// RemoveLastTurns walks backwards from the tail, removing n complete
// user→assistant(+tool_results) turns. Used to implement rewind.
func (c *Conversation) RemoveLastTurns(n int) {
	for i := 0; i < n; i++ {
		boundary := lastTurnStart(c.messages)
		if boundary < 0 {
			c.messages = nil
			return
		}
		c.messages = c.messages[:boundary]
	}
}

// turnBoundary returns the index of the first message belonging to the last
// n turns (a "turn" is a user message plus everything up to, but excluding,
// the next user message). Returns -1 if n turns cover the whole history.
func turnBoundary(msgs []Message, n int) int {
	if n <= 0 {
		return len(msgs)
	}
	userSeen := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			userSeen++
			if userSeen == n {
				return i
			}
		}
	}
	return -1
}

// lastTurnStart returns the index where the final turn begins (the last
// user message), or -1 if there is no user message in msgs.
func lastTurnStart(msgs []Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return i
		}
	}
	return -1
}

// ToolResultFromMCP converts an mcp.ToolResult's text content into the
// string form AppendToolResult expects.
func ToolResultFromMCP(result *mcp.ToolResult) string {
	var text string
	for _, block := range result.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text
}
