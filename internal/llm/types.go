package llm

import (
	"log/slog"
	"strings"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// BlockType identifies the variant held by a ContentBlock.
type BlockType string

// Content block variants.
const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Stop reasons reported by the provider.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// ContentBlock is one segment of a message. Which fields are set
// depends on Type.
type ContentBlock struct {
	Type BlockType

	// Text is set for BlockText.
	Text string

	// MediaType and Data are set for BlockImage. Data holds raw bytes;
	// encoding happens at the provider boundary.
	MediaType string
	Data      []byte

	// ID, Name and Input are set for BlockToolUse.
	ID    string
	Name  string
	Input map[string]any

	// ToolUseID, Content and IsError are set for BlockToolResult.
	ToolUseID string
	Content   string
	IsError   bool
}

// TextBlock returns a text content block.
func TextBlock(s string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: s}
}

// ImageBlock returns an image content block.
func ImageBlock(mediaType string, data []byte) ContentBlock {
	return ContentBlock{Type: BlockImage, MediaType: mediaType, Data: data}
}

// ToolUseBlock returns a tool invocation block.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock returns the result for the tool_use with the given id.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Message is one conversation record.
type Message struct {
	Role    string
	Content []ContentBlock
}

// NewTextMessage builds a single-block text message.
func NewTextMessage(role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{TextBlock(text)}}
}

// Text concatenates the message's text blocks.
func (m Message) Text() string {
	return joinText(m.Content)
}

// ToolDefinition describes one tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Request is a single model invocation.
type Request struct {
	Model string
	// System is the static system prompt. When CacheSystem is set it is
	// sent as a cacheable segment, so it must not vary between users or
	// turns.
	System string
	// SystemContext is the per-turn tail (user identity, date). It
	// follows System and is never cached.
	SystemContext string
	CacheSystem   bool
	Messages      []Message
	Tools       []ToolDefinition
	MaxTokens   int
}

// Usage is the token accounting of a response. Missing fields are zero.
type Usage struct {
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
}

// Add accumulates o into u.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheReadTokens += o.CacheReadTokens
	u.CacheCreationTokens += o.CacheCreationTokens
}

// Response is the provider-neutral model response.
type Response struct {
	ID         string
	Model      string
	StopReason string
	Content    []ContentBlock
	Usage      Usage
}

// Text concatenates all text segments of the response.
func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	return joinText(r.Content)
}

// ToolUses returns the tool invocation blocks in response order.
func (r *Response) ToolUses() []ContentBlock {
	if r == nil {
		return nil
	}
	var out []ContentBlock
	for _, b := range r.Content {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// NeedsTools reports whether the model stopped to request tool calls.
func (r *Response) NeedsTools() bool {
	return r != nil && r.StopReason == StopToolUse && len(r.ToolUses()) > 0
}

func joinText(blocks []ContentBlock) string {
	var b strings.Builder
	for _, c := range blocks {
		if c.Type == BlockText {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// DetectImageType sniffs the media type of an image from its magic
// bytes. Unknown formats are reported as JPEG.
func DetectImageType(data []byte) string {
	switch {
	case len(data) >= 8 && string(data[:8]) == "\x89PNG\r\n\x1a\n":
		return "image/png"
	case len(data) >= 6 && (string(data[:6]) == "GIF87a" || string(data[:6]) == "GIF89a"):
		return "image/gif"
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return "image/webp"
	}
	return "image/jpeg"
}
