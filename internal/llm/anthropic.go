package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/suvfin/internal/httpkit"
)

const (
	anthropicDefaultURL = "https://api.anthropic.com"
	anthropicAPIVersion = "2023-06-01"
	defaultMaxTokens    = 2048
)

// AnthropicConfig configures an AnthropicClient.
type AnthropicConfig struct {
	APIKey string
	// BaseURL overrides the API host (tests point it at httptest).
	BaseURL string
	// Timeout bounds a single Chat call. Zero means 120s.
	Timeout time.Duration
}

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(cfg AnthropicConfig, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = anthropicDefaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	// Long prompts and vision calls can take a while before headers
	// arrive.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = cfg.Timeout

	return &AnthropicClient{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		logger:  logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(
			// Deadlines come from ctx; see Chat.
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// Anthropic wire types

type anthropicRequest struct {
	Model     string             `json:"model"`
	System    any                `json:"system,omitempty"` // string or []anthropicSystemBlock
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicCacheControl struct {
	Type string `json:"type"`
}

type anthropicSystemBlock struct {
	Type         string                 `json:"type"`
	Text         string                 `json:"text"`
	CacheControl *anthropicCacheControl `json:"cache_control,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicContent struct {
	Type      string                `json:"type"`
	Text      string                `json:"text,omitempty"`
	Source    *anthropicImageSource `json:"source,omitempty"`
	ID        string                `json:"id,omitempty"`
	Name      string                `json:"name,omitempty"`
	Input     any                   `json:"input,omitempty"`
	ToolUseID string                `json:"tool_use_id,omitempty"`
	Content   string                `json:"content,omitempty"` // for tool_result
	IsError   bool                  `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// Chat sends a non-streaming Messages API request.
func (c *AnthropicClient) Chat(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	wire := buildAnthropicRequest(req)

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(wire.Messages),
		"tools", len(wire.Tools),
		"cache_system", req.CacheSystem,
		"system_len", len(req.System),
		"system_context_len", len(req.SystemContext),
	)

	jsonData, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "model", req.Model, "body", errBody)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: errBody}
	}

	var ar anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	result := convertFromAnthropic(&ar)

	c.logger.Debug("response received",
		"model", result.Model,
		"stop_reason", result.StopReason,
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens,
		"cache_read_tokens", result.Usage.CacheReadTokens,
		"cache_creation_tokens", result.Usage.CacheCreationTokens,
		"tool_calls", len(result.ToolUses()),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Text())

	return result, nil
}

func buildAnthropicRequest(req Request) anthropicRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	wire := anthropicRequest{
		Model:     req.Model,
		Messages:  convertToAnthropic(req.Messages),
		MaxTokens: maxTokens,
		Tools:     convertToolsToAnthropic(req.Tools),
	}

	switch {
	case req.System == "" && req.SystemContext == "":
	case req.CacheSystem && req.System != "":
		blocks := []anthropicSystemBlock{{
			Type:         "text",
			Text:         req.System,
			CacheControl: &anthropicCacheControl{Type: "ephemeral"},
		}}
		if req.SystemContext != "" {
			blocks = append(blocks, anthropicSystemBlock{Type: "text", Text: req.SystemContext})
		}
		wire.System = blocks
	default:
		wire.System = joinSystem(req.System, req.SystemContext)
	}
	return wire
}

func joinSystem(base, turn string) string {
	switch {
	case base == "":
		return turn
	case turn == "":
		return base
	}
	return base + "\n\n" + turn
}

// convertToAnthropic converts messages to the wire format. Every
// message is sent with block content.
func convertToAnthropic(messages []Message) []anthropicMessage {
	result := make([]anthropicMessage, 0, len(messages))
	for _, msg := range messages {
		blocks := make([]anthropicContent, 0, len(msg.Content))
		for _, b := range msg.Content {
			switch b.Type {
			case BlockText:
				blocks = append(blocks, anthropicContent{Type: "text", Text: b.Text})
			case BlockImage:
				blocks = append(blocks, anthropicContent{
					Type: "image",
					Source: &anthropicImageSource{
						Type:      "base64",
						MediaType: b.MediaType,
						Data:      base64.StdEncoding.EncodeToString(b.Data),
					},
				})
			case BlockToolUse:
				input := b.Input
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropicContent{
					Type:  "tool_use",
					ID:    b.ID,
					Name:  b.Name,
					Input: input,
				})
			case BlockToolResult:
				blocks = append(blocks, anthropicContent{
					Type:      "tool_result",
					ToolUseID: b.ToolUseID,
					Content:   b.Content,
					IsError:   b.IsError,
				})
			}
		}
		result = append(result, anthropicMessage{Role: msg.Role, Content: blocks})
	}
	return result
}

func convertToolsToAnthropic(tools []ToolDefinition) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]anthropicTool, 0, len(tools))
	for _, t := range tools {
		var schema any = t.InputSchema
		if t.InputSchema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return result
}

// convertFromAnthropic converts an Anthropic response to our internal format.
func convertFromAnthropic(resp *anthropicResponse) *Response {
	out := &Response{
		ID:         resp.ID,
		Model:      resp.Model,
		StopReason: resp.StopReason,
		Usage: Usage{
			InputTokens:         resp.Usage.InputTokens,
			OutputTokens:        resp.Usage.OutputTokens,
			CacheReadTokens:     resp.Usage.CacheReadInputTokens,
			CacheCreationTokens: resp.Usage.CacheCreationInputTokens,
		},
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Content = append(out.Content, TextBlock(block.Text))
		case "tool_use":
			args, ok := block.Input.(map[string]any)
			if !ok {
				args = map[string]any{}
			}
			out.Content = append(out.Content, ToolUseBlock(block.ID, block.Name, args))
		}
	}
	return out
}
