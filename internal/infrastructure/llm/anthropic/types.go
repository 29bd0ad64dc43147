package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"
)

// --- Anthropic Messages API Types ---
//
// This is the client-facing envelope the gateway accepts and emits.
// Key shape notes:
// - Message content is either a plain string or a list of typed blocks
// - Tool calls are content blocks with type "tool_use"
// - Tool results are sent as role "user" with type "tool_result"
// - System prompt is a separate top-level field: string or text-block list

// Request is the Anthropic Messages API request format.
type Request struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	System        *SystemPrompt   `json:"system,omitempty"`
	Messages      []Message       `json:"messages"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// DecodeRequest parses a request body. It never panics on bad input; the
// returned error names the offending field path.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if req.Model == "" {
		return nil, &FieldError{Path: "model", Reason: "required"}
	}
	if len(req.Messages) == 0 {
		return nil, &FieldError{Path: "messages", Reason: "required"}
	}
	for i, msg := range req.Messages {
		switch msg.Role {
		case "user", "assistant", "system":
		default:
			return nil, &FieldError{Path: fmt.Sprintf("messages[%d].role", i), Reason: "must be user, assistant, or system"}
		}
	}
	return &req, nil
}

// FieldError reports a structurally invalid field.
type FieldError struct {
	Path   string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %s: %s", e.Path, e.Reason)
}

// SystemPrompt accepts a plain string or a list of text blocks and exposes
// the concatenated text.
type SystemPrompt struct {
	Text   string
	Blocks []ContentBlock
}

// SystemText builds a plain-string system prompt.
func SystemText(text string) *SystemPrompt {
	return &SystemPrompt{Text: text}
}

// Flatten joins block texts with single spaces; a plain string passes through.
func (s *SystemPrompt) Flatten() string {
	if s == nil {
		return ""
	}
	if len(s.Blocks) == 0 {
		return s.Text
	}
	parts := make([]string, 0, len(s.Blocks))
	for _, b := range s.Blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, " ")
}

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &s.Text)
	}
	return json.Unmarshal(data, &s.Blocks)
}

func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if len(s.Blocks) > 0 {
		return json.Marshal(s.Blocks)
	}
	return json.Marshal(s.Text)
}

// Message represents one conversation turn.
type Message struct {
	Role    string         `json:"role"` // "user" | "assistant" | "system"
	Content MessageContent `json:"content"`
}

// MessageContent is either a plain string or an ordered block list.
type MessageContent struct {
	Text   string
	Blocks []ContentBlock
	isText bool
}

// TextContent builds plain-string content.
func TextContent(text string) MessageContent {
	return MessageContent{Text: text, isText: true}
}

// BlockContent builds block-list content.
func BlockContent(blocks ...ContentBlock) MessageContent {
	return MessageContent{Blocks: blocks}
}

// IsText reports whether the content was a plain string on the wire.
func (c MessageContent) IsText() bool { return c.isText }

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		c.isText = true
		return json.Unmarshal(data, &c.Text)
	}
	return json.Unmarshal(data, &c.Blocks)
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.isText {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Blocks)
}

// ContentBlock is a polymorphic content element.
type ContentBlock struct {
	Type string `json:"type"` // "text" | "tool_use" | "tool_result"

	// For type "text"
	Text string `json:"text,omitempty"`

	// For type "tool_use" (assistant requesting a tool call)
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For type "tool_result" (user providing tool output)
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   *ResultContent `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`

	// Unknown block types carry their raw form so content never silently
	// disappears; see transform for the text degradation.
	Raw json.RawMessage `json:"-"`
}

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	type plain ContentBlock
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*b = ContentBlock(p)
	switch b.Type {
	case "text", "tool_use", "tool_result":
	default:
		b.Raw = append(json.RawMessage(nil), data...)
	}
	return nil
}

func (b ContentBlock) MarshalJSON() ([]byte, error) {
	if len(b.Raw) > 0 {
		return b.Raw, nil
	}
	type plain ContentBlock
	return json.Marshal(plain(b))
}

// ResultContent is a tool_result payload: plain string or nested text blocks.
type ResultContent struct {
	Text   string
	Blocks []ContentBlock
	isText bool
}

// TextResult builds a plain-string result payload.
func TextResult(text string) *ResultContent {
	return &ResultContent{Text: text, isText: true}
}

// Flatten renders the payload as a single string.
func (r *ResultContent) Flatten() string {
	if r == nil {
		return ""
	}
	if r.isText || len(r.Blocks) == 0 {
		return r.Text
	}
	parts := make([]string, 0, len(r.Blocks))
	for _, b := range r.Blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func (r *ResultContent) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		r.isText = true
		return json.Unmarshal(data, &r.Text)
	}
	return json.Unmarshal(data, &r.Blocks)
}

func (r ResultContent) MarshalJSON() ([]byte, error) {
	if r.isText {
		return json.Marshal(r.Text)
	}
	return json.Marshal(r.Blocks)
}

// Tool is an Anthropic tool definition.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ToolChoice accepts "auto" / "any" / "none" or {"type":"tool","name":X}.
type ToolChoice struct {
	Type string `json:"type"` // "auto" | "any" | "none" | "tool"
	Name string `json:"name,omitempty"`
}

func (t *ToolChoice) UnmarshalJSON(data []byte) error {
	if data[0] == '"' {
		return json.Unmarshal(data, &t.Type)
	}
	type plain ToolChoice
	return json.Unmarshal(data, (*plain)(t))
}

func (t ToolChoice) MarshalJSON() ([]byte, error) {
	if t.Name == "" {
		return json.Marshal(t.Type)
	}
	type plain ToolChoice
	return json.Marshal(plain(t))
}

// Response is the Anthropic Messages API response.
type Response struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"` // "message"
	Role         string         `json:"role"` // "assistant"
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason"` // end_turn | max_tokens | tool_use | stop_sequence
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// Stop reasons emitted to the client.
const (
	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopToolUse      = "tool_use"
	StopStopSequence = "stop_sequence"
)

// Usage reports token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns total token count.
func (u *Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// ErrorResponse is the error envelope emitted on non-2xx responses.
type ErrorResponse struct {
	Type  string      `json:"type"` // always "error"
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the classification and diagnostic context.
type ErrorDetail struct {
	Type    string        `json:"type"`
	Message string        `json:"message"`
	Details *ErrorDetails `json:"details,omitempty"`
}

// ErrorDetails is the structured diagnostic trail of a failed request.
type ErrorDetails struct {
	Provider      string `json:"provider,omitempty"`
	Model         string `json:"model,omitempty"`
	Stage         string `json:"stage,omitempty"`
	RetryCount    int    `json:"retryCount"`
	OriginalError string `json:"originalError,omitempty"`
}
