package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/clawroute/clawroute/internal/infrastructure/llm/anthropic"
	"github.com/clawroute/clawroute/internal/infrastructure/llm/openai"
	gwerr "github.com/clawroute/clawroute/pkg/errors"
)

// AnthropicToOpenAI translates an Anthropic Messages request into the
// canonical OpenAI chat-completions form for the given target model.
func AnthropicToOpenAI(req *anthropic.Request, model string, opts Options) (*openai.Request, error) {
	if req.Model == "" {
		return nil, gwerr.NewInvalidShape("model")
	}
	if len(req.Messages) == 0 {
		return nil, gwerr.NewInvalidShape("messages")
	}

	out := &openai.Request{
		Model:       model,
		MaxTokens:   opts.capMaxTokens(req.MaxTokens),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
	}

	if sys := req.System.Flatten(); sys != "" {
		out.Messages = append(out.Messages, openai.Message{Role: "system", Content: strptr(sys)})
	}

	for i, msg := range req.Messages {
		msgs, err := translateMessage(i, msg)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, msgs...)
	}

	for _, tool := range req.Tools {
		if tool.Name == "" {
			continue
		}
		out.Tools = append(out.Tools, openai.Tool{
			Type: "function",
			Function: openai.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  openai.EnsureSchema(tool.InputSchema),
			},
		})
	}

	if req.ToolChoice != nil {
		switch req.ToolChoice.Type {
		case "auto":
			out.ToolChoice = "auto"
		case "any":
			out.ToolChoice = "required"
		case "none":
			out.ToolChoice = "none"
		case "tool":
			out.ToolChoice = openai.ForcedToolChoice{
				Type:     "function",
				Function: openai.ToolChoiceTarget{Name: req.ToolChoice.Name},
			}
		default:
			return nil, gwerr.NewInvalidShape("tool_choice.type")
		}
	}

	return out, nil
}

// translateMessage expands one Anthropic message into its OpenAI messages.
// A user message containing tool_result blocks yields one role=tool message
// per result (in block order) before any remaining text.
func translateMessage(index int, msg anthropic.Message) ([]openai.Message, error) {
	if msg.Content.IsText() {
		return []openai.Message{{Role: msg.Role, Content: strptr(msg.Content.Text)}}, nil
	}

	var (
		textBuf   strings.Builder
		toolCalls []openai.ToolCall
		toolMsgs  []openai.Message
	)

	for j, block := range msg.Content.Blocks {
		switch block.Type {
		case "text":
			textBuf.WriteString(block.Text)

		case "tool_use":
			if block.Name == "" {
				return nil, gwerr.NewInvalidShape(fmt.Sprintf("messages[%d].content[%d].name", index, j))
			}
			toolCalls = append(toolCalls, openai.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: openai.ToolCallFunc{
					Name:      block.Name,
					Arguments: openai.MarshalToolCallArgs(block.Input),
				},
			})

		case "tool_result":
			if block.ToolUseID == "" {
				return nil, gwerr.NewInvalidShape(fmt.Sprintf("messages[%d].content[%d].tool_use_id", index, j))
			}
			toolMsgs = append(toolMsgs, openai.Message{
				Role:       "tool",
				ToolCallID: block.ToolUseID,
				Content:    strptr(block.Content.Flatten()),
			})

		default:
			// Unknown blocks degrade to marker text rather than vanishing.
			textBuf.WriteString(degradeBlock(block))
		}
	}

	out := toolMsgs
	text := textBuf.String()

	if len(toolCalls) > 0 {
		m := openai.Message{Role: msg.Role, ToolCalls: toolCalls}
		if text != "" {
			m.Content = strptr(text)
		}
		out = append(out, m)
	} else if text != "" || len(toolMsgs) == 0 {
		out = append(out, openai.Message{Role: msg.Role, Content: strptr(text)})
	}

	return out, nil
}

// OpenAIToAnthropicRequest translates an OpenAI request back into the
// Anthropic envelope. Inbound role=tool messages become user messages with a
// tool_result block.
func OpenAIToAnthropicRequest(req *openai.Request) (*anthropic.Request, error) {
	if req.Model == "" {
		return nil, gwerr.NewInvalidShape("model")
	}

	out := &anthropic.Request{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        req.Stream,
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			if out.System == nil {
				out.System = anthropic.SystemText(msg.Text())
			} else {
				out.System.Text += " " + msg.Text()
			}

		case "tool":
			out.Messages = append(out.Messages, anthropic.Message{
				Role: "user",
				Content: anthropic.BlockContent(anthropic.ContentBlock{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   anthropic.TextResult(msg.Text()),
				}),
			})

		case "assistant":
			if len(msg.ToolCalls) == 0 {
				out.Messages = append(out.Messages, anthropic.Message{
					Role:    "assistant",
					Content: anthropic.TextContent(msg.Text()),
				})
				continue
			}
			var blocks []anthropic.ContentBlock
			if txt := msg.Text(); txt != "" {
				blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: txt})
			}
			for _, tc := range msg.ToolCalls {
				input, err := parseToolArguments(tc.Function.Arguments)
				if err != nil {
					return nil, gwerr.Wrap(gwerr.KindInvalidRequestShape,
						fmt.Sprintf("tool_calls[%s].function.arguments", tc.ID), err)
				}
				blocks = append(blocks, anthropic.ContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: input,
				})
			}
			out.Messages = append(out.Messages, anthropic.Message{
				Role:    "assistant",
				Content: anthropic.BlockContent(blocks...),
			})

		default: // user
			out.Messages = append(out.Messages, anthropic.Message{
				Role:    msg.Role,
				Content: anthropic.TextContent(msg.Text()),
			})
		}
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, anthropic.Tool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: tool.Function.Parameters,
		})
	}

	switch tc := req.ToolChoice.(type) {
	case nil:
	case string:
		switch tc {
		case "auto":
			out.ToolChoice = &anthropic.ToolChoice{Type: "auto"}
		case "required":
			out.ToolChoice = &anthropic.ToolChoice{Type: "any"}
		case "none":
			out.ToolChoice = &anthropic.ToolChoice{Type: "none"}
		}
	case openai.ForcedToolChoice:
		out.ToolChoice = &anthropic.ToolChoice{Type: "tool", Name: tc.Function.Name}
	}

	return out, nil
}

// OpenAIToAnthropic translates a buffered OpenAI response into the Anthropic
// response envelope. clientModel is echoed back as the client-facing name.
func OpenAIToAnthropic(resp *openai.Response, messageID, clientModel string, opts Options) (*anthropic.Response, error) {
	if len(resp.Choices) == 0 {
		return nil, gwerr.New(gwerr.KindResponseMalformed, "upstream response has no choices")
	}

	choice := resp.Choices[0]
	out := &anthropic.Response{
		ID:    messageID,
		Type:  "message",
		Role:  "assistant",
		Model: clientModel,
		Usage: anthropic.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}

	if txt := choice.Message.Text(); txt != "" {
		out.Content = append(out.Content, anthropic.ContentBlock{Type: "text", Text: txt})
	}

	for _, tc := range choice.Message.ToolCalls {
		input, err := parseToolArguments(tc.Function.Arguments)
		if err != nil {
			return nil, gwerr.Wrap(gwerr.KindResponseMalformed,
				fmt.Sprintf("tool call %s arguments are not valid JSON", tc.Function.Name), err)
		}
		out.Content = append(out.Content, anthropic.ContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}

	out.StopReason = MapOpenAIFinishReason(choice.FinishReason, opts)
	if hasToolUse(out.Content) {
		out.StopReason = anthropic.StopToolUse
	}

	return out, nil
}

// MapOpenAIFinishReason converts an OpenAI finish_reason to an Anthropic
// stop_reason. Unknown reasons default to end_turn so stop_reason is never
// empty on a successful response.
func MapOpenAIFinishReason(finishReason string, opts Options) string {
	switch finishReason {
	case openai.FinishStop:
		return anthropic.StopEndTurn
	case openai.FinishLength:
		return anthropic.StopMaxTokens
	case openai.FinishToolCalls, openai.FinishFunctionCall:
		return anthropic.StopToolUse
	case openai.FinishContentFilter:
		return opts.safetyStop()
	default:
		return anthropic.StopEndTurn
	}
}

func hasToolUse(blocks []anthropic.ContentBlock) bool {
	for _, b := range blocks {
		if b.Type == "tool_use" {
			return true
		}
	}
	return false
}

func parseToolArguments(args string) (map[string]any, error) {
	if args == "" {
		return map[string]any{}, nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(args), &input); err != nil {
		return nil, err
	}
	return input, nil
}

func strptr(s string) *string { return &s }
