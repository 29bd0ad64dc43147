package transform

import (
	"fmt"

	"github.com/clawroute/clawroute/internal/infrastructure/llm/anthropic"
	"github.com/clawroute/clawroute/internal/infrastructure/llm/gemini"
	gwerr "github.com/clawroute/clawroute/pkg/errors"
)

// AnthropicToGemini translates an Anthropic Messages request into the
// project-scoped Gemini envelope for the given target model.
func AnthropicToGemini(req *anthropic.Request, project, model string, opts Options) (*gemini.Envelope, error) {
	if req.Model == "" {
		return nil, gwerr.NewInvalidShape("model")
	}
	if len(req.Messages) == 0 {
		return nil, gwerr.NewInvalidShape("messages")
	}

	inner := gemini.Request{
		GenerationConfig: &gemini.GenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			TopK:            req.TopK,
			MaxOutputTokens: opts.capMaxTokens(req.MaxTokens),
			StopSequences:   req.StopSequences,
		},
	}

	// System content is inlined ahead of the conversation: prepended as the
	// first user turn, or merged into it when the first turn is already user.
	sysText := req.System.Flatten()

	for i, msg := range req.Messages {
		content, fnResponses, err := translateGeminiMessage(i, msg)
		if err != nil {
			return nil, err
		}
		inner.Contents = append(inner.Contents, fnResponses...)
		if len(content.Parts) > 0 {
			inner.Contents = append(inner.Contents, content)
		}
	}

	if sysText != "" {
		if len(inner.Contents) > 0 && inner.Contents[0].Role == "user" {
			inner.Contents[0].Parts = append([]gemini.Part{{Text: sysText}}, inner.Contents[0].Parts...)
		} else {
			inner.Contents = append([]gemini.Content{{Role: "user", Parts: []gemini.Part{{Text: sysText}}}}, inner.Contents...)
		}
	}

	if len(req.Tools) > 0 {
		var decls []gemini.FunctionDeclaration
		for _, tool := range req.Tools {
			if tool.Name == "" {
				continue
			}
			decls = append(decls, gemini.FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			})
		}
		if len(decls) > 0 {
			inner.Tools = []gemini.ToolDeclaration{{FunctionDeclarations: decls}}
		}
	}

	return &gemini.Envelope{Project: project, Model: model, Request: inner}, nil
}

// translateGeminiMessage converts one Anthropic message into a Gemini turn.
// tool_result blocks become functionResponse parts in their own user turn,
// emitted before the remaining content.
func translateGeminiMessage(index int, msg anthropic.Message) (gemini.Content, []gemini.Content, error) {
	role := "user"
	if msg.Role == "assistant" {
		role = "model"
	}
	content := gemini.Content{Role: role}

	if msg.Content.IsText() {
		if msg.Content.Text != "" {
			content.Parts = append(content.Parts, gemini.Part{Text: msg.Content.Text})
		}
		return content, nil, nil
	}

	var fnResponses []gemini.Content
	for j, block := range msg.Content.Blocks {
		switch block.Type {
		case "text":
			if block.Text != "" {
				content.Parts = append(content.Parts, gemini.Part{Text: block.Text})
			}

		case "tool_use":
			if block.Name == "" {
				return content, nil, gwerr.NewInvalidShape(fmt.Sprintf("messages[%d].content[%d].name", index, j))
			}
			args := block.Input
			if args == nil {
				args = map[string]any{}
			}
			content.Parts = append(content.Parts, gemini.Part{
				FunctionCall: &gemini.FunctionCall{Name: block.Name, Args: args},
			})

		case "tool_result":
			if block.ToolUseID == "" {
				return content, nil, gwerr.NewInvalidShape(fmt.Sprintf("messages[%d].content[%d].tool_use_id", index, j))
			}
			fnResponses = append(fnResponses, gemini.Content{
				Role: "user",
				Parts: []gemini.Part{{
					FunctionResponse: &gemini.FunctionResponse{
						Name:     toolNameFromID(block.ToolUseID),
						Response: map[string]any{"output": block.Content.Flatten()},
					},
				}},
			})

		default:
			content.Parts = append(content.Parts, gemini.Part{Text: degradeBlock(block)})
		}
	}

	return content, fnResponses, nil
}

// GeminiToAnthropic translates a buffered Gemini response into the Anthropic
// response envelope.
func GeminiToAnthropic(resp *gemini.Response, messageID, clientModel string, opts Options) (*anthropic.Response, error) {
	if len(resp.Candidates) == 0 {
		return nil, gwerr.New(gwerr.KindResponseMalformed, "upstream response has no candidates")
	}

	cand := resp.Candidates[0]
	out := &anthropic.Response{
		ID:    messageID,
		Type:  "message",
		Role:  "assistant",
		Model: clientModel,
	}
	if resp.UsageMetadata != nil {
		out.Usage = anthropic.Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		}
	}

	toolSeq := 0
	for _, part := range cand.Content.Parts {
		if part.Text != "" {
			out.Content = append(out.Content, anthropic.ContentBlock{Type: "text", Text: part.Text})
		}
		if part.FunctionCall != nil {
			args := part.FunctionCall.Args
			if args == nil {
				args = map[string]any{}
			}
			out.Content = append(out.Content, anthropic.ContentBlock{
				Type:  "tool_use",
				ID:    geminiToolCallID(part.FunctionCall.Name, toolSeq),
				Name:  part.FunctionCall.Name,
				Input: args,
			})
			toolSeq++
		}
	}

	out.StopReason = MapGeminiFinishReason(cand.FinishReason, opts)
	if hasToolUse(out.Content) {
		out.StopReason = anthropic.StopToolUse
	}

	return out, nil
}

// MapGeminiFinishReason converts a Gemini finishReason to an Anthropic
// stop_reason. Unknown reasons default to end_turn.
func MapGeminiFinishReason(finishReason string, opts Options) string {
	switch finishReason {
	case gemini.FinishStop:
		return anthropic.StopEndTurn
	case gemini.FinishMaxTokens:
		return anthropic.StopMaxTokens
	case gemini.FinishSafety, gemini.FinishRecitation:
		return opts.safetyStop()
	default:
		return anthropic.StopEndTurn
	}
}

// geminiToolCallID synthesizes a stable id for a functionCall part; Gemini
// has no native tool call ids.
func geminiToolCallID(name string, seq int) string {
	return fmt.Sprintf("call_%s_%d", name, seq)
}

// toolNameFromID recovers the function name from a synthesized id so the
// functionResponse can reference it; foreign ids pass through unchanged.
func toolNameFromID(id string) string {
	var name string
	var seq int
	if n, err := fmt.Sscanf(id, "call_%s", &name); err == nil && n == 1 {
		if i := lastUnderscore(name); i > 0 {
			if _, err := fmt.Sscanf(name[i+1:], "%d", &seq); err == nil {
				return name[:i]
			}
		}
		return name
	}
	return id
}

func lastUnderscore(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '_' {
			return i
		}
	}
	return -1
}
