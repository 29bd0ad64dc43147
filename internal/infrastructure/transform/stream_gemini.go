package transform

import (
	"encoding/json"

	"github.com/clawroute/clawroute/internal/infrastructure/llm/anthropic"
	"github.com/clawroute/clawroute/internal/infrastructure/llm/gemini"
)

// GeminiStreamTranslator converts a Gemini fragment stream into the Anthropic
// event sequence. Gemini streams whole Response objects whose parts carry
// either a text fragment or a complete functionCall, so tool_use blocks open
// and close within a single fragment.
type GeminiStreamTranslator struct {
	emit      EmitFunc
	messageID string
	model     string
	opts      Options

	started      bool
	textIndex    int
	nextIndex    int
	toolSeq      int
	finishReason string
	usage        anthropic.Usage
	hasToolUse   bool
	finished     bool
}

// NewGeminiStreamTranslator creates a translator emitting events through emit.
func NewGeminiStreamTranslator(messageID, model string, opts Options, emit EmitFunc) *GeminiStreamTranslator {
	return &GeminiStreamTranslator{
		emit:      emit,
		messageID: messageID,
		model:     model,
		opts:      opts,
		textIndex: -1,
	}
}

// OnFragment translates one upstream fragment.
func (t *GeminiStreamTranslator) OnFragment(frag *gemini.Response) error {
	if !t.started {
		t.started = true
		if err := t.emit(anthropic.MessageStart(t.messageID, t.model)); err != nil {
			return err
		}
	}

	if frag.UsageMetadata != nil {
		if frag.UsageMetadata.PromptTokenCount > 0 {
			t.usage.InputTokens = frag.UsageMetadata.PromptTokenCount
		}
		if frag.UsageMetadata.CandidatesTokenCount > 0 {
			t.usage.OutputTokens = frag.UsageMetadata.CandidatesTokenCount
		}
	}

	if len(frag.Candidates) == 0 {
		return nil
	}
	cand := frag.Candidates[0]

	for _, part := range cand.Content.Parts {
		if part.Text != "" {
			if t.textIndex == -1 {
				t.textIndex = t.nextIndex
				t.nextIndex++
				if err := t.emit(anthropic.TextBlockStart(t.textIndex)); err != nil {
					return err
				}
			}
			if err := t.emit(anthropic.TextDelta(t.textIndex, part.Text)); err != nil {
				return err
			}
		}

		if part.FunctionCall != nil {
			// A functionCall arrives whole: open, stream its args once, close.
			idx := t.nextIndex
			t.nextIndex++
			t.hasToolUse = true

			id := geminiToolCallID(part.FunctionCall.Name, t.toolSeq)
			t.toolSeq++

			if err := t.emit(anthropic.ToolUseBlockStart(idx, id, part.FunctionCall.Name)); err != nil {
				return err
			}
			args := part.FunctionCall.Args
			if args == nil {
				args = map[string]any{}
			}
			raw, err := json.Marshal(args)
			if err != nil {
				return err
			}
			if err := t.emit(anthropic.InputJSONDelta(idx, string(raw))); err != nil {
				return err
			}
			if err := t.emit(anthropic.BlockStop(idx)); err != nil {
				return err
			}
		}
	}

	if cand.FinishReason != "" {
		t.finishReason = cand.FinishReason
	}

	return nil
}

// Finish closes the open text block and emits message_delta + message_stop.
func (t *GeminiStreamTranslator) Finish() (string, error) {
	if t.finished {
		return t.stopReason(), nil
	}
	t.finished = true

	if !t.started {
		t.started = true
		if err := t.emit(anthropic.MessageStart(t.messageID, t.model)); err != nil {
			return "", err
		}
	}

	if t.textIndex != -1 {
		if err := t.emit(anthropic.BlockStop(t.textIndex)); err != nil {
			return "", err
		}
	}

	stop := t.stopReason()
	if err := t.emit(anthropic.MessageDelta(stop, &t.usage)); err != nil {
		return "", err
	}
	if err := t.emit(anthropic.MessageStop()); err != nil {
		return "", err
	}
	return stop, nil
}

// Abort emits a terminal error event on a mid-stream failure.
func (t *GeminiStreamTranslator) Abort(errType, message string) error {
	t.finished = true
	return t.emit(anthropic.ErrorEvent(errType, message))
}

// Started reports whether any event has been emitted toward the client.
func (t *GeminiStreamTranslator) Started() bool { return t.started }

// Usage returns the token usage observed so far.
func (t *GeminiStreamTranslator) Usage() anthropic.Usage { return t.usage }

func (t *GeminiStreamTranslator) stopReason() string {
	if t.hasToolUse {
		return anthropic.StopToolUse
	}
	return MapGeminiFinishReason(t.finishReason, t.opts)
}
