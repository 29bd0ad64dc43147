package transform

import (
	"encoding/json"
	"strings"

	"github.com/clawroute/clawroute/internal/infrastructure/llm/anthropic"
	"github.com/clawroute/clawroute/internal/infrastructure/llm/openai"
	"go.uber.org/zap"
)

// OpenAIStreamTranslator converts an OpenAI chunk stream into the Anthropic
// event sequence. Feed chunks with OnChunk in arrival order, then call
// Finish once the upstream stream terminates.
//
// Block bookkeeping: the text block opens lazily on the first non-empty text
// delta; each tool_calls index opens its own tool_use block on first
// appearance and receives raw argument fragments as input_json_delta events.
// Accumulated tool arguments are parsed as JSON exactly once, at stream end.
type OpenAIStreamTranslator struct {
	emit      EmitFunc
	logger    *zap.Logger
	messageID string
	model     string
	opts      Options

	started      bool
	textIndex    int
	nextIndex    int
	toolBlocks   map[int]*streamToolBlock // openai tool index → block state
	toolOrder    []int
	finishReason string
	usage        anthropic.Usage
	hasToolUse   bool
	finished     bool
}

type streamToolBlock struct {
	blockIndex int
	id         string
	name       string
	args       strings.Builder
}

// NewOpenAIStreamTranslator creates a translator emitting events through emit.
func NewOpenAIStreamTranslator(messageID, model string, opts Options, logger *zap.Logger, emit EmitFunc) *OpenAIStreamTranslator {
	return &OpenAIStreamTranslator{
		emit:       emit,
		logger:     logger,
		messageID:  messageID,
		model:      model,
		opts:       opts,
		textIndex:  -1,
		toolBlocks: make(map[int]*streamToolBlock),
	}
}

// OnChunk translates one upstream chunk.
func (t *OpenAIStreamTranslator) OnChunk(chunk *openai.StreamChunk) error {
	if !t.started {
		t.started = true
		if err := t.emit(anthropic.MessageStart(t.messageID, t.model)); err != nil {
			return err
		}
	}

	if chunk.Usage != nil {
		if chunk.Usage.PromptTokens > 0 {
			t.usage.InputTokens = chunk.Usage.PromptTokens
		}
		if chunk.Usage.CompletionTokens > 0 {
			t.usage.OutputTokens = chunk.Usage.CompletionTokens
		}
	}

	if len(chunk.Choices) == 0 {
		return nil
	}
	choice := chunk.Choices[0]

	if choice.Delta.Content != "" {
		if t.textIndex == -1 {
			t.textIndex = t.nextIndex
			t.nextIndex++
			if err := t.emit(anthropic.TextBlockStart(t.textIndex)); err != nil {
				return err
			}
		}
		if err := t.emit(anthropic.TextDelta(t.textIndex, choice.Delta.Content)); err != nil {
			return err
		}
	}

	for _, tc := range choice.Delta.ToolCalls {
		blk, ok := t.toolBlocks[tc.Index]
		if !ok {
			blk = &streamToolBlock{
				blockIndex: t.nextIndex,
				id:         tc.ID,
				name:       tc.Function.Name,
			}
			t.nextIndex++
			t.toolBlocks[tc.Index] = blk
			t.toolOrder = append(t.toolOrder, tc.Index)
			t.hasToolUse = true
			if err := t.emit(anthropic.ToolUseBlockStart(blk.blockIndex, blk.id, blk.name)); err != nil {
				return err
			}
		}
		if tc.ID != "" {
			blk.id = tc.ID
		}
		if tc.Function.Name != "" {
			blk.name = tc.Function.Name
		}
		if tc.Function.Arguments != "" {
			blk.args.WriteString(tc.Function.Arguments)
			if err := t.emit(anthropic.InputJSONDelta(blk.blockIndex, tc.Function.Arguments)); err != nil {
				return err
			}
		}
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		t.finishReason = *choice.FinishReason
	}

	return nil
}

// Finish closes all open blocks and emits message_delta + message_stop.
// Safe to call once; returns the final stop_reason.
func (t *OpenAIStreamTranslator) Finish() (string, error) {
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
	for _, idx := range t.toolOrder {
		blk := t.toolBlocks[idx]
		// Arguments are parsed exactly once, here at stream end.
		if args := blk.args.String(); args != "" {
			var parsed map[string]any
			if err := json.Unmarshal([]byte(args), &parsed); err != nil {
				t.logger.Warn("Streamed tool call arguments are not valid JSON",
					zap.String("tool", blk.name),
					zap.Error(err),
				)
			}
		}
		if err := t.emit(anthropic.BlockStop(blk.blockIndex)); err != nil {
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
func (t *OpenAIStreamTranslator) Abort(errType, message string) error {
	t.finished = true
	return t.emit(anthropic.ErrorEvent(errType, message))
}

// Started reports whether any event has been emitted toward the client.
func (t *OpenAIStreamTranslator) Started() bool { return t.started }

// Usage returns the token usage observed so far.
func (t *OpenAIStreamTranslator) Usage() anthropic.Usage { return t.usage }

func (t *OpenAIStreamTranslator) stopReason() string {
	if t.hasToolUse {
		return anthropic.StopToolUse
	}
	return MapOpenAIFinishReason(t.finishReason, t.opts)
}
