// Package transform translates requests and responses between the Anthropic
// client envelope and the provider wire formats. OpenAI chat-completions is
// the canonical interior shape; Gemini has its own pair of translators.
//
// Translation is total on well-formed inputs: unknown content blocks are
// serialized back to text with an "[Object: ...]" marker instead of being
// dropped, so content never silently disappears. All failure branches return
// a typed error; translators never synthesize replacement requests.
package transform

import (
	"encoding/json"
	"fmt"

	"github.com/clawroute/clawroute/internal/infrastructure/llm/anthropic"
)

// DefaultMaxTokens is applied when a request omits max_tokens.
const DefaultMaxTokens = 4096

// Options parameterize a translator. The zero value is usable.
type Options struct {
	// MaxTokensCeiling caps max_tokens for the selected model; 0 = no cap.
	MaxTokensCeiling int

	// SafetyStopReason is the stop_reason emitted when an upstream finishes
	// via a safety/content filter: "stop_sequence" (default) or "end_turn".
	SafetyStopReason string
}

func (o Options) safetyStop() string {
	if o.SafetyStopReason == "" {
		return anthropic.StopStopSequence
	}
	return o.SafetyStopReason
}

func (o Options) capMaxTokens(requested int) int {
	if requested <= 0 {
		requested = DefaultMaxTokens
	}
	if o.MaxTokensCeiling > 0 && requested > o.MaxTokensCeiling {
		return o.MaxTokensCeiling
	}
	return requested
}

// EmitFunc receives translated Anthropic stream events in order.
type EmitFunc func(anthropic.StreamEvent) error

// degradeBlock renders a block that neither translates nor passes through as
// marker text, the single documented unknown-content escape hatch.
func degradeBlock(b anthropic.ContentBlock) string {
	if len(b.Raw) > 0 {
		return fmt.Sprintf("[Object: %s]", string(b.Raw))
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Sprintf("[Object: %s]", b.Type)
	}
	return fmt.Sprintf("[Object: %s]", string(raw))
}
