package transform

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/clawroute/clawroute/internal/infrastructure/llm/anthropic"
	"github.com/clawroute/clawroute/internal/infrastructure/llm/openai"
	gwerr "github.com/clawroute/clawroute/pkg/errors"
)

func f64(v float64) *float64 { return &v }

func TestAnthropicToOpenAI_TextRequest(t *testing.T) {
	req := &anthropic.Request{
		Model:     "claude-3-5-sonnet",
		MaxTokens: 10,
		Messages: []anthropic.Message{
			{Role: "user", Content: anthropic.TextContent("Hello")},
		},
	}

	out, err := AnthropicToOpenAI(req, "qwen3-max", Options{})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if out.Model != "qwen3-max" {
		t.Errorf("model = %q, want qwen3-max", out.Model)
	}
	if out.MaxTokens != 10 {
		t.Errorf("max_tokens = %d, want 10", out.MaxTokens)
	}
	if len(out.Messages) != 1 || out.Messages[0].Role != "user" || out.Messages[0].Text() != "Hello" {
		t.Fatalf("unexpected messages: %+v", out.Messages)
	}
}

func TestAnthropicToOpenAI_DefaultsAndCapsMaxTokens(t *testing.T) {
	req := &anthropic.Request{
		Model:    "m",
		Messages: []anthropic.Message{{Role: "user", Content: anthropic.TextContent("hi")}},
	}

	out, err := AnthropicToOpenAI(req, "m", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.MaxTokens != DefaultMaxTokens {
		t.Errorf("default max_tokens = %d, want %d", out.MaxTokens, DefaultMaxTokens)
	}

	req.MaxTokens = 100000
	out, err = AnthropicToOpenAI(req, "m", Options{MaxTokensCeiling: 8192})
	if err != nil {
		t.Fatal(err)
	}
	if out.MaxTokens != 8192 {
		t.Errorf("capped max_tokens = %d, want 8192", out.MaxTokens)
	}
}

func TestAnthropicToOpenAI_SystemForms(t *testing.T) {
	// Plain string system
	req := &anthropic.Request{
		Model:    "m",
		System:   anthropic.SystemText("be brief"),
		Messages: []anthropic.Message{{Role: "user", Content: anthropic.TextContent("hi")}},
	}
	out, err := AnthropicToOpenAI(req, "m", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Messages[0].Role != "system" || out.Messages[0].Text() != "be brief" {
		t.Fatalf("system message not prepended: %+v", out.Messages[0])
	}

	// Block-list system joins with single spaces
	req.System = &anthropic.SystemPrompt{Blocks: []anthropic.ContentBlock{
		{Type: "text", Text: "be"},
		{Type: "text", Text: "brief"},
	}}
	out, err = AnthropicToOpenAI(req, "m", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Messages[0].Text() != "be brief" {
		t.Errorf("joined system = %q, want %q", out.Messages[0].Text(), "be brief")
	}
}

func TestAnthropicToOpenAI_ToolUseAndResult(t *testing.T) {
	req := &anthropic.Request{
		Model: "m",
		Messages: []anthropic.Message{
			{Role: "user", Content: anthropic.TextContent("weather in Tokyo?")},
			{Role: "assistant", Content: anthropic.BlockContent(anthropic.ContentBlock{
				Type: "tool_use", ID: "call_1", Name: "get_weather",
				Input: map[string]any{"city": "Tokyo"},
			})},
			{Role: "user", Content: anthropic.BlockContent(anthropic.ContentBlock{
				Type: "tool_result", ToolUseID: "call_1",
				Content: anthropic.TextResult("sunny"),
			})},
		},
		Tools: []anthropic.Tool{
			{Name: "get_weather", Description: "weather lookup", InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"city": map[string]any{"type": "string"}},
			}},
		},
	}

	out, err := AnthropicToOpenAI(req, "m", Options{})
	if err != nil {
		t.Fatal(err)
	}

	if len(out.Messages) != 3 {
		t.Fatalf("messages = %d, want 3: %+v", len(out.Messages), out.Messages)
	}

	asst := out.Messages[1]
	if asst.Content != nil {
		t.Errorf("assistant content should be null with only tool_use blocks, got %q", *asst.Content)
	}
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "call_1" {
		t.Fatalf("unexpected tool_calls: %+v", asst.ToolCalls)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(asst.ToolCalls[0].Function.Arguments), &args); err != nil {
		t.Fatalf("arguments not valid JSON: %v", err)
	}
	if args["city"] != "Tokyo" {
		t.Errorf("arguments = %v", args)
	}

	toolMsg := out.Messages[2]
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "call_1" || toolMsg.Text() != "sunny" {
		t.Fatalf("unexpected tool message: %+v", toolMsg)
	}

	if len(out.Tools) != 1 || out.Tools[0].Type != "function" || out.Tools[0].Function.Name != "get_weather" {
		t.Fatalf("unexpected tools: %+v", out.Tools)
	}
}

func TestAnthropicToOpenAI_ToolWithoutNameDropped(t *testing.T) {
	req := &anthropic.Request{
		Model:    "m",
		Messages: []anthropic.Message{{Role: "user", Content: anthropic.TextContent("hi")}},
		Tools:    []anthropic.Tool{{Name: ""}, {Name: "real"}},
	}
	out, err := AnthropicToOpenAI(req, "m", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Tools) != 1 || out.Tools[0].Function.Name != "real" {
		t.Fatalf("nameless tool not dropped: %+v", out.Tools)
	}
}

func TestAnthropicToOpenAI_ToolChoiceMapping(t *testing.T) {
	tests := []struct {
		in   *anthropic.ToolChoice
		want any
	}{
		{&anthropic.ToolChoice{Type: "auto"}, "auto"},
		{&anthropic.ToolChoice{Type: "any"}, "required"},
		{&anthropic.ToolChoice{Type: "none"}, "none"},
		{&anthropic.ToolChoice{Type: "tool", Name: "get_weather"},
			openai.ForcedToolChoice{Type: "function", Function: openai.ToolChoiceTarget{Name: "get_weather"}}},
	}

	for _, tt := range tests {
		req := &anthropic.Request{
			Model:      "m",
			Messages:   []anthropic.Message{{Role: "user", Content: anthropic.TextContent("hi")}},
			ToolChoice: tt.in,
		}
		out, err := AnthropicToOpenAI(req, "m", Options{})
		if err != nil {
			t.Fatalf("%s: %v", tt.in.Type, err)
		}
		if !reflect.DeepEqual(out.ToolChoice, tt.want) {
			t.Errorf("tool_choice %s = %v, want %v", tt.in.Type, out.ToolChoice, tt.want)
		}
	}
}

func TestAnthropicToOpenAI_UnknownBlockDegradesToText(t *testing.T) {
	var block anthropic.ContentBlock
	if err := json.Unmarshal([]byte(`{"type":"system-reminder","note":"x"}`), &block); err != nil {
		t.Fatal(err)
	}
	req := &anthropic.Request{
		Model: "m",
		Messages: []anthropic.Message{
			{Role: "user", Content: anthropic.BlockContent(
				anthropic.ContentBlock{Type: "text", Text: "hi "},
				block,
			)},
		},
	}

	out, err := AnthropicToOpenAI(req, "m", Options{})
	if err != nil {
		t.Fatal(err)
	}
	got := out.Messages[0].Text()
	if got == "hi " {
		t.Fatal("unknown block silently dropped")
	}
	if want := "hi [Object: "; len(got) < len(want) || got[:len(want)] != want {
		t.Errorf("degraded text = %q", got)
	}
}

func TestAnthropicToOpenAI_MissingFields(t *testing.T) {
	_, err := AnthropicToOpenAI(&anthropic.Request{Messages: []anthropic.Message{{Role: "user", Content: anthropic.TextContent("x")}}}, "m", Options{})
	if !gwerr.IsKind(err, gwerr.KindInvalidRequestShape) {
		t.Errorf("missing model: got %v", err)
	}
	_, err = AnthropicToOpenAI(&anthropic.Request{Model: "m"}, "m", Options{})
	if !gwerr.IsKind(err, gwerr.KindInvalidRequestShape) {
		t.Errorf("missing messages: got %v", err)
	}
}

func TestOpenAIToAnthropic_TextResponse(t *testing.T) {
	resp := &openai.Response{
		Model: "qwen3-max",
		Choices: []openai.Choice{{
			Message:      openai.Message{Role: "assistant", Content: strptr("Hi")},
			FinishReason: "stop",
		}},
		Usage: openai.Usage{PromptTokens: 1, CompletionTokens: 1},
	}

	out, err := OpenAIToAnthropic(resp, "msg_1", "claude-3-5-sonnet", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.StopReason != anthropic.StopEndTurn {
		t.Errorf("stop_reason = %q, want end_turn", out.StopReason)
	}
	if out.Model != "claude-3-5-sonnet" {
		t.Errorf("model = %q, client name not echoed", out.Model)
	}
	if len(out.Content) != 1 || out.Content[0].Type != "text" || out.Content[0].Text != "Hi" {
		t.Fatalf("content = %+v", out.Content)
	}
	if out.Usage.InputTokens != 1 || out.Usage.OutputTokens != 1 {
		t.Errorf("usage = %+v", out.Usage)
	}
}

func TestOpenAIToAnthropic_ToolCallResponse(t *testing.T) {
	resp := &openai.Response{
		Choices: []openai.Choice{{
			Message: openai.Message{
				Role: "assistant",
				ToolCalls: []openai.ToolCall{{
					ID: "call_1", Type: "function",
					Function: openai.ToolCallFunc{Name: "get_weather", Arguments: `{"city":"Tokyo"}`},
				}},
			},
			FinishReason: "tool_calls",
		}},
	}

	out, err := OpenAIToAnthropic(resp, "msg_1", "claude-3-5-sonnet", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.StopReason != anthropic.StopToolUse {
		t.Errorf("stop_reason = %q, want tool_use", out.StopReason)
	}
	if len(out.Content) != 1 {
		t.Fatalf("content = %+v", out.Content)
	}
	block := out.Content[0]
	if block.Type != "tool_use" || block.ID != "call_1" || block.Name != "get_weather" {
		t.Fatalf("block = %+v", block)
	}
	if block.Input["city"] != "Tokyo" {
		t.Errorf("input = %v", block.Input)
	}
}

func TestOpenAIToAnthropic_ToolUsePresenceForcesStopReason(t *testing.T) {
	// finish_reason says stop but a tool call is present
	resp := &openai.Response{
		Choices: []openai.Choice{{
			Message: openai.Message{
				Role:    "assistant",
				Content: strptr("calling"),
				ToolCalls: []openai.ToolCall{{
					ID: "c1", Function: openai.ToolCallFunc{Name: "f", Arguments: `{}`},
				}},
			},
			FinishReason: "stop",
		}},
	}
	out, err := OpenAIToAnthropic(resp, "msg_1", "m", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.StopReason != anthropic.StopToolUse {
		t.Errorf("stop_reason = %q, want tool_use", out.StopReason)
	}
}

func TestOpenAIToAnthropic_StopReasonNeverEmpty(t *testing.T) {
	for _, fr := range []string{"stop", "length", "tool_calls", "function_call", "content_filter", "weird", ""} {
		resp := &openai.Response{
			Choices: []openai.Choice{{
				Message:      openai.Message{Role: "assistant", Content: strptr("x")},
				FinishReason: fr,
			}},
		}
		out, err := OpenAIToAnthropic(resp, "msg", "m", Options{})
		if err != nil {
			t.Fatalf("%q: %v", fr, err)
		}
		switch out.StopReason {
		case anthropic.StopEndTurn, anthropic.StopMaxTokens, anthropic.StopToolUse, anthropic.StopStopSequence:
		default:
			t.Errorf("finish_reason %q produced stop_reason %q", fr, out.StopReason)
		}
	}
}

func TestMapOpenAIFinishReason_SafetyPolicy(t *testing.T) {
	if got := MapOpenAIFinishReason("content_filter", Options{}); got != anthropic.StopStopSequence {
		t.Errorf("default safety stop = %q, want stop_sequence", got)
	}
	if got := MapOpenAIFinishReason("content_filter", Options{SafetyStopReason: "end_turn"}); got != anthropic.StopEndTurn {
		t.Errorf("configured safety stop = %q, want end_turn", got)
	}
}

func TestOpenAIToAnthropic_NoChoices(t *testing.T) {
	_, err := OpenAIToAnthropic(&openai.Response{}, "msg", "m", Options{})
	if !gwerr.IsKind(err, gwerr.KindResponseMalformed) {
		t.Errorf("got %v, want ResponseMalformed", err)
	}
}

// Round-trip: anthropic → openai → anthropic preserves text-only requests
// with simple tools, and a second application is byte-stable.
func TestRoundTrip_SemanticEquivalence(t *testing.T) {
	orig := &anthropic.Request{
		Model:         "m",
		MaxTokens:     256,
		Temperature:   f64(0.7),
		TopP:          f64(0.9),
		StopSequences: []string{"END"},
		System:        anthropic.SystemText("be brief"),
		Messages: []anthropic.Message{
			{Role: "user", Content: anthropic.TextContent("one")},
			{Role: "assistant", Content: anthropic.TextContent("two")},
			{Role: "user", Content: anthropic.TextContent("three")},
		},
		Tools: []anthropic.Tool{{
			Name:        "get_weather",
			Description: "d",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		}},
		ToolChoice: &anthropic.ToolChoice{Type: "auto"},
	}

	first := roundTrip(t, orig)

	if first.Model != orig.Model || first.MaxTokens != orig.MaxTokens {
		t.Errorf("scalars changed: %+v", first)
	}
	if *first.Temperature != 0.7 || *first.TopP != 0.9 {
		t.Errorf("generation params changed")
	}
	if !reflect.DeepEqual(first.StopSequences, orig.StopSequences) {
		t.Errorf("stop_sequences = %v", first.StopSequences)
	}
	if first.System.Flatten() != "be brief" {
		t.Errorf("system = %q", first.System.Flatten())
	}
	if len(first.Messages) != 3 {
		t.Fatalf("messages = %d", len(first.Messages))
	}
	for i, want := range []string{"one", "two", "three"} {
		if first.Messages[i].Content.Text != want {
			t.Errorf("messages[%d] = %q, want %q", i, first.Messages[i].Content.Text, want)
		}
	}
	if len(first.Tools) != 1 || first.Tools[0].Name != "get_weather" {
		t.Errorf("tools = %+v", first.Tools)
	}
	if first.ToolChoice == nil || first.ToolChoice.Type != "auto" {
		t.Errorf("tool_choice = %+v", first.ToolChoice)
	}

	// Idempotence: the second application reproduces the first exactly.
	second := roundTrip(t, first)
	b1, _ := json.Marshal(first)
	b2, _ := json.Marshal(second)
	if string(b1) != string(b2) {
		t.Errorf("second round trip diverged:\n%s\n%s", b1, b2)
	}
}

func roundTrip(t *testing.T, req *anthropic.Request) *anthropic.Request {
	t.Helper()
	mid, err := AnthropicToOpenAI(req, req.Model, Options{})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	back, err := OpenAIToAnthropicRequest(mid)
	if err != nil {
		t.Fatalf("back: %v", err)
	}
	return back
}
