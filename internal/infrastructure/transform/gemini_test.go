package transform

import (
	"testing"

	"github.com/clawroute/clawroute/internal/infrastructure/llm/anthropic"
	"github.com/clawroute/clawroute/internal/infrastructure/llm/gemini"
	gwerr "github.com/clawroute/clawroute/pkg/errors"
)

func TestAnthropicToGemini_RolesAndEnvelope(t *testing.T) {
	req := &anthropic.Request{
		Model:     "claude-3-5-sonnet",
		MaxTokens: 100,
		Messages: []anthropic.Message{
			{Role: "user", Content: anthropic.TextContent("hi")},
			{Role: "assistant", Content: anthropic.TextContent("hello")},
		},
	}

	env, err := AnthropicToGemini(req, "proj-1", "gemini-2.0-flash", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if env.Project != "proj-1" || env.Model != "gemini-2.0-flash" {
		t.Errorf("envelope = %+v", env)
	}
	if len(env.Request.Contents) != 2 {
		t.Fatalf("contents = %+v", env.Request.Contents)
	}
	if env.Request.Contents[0].Role != "user" {
		t.Errorf("first role = %q", env.Request.Contents[0].Role)
	}
	if env.Request.Contents[1].Role != "model" {
		t.Errorf("assistant role = %q, want model", env.Request.Contents[1].Role)
	}
	if env.Request.GenerationConfig.MaxOutputTokens != 100 {
		t.Errorf("maxOutputTokens = %d", env.Request.GenerationConfig.MaxOutputTokens)
	}
}

func TestAnthropicToGemini_SystemMergedIntoFirstUserTurn(t *testing.T) {
	req := &anthropic.Request{
		Model:  "m",
		System: anthropic.SystemText("be brief"),
		Messages: []anthropic.Message{
			{Role: "user", Content: anthropic.TextContent("hi")},
		},
	}

	env, err := AnthropicToGemini(req, "", "g", Options{})
	if err != nil {
		t.Fatal(err)
	}
	first := env.Request.Contents[0]
	if first.Role != "user" || len(first.Parts) != 2 {
		t.Fatalf("first turn = %+v", first)
	}
	if first.Parts[0].Text != "be brief" || first.Parts[1].Text != "hi" {
		t.Errorf("parts = %+v", first.Parts)
	}
}

func TestAnthropicToGemini_SystemPrependedWhenFirstTurnAssistant(t *testing.T) {
	req := &anthropic.Request{
		Model:  "m",
		System: anthropic.SystemText("sys"),
		Messages: []anthropic.Message{
			{Role: "assistant", Content: anthropic.TextContent("opening")},
		},
	}
	env, err := AnthropicToGemini(req, "", "g", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if env.Request.Contents[0].Role != "user" || env.Request.Contents[0].Parts[0].Text != "sys" {
		t.Fatalf("contents = %+v", env.Request.Contents)
	}
}

func TestAnthropicToGemini_Tools(t *testing.T) {
	req := &anthropic.Request{
		Model: "m",
		Messages: []anthropic.Message{
			{Role: "assistant", Content: anthropic.BlockContent(anthropic.ContentBlock{
				Type: "tool_use", ID: "call_get_weather_0", Name: "get_weather",
				Input: map[string]any{"city": "Tokyo"},
			})},
			{Role: "user", Content: anthropic.BlockContent(anthropic.ContentBlock{
				Type: "tool_result", ToolUseID: "call_get_weather_0",
				Content: anthropic.TextResult("sunny"),
			})},
		},
		Tools: []anthropic.Tool{{Name: "get_weather", Description: "d"}},
	}

	env, err := AnthropicToGemini(req, "", "g", Options{})
	if err != nil {
		t.Fatal(err)
	}

	if len(env.Request.Tools) != 1 || len(env.Request.Tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("tools = %+v", env.Request.Tools)
	}

	var sawCall, sawResponse bool
	for _, content := range env.Request.Contents {
		for _, part := range content.Parts {
			if part.FunctionCall != nil {
				sawCall = true
				if part.FunctionCall.Name != "get_weather" || part.FunctionCall.Args["city"] != "Tokyo" {
					t.Errorf("functionCall = %+v", part.FunctionCall)
				}
			}
			if part.FunctionResponse != nil {
				sawResponse = true
				if part.FunctionResponse.Response["output"] != "sunny" {
					t.Errorf("functionResponse = %+v", part.FunctionResponse)
				}
			}
		}
	}
	if !sawCall || !sawResponse {
		t.Errorf("missing parts: call=%v response=%v", sawCall, sawResponse)
	}
}

func TestGeminiToAnthropic_Response(t *testing.T) {
	resp := &gemini.Response{
		Candidates: []gemini.Candidate{{
			Content: gemini.Content{Role: "model", Parts: []gemini.Part{
				{Text: "Hi"},
			}},
			FinishReason: "STOP",
		}},
		UsageMetadata: &gemini.UsageMetadata{PromptTokenCount: 2, CandidatesTokenCount: 1},
	}

	out, err := GeminiToAnthropic(resp, "msg_1", "claude-3-5-sonnet", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.StopReason != anthropic.StopEndTurn {
		t.Errorf("stop = %q", out.StopReason)
	}
	if out.Usage.InputTokens != 2 || out.Usage.OutputTokens != 1 {
		t.Errorf("usage = %+v", out.Usage)
	}
	if len(out.Content) != 1 || out.Content[0].Text != "Hi" {
		t.Errorf("content = %+v", out.Content)
	}
}

func TestGeminiToAnthropic_FunctionCallForcesToolUse(t *testing.T) {
	resp := &gemini.Response{
		Candidates: []gemini.Candidate{{
			Content: gemini.Content{Role: "model", Parts: []gemini.Part{
				{FunctionCall: &gemini.FunctionCall{Name: "get_weather", Args: map[string]any{"city": "Tokyo"}}},
			}},
			FinishReason: "STOP",
		}},
	}
	out, err := GeminiToAnthropic(resp, "msg", "m", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.StopReason != anthropic.StopToolUse {
		t.Errorf("stop = %q, want tool_use", out.StopReason)
	}
	if out.Content[0].ID == "" {
		t.Error("synthesized tool call id is empty")
	}
}

func TestMapGeminiFinishReason(t *testing.T) {
	tests := []struct {
		in   string
		opts Options
		want string
	}{
		{"STOP", Options{}, anthropic.StopEndTurn},
		{"MAX_TOKENS", Options{}, anthropic.StopMaxTokens},
		{"SAFETY", Options{}, anthropic.StopStopSequence},
		{"RECITATION", Options{}, anthropic.StopStopSequence},
		{"SAFETY", Options{SafetyStopReason: "end_turn"}, anthropic.StopEndTurn},
		{"OTHER", Options{}, anthropic.StopEndTurn},
	}
	for _, tt := range tests {
		if got := MapGeminiFinishReason(tt.in, tt.opts); got != tt.want {
			t.Errorf("MapGeminiFinishReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGeminiToAnthropic_NoCandidates(t *testing.T) {
	_, err := GeminiToAnthropic(&gemini.Response{}, "msg", "m", Options{})
	if !gwerr.IsKind(err, gwerr.KindResponseMalformed) {
		t.Errorf("got %v", err)
	}
}

func TestGeminiStream_TextAndFunctionCall(t *testing.T) {
	rec := &eventRecorder{}
	tr := NewGeminiStreamTranslator("msg_1", "m", Options{}, rec.emit)

	frags := []*gemini.Response{
		{Candidates: []gemini.Candidate{{Content: gemini.Content{Parts: []gemini.Part{{Text: "Hel"}}}}}},
		{Candidates: []gemini.Candidate{{Content: gemini.Content{Parts: []gemini.Part{{Text: "lo"}}}}}},
		{
			Candidates: []gemini.Candidate{{
				Content:      gemini.Content{Parts: []gemini.Part{{FunctionCall: &gemini.FunctionCall{Name: "f", Args: map[string]any{"a": float64(1)}}}}},
				FinishReason: "STOP",
			}},
			UsageMetadata: &gemini.UsageMetadata{PromptTokenCount: 5, CandidatesTokenCount: 2},
		},
	}
	for _, f := range frags {
		if err := tr.OnFragment(f); err != nil {
			t.Fatal(err)
		}
	}
	stop, err := tr.Finish()
	if err != nil {
		t.Fatal(err)
	}
	if stop != anthropic.StopToolUse {
		t.Errorf("stop = %q, want tool_use (functionCall present)", stop)
	}

	got := rec.types()
	want := []string{
		"message_start",
		"content_block_start", // text
		"content_block_delta",
		"content_block_delta",
		"content_block_start", // tool_use
		"content_block_delta", // input_json_delta
		"content_block_stop",  // tool block closes inline
		"content_block_stop",  // text block closes at Finish
		"message_delta",
		"message_stop",
	}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q (all: %v)", i, got[i], want[i], got)
		}
	}

	u := tr.Usage()
	if u.InputTokens != 5 || u.OutputTokens != 2 {
		t.Errorf("usage = %+v", u)
	}
}
