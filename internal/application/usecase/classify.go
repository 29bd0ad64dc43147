package usecase

import (
	"strings"

	"github.com/clawroute/clawroute/internal/infrastructure/config"
	"github.com/clawroute/clawroute/internal/infrastructure/llm/anthropic"
)

// Built-in category names.
const (
	CategoryDefault     = "default"
	CategoryLongContext = "longcontext"
	CategoryCoding      = "coding"
	CategoryBackground  = "background"
	CategorySearch      = "search"
)

// Classify derives the routing category for a request, in priority order:
// explicit model mapping, estimated input size, background model names,
// search tools, then a metadata hint. Unknown hints fall back to default.
func Classify(cfg *config.Config, req *anthropic.Request) string {
	routing := cfg.Routing

	if cat, ok := routing.ModelCategories[req.Model]; ok {
		if _, exists := routing.Categories[cat]; exists {
			return cat
		}
	}

	threshold := routing.LongContextThreshold
	if threshold <= 0 {
		threshold = 60000
	}
	if hasCategory(cfg, CategoryLongContext) && EstimateTokens(req) > threshold {
		return CategoryLongContext
	}

	if hasCategory(cfg, CategoryBackground) && strings.Contains(strings.ToLower(req.Model), "haiku") {
		return CategoryBackground
	}

	if hasCategory(cfg, CategorySearch) {
		for _, tool := range req.Tools {
			name := strings.ToLower(tool.Name)
			if name == "web_search" || name == "websearch" {
				return CategorySearch
			}
		}
	}

	if hint, ok := req.Metadata["category"].(string); ok {
		if _, exists := routing.Categories[hint]; exists {
			return hint
		}
	}

	return CategoryDefault
}

func hasCategory(cfg *config.Config, name string) bool {
	_, ok := cfg.Routing.Categories[name]
	return ok
}

// EstimateTokens approximates the request's input size at four characters
// per token, across the system prompt and every message.
func EstimateTokens(req *anthropic.Request) int {
	chars := len(req.System.Flatten())
	for _, msg := range req.Messages {
		if msg.Content.IsText() {
			chars += len(msg.Content.Text)
			continue
		}
		for _, block := range msg.Content.Blocks {
			chars += len(block.Text)
			chars += len(block.Content.Flatten())
			for _, v := range block.Input {
				if s, ok := v.(string); ok {
					chars += len(s)
				}
			}
		}
	}
	return chars / 4
}
