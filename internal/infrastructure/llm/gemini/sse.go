package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/clawroute/clawroute/internal/infrastructure/llm/sse"
	"go.uber.org/zap"
)

// ReadStream reads a streamGenerateContent?alt=sse body and hands each parsed
// Response fragment to handle in arrival order. Gemini streams whole Response
// objects per data line; the final fragment carries finishReason and usage.
func ReadStream(ctx context.Context, reader io.Reader, logger *zap.Logger, handle func(*Response) error) error {
	scanner := sse.NewScanner(reader, sse.DefaultIdleTimeout)

	sawData := false

scan:
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var frag Response
		if err := json.Unmarshal([]byte(data), &frag); err != nil {
			logger.Debug("Skip unparseable Gemini SSE fragment", zap.Error(err))
			continue
		}
		sawData = true

		if err := handle(&frag); err != nil {
			return err
		}

		for _, cand := range frag.Candidates {
			if cand.FinishReason != "" {
				break scan
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if sse.IsIdleTimeout(err) {
			logger.Warn("Gemini SSE stream idle timeout", zap.Error(err))
			if !sawData {
				return fmt.Errorf("SSE stream stalled: %w", err)
			}
			return nil
		}
		return fmt.Errorf("SSE scan error: %w", err)
	}

	if !sawData {
		return fmt.Errorf("SSE stream ended without data")
	}
	return nil
}
