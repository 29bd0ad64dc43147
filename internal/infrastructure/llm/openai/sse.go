package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/clawroute/clawroute/internal/infrastructure/llm/sse"
	"go.uber.org/zap"
)

// ReadStream reads a text/event-stream body and hands each parsed chunk to
// handle in arrival order. It stops on [DONE], on a chunk carrying a
// finish_reason (some upstreams never send [DONE]), on context cancellation,
// or on a read error.
//
// Termination protection:
//
//	L1: break on finish_reason
//	L2: per-read idle timeout (detect stale connections)
//	L3: caller's context deadline
func ReadStream(ctx context.Context, reader io.Reader, logger *zap.Logger, handle func(*StreamChunk) error) error {
	scanner := sse.NewScanner(reader, sse.DefaultIdleTimeout)

	sawData := false
	finished := false

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
		if data == "[DONE]" {
			finished = true
			break
		}

		var chunk StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			logger.Debug("Skip unparseable SSE chunk", zap.Error(err))
			continue
		}
		sawData = true

		if err := handle(&chunk); err != nil {
			return err
		}

		for _, choice := range chunk.Choices {
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finished = true
				break scan
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if sse.IsIdleTimeout(err) {
			logger.Warn("SSE stream idle timeout — upstream stalled", zap.Error(err))
			if !sawData {
				return fmt.Errorf("SSE stream stalled: %w", err)
			}
			return nil
		}
		return fmt.Errorf("SSE scan error: %w", err)
	}

	if !finished && !sawData {
		return fmt.Errorf("SSE stream ended without data")
	}
	return nil
}
