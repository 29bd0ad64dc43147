package anthropic

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// --- Anthropic streaming event envelope ---
//
// The gateway emits the event sequence the Messages API defines:
//
//	message_start
//	content_block_start / content_block_delta / content_block_stop  (repeated)
//	message_delta
//	message_stop

// Event type names on the wire.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventPing              = "ping"
	EventError             = "error"
)

// Delta types within content_block_delta.
const (
	DeltaText      = "text_delta"
	DeltaInputJSON = "input_json_delta"
)

// StreamEvent is one typed SSE event.
type StreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`

	// For message_start
	Message *Response `json:"message,omitempty"`

	// For content_block_start
	ContentBlock *ContentBlock `json:"content_block,omitempty"`

	// For content_block_delta and message_delta
	Delta *DeltaBlock `json:"delta,omitempty"`

	// For message_delta
	Usage *Usage `json:"usage,omitempty"`

	// For error events
	Error *ErrorDetail `json:"error,omitempty"`
}

// DeltaBlock is the incremental payload of a delta event.
type DeltaBlock struct {
	Type        string `json:"type,omitempty"` // text_delta | input_json_delta
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`

	// For message_delta events
	StopReason   string  `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence,omitempty"`
}

// MessageStart builds the opening event for a streamed response.
func MessageStart(id, model string) StreamEvent {
	return StreamEvent{
		Type: EventMessageStart,
		Message: &Response{
			ID:      id,
			Type:    "message",
			Role:    "assistant",
			Model:   model,
			Content: []ContentBlock{},
		},
	}
}

// TextBlockStart opens a text content block at the given index.
func TextBlockStart(index int) StreamEvent {
	return StreamEvent{
		Type:         EventContentBlockStart,
		Index:        index,
		ContentBlock: &ContentBlock{Type: "text", Text: ""},
	}
}

// ToolUseBlockStart opens a tool_use content block at the given index.
func ToolUseBlockStart(index int, id, name string) StreamEvent {
	return StreamEvent{
		Type:         EventContentBlockStart,
		Index:        index,
		ContentBlock: &ContentBlock{Type: "tool_use", ID: id, Name: name, Input: map[string]any{}},
	}
}

// TextDelta carries a text fragment for the block at index.
func TextDelta(index int, text string) StreamEvent {
	return StreamEvent{
		Type:  EventContentBlockDelta,
		Index: index,
		Delta: &DeltaBlock{Type: DeltaText, Text: text},
	}
}

// InputJSONDelta carries a raw tool-arguments fragment for the block at index.
func InputJSONDelta(index int, partial string) StreamEvent {
	return StreamEvent{
		Type:  EventContentBlockDelta,
		Index: index,
		Delta: &DeltaBlock{Type: DeltaInputJSON, PartialJSON: partial},
	}
}

// BlockStop closes the block at index.
func BlockStop(index int) StreamEvent {
	return StreamEvent{Type: EventContentBlockStop, Index: index}
}

// MessageDelta carries the final stop_reason and usage.
func MessageDelta(stopReason string, usage *Usage) StreamEvent {
	return StreamEvent{
		Type:  EventMessageDelta,
		Delta: &DeltaBlock{StopReason: stopReason},
		Usage: usage,
	}
}

// MessageStop closes the stream.
func MessageStop() StreamEvent {
	return StreamEvent{Type: EventMessageStop}
}

// ErrorEvent reports a mid-stream failure as a final event.
func ErrorEvent(errType, message string) StreamEvent {
	return StreamEvent{
		Type:  EventError,
		Error: &ErrorDetail{Type: errType, Message: message},
	}
}

// EventWriter frames StreamEvents as SSE on an HTTP response:
// "event: <type>\ndata: <json>\n\n", flushing after each event.
type EventWriter struct {
	w       io.Writer
	flusher http.Flusher
	written int64
}

// NewEventWriter wraps a response writer. flusher may be nil (buffered tests).
func NewEventWriter(w io.Writer, flusher http.Flusher) *EventWriter {
	return &EventWriter{w: w, flusher: flusher}
}

// Write emits one event.
func (ew *EventWriter) Write(evt StreamEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	n, err := fmt.Fprintf(ew.w, "event: %s\ndata: %s\n\n", evt.Type, data)
	ew.written += int64(n)
	if err != nil {
		return err
	}
	if ew.flusher != nil {
		ew.flusher.Flush()
	}
	return nil
}

// BytesWritten reports how many bytes have reached the client writer.
// Non-zero means the stream is committed and must not be retried.
func (ew *EventWriter) BytesWritten() int64 {
	return ew.written
}
