package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/clawroute/clawroute/internal/application/usecase"
	"github.com/clawroute/clawroute/internal/infrastructure/config"
	"github.com/clawroute/clawroute/internal/infrastructure/llm/anthropic"
	gwerr "github.com/clawroute/clawroute/pkg/errors"
)

// MessagesHandler serves the Anthropic Messages surface.
type MessagesHandler struct {
	pipeline *usecase.Pipeline
	store    *config.Store
	logger   *zap.Logger
}

// NewMessagesHandler creates the handler.
func NewMessagesHandler(pipeline *usecase.Pipeline, store *config.Store, logger *zap.Logger) *MessagesHandler {
	return &MessagesHandler{
		pipeline: pipeline,
		store:    store,
		logger:   logger,
	}
}

// Messages handles POST /v1/messages, buffered or streaming.
func (h *MessagesHandler) Messages(c *gin.Context) {
	cfg := h.store.Snapshot()

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, cfg.Gateway.MaxBodyBytes)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.writeError(c, "", gwerr.NewClientBad("request body exceeds size limit"))
			return
		}
		h.writeError(c, "", gwerr.Wrap(gwerr.KindClientBad, "failed reading request body", err))
		return
	}

	req, err := anthropic.DecodeRequest(body)
	if err != nil {
		var fieldErr *anthropic.FieldError
		if errors.As(err, &fieldErr) {
			h.writeError(c, "", gwerr.NewInvalidShape(fieldErr.Path))
			return
		}
		h.writeError(c, "", gwerr.Wrap(gwerr.KindClientBad, "request body is not valid JSON", err))
		return
	}

	pr := usecase.NewPipelineRequest(req, c.GetHeader("X-Request-ID"))
	c.Header("X-Request-ID", pr.ID)

	wantsStream := req.Stream || strings.Contains(c.GetHeader("Accept"), "text/event-stream")
	if wantsStream {
		pr.Stream = true
		pr.Request.Stream = true
		h.handleStream(c, pr)
		return
	}

	h.handleBuffered(c, pr)
}

func (h *MessagesHandler) handleBuffered(c *gin.Context, pr *usecase.PipelineRequest) {
	resp, err := h.pipeline.Execute(c.Request.Context(), pr)
	if err != nil {
		h.writeError(c, pr.ID, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *MessagesHandler) handleStream(c *gin.Context, pr *usecase.PipelineRequest) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	flusher, _ := c.Writer.(http.Flusher)
	ew := anthropic.NewEventWriter(c.Writer, flusher)
	emit := func(evt anthropic.StreamEvent) error {
		if werr := ew.Write(evt); werr != nil {
			return gwerr.Wrap(gwerr.KindClientWrite, "failed writing event to client", werr)
		}
		return nil
	}

	err := h.pipeline.ExecuteStream(c.Request.Context(), pr, emit)
	if err == nil {
		return
	}

	if gwerr.IsKind(err, gwerr.KindClientCancelled) || gwerr.IsKind(err, gwerr.KindClientWrite) {
		// Client is gone; abort silently after logging.
		h.logger.Debug("Stream aborted by client",
			zap.String("request_id", pr.ID),
			zap.Error(err),
		)
		return
	}

	if ew.BytesWritten() == 0 {
		// Nothing committed yet; a plain JSON error is still possible.
		h.writeError(c, pr.ID, err)
		return
	}
	// The pipeline already appended a terminal error event to the stream.
	h.logger.Warn("Stream failed after first byte",
		zap.String("request_id", pr.ID),
		zap.Error(err),
	)
}

// writeError renders the error envelope. Cancelled clients get nothing.
func (h *MessagesHandler) writeError(c *gin.Context, requestID string, err error) {
	if gwerr.IsKind(err, gwerr.KindClientCancelled) {
		c.Abort()
		return
	}

	ge := gwerr.As(err)
	if ge == nil {
		ge = gwerr.Wrap(gwerr.KindInternal, "unexpected failure", err)
	}

	status := gwerr.HTTPStatus(ge)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("request_id", requestID),
			zap.String("kind", string(ge.Kind)),
			zap.String("provider", ge.Provider),
			zap.String("stage", ge.Stage),
			zap.Error(err),
		)
	}

	detail := &anthropic.ErrorDetails{
		Provider:   ge.Provider,
		Model:      ge.Model,
		Stage:      ge.Stage,
		RetryCount: ge.RetryCount,
	}
	if ge.Err != nil {
		detail.OriginalError = ge.Err.Error()
	}

	c.JSON(status, anthropic.ErrorResponse{
		Type: "error",
		Error: anthropic.ErrorDetail{
			Type:    string(ge.Kind),
			Message: ge.Message,
			Details: detail,
		},
	})
}
