package usecase

import (
	"context"
	"strings"
	"time"

	"github.com/clawroute/clawroute/internal/infrastructure/config"
	"github.com/clawroute/clawroute/internal/infrastructure/llm"
	"github.com/clawroute/clawroute/internal/infrastructure/llm/anthropic"
	"github.com/clawroute/clawroute/internal/infrastructure/monitoring"
	"github.com/clawroute/clawroute/internal/infrastructure/pool"
	"github.com/clawroute/clawroute/internal/infrastructure/transform"
	gwerr "github.com/clawroute/clawroute/pkg/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Pipeline stage names, used in error details and the diagnostic trail.
const (
	StageClassify          = "classify"
	StageRoute             = "route"
	StageTransformRequest  = "transform-request"
	StageDispatch          = "dispatch"
	StageTransformResponse = "transform-response"
	StageEmit              = "emit"
)

// PipelineRequest carries one request through the fixed stage sequence.
type PipelineRequest struct {
	ID         string
	ReceivedAt time.Time
	Request    *anthropic.Request
	Category   string
	Attempts   []llm.Attempt
	Stream     bool
	Trail      []string
}

// NewPipelineRequest wraps an incoming Anthropic request. correlationID may
// be empty; one is generated.
func NewPipelineRequest(req *anthropic.Request, correlationID string) *PipelineRequest {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return &PipelineRequest{
		ID:         correlationID,
		ReceivedAt: time.Now(),
		Request:    req,
		Stream:     req.Stream,
	}
}

func (pr *PipelineRequest) note(stage, detail string) {
	pr.Trail = append(pr.Trail, stage+": "+detail)
}

// Pipeline drives requests through classify → route → transform-request →
// dispatch → transform-response → emit. Stages within one request run
// sequentially; separate requests run in parallel. Dispatch and route
// failures go through the failover supervisor; everything else surfaces
// immediately.
type Pipeline struct {
	store      *config.Store
	registry   *llm.Registry
	tracker    *llm.Tracker
	supervisor *llm.Supervisor
	monitor    *monitoring.Monitor
	logger     *zap.Logger
}

// NewPipeline wires the orchestrator.
func NewPipeline(store *config.Store, registry *llm.Registry, tracker *llm.Tracker, supervisor *llm.Supervisor, monitor *monitoring.Monitor, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:      store,
		registry:   registry,
		tracker:    tracker,
		supervisor: supervisor,
		monitor:    monitor,
		logger:     logger.With(zap.String("component", "pipeline")),
	}
}

// Execute processes a buffered (non-streaming) request.
func (p *Pipeline) Execute(ctx context.Context, pr *PipelineRequest) (*anthropic.Response, error) {
	cfg := p.store.Snapshot()
	ctx, cancel := p.withDeadline(ctx, cfg)
	defer cancel()

	p.monitor.IncRequestTotal()
	p.monitor.AddActiveRequests(1)
	defer p.monitor.AddActiveRequests(-1)

	resp, err := p.run(ctx, cfg, pr, nil)
	if err != nil {
		p.monitor.IncRequestFailed()
		p.monitor.IncError()
		return nil, err
	}
	p.monitor.IncRequestSuccess()
	return resp, nil
}

// ExecuteStream processes a streaming request, forwarding translated events
// through emit as they arrive. Once any event has been emitted a dispatch
// failure aborts the stream with a final error event instead of retrying.
func (p *Pipeline) ExecuteStream(ctx context.Context, pr *PipelineRequest, emit transform.EmitFunc) error {
	cfg := p.store.Snapshot()
	ctx, cancel := p.withDeadline(ctx, cfg)
	defer cancel()

	p.monitor.IncRequestTotal()
	p.monitor.IncStream()
	p.monitor.AddActiveRequests(1)
	defer p.monitor.AddActiveRequests(-1)

	_, err := p.run(ctx, cfg, pr, emit)
	if err != nil {
		p.monitor.IncRequestFailed()
		p.monitor.IncError()
		return err
	}
	p.monitor.IncRequestSuccess()
	return nil
}

// run drives the retry loop shared by both modes. emit is nil for buffered
// requests.
func (p *Pipeline) run(ctx context.Context, cfg *config.Config, pr *PipelineRequest, emit transform.EmitFunc) (*anthropic.Response, error) {
	pr.Category = Classify(cfg, pr.Request)
	pr.note(StageClassify, pr.Category)

	maxAttempts := p.supervisor.MaxAttempts(cfg, pr.Category)
	prio := poolPriority(pr.Category)
	messageID := "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, p.stamp(gwerr.Wrap(gwerr.KindClientCancelled, "request cancelled", ctx.Err()), pr, StageDispatch)
		default:
		}

		sel, err := p.supervisor.Next(cfg, pr.Category, pr.Attempts)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, p.stamp(err, pr, StageRoute)
		}
		pr.note(StageRoute, sel.ProviderID+"/"+sel.Model+" ("+sel.Rationale+")")

		provider, ok := p.registry.Get(sel.ProviderID)
		if !ok {
			lastErr = p.stamp(gwerr.New(gwerr.KindInternal, "routed to unregistered provider"), pr, StageRoute)
			pr.Attempts = append(pr.Attempts, llm.Attempt{
				Provider: sel.ProviderID, Model: sel.Model,
				StartedAt: time.Now(), EndedAt: time.Now(),
				Outcome: string(gwerr.KindInternal),
			})
			continue
		}

		ceiling := p.registry.MaxTokensFor(sel.ProviderID, sel.Model)
		wireReq, err := provider.TranslateRequest(pr.Request, sel.Model, pr.Stream, ceiling)
		if err != nil {
			// Shape failures are the client's; surface immediately.
			return nil, p.stamp(err, pr, StageTransformRequest)
		}

		if attempt > 1 {
			p.monitor.IncFailover()
			if !sleepCtx(ctx, p.supervisor.Backoff(cfg, attempt-1)) {
				return nil, p.stamp(gwerr.Wrap(gwerr.KindClientCancelled, "request cancelled", ctx.Err()), pr, StageDispatch)
			}
		}

		started := time.Now()
		if err := p.tracker.Begin(sel.ProviderID); err != nil {
			// Circuit open or quota exhausted: counts as a tried provider.
			pr.Attempts = append(pr.Attempts, llm.Attempt{
				Provider: sel.ProviderID, Model: sel.Model,
				StartedAt: started, EndedAt: time.Now(),
				Outcome: string(gwerr.Kind(err)),
			})
			lastErr = p.stamp(err, pr, StageDispatch)
			continue
		}

		var (
			resp     *anthropic.Response
			streamed bool
		)
		evt := monitoring.AttemptEvent{
			RequestID: pr.ID,
			Model:     sel.Model,
			Category:  pr.Category,
			Stage:     StageDispatch,
			Streamed:  pr.Stream,
		}

		// A chain entry's max acceptable latency bounds this attempt only.
		dispatchCtx := ctx
		cancelAttempt := func() {}
		if sel.MaxLatency > 0 {
			dispatchCtx, cancelAttempt = context.WithTimeout(ctx, time.Duration(sel.MaxLatency)*time.Millisecond)
		}

		if emit == nil {
			resp, err = p.dispatchBuffered(dispatchCtx, provider, wireReq, prio, messageID, pr.Request.Model, &evt)
		} else {
			streamed, err = p.dispatchStream(dispatchCtx, provider, wireReq, prio, messageID, pr.Request.Model, emit, &evt)
		}
		cancelAttempt()

		latency := time.Since(started)
		// Health is updated before control returns to routing.
		p.tracker.End(sel.ProviderID, latency, err, evt)

		outcome := "success"
		if err != nil {
			outcome = string(gwerr.Kind(err))
		}
		pr.Attempts = append(pr.Attempts, llm.Attempt{
			Provider: sel.ProviderID, Model: sel.Model,
			StartedAt: started, EndedAt: time.Now(),
			Outcome: outcome,
		})

		if err == nil {
			return resp, nil
		}

		lastErr = p.stamp(err, pr, StageDispatch)
		ge := gwerr.As(lastErr)
		if ge != nil {
			ge.Provider = sel.ProviderID
			ge.Model = sel.Model
		}

		if streamed {
			// The stream is committed; abort it with a terminal error event.
			pr.note(StageEmit, "stream aborted after first byte")
			if emitErr := emit(anthropic.ErrorEvent("api_error", "upstream failed mid-stream")); emitErr != nil {
				p.logger.Debug("Failed to emit stream error event", zap.Error(emitErr))
			}
			return nil, lastErr
		}
		if !p.supervisor.ShouldRetry(lastErr, streamed) {
			return nil, lastErr
		}

		p.logger.Warn("Attempt failed, trying next candidate",
			zap.String("request_id", pr.ID),
			zap.String("provider", sel.ProviderID),
			zap.String("model", sel.Model),
			zap.Int("attempt", attempt),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
	}

	return nil, lastErr
}

func (p *Pipeline) dispatchBuffered(ctx context.Context, provider llm.Provider, wireReq any, prio pool.Priority, messageID, clientModel string, evt *monitoring.AttemptEvent) (*anthropic.Response, error) {
	raw, err := provider.Execute(ctx, wireReq, prio)
	if err != nil {
		return nil, err
	}
	resp, err := provider.TranslateResponse(raw, messageID, clientModel)
	if err != nil {
		// A malformed body is the provider's failure; it flows through the
		// same health path as a dispatch error.
		if ge := gwerr.As(err); ge != nil {
			ge.Stage = StageTransformResponse
		}
		return nil, err
	}
	evt.InputTok = resp.Usage.InputTokens
	evt.OutputTok = resp.Usage.OutputTokens
	return resp, nil
}

func (p *Pipeline) dispatchStream(ctx context.Context, provider llm.Provider, wireReq any, prio pool.Priority, messageID, clientModel string, emit transform.EmitFunc, evt *monitoring.AttemptEvent) (bool, error) {
	result, err := provider.ExecuteStream(ctx, wireReq, prio, messageID, clientModel, emit)
	started := false
	if result != nil {
		started = result.Started
		evt.InputTok = result.Usage.InputTokens
		evt.OutputTok = result.Usage.OutputTokens
	}
	return started, err
}

func (p *Pipeline) stamp(err error, pr *PipelineRequest, stage string) error {
	ge := gwerr.As(err)
	if ge == nil {
		ge = gwerr.Wrap(gwerr.KindInternal, "pipeline failure", err)
	}
	if ge.Stage == "" {
		ge.Stage = stage
	}
	ge.RetryCount = len(pr.Attempts)
	return ge
}

func (p *Pipeline) withDeadline(ctx context.Context, cfg *config.Config) (context.Context, context.CancelFunc) {
	timeout := cfg.Gateway.RequestTimeout
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// poolPriority maps a routing category to the connection pool priority its
// dispatches borrow at.
func poolPriority(category string) pool.Priority {
	switch category {
	case CategoryBackground:
		return pool.PriorityLow
	case CategorySearch:
		return pool.PriorityHigh
	default:
		return pool.PriorityNormal
	}
}

// sleepCtx sleeps for d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
