package llm

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/clawroute/clawroute/internal/infrastructure/config"
	"github.com/clawroute/clawroute/internal/infrastructure/llm/anthropic"
	"github.com/clawroute/clawroute/internal/infrastructure/llm/openai"
	"github.com/clawroute/clawroute/internal/infrastructure/pool"
	"github.com/clawroute/clawroute/internal/infrastructure/transform"
	gwerr "github.com/clawroute/clawroute/pkg/errors"
	"go.uber.org/zap"
)

// maxBufferedBody caps a non-streaming upstream response body.
const maxBufferedBody = 32 * 1024 * 1024

// OpenAIClient speaks the OpenAI chat-completions wire format. It serves
// every OpenAI-compatible kind: OpenAI itself, Qwen/DashScope, ModelScope,
// and LM Studio (which differ only in base URL and credentials).
type OpenAIClient struct {
	id      string
	name    string
	kind    config.ProviderKind
	baseURL string
	apiKey  string
	scheme  string
	host    string
	port    int
	pool    *pool.Pool
	opts    transform.Options
	client  *http.Client
	logger  *zap.Logger
}

// Default base URLs per OpenAI-compatible kind.
var openAIBaseURLs = map[config.ProviderKind]string{
	config.KindOpenAI:     "https://api.openai.com/v1",
	config.KindQwen:       "https://dashscope.aliyuncs.com/compatible-mode/v1",
	config.KindModelScope: "https://api-inference.modelscope.cn/v1",
	config.KindLMStudio:   "http://localhost:1234/v1",
}

// NewOpenAIClient creates an OpenAI-compatible provider client.
func NewOpenAIClient(cfg config.ProviderConfig, deps Deps) *OpenAIClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = openAIBaseURLs[cfg.Kind]
	}

	scheme, host, port := splitBaseURL(baseURL)

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	return &OpenAIClient{
		id:      cfg.ID,
		name:    cfg.Name,
		kind:    cfg.Kind,
		baseURL: baseURL,
		apiKey:  cfg.ResolveCredential(),
		scheme:  scheme,
		host:    host,
		port:    port,
		pool:    deps.Pool,
		opts:    deps.Options,
		client:  &http.Client{Transport: transport},
		logger:  deps.Logger.With(zap.String("provider", cfg.ID), zap.String("kind", string(cfg.Kind))),
	}
}

var _ Provider = (*OpenAIClient)(nil)

func (p *OpenAIClient) ID() string                { return p.id }
func (p *OpenAIClient) Name() string              { return p.name }
func (p *OpenAIClient) Kind() config.ProviderKind { return p.kind }

// TranslateRequest builds the canonical OpenAI request for the target model.
func (p *OpenAIClient) TranslateRequest(req *anthropic.Request, model string, stream bool, maxTokensCeiling int) (any, error) {
	opts := p.opts
	opts.MaxTokensCeiling = maxTokensCeiling
	out, err := transform.AnthropicToOpenAI(req, model, opts)
	if err != nil {
		return nil, err
	}
	out.Stream = stream
	if stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return out, nil
}

// Execute dispatches a non-streaming request and returns the raw body.
func (p *OpenAIClient) Execute(ctx context.Context, wireReq any, prio pool.Priority) ([]byte, error) {
	apiReq, ok := wireReq.(*openai.Request)
	if !ok {
		return nil, gwerr.New(gwerr.KindInternal, "wire request is not an OpenAI request")
	}

	conn, err := p.pool.Acquire(ctx, p.scheme, p.host, p.port, prio)
	if err != nil {
		return nil, err
	}

	body, err := p.do(ctx, apiReq, false)
	if err != nil {
		switch gwerr.Kind(err) {
		case gwerr.KindTransport, gwerr.KindTimeout, gwerr.KindClientCancelled:
			p.pool.Discard(conn)
		default:
			p.pool.Release(conn)
		}
		return nil, err
	}

	p.pool.Release(conn)
	return body, nil
}

// TranslateResponse converts a raw body into the Anthropic envelope.
func (p *OpenAIClient) TranslateResponse(body []byte, messageID, clientModel string) (*anthropic.Response, error) {
	var apiResp openai.Response
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, gwerr.Wrap(gwerr.KindResponseMalformed, "upstream body is not valid JSON", err)
	}
	return transform.OpenAIToAnthropic(&apiResp, messageID, clientModel, p.opts)
}

// ExecuteStream dispatches a streaming request, forwarding each parsed chunk
// through the streaming translator as it arrives.
func (p *OpenAIClient) ExecuteStream(ctx context.Context, wireReq any, prio pool.Priority, messageID, clientModel string, emit transform.EmitFunc) (*StreamResult, error) {
	apiReq, ok := wireReq.(*openai.Request)
	if !ok {
		return &StreamResult{}, gwerr.New(gwerr.KindInternal, "wire request is not an OpenAI request")
	}

	tr := transform.NewOpenAIStreamTranslator(messageID, clientModel, p.opts, p.logger, emit)
	result := &StreamResult{}

	conn, err := p.pool.Acquire(ctx, p.scheme, p.host, p.port, prio)
	if err != nil {
		return result, err
	}

	resp, err := p.send(ctx, apiReq, true)
	if err != nil {
		p.pool.Discard(conn)
		result.Started = tr.Started()
		return result, err
	}
	defer resp.Body.Close()

	// Context cancellation body-close watchdog
	streamDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.logger.Debug("Context cancelled, force-closing SSE stream", zap.Error(ctx.Err()))
			resp.Body.Close()
		case <-streamDone:
		}
	}()
	defer close(streamDone)

	readErr := openai.ReadStream(ctx, resp.Body, p.logger, tr.OnChunk)
	result.Started = tr.Started()
	result.Usage = tr.Usage()

	if readErr != nil {
		// Cancelled mid-body: the connection cannot be reused.
		p.pool.Discard(conn)
		return result, p.classify(readErr)
	}

	stop, err := tr.Finish()
	if err != nil {
		p.pool.Discard(conn)
		result.Started = tr.Started()
		return result, gwerr.Wrap(gwerr.KindClientWrite, "failed writing stream to client", err)
	}

	p.pool.Release(conn)
	result.StopReason = stop
	result.Usage = tr.Usage()
	return result, nil
}

// ListModels fetches GET /v1/models for discovery.
func (p *OpenAIClient) ListModels(ctx context.Context) ([]DiscoveredModel, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	p.setHeaders(httpReq, false)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody))
	if err != nil {
		return nil, p.classify(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, gwerr.NewUpstreamHTTP(p.id, resp.StatusCode, "model discovery failed")
	}

	var models openai.ModelsResponse
	if err := json.Unmarshal(body, &models); err != nil {
		return nil, gwerr.Wrap(gwerr.KindResponseMalformed, "model list is not valid JSON", err)
	}

	out := make([]DiscoveredModel, 0, len(models.Data))
	for _, m := range models.Data {
		out = append(out, DiscoveredModel{Name: m.ID, MaxTokens: m.ContextWindow()})
	}
	return out, nil
}

// Ping issues the lightweight availability probe.
func (p *OpenAIClient) Ping(ctx context.Context) error {
	_, err := p.ListModels(ctx)
	return err
}

// --- internal ---

func (p *OpenAIClient) setHeaders(req *http.Request, stream bool) {
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
}

// send issues the chat-completions POST and classifies non-2xx statuses.
func (p *OpenAIClient) send(ctx context.Context, apiReq *openai.Request, stream bool) (*http.Response, error) {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindInternal, "marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindInternal, "create request", err)
	}
	p.setHeaders(httpReq, stream)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.classify(err)
	}

	if resp.StatusCode != http.StatusOK {
		detail := p.readErrorEnvelope(resp)
		resp.Body.Close()
		return nil, gwerr.NewUpstreamHTTP(p.id, resp.StatusCode, detail)
	}
	return resp, nil
}

func (p *OpenAIClient) do(ctx context.Context, apiReq *openai.Request, stream bool) ([]byte, error) {
	resp, err := p.send(ctx, apiReq, stream)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody))
	if err != nil {
		return nil, p.classify(err)
	}
	return body, nil
}

// readErrorEnvelope extracts the upstream error message without leaking the
// raw body into surfaced errors.
func (p *OpenAIClient) readErrorEnvelope(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "unreadable error body"
	}
	var envelope openai.ErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return "unparseable error body"
}

// classify maps transport-level failures onto gateway error kinds.
func (p *OpenAIClient) classify(err error) error {
	if ge := gwerr.As(err); ge != nil {
		return ge
	}
	switch {
	case errors.Is(err, context.Canceled):
		return gwerr.Wrap(gwerr.KindClientCancelled, "request cancelled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return (&gwerr.GatewayError{Kind: gwerr.KindTimeout, Message: "upstream deadline exceeded", Provider: p.id, Err: err})
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return &gwerr.GatewayError{Kind: gwerr.KindTimeout, Message: "upstream I/O timeout", Provider: p.id, Err: err}
		}
		return &gwerr.GatewayError{Kind: gwerr.KindTransport, Message: "upstream transport failure", Provider: p.id, Err: err}
	}
}

// splitBaseURL extracts pool-key components from a base URL.
func splitBaseURL(baseURL string) (scheme, host string, port int) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return "https", baseURL, 443
	}
	scheme = u.Scheme
	host = u.Hostname()
	port = 443
	if scheme == "http" {
		port = 80
	}
	if ps := u.Port(); ps != "" {
		fmt.Sscanf(ps, "%d", &port)
	}
	return scheme, host, port
}
