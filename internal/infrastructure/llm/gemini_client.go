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
	"strings"
	"time"

	"github.com/clawroute/clawroute/internal/infrastructure/config"
	"github.com/clawroute/clawroute/internal/infrastructure/llm/anthropic"
	"github.com/clawroute/clawroute/internal/infrastructure/llm/gemini"
	"github.com/clawroute/clawroute/internal/infrastructure/pool"
	"github.com/clawroute/clawroute/internal/infrastructure/transform"
	gwerr "github.com/clawroute/clawroute/pkg/errors"
	"go.uber.org/zap"
)

// GeminiClient speaks the Google Gemini generateContent API, wrapping
// requests in the project-scoped envelope.
type GeminiClient struct {
	id      string
	name    string
	baseURL string
	apiKey  string
	project string
	scheme  string
	host    string
	port    int
	pool    *pool.Pool
	opts    transform.Options
	client  *http.Client
	logger  *zap.Logger
}

// NewGeminiClient creates a Gemini provider client.
func NewGeminiClient(cfg config.ProviderConfig, deps Deps) *GeminiClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
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

	return &GeminiClient{
		id:      cfg.ID,
		name:    cfg.Name,
		baseURL: baseURL,
		apiKey:  cfg.ResolveCredential(),
		project: cfg.Project,
		scheme:  scheme,
		host:    host,
		port:    port,
		pool:    deps.Pool,
		opts:    deps.Options,
		client:  &http.Client{Transport: transport},
		logger:  deps.Logger.With(zap.String("provider", cfg.ID), zap.String("kind", "gemini")),
	}
}

var _ Provider = (*GeminiClient)(nil)

func (p *GeminiClient) ID() string                { return p.id }
func (p *GeminiClient) Name() string              { return p.name }
func (p *GeminiClient) Kind() config.ProviderKind { return config.KindGemini }

// TranslateRequest builds the Gemini envelope for the target model.
func (p *GeminiClient) TranslateRequest(req *anthropic.Request, model string, stream bool, maxTokensCeiling int) (any, error) {
	opts := p.opts
	opts.MaxTokensCeiling = maxTokensCeiling
	return transform.AnthropicToGemini(req, p.project, model, opts)
}

// Execute dispatches a non-streaming request and returns the raw body.
func (p *GeminiClient) Execute(ctx context.Context, wireReq any, prio pool.Priority) ([]byte, error) {
	env, ok := wireReq.(*gemini.Envelope)
	if !ok {
		return nil, gwerr.New(gwerr.KindInternal, "wire request is not a Gemini envelope")
	}

	conn, err := p.pool.Acquire(ctx, p.scheme, p.host, p.port, prio)
	if err != nil {
		return nil, err
	}

	resp, err := p.send(ctx, env, false)
	if err != nil {
		p.pool.Discard(conn)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody))
	if err != nil {
		p.pool.Discard(conn)
		return nil, p.classify(err)
	}

	p.pool.Release(conn)
	return body, nil
}

// TranslateResponse converts a raw body into the Anthropic envelope.
func (p *GeminiClient) TranslateResponse(body []byte, messageID, clientModel string) (*anthropic.Response, error) {
	var apiResp gemini.Response
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, gwerr.Wrap(gwerr.KindResponseMalformed, "upstream body is not valid JSON", err)
	}
	return transform.GeminiToAnthropic(&apiResp, messageID, clientModel, p.opts)
}

// ExecuteStream dispatches a streaming request, translating fragments into
// Anthropic events as they arrive.
func (p *GeminiClient) ExecuteStream(ctx context.Context, wireReq any, prio pool.Priority, messageID, clientModel string, emit transform.EmitFunc) (*StreamResult, error) {
	env, ok := wireReq.(*gemini.Envelope)
	if !ok {
		return &StreamResult{}, gwerr.New(gwerr.KindInternal, "wire request is not a Gemini envelope")
	}

	tr := transform.NewGeminiStreamTranslator(messageID, clientModel, p.opts, emit)
	result := &StreamResult{}

	conn, err := p.pool.Acquire(ctx, p.scheme, p.host, p.port, prio)
	if err != nil {
		return result, err
	}

	resp, err := p.send(ctx, env, true)
	if err != nil {
		p.pool.Discard(conn)
		return result, err
	}
	defer resp.Body.Close()

	streamDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.logger.Debug("Context cancelled, force-closing Gemini SSE stream", zap.Error(ctx.Err()))
			resp.Body.Close()
		case <-streamDone:
		}
	}()
	defer close(streamDone)

	readErr := gemini.ReadStream(ctx, resp.Body, p.logger, tr.OnFragment)
	result.Started = tr.Started()
	result.Usage = tr.Usage()

	if readErr != nil {
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

// ListModels queries the Gemini models endpoint.
func (p *GeminiClient) ListModels(ctx context.Context) ([]DiscoveredModel, error) {
	url := fmt.Sprintf("%s/v1beta/models?key=%s", p.baseURL, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

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

	var payload struct {
		Models []struct {
			Name             string `json:"name"`
			InputTokenLimit  int    `json:"inputTokenLimit"`
			OutputTokenLimit int    `json:"outputTokenLimit"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, gwerr.Wrap(gwerr.KindResponseMalformed, "model list is not valid JSON", err)
	}

	out := make([]DiscoveredModel, 0, len(payload.Models))
	for _, m := range payload.Models {
		name := strings.TrimPrefix(m.Name, "models/")
		out = append(out, DiscoveredModel{Name: name, MaxTokens: m.InputTokenLimit})
	}
	return out, nil
}

// Ping issues the lightweight availability probe.
func (p *GeminiClient) Ping(ctx context.Context) error {
	_, err := p.ListModels(ctx)
	return err
}

// --- internal ---

func (p *GeminiClient) send(ctx context.Context, env *gemini.Envelope, stream bool) (*http.Response, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindInternal, "marshal request", err)
	}

	verb := "generateContent"
	query := "?key=" + p.apiKey
	if stream {
		verb = "streamGenerateContent"
		query = "?alt=sse&key=" + p.apiKey
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:%s%s", p.baseURL, env.Model, verb, query)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindInternal, "create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.classify(err)
	}

	if resp.StatusCode != http.StatusOK {
		detail := readGeminiError(resp)
		resp.Body.Close()
		return nil, gwerr.NewUpstreamHTTP(p.id, resp.StatusCode, detail)
	}
	return resp, nil
}

func readGeminiError(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "unreadable error body"
	}
	var payload struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	return "unparseable error body"
}

func (p *GeminiClient) classify(err error) error {
	if ge := gwerr.As(err); ge != nil {
		return ge
	}
	switch {
	case errors.Is(err, context.Canceled):
		return gwerr.Wrap(gwerr.KindClientCancelled, "request cancelled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return &gwerr.GatewayError{Kind: gwerr.KindTimeout, Message: "upstream deadline exceeded", Provider: p.id, Err: err}
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return &gwerr.GatewayError{Kind: gwerr.KindTimeout, Message: "upstream I/O timeout", Provider: p.id, Err: err}
		}
		return &gwerr.GatewayError{Kind: gwerr.KindTransport, Message: "upstream transport failure", Provider: p.id, Err: err}
	}
}
