package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a gateway failure.
type ErrorKind string

const (
	KindClientBad           ErrorKind = "ClientBad"
	KindInvalidRequestShape ErrorKind = "InvalidRequestShape"
	KindNoHealthyProvider   ErrorKind = "NoHealthyProvider"
	KindCircuitOpen         ErrorKind = "CircuitOpen"
	KindQuotaExceeded       ErrorKind = "QuotaExceeded"
	KindTransport           ErrorKind = "TransportError"
	KindProviderHTTP4xx     ErrorKind = "ProviderHTTP4xx"
	KindProviderHTTP5xx     ErrorKind = "ProviderHTTP5xx"
	KindResponseMalformed   ErrorKind = "ResponseMalformed"
	KindTimeout             ErrorKind = "Timeout"
	KindClientCancelled     ErrorKind = "ClientCancelled"
	KindClientWrite         ErrorKind = "ClientWriteError"
	KindInternal            ErrorKind = "InternalError"
)

// GatewayError is the structured error surfaced by every pipeline stage.
// Message never contains credentials or raw upstream bodies.
type GatewayError struct {
	Kind       ErrorKind
	Message    string
	Provider   string
	Model      string
	Stage      string
	StatusCode int // upstream HTTP status when Kind is ProviderHTTP4xx/5xx
	RetryCount int
	Err        error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// WithTarget stamps the provider/model a failed attempt was addressed to.
func (e *GatewayError) WithTarget(provider, model string) *GatewayError {
	e.Provider = provider
	e.Model = model
	return e
}

// WithStage stamps the pipeline stage that surfaced the error.
func (e *GatewayError) WithStage(stage string) *GatewayError {
	e.Stage = stage
	return e
}

// New creates a GatewayError of the given kind.
func New(kind ErrorKind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message}
}

// Wrap creates a GatewayError of the given kind with a cause.
func Wrap(kind ErrorKind, message string, cause error) *GatewayError {
	return &GatewayError{Kind: kind, Message: message, Err: cause}
}

// NewClientBad creates a malformed/oversized client request error.
func NewClientBad(message string) *GatewayError {
	return New(KindClientBad, message)
}

// NewInvalidShape creates a translation failure error carrying the field path.
func NewInvalidShape(fieldPath string) *GatewayError {
	return New(KindInvalidRequestShape, fmt.Sprintf("invalid request shape at %q", fieldPath))
}

// NewNoHealthyProvider creates a routing-exhausted error for a category.
func NewNoHealthyProvider(category string) *GatewayError {
	return New(KindNoHealthyProvider, fmt.Sprintf("no healthy provider for category %q", category))
}

// NewCircuitOpen creates a fail-fast circuit rejection.
func NewCircuitOpen(provider string) *GatewayError {
	return &GatewayError{Kind: KindCircuitOpen, Message: "circuit open", Provider: provider}
}

// NewUpstreamHTTP classifies an upstream HTTP status into a GatewayError.
func NewUpstreamHTTP(provider string, status int, detail string) *GatewayError {
	kind := KindProviderHTTP4xx
	if status >= 500 {
		kind = KindProviderHTTP5xx
	}
	return &GatewayError{
		Kind:       kind,
		Message:    fmt.Sprintf("upstream returned HTTP %d: %s", status, detail),
		Provider:   provider,
		StatusCode: status,
	}
}

// Kind extracts the kind from any error chain; KindInternal when untyped.
func Kind(err error) ErrorKind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// As extracts the GatewayError from an error chain, or nil.
func As(err error) *GatewayError {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return nil
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return Kind(err) == kind
}

// Retryable reports whether a failed attempt may trigger failover to the
// next candidate. Client 4xx other than 408/429 and cancellations stop the
// retry loop.
func Retryable(err error) bool {
	ge := As(err)
	if ge == nil {
		return false
	}
	switch ge.Kind {
	case KindTransport, KindProviderHTTP5xx, KindCircuitOpen, KindQuotaExceeded, KindTimeout:
		return true
	case KindProviderHTTP4xx:
		return ge.StatusCode == http.StatusRequestTimeout || ge.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// HTTPStatus maps an error to the status code the front door responds with.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case KindClientBad, KindInvalidRequestShape:
		return http.StatusBadRequest
	case KindNoHealthyProvider:
		return http.StatusServiceUnavailable
	case KindProviderHTTP4xx, KindProviderHTTP5xx, KindResponseMalformed, KindTransport, KindCircuitOpen, KindQuotaExceeded:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
