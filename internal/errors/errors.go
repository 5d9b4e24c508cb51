package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind classifies gateway failures into the stable taxonomy surfaced to clients.
type Kind int

const (
	KindRouteNotFound Kind = iota
	KindUnauthorized
	KindForbidden
	KindRateLimited
	KindCircuitOpen
	KindNoInstance
	KindUpstreamTimeout
	KindUpstreamError
	KindValidation
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindRouteNotFound:
		return "route_not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindRateLimited:
		return "rate_limited"
	case KindCircuitOpen:
		return "circuit_open"
	case KindNoInstance:
		return "no_instance"
	case KindUpstreamTimeout:
		return "upstream_timeout"
	case KindUpstreamError:
		return "upstream_error"
	case KindValidation:
		return "validation_error"
	case KindInternal:
		return "internal_error"
	default:
		return "unknown"
	}
}

// Envelope is the uniform JSON response wrapper used for every
// gateway-originated response body.
type Envelope struct {
	Code    string      `json:"code"`
	Msg     string      `json:"msg"`
	Content interface{} `json:"content"`
}

// SuccessCode is the envelope code for successful responses.
const SuccessCode = "S10000"

// OK builds a success envelope around content.
func OK(content interface{}) Envelope {
	return Envelope{Code: SuccessCode, Msg: "OK", Content: content}
}

// WriteOK writes a success envelope with HTTP 200.
func WriteOK(w http.ResponseWriter, content interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(OK(content))
}

// GatewayError is a client-visible error carrying the envelope code, the HTTP
// status to respond with, and an optional wrapped cause that never reaches
// the client.
type GatewayError struct {
	Kind       Kind
	HTTPStatus int
	Code       string
	Msg        string
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.underlying)
	}
	return e.Msg
}

func (e *GatewayError) Unwrap() error { return e.underlying }

// Envelope returns the wire form of the error. Content is always an empty
// object so clients can decode it uniformly.
func (e *GatewayError) Envelope() Envelope {
	return Envelope{Code: e.Code, Msg: e.Msg, Content: struct{}{}}
}

// WriteJSON writes the error envelope to the response. Base singletons use a
// pre-serialized body to avoid per-request encoding.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e.Envelope())
}

// Base error singletons. Messages are stable identifiers consumed by
// existing clients; do not reword them.
var (
	ErrRouteNotFound = &GatewayError{
		Kind: KindRouteNotFound, HTTPStatus: http.StatusNotFound,
		Code: "F40400", Msg: "ROUTE_NOT_FOUND",
	}

	ErrUnauthorized = &GatewayError{
		Kind: KindUnauthorized, HTTPStatus: http.StatusUnauthorized,
		Code: "F40100", Msg: "UNAUTHORIZED",
	}

	ErrTokenMissing = &GatewayError{
		Kind: KindUnauthorized, HTTPStatus: http.StatusUnauthorized,
		Code: "F40101", Msg: "TOKEN_MISSING",
	}

	ErrTokenExpired = &GatewayError{
		Kind: KindUnauthorized, HTTPStatus: http.StatusUnauthorized,
		Code: "F40102", Msg: "TOKEN_EXPIRED",
	}

	ErrTokenInvalid = &GatewayError{
		Kind: KindUnauthorized, HTTPStatus: http.StatusUnauthorized,
		Code: "F40103", Msg: "TOKEN_INVALID",
	}

	ErrTokenRevoked = &GatewayError{
		Kind: KindUnauthorized, HTTPStatus: http.StatusUnauthorized,
		Code: "F40104", Msg: "TOKEN_REVOKED",
	}

	ErrForbidden = &GatewayError{
		Kind: KindForbidden, HTTPStatus: http.StatusForbidden,
		Code: "F40300", Msg: "PERMISSION_DENIED",
	}

	ErrRateLimited = &GatewayError{
		Kind: KindRateLimited, HTTPStatus: http.StatusTooManyRequests,
		Code: "F42900", Msg: "RATE_LIMIT_EXCEEDED",
	}

	ErrCircuitOpen = &GatewayError{
		Kind: KindCircuitOpen, HTTPStatus: http.StatusServiceUnavailable,
		Code: "F50301", Msg: "CIRCUIT_BREAKER_OPEN",
	}

	ErrNoInstance = &GatewayError{
		Kind: KindNoInstance, HTTPStatus: http.StatusServiceUnavailable,
		Code: "F50302", Msg: "NO_INSTANCE_AVAILABLE",
	}

	ErrUpstreamTimeout = &GatewayError{
		Kind: KindUpstreamTimeout, HTTPStatus: http.StatusGatewayTimeout,
		Code: "F50400", Msg: "UPSTREAM_TIMEOUT",
	}

	ErrUpstreamError = &GatewayError{
		Kind: KindUpstreamError, HTTPStatus: http.StatusBadGateway,
		Code: "F50200", Msg: "UPSTREAM_ERROR",
	}

	ErrInternal = &GatewayError{
		Kind: KindInternal, HTTPStatus: http.StatusInternalServerError,
		Code: "F50000", Msg: "INTERNAL_ERROR",
	}
)

// ValidationCode is the envelope code for admin input validation failures.
// These are written with HTTP 200 for compatibility with existing clients.
const ValidationCode = "F10001"

// WriteValidation writes a validation failure envelope: HTTP 200 with
// code F10001 and the first field-level error message.
func WriteValidation(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(Envelope{Code: ValidationCode, Msg: msg, Content: struct{}{}})
}

// preSerialized holds JSON-encoded envelope bytes for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrRouteNotFound, ErrUnauthorized, ErrTokenMissing, ErrTokenExpired,
		ErrTokenInvalid, ErrTokenRevoked, ErrForbidden, ErrRateLimited,
		ErrCircuitOpen, ErrNoInstance, ErrUpstreamTimeout, ErrUpstreamError,
		ErrInternal,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e.Envelope())
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// Wrap returns a copy of base carrying err as the internal cause. The wire
// form is unchanged; the cause only shows up in logs.
func Wrap(base *GatewayError, err error) *GatewayError {
	return &GatewayError{
		Kind:       base.Kind,
		HTTPStatus: base.HTTPStatus,
		Code:       base.Code,
		Msg:        base.Msg,
		underlying: err,
	}
}

// WithMsg returns a copy of base with a different client-visible message.
func WithMsg(base *GatewayError, msg string) *GatewayError {
	return &GatewayError{
		Kind:       base.Kind,
		HTTPStatus: base.HTTPStatus,
		Code:       base.Code,
		Msg:        msg,
		underlying: base.underlying,
	}
}

// AsGatewayError extracts a *GatewayError from err, if it is one.
func AsGatewayError(err error) (*GatewayError, bool) {
	if ge, ok := err.(*GatewayError); ok {
		return ge, true
	}
	return nil, false
}
