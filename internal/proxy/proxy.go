package proxy

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/devopscentral/gateway/internal/circuitbreaker"
	"github.com/devopscentral/gateway/internal/errors"
	"github.com/devopscentral/gateway/internal/loadbalancer"
	"github.com/devopscentral/gateway/internal/logging"
	"github.com/devopscentral/gateway/internal/registry"
	"github.com/devopscentral/gateway/internal/store"
)

// StatusClientClosedRequest is logged when the caller went away before the
// upstream answered. Nothing is written to the wire for these.
const StatusClientClosedRequest = 499

// Result describes one forwarded request, for call logging and metrics.
type Result struct {
	Status          int
	BytesWritten    int64
	Service         string
	InstanceID      string
	Retries         int
	ErrorMessage    string
	ClientCancelled bool
	BreakerRejected bool
}

// Engine forwards matched requests to upstream instances. It owns instance
// selection, per-route timeouts, bounded retries, and breaker accounting;
// everything before it (auth, limits, cache) lives in the pipeline.
type Engine struct {
	transport      http.RoundTripper
	selector       *loadbalancer.Selector
	breakers       *circuitbreaker.Manager
	defaultTimeout time.Duration
}

// New creates a proxy engine with a pooled transport.
func New(selector *loadbalancer.Selector, breakers *circuitbreaker.Manager, defaultTimeout time.Duration) *Engine {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Engine{
		transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          256,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: time.Second,
			ForceAttemptHTTP2:     true,
		},
		selector:       selector,
		breakers:       breakers,
		defaultTimeout: defaultTimeout,
	}
}

// Forward proxies one request for its matched route and writes the upstream
// response (or a gateway error envelope) to w.
func (e *Engine) Forward(w http.ResponseWriter, r *http.Request, route *store.Route) *Result {
	res := &Result{Service: route.ServiceName}

	if route.CircuitBreakerEnabled && !e.breakers.Allow(r.Context(), route.ServiceName) {
		res.Status = errors.ErrCircuitOpen.HTTPStatus
		res.ErrorMessage = "circuit breaker open"
		res.BreakerRejected = true
		errors.ErrCircuitOpen.WriteJSON(w)
		return res
	}

	timeout := e.defaultTimeout
	if route.TimeoutSeconds > 0 {
		timeout = route.Timeout()
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	resp, inst, err := e.roundTrip(ctx, r, route, res)
	if err != nil {
		e.writeUpstreamError(w, r, route, err, res)
		return res
	}
	defer resp.Body.Close()

	if inst != nil {
		res.InstanceID = inst.InstanceID
	}
	res.Status = resp.StatusCode

	if route.CircuitBreakerEnabled {
		if resp.StatusCode >= 500 {
			e.breakers.RecordFailure(r.Context(), route.ServiceName)
		} else {
			e.breakers.RecordSuccess(r.Context(), route.ServiceName)
		}
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	n, copyErr := io.Copy(w, resp.Body)
	res.BytesWritten = n
	if copyErr != nil {
		logging.Debug("response copy interrupted",
			zap.String("service", route.ServiceName), zap.Error(copyErr))
	}
	return res
}

// roundTrip performs the upstream exchange, retrying per the route budget.
// Each attempt re-picks an instance so a retry lands elsewhere when the
// fleet allows it.
func (e *Engine) roundTrip(ctx context.Context, r *http.Request, route *store.Route, res *Result) (*http.Response, *registry.Instance, error) {
	var resp *http.Response
	var inst *registry.Instance

	attempts := 1
	if route.RetryCount > 0 && retryable(r) {
		attempts += route.RetryCount
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
	), ctx)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			res.Retries++
			wait := policy.NextBackOff()
			if wait == backoff.Stop {
				break
			}
			select {
			case <-ctx.Done():
				return nil, inst, ctx.Err()
			case <-time.After(wait):
			}
		}

		inst = e.selector.Pick(route.ServiceName, route.LoadBalanceStrategy)
		if inst == nil {
			return nil, nil, errNoInstance
		}
		res.InstanceID = inst.InstanceID

		inst.IncrActive()
		resp, lastErr = e.transport.RoundTrip(e.outboundRequest(ctx, r, inst))
		inst.DecrActive()

		if lastErr != nil {
			if ctx.Err() != nil {
				return nil, inst, ctx.Err()
			}
			continue
		}
		if resp.StatusCode >= 500 && attempt < attempts-1 {
			// Drain so the connection can be reused, then retry.
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			lastErr = errUpstreamStatus
			continue
		}
		return resp, inst, nil
	}
	return nil, inst, lastErr
}

// outboundRequest builds the upstream request: target URL from the instance,
// forwarded-for headers appended, hop-by-hop headers stripped.
func (e *Engine) outboundRequest(ctx context.Context, r *http.Request, inst *registry.Instance) *http.Request {
	target, err := url.Parse(inst.BaseURL)
	if err != nil {
		target = &url.URL{Scheme: "http", Host: inst.Host}
	}
	outURL := *target
	outURL.Path = r.URL.Path
	outURL.RawQuery = r.URL.RawQuery

	out := (&http.Request{
		Method:        r.Method,
		URL:           &outURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          target.Host,
	}).WithContext(ctx)

	out.Header = make(http.Header, len(r.Header)+3)
	for k, vv := range r.Header {
		out.Header[k] = vv
	}

	if clientIP := ClientIP(r); clientIP != "" {
		if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
			out.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			out.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	if r.TLS != nil {
		out.Header.Set("X-Forwarded-Proto", "https")
	} else {
		out.Header.Set("X-Forwarded-Proto", "http")
	}
	out.Header.Set("X-Forwarded-Host", r.Host)

	removeHopHeaders(out.Header)
	return out
}

// writeUpstreamError maps a transport failure to the error taxonomy and
// settles breaker accounting. A caller that hung up gets nothing on the
// wire and does not count against the breaker.
func (e *Engine) writeUpstreamError(w http.ResponseWriter, r *http.Request, route *store.Route, err error, res *Result) {
	if stderrors.Is(err, context.Canceled) && r.Context().Err() != nil {
		res.Status = StatusClientClosedRequest
		res.ClientCancelled = true
		res.ErrorMessage = "client closed request"
		// A cancelled request carries no upstream verdict; if it held the
		// half-open probe slot, hand the slot back.
		if route.CircuitBreakerEnabled {
			e.breakers.AbortProbe(r.Context(), route.ServiceName)
		}
		return
	}

	res.ErrorMessage = err.Error()

	var gwErr *errors.GatewayError
	switch {
	case stderrors.Is(err, errNoInstance):
		gwErr = errors.ErrNoInstance
	case stderrors.Is(err, context.DeadlineExceeded):
		gwErr = errors.ErrUpstreamTimeout
	default:
		gwErr = errors.ErrUpstreamError
	}

	if route.CircuitBreakerEnabled {
		if stderrors.Is(err, errNoInstance) {
			// An empty fleet says nothing about the upstream; release the
			// probe slot rather than debiting the breaker.
			e.breakers.AbortProbe(r.Context(), route.ServiceName)
		} else {
			e.breakers.RecordFailure(r.Context(), route.ServiceName)
		}
	}

	res.Status = gwErr.HTTPStatus
	gwErr.WriteJSON(w)
}

var (
	errNoInstance     = stderrors.New("no healthy instance")
	errUpstreamStatus = stderrors.New("upstream 5xx")
)

// retryable reports whether the request may be replayed: idempotent method
// and no body to rewind.
func retryable(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
	default:
		return false
	}
	return r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0
}

// ClientIP extracts the originating client address, preferring the first
// entry of X-Forwarded-For.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}
