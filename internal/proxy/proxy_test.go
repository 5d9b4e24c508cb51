package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devopscentral/gateway/internal/circuitbreaker"
	"github.com/devopscentral/gateway/internal/loadbalancer"
	"github.com/devopscentral/gateway/internal/registry"
	"github.com/devopscentral/gateway/internal/store"
)

func testEngine(t *testing.T, backends ...*httptest.Server) (*Engine, *circuitbreaker.Manager) {
	t.Helper()

	reg := registry.New(nil)
	rows := make([]store.ServiceInstance, 0, len(backends))
	for i, backend := range backends {
		u, err := url.Parse(backend.URL)
		if err != nil {
			t.Fatal(err)
		}
		port, _ := strconv.Atoi(u.Port())
		rows = append(rows, store.ServiceInstance{
			ID:          int64(i + 1),
			ServiceName: "svc",
			InstanceID:  "i" + strconv.Itoa(i+1),
			Host:        u.Hostname(),
			Port:        port,
			Protocol:    "http",
			Weight:      1,
			Status:      store.InstanceHealthy,
		})
	}
	reg.Load(rows)

	breakers := circuitbreaker.NewManager(3, time.Minute, nil, nil)
	return New(loadbalancer.NewSelector(reg), breakers, 5*time.Second), breakers
}

func testRoute() *store.Route {
	return &store.Route{
		ID:                    1,
		ServiceName:           "svc",
		PathPattern:           "/api/v1/things",
		Method:                "GET",
		LoadBalanceStrategy:   store.StrategyRoundRobin,
		CircuitBreakerEnabled: true,
		TimeoutSeconds:        5,
	}
}

func TestForwardRelaysResponse(t *testing.T) {
	var gotForwardedFor, gotForwardedHost string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotForwardedFor = r.Header.Get("X-Forwarded-For")
		gotForwardedHost = r.Header.Get("X-Forwarded-Host")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":7}`))
	}))
	defer backend.Close()

	e, _ := testEngine(t, backend)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://gw.example/api/v1/things?x=1", nil)
	req.RemoteAddr = "203.0.113.9:4455"

	res := e.Forward(rec, req, testRoute())

	if rec.Code != http.StatusCreated {
		t.Errorf("status %d", rec.Code)
	}
	if rec.Body.String() != `{"id":7}` {
		t.Errorf("body %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Error("upstream headers should be relayed")
	}
	if gotForwardedFor != "203.0.113.9" {
		t.Errorf("X-Forwarded-For = %q", gotForwardedFor)
	}
	if gotForwardedHost != "gw.example" {
		t.Errorf("X-Forwarded-Host = %q", gotForwardedHost)
	}
	if res.Status != http.StatusCreated || res.BytesWritten != int64(len(`{"id":7}`)) {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestForwardRetriesIdempotentOn5xx(t *testing.T) {
	var calls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer backend.Close()

	e, _ := testEngine(t, backend)
	route := testRoute()
	route.RetryCount = 2

	rec := httptest.NewRecorder()
	res := e.Forward(rec, httptest.NewRequest(http.MethodGet, "/api/v1/things", nil), route)

	if rec.Code != http.StatusOK {
		t.Errorf("expected retry to succeed, status %d", rec.Code)
	}
	if res.Retries != 1 {
		t.Errorf("expected 1 retry, got %d", res.Retries)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 upstream calls, got %d", calls.Load())
	}
}

func TestForwardDoesNotRetryPost(t *testing.T) {
	var calls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer backend.Close()

	e, _ := testEngine(t, backend)
	route := testRoute()
	route.Method = "POST"
	route.RetryCount = 2

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/things", strings.NewReader(`{"a":1}`))
	e.Forward(rec, req, route)

	if calls.Load() != 1 {
		t.Errorf("POST must not be retried, got %d calls", calls.Load())
	}
	if rec.Code != http.StatusBadGateway {
		t.Errorf("5xx should be relayed, got %d", rec.Code)
	}
}

func TestForwardNoInstance(t *testing.T) {
	e, _ := testEngine(t) // no backends registered

	rec := httptest.NewRecorder()
	res := e.Forward(rec, httptest.NewRequest(http.MethodGet, "/x", nil), testRoute())

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "F50302") {
		t.Errorf("expected F50302 envelope, got %s", rec.Body.String())
	}
	if res.ErrorMessage == "" {
		t.Error("result should carry an error message")
	}
}

func TestForwardUpstreamTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer backend.Close()

	e, _ := testEngine(t, backend)
	route := testRoute()
	route.TimeoutSeconds = 1

	rec := httptest.NewRecorder()
	start := time.Now()
	e.Forward(rec, httptest.NewRequest(http.MethodGet, "/x", nil), route)

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "F50400") {
		t.Errorf("expected F50400 envelope, got %s", rec.Body.String())
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout not enforced, took %v", elapsed)
	}
}

func TestBreakerOpensAndRejects(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	e, breakers := testEngine(t, backend)
	route := testRoute()

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		e.Forward(rec, httptest.NewRequest(http.MethodGet, "/x", nil), route)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("request %d: status %d", i, rec.Code)
		}
	}
	if breakers.Get("svc").State() != circuitbreaker.StateOpen {
		t.Fatal("breaker should be open after threshold failures")
	}

	rec := httptest.NewRecorder()
	res := e.Forward(rec, httptest.NewRequest(http.MethodGet, "/x", nil), route)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "F50301") {
		t.Errorf("expected circuit-open envelope, got %d %s", rec.Code, rec.Body.String())
	}
	if res.Status != http.StatusServiceUnavailable {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestProbeAbortedOnNoInstanceRecovers(t *testing.T) {
	reg := registry.New(nil)
	breakers := circuitbreaker.NewManager(1, 20*time.Millisecond, nil, nil)
	e := New(loadbalancer.NewSelector(reg), breakers, 5*time.Second)
	route := testRoute()
	ctx := context.Background()

	breakers.RecordFailure(ctx, "svc")
	time.Sleep(30 * time.Millisecond)

	// The admitted probe finds an empty fleet; its slot must come back
	// instead of wedging the breaker in half-open.
	rec := httptest.NewRecorder()
	e.Forward(rec, httptest.NewRequest(http.MethodGet, "/x", nil), route)
	if !strings.Contains(rec.Body.String(), "F50302") {
		t.Fatalf("expected no-instance envelope, got %s", rec.Body.String())
	}
	if breakers.Get("svc").State() != circuitbreaker.StateOpen {
		t.Fatalf("aborted probe should reopen, got %s", breakers.Get("svc").State())
	}

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer backend.Close()
	u, err := url.Parse(backend.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())
	reg.Load([]store.ServiceInstance{{
		ID: 1, ServiceName: "svc", InstanceID: "i1",
		Host: u.Hostname(), Port: port, Protocol: "http", Weight: 1,
		Status: store.InstanceHealthy,
	}})

	rec = httptest.NewRecorder()
	e.Forward(rec, httptest.NewRequest(http.MethodGet, "/x", nil), route)
	if rec.Code != http.StatusOK {
		t.Fatalf("next request should probe the recovered fleet, got %d %s", rec.Code, rec.Body.String())
	}
	if breakers.Get("svc").State() != circuitbreaker.StateClosed {
		t.Error("successful probe should close the breaker")
	}
}

func TestBreakerDisabledRouteNeverTrips(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	e, breakers := testEngine(t, backend)
	route := testRoute()
	route.CircuitBreakerEnabled = false

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		e.Forward(rec, httptest.NewRequest(http.MethodGet, "/x", nil), route)
	}
	if breakers.Get("svc").State() != circuitbreaker.StateClosed {
		t.Error("disabled breaker must stay closed")
	}
}

func TestClientCancelProducesNoResponse(t *testing.T) {
	started := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer backend.Close()

	e, breakers := testEngine(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/x", nil).WithContext(ctx)

	go func() {
		<-started
		cancel()
	}()

	rec := httptest.NewRecorder()
	res := e.Forward(rec, req, testRoute())

	if !res.ClientCancelled || res.Status != StatusClientClosedRequest {
		t.Errorf("expected client-cancel result, got %+v", res)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("nothing should be written for a cancelled caller, got %q", rec.Body.String())
	}
	if breakers.Get("svc").Snapshot().FailureCount != 0 {
		t.Error("client cancellation must not count as a breaker failure")
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:9999"
	if got := ClientIP(r); got != "10.1.2.3" {
		t.Errorf("got %q", got)
	}
	r.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	if got := ClientIP(r); got != "198.51.100.7" {
		t.Errorf("got %q", got)
	}
}
