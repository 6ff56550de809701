package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-ingest/breaker"
	"github.com/goliatone/go-ingest/core"
	"github.com/goliatone/go-ingest/ratelimit"
)

type stubDoer struct {
	status  int
	headers map[string]string
	err     error
	calls   int
}

func (d *stubDoer) Do(req *http.Request) (*http.Response, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	header := http.Header{}
	for key, value := range d.headers {
		header.Set(key, value)
	}
	return &http.Response{
		StatusCode: d.status,
		Header:     header,
		Body:       http.NoBody,
		Request:    req,
	}, nil
}

func clientDestination() core.Destination {
	return core.Destination{Domain: "acme.myshopify.com", Channel: "rest", Operation: "orders"}
}

func newRequest(t *testing.T) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "https://acme.myshopify.com/admin/orders.json", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func TestClassifyStatus(t *testing.T) {
	if err := ClassifyStatus(200, nil); err != nil {
		t.Fatalf("2xx must classify as success: %v", err)
	}
	if err := ClassifyStatus(429, map[string]string{"Retry-After": "3"}); !core.IsRateLimited(err) {
		t.Fatalf("429 must classify as rate limited: %v", err)
	} else if got := core.RetryAfterFromError(err); got != 3*time.Second {
		t.Fatalf("expected 3s retry-after hint, got %s", got)
	}
	if err := ClassifyStatus(503, nil); !core.IsTransient(err) {
		t.Fatalf("5xx must classify as transient: %v", err)
	}
	if err := ClassifyStatus(408, nil); !core.IsTransient(err) {
		t.Fatalf("408 must classify as transient: %v", err)
	}
	if err := ClassifyStatus(404, nil); !core.IsPermanent(err) {
		t.Fatalf("other 4xx must classify as permanent: %v", err)
	}
}

func TestClientSuccessRoundtrip(t *testing.T) {
	doer := &stubDoer{status: 200}
	client := NewClient(doer, breaker.New(nil), ratelimit.NewScheduler(5, time.Minute, nil), nil, nil)

	res, err := client.Call(context.Background(), clientDestination(), core.PriorityMedium, newRequest(t))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res == nil || res.StatusCode != 200 {
		t.Fatalf("expected response passthrough, got %+v", res)
	}
	if doer.calls != 1 {
		t.Fatalf("expected one upstream call, got %d", doer.calls)
	}
}

func TestClientOpensBreakerAfterRepeatedFailures(t *testing.T) {
	doer := &stubDoer{status: 503}
	brk := breaker.New(nil)
	brk.FailureThreshold = 3
	client := NewClient(doer, brk, nil, nil, nil)
	dest := clientDestination()

	for i := 0; i < 3; i++ {
		if _, err := client.Call(context.Background(), dest, core.PriorityMedium, newRequest(t)); err == nil {
			t.Fatalf("call %d: expected transient failure", i)
		}
	}

	_, err := client.Call(context.Background(), dest, core.PriorityMedium, newRequest(t))
	if !core.IsCircuitOpen(err) {
		t.Fatalf("expected circuit-open fast failure, got %v", err)
	}
	if doer.calls != 3 {
		t.Fatalf("open circuit must not reach upstream, got %d calls", doer.calls)
	}
}

func TestClientRateLimitDoesNotTripBreaker(t *testing.T) {
	doer := &stubDoer{status: 429, headers: map[string]string{"Retry-After": "1"}}
	brk := breaker.New(nil)
	brk.FailureThreshold = 2
	client := NewClient(doer, brk, nil, nil, nil)
	dest := clientDestination()

	for i := 0; i < 5; i++ {
		if _, err := client.Call(context.Background(), dest, core.PriorityMedium, newRequest(t)); !core.IsRateLimited(err) {
			t.Fatalf("call %d: expected rate limit classification, got %v", i, err)
		}
	}
	if doer.calls != 5 {
		t.Fatalf("429s must keep reaching upstream, got %d calls", doer.calls)
	}
}

func TestClientPolicyHoldsThrottledDestination(t *testing.T) {
	policy := ratelimit.NewAdaptivePolicy(ratelimit.NewMemoryStateStore())
	doer := &stubDoer{status: 429, headers: map[string]string{"Retry-After": "30"}}
	client := NewClient(doer, nil, nil, policy, nil)
	dest := clientDestination()

	if _, err := client.Call(context.Background(), dest, core.PriorityMedium, newRequest(t)); !core.IsRateLimited(err) {
		t.Fatalf("expected 429 classification, got %v", err)
	}

	_, err := client.Call(context.Background(), dest, core.PriorityMedium, newRequest(t))
	if !core.IsRateLimited(err) {
		t.Fatalf("expected policy hold before the second call, got %v", err)
	}
	if doer.calls != 1 {
		t.Fatalf("held call must not reach upstream, got %d calls", doer.calls)
	}
}

type stubProcessor struct {
	outcome core.Outcome
	err     error
	seen    core.InboundRequest
}

func (p *stubProcessor) Process(_ context.Context, req core.InboundRequest) (core.Outcome, error) {
	p.seen = req
	return p.outcome, p.err
}

func TestWebhookHandlerAlwaysAnswers200(t *testing.T) {
	processor := &stubProcessor{outcome: core.Outcome{Status: core.OutcomeStatusRejected}}
	handler := NewWebhookHandler(processor, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks", strings.NewReader(`{"id":1}`))
	req.Header.Set("X-Shopify-Topic", "orders/create")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("accept-and-record policy must answer 200, got %d", rec.Code)
	}
	if processor.seen.Headers["X-Shopify-Topic"] != "orders/create" {
		t.Fatalf("expected headers forwarded, got %v", processor.seen.Headers)
	}
	if string(processor.seen.Body) != `{"id":1}` {
		t.Fatalf("expected raw body forwarded, got %q", processor.seen.Body)
	}
}

func TestWebhookHandlerRejectPolicySurfacesStatus(t *testing.T) {
	processor := &stubProcessor{
		outcome: core.Outcome{Status: core.OutcomeStatusRejected},
		err:     core.NewValidationError("signature verification failed"),
	}
	handler := NewWebhookHandler(processor, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("reject policy must answer 401, got %d", rec.Code)
	}
}

func TestWebhookHandlerMethodGuard(t *testing.T) {
	handler := NewWebhookHandler(&stubProcessor{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/webhooks", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestClientAttachesBearerAndUserAgent(t *testing.T) {
	doer := &stubDoer{status: 200}
	client := NewClient(doer, nil, nil, nil, nil)
	client.Token = "shpat_abc123"
	client.UserAgent = "go-ingest/1.0"

	res, err := client.Call(context.Background(), clientDestination(), core.PriorityMedium, newRequest(t))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got := res.Request.Header.Get("Authorization"); got != "Bearer shpat_abc123" {
		t.Fatalf("expected bearer header, got %q", got)
	}
	if got := res.Request.Header.Get("User-Agent"); got != "go-ingest/1.0" {
		t.Fatalf("expected user agent header, got %q", got)
	}

	preset := newRequest(t)
	preset.Header.Set("Authorization", "Bearer custom")
	res, err = client.Call(context.Background(), clientDestination(), core.PriorityMedium, preset)
	if err != nil {
		t.Fatalf("call with preset auth: %v", err)
	}
	if got := res.Request.Header.Get("Authorization"); got != "Bearer custom" {
		t.Fatalf("expected caller auth preserved, got %q", got)
	}
}
