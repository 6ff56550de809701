package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-ingest/breaker"
	"github.com/goliatone/go-ingest/core"
	"github.com/goliatone/go-ingest/ratelimit"
)

// Doer is the slice of http.Client the outbound path needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client sends destination calls through the full resilience stack: the
// adaptive policy holds calls the upstream already throttled, the breaker
// fails fast on unhealthy destinations, and the scheduler enforces the
// rolling window budget. Responses feed the policy so the next call sees
// fresh budget state.
type Client struct {
	HTTP    Doer
	Breaker *breaker.Breaker
	Limiter *ratelimit.Scheduler
	Policy  *ratelimit.AdaptivePolicy

	Logger  core.Logger
	Metrics core.MetricsRecorder

	// Token is attached as a bearer Authorization header when the request
	// does not already carry one.
	Token     string
	UserAgent string
}

func NewClient(
	httpClient Doer,
	brk *breaker.Breaker,
	limiter *ratelimit.Scheduler,
	policy *ratelimit.AdaptivePolicy,
	logger core.Logger,
) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		HTTP:    httpClient,
		Breaker: brk,
		Limiter: limiter,
		Policy:  policy,
		Logger:  logger,
	}
}

// Call executes req against the destination. A non-nil response is returned
// alongside classification errors so callers can still read error bodies;
// the caller owns closing the response body.
func (c *Client) Call(
	ctx context.Context,
	destination core.Destination,
	priority int,
	req *http.Request,
) (*http.Response, error) {
	if c == nil || c.HTTP == nil {
		return nil, fmt.Errorf("transport: client is not configured")
	}
	if req == nil {
		return nil, fmt.Errorf("transport: request is required")
	}
	destination = destination.Normalize()
	startedAt := time.Now().UTC()

	if c.Policy != nil {
		if err := c.Policy.BeforeCall(ctx, destination); err != nil {
			return nil, throttleToIngestError(err)
		}
	}

	var res *http.Response
	call := func(ctx context.Context) error {
		var err error
		res, err = c.doOnce(ctx, destination, req)
		return err
	}

	wrapped := call
	if c.Limiter != nil {
		wrapped = func(ctx context.Context) error {
			return c.Limiter.Schedule(ctx, destination, priority, call)
		}
	}

	var err error
	if c.Breaker != nil {
		err = c.Breaker.Execute(ctx, destination, wrapped)
	} else {
		err = wrapped(ctx)
	}

	observer := core.Observer{Logger: c.Logger, Metrics: c.Metrics}
	observer.ObserveOperation(ctx, startedAt, "transport.call", err, map[string]any{
		"destination": destination.Key(),
	})
	return res, err
}

func (c *Client) doOnce(ctx context.Context, destination core.Destination, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)
	if agent := strings.TrimSpace(c.UserAgent); agent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", agent)
	}
	if token := strings.TrimSpace(c.Token); token != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, core.NewTransientError(fmt.Sprintf("transport: call canceled: %v", err))
		}
		return nil, core.NewTransientError(fmt.Sprintf("transport: %v", err))
	}

	if c.Policy != nil {
		meta := ratelimit.ResponseMeta{
			StatusCode: res.StatusCode,
			Headers:    flattenHeaders(res.Header),
		}
		if policyErr := c.Policy.AfterCall(ctx, destination, meta); policyErr != nil && c.Logger != nil {
			c.Logger.Warn("transport: rate limit state update failed", "error", policyErr.Error())
		}
	}

	return res, ClassifyStatus(res.StatusCode, flattenHeaders(res.Header))
}

// ClassifyStatus maps an upstream status code onto the error taxonomy.
// 2xx is success, 429 is a rate limit carrying the retry-after hint, 408
// and 5xx are transient, and every other 4xx is permanent.
func ClassifyStatus(statusCode int, headers map[string]string) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusTooManyRequests:
		retryAfter := retryAfterHint(headers)
		return core.NewRateLimitError(
			fmt.Sprintf("transport: destination responded %d", statusCode),
			retryAfter,
		)
	case statusCode == http.StatusRequestTimeout || statusCode >= 500:
		return core.NewTransientError(
			fmt.Sprintf("transport: destination responded %d", statusCode),
		)
	default:
		return core.NewPermanentError(
			fmt.Sprintf("transport: destination responded %d", statusCode),
			statusCode,
		)
	}
}

func retryAfterHint(headers map[string]string) time.Duration {
	raw := core.HeaderValue(headers, "Retry-After")
	if raw == "" {
		return 5 * time.Second
	}
	var seconds int
	if _, err := fmt.Sscanf(raw, "%d", &seconds); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 5 * time.Second
}

func throttleToIngestError(err error) error {
	var throttled ratelimit.ThrottledError
	if errors.As(err, &throttled) {
		return throttled.ToIngestError()
	}
	return err
}

func flattenHeaders(header http.Header) map[string]string {
	if len(header) == 0 {
		return map[string]string{}
	}
	flat := make(map[string]string, len(header))
	for key := range header {
		flat[key] = header.Get(key)
	}
	return flat
}
