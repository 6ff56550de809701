package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-ingest/core"
)

var ErrStateNotFound = errors.New("ratelimit: state not found")

const callLimitHeader = "X-Shopify-Shop-Api-Call-Limit"

// State tracks what a destination last told us about its budget.
type State struct {
	Destination    core.Destination
	Limit          int
	Remaining      int
	ResetAt        *time.Time
	RetryAfter     *time.Duration
	ThrottledUntil *time.Time
	LastStatus     int
	Attempts       int
	UpdatedAt      time.Time
	Metadata       map[string]any
}

type StateStore interface {
	Get(ctx context.Context, destination core.Destination) (State, error)
	Upsert(ctx context.Context, state State) error
}

// ResponseMeta is the slice of an upstream response the policy cares about.
type ResponseMeta struct {
	StatusCode int
	Headers    map[string]string
	RetryAfter *time.Duration
	Metadata   map[string]any
}

type ThrottledError struct {
	Destination string
	RetryAfter  time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf(
		"ratelimit: destination %q throttled for %s",
		strings.TrimSpace(e.Destination),
		e.RetryAfter,
	)
}

func (e ThrottledError) ToIngestError() *goerrors.Error {
	metadata := map[string]any{
		"destination": strings.TrimSpace(e.Destination),
	}
	if e.RetryAfter > 0 {
		metadata[core.MetadataKeyRetryAfterMS] = e.RetryAfter.Milliseconds()
	}
	return goerrors.New(e.Error(), goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(core.IngestErrorRateLimited).
		WithMetadata(metadata)
}

// AdaptivePolicy folds upstream budget headers into per-destination state.
// A call-limit header crossing the threshold, or a 429, marks the
// destination throttled so callers back off before the platform does it for
// them.
type AdaptivePolicy struct {
	Store             StateStore
	Now               func() time.Time
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	DefaultRetryHint  time.Duration
	ThrottleThreshold float64
}

func NewAdaptivePolicy(store StateStore) *AdaptivePolicy {
	return &AdaptivePolicy{
		Store:             store,
		Now:               func() time.Time { return time.Now().UTC() },
		InitialBackoff:    time.Second,
		MaxBackoff:        time.Minute,
		DefaultRetryHint:  5 * time.Second,
		ThrottleThreshold: 0.95,
	}
}

func (p *AdaptivePolicy) BeforeCall(ctx context.Context, destination core.Destination) error {
	if p == nil || p.Store == nil {
		return nil
	}
	state, err := p.Store.Get(ctx, destination.Normalize())
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil
		}
		return err
	}

	now := p.now()
	if until := state.ThrottledUntil; until != nil && now.Before(*until) {
		return ThrottledError{Destination: state.Destination.Key(), RetryAfter: until.Sub(now)}
	}
	if state.Remaining == 0 && state.ResetAt != nil && now.Before(*state.ResetAt) {
		return ThrottledError{Destination: state.Destination.Key(), RetryAfter: state.ResetAt.Sub(now)}
	}
	return nil
}

func (p *AdaptivePolicy) AfterCall(ctx context.Context, destination core.Destination, res ResponseMeta) error {
	if p == nil || p.Store == nil {
		return nil
	}
	destination = destination.Normalize()
	now := p.now()
	state, err := p.Store.Get(ctx, destination)
	if err != nil && !errors.Is(err, ErrStateNotFound) {
		return err
	}
	if errors.Is(err, ErrStateNotFound) {
		state = State{Destination: destination}
	}

	state.LastStatus = res.StatusCode
	state.UpdatedAt = now
	state.Metadata = core.MergeAnyMap(state.Metadata, res.Metadata)

	used, limit, hasCallLimit := parseCallLimit(res.Headers)
	if hasCallLimit {
		state.Limit = limit
		state.Remaining = limit - used
	}
	if limit, ok := parseHeaderInt(res.Headers, "x-ratelimit-limit"); ok {
		state.Limit = limit
		hasCallLimit = true
	}
	if remaining, ok := parseHeaderInt(res.Headers, "x-ratelimit-remaining"); ok {
		state.Remaining = remaining
		hasCallLimit = true
	}
	hasResetAt := false
	if resetAt, ok := parseHeaderResetAt(res.Headers); ok {
		state.ResetAt = &resetAt
		hasResetAt = true
	}

	calculatedRetryAfter, hasRetryAfter := parseRetryAfter(res, now)
	if hasRetryAfter {
		state.RetryAfter = &calculatedRetryAfter
	} else {
		state.RetryAfter = nil
	}

	throttled := res.StatusCode == http.StatusTooManyRequests
	if !throttled && res.StatusCode < 500 {
		if state.Remaining == 0 && (hasCallLimit || hasResetAt || hasRetryAfter) {
			throttled = true
		}
		if !throttled && state.Limit > 0 && hasCallLimit {
			usage := float64(state.Limit-state.Remaining) / float64(state.Limit)
			if usage >= p.throttleThreshold() {
				throttled = true
			}
		}
	}

	if throttled {
		state.Attempts++
		delay := calculatedRetryAfter
		if !hasRetryAfter {
			delay = p.nextBackoff(state.Attempts)
		}
		until := now.Add(delay)
		state.ThrottledUntil = &until
		return p.Store.Upsert(ctx, state)
	}

	state.Attempts = 0
	state.ThrottledUntil = nil
	return p.Store.Upsert(ctx, state)
}

func (p *AdaptivePolicy) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *AdaptivePolicy) throttleThreshold() float64 {
	if p != nil && p.ThrottleThreshold > 0 && p.ThrottleThreshold <= 1 {
		return p.ThrottleThreshold
	}
	return 0.95
}

func (p *AdaptivePolicy) nextBackoff(attempt int) time.Duration {
	initial := p.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	maximum := p.MaxBackoff
	if maximum <= 0 {
		maximum = time.Minute
	}
	if attempt <= 0 {
		return initial
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	if delay <= 0 {
		return p.defaultRetryHint()
	}
	if delay > maximum {
		return maximum
	}
	return delay
}

func (p *AdaptivePolicy) defaultRetryHint() time.Duration {
	if p != nil && p.DefaultRetryHint > 0 {
		return p.DefaultRetryHint
	}
	return 5 * time.Second
}

// parseCallLimit reads the platform "used/limit" budget header.
func parseCallLimit(headers map[string]string) (int, int, bool) {
	raw := core.HeaderValue(headers, callLimitHeader)
	if raw == "" {
		return 0, 0, false
	}
	parts := strings.SplitN(raw, "/", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	used, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, false
	}
	limit, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || limit <= 0 {
		return 0, 0, false
	}
	return used, limit, true
}

func parseRetryAfter(res ResponseMeta, now time.Time) (time.Duration, bool) {
	if res.RetryAfter != nil && *res.RetryAfter > 0 {
		return *res.RetryAfter, true
	}
	raw := core.HeaderValue(res.Headers, "retry-after")
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if retryAt, err := httpDate(raw); err == nil {
		if retryAt.After(now) {
			return retryAt.Sub(now), true
		}
	}
	return 0, false
}

func parseHeaderInt(headers map[string]string, key string) (int, bool) {
	value := core.HeaderValue(headers, key)
	if value == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func parseHeaderResetAt(headers map[string]string) (time.Time, bool) {
	value := core.HeaderValue(headers, "x-ratelimit-reset")
	if value == "" {
		return time.Time{}, false
	}
	unix, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	if unix <= 0 {
		return time.Time{}, false
	}
	return time.Unix(unix, 0).UTC(), true
}

func httpDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("ratelimit: empty date")
	}
	if parsed, err := time.Parse(time.RFC1123, value); err == nil {
		return parsed.UTC(), nil
	}
	if parsed, err := time.Parse(time.RFC1123Z, value); err == nil {
		return parsed.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("ratelimit: invalid http date")
}

type MemoryStateStore struct {
	mu    sync.RWMutex
	items map[string]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{items: map[string]State{}}
}

func (s *MemoryStateStore) Get(_ context.Context, destination core.Destination) (State, error) {
	if s == nil {
		return State{}, fmt.Errorf("ratelimit: state store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.items[destination.Key()]
	if !ok {
		return State{}, ErrStateNotFound
	}
	state.Metadata = core.CloneAnyMap(state.Metadata)
	return state, nil
}

func (s *MemoryStateStore) Upsert(_ context.Context, state State) error {
	if s == nil {
		return fmt.Errorf("ratelimit: state store is nil")
	}
	state.Destination = state.Destination.Normalize()
	state.Metadata = core.CloneAnyMap(state.Metadata)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[state.Destination.Key()] = state
	return nil
}

var _ StateStore = (*MemoryStateStore)(nil)
