package scheduler

import (
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/goliatone/go-ingest/core"
)

// Topic tiers order retry dispatch: revenue-bearing events drain first, bulk
// catalog churn last.
const (
	TierCritical   = 1
	TierHigh       = 5
	TierNormal     = 10
	TierBackground = 15
)

// TopicTier classifies a webhook topic by substring. Unknown topics land in
// the background tier.
func TopicTier(topic string) int {
	topic = strings.ToLower(strings.TrimSpace(topic))
	switch {
	case strings.Contains(topic, "order"),
		strings.Contains(topic, "checkout"),
		strings.Contains(topic, "fulfillment"):
		return TierCritical
	case strings.Contains(topic, "inventory"),
		strings.Contains(topic, "customer"):
		return TierHigh
	case strings.Contains(topic, "product"),
		strings.Contains(topic, "collection"):
		return TierNormal
	default:
		return TierBackground
	}
}

// TierPriority maps a dispatch tier onto the shared priority scale used by
// the rate-limited call scheduler.
func TierPriority(tier int) int {
	switch tier {
	case TierCritical:
		return core.PriorityCritical
	case TierHigh:
		return core.PriorityHigh
	case TierNormal:
		return core.PriorityMedium
	default:
		return core.PriorityLow
	}
}

const (
	defaultInitialDelay = time.Second
	defaultMaxDelay     = 5 * time.Minute
	defaultMultiplier   = 2.0
)

// ExponentialRetryPolicy computes the wait before the next attempt:
// initial * multiplier^attempts, capped at MaxDelay. Jitter, when set,
// spreads the delay by up to that fraction in either direction so redelivery
// storms do not line up.
type ExponentialRetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64

	rand func() float64
}

func NewExponentialRetryPolicy() ExponentialRetryPolicy {
	return ExponentialRetryPolicy{
		InitialDelay: defaultInitialDelay,
		MaxDelay:     defaultMaxDelay,
		Multiplier:   defaultMultiplier,
		Jitter:       0.2,
	}
}

func (p ExponentialRetryPolicy) Delay(attempts int) time.Duration {
	initial := p.InitialDelay
	if initial <= 0 {
		initial = defaultInitialDelay
	}
	max := p.MaxDelay
	if max <= 0 {
		max = defaultMaxDelay
	}
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = defaultMultiplier
	}
	if attempts < 0 {
		attempts = 0
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempts))
	if delay > float64(max) {
		delay = float64(max)
	}
	if p.Jitter > 0 {
		roll := rand.Float64
		if p.rand != nil {
			roll = p.rand
		}
		spread := (roll()*2 - 1) * p.Jitter
		delay += delay * spread
	}
	if delay < 0 {
		delay = 0
	}
	if delay > float64(max) {
		delay = float64(max)
	}
	return time.Duration(delay)
}
