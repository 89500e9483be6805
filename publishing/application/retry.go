package application

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/AzielCF/az-publisher/publishing/domain/credential"
	"github.com/AzielCF/az-publisher/publishing/domain/delivery"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 30 * time.Second
	DefaultMultiplier  = 2.0
	DefaultMaxDelay    = 10 * time.Minute
	DefaultJitter      = 0.2
)

// Decision is the outcome of classifying one failed attempt.
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
}

// RetryPolicy turns a delivery failure into either a delayed retry or a
// permanent failure for the target.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      float64

	// Rand returns a value in [0, 1). Tests replace it to make jitter stable.
	Rand func() float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		Multiplier:  DefaultMultiplier,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      DefaultJitter,
	}
}

// Decide classifies err for a target that has now been attempted attempts
// times (including the attempt that produced err).
func (p RetryPolicy) Decide(err error, attempts int) Decision {
	if err == nil {
		return Decision{}
	}

	reason, retryAfter, permanent := classify(err)
	if permanent {
		return Decision{Reason: reason}
	}

	if attempts >= p.maxAttempts() {
		return Decision{Reason: delivery.ReasonRetriesExhausted}
	}

	delay := p.Backoff(attempts)
	if retryAfter > delay {
		delay = retryAfter
	}
	return Decision{Retry: true, Delay: delay, Reason: reason}
}

// Backoff returns the jittered exponential delay after the given attempt.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = DefaultMultiplier
	}

	delay := float64(base) * math.Pow(mult, float64(attempts-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter > 0 {
		r := rand.Float64
		if p.Rand != nil {
			r = p.Rand
		}
		delay -= delay * math.Min(p.Jitter, 1) * r()
	}
	return time.Duration(delay)
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

func classify(err error) (reason string, retryAfter time.Duration, permanent bool) {
	if errors.Is(err, credential.ErrExpiredCredential) {
		return delivery.ReasonCredentialExpired, 0, true
	}
	if errors.Is(err, delivery.ErrRetriesExhausted) {
		return delivery.ReasonRetriesExhausted, 0, true
	}
	if de, ok := delivery.AsError(err); ok {
		reason = de.Reason
		if reason == "" {
			reason = de.Error()
		}
		return reason, de.RetryAfter, de.Kind == delivery.KindPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout", 0, false
	}
	return err.Error(), 0, false
}
