package application_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/AzielCF/az-publisher/publishing/application"
	"github.com/AzielCF/az-publisher/publishing/domain/credential"
	"github.com/AzielCF/az-publisher/publishing/domain/delivery"
	"github.com/stretchr/testify/assert"
)

func stablePolicy() application.RetryPolicy {
	p := application.DefaultRetryPolicy()
	p.Rand = func() float64 { return 0 }
	return p
}

func TestRetryPolicy_Decide(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		attempts   int
		wantRetry  bool
		wantDelay  time.Duration
		wantReason string
	}{
		{
			name:       "transient error retries with base delay",
			err:        delivery.Transient("platform unavailable", 0, errors.New("503")),
			attempts:   1,
			wantRetry:  true,
			wantDelay:  30 * time.Second,
			wantReason: "platform unavailable",
		},
		{
			name:       "second transient failure doubles the delay",
			err:        delivery.Transient("platform unavailable", 0, nil),
			attempts:   2,
			wantRetry:  true,
			wantDelay:  time.Minute,
			wantReason: "platform unavailable",
		},
		{
			name:       "permanent error is never retried",
			err:        delivery.Permanent(delivery.ReasonContentRejected, errors.New("422")),
			attempts:   1,
			wantReason: delivery.ReasonContentRejected,
		},
		{
			name:       "expired credential is permanent",
			err:        fmt.Errorf("resolve token: %w", credential.ErrExpiredCredential),
			attempts:   1,
			wantReason: delivery.ReasonCredentialExpired,
		},
		{
			name:       "attempt budget exhausted",
			err:        delivery.Transient("platform unavailable", 0, nil),
			attempts:   3,
			wantReason: delivery.ReasonRetriesExhausted,
		},
		{
			name:       "retry after hint wins when larger",
			err:        delivery.Transient("rate limited", 5*time.Minute, nil),
			attempts:   1,
			wantRetry:  true,
			wantDelay:  5 * time.Minute,
			wantReason: "rate limited",
		},
		{
			name:       "smaller retry after hint is ignored",
			err:        delivery.Transient("rate limited", time.Second, nil),
			attempts:   1,
			wantRetry:  true,
			wantDelay:  30 * time.Second,
			wantReason: "rate limited",
		},
		{
			name:       "adapter timeout is transient",
			err:        fmt.Errorf("publish: %w", context.DeadlineExceeded),
			attempts:   1,
			wantRetry:  true,
			wantDelay:  30 * time.Second,
			wantReason: "timeout",
		},
		{
			name:       "unclassified error is transient",
			err:        errors.New("connection reset by peer"),
			attempts:   1,
			wantRetry:  true,
			wantDelay:  30 * time.Second,
			wantReason: "connection reset by peer",
		},
	}

	policy := stablePolicy()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := policy.Decide(tt.err, tt.attempts)
			assert.Equal(t, tt.wantRetry, d.Retry)
			assert.Equal(t, tt.wantReason, d.Reason)
			if tt.wantRetry {
				assert.Equal(t, tt.wantDelay, d.Delay)
			}
		})
	}
}

func TestRetryPolicy_BackoffIsCappedAndJittered(t *testing.T) {
	policy := stablePolicy()
	assert.Equal(t, 30*time.Second, policy.Backoff(1))
	assert.Equal(t, 2*time.Minute, policy.Backoff(3))
	assert.Equal(t, 10*time.Minute, policy.Backoff(10))

	policy.Rand = func() float64 { return 0.5 }
	// Half of the 20% jitter band is taken off.
	assert.Equal(t, 27*time.Second, policy.Backoff(1))

	policy.Rand = nil
	for i := 0; i < 50; i++ {
		d := policy.Backoff(2)
		assert.GreaterOrEqual(t, d, 48*time.Second)
		assert.LessOrEqual(t, d, time.Minute)
	}
}

func TestRetryPolicy_ZeroValueFallsBackToDefaults(t *testing.T) {
	var policy application.RetryPolicy
	d := policy.Decide(errors.New("boom"), 1)
	assert.True(t, d.Retry)
	assert.Equal(t, 30*time.Second, d.Delay)

	d = policy.Decide(errors.New("boom"), application.DefaultMaxAttempts)
	assert.False(t, d.Retry)
	assert.Equal(t, delivery.ReasonRetriesExhausted, d.Reason)
}
