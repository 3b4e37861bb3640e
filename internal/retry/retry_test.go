package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/agentruntime/internal/outcome"
)

func fastConfig() Config {
	return Config{
		MaxRetries:          3,
		InitialDelay:        1 * time.Millisecond,
		MaxDelay:            5 * time.Millisecond,
		Multiplier:          2,
		Jitter:              JitterNone,
		MaxRateLimitRetries: 2,
		MaxRateLimitWait:    50 * time.Millisecond,
	}
}

func TestSuccessOnFirstAttempt(t *testing.T) {
	calls := 0
	val, code, diag := Run(context.Background(), Options[string]{Config: fastConfig()}, func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	assert.Equal(t, outcome.Success, code)
	assert.Equal(t, "ok", val)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, diag.Attempts)
}

func TestServerErrorRetriesThenSucceeds(t *testing.T) {
	calls := 0
	_, code, diag := Run(context.Background(), Options[int]{Config: fastConfig()}, func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, &StatusError{StatusCode: 503, Message: "server error"}
		}
		return 42, nil
	})
	assert.Equal(t, outcome.Success, code)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, diag.Attempts)
}

func TestServerErrorExhaustsRetries(t *testing.T) {
	calls := 0
	_, code, diag := Run(context.Background(), Options[int]{Config: fastConfig()}, func(ctx context.Context) (int, error) {
		calls++
		return 0, &StatusError{StatusCode: 500, Message: "server error"}
	})
	assert.Equal(t, outcome.RetryableFailure, code)
	assert.Equal(t, 4, calls) // 1 initial + MaxRetries(3)
	assert.NotEmpty(t, diag.Message)
	assert.True(t, code.RetryRecommended())
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	calls := 0
	_, code, _ := Run(context.Background(), Options[int]{Config: fastConfig()}, func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("schema validation failed")
	})
	assert.Equal(t, outcome.NonretryableFailure, code)
	assert.Equal(t, 1, calls)
	assert.False(t, code.RetryRecommended())
}

func TestContextCancelledBeforeDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, code, _ := Run(ctx, Options[int]{Config: fastConfig()}, func(ctx context.Context) (int, error) {
		called = true
		return 0, nil
	})
	assert.Equal(t, outcome.Cancelled, code)
	assert.False(t, called)
}

func TestContextDeadlineExceededClassifiesAsTimeout(t *testing.T) {
	_, code, _ := Run(context.Background(), Options[int]{Config: fastConfig()}, func(ctx context.Context) (int, error) {
		return 0, context.DeadlineExceeded
	})
	assert.Equal(t, outcome.Timeout, code)
}

func TestRateLimitRetriesCappedSeparatelyFromNormalRetries(t *testing.T) {
	calls := 0
	_, code, diag := Run(context.Background(), Options[int]{Config: fastConfig(), Gate: NewGate(1000, 1), Provider: "openai", Model: "gpt-4"}, func(ctx context.Context) (int, error) {
		calls++
		return 0, &StatusError{StatusCode: 429, Message: "rate limited"}
	})
	assert.Equal(t, outcome.RetryableFailure, code)
	assert.Equal(t, 3, calls) // 1 initial + MaxRateLimitRetries(2)
	assert.Equal(t, 3, diag.GateHits)
}

func TestEmptyOutputGetsOneRecoveryAttemptAfterNormalRetries(t *testing.T) {
	calls := 0
	recoveryCalls := 0
	cfg := fastConfig()
	cfg.MaxRetries = 1

	_, code, _ := Run(context.Background(), Options[int]{
		Config: cfg,
		RecoveryOp: func(ctx context.Context) (int, error) {
			recoveryCalls++
			return 7, nil
		},
	}, func(ctx context.Context) (int, error) {
		calls++
		return 0, ErrEmptyOutput
	})

	assert.Equal(t, outcome.Success, code)
	assert.Equal(t, 2, calls) // 1 initial + MaxRetries(1) on the normal op
	assert.Equal(t, 1, recoveryCalls)
}

func TestEmptyOutputFailsAfterRecoveryAlsoEmpty(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 0

	_, code, diag := Run(context.Background(), Options[int]{
		Config: cfg,
		RecoveryOp: func(ctx context.Context) (int, error) {
			return 0, ErrEmptyOutput
		},
	}, func(ctx context.Context) (int, error) {
		return 0, ErrEmptyOutput
	})
	assert.Equal(t, outcome.RetryableFailure, code)
	assert.NotEmpty(t, diag.Message)
}

func TestStableProfileOverridesCallerConfig(t *testing.T) {
	cfg := Config{
		MaxRetries: 0, InitialDelay: time.Hour, MaxDelay: time.Hour,
		Multiplier: 99, Jitter: JitterFull, MaxRateLimitRetries: 0, MaxRateLimitWait: time.Hour,
		StableProfile: true,
	}
	resolved := cfg.Resolve()
	assert.Equal(t, 4, resolved.MaxRetries)
	assert.Equal(t, time.Second, resolved.InitialDelay)
	assert.Equal(t, 30*time.Second, resolved.MaxDelay)
	assert.Equal(t, 2.0, resolved.Multiplier)
	assert.Equal(t, JitterNone, resolved.Jitter)
	assert.Equal(t, 6, resolved.MaxRateLimitRetries)
	assert.Equal(t, 90*time.Second, resolved.MaxRateLimitWait)
}

func TestNonStableProfileLeavesConfigUntouched(t *testing.T) {
	cfg := fastConfig()
	assert.Equal(t, cfg, cfg.Resolve())
}

func TestGateWaitTimeoutSurfacesAsTimeout(t *testing.T) {
	gate := NewGate(0.001, 1) // effectively never admits a second call
	ctx := context.Background()

	ok := gate.Wait(ctx, "p", "m", 10*time.Millisecond)
	require.True(t, ok, "first call should be admitted immediately from the initial burst")

	_, code, _ := Run(ctx, Options[int]{
		Config:   Config{MaxRetries: 0, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1, MaxRateLimitWait: 10 * time.Millisecond},
		Gate:     gate,
		Provider: "p",
		Model:    "m",
	}, func(ctx context.Context) (int, error) {
		return 1, nil
	})
	assert.Equal(t, outcome.Timeout, code)
}

func TestGateMarkLimitedHalvesRate(t *testing.T) {
	gate := NewGate(10, 1)
	before := gate.limiterFor(gateKey("p", "m")).Limit()
	gate.MarkLimited("p", "m")
	after := gate.limiterFor(gateKey("p", "m")).Limit()
	assert.Less(t, float64(after), float64(before))
}
