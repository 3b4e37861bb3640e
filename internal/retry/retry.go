// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retry implements the retry-with-backoff engine from
// spec.md §4.5: a generic attempt loop, grounded on
// platform/orchestrator/llm/sdk/retry.go's RetryWithBackoff[T], with
// per-(provider, model) rate-limit gating, jitter modes, and a stable
// profile override.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"axonflow/agentruntime/internal/outcome"
)

// JitterMode selects how randomness is applied to a computed backoff
// delay (spec.md §4.5 step 4).
type JitterMode int

const (
	JitterNone JitterMode = iota
	JitterPartial
	JitterFull
)

// Config tunes the retry loop.
type Config struct {
	MaxRetries          int
	InitialDelay        time.Duration
	MaxDelay            time.Duration
	Multiplier          float64
	Jitter              JitterMode
	MaxRateLimitRetries int
	MaxRateLimitWait    time.Duration
	StableProfile       bool
}

// DefaultConfig returns reasonable, caller-overridable defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:          3,
		InitialDelay:        200 * time.Millisecond,
		MaxDelay:            10 * time.Second,
		Multiplier:          2.0,
		Jitter:              JitterPartial,
		MaxRateLimitRetries: 5,
		MaxRateLimitWait:    15 * time.Second,
	}
}

// stableProfile returns the fixed parameters spec.md §4.5 mandates
// when StableProfile is enabled, overriding every caller-supplied
// field.
func stableProfile() Config {
	return Config{
		MaxRetries:          4,
		InitialDelay:        1 * time.Second,
		MaxDelay:            30 * time.Second,
		Multiplier:          2,
		Jitter:              JitterNone,
		MaxRateLimitRetries: 6,
		MaxRateLimitWait:    90 * time.Second,
		StableProfile:       true,
	}
}

// Resolve returns the effective Config: the stable profile's fixed
// values when StableProfile is set, overriding every other field, or c
// unchanged otherwise.
func (c Config) Resolve() Config {
	if c.StableProfile {
		return stableProfile()
	}
	return c
}

// Diagnostic summarizes one call for the single-line log every failure
// path must carry (spec.md §4.5).
type Diagnostic struct {
	Attempts      int
	LastStatus    string
	GateWaitCount int
	GateHits      int
	Message       string
}

func (d Diagnostic) summarize(reason string) string {
	return fmt.Sprintf("retry: %s (attempts=%d last_status=%q gate_waits=%d gate_hits=%d)",
		reason, d.Attempts, d.LastStatus, d.GateWaitCount, d.GateHits)
}

// Operation is the async unit of work the engine retries.
type Operation[T any] func(ctx context.Context) (T, error)

// Options configures a single Run invocation.
type Options[T any] struct {
	Config     Config
	Gate       *Gate
	Provider   string
	Model      string
	RecoveryOp Operation[T]
}

// Run executes op under the retry-with-backoff algorithm (spec.md
// §4.5), returning the value on success or a taxonomized outcome.Code
// on exhaustion.
func Run[T any](ctx context.Context, opts Options[T], op Operation[T]) (T, outcome.Code, Diagnostic) {
	var zero T
	cfg := opts.Config.Resolve()

	diag := Diagnostic{}
	normalRetriesUsed := 0
	rateLimitRetriesUsed := 0
	emptyOutputRecoveryUsed := false
	backoffCount := 0
	active := op

	for {
		if err := ctx.Err(); err != nil {
			diag.Message = diag.summarize("cancelled before dispatch")
			return zero, outcome.Cancelled, diag
		}

		if opts.Gate != nil {
			diag.GateWaitCount++
			if !opts.Gate.Wait(ctx, opts.Provider, opts.Model, cfg.MaxRateLimitWait) {
				diag.Message = diag.summarize("rate-limit gate wait exceeded")
				return zero, outcome.Timeout, diag
			}
		}

		diag.Attempts++
		val, err := active(ctx)
		if err == nil {
			return val, outcome.Success, diag
		}

		class, _ := classify(err)
		diag.LastStatus = statusOf(err)

		switch class {
		case ClassCancelled:
			diag.Message = diag.summarize("operation cancelled")
			return zero, outcome.Cancelled, diag

		case ClassTimeout:
			diag.Message = diag.summarize("operation timed out")
			return zero, outcome.Timeout, diag

		case ClassRateLimit:
			if opts.Gate != nil {
				opts.Gate.MarkLimited(opts.Provider, opts.Model)
			}
			diag.GateHits++
			if rateLimitRetriesUsed >= cfg.MaxRateLimitRetries {
				diag.Message = diag.summarize("rate-limit retries exhausted")
				return zero, outcome.RetryableFailure, diag
			}
			rateLimitRetriesUsed++
			backoffCount++
			if cancelled := sleepBackoff(ctx, cfg, backoffCount); cancelled {
				diag.Message = diag.summarize("cancelled during rate-limit backoff")
				return zero, outcome.Cancelled, diag
			}

		case ClassServerError:
			if normalRetriesUsed >= cfg.MaxRetries {
				diag.Message = diag.summarize("retries exhausted")
				return zero, outcome.RetryableFailure, diag
			}
			normalRetriesUsed++
			backoffCount++
			if cancelled := sleepBackoff(ctx, cfg, backoffCount); cancelled {
				diag.Message = diag.summarize("cancelled during backoff")
				return zero, outcome.Cancelled, diag
			}

		case ClassEmptyOutput:
			if normalRetriesUsed < cfg.MaxRetries {
				normalRetriesUsed++
				backoffCount++
				if cancelled := sleepBackoff(ctx, cfg, backoffCount); cancelled {
					diag.Message = diag.summarize("cancelled during backoff")
					return zero, outcome.Cancelled, diag
				}
				continue
			}
			if emptyOutputRecoveryUsed {
				diag.Message = diag.summarize("empty output persisted after recovery attempt")
				return zero, outcome.RetryableFailure, diag
			}
			emptyOutputRecoveryUsed = true
			if opts.RecoveryOp != nil {
				active = opts.RecoveryOp
			}
			backoffCount++
			if cancelled := sleepBackoff(ctx, cfg, backoffCount); cancelled {
				diag.Message = diag.summarize("cancelled before recovery attempt")
				return zero, outcome.Cancelled, diag
			}

		default:
			diag.Message = diag.summarize("non-retryable failure")
			return zero, outcome.NonretryableFailure, diag
		}
	}
}

// sleepBackoff waits the computed delay for backoffAttempt (1-indexed),
// returning true if ctx was cancelled first (spec.md §4.5 step 5:
// "between attempts: re-check cancellation").
func sleepBackoff(ctx context.Context, cfg Config, backoffAttempt int) bool {
	delay := computeBackoff(cfg, backoffAttempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

// computeBackoff implements spec.md §4.5 step 4.
func computeBackoff(cfg Config, attempt int) time.Duration {
	raw := float64(cfg.InitialDelay) * pow(cfg.Multiplier, float64(attempt-1))
	delay := time.Duration(raw)
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	switch cfg.Jitter {
	case JitterPartial:
		factor := 0.5 + rand.Float64()*0.5
		delay = time.Duration(float64(delay) * factor)
	case JitterFull:
		delay = time.Duration(rand.Float64() * float64(delay))
	}
	return delay
}

// pow computes base^exp for non-negative integer exponents, matching
// platform/orchestrator/llm/sdk/retry.go's pow helper.
func pow(base, exp float64) float64 {
	result := 1.0
	for exp > 0 {
		if int(exp)%2 == 1 {
			result *= base
		}
		exp = float64(int(exp) / 2)
		base *= base
	}
	return result
}
