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

package ratelimit

import (
	"strings"
	"sync"
	"time"

	"axonflow/agentruntime/internal/config"
	"axonflow/agentruntime/internal/filelock"
	"axonflow/agentruntime/internal/rtlog"
)

// Controller owns the adaptive rate-limit state for every (provider,
// model) key observed at runtime, persisting it to disk between
// mutations (spec.md §4.3).
type Controller struct {
	mu    sync.Mutex
	state AdaptiveControllerState

	defaultConcurrency int
	path               string
	lock               *filelock.Lock
	lockOpts           filelock.Options
	log                *rtlog.Logger

	stopRecovery chan struct{}
	recoveryOnce sync.Once
}

// NewController constructs a Controller, loading any existing
// persisted state at path (empty path disables persistence) and
// starting the background recovery loop.
func NewController(path string, cfg config.Config, defaultConcurrency int) *Controller {
	c := &Controller{
		defaultConcurrency: clampInt(defaultConcurrency, 1, MaxConcurrency),
		path:               path,
		lockOpts:           filelock.DefaultOptions(),
		log:                rtlog.New("ratelimit"),
		stopRecovery:       make(chan struct{}),
		state: AdaptiveControllerState{
			Version:             1,
			Limits:              make(map[string]*LearnedLimit),
			GlobalMultiplier:    1.0,
			RecoveryIntervalMs:  int64(cfg.RecoveryIntervalMs),
			ReductionFactor:     cfg.ReductionFactor,
			RecoveryFactor:      cfg.RecoveryFactor,
			PredictiveEnabled:   cfg.PredictiveEnabled,
			PredictiveThreshold: cfg.PredictiveThreshold,
		},
	}

	if path != "" {
		c.lock = filelock.New(path)
		if loaded, ok := load(path); ok {
			c.state = loaded
			if c.state.Limits == nil {
				c.state.Limits = make(map[string]*LearnedLimit)
			}
		}
	}

	go c.recoveryLoop()
	return c
}

// Close stops the background recovery loop. Safe to call more than once.
func (c *Controller) Close() {
	c.recoveryOnce.Do(func() { close(c.stopRecovery) })
}

func keyFor(provider, model string) string {
	return strings.ToLower(provider + ":" + model)
}

// getOrCreate returns the LearnedLimit for key, creating it with the
// controller's default concurrency if absent. Caller must hold c.mu.
func (c *Controller) getOrCreate(key string) *LearnedLimit {
	if l, ok := c.state.Limits[key]; ok {
		return l
	}
	l := newLearnedLimit(key, c.defaultConcurrency)
	c.state.Limits[key] = l
	return l
}

// RecordSuccess applies the success transition (spec.md §4.3).
func (c *Controller) RecordSuccess(provider, model string) {
	key := keyFor(provider, model)
	c.mu.Lock()
	l := c.getOrCreate(key)
	l.LastSuccessAt = time.Now()
	l.Consecutive429 = 0
	if l.Concurrency < l.OriginalConcurrency {
		l.RecoveryScheduled = true
	}
	c.mu.Unlock()
	c.persist()
}

// Record429 applies the 429 transition (spec.md §4.3).
func (c *Controller) Record429(provider, model string) {
	key := keyFor(provider, model)
	now := time.Now()
	c.mu.Lock()
	l := c.getOrCreate(key)
	l.appendHistory(now)
	l.Concurrency = clampInt(floorInt(float64(l.Concurrency)*c.state.ReductionFactor), 1, l.OriginalConcurrency)
	if l.Consecutive429 >= 3 {
		l.Concurrency = clampInt(floorInt(float64(l.Concurrency)*0.5), 1, l.OriginalConcurrency)
	}
	if l.Consecutive429 >= 5 {
		l.Concurrency = 1
	}
	l.Last429At = now
	l.Consecutive429++
	l.Total429Count++
	l.RecoveryScheduled = false
	c.mu.Unlock()
	c.persist()
}

// RecordTimeout applies the timeout transition (spec.md §4.3).
func (c *Controller) RecordTimeout(provider, model string) {
	key := keyFor(provider, model)
	c.mu.Lock()
	l := c.getOrCreate(key)
	if l.Consecutive429 > 0 {
		l.Concurrency = clampInt(floorInt(float64(l.Concurrency)*0.9), 1, l.OriginalConcurrency)
	}
	c.mu.Unlock()
	c.persist()
}

// RecordError applies the generic-error transition: state is tracked
// but concurrency is left untouched (spec.md §4.3).
func (c *Controller) RecordError(provider, model string) {
	key := keyFor(provider, model)
	c.mu.Lock()
	c.getOrCreate(key)
	c.mu.Unlock()
}

// Snapshot returns a deep copy of the LearnedLimit for (provider, model).
func (c *Controller) Snapshot(provider, model string) LearnedLimit {
	key := keyFor(provider, model)
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.getOrCreate(key).clone()
}

// EffectiveLimit computes the scheduler-facing concurrency for
// (provider, model): the learned concurrency scaled by the global
// multiplier, further reduced if predictive throttling recommends it
// (spec.md §4.3).
func (c *Controller) EffectiveLimit(provider, model string) int {
	key := keyFor(provider, model)
	c.mu.Lock()
	l := c.getOrCreate(key).clone()
	globalMultiplier := c.state.GlobalMultiplier
	predictiveEnabled := c.state.PredictiveEnabled
	threshold := c.state.PredictiveThreshold
	c.mu.Unlock()

	base := clampInt(floorInt(float64(l.Concurrency)*globalMultiplier), 1, l.OriginalConcurrency)

	pred := predictiveAnalysis(l, threshold, predictiveEnabled)
	if pred.ThrottleRecommended && pred.RecommendedConcurrency < base {
		return pred.RecommendedConcurrency
	}
	return base
}

// Predict returns the current predictive analysis for (provider, model)
// without mutating state.
func (c *Controller) Predict(provider, model string) PredictiveResult {
	key := keyFor(provider, model)
	c.mu.Lock()
	l := c.getOrCreate(key).clone()
	threshold := c.state.PredictiveThreshold
	enabled := c.state.PredictiveEnabled
	c.mu.Unlock()
	return predictiveAnalysis(l, threshold, enabled)
}

func floorInt(v float64) int {
	i := int(v)
	if v < 0 && float64(i) != v {
		i--
	}
	return i
}

func ceilInt(v float64) int {
	i := int(v)
	if v > 0 && float64(i) != v {
		i++
	}
	return i
}
