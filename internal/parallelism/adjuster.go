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

package parallelism

import (
	"sync"
	"time"

	"axonflow/agentruntime/internal/rtlog"
)

// recoveryTick is the background loop's polling granularity; the
// eligibility window is governed by RecoveryInterval, re-checked every
// tick.
const recoveryTick = 20 * time.Millisecond

// Adjuster tracks per-endpoint parallelism health (spec.md §4.4),
// complementing internal/ratelimit's learned concurrency limits with
// its own reduction factors and a rolling error window.
type Adjuster struct {
	mu    sync.Mutex
	keys  map[string]*KeyState
	log   *rtlog.Logger

	defaultMin, defaultMax int
	crossInstanceMultiplier float64

	RecoveryInterval time.Duration

	stop chan struct{}
	once sync.Once
}

// New constructs an Adjuster. defaultMin/defaultMax bound any key's
// parallelism absent a more specific configuration.
func New(defaultMin, defaultMax int, recoveryInterval time.Duration) *Adjuster {
	if recoveryInterval <= 0 {
		recoveryInterval = 60 * time.Second
	}
	a := &Adjuster{
		keys:                    make(map[string]*KeyState),
		log:                     rtlog.New("parallelism"),
		defaultMin:              defaultMin,
		defaultMax:              defaultMax,
		crossInstanceMultiplier: 1.0,
		RecoveryInterval:        recoveryInterval,
		stop:                    make(chan struct{}),
	}
	go a.recoveryLoop()
	return a
}

// Close stops the background recovery loop. Safe to call more than once.
func (a *Adjuster) Close() {
	a.once.Do(func() { close(a.stop) })
}

func (a *Adjuster) getOrCreate(key string) *KeyState {
	if s, ok := a.keys[key]; ok {
		return s
	}
	s := newKeyState(key, a.defaultMax, a.defaultMin, a.defaultMax)
	s.CrossInstanceMultiplier = a.crossInstanceMultiplier
	a.keys[key] = s
	return s
}

// Configure overrides base/min/max for a key before first use.
func (a *Adjuster) Configure(key string, base, min, max int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := newKeyState(key, base, min, max)
	s.CrossInstanceMultiplier = a.crossInstanceMultiplier
	a.keys[key] = s
}

// RecordSuccess appends a latency sample and refreshes bookkeeping but
// performs no parallelism adjustment (spec.md §4.4 only lists
// adjustments for 429/timeout/error).
func (a *Adjuster) RecordSuccess(key string, latency time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.getOrCreate(key)
	s.recordResponseTime(latency)
}

// Record429 applies the 429 reduction (spec.md §4.4: factor 0.3).
func (a *Adjuster) Record429(key string) {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.getOrCreate(key)
	s.recordError(now)
	s.Current = clampInt(floorInt(float64(s.Current)*0.7), s.Min, s.Max)
	s.Last429At = now
	s.Recent429Count++
	s.LastAdjustmentAt = now
}

// RecordTimeout applies the timeout reduction (spec.md §4.4: factor 0.1).
func (a *Adjuster) RecordTimeout(key string) {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.getOrCreate(key)
	s.recordError(now)
	s.Current = clampInt(floorInt(float64(s.Current)*0.9), s.Min, s.Max)
	s.LastAdjustmentAt = now
}

// RecordError applies the generic-error reduction (spec.md §4.4: factor 0.05).
func (a *Adjuster) RecordError(key string) {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.getOrCreate(key)
	s.recordError(now)
	s.Current = clampInt(floorInt(float64(s.Current)*0.95), s.Min, s.Max)
	s.LastAdjustmentAt = now
}

// ApplyCrossInstanceLimits sets the shared multiplier to 1/instanceCount
// across every known key and as the default for keys created later
// (spec.md §4.4).
func (a *Adjuster) ApplyCrossInstanceLimits(instanceCount int) {
	if instanceCount < 1 {
		instanceCount = 1
	}
	multiplier := 1.0 / float64(instanceCount)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.crossInstanceMultiplier = multiplier
	for _, s := range a.keys {
		s.CrossInstanceMultiplier = multiplier
	}
}

// Effective returns floor(current * crossInstanceMultiplier) for key.
func (a *Adjuster) Effective(key string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.getOrCreate(key)
	v := floorInt(float64(s.Current) * s.CrossInstanceMultiplier)
	if v < 1 {
		v = 1
	}
	return v
}

// Snapshot returns a deep copy of key's state.
func (a *Adjuster) Snapshot(key string) KeyState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return *a.getOrCreate(key).clone()
}

// HealthOf computes the health summary for key (spec.md §4.4).
func (a *Adjuster) HealthOf(key string) Health {
	now := time.Now()
	a.mu.Lock()
	s := a.getOrCreate(key)
	s.pruneErrors(now)
	noRecentErrors := len(s.ErrorWindow) == 0
	healthy := noRecentErrors && float64(s.Current) >= 0.8*float64(s.BaseParallelism)

	backoff := time.Duration(0)
	if !s.Last429At.IsZero() {
		ceiling := 60 * time.Second
		step := time.Second * time.Duration(1<<uint(minInt(s.Recent429Count, 30)))
		if step > ceiling {
			step = ceiling
		}
		backoff = step - now.Sub(s.Last429At)
		if backoff < 0 {
			backoff = 0
		}
	}
	a.mu.Unlock()

	return Health{Healthy: healthy, RecommendedBackoff: backoff}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (a *Adjuster) recoveryLoop() {
	ticker := time.NewTicker(recoveryTick)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.runRecoveryPass()
		}
	}
}

// runRecoveryPass applies the recovery transition (spec.md §4.4) to
// every key with no recent errors and enough elapsed time since its
// last adjustment.
func (a *Adjuster) runRecoveryPass() {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.keys {
		s.pruneErrors(now)
		if len(s.ErrorWindow) > 0 {
			continue
		}
		if s.Current >= s.BaseParallelism {
			continue
		}
		if !s.LastAdjustmentAt.IsZero() && now.Sub(s.LastAdjustmentAt) < a.RecoveryInterval {
			continue
		}
		s.Current = clampInt(ceilInt(float64(s.Current)*1.1), s.Min, s.BaseParallelism)
		s.LastAdjustmentAt = now
	}
}
