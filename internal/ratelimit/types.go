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

// Package ratelimit implements the adaptive rate controller from
// spec.md §4.3: per-(provider, model) learned concurrency limits that
// shrink on 429s, recover over time, and feed a predictive risk
// estimate back into the scheduler.
package ratelimit

import "time"

// MaxConcurrency is MAX_CONCURRENCY from spec.md §3.
const MaxConcurrency = 16

// historyCap bounds the retained 429 timestamps per key.
const historyCap = 50

// LearnedLimit is the per-(provider, model) adaptive state (spec.md §3).
type LearnedLimit struct {
	Key                 string      `json:"key"`
	Concurrency         int         `json:"concurrency"`
	OriginalConcurrency int         `json:"original_concurrency"`
	Last429At           time.Time   `json:"last_429_at,omitempty"`
	Consecutive429      int         `json:"consecutive_429"`
	Total429Count       int64       `json:"total_429_count"`
	LastSuccessAt       time.Time   `json:"last_success_at,omitempty"`
	RecoveryScheduled   bool        `json:"recovery_scheduled"`
	History             []time.Time `json:"history"`
}

func newLearnedLimit(key string, originalConcurrency int) *LearnedLimit {
	return &LearnedLimit{
		Key:                 key,
		Concurrency:         originalConcurrency,
		OriginalConcurrency: originalConcurrency,
	}
}

func (l *LearnedLimit) clone() *LearnedLimit {
	c := *l
	c.History = append([]time.Time(nil), l.History...)
	return &c
}

func (l *LearnedLimit) appendHistory(t time.Time) {
	l.History = append(l.History, t)
	if len(l.History) > historyCap {
		l.History = l.History[len(l.History)-historyCap:]
	}
}

// PredictiveResult is the derived risk estimate for a key (spec.md §4.3).
type PredictiveResult struct {
	Probability           float64    `json:"probability"`
	Confidence            float64    `json:"confidence"`
	ThrottleRecommended   bool       `json:"throttle_recommended"`
	RecommendedConcurrency int       `json:"recommended_concurrency"`
	NextRiskWindowStart   *time.Time `json:"next_risk_window_start,omitempty"`
	NextRiskWindowEnd     *time.Time `json:"next_risk_window_end,omitempty"`
}

// AdaptiveControllerState is the full persisted document (spec.md §3).
type AdaptiveControllerState struct {
	Version             int                      `json:"version"`
	LastUpdated         time.Time                `json:"last_updated"`
	Limits              map[string]*LearnedLimit `json:"limits"`
	GlobalMultiplier    float64                  `json:"global_multiplier"`
	RecoveryIntervalMs  int64                    `json:"recovery_interval_ms"`
	ReductionFactor     float64                  `json:"reduction_factor"`
	RecoveryFactor      float64                  `json:"recovery_factor"`
	PredictiveEnabled   bool                     `json:"predictive_enabled"`
	PredictiveThreshold float64                  `json:"predictive_threshold"`
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
