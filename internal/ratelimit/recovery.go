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

import "time"

// recoveryTick is the background loop's polling granularity. The
// eligibility window itself is governed by RecoveryIntervalMs, which
// is checked on every tick so a short test-only interval is picked up
// promptly without needing a matching ticker period.
const recoveryTick = 20 * time.Millisecond

func (c *Controller) recoveryLoop() {
	ticker := time.NewTicker(recoveryTick)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopRecovery:
			return
		case <-ticker.C:
			if c.runRecoveryPass() {
				c.persist()
			}
		}
	}
}

// runRecoveryPass applies the recovery transition (spec.md §4.3) to
// every scheduled key and reports whether any state changed.
func (c *Controller) runRecoveryPass() bool {
	now := time.Now()
	changed := false

	c.mu.Lock()
	interval := time.Duration(c.state.RecoveryIntervalMs) * time.Millisecond
	factor := c.state.RecoveryFactor
	for _, l := range c.state.Limits {
		if !l.RecoveryScheduled {
			continue
		}
		if now.Sub(l.Last429At) < interval {
			continue
		}
		if now.Sub(l.LastSuccessAt) > interval {
			continue
		}

		l.Concurrency = clampInt(ceilInt(float64(l.Concurrency)*factor), 1, l.OriginalConcurrency)
		changed = true
		if l.Concurrency >= l.OriginalConcurrency {
			l.Concurrency = l.OriginalConcurrency
			l.RecoveryScheduled = false
			l.Consecutive429 = 0
		}
	}
	c.mu.Unlock()

	return changed
}
