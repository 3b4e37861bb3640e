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

// Package metrics defines the narrow observability hook the
// orchestrator calls into after admission, dispatch, and DAG events —
// metrics collection itself is out of this runtime's scope (spec.md
// §1), but the ambient stack still needs somewhere to plug in the
// pack's metrics library the way the teacher does.
package metrics

import "time"

// Hook receives point-in-time observability events. Every method must
// return promptly — implementations should never block on I/O.
type Hook interface {
	// ReservationOutcome records whether a capacity reservation was
	// granted, queued, or rejected.
	ReservationOutcome(outcome string)
	// RateLimitAdjustment records a learned-limit reduction or
	// restoration for provider/model.
	RateLimitAdjustment(provider, model string, delta float64)
	// DAGNodeOutcome records one DAG node's terminal status and how
	// long it ran.
	DAGNodeOutcome(status string, duration time.Duration)
	// PoolQueueDepth records a worker pool's current queue depth.
	PoolQueueDepth(poolName string, depth int)
	// RunOutcome records a run orchestrator's terminal outcome code.
	RunOutcome(outcomeCode string, duration time.Duration)
}

// Noop is a Hook that discards every event, the default when no
// metrics backend is configured.
type Noop struct{}

func (Noop) ReservationOutcome(string)                  {}
func (Noop) RateLimitAdjustment(string, string, float64) {}
func (Noop) DAGNodeOutcome(string, time.Duration)        {}
func (Noop) PoolQueueDepth(string, int)                  {}
func (Noop) RunOutcome(string, time.Duration)            {}
