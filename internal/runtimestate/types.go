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

// Package runtimestate implements the Runtime Admission Controller
// (spec.md §4.1): global request/LLM slot accounting, reservations, and
// the orchestration start queue.
package runtimestate

import "time"

// Reason codes surfaced when admission fails (spec.md §4.1).
const (
	ReasonMaxTotalRequests          = "max_total_requests"
	ReasonMaxTotalLLM               = "max_total_active_llm"
	ReasonMaxParallelSubagentsPerRun = "max_parallel_subagents_per_run"
	ReasonOrchestrationQueueFull    = "orchestration_queue_full"
)

// WaitOutcome tags the result of a bounded wait for admission.
type WaitOutcome string

const (
	WaitAllowed   WaitOutcome = "allowed"
	WaitAborted   WaitOutcome = "aborted"
	WaitTimedOut  WaitOutcome = "timed_out"
	WaitBlocked   WaitOutcome = "blocked"
)

// RuntimeCapacitySnapshot is a point-in-time, single-writer-produced read
// of the controller's counters (spec.md §3).
type RuntimeCapacitySnapshot struct {
	ActiveRequests int `json:"active_requests"`
	ActiveLLM      int `json:"active_llm"`

	TotalRequestsServed int64 `json:"total_requests_served"`
	TotalLLMServed      int64 `json:"total_llm_served"`

	MaxTotalActiveRequests     int `json:"max_total_active_requests"`
	MaxTotalActiveLLM          int `json:"max_total_active_llm"`
	MaxParallelSubagentsPerRun int `json:"max_parallel_subagents_per_run"`
	MaxConcurrentOrchestrations int `json:"max_concurrent_orchestrations"`

	ActiveOrchestrationIDs []string `json:"active_orchestration_ids"`
	QueuedTenantKeys       []string `json:"queued_tenant_keys"`

	CapturedAt time.Time `json:"captured_at"`
}
