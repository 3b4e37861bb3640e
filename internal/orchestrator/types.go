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

package orchestrator

import "axonflow/agentruntime/internal/llmworker"

// Monitor receives the live-view event stream spec.md §4.7 step 4
// describes: "item started, stdout chunk, stderr chunk, finished with
// status+summary+error". A single worker goroutine is the sole writer
// for a given agentID's events (spec.md §5: "single writer per item").
type Monitor interface {
	ItemStarted(agentID string)
	Chunk(agentID string, stream llmworker.Stream, text string)
	ItemFinished(agentID string, status subagentStatus, summary, errMsg string)
}

// NullMonitor discards every event, the default when a caller doesn't
// need a live view.
type NullMonitor struct{}

func (NullMonitor) ItemStarted(string)                             {}
func (NullMonitor) Chunk(string, llmworker.Stream, string)         {}
func (NullMonitor) ItemFinished(string, subagentStatus, string, string) {}

// Request is the common shape of a run-single / run-parallel / run-dag
// call: explicit agent ids (or none, to fall back to the configured
// DefaultParallelMode selection), the task
// prompt, and an optional Monitor for live-view events.
type Request struct {
	AgentIDs []string
	Task     string
	Monitor  Monitor

	// TenantKey and Source feed the orchestration queue's FIFO-within-
	// priority-tier admission (spec.md §5); Source should be one of
	// "interactive", "scheduled", "background".
	TenantKey string
	Source    string
}

func (r Request) monitor() Monitor {
	if r.Monitor != nil {
		return r.Monitor
	}
	return NullMonitor{}
}
