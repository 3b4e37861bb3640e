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

import (
	"context"
	"time"

	"axonflow/agentruntime/internal/outcome"
)

// RunSingle implements spec.md §4.7's run-single: resolve exactly one
// subagent, admit, execute, and translate its terminal status into a
// RunOutcome.
func (o *Orchestrator) RunSingle(ctx context.Context, req Request) (RunOutcome, error) {
	defs, err := o.resolveAgents(req.AgentIDs, o.cfg.DefaultParallelMode)
	if err != nil {
		return RunOutcome{OutcomeCode: outcome.NonretryableFailure}, err
	}
	def := defs[0]

	permit, release, code, reasons := o.acquire(ctx, req.TenantKey, req.Source, 1, 1)
	if code != outcome.Success {
		return RunOutcome{OutcomeCode: code, RetryRecommended: code.RetryRecommended(), Reasons: reasons}, nil
	}
	defer release()
	permit.Reservation.Consume()

	monitor := req.monitor()
	start := time.Now()
	result := o.executeTask(ctx, def, req.Task, monitor)
	o.applyPenaltyFeedback([]execResult{result})

	finalCode, retryRecommended := translateOutcome([]TaskOutcome{result.outcome}, result.retryable)
	o.metrics.RunOutcome(string(finalCode), time.Since(start))

	return RunOutcome{
		OutcomeCode:      finalCode,
		RetryRecommended: retryRecommended,
		Output:           aggregate([]TaskOutcome{result.outcome}),
		Tasks:            []TaskOutcome{result.outcome},
	}, nil
}
