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
	"axonflow/agentruntime/internal/subagent"
	"axonflow/agentruntime/internal/workerpool"
)

// RunParallel implements spec.md §4.7's run-parallel: resolve every
// requested (or mode-selected) subagent, admit the whole fan-out at
// once, then dispatch through the bounded worker pool at the
// penalty-adjusted effective concurrency.
func (o *Orchestrator) RunParallel(ctx context.Context, req Request) (RunOutcome, error) {
	defs, err := o.resolveAgents(req.AgentIDs, o.cfg.DefaultParallelMode)
	if err != nil {
		return RunOutcome{OutcomeCode: outcome.NonretryableFailure}, err
	}

	baseline := o.baselineConcurrency(defs)
	effective := o.penalty.apply(baseline)

	permit, release, code, reasons := o.acquire(ctx, req.TenantKey, req.Source, effective, effective)
	if code != outcome.Success {
		return RunOutcome{OutcomeCode: code, RetryRecommended: code.RetryRecommended(), Reasons: reasons}, nil
	}
	defer release()
	permit.Reservation.Consume()

	monitor := req.monitor()
	start := time.Now()

	results, poolErr := workerpool.Run(defs, effective, func(ctx context.Context, def subagent.Definition, index int) (execResult, error) {
		return o.executeTask(ctx, def, req.Task, monitor), nil
	}, workerpool.Options[subagent.Definition]{
		Cancel: ctx,
		Settle: workerpool.SettleAllSettled,
	})

	execResults := make([]execResult, 0, len(results))
	taskOutcomes := make([]TaskOutcome, 0, len(results))
	for _, r := range results {
		execResults = append(execResults, r.Value)
		taskOutcomes = append(taskOutcomes, r.Value.outcome)
	}
	o.applyPenaltyFeedback(execResults)

	anyRetryable := false
	for _, r := range execResults {
		if r.retryable {
			anyRetryable = true
		}
	}

	finalCode, retryRecommended := translateOutcome(taskOutcomes, anyRetryable)
	if poolErr != nil {
		finalCode = outcome.Cancelled
		retryRecommended = false
	}
	o.metrics.RunOutcome(string(finalCode), time.Since(start))

	return RunOutcome{
		OutcomeCode:      finalCode,
		RetryRecommended: retryRecommended,
		Output:           aggregate(taskOutcomes),
		Tasks:            taskOutcomes,
	}, nil
}
