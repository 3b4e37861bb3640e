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
	"errors"
	"fmt"
	"sync"
	"time"

	"axonflow/agentruntime/internal/dag"
	"axonflow/agentruntime/internal/outcome"
)

// DAGTask names one DAG node: AgentID doubles as the node's task.ID
// (spec.md §4.6's TaskNode.ID) since each node is dispatched to
// exactly one subagent. Task, if empty, falls back to Request.Task.
type DAGTask struct {
	AgentID      string
	Dependencies []string
	Priority     dag.Priority
	Task         string
}

// RunDAG implements spec.md §4.7's run-dag: validate the plan,
// admit capacity at the penalty-adjusted effective concurrency, then
// execute through
// internal/dag's dependency-respecting scheduler, translating each
// node's terminal status back into a TaskOutcome.
func (o *Orchestrator) RunDAG(ctx context.Context, req Request, tasks []DAGTask) (RunOutcome, error) {
	if len(tasks) == 0 {
		return RunOutcome{OutcomeCode: outcome.NonretryableFailure}, errors.New("orchestrator: dag plan must contain at least one task")
	}

	ids := make([]string, 0, len(tasks))
	byID := make(map[string]DAGTask, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.AgentID)
		byID[t.AgentID] = t
	}
	defs, err := o.resolveAgents(ids, o.cfg.DefaultParallelMode)
	if err != nil {
		return RunOutcome{OutcomeCode: outcome.NonretryableFailure}, err
	}

	nodes := make([]*dag.TaskNode, 0, len(tasks))
	for _, t := range tasks {
		task := t.Task
		if task == "" {
			task = req.Task
		}
		nodes = append(nodes, &dag.TaskNode{
			ID:           t.AgentID,
			Dependencies: t.Dependencies,
			Priority:     t.Priority,
			Input:        task,
		})
	}
	plan, err := dag.NewPlan(nodes)
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

	var (
		mu      sync.Mutex
		results = make(map[string]execResult, len(tasks))
	)
	worker := func(ctx context.Context, node *dag.TaskNode, _ map[string]any) (any, error) {
		def, getErr := o.registry.Get(node.ID)
		if getErr != nil {
			return nil, getErr
		}
		task, _ := node.Input.(string)
		r := o.executeTask(ctx, def, task, monitor)

		mu.Lock()
		results[node.ID] = r
		mu.Unlock()

		if r.outcome.Status == taskFailed {
			return nil, fmt.Errorf("orchestrator: task %s failed: %s", node.ID, r.outcome.Error)
		}
		return r.outcome.Output, nil
	}

	executor := dag.NewExecutor(o.log)
	report := executor.Run(ctx, plan, worker, dag.Options{MaxConcurrency: effective})

	execResults := make([]execResult, 0, len(plan.Nodes()))
	taskOutcomes := make([]TaskOutcome, 0, len(plan.Nodes()))
	for _, node := range plan.Nodes() {
		mu.Lock()
		r, ok := results[node.ID]
		mu.Unlock()
		if !ok {
			nr := dag.NodeResult{}
			if rep, present := report.Results[node.ID]; present {
				nr = rep
			}
			errMsg := "skipped: an upstream dependency failed"
			if nr.Status != dag.StatusSkipped && nr.Err != nil {
				errMsg = nr.Err.Error()
			}
			taskOutcomes = append(taskOutcomes, TaskOutcome{AgentID: node.ID, Status: taskFailed, Error: errMsg})
			continue
		}
		execResults = append(execResults, r)
		taskOutcomes = append(taskOutcomes, r.outcome)
	}
	o.applyPenaltyFeedback(execResults)

	anyRetryable := false
	for _, r := range execResults {
		if r.retryable {
			anyRetryable = true
		}
	}

	finalCode, retryRecommended := translateOutcome(taskOutcomes, anyRetryable)
	o.metrics.RunOutcome(string(finalCode), time.Since(start))

	return RunOutcome{
		OutcomeCode:      finalCode,
		RetryRecommended: retryRecommended,
		Output:           aggregate(taskOutcomes),
		Tasks:            taskOutcomes,
	}, nil
}
