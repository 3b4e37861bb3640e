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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"axonflow/agentruntime/internal/config"
	"axonflow/agentruntime/internal/dag"
	"axonflow/agentruntime/internal/llmworker"
	"axonflow/agentruntime/internal/retry"
	"axonflow/agentruntime/internal/runtimestate"
	"axonflow/agentruntime/internal/subagent"
)

const wellFormed = "SUMMARY:\nDid the thing.\n\nRESULT:\nHere is a complete and substantial result body that clears the floor.\n\nNEXT_STEP:\nNone."

// scriptedWorker returns canned (output, err) pairs from a per-agent
// queue, popping one entry per Run call.
type scriptedWorker struct {
	mu     sync.Mutex
	script map[string][]scriptedResult
}

type scriptedResult struct {
	output string
	err    error
}

func (w *scriptedWorker) Run(ctx context.Context, req llmworker.Request, onChunk func(llmworker.Chunk)) (llmworker.Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	q := w.script[req.Provider+"/"+req.Model]
	if len(q) == 0 {
		return llmworker.Result{}, errors.New("scriptedWorker: no more scripted results")
	}
	next := q[0]
	w.script[req.Provider+"/"+req.Model] = q[1:]
	if onChunk != nil && next.output != "" {
		onChunk(llmworker.Chunk{Stream: llmworker.Stdout, Text: next.output})
	}
	if next.err != nil {
		return llmworker.Result{}, next.err
	}
	return llmworker.Result{Output: next.output, ExitCode: 0}, nil
}

func newTestOrchestrator(t *testing.T, worker llmworker.Worker) (*Orchestrator, *subagent.Registry) {
	t.Helper()
	reg := subagent.NewRegistry("", 100)

	cfg := config.Default()
	cfg.MaxTotalActiveRequests = 100
	cfg.MaxTotalActiveLLM = 100
	cfg.MaxParallelSubagentsPerRun = 8
	cfg.CapacityWaitMs = 500
	cfg.CapacityPollMs = 5
	cfg.HeartbeatInterval = 50 * time.Millisecond

	admission := runtimestate.NewController(runtimestate.Limits{
		MaxTotalActiveRequests:      cfg.MaxTotalActiveRequests,
		MaxTotalActiveLLM:           cfg.MaxTotalActiveLLM,
		MaxParallelSubagentsPerRun:  cfg.MaxParallelSubagentsPerRun,
		MaxConcurrentOrchestrations: cfg.MaxConcurrentOrchestrations,
		ReservationTTL:              cfg.ReservationTTL,
	})

	o := New(Options{
		Admission: admission,
		Registry:  reg,
		Worker:    worker,
		Config:    cfg,
	})
	return o, reg
}

func mustCreate(t *testing.T, reg *subagent.Registry, id, provider, model string) {
	t.Helper()
	require.NoError(t, reg.Create(subagent.Definition{
		ID:           id,
		SystemPrompt: "you are a test agent",
		Provider:     provider,
		Model:        model,
		Enabled:      true,
	}))
}

func TestRunSingleSucceedsWithWellFormedOutput(t *testing.T) {
	worker := &scriptedWorker{script: map[string][]scriptedResult{
		"anthropic/claude": {{output: wellFormed}},
	}}
	o, reg := newTestOrchestrator(t, worker)
	mustCreate(t, reg, "A", "anthropic", "claude")

	out, err := o.RunSingle(context.Background(), Request{AgentIDs: []string{"A"}, Task: "do the thing"})
	require.NoError(t, err)
	require.Equal(t, "SUCCESS", string(out.OutcomeCode))
	require.False(t, out.RetryRecommended)
	require.Len(t, out.Tasks, 1)
	require.Contains(t, out.Output, "## A")
}

func TestRunSingleRejectsDisabledAgent(t *testing.T) {
	worker := &scriptedWorker{script: map[string][]scriptedResult{}}
	o, reg := newTestOrchestrator(t, worker)
	require.NoError(t, reg.Create(subagent.Definition{ID: "B", SystemPrompt: "x", Enabled: false}))

	_, err := o.RunSingle(context.Background(), Request{AgentIDs: []string{"B"}, Task: "x"})
	require.Error(t, err)
	require.ErrorIs(t, err, subagent.ErrDisabledAgent)
}

func TestRunSingleMalformedOutputIsNonretryableFailure(t *testing.T) {
	worker := &scriptedWorker{script: map[string][]scriptedResult{
		"anthropic/claude": {{output: "too short"}},
	}}
	o, reg := newTestOrchestrator(t, worker)
	mustCreate(t, reg, "A", "anthropic", "claude")

	out, err := o.RunSingle(context.Background(), Request{AgentIDs: []string{"A"}, Task: "do the thing"})
	require.NoError(t, err)
	require.Equal(t, "NONRETRYABLE_FAILURE", string(out.OutcomeCode))
}

func TestRunParallelTwoAgentSuccessMatchesAggregateFormat(t *testing.T) {
	worker := &scriptedWorker{script: map[string][]scriptedResult{
		"p/m": {{output: wellFormed}, {output: wellFormed}},
	}}
	o, reg := newTestOrchestrator(t, worker)
	mustCreate(t, reg, "A", "p", "m")
	mustCreate(t, reg, "B", "p", "m")

	out, err := o.RunParallel(context.Background(), Request{AgentIDs: []string{"A", "B"}, Task: "go"})
	require.NoError(t, err)
	require.Equal(t, "SUCCESS", string(out.OutcomeCode))
	require.Len(t, out.Tasks, 2)
	require.Contains(t, out.Output, "## A")
	require.Contains(t, out.Output, "## B")
}

func TestRunParallelMixedOutcomeIsPartialSuccess(t *testing.T) {
	worker := &scriptedWorker{script: map[string][]scriptedResult{
		"p/m": {{output: wellFormed}, {err: errors.New("bad request: invalid schema")}},
	}}
	o, reg := newTestOrchestrator(t, worker)
	mustCreate(t, reg, "A", "p", "m")
	mustCreate(t, reg, "B", "p", "m")

	out, err := o.RunParallel(context.Background(), Request{AgentIDs: []string{"A", "B"}, Task: "go"})
	require.NoError(t, err)
	require.Equal(t, "PARTIAL_SUCCESS", string(out.OutcomeCode))
	require.False(t, out.RetryRecommended)
}

func TestRunParallelMixedOutcomeWithRetryableFailureRecommendsRetry(t *testing.T) {
	serverErr := &retry.StatusError{StatusCode: 503, Message: "service unavailable"}
	worker := &scriptedWorker{script: map[string][]scriptedResult{
		"p/m": {
			{output: wellFormed},
			{err: serverErr}, {err: serverErr}, {err: serverErr}, {err: serverErr},
		},
	}}
	o, reg := newTestOrchestrator(t, worker)
	mustCreate(t, reg, "A", "p", "m")
	mustCreate(t, reg, "B", "p", "m")

	out, err := o.RunParallel(context.Background(), Request{AgentIDs: []string{"A", "B"}, Task: "go"})
	require.NoError(t, err)
	require.Equal(t, "PARTIAL_SUCCESS", string(out.OutcomeCode))
	require.True(t, out.RetryRecommended)
}

func TestRunDAGThreeNodeDependencyChainCompletes(t *testing.T) {
	worker := &scriptedWorker{script: map[string][]scriptedResult{
		"p/m": {{output: wellFormed}, {output: wellFormed}, {output: wellFormed}},
	}}
	o, reg := newTestOrchestrator(t, worker)
	mustCreate(t, reg, "t1", "p", "m")
	mustCreate(t, reg, "t2", "p", "m")
	mustCreate(t, reg, "t3", "p", "m")

	tasks := []DAGTask{
		{AgentID: "t1"},
		{AgentID: "t2", Dependencies: []string{"t1"}},
		{AgentID: "t3", Dependencies: []string{"t1"}},
	}
	out, err := o.RunDAG(context.Background(), Request{Task: "go"}, tasks)
	require.NoError(t, err)
	require.Equal(t, "SUCCESS", string(out.OutcomeCode))
	require.Len(t, out.Tasks, 3)
}

func TestRunDAGFailureCascadesSkipToDescendants(t *testing.T) {
	worker := &scriptedWorker{script: map[string][]scriptedResult{
		"p/m": {{err: errors.New("bad request: invalid schema")}},
	}}
	o, reg := newTestOrchestrator(t, worker)
	mustCreate(t, reg, "t1", "p", "m")
	mustCreate(t, reg, "t2", "p", "m")

	tasks := []DAGTask{
		{AgentID: "t1"},
		{AgentID: "t2", Dependencies: []string{"t1"}},
	}
	out, err := o.RunDAG(context.Background(), Request{Task: "go"}, tasks)
	require.NoError(t, err)
	require.Equal(t, "NONRETRYABLE_FAILURE", string(out.OutcomeCode))
	for _, task := range out.Tasks {
		require.Equal(t, taskFailed, task.Status)
	}
}

func TestRunParallelCapacityExhaustionTimesOut(t *testing.T) {
	worker := &scriptedWorker{script: map[string][]scriptedResult{}}
	o, reg := newTestOrchestrator(t, worker)
	mustCreate(t, reg, "A", "p", "m")

	admission := runtimestate.NewController(runtimestate.Limits{
		MaxTotalActiveRequests:      1,
		MaxTotalActiveLLM:           1,
		MaxParallelSubagentsPerRun:  8,
		MaxConcurrentOrchestrations: 8,
	})
	o.admission = admission
	o.cfg.CapacityWaitMs = 30
	o.cfg.CapacityPollMs = 5

	permit, _, code, _ := o.acquire(context.Background(), "t", "interactive", 1, 1)
	require.Equal(t, "SUCCESS", string(code))

	out, err := o.RunParallel(context.Background(), Request{AgentIDs: []string{"A"}, Task: "go"})
	require.NoError(t, err)
	require.Equal(t, "TIMEOUT", string(out.OutcomeCode))
	require.True(t, out.RetryRecommended)
	permit.Release()
}

func TestNormalizeOutputWrapsAdHocText(t *testing.T) {
	raw := "Here is a plain unstructured answer that is definitely long enough to clear the 48 character floor easily."
	normalized, ok := normalizeOutput(raw)
	require.True(t, ok)
	require.True(t, isWellFormed(normalized))
	require.Contains(t, normalized, raw)
}

func TestNormalizeOutputRejectsIntentOnlyText(t *testing.T) {
	raw := "I will now go ahead and start working on this task for you right away."
	_, ok := normalizeOutput(raw)
	require.False(t, ok)
}

func TestAggregateFormatsOneSectionPerTask(t *testing.T) {
	out := aggregate([]TaskOutcome{
		{AgentID: "A", Status: taskSucceeded, Output: "hello"},
		{AgentID: "B", Status: taskFailed, Error: "boom"},
	})
	require.Equal(t, "## A\nStatus: SUCCESS\nhello\n\n## B\nStatus: FAILED\nboom", out)
}

func TestTranslateOutcomeAllNoneMixed(t *testing.T) {
	all := []TaskOutcome{{Status: taskSucceeded}, {Status: taskSucceeded}}
	allCode, allRetry := translateOutcome(all, false)
	require.Equal(t, "SUCCESS", string(allCode))
	require.False(t, allRetry)

	none := []TaskOutcome{{Status: taskFailed}, {Status: taskFailed}}
	retryableCode, retryableRetry := translateOutcome(none, true)
	require.Equal(t, "RETRYABLE_FAILURE", string(retryableCode))
	require.True(t, retryableRetry)
	nonretryableCode, nonretryableRetry := translateOutcome(none, false)
	require.Equal(t, "NONRETRYABLE_FAILURE", string(nonretryableCode))
	require.False(t, nonretryableRetry)

	mixed := []TaskOutcome{{Status: taskSucceeded}, {Status: taskFailed}}
	mixedCode, mixedRetry := translateOutcome(mixed, false)
	require.Equal(t, "PARTIAL_SUCCESS", string(mixedCode))
	require.False(t, mixedRetry)

	mixedRetryableCode, mixedRetryableRetry := translateOutcome(mixed, true)
	require.Equal(t, "PARTIAL_SUCCESS", string(mixedRetryableCode))
	require.True(t, mixedRetryableRetry)
}

func TestAdaptivePenaltyRaiseLowerAndDecay(t *testing.T) {
	p := newAdaptivePenalty(20 * time.Millisecond)
	require.Equal(t, 10, p.apply(10))

	p.raise()
	require.Equal(t, 5, p.apply(10))

	p.raise()
	require.Equal(t, 3, p.apply(10))

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, 10, p.apply(10))
}

func TestDAGTaskPriorityFieldRoundTrips(t *testing.T) {
	task := DAGTask{AgentID: "x", Priority: dag.PriorityHigh}
	require.Equal(t, dag.PriorityHigh, task.Priority)
}

func TestExecuteTaskRecoversFromEmptyOutput(t *testing.T) {
	worker := &scriptedWorker{script: map[string][]scriptedResult{
		"p/m": {
			{err: fmt.Errorf("%w", llmworker.ErrEmptyOutput)},
			{output: wellFormed},
		},
	}}
	o, reg := newTestOrchestrator(t, worker)
	mustCreate(t, reg, "A", "p", "m")

	out, err := o.RunSingle(context.Background(), Request{AgentIDs: []string{"A"}, Task: "go"})
	require.NoError(t, err)
	require.Equal(t, "SUCCESS", string(out.OutcomeCode))
}
