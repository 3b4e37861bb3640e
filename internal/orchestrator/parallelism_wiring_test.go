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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"axonflow/agentruntime/internal/config"
	"axonflow/agentruntime/internal/coordination"
	"axonflow/agentruntime/internal/parallelism"
	"axonflow/agentruntime/internal/retry"
	"axonflow/agentruntime/internal/runtimestate"
	"axonflow/agentruntime/internal/subagent"
)

// newParallelismWiredOrchestrator mirrors newTestOrchestrator but also
// attaches a Parallelism Adjuster (and, when coord is non-nil, a
// Coordinator) so RunSingle's feedback into internal/parallelism can be
// exercised directly.
func newParallelismWiredOrchestrator(t *testing.T, worker *scriptedWorker, adj *parallelism.Adjuster, coord coordination.Coordinator) (*Orchestrator, *subagent.Registry) {
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
		Admission:   admission,
		Registry:    reg,
		Worker:      worker,
		Parallelism: adj,
		Coordinator: coord,
		Config:      cfg,
	})
	t.Cleanup(o.Close)
	return o, reg
}

func TestRunSingleRecordsParallelismSuccessSample(t *testing.T) {
	adj := parallelism.New(1, 10, time.Hour)
	t.Cleanup(adj.Close)

	worker := &scriptedWorker{script: map[string][]scriptedResult{
		"openai/gpt-4": {{output: wellFormed}},
	}}
	o, reg := newParallelismWiredOrchestrator(t, worker, adj, nil)
	mustCreate(t, reg, "writer", "openai", "gpt-4")

	out, err := o.RunSingle(context.Background(), Request{AgentIDs: []string{"writer"}, Task: "do the thing"})
	require.NoError(t, err)
	require.Equal(t, "SUCCESS", string(out.OutcomeCode))

	snap := adj.Snapshot("openai/gpt-4")
	require.Len(t, snap.ResponseTimes, 1)
	require.Zero(t, snap.Recent429Count)
}

func TestRunSingleRecords429ReducesParallelism(t *testing.T) {
	adj := parallelism.New(1, 10, time.Hour)
	t.Cleanup(adj.Close)
	adj.Configure("openai/gpt-4", 10, 1, 10)

	rateLimitErr := &retry.StatusError{StatusCode: 429, Message: "rate limit exceeded"}
	worker := &scriptedWorker{script: map[string][]scriptedResult{
		// one rate-limit attempt (records the 429, incurs one short
		// backoff sleep), then a plain non-retryable error to end the
		// attempt loop immediately rather than exhausting the retry
		// budget's full backoff schedule.
		"openai/gpt-4": {
			{err: rateLimitErr},
			{err: errors.New("boom")},
		},
	}}
	o, reg := newParallelismWiredOrchestrator(t, worker, adj, nil)
	mustCreate(t, reg, "writer", "openai", "gpt-4")

	out, err := o.RunSingle(context.Background(), Request{AgentIDs: []string{"writer"}, Task: "do the thing"})
	require.NoError(t, err)
	require.NotEqual(t, "SUCCESS", string(out.OutcomeCode))

	snap := adj.Snapshot("openai/gpt-4")
	require.Less(t, snap.Current, snap.BaseParallelism)
	require.Positive(t, snap.Recent429Count)
}

func TestNewStartsCrossInstanceSyncWhenBothConfigured(t *testing.T) {
	adj := parallelism.New(1, 10, time.Hour)
	t.Cleanup(adj.Close)
	adj.Configure("p/m", 10, 1, 10)

	coord := &countingCoordinator{count: 4}
	worker := &scriptedWorker{script: map[string][]scriptedResult{}}
	o, _ := newParallelismWiredOrchestrator(t, worker, adj, coord)
	_ = o

	require.Eventually(t, func() bool {
		return adj.Effective("p/m") <= 2
	}, time.Second, 5*time.Millisecond)
}

// countingCoordinator is a minimal coordination.Coordinator reporting a
// fixed instance count, used to verify Orchestrator's cross-instance
// sync loop actually calls through to ApplyCrossInstanceLimits.
type countingCoordinator struct {
	count int
}

func (c *countingCoordinator) RegisterInstance(ctx context.Context, instanceID string) error {
	return nil
}

func (c *countingCoordinator) InstanceCount(ctx context.Context) (int, error) {
	return c.count, nil
}

func (c *countingCoordinator) Close() error { return nil }
