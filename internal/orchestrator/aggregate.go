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
	"fmt"
	"strings"

	"axonflow/agentruntime/internal/outcome"
)

// TaskOutcome is one task's terminal result, the unit aggregate and
// translateOutcome (both below) consume.
type TaskOutcome struct {
	AgentID string
	Status  subagentStatus
	Output  string
	Error   string
}

type subagentStatus string

const (
	taskSucceeded subagentStatus = "SUCCESS"
	taskFailed    subagentStatus = "FAILED"
)

// Synthesizer optionally rewrites the mechanical concatenation of per-
// task outputs into a single narrative (spec.md §9 notes this as an
// optional hook over the default mechanical aggregator, grounded on
// orchestrator/result_aggregator.go's ResultAggregator.Synthesize being
// an optional LLM pass over its default deterministic merge).
type Synthesizer interface {
	Synthesize(ctx context.Context, outcomes []TaskOutcome) (string, error)
}

// aggregate implements spec.md §4.7 / §7's default mechanical
// concatenation: each task's section is "## <agentID>\nStatus:
// <STATUS>\n<output or error>", joined by blank lines, in input order
// (or DAG topological order — callers pass outcomes pre-ordered).
func aggregate(outcomes []TaskOutcome) string {
	parts := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		body := o.Output
		if o.Status == taskFailed {
			body = o.Error
		}
		parts = append(parts, fmt.Sprintf("## %s\nStatus: %s\n%s", o.AgentID, o.Status, body))
	}
	return strings.Join(parts, "\n\n")
}

// aggregateWith runs the default mechanical aggregation, then, if syn
// is non-nil, offers it the chance to replace that output with a
// synthesized narrative. A Synthesize error falls back to the
// mechanical result rather than failing the run.
func aggregateWith(ctx context.Context, outcomes []TaskOutcome, syn Synthesizer) string {
	mechanical := aggregate(outcomes)
	if syn == nil {
		return mechanical
	}
	narrative, err := syn.Synthesize(ctx, outcomes)
	if err != nil || strings.TrimSpace(narrative) == "" {
		return mechanical
	}
	return narrative
}

// translateOutcome implements spec.md §4.7 step 7: per-task statuses
// collapse into an aggregate outcome.Code and retryRecommended flag.
// retryRecommended is true iff any failed task was retryable, including
// in the mixed (PARTIAL_SUCCESS) case — outcome.Code.RetryRecommended
// alone can't express that, since PartialSuccess has no fixed answer.
func translateOutcome(outcomes []TaskOutcome, anyFailureRetryable bool) (outcome.Code, bool) {
	if len(outcomes) == 0 {
		return outcome.NonretryableFailure, false
	}

	succeeded, failed := 0, 0
	for _, o := range outcomes {
		if o.Status == taskSucceeded {
			succeeded++
		} else {
			failed++
		}
	}

	switch {
	case failed == 0:
		return outcome.Success, false
	case succeeded == 0:
		if anyFailureRetryable {
			return outcome.RetryableFailure, true
		}
		return outcome.NonretryableFailure, false
	default:
		return outcome.PartialSuccess, anyFailureRetryable
	}
}
