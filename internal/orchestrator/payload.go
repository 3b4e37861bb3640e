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
	"encoding/json"
)

// runPayload is spec.md §6's runs/<runId>.json full run payload: `{
// run, prompt, output, recovery? }`. It is the complete record for one
// run, as opposed to storage.json's bounded-ring RunRecord summary.
type runPayload struct {
	RunID    string `json:"run"`
	Prompt   string `json:"prompt"`
	Output   string `json:"output"`
	Recovery *bool  `json:"recovery,omitempty"`
}

// persistRunPayload writes runID's full payload via the artifact
// store, omitting the recovery marker entirely unless a recovery
// attempt was actually used (spec.md §6: "recovery?").
func (o *Orchestrator) persistRunPayload(ctx context.Context, runID, prompt, output string, recoveryUsed bool) {
	payload := runPayload{RunID: runID, Prompt: prompt, Output: output}
	if recoveryUsed {
		payload.Recovery = &recoveryUsed
	}

	body, err := json.Marshal(payload)
	if err != nil {
		o.log.ErrorWithErr("", runID, "marshal run payload", err, nil)
		return
	}
	if _, err := o.artifacts.Put(ctx, "runs/"+runID+".json", body); err != nil {
		o.log.ErrorWithErr("", runID, "persist run payload", err, nil)
	}
}
