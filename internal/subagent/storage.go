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

package subagent

import (
	"encoding/json"
	"os"
	"path/filepath"

	"axonflow/agentruntime/internal/filelock"
)

// StorageState is storage.json's exact on-disk shape (spec.md §6):
// `{ agents: [...], runs: [...], currentAgentId, defaultsVersion }`.
type StorageState struct {
	Agents          []Definition `json:"agents"`
	Runs            []RunRecord  `json:"runs"`
	CurrentAgentID  string       `json:"currentAgentId,omitempty"`
	DefaultsVersion int          `json:"defaultsVersion"`
}

// loadStorage reads and parses path, returning (zero value, false) if
// the file is absent or unparseable so a caller can fall back to an
// empty store.
func loadStorage(path string) (StorageState, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return StorageState{}, false
	}
	var state StorageState
	if err := json.Unmarshal(raw, &state); err != nil {
		return StorageState{}, false
	}
	return state, true
}

func writeStorageAtomic(path string, state StorageState) {
	b, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return
	}
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}

// mergeStorage unions onDisk and mine per spec.md §6: "merges across
// processes by union of agents by id and runs by runId (latest
// finishedAt wins on id collision)".
func mergeStorage(onDisk, mine StorageState) StorageState {
	agents := make(map[string]Definition, len(onDisk.Agents)+len(mine.Agents))
	for _, d := range onDisk.Agents {
		agents[d.ID] = d
	}
	for _, d := range mine.Agents {
		agents[d.ID] = d
	}

	runs := make(map[string]RunRecord, len(onDisk.Runs)+len(mine.Runs))
	for _, r := range onDisk.Runs {
		runs[r.RunID] = r
	}
	for _, r := range mine.Runs {
		existing, exists := runs[r.RunID]
		if !exists || r.FinishedAt.After(existing.FinishedAt) {
			runs[r.RunID] = r
		}
	}

	merged := StorageState{
		DefaultsVersion: mine.DefaultsVersion,
		CurrentAgentID:  mine.CurrentAgentID,
	}
	for _, d := range agents {
		merged.Agents = append(merged.Agents, d)
	}
	for _, r := range runs {
		merged.Runs = append(merged.Runs, r)
	}
	return merged
}

// persistLocked acquires path's file lock for the duration of fn,
// falling back to running fn unlocked on acquisition timeout (advisory
// lock, never fatal).
func persistLocked(path string, fn func()) {
	lock := filelock.New(path)
	lock.WithLock(filelock.DefaultOptions(), fn)
}
