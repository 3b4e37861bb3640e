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

package ratelimit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

func load(path string) (AdaptiveControllerState, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return AdaptiveControllerState{}, false
	}
	var state AdaptiveControllerState
	if err := json.Unmarshal(raw, &state); err != nil {
		return AdaptiveControllerState{}, false
	}
	return state, true
}

// persist writes the controller's state to disk under a best-effort
// file lock, re-reading and merging with whatever is currently on disk
// so concurrent writers never lose each other's per-key updates
// (spec.md §4.3: "limits and runs are merged by key/id to avoid lost
// updates").
func (c *Controller) persist() {
	if c.path == "" {
		return
	}

	c.lock.WithLock(c.lockOpts, func() {
		c.mu.Lock()
		mine := c.state
		mine.Limits = make(map[string]*LearnedLimit, len(c.state.Limits))
		for k, v := range c.state.Limits {
			mine.Limits[k] = v.clone()
		}
		c.mu.Unlock()

		merged := mine
		if onDisk, ok := load(c.path); ok {
			merged = mergeStates(onDisk, mine)
		}
		merged.LastUpdated = time.Now()
		merged.Version++

		writeAtomic(c.path, merged)

		c.mu.Lock()
		c.state.Limits = merged.Limits
		c.state.Version = merged.Version
		c.state.LastUpdated = merged.LastUpdated
		c.mu.Unlock()
	})
}

// mergeStates unions onDisk and mine by key: mine's entries for keys
// it has touched win outright (it holds the freshest mutation), any
// key known only to onDisk (written by another process) is carried
// through untouched. Scalar tuning fields take mine's values, the
// writer that's actually running this persist call.
func mergeStates(onDisk, mine AdaptiveControllerState) AdaptiveControllerState {
	merged := mine
	merged.Limits = make(map[string]*LearnedLimit, len(onDisk.Limits)+len(mine.Limits))
	for k, v := range onDisk.Limits {
		merged.Limits[k] = v
	}
	for k, v := range mine.Limits {
		merged.Limits[k] = v
	}
	return merged
}

func writeAtomic(path string, state AdaptiveControllerState) {
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
