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

// Package artifact stores subagent run output behind a swappable
// backend. A SubagentRunRecord's outputArtifactPath (spec.md §3)
// names an object in whichever Store the orchestrator is configured
// with; eviction from the run log's bounded ring (internal/subagent's
// RunLog.OnEvict) is the trigger for reclaiming it.
package artifact

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when path does not exist in the
// store.
var ErrNotFound = errors.New("artifact: not found")

// Store persists and retrieves subagent output blobs.
type Store interface {
	// Put writes content under key, returning the path recorded as a
	// SubagentRunRecord's outputArtifactPath.
	Put(ctx context.Context, key string, content []byte) (path string, err error)
	// Get reads back the content at path.
	Get(ctx context.Context, path string) ([]byte, error)
	// Delete removes path, called when a run record ages out of the
	// bounded run log.
	Delete(ctx context.Context, path string) error
}
