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

// Package secrets resolves provider API keys and other credentials
// the orchestrator needs to reach an LLM provider, independent of
// where they're actually stored. Grounded on
// connectors/config/secrets_manager.go's SecretsManager shape.
package secrets

import "context"

// Provider resolves a named secret to a flat key-value credential set.
type Provider interface {
	GetSecret(ctx context.Context, name string) (map[string]string, error)
}
