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

package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvProviderCollectsMatchingFields(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test-123")
	t.Setenv("ANTHROPIC_REGION", "us-east-1")

	creds, err := EnvProvider{}.GetSecret(context.Background(), "ANTHROPIC")
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", creds["api_key"])
	assert.Equal(t, "us-east-1", creds["region"])
}

func TestEnvProviderErrorsWhenNothingSet(t *testing.T) {
	_, err := EnvProvider{}.GetSecret(context.Background(), "TOTALLY_UNSET_PREFIX")
	assert.Error(t, err)
}

func TestMaskARNShortensLongARNs(t *testing.T) {
	assert.Equal(t, "***", maskARN("short"))
	assert.Equal(t, "...90abcdef", maskARN("arn:aws:secretsmanager:us-east-1:123:secret:foo1234567890abcdef"))
}
