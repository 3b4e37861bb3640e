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
	"fmt"
	"os"
)

// envFields are the credential field names an EnvProvider probes for
// under each name's env-var prefix, ported from
// connectors/config/secrets_manager.go's EnvSecretsManager.
var envFields = map[string]string{
	"USERNAME":      "username",
	"PASSWORD":      "password",
	"API_KEY":       "api_key",
	"API_SECRET":    "api_secret",
	"CLIENT_ID":     "client_id",
	"CLIENT_SECRET": "client_secret",
	"TOKEN":         "token",
	"ACCESS_KEY":    "access_key",
	"SECRET_KEY":    "secret_key",
	"REGION":        "region",
	"MODEL":         "model",
}

// EnvProvider is the default Provider: name is used as an environment
// variable prefix (e.g. "ANTHROPIC" looks for ANTHROPIC_API_KEY).
type EnvProvider struct{}

func (EnvProvider) GetSecret(_ context.Context, name string) (map[string]string, error) {
	out := make(map[string]string)
	for envSuffix, key := range envFields {
		if v := os.Getenv(name + "_" + envSuffix); v != "" {
			out[key] = v
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("secrets: no credentials found for prefix %s", name)
	}
	return out, nil
}
