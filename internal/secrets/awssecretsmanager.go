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
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"axonflow/agentruntime/internal/rtlog"
)

// defaultCacheTTL matches connectors/config/secrets_manager.go's
// AWSSecretsManager default.
const defaultCacheTTL = 5 * time.Minute

type secretCacheEntry struct {
	value     map[string]string
	expiresAt time.Time
}

// AWSProvider resolves secrets from AWS Secrets Manager, caching
// values for CacheTTL to avoid a round trip on every lookup. Ported
// from connectors/config/secrets_manager.go's AWSSecretsManager.
type AWSProvider struct {
	client *secretsmanager.Client
	log    *rtlog.Logger

	mu    sync.RWMutex
	cache map[string]secretCacheEntry
	ttl   time.Duration
}

// AWSProviderOptions configures NewAWSProvider.
type AWSProviderOptions struct {
	Region   string
	CacheTTL time.Duration
	Log      *rtlog.Logger
}

// NewAWSProvider loads the default AWS config for opts.Region and
// constructs an AWSProvider.
func NewAWSProvider(ctx context.Context, opts AWSProviderOptions) (*AWSProvider, error) {
	var cfgOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		cfgOpts = append(cfgOpts, config.WithRegion(opts.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("secrets: load aws config: %w", err)
	}

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	return &AWSProvider{
		client: secretsmanager.NewFromConfig(awsCfg),
		log:    opts.Log,
		cache:  make(map[string]secretCacheEntry),
		ttl:    ttl,
	}, nil
}

// GetSecret fetches secretARN's value from AWS Secrets Manager,
// expecting (and parsing) a JSON object of string fields; a
// non-JSON secret is returned as {"value": <raw string>}.
func (p *AWSProvider) GetSecret(ctx context.Context, secretARN string) (map[string]string, error) {
	p.mu.RLock()
	entry, cached := p.cache[secretARN]
	p.mu.RUnlock()
	if cached && time.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretARN),
	})
	if err != nil {
		return nil, fmt.Errorf("secrets: get secret %s: %w", maskARN(secretARN), err)
	}
	if out.SecretString == nil {
		return nil, fmt.Errorf("secrets: secret %s has no string value", maskARN(secretARN))
	}

	var creds map[string]string
	if err := json.Unmarshal([]byte(*out.SecretString), &creds); err != nil {
		creds = map[string]string{"value": *out.SecretString}
	}

	p.mu.Lock()
	p.cache[secretARN] = secretCacheEntry{value: creds, expiresAt: time.Now().Add(p.ttl)}
	p.mu.Unlock()

	if p.log != nil {
		p.log.Info("", "", "fetched secret from AWS Secrets Manager", map[string]any{"secret": maskARN(secretARN)})
	}
	return creds, nil
}

// InvalidateSecret removes secretARN from the cache, forcing the next
// GetSecret to refetch it.
func (p *AWSProvider) InvalidateSecret(secretARN string) {
	p.mu.Lock()
	delete(p.cache, secretARN)
	p.mu.Unlock()
}

// InvalidateAll clears the entire cache.
func (p *AWSProvider) InvalidateAll() {
	p.mu.Lock()
	p.cache = make(map[string]secretCacheEntry)
	p.mu.Unlock()
}

func maskARN(arn string) string {
	if len(arn) <= 12 {
		return "***"
	}
	return "..." + arn[len(arn)-8:]
}
