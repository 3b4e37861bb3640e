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

// Package coordination provides the optional cross-instance signal
// backing internal/parallelism's ApplyCrossInstanceLimits: every
// runtime instance registers a heartbeat, and any instance can ask how
// many peers are currently live.
package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"axonflow/agentruntime/internal/rtlog"
)

// Coordinator reports the live instance count for cross-instance
// parallelism scaling.
type Coordinator interface {
	RegisterInstance(ctx context.Context, instanceID string) error
	InstanceCount(ctx context.Context) (int, error)
	Close() error
}

// NullCoordinator is the default single-instance coordinator: every
// runtime believes it is alone, which is exactly right when no
// coordination backend is configured (spec.md §4.4 treats
// cross-instance scaling as optional).
type NullCoordinator struct{}

func (NullCoordinator) RegisterInstance(ctx context.Context, instanceID string) error { return nil }
func (NullCoordinator) InstanceCount(ctx context.Context) (int, error)                { return 1, nil }
func (NullCoordinator) Close() error                                                  { return nil }

// RedisCoordinator tracks live instances in a Redis sorted set keyed
// by heartbeat time, pruning entries older than ttl on every read.
// Connection setup mirrors connectors/redis/connector.go's
// redis.NewClient(&redis.Options{...}) shape.
type RedisCoordinator struct {
	client *redis.Client
	log    *rtlog.Logger
	setKey string
	ttl    time.Duration
}

// RedisCoordinatorConfig configures a RedisCoordinator.
type RedisCoordinatorConfig struct {
	Addr     string
	Password string
	DB       int
	SetKey   string
	TTL      time.Duration
}

// NewRedisCoordinator constructs a RedisCoordinator. client may be a
// real *redis.Client or, in tests, one pointed at a miniredis instance.
func NewRedisCoordinator(client *redis.Client, cfg RedisCoordinatorConfig) *RedisCoordinator {
	setKey := cfg.SetKey
	if setKey == "" {
		setKey = "agentruntime:instances"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisCoordinator{
		client: client,
		log:    rtlog.New("coordination"),
		setKey: setKey,
		ttl:    ttl,
	}
}

// NewRedisClient builds a *redis.Client the same way
// connectors/redis/connector.go does (pool size, timeouts), for
// callers that don't already have one.
func NewRedisClient(cfg RedisCoordinatorConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		MinIdleConns: 2,
	})
}

// unixSeconds returns t as fractional Unix seconds, precise enough to
// distinguish sub-second heartbeats (a plain Unix() truncates to whole
// seconds, which would make short TTLs unreliable).
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// RegisterInstance records a heartbeat for instanceID.
func (c *RedisCoordinator) RegisterInstance(ctx context.Context, instanceID string) error {
	now := unixSeconds(time.Now())
	if err := c.client.ZAdd(ctx, c.setKey, &redis.Z{Score: now, Member: instanceID}).Err(); err != nil {
		return fmt.Errorf("coordination: register instance: %w", err)
	}
	return nil
}

// InstanceCount prunes heartbeats older than ttl, then returns the
// count of live members.
func (c *RedisCoordinator) InstanceCount(ctx context.Context) (int, error) {
	cutoff := unixSeconds(time.Now().Add(-c.ttl))
	if err := c.client.ZRemRangeByScore(ctx, c.setKey, "-inf", fmt.Sprintf("(%f", cutoff)).Err(); err != nil {
		return 0, fmt.Errorf("coordination: prune stale instances: %w", err)
	}

	count, err := c.client.ZCard(ctx, c.setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("coordination: count instances: %w", err)
	}
	if count < 1 {
		count = 1
	}
	return int(count), nil
}

// Close releases the underlying Redis client.
func (c *RedisCoordinator) Close() error {
	return c.client.Close()
}
