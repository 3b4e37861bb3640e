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

package retry

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Gate is the per-(provider, model) rate-limit gate consulted before
// every attempt (spec.md §4.5). It wraps golang.org/x/time/rate, a
// dependency the teacher's module graph already resolves transitively
// (via the Google Cloud / gRPC chain) but never imports directly; this
// promotes it to the runtime's actual token-bucket limiter.
type Gate struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultLimit rate.Limit
	defaultBurst int
}

// NewGate constructs a Gate. defaultLimit/defaultBurst seed every new
// key's limiter.
func NewGate(defaultLimit rate.Limit, defaultBurst int) *Gate {
	return &Gate{
		limiters:     make(map[string]*rate.Limiter),
		defaultLimit: defaultLimit,
		defaultBurst: defaultBurst,
	}
}

func gateKey(provider, model string) string {
	return strings.ToLower(provider + ":" + model)
}

func (g *Gate) limiterFor(key string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[key]
	if !ok {
		l = rate.NewLimiter(g.defaultLimit, g.defaultBurst)
		g.limiters[key] = l
	}
	return l
}

// Wait blocks until the gate admits one call for (provider, model), the
// maxWait deadline elapses, or ctx is cancelled. It returns false
// (never an error) on timeout so the retry loop can classify that as a
// TIMEOUT outcome itself.
func (g *Gate) Wait(ctx context.Context, provider, model string, maxWait time.Duration) bool {
	l := g.limiterFor(gateKey(provider, model))

	reservation := l.ReserveN(time.Now(), 1)
	if !reservation.OK() {
		return false
	}
	delay := reservation.Delay()
	if delay > maxWait {
		reservation.Cancel()
		return false
	}
	if delay <= 0 {
		return true
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		reservation.Cancel()
		return false
	case <-timer.C:
		return true
	}
}

// MarkLimited halves the gate's allowed rate for (provider, model)
// after an observed 429, tightening admission until the rate
// controller's own recovery restores headroom.
func (g *Gate) MarkLimited(provider, model string) {
	l := g.limiterFor(gateKey(provider, model))
	g.mu.Lock()
	defer g.mu.Unlock()
	current := l.Limit()
	if current <= 0 {
		return
	}
	next := current / 2
	if next < rate.Limit(0.01) {
		next = rate.Limit(0.01)
	}
	l.SetLimit(next)
}
