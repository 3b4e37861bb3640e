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

package runtimestate

import (
	"context"
	"sort"
	"sync"
	"time"

	"axonflow/agentruntime/internal/rtlog"
)

// Limits bundles the admission controller's configured maxima.
type Limits struct {
	MaxTotalActiveRequests      int
	MaxTotalActiveLLM           int
	MaxParallelSubagentsPerRun  int
	MaxConcurrentOrchestrations int
	ReservationTTL              time.Duration
}

// Controller is the single-writer admission controller guarding global
// request/LLM counters (spec.md §4.1). All mutation happens under mu;
// reads outside the package only ever see a Snapshot (a deep copy).
type Controller struct {
	mu     sync.Mutex
	limits Limits
	log    *rtlog.Logger

	activeRequests int
	activeLLM      int

	totalRequestsServed int64
	totalLLMServed      int64

	reservations map[string]*Reservation

	activeOrchestrations map[string]bool
	queue                *orchestrationQueue

	stopSweeper chan struct{}
	sweeperOnce sync.Once
}

// NewController constructs a Controller and starts its background
// reservation sweeper.
func NewController(limits Limits) *Controller {
	c := &Controller{
		limits:               limits,
		log:                  rtlog.New("runtimestate"),
		reservations:         make(map[string]*Reservation),
		activeOrchestrations: make(map[string]bool),
		queue:                newOrchestrationQueue(),
		stopSweeper:          make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Close stops the background sweeper. Safe to call multiple times.
func (c *Controller) Close() {
	c.sweeperOnce.Do(func() { close(c.stopSweeper) })
}

func (c *Controller) sweepLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopSweeper:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *Controller) sweepExpired() {
	now := time.Now()
	c.mu.Lock()
	var expired []*Reservation
	for _, r := range c.reservations {
		if r.expired(now) {
			expired = append(expired, r)
		}
	}
	c.mu.Unlock()

	for _, r := range expired {
		c.log.Warn("", "", "reservation expired without heartbeat, releasing", map[string]any{"reservation_id": r.ID})
		r.Release()
	}
}

// tryReserve is the non-blocking admission primitive (spec.md §4.1).
func (c *Controller) tryReserve(additionalRequests, additionalLLM int) (*Reservation, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var reasons []string
	if c.activeRequests+additionalRequests > c.limits.MaxTotalActiveRequests {
		reasons = append(reasons, ReasonMaxTotalRequests)
	}
	if c.activeLLM+additionalLLM > c.limits.MaxTotalActiveLLM {
		reasons = append(reasons, ReasonMaxTotalLLM)
	}
	if len(reasons) > 0 {
		return nil, reasons
	}

	c.activeRequests += additionalRequests
	c.activeLLM += additionalLLM
	c.totalRequestsServed++
	if additionalLLM > 0 {
		c.totalLLMServed++
	}

	r := newReservation(c, additionalRequests, additionalLLM, c.limits.ReservationTTL)
	c.reservations[r.ID] = r
	return r, nil
}

// TryReserve is the public, non-blocking entry point.
func (c *Controller) TryReserve(additionalRequests, additionalLLM int) (*Reservation, []string) {
	return c.tryReserve(additionalRequests, additionalLLM)
}

// release is invoked by Reservation.Release.
func (c *Controller) release(requests, llm int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeRequests -= requests
	c.activeLLM -= llm
	if c.activeRequests < 0 {
		c.activeRequests = 0
	}
	if c.activeLLM < 0 {
		c.activeLLM = 0
	}
}

// ReserveWaitResult is the outcome of ReserveWithWait.
type ReserveWaitResult struct {
	Reservation *Reservation
	Outcome     WaitOutcome
	Reasons     []string
	Attempts    int
}

// ReserveWithWait polls tryReserve at pollInterval until success,
// cancellation, or maxWait elapses (spec.md §4.1).
func (c *Controller) ReserveWithWait(ctx context.Context, additionalRequests, additionalLLM int, maxWait, pollInterval time.Duration) ReserveWaitResult {
	deadline := time.Now().Add(maxWait)
	attempts := 0
	var lastReasons []string

	for {
		attempts++
		if r, reasons := c.tryReserve(additionalRequests, additionalLLM); reasons == nil {
			return ReserveWaitResult{Reservation: r, Outcome: WaitAllowed, Attempts: attempts}
		} else {
			lastReasons = reasons
		}

		select {
		case <-ctx.Done():
			return ReserveWaitResult{Outcome: WaitAborted, Reasons: lastReasons, Attempts: attempts}
		default:
		}

		if time.Now().After(deadline) {
			return ReserveWaitResult{Outcome: WaitTimedOut, Reasons: lastReasons, Attempts: attempts}
		}

		select {
		case <-ctx.Done():
			return ReserveWaitResult{Outcome: WaitAborted, Reasons: lastReasons, Attempts: attempts}
		case <-time.After(pollInterval):
		}
	}
}

// Snapshot produces a deep-copied, point-in-time view of the controller.
func (c *Controller) Snapshot() RuntimeCapacitySnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.activeOrchestrations))
	for id := range c.activeOrchestrations {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return RuntimeCapacitySnapshot{
		ActiveRequests:              c.activeRequests,
		ActiveLLM:                   c.activeLLM,
		TotalRequestsServed:         c.totalRequestsServed,
		TotalLLMServed:              c.totalLLMServed,
		MaxTotalActiveRequests:      c.limits.MaxTotalActiveRequests,
		MaxTotalActiveLLM:           c.limits.MaxTotalActiveLLM,
		MaxParallelSubagentsPerRun:  c.limits.MaxParallelSubagentsPerRun,
		MaxConcurrentOrchestrations: c.limits.MaxConcurrentOrchestrations,
		ActiveOrchestrationIDs:      ids,
		QueuedTenantKeys:            c.queue.queuedKeys(),
		CapturedAt:                  time.Now(),
	}
}

func (c *Controller) markOrchestrationActive(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeOrchestrations[id] = true
}

func (c *Controller) markOrchestrationDone(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.activeOrchestrations, id)
}
