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
	"sync"
	"time"

	"github.com/google/uuid"
)

// sourcePriority ranks the known orchestration request sources; lower
// is higher priority. Unknown sources sort last, ahead of nothing.
var sourcePriority = map[string]int{
	"interactive": 0,
	"scheduled":   1,
	"background":  2,
}

func priorityOf(source string) int {
	if p, ok := sourcePriority[source]; ok {
		return p
	}
	return len(sourcePriority)
}

type queueTicket struct {
	id        string
	tenantKey string
	source    string
	priority  int
	seq       int64
	granted   bool
}

// orchestrationQueue is a FIFO-within-priority-tier queue gating entry
// into the bounded set of concurrently running orchestrations
// (spec.md §4.1, acquireOrchestrationTurn).
type orchestrationQueue struct {
	mu      sync.Mutex
	waiting []*queueTicket
	active  int
	nextSeq int64
}

func newOrchestrationQueue() *orchestrationQueue {
	return &orchestrationQueue{}
}

func (q *orchestrationQueue) enqueue(tenantKey, source string) *queueTicket {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextSeq++
	t := &queueTicket{
		id:        uuid.New().String(),
		tenantKey: tenantKey,
		source:    source,
		priority:  priorityOf(source),
		seq:       q.nextSeq,
	}
	q.waiting = append(q.waiting, t)
	return t
}

func (q *orchestrationQueue) dequeue(t *queueTicket) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, w := range q.waiting {
		if w.id == t.id {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return
		}
	}
}

// tryGrant admits t if it is the highest-priority (lowest priority
// value, then lowest seq) ticket still waiting and there is capacity:
// it removes t from the waiting list, counts it active, and reports
// true.
func (q *orchestrationQueue) tryGrant(t *queueTicket, maxActive int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active >= maxActive {
		return false
	}

	best := q.waiting[0]
	for _, w := range q.waiting[1:] {
		if w.priority < best.priority || (w.priority == best.priority && w.seq < best.seq) {
			best = w
		}
	}
	if best.id != t.id {
		return false
	}

	for i, w := range q.waiting {
		if w.id == t.id {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			break
		}
	}
	q.active++
	return true
}

func (q *orchestrationQueue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active > 0 {
		q.active--
	}
}

func (q *orchestrationQueue) queuedKeys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]string, 0, len(q.waiting))
	for _, w := range q.waiting {
		keys = append(keys, w.tenantKey)
	}
	return keys
}

// OrchestrationLease represents a turn to run, held until Release.
type OrchestrationLease struct {
	ID          string
	TenantKey   string
	QueueWaited time.Duration
	queue       *orchestrationQueue
	controller  *Controller
	released    bool
	mu          sync.Mutex
}

// Release returns the orchestration's turn to the queue. Idempotent.
func (l *OrchestrationLease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	l.queue.release()
	if l.controller != nil {
		l.controller.markOrchestrationDone(l.ID)
	}
}

// AcquireOrchestrationTurn enqueues the caller and blocks (via bounded
// polling) until admitted, cancelled, or timed out.
func (c *Controller) AcquireOrchestrationTurn(ctx context.Context, tenantKey, source string, maxWait, pollInterval time.Duration) (*OrchestrationLease, WaitOutcome) {
	t := c.queue.enqueue(tenantKey, source)
	start := time.Now()
	deadline := start.Add(maxWait)

	for {
		if c.queue.tryGrant(t, c.limits.MaxConcurrentOrchestrations) {
			lease := &OrchestrationLease{ID: t.id, TenantKey: tenantKey, QueueWaited: time.Since(start), queue: c.queue, controller: c}
			c.markOrchestrationActive(t.id)
			return lease, WaitAllowed
		}

		select {
		case <-ctx.Done():
			c.queue.dequeue(t)
			return nil, WaitAborted
		default:
		}

		if time.Now().After(deadline) {
			c.queue.dequeue(t)
			return nil, WaitTimedOut
		}

		select {
		case <-ctx.Done():
			c.queue.dequeue(t)
			return nil, WaitAborted
		case <-time.After(pollInterval):
		}
	}
}

// DispatchPermit composes an orchestration lease with a capacity
// reservation, releasing the lease if the reservation fails
// (spec.md §4.1, acquireDispatchPermit).
type DispatchPermit struct {
	Lease       *OrchestrationLease
	Reservation *Reservation
}

// Release releases the reservation then the orchestration lease.
func (p *DispatchPermit) Release() {
	if p.Reservation != nil {
		p.Reservation.Release()
	}
	if p.Lease != nil {
		p.Lease.Release()
	}
}

// AcquireDispatchPermit obtains an orchestration lease, then reserves
// capacity; on reservation failure the lease is released before
// returning.
func (c *Controller) AcquireDispatchPermit(ctx context.Context, tenantKey, source string, additionalRequests, additionalLLM int, maxWait, pollInterval time.Duration) (*DispatchPermit, WaitOutcome, []string) {
	lease, outcome := c.AcquireOrchestrationTurn(ctx, tenantKey, source, maxWait, pollInterval)
	if outcome != WaitAllowed {
		return nil, outcome, nil
	}

	remaining := maxWait - lease.QueueWaited
	if remaining < 0 {
		remaining = 0
	}
	res := c.ReserveWithWait(ctx, additionalRequests, additionalLLM, remaining, pollInterval)
	if res.Outcome != WaitAllowed {
		lease.Release()
		return nil, res.Outcome, res.Reasons
	}

	return &DispatchPermit{Lease: lease, Reservation: res.Reservation}, WaitAllowed, nil
}
