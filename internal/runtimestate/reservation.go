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
	"sync"
	"time"

	"github.com/google/uuid"
)

// ReservationState is the lifecycle state of a Reservation.
type ReservationState string

const (
	ReservationHeld     ReservationState = "held"
	ReservationConsumed ReservationState = "consumed"
	ReservationReleased ReservationState = "released"
)

// Reservation is a pending charge against the controller's global
// counters (spec.md §3, "CapacityReservation"). Held -> consumed ->
// released, or held -> released directly on admission failure cleanup.
type Reservation struct {
	ID        string
	Requests  int
	LLM       int
	CreatedAt time.Time

	mu            sync.Mutex
	state         ReservationState
	lastHeartbeat time.Time
	ttl           time.Duration
	controller    *Controller
}

func newReservation(c *Controller, requests, llm int, ttl time.Duration) *Reservation {
	now := time.Now()
	return &Reservation{
		ID:            uuid.New().String(),
		Requests:      requests,
		LLM:           llm,
		CreatedAt:     now,
		state:         ReservationHeld,
		lastHeartbeat: now,
		ttl:           ttl,
		controller:    c,
	}
}

// State returns the current lifecycle state.
func (r *Reservation) State() ReservationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Consume transitions held -> consumed. From this point the caller is
// responsible for tracking its own active-count increments; the
// reservation's projected charge is simply no longer subject to TTL
// expiry reclamation (spec.md §4.1: "admission vs. active are
// separated").
func (r *Reservation) Consume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == ReservationHeld {
		r.state = ReservationConsumed
	}
}

// Release decrements the controller's counters by this reservation's
// charge and marks it released. Idempotent.
func (r *Reservation) Release() {
	r.mu.Lock()
	if r.state == ReservationReleased {
		r.mu.Unlock()
		return
	}
	r.state = ReservationReleased
	requests, llm := r.Requests, r.LLM
	r.mu.Unlock()

	r.controller.release(requests, llm)
}

// Heartbeat refreshes the reservation's TTL clock.
func (r *Reservation) Heartbeat() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastHeartbeat = time.Now()
}

// expired reports whether the reservation is still held and has not
// been heartbeaten within its TTL.
func (r *Reservation) expired(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == ReservationHeld && now.Sub(r.lastHeartbeat) > r.ttl
}
