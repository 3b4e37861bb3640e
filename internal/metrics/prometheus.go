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

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusHook is a Hook backed by prometheus client_golang
// collectors, grounded on orchestrator/run.go's promRequestsTotal /
// promRequestDuration / promPolicyEvaluations / promBlockedRequests /
// promLLMCalls var block and its init()-time MustRegister calls.
type PrometheusHook struct {
	reservations    *prometheus.CounterVec
	rateLimitDelta  *prometheus.GaugeVec
	dagNodeOutcomes *prometheus.CounterVec
	dagNodeDuration *prometheus.HistogramVec
	poolQueueDepth  *prometheus.GaugeVec
	runOutcomes     *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
}

// NewPrometheusHook builds a PrometheusHook and registers its
// collectors against reg. Pass prometheus.DefaultRegisterer to mirror
// the teacher's package-level MustRegister behavior, or a dedicated
// *prometheus.Registry in tests to avoid duplicate-registration
// panics across test runs.
func NewPrometheusHook(reg prometheus.Registerer) *PrometheusHook {
	h := &PrometheusHook{
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentruntime",
			Subsystem: "admission",
			Name:      "reservations_total",
			Help:      "Capacity reservation outcomes by result.",
		}, []string{"outcome"}),
		rateLimitDelta: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentruntime",
			Subsystem: "ratelimit",
			Name:      "limit_adjustment",
			Help:      "Most recent learned concurrency-limit delta by provider/model.",
		}, []string{"provider", "model"}),
		dagNodeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentruntime",
			Subsystem: "dag",
			Name:      "node_outcomes_total",
			Help:      "DAG node terminal outcomes by status.",
		}, []string{"status"}),
		dagNodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentruntime",
			Subsystem: "dag",
			Name:      "node_duration_seconds",
			Help:      "DAG node execution duration by terminal status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		poolQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentruntime",
			Subsystem: "workerpool",
			Name:      "queue_depth",
			Help:      "Current queue depth per worker pool.",
		}, []string{"pool"}),
		runOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentruntime",
			Subsystem: "run",
			Name:      "outcomes_total",
			Help:      "Run orchestrator terminal outcomes by code.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentruntime",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Run orchestrator wall-clock duration by terminal outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		h.reservations,
		h.rateLimitDelta,
		h.dagNodeOutcomes,
		h.dagNodeDuration,
		h.poolQueueDepth,
		h.runOutcomes,
		h.runDuration,
	)
	return h
}

func (h *PrometheusHook) ReservationOutcome(outcome string) {
	h.reservations.WithLabelValues(outcome).Inc()
}

func (h *PrometheusHook) RateLimitAdjustment(provider, model string, delta float64) {
	h.rateLimitDelta.WithLabelValues(provider, model).Set(delta)
}

func (h *PrometheusHook) DAGNodeOutcome(status string, duration time.Duration) {
	h.dagNodeOutcomes.WithLabelValues(status).Inc()
	h.dagNodeDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (h *PrometheusHook) PoolQueueDepth(poolName string, depth int) {
	h.poolQueueDepth.WithLabelValues(poolName).Set(float64(depth))
}

func (h *PrometheusHook) RunOutcome(outcomeCode string, duration time.Duration) {
	h.runOutcomes.WithLabelValues(outcomeCode).Inc()
	h.runDuration.WithLabelValues(outcomeCode).Observe(duration.Seconds())
}
