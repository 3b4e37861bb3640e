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

// Package adminapi exposes the runtime's read-only observability
// surface: a liveness check, a JSON capacity snapshot, and the
// Prometheus scrape endpoint, grounded on orchestrator/run.go's
// mux.NewRouter() + cors.New(...).Handler(...) wiring.
package adminapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"axonflow/agentruntime/internal/rtlog"
	"axonflow/agentruntime/internal/runtimestate"
)

// CapacitySource supplies the current runtime capacity snapshot. The
// admission controller's *runtimestate.Controller satisfies this.
type CapacitySource interface {
	Snapshot() runtimestate.RuntimeCapacitySnapshot
}

// Server is the admin HTTP surface: /health, /capacity, and /metrics.
// It never mutates runtime state — every handler is a read.
type Server struct {
	capacity CapacitySource
	registry *prometheus.Registry
	log      *rtlog.Logger
}

// Options configures NewServer.
type Options struct {
	Capacity CapacitySource
	Registry *prometheus.Registry // defaults to prometheus.NewRegistry()
}

// NewServer builds a Server. Pass the same *prometheus.Registry used to
// construct metrics.NewPrometheusHook so /metrics reports the hook's
// collectors.
func NewServer(opts Options) *Server {
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Server{
		capacity: opts.Capacity,
		registry: reg,
		log:      rtlog.New("adminapi"),
	}
}

// Handler builds the full router with CORS middleware applied, mirroring
// the teacher's mux.NewRouter() + cors.New(...).Handler(r) composition.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/capacity", s.handleCapacity).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	})
	return c.Handler(r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	if s.capacity == nil {
		http.Error(w, "capacity source not configured", http.StatusServiceUnavailable)
		return
	}
	snap := s.capacity.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.log.ErrorWithErr("", "", "encode capacity snapshot", err, nil)
	}
}
