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

// Package main is the entry point for agentrund, the delegated agent
// execution runtime.
//
// Usage:
//
//	agentrund -task "summarize the open incidents" -agents triage,writer -mode parallel
//
// Environment Variables:
//
//	AGENTRUNTIME_STORAGE_DIR     - directory for storage.json + output artifacts (default: ./data)
//	AGENTRUNTIME_ARTIFACT_BACKEND - local | s3 | gcs | azureblob (default: local)
//	AGENTRUNTIME_WORKER_BACKEND  - subprocess | bedrock (default: subprocess)
//	AGENTRUNTIME_WORKER_BIN      - subagent executable for the subprocess backend
//	BEDROCK_REGION               - AWS region for the bedrock backend
//	AGENTRUNTIME_SECRETS_BACKEND - env | aws (default: env); resolves subprocess worker credentials
//	AGENTRUNTIME_ADMIN_ADDR      - if set, serves /health, /capacity, /metrics on this address
//	AGENTRUNTIME_COORDINATOR     - none | redis (default: none); drives cross-instance parallelism scaling
//	REDIS_ADDR                   - redis coordinator address, when AGENTRUNTIME_COORDINATOR=redis
//	AGENTRT_* - see internal/config for the full tuning surface
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"axonflow/agentruntime/internal/adminapi"
	"axonflow/agentruntime/internal/artifact"
	"axonflow/agentruntime/internal/config"
	"axonflow/agentruntime/internal/coordination"
	"axonflow/agentruntime/internal/dag"
	"axonflow/agentruntime/internal/llmworker"
	"axonflow/agentruntime/internal/metrics"
	"axonflow/agentruntime/internal/orchestrator"
	"axonflow/agentruntime/internal/parallelism"
	"axonflow/agentruntime/internal/ratelimit"
	"axonflow/agentruntime/internal/rtlog"
	"axonflow/agentruntime/internal/runtimestate"
	"axonflow/agentruntime/internal/secrets"
	"axonflow/agentruntime/internal/subagent"
)

var log = rtlog.New("agentrund")

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("agentrund", flag.ContinueOnError)
	var (
		task      = fs.String("task", "", "task prompt handed to the selected subagent(s)")
		agentsCSV = fs.String("agents", "", "comma-separated subagent ids (defaults to the mode's selection)")
		mode      = fs.String("mode", "single", "single | parallel | dag")
		dagSpec   = fs.String("dag", "", "for -mode dag: agentID[:dep1;dep2],... task dependency list")
		tenantKey = fs.String("tenant", "default", "tenant key for admission accounting")
		source    = fs.String("source", "cli", "request source label for admission accounting")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *task == "" {
		fmt.Fprintln(os.Stderr, "agentrund: -task is required")
		return 2
	}

	cfg := config.FromEnv()

	registry, err := buildRegistry()
	if err != nil {
		log.ErrorWithErr("", "", "build subagent registry", err, nil)
		return 1
	}
	seedDefaultAgents(registry, strings.Split(*agentsCSV, ","))

	admission := runtimestate.NewController(runtimestate.Limits{
		MaxTotalActiveRequests:      cfg.MaxTotalActiveRequests,
		MaxTotalActiveLLM:           cfg.MaxTotalActiveLLM,
		MaxParallelSubagentsPerRun:  cfg.MaxParallelSubagentsPerRun,
		MaxConcurrentOrchestrations: cfg.MaxConcurrentOrchestrations,
		ReservationTTL:              cfg.ReservationTTL,
	})

	rateLimitPath := ""
	if dir := storageDir(); dir != "" {
		rateLimitPath = dir + "/ratelimit.json"
	}
	rateLimit := ratelimit.NewController(rateLimitPath, cfg, cfg.MaxParallelSubagentsPerRun)

	secretsProvider, err := buildSecretsProvider()
	if err != nil {
		log.ErrorWithErr("", "", "build secrets provider", err, nil)
		return 1
	}

	worker, err := buildWorker(secretsProvider)
	if err != nil {
		log.ErrorWithErr("", "", "build llm worker", err, nil)
		return 1
	}

	artifacts, err := buildArtifactStore()
	if err != nil {
		log.ErrorWithErr("", "", "build artifact store", err, nil)
		return 1
	}

	registry2 := prometheus.NewRegistry()
	hook := metrics.NewPrometheusHook(registry2)

	adjuster := parallelism.New(1, cfg.MaxParallelSubagentsPerRun, 0)
	defer adjuster.Close()
	coordinator := buildCoordinator()
	defer coordinator.Close()

	o := orchestrator.New(orchestrator.Options{
		Admission:   admission,
		RateLimit:   rateLimit,
		Registry:    registry,
		Worker:      worker,
		Artifacts:   artifacts,
		Metrics:     hook,
		Parallelism: adjuster,
		Coordinator: coordinator,
		Config:      cfg,
	})
	defer o.Close()

	if addr := os.Getenv("AGENTRUNTIME_ADMIN_ADDR"); addr != "" {
		srv := adminapi.NewServer(adminapi.Options{
			Capacity: capacitySource{admission},
			Registry: registry2,
		})
		go func() {
			if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
				log.ErrorWithErr("", "", "admin server exited", err, nil)
			}
		}()
		log.Info("", "", "admin surface listening", map[string]any{"addr": addr})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	agentIDs := splitCSV(*agentsCSV)
	req := orchestrator.Request{
		AgentIDs:  agentIDs,
		Task:      *task,
		TenantKey: *tenantKey,
		Source:    *source,
	}

	var (
		out    orchestrator.RunOutcome
		runErr error
	)
	switch *mode {
	case "single":
		out, runErr = o.RunSingle(ctx, req)
	case "parallel":
		out, runErr = o.RunParallel(ctx, req)
	case "dag":
		tasks, parseErr := parseDAGSpec(*dagSpec, *task)
		if parseErr != nil {
			fmt.Fprintf(os.Stderr, "agentrund: %v\n", parseErr)
			return 2
		}
		out, runErr = o.RunDAG(ctx, req, tasks)
	default:
		fmt.Fprintf(os.Stderr, "agentrund: unknown -mode %q\n", *mode)
		return 2
	}
	if runErr != nil {
		log.ErrorWithErr("", "", "run failed", runErr, nil)
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)

	if out.RetryRecommended {
		return 1
	}
	switch out.OutcomeCode {
	case "SUCCESS", "PARTIAL_SUCCESS":
		return 0
	default:
		return 1
	}
}

// capacitySource adapts *runtimestate.Controller to adminapi.CapacitySource.
type capacitySource struct {
	admission *runtimestate.Controller
}

func (c capacitySource) Snapshot() runtimestate.RuntimeCapacitySnapshot {
	return c.admission.Snapshot()
}

func storageDir() string {
	dir := os.Getenv("AGENTRUNTIME_STORAGE_DIR")
	if dir == "" {
		dir = "./data"
	}
	return dir
}

func buildRegistry() (*subagent.Registry, error) {
	dir := storageDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir %s: %w", dir, err)
	}
	reg := subagent.NewRegistry(dir+"/storage.json", 100)
	if err := reg.Load(); err != nil {
		log.Warn("", "", "no existing storage.json, starting empty", map[string]any{"error": err.Error()})
	}
	return reg, nil
}

// seedDefaultAgents ensures every id the caller named exists, creating
// a minimal default definition for any that don't — a CLI invocation
// shouldn't require a separate provisioning step for a first run.
func seedDefaultAgents(reg *subagent.Registry, ids []string) {
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, err := reg.Get(id); err == nil {
			continue
		}
		_ = reg.Create(subagent.Definition{
			ID:           id,
			DisplayName:  id,
			SystemPrompt: "You are " + id + ", a focused subagent. Report SUMMARY, RESULT, and NEXT_STEP sections.",
			Provider:     os.Getenv("AGENTRUNTIME_DEFAULT_PROVIDER"),
			Model:        os.Getenv("AGENTRUNTIME_DEFAULT_MODEL"),
			Enabled:      true,
		})
	}
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseDAGSpec parses "agentID[:dep1;dep2],agentID2[:dep3]" into
// DAGTask nodes, each using task as its prompt.
func parseDAGSpec(spec, task string) ([]orchestrator.DAGTask, error) {
	if spec == "" {
		return nil, fmt.Errorf("-dag is required for -mode dag")
	}
	var tasks []orchestrator.DAGTask
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, depsRaw, _ := strings.Cut(entry, ":")
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("invalid -dag entry %q: missing agent id", entry)
		}
		var deps []string
		if depsRaw != "" {
			for _, d := range strings.Split(depsRaw, ";") {
				if d = strings.TrimSpace(d); d != "" {
					deps = append(deps, d)
				}
			}
		}
		tasks = append(tasks, orchestrator.DAGTask{
			AgentID:      id,
			Dependencies: deps,
			Priority:     dag.PriorityNormal,
			Task:         task,
		})
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("-dag produced no tasks")
	}
	return tasks, nil
}

func buildWorker(secretsProvider secrets.Provider) (llmworker.Worker, error) {
	switch backend := os.Getenv("AGENTRUNTIME_WORKER_BACKEND"); backend {
	case "bedrock":
		return llmworker.NewBedrockWorker(context.Background(), os.Getenv("BEDROCK_REGION"))
	case "", "subprocess":
		bin := os.Getenv("AGENTRUNTIME_WORKER_BIN")
		if bin == "" {
			return nil, fmt.Errorf("AGENTRUNTIME_WORKER_BIN must be set for the subprocess worker backend")
		}
		return llmworker.NewSubprocessWorker(func(ctx context.Context, req llmworker.Request) (*exec.Cmd, error) {
			cmd := exec.CommandContext(ctx, bin, "--provider", req.Provider, "--model", req.Model)
			cmd.Stdin = strings.NewReader(req.Prompt)
			cmd.Env = append(os.Environ(), credentialEnv(secretsProvider, req.Provider)...)
			return cmd, nil
		}), nil
	default:
		return nil, fmt.Errorf("unknown AGENTRUNTIME_WORKER_BACKEND %q", backend)
	}
}

// credentialEnv resolves req's provider credentials through provider
// and renders them as KEY=VALUE entries for the subprocess worker's
// environment. A lookup miss is expected for providers the configured
// backend doesn't hold credentials for, so it's logged and skipped
// rather than failing the run.
func credentialEnv(provider secrets.Provider, providerName string) []string {
	if providerName == "" {
		return nil
	}
	creds, err := provider.GetSecret(context.Background(), strings.ToUpper(providerName))
	if err != nil {
		log.Debug("", "", "no credentials resolved for provider", map[string]any{"provider": providerName, "error": err.Error()})
		return nil
	}
	env := make([]string, 0, len(creds))
	for field, value := range creds {
		env = append(env, strings.ToUpper(providerName)+"_"+strings.ToUpper(field)+"="+value)
	}
	return env
}

// buildSecretsProvider selects how the subprocess worker backend
// resolves per-provider API credentials (spec.md's provider/model
// dispatch needs credentials from somewhere; their storage location is
// independent of that dispatch logic).
func buildSecretsProvider() (secrets.Provider, error) {
	switch backend := os.Getenv("AGENTRUNTIME_SECRETS_BACKEND"); backend {
	case "", "env":
		return secrets.EnvProvider{}, nil
	case "aws":
		return secrets.NewAWSProvider(context.Background(), secrets.AWSProviderOptions{
			Region: os.Getenv("AWS_REGION"),
			Log:    log,
		})
	default:
		return nil, fmt.Errorf("unknown AGENTRUNTIME_SECRETS_BACKEND %q", backend)
	}
}

// buildCoordinator selects how instances discover each other for
// internal/parallelism's cross-instance scaling (spec.md §4.4). A
// single-instance deployment needs no coordination at all.
func buildCoordinator() coordination.Coordinator {
	switch backend := os.Getenv("AGENTRUNTIME_COORDINATOR"); backend {
	case "redis":
		client := coordination.NewRedisClient(coordination.RedisCoordinatorConfig{
			Addr: os.Getenv("REDIS_ADDR"),
		})
		return coordination.NewRedisCoordinator(client, coordination.RedisCoordinatorConfig{
			Addr: os.Getenv("REDIS_ADDR"),
		})
	default:
		return coordination.NullCoordinator{}
	}
}

func buildArtifactStore() (artifact.Store, error) {
	switch backend := os.Getenv("AGENTRUNTIME_ARTIFACT_BACKEND"); backend {
	case "", "local":
		return artifact.NewLocalStore(storageDir() + "/artifacts")
	case "s3":
		return artifact.NewS3Store(context.Background(), os.Getenv("AWS_REGION"), os.Getenv("AGENTRUNTIME_ARTIFACT_BUCKET"), os.Getenv("AGENTRUNTIME_ARTIFACT_PREFIX"))
	case "gcs":
		return artifact.NewGCSStore(context.Background(), os.Getenv("AGENTRUNTIME_ARTIFACT_BUCKET"), os.Getenv("AGENTRUNTIME_ARTIFACT_PREFIX"))
	case "azureblob":
		return artifact.NewAzureBlobStore(os.Getenv("AZURE_STORAGE_CONNECTION_STRING"), os.Getenv("AGENTRUNTIME_ARTIFACT_CONTAINER"), os.Getenv("AGENTRUNTIME_ARTIFACT_PREFIX"))
	default:
		return nil, fmt.Errorf("unknown AGENTRUNTIME_ARTIFACT_BACKEND %q", backend)
	}
}
