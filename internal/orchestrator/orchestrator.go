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

// Package orchestrator composes admission, rate limiting, retry, the
// worker pool, and the DAG executor into the end-to-end run-single /
// run-parallel / run-dag contract (spec.md §4.7).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"axonflow/agentruntime/internal/artifact"
	"axonflow/agentruntime/internal/config"
	"axonflow/agentruntime/internal/coordination"
	"axonflow/agentruntime/internal/llmworker"
	"axonflow/agentruntime/internal/metrics"
	"axonflow/agentruntime/internal/outcome"
	"axonflow/agentruntime/internal/parallelism"
	"axonflow/agentruntime/internal/ratelimit"
	"axonflow/agentruntime/internal/retry"
	"axonflow/agentruntime/internal/rtlog"
	"axonflow/agentruntime/internal/runtimestate"
	"axonflow/agentruntime/internal/subagent"
)

// ErrNoAgentsSelected is returned when agent selection resolves to an
// empty set.
var ErrNoAgentsSelected = errors.New("orchestrator: no agents selected")

// gateDefaultLimit/gateDefaultBurst seed each key of the shared
// retry.Gate; retry.Run lowers a key's rate through MarkLimited
// whenever an attempt hits a rate limit.
const (
	gateDefaultLimit rate.Limit = 50
	gateDefaultBurst            = 10
)

// crossInstanceSyncInterval governs how often an Orchestrator with both
// Coordinator and Parallelism configured re-registers its heartbeat and
// feeds the observed instance count into the Adjuster (spec.md §4.4).
const crossInstanceSyncInterval = 30 * time.Second

// Options constructs an Orchestrator from the runtime's shared
// components. Only Admission, Registry, and Worker are required;
// RateLimit, Artifacts, Metrics, Parallelism, and Coordinator are
// optional and degrade to unlimited / no-op / discarded / single-
// instance respectively.
type Options struct {
	Admission   *runtimestate.Controller
	RateLimit   *ratelimit.Controller
	Registry    *subagent.Registry
	Worker      llmworker.Worker
	Artifacts   artifact.Store
	Metrics     metrics.Hook
	Parallelism *parallelism.Adjuster
	Coordinator coordination.Coordinator
	Config      config.Config
}

// Orchestrator runs subagent tasks end-to-end per spec.md §4.7.
type Orchestrator struct {
	admission   *runtimestate.Controller
	rateLimit   *ratelimit.Controller
	registry    *subagent.Registry
	worker      llmworker.Worker
	artifacts   artifact.Store
	metrics     metrics.Hook
	parallelism *parallelism.Adjuster
	coordinator coordination.Coordinator
	cfg         config.Config
	log         *rtlog.Logger
	gate        *retry.Gate
	penalty     *adaptivePenalty

	stop chan struct{}
	once sync.Once
}

// New builds an Orchestrator, defaulting unset optional fields. When
// both Parallelism and Coordinator are set, New starts a background
// loop that registers this instance and applies the observed instance
// count to the Adjuster's cross-instance scaling (spec.md §4.4).
func New(opts Options) *Orchestrator {
	m := opts.Metrics
	if m == nil {
		m = metrics.Noop{}
	}
	o := &Orchestrator{
		admission:   opts.Admission,
		rateLimit:   opts.RateLimit,
		registry:    opts.Registry,
		worker:      opts.Worker,
		artifacts:   opts.Artifacts,
		metrics:     m,
		parallelism: opts.Parallelism,
		coordinator: opts.Coordinator,
		cfg:         opts.Config,
		log:         rtlog.New("orchestrator"),
		gate:        retry.NewGate(gateDefaultLimit, gateDefaultBurst),
		penalty:     newAdaptivePenalty(10 * time.Second),
		stop:        make(chan struct{}),
	}
	if o.parallelism != nil && o.coordinator != nil {
		go o.runCrossInstanceSync()
	}
	return o
}

// Close stops the cross-instance sync loop, if one was started. Safe to
// call more than once or on an Orchestrator that never started one.
func (o *Orchestrator) Close() {
	o.once.Do(func() { close(o.stop) })
}

// runCrossInstanceSync periodically heartbeats this instance and feeds
// the resulting instance count into the Adjuster, so its per-key limits
// scale down as the fleet scales out (spec.md §4.4).
func (o *Orchestrator) runCrossInstanceSync() {
	instanceID := uuid.New().String()
	ticker := time.NewTicker(crossInstanceSyncInterval)
	defer ticker.Stop()
	syncOnce := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.coordinator.RegisterInstance(ctx, instanceID); err != nil {
			o.log.ErrorWithErr("", "", "register instance for cross-instance scaling", err, nil)
			return
		}
		count, err := o.coordinator.InstanceCount(ctx)
		if err != nil {
			o.log.ErrorWithErr("", "", "read instance count for cross-instance scaling", err, nil)
			return
		}
		o.parallelism.ApplyCrossInstanceLimits(count)
	}
	syncOnce()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			syncOnce()
		}
	}
}

// RunOutcome is the top-level result of RunSingle / RunParallel /
// RunDAG: an aggregate outcome code plus the rendered output.
type RunOutcome struct {
	OutcomeCode      outcome.Code
	RetryRecommended bool
	Output           string
	Tasks            []TaskOutcome
	Reasons          []string
}

// resolveAgents implements spec.md §4.7 step 1: look up target
// subagents by explicit id, or by mode when ids is empty, rejecting
// disabled or unknown ids outright (a single bad id fails the whole
// selection, since a partially-resolved fan-out would silently run
// with fewer workers than the caller asked for).
func (o *Orchestrator) resolveAgents(ids []string, mode config.ParallelMode) ([]subagent.Definition, error) {
	if len(ids) > 0 {
		defs := make([]subagent.Definition, 0, len(ids))
		for _, id := range ids {
			def, err := o.registry.Get(id)
			if err != nil {
				return nil, fmt.Errorf("orchestrator: resolve agent %s: %w", id, err)
			}
			if !def.Enabled {
				return nil, fmt.Errorf("orchestrator: agent %s is disabled: %w", id, subagent.ErrDisabledAgent)
			}
			defs = append(defs, def)
		}
		return defs, nil
	}

	if mode == config.ParallelModeAll {
		var enabled []subagent.Definition
		for _, def := range o.registry.List() {
			if def.Enabled {
				enabled = append(enabled, def)
			}
		}
		if len(enabled) == 0 {
			return nil, ErrNoAgentsSelected
		}
		return enabled, nil
	}

	current := o.registry.CurrentAgent()
	if current == "" {
		return nil, ErrNoAgentsSelected
	}
	def, err := o.registry.Get(current)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resolve current agent: %w", err)
	}
	if !def.Enabled {
		return nil, fmt.Errorf("orchestrator: current agent %s is disabled: %w", def.ID, subagent.ErrDisabledAgent)
	}
	return []subagent.Definition{def}, nil
}

// parallelismKey is the Adjuster key for def, matching ratelimit's own
// provider/model keying convention so the two mechanisms address the
// same endpoints independently (spec.md §4.3 vs §4.4).
func parallelismKey(def subagent.Definition) string {
	return def.Provider + "/" + def.Model
}

// providerCap computes min over defs' per-(provider, model) effective
// limit (spec.md §4.7 step 2), intersected with internal/parallelism's
// own health-based effective limit when configured. Unlimited
// (math.MaxInt) when neither is configured.
func (o *Orchestrator) providerCap(defs []subagent.Definition) int {
	if o.rateLimit == nil && o.parallelism == nil {
		return math.MaxInt
	}
	limit := math.MaxInt
	for _, def := range defs {
		if o.rateLimit != nil {
			if l := o.rateLimit.EffectiveLimit(def.Provider, def.Model); l < limit {
				limit = l
			}
		}
		if o.parallelism != nil {
			if l := o.parallelism.Effective(parallelismKey(def)); l < limit {
				limit = l
			}
		}
	}
	return limit
}

// baselineConcurrency implements spec.md §4.7's parallelism formula:
// baseline := min(configuredLimit, activeAgents, maxTotalActiveLlm,
// providerCap), then the adaptive penalty is applied by the caller.
func (o *Orchestrator) baselineConcurrency(defs []subagent.Definition) int {
	baseline := o.cfg.MaxParallelSubagentsPerRun
	if n := len(defs); n < baseline {
		baseline = n
	}
	if o.cfg.MaxTotalActiveLLM > 0 && o.cfg.MaxTotalActiveLLM < baseline {
		baseline = o.cfg.MaxTotalActiveLLM
	}
	if limit := o.providerCap(defs); limit < baseline {
		baseline = limit
	}
	if baseline < 1 {
		baseline = 1
	}
	return baseline
}

// acquire implements spec.md §4.7 steps 2-3: orchestration lease plus
// capacity reservation, then a background heartbeat refreshing the
// reservation every HeartbeatInterval. The returned release func
// undoes both and must be called exactly once (spec.md §4.7 step 8).
func (o *Orchestrator) acquire(ctx context.Context, tenantKey, source string, requests, llm int) (*runtimestate.DispatchPermit, func(), outcome.Code, []string) {
	waitMs := o.cfg.CapacityWaitMs
	pollMs := o.cfg.CapacityPollMs
	if waitMs <= 0 {
		waitMs = 30_000
	}
	if pollMs <= 0 {
		pollMs = 100
	}

	permit, waitOutcome, reasons := o.admission.AcquireDispatchPermit(
		ctx, tenantKey, source, requests, llm,
		time.Duration(waitMs)*time.Millisecond, time.Duration(pollMs)*time.Millisecond,
	)
	if waitOutcome != runtimestate.WaitAllowed {
		o.metrics.ReservationOutcome("rejected")
		code := outcome.NonretryableFailure
		switch waitOutcome {
		case runtimestate.WaitTimedOut:
			code = outcome.Timeout
			o.penalty.raise()
		case runtimestate.WaitAborted:
			code = outcome.Cancelled
		}
		return nil, func() {}, code, reasons
	}
	o.metrics.ReservationOutcome("granted")

	heartbeatInterval := o.cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = 5 * time.Second
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				permit.Reservation.Heartbeat()
			}
		}
	}()

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		close(stop)
		permit.Release()
	}
	return permit, release, outcome.Success, nil
}

// buildPrompt composes the prompt handed to the worker for def's task,
// optionally strictened for the empty-output recovery attempt (spec.md
// §4.7 step 5 / §4.5 step 3).
func buildPrompt(def subagent.Definition, task string, strict bool) string {
	var b strings.Builder
	if def.SystemPrompt != "" {
		b.WriteString(def.SystemPrompt)
		b.WriteString("\n\n")
	}
	b.WriteString(task)
	if strict {
		b.WriteString("\n\nYour previous response was empty. Respond now with a complete answer containing SUMMARY, RESULT, and NEXT_STEP sections.")
	}
	return b.String()
}

// execResult is executeTask's internal result, carrying enough of the
// retry diagnostic for run-level adaptive feedback.
type execResult struct {
	outcome   TaskOutcome
	runRecord subagent.RunRecord
	gateHits  int
	retryable bool
}

// executeTask runs one subagent's task end-to-end: retry-wrapped
// worker invocation, output normalization, and run-record persistence
// (spec.md §4.7 step 5).
func (o *Orchestrator) executeTask(ctx context.Context, def subagent.Definition, task string, monitor Monitor) execResult {
	runID := uuid.New().String()
	started := time.Now()
	monitor.ItemStarted(def.ID)

	idleTimeout := o.cfg.IdleTimeout
	onChunk := func(c llmworker.Chunk) {
		monitor.Chunk(def.ID, c.Stream, c.Text)
	}

	op := func(ctx context.Context) (string, error) {
		res, err := o.worker.Run(ctx, llmworker.Request{
			Provider:    def.Provider,
			Model:       def.Model,
			Prompt:      buildPrompt(def, task, false),
			IdleTimeout: idleTimeout,
		}, onChunk)
		if err != nil {
			if errors.Is(err, llmworker.ErrEmptyOutput) {
				return "", fmt.Errorf("%s: %w", err.Error(), retry.ErrEmptyOutput)
			}
			return "", err
		}
		return res.Output, nil
	}

	recoveryIdleTimeout := idleTimeout
	if recoveryIdleTimeout <= 0 || recoveryIdleTimeout > 60*time.Second {
		recoveryIdleTimeout = 60 * time.Second
	}
	recoveryOp := func(ctx context.Context) (string, error) {
		res, err := o.worker.Run(ctx, llmworker.Request{
			Provider:    def.Provider,
			Model:       def.Model,
			Prompt:      buildPrompt(def, task, true),
			IdleTimeout: recoveryIdleTimeout,
		}, onChunk)
		if err != nil {
			if errors.Is(err, llmworker.ErrEmptyOutput) {
				return "", fmt.Errorf("%s: %w", err.Error(), retry.ErrEmptyOutput)
			}
			return "", err
		}
		return res.Output, nil
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.StableProfile = o.cfg.StableProfile
	retryCfg = retryCfg.Resolve()

	val, code, diag := retry.Run(ctx, retry.Options[string]{
		Config:     retryCfg,
		Gate:       o.gate,
		Provider:   def.Provider,
		Model:      def.Model,
		RecoveryOp: recoveryOp,
	}, op)

	finished := time.Now()
	status := taskSucceeded
	errSummary := ""
	recoveryUsed := diag.Attempts > 1 && code == outcome.Success

	if code == outcome.Success {
		normalized, ok := normalizeOutput(val)
		if !ok {
			code = outcome.NonretryableFailure
			status = taskFailed
			errSummary = "output failed well-formedness validation after rewrap"
			val = normalized
		} else {
			val = normalized
		}
	}
	if code != outcome.Success {
		status = taskFailed
		if errSummary == "" {
			errSummary = diag.Message
		}
	}

	if o.rateLimit != nil {
		if status == taskSucceeded {
			o.rateLimit.RecordSuccess(def.Provider, def.Model)
		} else if diag.GateHits > 0 {
			o.rateLimit.Record429(def.Provider, def.Model)
		}
	}
	if o.parallelism != nil {
		key := parallelismKey(def)
		switch {
		case status == taskSucceeded:
			o.parallelism.RecordSuccess(key, finished.Sub(started))
		case diag.GateHits > 0:
			o.parallelism.Record429(key)
		case code == outcome.Timeout:
			o.parallelism.RecordTimeout(key)
		default:
			o.parallelism.RecordError(key)
		}
	}

	var outputPath string
	if o.artifacts != nil && val != "" {
		if path, err := o.artifacts.Put(ctx, runID+".txt", []byte(val)); err == nil {
			outputPath = path
		} else {
			o.log.ErrorWithErr("", runID, "persist output artifact", err, nil)
		}
		o.persistRunPayload(ctx, runID, task, val, recoveryUsed)
	}

	runStatus := subagent.RunCompleted
	if status == taskFailed {
		runStatus = subagent.RunFailed
	}
	rec := subagent.RunRecord{
		RunID:              runID,
		AgentID:            def.ID,
		Task:               task,
		Status:             runStatus,
		StartedAt:          started,
		FinishedAt:         finished,
		LatencyMs:          finished.Sub(started).Milliseconds(),
		OutputArtifactPath: outputPath,
		ErrorSummary:       errSummary,
	}
	if err := o.registry.RecordRun(def.ID, rec); err != nil {
		o.log.ErrorWithErr("", runID, "record run", err, nil)
	}

	monitor.ItemFinished(def.ID, status, val, errSummary)
	o.metrics.DAGNodeOutcome(string(status), finished.Sub(started))

	return execResult{
		outcome:   TaskOutcome{AgentID: def.ID, Status: status, Output: val, Error: errSummary},
		runRecord: rec,
		gateHits:  diag.GateHits,
		retryable: code.RetryRecommended(),
	}
}

// applyPenaltyFeedback implements spec.md §4.7 step 6 for executed
// tasks: raise the adaptive penalty if any task hit the rate-limit
// gate, otherwise lower it on an entirely clean run. Capacity pressure
// (a timed-out admission wait) raises it in acquire instead.
func (o *Orchestrator) applyPenaltyFeedback(results []execResult) {
	pressure := false
	allClean := true
	for _, r := range results {
		if r.gateHits > 0 {
			pressure = true
		}
		if r.outcome.Status != taskSucceeded {
			allClean = false
		}
	}
	switch {
	case pressure:
		o.penalty.raise()
		o.metrics.RateLimitAdjustment("*", "*", 1)
	case allClean:
		o.penalty.lower()
		o.metrics.RateLimitAdjustment("*", "*", -1)
	}
}
