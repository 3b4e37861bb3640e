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

// Package workerpool implements the bounded-concurrency executor
// described in spec.md §4.2: a weighted, abortable, allSettled pool
// with optional priority scheduling.
package workerpool

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrAborted is the canonical cancellation error (spec.md §4.2).
var ErrAborted = errors.New("concurrency pool aborted")

// SettleMode selects whether the pool stops on the first error or
// collects every outcome.
type SettleMode int

const (
	SettleAll SettleMode = iota
	SettleAllSettled
)

// Worker processes a single item at the given index.
type Worker[T, R any] func(ctx context.Context, item T, index int) (R, error)

// Options configures a Run invocation.
type Options[T any] struct {
	Cancel                context.Context
	AbortOnError          bool
	Settle                SettleMode
	ItemWeights           []float64
	UsePriorityScheduling bool
}

// Result is one slot of the output array.
type Result[R any] struct {
	Index  int
	Value  R
	Err    error
}

// Run executes worker over items with at most concurrency workers in
// flight. Concurrency is clamped to [1, len(items)]. The returned slice
// always has length len(items) and preserves input-index order
// (spec.md §4.2: "Output preserves input index order").
//
// A worker error is recorded in its slot; if AbortOnError is set it
// also stops further dispatch (in-flight workers still finish). In
// SettleAll mode Run returns the first worker error once all workers
// finish. In SettleAllSettled mode Run itself returns no worker error —
// inspect each Result.Err.
func Run[T, R any](items []T, concurrency int, worker Worker[T, R], opts Options[T]) ([]Result[R], error) {
	if len(items) == 0 {
		return nil, nil
	}

	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > len(items) {
		concurrency = len(items)
	}

	ctx := opts.Cancel
	if ctx == nil {
		ctx = context.Background()
	}

	results := make([]Result[R], len(items))
	for i := range results {
		results[i].Index = i
	}

	order := dispatchOrder(items, opts)

	var (
		mu          sync.Mutex
		claimed     = make([]bool, len(items))
		firstErr    error
		aborted     bool
		wg          sync.WaitGroup
		cursor      int
	)

	isCancelled := func() bool {
		select {
		case <-ctx.Done():
			return true
		default:
			return false
		}
	}

	next := func() (int, bool) {
		mu.Lock()
		defer mu.Unlock()
		if aborted || isCancelled() {
			return 0, false
		}
		for cursor < len(order) {
			idx := order[cursor]
			cursor++
			if !claimed[idx] {
				claimed[idx] = true
				return idx, true
			}
		}
		return 0, false
	}

	if isCancelled() {
		return results, ErrAborted
	}

	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				idx, ok := next()
				if !ok {
					return
				}

				val, err := worker(ctx, items[idx], idx)

				mu.Lock()
				results[idx].Value = val
				results[idx].Err = err
				if err != nil && firstErr == nil {
					firstErr = err
				}
				if err != nil && opts.AbortOnError {
					aborted = true
				}
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if isCancelled() {
		return results, ErrAborted
	}

	if opts.Settle == SettleAll && firstErr != nil {
		return results, firstErr
	}

	return results, nil
}

// dispatchOrder computes the order in which items are offered to
// workers. Without priority scheduling this is simply input order;
// with it, the next item is always the highest-weight unclaimed item,
// ties broken by input index (spec.md §4.2). Weights <= 0 count as 1.
func dispatchOrder[T any](items []T, opts Options[T]) []int {
	order := make([]int, len(items))
	for i := range order {
		order[i] = i
	}
	if !opts.UsePriorityScheduling {
		return order
	}

	weight := func(i int) float64 {
		if i < len(opts.ItemWeights) && opts.ItemWeights[i] > 0 {
			return opts.ItemWeights[i]
		}
		return 1
	}

	sort.SliceStable(order, func(a, b int) bool {
		return weight(order[a]) > weight(order[b])
	})
	return order
}
