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

// Package filelock implements the advisory, best-effort, bounded-wait
// file lock described in spec.md §9 ("File-based cross-process
// coordination"): a lock file with a staleness timeout, acquired by
// exclusive create and released by removal. No third-party file-lock
// library appears anywhere in the retrieval pack, so this is built on
// os.OpenFile(O_EXCL) rather than a borrowed dependency — see
// DESIGN.md.
package filelock

import (
	"fmt"
	"os"
	"time"
)

// Lock is a bounded-wait advisory lock backed by a sidecar ".lock" file.
type Lock struct {
	path string
}

// New returns a Lock guarding path+".lock".
func New(path string) *Lock {
	return &Lock{path: path + ".lock"}
}

// Options controls acquisition behavior.
type Options struct {
	// MaxWait bounds how long Acquire polls before giving up.
	MaxWait time.Duration
	// PollInterval is the spacing between acquisition attempts.
	PollInterval time.Duration
	// Staleness is the age past which an existing lock file is
	// considered abandoned (e.g. the owning process crashed) and is
	// forcibly reclaimed.
	Staleness time.Duration
}

// DefaultOptions matches spec.md §4.3's persistence parameters:
// ~2s bounded wait, 25ms poll, 15s staleness.
func DefaultOptions() Options {
	return Options{
		MaxWait:      2 * time.Second,
		PollInterval: 25 * time.Millisecond,
		Staleness:    15 * time.Second,
	}
}

// Acquire attempts to exclusively create the lock file, polling until
// success or MaxWait elapses. It returns false (never an error) on
// timeout so callers can fall back to a local-only, unlocked write —
// the lock is advisory and best-effort, never fatal.
func (l *Lock) Acquire(opts Options) (acquired bool) {
	deadline := time.Now().Add(opts.MaxWait)
	for {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			_ = f.Close()
			return true
		}

		if info, statErr := os.Stat(l.path); statErr == nil {
			if time.Since(info.ModTime()) > opts.Staleness {
				_ = os.Remove(l.path)
				continue
			}
		}

		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(opts.PollInterval)
	}
}

// Release removes the lock file. Idempotent: removing an already-gone
// lock file is not an error.
func (l *Lock) Release() {
	_ = os.Remove(l.path)
}

// WithLock runs fn while holding the lock, falling back to running fn
// unlocked if acquisition times out (best-effort per spec.md §7: "never
// crashes the run").
func (l *Lock) WithLock(opts Options, fn func()) (heldLock bool) {
	held := l.Acquire(opts)
	if held {
		defer l.Release()
	}
	fn()
	return held
}
