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

// Package llmworker implements the subagent worker contract (spec.md
// §6): "invoked with provider, model, prompt, idle-timeout. Streams
// UTF-8 text chunks on stdout and diagnostic chunks on stderr. Exits
// with code 0 on success (non-empty trimmed stdout required) or
// non-zero on failure." The transport itself is swappable: a default
// subprocess implementation and an optional direct Bedrock transport.
package llmworker

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyOutput is returned when a worker exits 0 but produced no
// non-whitespace stdout (spec.md §6: "non-empty trimmed stdout
// required" for success).
var ErrEmptyOutput = errors.New("llmworker: empty output on success exit")

// Stream identifies which of a subagent's two output channels a Chunk
// came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Chunk is one piece of streamed text, published to a live-view
// listener as it arrives (spec.md §4: "emit events to the monitor ...
// stdout chunk, stderr chunk").
type Chunk struct {
	Stream Stream
	Text   string
}

// Request is everything a Worker needs to run one subagent turn.
type Request struct {
	Provider    string
	Model       string
	Prompt      string
	IdleTimeout time.Duration
}

// Result is a completed worker invocation's outcome.
type Result struct {
	Output     string   // full trimmed stdout
	ExitCode   int
	StderrTail []string // bounded tail of stderr lines, for diagnostics
}

// Worker runs one subagent turn to completion or failure. onChunk, if
// non-nil, is called synchronously for every stdout/stderr chunk as
// it streams in; it must not block for long. Cancelling ctx signals
// the underlying transport the same way a timeout does (spec.md §6:
// "Cancellation is signaled the same way").
type Worker interface {
	Run(ctx context.Context, req Request, onChunk func(Chunk)) (Result, error)
}
