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

package retry

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// ErrClass categorizes a failed attempt (spec.md §4.5 step 3).
type ErrClass int

const (
	ClassCancelled ErrClass = iota
	ClassTimeout
	ClassEmptyOutput
	ClassRateLimit
	ClassServerError
	ClassNonRetryable
)

// ErrEmptyOutput is the sentinel a Operation should wrap when a worker
// produced no usable output (spec.md: "empty-output → retryable, one
// dedicated recovery attempt").
var ErrEmptyOutput = errors.New("retry: empty output")

// StatusError carries an HTTP-style status code alongside a message,
// mirroring the teacher's sdk.APIError (llm/sdk/retry.go) but without
// the SDK-specific Type field this runtime doesn't need.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string { return e.Message }

func isRateLimitMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests")
}

func isServerErrorMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "server error") || strings.Contains(lower, "bad gateway") ||
		strings.Contains(lower, "service unavailable") || strings.Contains(lower, "gateway timeout") ||
		strings.Contains(lower, "connection reset") || strings.Contains(lower, "econnreset")
}

// classify determines the ErrClass for err and whether it should be
// retried under the normal (non-rate-limit) retry budget.
func classify(err error) (ErrClass, bool) {
	if err == nil {
		return ClassNonRetryable, false
	}

	if errors.Is(err, context.Canceled) {
		return ClassCancelled, false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout, false
	}
	if errors.Is(err, ErrEmptyOutput) {
		return ClassEmptyOutput, true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == 429 || isRateLimitMessage(statusErr.Message) {
			return ClassRateLimit, true
		}
		if statusErr.StatusCode >= 500 && statusErr.StatusCode < 600 {
			return ClassServerError, true
		}
		return ClassNonRetryable, false
	}

	msg := err.Error()
	if isRateLimitMessage(msg) {
		return ClassRateLimit, true
	}
	if isServerErrorMessage(msg) {
		return ClassServerError, true
	}

	return ClassNonRetryable, false
}

// statusOf extracts the HTTP-style status code from err, if any, for
// diagnostic reporting.
func statusOf(err error) string {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return strconv.Itoa(statusErr.StatusCode)
	}
	return ""
}
