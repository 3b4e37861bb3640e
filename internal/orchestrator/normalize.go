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

package orchestrator

import (
	"regexp"
	"strings"
)

// minSubstanceChars is spec.md §4.7's "at least 48 chars of substance"
// well-formedness floor.
const minSubstanceChars = 48

// sectionHeader matches a SUMMARY/RESULT/NEXT_STEP line, tolerating a
// trailing colon and surrounding whitespace.
var sectionHeader = regexp.MustCompile(`(?im)^\s*(SUMMARY|RESULT|NEXT_STEP)\s*:?\s*$`)

// intentOnlyPhrases are curated openers that signal a subagent merely
// announced what it was about to do rather than reporting a finished
// result (spec.md §4.7: "not an intent-only utterance").
var intentOnlyPhrases = []string{
	"i will now",
	"i'm going to",
	"i am going to",
	"let me start by",
	"let's begin by",
	"i'll begin",
	"starting now",
	"about to start",
}

// sections splits raw into SUMMARY/RESULT/NEXT_STEP bodies, keyed by
// uppercase header name. Text before the first header and unrecognized
// headers are ignored.
func sections(raw string) map[string]string {
	lines := strings.Split(raw, "\n")
	out := make(map[string]string)
	current := ""
	var body []string

	flush := func() {
		if current != "" {
			out[current] = strings.TrimSpace(strings.Join(body, "\n"))
		}
	}

	for _, line := range lines {
		if m := sectionHeader.FindStringSubmatch(line); m != nil {
			flush()
			current = strings.ToUpper(m[1])
			body = nil
			continue
		}
		if current != "" {
			body = append(body, line)
		}
	}
	flush()
	return out
}

// isIntentOnly reports whether raw reads as an announcement of future
// work rather than a completed result.
func isIntentOnly(raw string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	for _, phrase := range intentOnlyPhrases {
		if strings.HasPrefix(trimmed, phrase) {
			return true
		}
	}
	return false
}

// isWellFormed implements spec.md §4.7's output-validation rule: raw
// must carry non-empty SUMMARY, RESULT, and NEXT_STEP sections, and the
// substance behind them — the RESULT body when sections are present,
// the whole trimmed text otherwise — must be at least minSubstanceChars
// long and not intent-only. Checking substance rather than the overall
// (possibly rewrapped) text keeps rewrap's boilerplate from laundering
// a too-short or intent-only original past validation.
func isWellFormed(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	secs := sections(raw)

	substance := trimmed
	if result := strings.TrimSpace(secs["RESULT"]); result != "" {
		substance = result
	}
	if len(substance) < minSubstanceChars {
		return false
	}
	if isIntentOnly(substance) {
		return false
	}

	for _, name := range []string{"SUMMARY", "RESULT", "NEXT_STEP"} {
		if strings.TrimSpace(secs[name]) == "" {
			return false
		}
	}
	return true
}

// rewrap produces a best-effort SUMMARY/RESULT/NEXT_STEP structure
// around ad-hoc text that failed well-formedness, per spec.md §4.7:
// "wrap a best-effort substitute structure once". It never fabricates
// content — RESULT always carries the caller's full raw text.
func rewrap(raw string) string {
	trimmed := strings.TrimSpace(raw)

	summary := trimmed
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		summary = trimmed[:idx]
	}
	if len(summary) > 200 {
		summary = summary[:200]
	}
	if summary == "" {
		summary = "(no summary available)"
	}

	var b strings.Builder
	b.WriteString("SUMMARY:\n")
	b.WriteString(summary)
	b.WriteString("\n\nRESULT:\n")
	b.WriteString(trimmed)
	b.WriteString("\n\nNEXT_STEP:\n")
	b.WriteString("Review the result above and determine whether follow-up is required.")
	return b.String()
}

// normalizeOutput implements spec.md §4.7 step 5's normalization: a
// well-formed raw passes through unchanged; otherwise one rewrap
// attempt is made. ok is false only if both the original and the
// rewrapped text fail validation.
func normalizeOutput(raw string) (normalized string, ok bool) {
	if isWellFormed(raw) {
		return raw, true
	}
	wrapped := rewrap(raw)
	if isWellFormed(wrapped) {
		return wrapped, true
	}
	return raw, false
}
