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

package subagent

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// definitionFile is the on-disk YAML shape for bulk import/export,
// matching the teacher's AgentConfigFile convention of a top-level
// list under a single key rather than a bare array document.
type definitionFile struct {
	Agents []Definition `yaml:"agents"`
}

// ImportYAML parses a YAML file of agent definitions, validating each
// before returning them. Matches the teacher's LoadAgentConfig /
// findYAMLFiles directory-of-YAML convention (agent_registry.go), here
// scoped to a single bulk file rather than a scanned directory.
func ImportYAML(path string) ([]Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("subagent: failed to read %s: %w", path, err)
	}

	var file definitionFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("subagent: failed to parse %s: %w", path, err)
	}

	for i, def := range file.Agents {
		if err := def.validate(); err != nil {
			return nil, fmt.Errorf("subagent: invalid definition at index %d: %w", i, err)
		}
	}
	return file.Agents, nil
}

// ExportYAML writes defs to path as a YAML definitionFile.
func ExportYAML(path string, defs []Definition) error {
	b, err := yaml.Marshal(definitionFile{Agents: defs})
	if err != nil {
		return fmt.Errorf("subagent: failed to marshal definitions: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("subagent: failed to write %s: %w", path, err)
	}
	return nil
}

// ImportInto loads defs from path via ImportYAML and Creates each into
// reg, skipping (and collecting) ids that already exist rather than
// aborting the whole import.
func ImportInto(reg *Registry, path string) (imported int, skipped []string, err error) {
	defs, err := ImportYAML(path)
	if err != nil {
		return 0, nil, err
	}

	for _, def := range defs {
		if createErr := reg.Create(def); createErr != nil {
			skipped = append(skipped, def.ID)
			continue
		}
		imported++
	}
	return imported, skipped, nil
}
