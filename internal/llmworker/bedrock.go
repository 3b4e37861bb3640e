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

package llmworker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// BedrockWorker is an alternative Worker transport invoking Amazon
// Bedrock directly rather than shelling out to a child process.
// Grounded on the teacher's BedrockProvider (AWS SDK v2,
// bedrockruntime.InvokeModel with IAM-role SigV4 auth).
//
// Bedrock's InvokeModel is not a streaming API, so onChunk is called
// once with the full response text on the Stdout stream rather than
// incrementally; callers that need real per-token streaming should
// use InvokeModelWithResponseStream via a future worker instead.
type BedrockWorker struct {
	client *bedrockruntime.Client
	region string
}

// NewBedrockWorker loads the default AWS config for region and
// constructs a Bedrock runtime client.
func NewBedrockWorker(ctx context.Context, region string) (*BedrockWorker, error) {
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("llmworker: load aws config for bedrock (region %s): %w", region, err)
	}
	return &BedrockWorker{
		client: bedrockruntime.NewFromConfig(awsCfg),
		region: region,
	}, nil
}

func (w *BedrockWorker) Run(ctx context.Context, req Request, onChunk func(Chunk)) (Result, error) {
	model := req.Model
	if model == "" {
		return Result{}, fmt.Errorf("llmworker: bedrock request missing model id")
	}

	if req.IdleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.IdleTimeout)
		defer cancel()
	}

	body, err := bedrockRequestBody(model, req.Prompt)
	if err != nil {
		return Result{}, err
	}
	requestJSON, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("llmworker: marshal bedrock request: %w", err)
	}

	out, err := w.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        requestJSON,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{ExitCode: -1, StderrTail: []string{err.Error()}}, fmt.Errorf("llmworker: bedrock invoke: %w", err)
	}

	text, err := parseBedrockResponse(model, out.Body)
	if err != nil {
		return Result{ExitCode: -1, StderrTail: []string{err.Error()}}, err
	}

	text = strings.TrimSpace(text)
	if onChunk != nil {
		onChunk(Chunk{Stream: Stdout, Text: text})
	}
	if text == "" {
		return Result{ExitCode: 0}, ErrEmptyOutput
	}
	return Result{Output: text, ExitCode: 0}, nil
}

func bedrockModelFamily(model string) string {
	switch {
	case strings.HasPrefix(model, "anthropic."):
		return "anthropic"
	case strings.HasPrefix(model, "amazon."):
		return "amazon"
	case strings.HasPrefix(model, "meta."):
		return "meta"
	case strings.HasPrefix(model, "mistral."):
		return "mistral"
	default:
		return "unknown"
	}
}

func bedrockRequestBody(model, prompt string) (map[string]any, error) {
	switch bedrockModelFamily(model) {
	case "anthropic":
		return map[string]any{
			"anthropic_version": "bedrock-2023-05-31",
			"max_tokens":         4096,
			"messages": []map[string]string{
				{"role": "user", "content": prompt},
			},
		}, nil
	case "amazon":
		return map[string]any{
			"inputText": prompt,
			"textGenerationConfig": map[string]any{
				"maxTokenCount": 4096,
				"topP":          0.9,
			},
		}, nil
	case "meta":
		return map[string]any{
			"prompt":      prompt,
			"max_gen_len": 2048,
			"top_p":       0.9,
		}, nil
	case "mistral":
		return map[string]any{
			"prompt":     prompt,
			"max_tokens": 4096,
			"top_p":      0.9,
		}, nil
	default:
		return nil, fmt.Errorf("llmworker: unsupported bedrock model family for %q", model)
	}
}

func parseBedrockResponse(model string, raw []byte) (string, error) {
	switch bedrockModelFamily(model) {
	case "anthropic":
		var resp struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return "", fmt.Errorf("llmworker: parse anthropic bedrock response: %w", err)
		}
		var sb strings.Builder
		for _, c := range resp.Content {
			sb.WriteString(c.Text)
		}
		return sb.String(), nil
	case "amazon":
		var resp struct {
			Results []struct {
				OutputText string `json:"outputText"`
			} `json:"results"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return "", fmt.Errorf("llmworker: parse amazon bedrock response: %w", err)
		}
		if len(resp.Results) == 0 {
			return "", nil
		}
		return resp.Results[0].OutputText, nil
	case "meta":
		var resp struct {
			Generation string `json:"generation"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return "", fmt.Errorf("llmworker: parse meta bedrock response: %w", err)
		}
		return resp.Generation, nil
	case "mistral":
		var resp struct {
			Outputs []struct {
				Text string `json:"text"`
			} `json:"outputs"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return "", fmt.Errorf("llmworker: parse mistral bedrock response: %w", err)
		}
		if len(resp.Outputs) == 0 {
			return "", nil
		}
		return resp.Outputs[0].Text, nil
	default:
		return "", fmt.Errorf("llmworker: unsupported bedrock model family for %q", model)
	}
}
