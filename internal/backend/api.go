package backend

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// APIConfig contains configuration for the API-backed invoker.
type APIConfig struct {
	// Model is the model name. Defaults to a current Sonnet model.
	Model string
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY.
	APIKey string
	// UseBedrock routes calls through AWS Bedrock instead of the
	// direct API.
	UseBedrock bool
	// AWSRegion is the Bedrock region, e.g. "us-west-2".
	AWSRegion string
	// AWSProfile is the optional AWS profile name.
	AWSProfile string
}

// APIInvoker calls the Anthropic API directly. Unlike the CLI backend
// it cannot touch the sandbox filesystem, so prompts must carry the
// relevant context and outputs are text/diffs for the caller to apply.
type APIInvoker struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAPIInvoker creates an API-backed invoker.
func NewAPIInvoker(cfg APIConfig) (*APIInvoker, error) {
	var opts []option.RequestOption

	if cfg.UseBedrock {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(context.Background(), loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}

	return &APIInvoker{
		client: anthropic.NewClient(opts...),
		model:  model,
	}, nil
}

// Invoke sends one message to the API and returns the concatenated text
// blocks. The working directory is reported in the prompt preamble so
// the model knows which tree its diff targets.
func (a *APIInvoker) Invoke(ctx context.Context, role Role, prompt, workDir string, timeout time.Duration) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	full := prompt
	if workDir != "" {
		full = fmt.Sprintf("Worktree: %s\n\n%s", workDir, prompt)
	}

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 8192,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(full)),
		},
	})
	duration := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return &Result{
				Output:   fmt.Sprintf("%s invocation timed out after %s", role, timeout),
				Success:  false,
				Duration: duration,
			}, nil
		}
		return &Result{Output: err.Error(), Success: false, Duration: duration}, nil
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return &Result{Output: sb.String(), Success: true, Duration: duration}, nil
}

// Verify APIInvoker implements Invoker at compile time.
var _ Invoker = (*APIInvoker)(nil)
