package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// streamEvent is one line of the CLI's stream-json output. Only the
// fields the core cares about are decoded; everything else is opaque.
type streamEvent struct {
	Type    string `json:"type"`
	Result  string `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content"`
	} `json:"message,omitempty"`
}

// CLIInvoker runs the agent CLI as a subprocess in the sandbox
// directory, with stream-json output for incremental parsing.
type CLIInvoker struct {
	// Binary is the CLI executable, e.g. "claude".
	Binary string
	// Debug receives one line per stream chunk when set; useful for
	// labeled worker output in the debug log.
	Debug func(format string, args ...interface{})
}

// NewCLIInvoker creates a CLI-backed invoker.
func NewCLIInvoker(binary string) *CLIInvoker {
	if binary == "" {
		binary = "claude"
	}
	return &CLIInvoker{Binary: binary}
}

// CheckBinary verifies the CLI is available in PATH.
func (c *CLIInvoker) CheckBinary() error {
	if _, err := exec.LookPath(c.Binary); err != nil {
		return fmt.Errorf("%s CLI not found in PATH: %w", c.Binary, err)
	}
	return nil
}

// Invoke launches the CLI with the prompt, working in workDir, and
// collects the final result text. A timeout or cancellation kills the
// subprocess and reports Success=false; it never leaves the caller
// hanging on a misbehaving backend.
func (c *CLIInvoker) Invoke(ctx context.Context, role Role, prompt, workDir string, timeout time.Duration) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	args := []string{
		"--output-format", "stream-json",
		"--print",
		"--verbose",
		"-p", prompt,
	}
	cmd := exec.CommandContext(ctx, c.Binary, args...)
	if workDir != "" {
		cmd.Dir = workDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe %s stdout: %w", c.Binary, err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.Binary, err)
	}

	var finalText strings.Builder
	var resultText string
	sawError := false

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		ev := streamEvent{}
		if err := json.Unmarshal(line, &ev); err != nil {
			continue // non-JSON noise on stdout is ignored
		}
		switch ev.Type {
		case "assistant":
			for _, block := range ev.Message.Content {
				if block.Type == "text" && block.Text != "" {
					finalText.WriteString(block.Text)
					c.debug("[%s] %s", role, truncate(block.Text, 160))
				}
			}
		case "result":
			resultText = ev.Result
			sawError = ev.IsError
		}
	}

	waitErr := cmd.Wait()
	duration := time.Since(start)

	output := resultText
	if output == "" {
		output = finalText.String()
	}

	if ctx.Err() != nil {
		return &Result{
			Output:   fmt.Sprintf("%s invocation timed out after %s", role, timeout),
			Success:  false,
			Duration: duration,
		}, nil
	}
	if waitErr != nil || sawError {
		if output == "" {
			output = strings.TrimSpace(stderr.String())
		}
		return &Result{Output: output, Success: false, Duration: duration}, nil
	}
	return &Result{Output: output, Success: true, Duration: duration}, nil
}

func (c *CLIInvoker) debug(format string, args ...interface{}) {
	if c.Debug != nil {
		c.Debug(format, args...)
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

// Verify CLIInvoker implements Invoker at compile time.
var _ Invoker = (*CLIInvoker)(nil)
