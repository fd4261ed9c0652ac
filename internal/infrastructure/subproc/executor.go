package subproc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/visor-agent/visor/internal/domain/entity"
)

// executorRequest is the JSON object written to the executor's stdin.
type executorRequest struct {
	StoryText    string   `json:"story_text"`
	AllowedTools []string `json:"allowed_tools"`
	Debug        bool     `json:"debug,omitempty"`
	ConfigPath   string   `json:"config_path,omitempty"`
}

// executorResponse is the JSON object read from the executor's stdout.
type executorResponse struct {
	Executed    []executedCall  `json:"executed"`
	Malformed   []malformedCall `json:"malformed,omitempty"`
	RawImageB64 string          `json:"raw_image_b64"`
	Error       string          `json:"error,omitempty"`
}

type executedCall struct {
	Name string `json:"name"`
	Args []any  `json:"args"`
}

type malformedCall struct {
	Text   string `json:"text"`
	Reason string `json:"reason"`
}

// ExecResult is what one executor invocation produced: the calls that
// actually ran, lines it could not parse, and the post-action screenshot.
type ExecResult struct {
	Executed    []entity.ToolCall
	Malformed   []entity.MalformedCall
	RawImageB64 string
}

// ExecutorAdapter drives the executor child process. At most one executor
// runs at a time; concurrent callers serialize on the adapter.
type ExecutorAdapter struct {
	runner     *Runner
	command    []string
	configPath string
	timeout    time.Duration

	mu sync.Mutex
}

// NewExecutorAdapter builds an adapter around the given argv.
func NewExecutorAdapter(command []string, configPath string, timeout time.Duration, logger *zap.Logger) *ExecutorAdapter {
	return &ExecutorAdapter{
		runner:     NewRunner(logger, "executor"),
		command:    command,
		configPath: configPath,
		timeout:    timeout,
	}
}

// Execute runs the story's tool calls against the live screen and returns
// the executed calls plus the raw screenshot taken afterwards.
func (a *ExecutorAdapter) Execute(ctx context.Context, storyText string, allowedTools []string, debug bool) (*ExecResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	req := executorRequest{
		StoryText:    storyText,
		AllowedTools: allowedTools,
		Debug:        debug,
		ConfigPath:   a.configPath,
	}
	var resp executorResponse
	if err := a.runner.RunJSON(ctx, a.command, req, &resp, a.timeout); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, &ProcError{Kind: ErrKindCrash, Command: a.command[0], Err: fmt.Errorf("%s", resp.Error)}
	}
	if resp.RawImageB64 == "" {
		return nil, &ProcError{Kind: ErrKindMalformed, Command: a.command[0], Err: fmt.Errorf("missing raw_image_b64")}
	}

	out := &ExecResult{RawImageB64: resp.RawImageB64}
	for _, c := range resp.Executed {
		out.Executed = append(out.Executed, entity.ToolCall{Name: c.Name, Args: c.Args})
	}
	for _, m := range resp.Malformed {
		out.Malformed = append(out.Malformed, entity.MalformedCall{Text: m.Text, Reason: m.Reason})
	}
	return out, nil
}
