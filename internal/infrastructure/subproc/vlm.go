package subproc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/visor-agent/visor/internal/domain/entity"
)

// vlmRequest is the JSON object written to the VLM client's stdin.
type vlmRequest struct {
	StoryText    string `json:"story_text"`
	ImageB64     string `json:"image_b64"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// vlmResponse is the JSON object read from the VLM client's stdout.
type vlmResponse struct {
	VLMText string `json:"vlm_text"`
	Usage   struct {
		PromptTokens     int    `json:"prompt_tokens"`
		CompletionTokens int    `json:"completion_tokens"`
		Model            string `json:"model"`
	} `json:"usage"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// VLMResult is one model completion over the annotated screenshot.
type VLMResult struct {
	Text      string
	Usage     entity.Usage
	LatencyMS int64
}

// VLMAdapter drives the VLM client child process. At most one completion
// is in flight at a time.
type VLMAdapter struct {
	runner  *Runner
	command []string
	model   string
	timeout time.Duration

	mu sync.Mutex
}

// NewVLMAdapter builds an adapter around the given argv. model may be
// empty, in which case the child uses its own default.
func NewVLMAdapter(command []string, model string, timeout time.Duration, logger *zap.Logger) *VLMAdapter {
	return &VLMAdapter{
		runner:  NewRunner(logger, "vlm"),
		command: command,
		model:   model,
		timeout: timeout,
	}
}

// Complete sends the story and annotated image to the model and returns
// its raw text. An empty vlm_text is not an error here; the caller owns
// the retry policy.
func (a *VLMAdapter) Complete(ctx context.Context, storyText, imageB64, systemPrompt string) (*VLMResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	req := vlmRequest{
		StoryText:    storyText,
		ImageB64:     imageB64,
		Model:        a.model,
		SystemPrompt: systemPrompt,
	}
	var resp vlmResponse
	if err := a.runner.RunJSON(ctx, a.command, req, &resp, a.timeout); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, &ProcError{Kind: ErrKindCrash, Command: a.command[0], Err: fmt.Errorf("%s", resp.Error)}
	}

	return &VLMResult{
		Text: resp.VLMText,
		Usage: entity.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			Model:            resp.Usage.Model,
		},
		LatencyMS: resp.LatencyMS,
	}, nil
}
