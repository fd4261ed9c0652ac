package entity

import "time"

// ToolCall is a single parsed action invocation: a tool name plus ordered
// positional arguments. Args hold the textual/numeric values exactly as
// parsed; Span locates the call in the text it was extracted from.
type ToolCall struct {
	Name string `json:"name"`
	Args []any  `json:"args"`
	Span *Span  `json:"span,omitempty"`
}

// MalformedCall is a story line the executor could not parse or refused
// to run, paired with the reason it was rejected.
type MalformedCall struct {
	Text   string `json:"text"`
	Reason string `json:"reason"`
}

// Span is a half-open byte offset range [Start, End) in the originating text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Usage carries token accounting reported by the VLM subprocess.
type Usage struct {
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	Model            string `json:"model,omitempty"`
}

// Latency breaks a turn's wall-clock time into its phases (milliseconds).
type Latency struct {
	Exec     int64 `json:"exec"`
	Annotate int64 `json:"annotate"`
	VLM      int64 `json:"vlm"`
	Total    int64 `json:"total"`
}

// Turn is one full iteration of execute → annotate → plan. It is built up
// by the engine loop during a step, frozen when the step ends, and never
// mutated after persistence.
//
// The annotated image itself is not part of the persisted record; it is
// written to disk as turn_<seq>.png and referenced by AnnotatedImageRef.
type Turn struct {
	Seq          int64      `json:"seq"`
	TSStart      time.Time  `json:"ts_start"`
	TSEnd        time.Time  `json:"ts_end"`
	StoryIn      string     `json:"story_in"`
	Executed     []ToolCall `json:"executed"`
	ToolCallsOut []ToolCall `json:"tool_calls_out"`
	VLMText      string     `json:"vlm_text"`
	Usage        Usage      `json:"usage"`
	LatencyMS    Latency    `json:"latency_ms"`
	Errors       []string   `json:"errors,omitempty"`
	Warnings     []string   `json:"warnings,omitempty"`

	// AnnotatedImageRef is the run-dir-relative filename of the annotated
	// PNG, e.g. "turn_0001.png". Empty on error turns that never received
	// an annotation.
	AnnotatedImageRef string `json:"annotated_image_ref,omitempty"`

	// AnnotatedB64 is the in-flight annotated image. Transient: consumed
	// by the store when writing the PNG, never serialized.
	AnnotatedB64 string `json:"-"`
}

// IsError reports whether the turn was persisted as an error record
// (no VLM planning happened, or the reply was unusable).
func (t *Turn) IsError() bool {
	return len(t.Errors) > 0
}

// RenderJob is the packet handed to the browser for annotation: the raw
// capture from the executor plus the actions that were just performed,
// keyed by the turn sequence number.
type RenderJob struct {
	Seq      int64          `json:"seq"`
	ImageB64 string         `json:"image_b64"`
	Actions  []RenderAction `json:"actions"`
}

// RenderAction is one executed action as the canvas overlay needs it:
// name, positional args, and derived screen coordinates when the action
// carries any.
type RenderAction struct {
	Name   string `json:"name"`
	Args   []any  `json:"args"`
	Coords []int  `json:"coords,omitempty"`
}

// AnnotatedImage is the browser's reply to a render job. Consumed exactly
// once by the engine's gate await.
type AnnotatedImage struct {
	Seq      int64  `json:"seq"`
	ImageB64 string `json:"image_b64"`
}
