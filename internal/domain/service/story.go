package service

import (
	"strconv"
	"strings"

	"github.com/visor-agent/visor/internal/domain/entity"
	"github.com/visor-agent/visor/internal/domain/tool"
)

// storyPreamble opens every composed story; the model reads it together
// with the annotated screenshot.
const storyPreamble = "I see the screen with previous actions marked.\n\n"

// Plan is the tool-call plan extracted from one VLM completion.
type Plan struct {
	Calls []entity.ToolCall // parsed calls that passed the allowlist
	Lines []string          // the surviving call lines, verbatim
	// Filtered holds lines that looked like calls but named a tool
	// outside the current allowlist.
	Filtered []string
}

// ExtractPlan scans the VLM text line by line for tool calls. A line
// counts as a call when it starts with an allowed tool name followed by
// an opening parenthesis; everything else is narration and ignored.
func ExtractPlan(vlmText string, p tool.Policy) Plan {
	var plan Plan
	offset := 0
	for _, line := range strings.Split(vlmText, "\n") {
		lineStart := offset
		offset += len(line) + 1

		t := strings.TrimSpace(line)
		call, ok := ParseCall(t)
		if !ok {
			continue
		}
		if !p.IsAllowed(call.Name) {
			plan.Filtered = append(plan.Filtered, t)
			continue
		}

		start := lineStart + strings.Index(line, t)
		call.Span = &entity.Span{Start: start, End: start + len(t)}
		plan.Calls = append(plan.Calls, call)
		plan.Lines = append(plan.Lines, t)
	}
	return plan
}

// ParseCall parses a single "name(arg, arg, ...)" line. Numeric arguments
// become float64, quoted arguments become strings, anything else is kept
// as the raw token.
func ParseCall(s string) (entity.ToolCall, bool) {
	open := strings.Index(s, "(")
	if open <= 0 || !strings.HasSuffix(s, ")") {
		return entity.ToolCall{}, false
	}
	name := strings.TrimSpace(s[:open])
	if !tool.Known(name) {
		return entity.ToolCall{}, false
	}

	call := entity.ToolCall{Name: name}
	argStr := strings.TrimSpace(s[open+1 : len(s)-1])
	if argStr == "" {
		return call, true
	}
	for _, part := range splitArgs(argStr) {
		p := strings.TrimSpace(part)
		if len(p) >= 2 && (p[0] == '"' && p[len(p)-1] == '"' || p[0] == '\'' && p[len(p)-1] == '\'') {
			call.Args = append(call.Args, p[1:len(p)-1])
			continue
		}
		if n, err := strconv.ParseFloat(p, 64); err == nil {
			call.Args = append(call.Args, n)
			continue
		}
		call.Args = append(call.Args, p)
	}
	return call, true
}

// splitArgs splits on commas that are not inside quotes.
func splitArgs(s string) []string {
	var out []string
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == ',':
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

// PadLines tops up a too-short plan with the configured default actions,
// cycling through them until min lines exist. Returns the padded lines
// and whether padding was applied.
func PadLines(lines []string, min int, defaults []string) ([]string, bool) {
	if len(lines) >= min || min <= 0 || len(defaults) == 0 {
		return lines, false
	}
	out := append([]string(nil), lines...)
	for i := 0; len(out) < min; i++ {
		out = append(out, defaults[i%len(defaults)])
	}
	return out, true
}

// ComposeStory builds the next turn's story text from the plan lines.
func ComposeStory(lines []string) string {
	return storyPreamble + strings.Join(lines, "\n") + "\n"
}

// RenderActions projects executed calls into the overlay shapes the panel
// draws: pointer ops carry their pixel coordinates, everything else is
// label-only.
func RenderActions(executed []entity.ToolCall) []entity.RenderAction {
	out := make([]entity.RenderAction, 0, len(executed))
	for _, c := range executed {
		ra := entity.RenderAction{Name: c.Name, Args: c.Args}
		switch c.Name {
		case tool.Click, tool.RightClick, tool.DoubleClick:
			ra.Coords = intArgs(c.Args, 2)
		case tool.Drag:
			ra.Coords = intArgs(c.Args, 4)
		}
		out = append(out, ra)
	}
	return out
}

// intArgs extracts up to n leading numeric args as ints, or nil when the
// call does not carry enough of them.
func intArgs(args []any, n int) []int {
	if len(args) < n {
		return nil
	}
	out := make([]int, 0, n)
	for _, a := range args[:n] {
		switch v := a.(type) {
		case float64:
			out = append(out, int(v))
		case int:
			out = append(out, v)
		default:
			return nil
		}
	}
	return out
}
