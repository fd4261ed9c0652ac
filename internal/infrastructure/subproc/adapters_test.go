package subproc

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestExecutorAdapter_ParsesResponse(t *testing.T) {
	script := stubScript(t, `cat > /dev/null
printf '{"executed": [{"name": "click", "args": [100, 200]}], "malformed": [{"text": "wiggle(1)", "reason": "unknown tool"}], "raw_image_b64": "aGVsbG8="}'`)

	a := NewExecutorAdapter([]string{script}, "", 5*time.Second, zap.NewNop())
	res, err := a.Execute(context.Background(), "hi", []string{"click"}, false)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Executed) != 1 || res.Executed[0].Name != "click" {
		t.Errorf("executed = %+v", res.Executed)
	}
	if len(res.Malformed) != 1 || res.Malformed[0].Text != "wiggle(1)" || res.Malformed[0].Reason != "unknown tool" {
		t.Errorf("malformed = %v", res.Malformed)
	}
	if res.RawImageB64 != "aGVsbG8=" {
		t.Errorf("raw image = %q", res.RawImageB64)
	}
}

func TestExecutorAdapter_ErrorField(t *testing.T) {
	script := stubScript(t, `cat > /dev/null
printf '{"executed": [], "raw_image_b64": "", "error": "display not found"}'`)

	a := NewExecutorAdapter([]string{script}, "", 5*time.Second, zap.NewNop())
	_, err := a.Execute(context.Background(), "hi", nil, false)

	var perr *ProcError
	if !errors.As(err, &perr) || perr.Kind != ErrKindCrash {
		t.Fatalf("err = %v, want crash ProcError", err)
	}
}

func TestExecutorAdapter_MissingImageIsMalformed(t *testing.T) {
	script := stubScript(t, `cat > /dev/null
printf '{"executed": []}'`)

	a := NewExecutorAdapter([]string{script}, "", 5*time.Second, zap.NewNop())
	_, err := a.Execute(context.Background(), "hi", nil, false)

	var perr *ProcError
	if !errors.As(err, &perr) || perr.Kind != ErrKindMalformed {
		t.Fatalf("err = %v, want malformed ProcError", err)
	}
}

func TestVLMAdapter_ParsesResponse(t *testing.T) {
	script := stubScript(t, `cat > /dev/null
printf '{"vlm_text": "click(10, 20)\\nclick(30, 40)", "usage": {"prompt_tokens": 500, "completion_tokens": 12, "model": "test-vlm"}, "latency_ms": 850}'`)

	a := NewVLMAdapter([]string{script}, "test-vlm", 5*time.Second, zap.NewNop())
	res, err := a.Complete(context.Background(), "story", "aGVsbG8=", "prompt")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Text == "" || res.Usage.Model != "test-vlm" || res.LatencyMS != 850 {
		t.Errorf("result = %+v", res)
	}
}

func TestVLMAdapter_EmptyTextIsNotAnError(t *testing.T) {
	script := stubScript(t, `cat > /dev/null
printf '{"vlm_text": "", "usage": {"model": "test-vlm"}, "latency_ms": 10}'`)

	a := NewVLMAdapter([]string{script}, "", 5*time.Second, zap.NewNop())
	res, err := a.Complete(context.Background(), "story", "img", "")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Text != "" {
		t.Errorf("text = %q, want empty", res.Text)
	}
}

func TestVLMAdapter_CrashSurfacesStderr(t *testing.T) {
	script := stubScript(t, `echo "api key rejected" >&2
exit 1`)

	a := NewVLMAdapter([]string{script}, "", 5*time.Second, zap.NewNop())
	_, err := a.Complete(context.Background(), "story", "img", "")

	var perr *ProcError
	if !errors.As(err, &perr) || perr.Kind != ErrKindCrash {
		t.Fatalf("err = %v, want crash ProcError", err)
	}
	if perr.StderrTail == "" {
		t.Error("stderr tail was not captured")
	}
}
