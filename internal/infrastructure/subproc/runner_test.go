package subproc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

// stubScript writes an executable shell script and returns its path.
func stubScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stub.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return path
}

func TestRunJSON_EchoesRequestThroughChild(t *testing.T) {
	// The child wraps whatever arrives on stdin into a JSON field.
	script := stubScript(t, `input=$(cat)
printf '{"got": %s}' "$input"`)

	r := NewRunner(zap.NewNop(), "test")
	var resp struct {
		Got map[string]any `json:"got"`
	}
	err := r.RunJSON(context.Background(), []string{script},
		map[string]string{"story_text": "hi"}, &resp, 5*time.Second)
	if err != nil {
		t.Fatalf("RunJSON: %v", err)
	}
	if resp.Got["story_text"] != "hi" {
		t.Errorf("child did not receive request: %+v", resp)
	}
}

func TestRunJSON_Timeout(t *testing.T) {
	script := stubScript(t, `sleep 10`)

	r := NewRunner(zap.NewNop(), "test")
	var resp map[string]any
	start := time.Now()
	err := r.RunJSON(context.Background(), []string{script}, map[string]string{}, &resp, 200*time.Millisecond)

	var perr *ProcError
	if !errors.As(err, &perr) || perr.Kind != ErrKindTimeout {
		t.Fatalf("err = %v, want ProcError timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v, child was not killed promptly", elapsed)
	}
}

func TestRunJSON_NonZeroExitWithStderr(t *testing.T) {
	script := stubScript(t, `echo "capture device unavailable" >&2
exit 3`)

	r := NewRunner(zap.NewNop(), "test")
	var resp map[string]any
	err := r.RunJSON(context.Background(), []string{script}, map[string]string{}, &resp, 5*time.Second)

	var perr *ProcError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ProcError", err)
	}
	if perr.Kind != ErrKindCrash || perr.ExitCode != 3 {
		t.Errorf("got kind=%s exit=%d, want crash/3", perr.Kind, perr.ExitCode)
	}
	if !strings.Contains(perr.StderrTail, "capture device unavailable") {
		t.Errorf("stderr tail %q missing diagnostic", perr.StderrTail)
	}
}

func TestRunJSON_MalformedStdout(t *testing.T) {
	script := stubScript(t, `echo "not json at all"`)

	r := NewRunner(zap.NewNop(), "test")
	var resp map[string]any
	err := r.RunJSON(context.Background(), []string{script}, map[string]string{}, &resp, 5*time.Second)

	var perr *ProcError
	if !errors.As(err, &perr) || perr.Kind != ErrKindMalformed {
		t.Fatalf("err = %v, want ProcError malformed", err)
	}
}

func TestRunJSON_ContextCancellation(t *testing.T) {
	script := stubScript(t, `sleep 10`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	r := NewRunner(zap.NewNop(), "test")
	var resp map[string]any
	err := r.RunJSON(ctx, []string{script}, map[string]string{}, &resp, 30*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRunJSON_TrailingWhitespaceTolerated(t *testing.T) {
	script := stubScript(t, `printf '{"ok": true}\n\n'`)

	r := NewRunner(zap.NewNop(), "test")
	var resp struct {
		OK bool `json:"ok"`
	}
	if err := r.RunJSON(context.Background(), []string{script}, map[string]string{}, &resp, 5*time.Second); err != nil {
		t.Fatalf("RunJSON: %v", err)
	}
	if !resp.OK {
		t.Error("response not decoded")
	}
}
