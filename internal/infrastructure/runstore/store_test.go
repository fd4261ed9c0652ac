package runstore

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/visor-agent/visor/internal/domain/entity"
)

// onePixelPNG is a valid 1x1 transparent PNG.
const onePixelPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="

func newStore(t *testing.T) *TurnStore {
	t.Helper()
	s, err := Open(t.TempDir(), nil, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTurn(seq int64) *entity.Turn {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	return &entity.Turn{
		Seq:     seq,
		TSStart: now,
		TSEnd:   now.Add(2 * time.Second),
		StoryIn: "hi",
		Executed: []entity.ToolCall{
			{Name: "click", Args: []any{float64(100), float64(200)}},
		},
		VLMText:      "click(10, 20)\nclick(30, 40)",
		ToolCallsOut: []entity.ToolCall{{Name: "click", Args: []any{float64(10), float64(20)}}},
		Usage:        entity.Usage{PromptTokens: 10, CompletionTokens: 5, Model: "test-vlm"},
		LatencyMS:    entity.Latency{Exec: 10, Annotate: 20, VLM: 30, Total: 60},
		AnnotatedB64: onePixelPNG,
	}
}

func TestAppend_WritesAllArtifacts(t *testing.T) {
	s := newStore(t)

	if err := s.Append(makeTurn(1), false); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// turns.jsonl has exactly one line containing the turn
	data, err := os.ReadFile(filepath.Join(s.Dir(), "turns.jsonl"))
	if err != nil {
		t.Fatalf("read turn log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(lines))
	}
	var got entity.Turn
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if got.Seq != 1 || got.VLMText == "" {
		t.Errorf("persisted turn wrong: %+v", got)
	}
	if got.AnnotatedImageRef != "turn_0001.png" {
		t.Errorf("AnnotatedImageRef = %q, want turn_0001.png", got.AnnotatedImageRef)
	}

	// PNG was decoded and written
	png, err := os.ReadFile(filepath.Join(s.Dir(), "turn_0001.png"))
	if err != nil {
		t.Fatalf("read png: %v", err)
	}
	want, _ := base64.StdEncoding.DecodeString(onePixelPNG)
	if !reflect.DeepEqual(png, want) {
		t.Error("png bytes do not round-trip")
	}

	// state.json reflects the append
	var st State
	raw, err := os.ReadFile(filepath.Join(s.Dir(), "state.json"))
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if st.LastSeq != 1 || st.Paused {
		t.Errorf("state = %+v, want last_seq=1 paused=false", st)
	}
}

func TestAppend_RejectsNonMonotonicSeq(t *testing.T) {
	s := newStore(t)
	if err := s.Append(makeTurn(1), false); err != nil {
		t.Fatalf("Append(1): %v", err)
	}
	if err := s.Append(makeTurn(1), false); err == nil {
		t.Error("duplicate seq should be rejected")
	}
	if s.LastSeq() != 1 {
		t.Errorf("LastSeq = %d after rejected append, want 1", s.LastSeq())
	}
}

func TestAppend_ErrorTurnWithoutImage(t *testing.T) {
	s := newStore(t)
	turn := makeTurn(1)
	turn.AnnotatedB64 = ""
	turn.VLMText = ""
	turn.Errors = []string{entity.ErrAnnotationTimeout}

	if err := s.Append(turn, true); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if turn.AnnotatedImageRef != "" {
		t.Error("error turn should have no image ref")
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "turn_0001.png")); !os.IsNotExist(err) {
		t.Error("no png should exist for an error turn")
	}

	var st State
	raw, _ := os.ReadFile(filepath.Join(s.Dir(), "state.json"))
	if err := json.Unmarshal(raw, &st); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if !st.Paused || st.LastError != entity.ErrAnnotationTimeout {
		t.Errorf("state = %+v, want paused with annotation_timeout", st)
	}
}

func TestReplay_ReturnsRecentInOrder(t *testing.T) {
	s := newStore(t)
	for seq := int64(1); seq <= 5; seq++ {
		if err := s.Append(makeTurn(seq), false); err != nil {
			t.Fatalf("Append(%d): %v", seq, err)
		}
	}

	got := s.Replay(3)
	if len(got) != 3 {
		t.Fatalf("Replay(3) returned %d turns", len(got))
	}
	for i, want := range []int64{3, 4, 5} {
		if got[i].Seq != want {
			t.Errorf("Replay[%d].Seq = %d, want %d", i, got[i].Seq, want)
		}
	}

	if got := s.Replay(100); len(got) != 5 {
		t.Errorf("Replay beyond history returned %d, want 5", len(got))
	}
	if got := s.Replay(0); got != nil {
		t.Errorf("Replay(0) = %v, want nil", got)
	}
}

func TestOpen_RecoversExistingLog(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for seq := int64(1); seq <= 3; seq++ {
		if err := s.Append(makeTurn(seq), false); err != nil {
			t.Fatalf("Append(%d): %v", seq, err)
		}
	}
	s.Close()

	reopened, err := Open(dir, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if reopened.LastSeq() != 3 {
		t.Errorf("recovered LastSeq = %d, want 3", reopened.LastSeq())
	}
	if got := reopened.Replay(10); len(got) != 3 {
		t.Errorf("recovered replay returned %d turns, want 3", len(got))
	}
	// Appending continues the sequence
	if err := reopened.Append(makeTurn(4), false); err != nil {
		t.Fatalf("append after recovery: %v", err)
	}
}

func TestRoundTrip_LogLineEqualsReserialization(t *testing.T) {
	s := newStore(t)
	turn := makeTurn(1)
	turn.Warnings = []string{entity.WarnToolUnderflow}
	if err := s.Append(turn, false); err != nil {
		t.Fatalf("Append: %v", err)
	}

	f, err := os.Open(filepath.Join(s.Dir(), "turns.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		t.Fatal("empty log")
	}
	var decoded entity.Turn
	if err := json.Unmarshal(sc.Bytes(), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	re, err := json.Marshal(&decoded)
	if err != nil {
		t.Fatalf("remarshal: %v", err)
	}
	if string(re) != sc.Text() {
		t.Errorf("round-trip mismatch:\n log: %s\n re:  %s", sc.Text(), re)
	}
}

type countingIndexer struct{ turns []int64 }

func (c *countingIndexer) IndexTurn(t *entity.Turn) error {
	c.turns = append(c.turns, t.Seq)
	return nil
}

func TestAppend_FeedsIndexer(t *testing.T) {
	idx := &countingIndexer{}
	s, err := Open(t.TempDir(), idx, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	s.Append(makeTurn(1), false)
	s.Append(makeTurn(2), false)
	if !reflect.DeepEqual(idx.turns, []int64{1, 2}) {
		t.Errorf("indexer saw %v, want [1 2]", idx.turns)
	}
}

func TestBootstrap_SeedsRunDir(t *testing.T) {
	base := t.TempDir()
	dir, err := Bootstrap(base, Manifest{
		Model: "test-vlm",
		Tools: []string{"click", "write"},
	})
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(dir), "run_") {
		t.Errorf("run dir name %q lacks run_ prefix", filepath.Base(dir))
	}

	var tools []string
	raw, err := os.ReadFile(filepath.Join(dir, "allowed_tools.json"))
	if err != nil {
		t.Fatalf("read seeded allowlist: %v", err)
	}
	if err := json.Unmarshal(raw, &tools); err != nil {
		t.Fatalf("unmarshal allowlist: %v", err)
	}
	if !reflect.DeepEqual(tools, []string{"click", "write"}) {
		t.Errorf("seeded tools = %v", tools)
	}

	if _, err := os.Stat(filepath.Join(dir, "run.yaml")); err != nil {
		t.Errorf("run.yaml missing: %v", err)
	}

	// Second bootstrap in the same second must not collide
	dir2, err := Bootstrap(base, Manifest{Tools: []string{"click"}})
	if err != nil {
		t.Fatalf("second Bootstrap: %v", err)
	}
	if dir2 == dir {
		t.Error("bootstrap reused an existing run dir")
	}
}
