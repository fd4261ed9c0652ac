package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/visor-agent/visor/internal/domain/entity"
)

func openIndex(t *testing.T) *TurnIndex {
	t.Helper()
	ix, err := OpenTurnIndex(filepath.Join(t.TempDir(), "turns.db"))
	if err != nil {
		t.Fatalf("OpenTurnIndex: %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix
}

func indexedTurn(seq int64) *entity.Turn {
	now := time.Now().UTC()
	return &entity.Turn{
		Seq:               seq,
		TSStart:           now,
		TSEnd:             now.Add(time.Second),
		VLMText:           "click(1, 2)\nclick(3, 4)",
		Usage:             entity.Usage{PromptTokens: 100, CompletionTokens: 20, Model: "test-vlm"},
		LatencyMS:         entity.Latency{Total: 1234},
		Executed:          []entity.ToolCall{{Name: "click"}},
		ToolCallsOut:      []entity.ToolCall{{Name: "click"}, {Name: "click"}},
		AnnotatedImageRef: "turn_0001.png",
	}
}

func TestIndexTurn_AndRecent(t *testing.T) {
	ix := openIndex(t)

	for seq := int64(1); seq <= 4; seq++ {
		if err := ix.IndexTurn(indexedTurn(seq)); err != nil {
			t.Fatalf("IndexTurn(%d): %v", seq, err)
		}
	}

	recs, err := ix.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("Recent(2) returned %d records", len(recs))
	}
	if recs[0].Seq != 3 || recs[1].Seq != 4 {
		t.Errorf("Recent order: got seqs %d,%d want 3,4", recs[0].Seq, recs[1].Seq)
	}
	if recs[1].Model != "test-vlm" || recs[1].PlannedCount != 2 {
		t.Errorf("record fields wrong: %+v", recs[1])
	}

	n, err := ix.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 4 {
		t.Errorf("Count = %d, want 4", n)
	}
}

func TestIndexTurn_RecordsErrorKind(t *testing.T) {
	ix := openIndex(t)

	turn := indexedTurn(1)
	turn.Errors = []string{entity.ErrVLMEmpty}
	turn.AnnotatedImageRef = ""
	if err := ix.IndexTurn(turn); err != nil {
		t.Fatalf("IndexTurn: %v", err)
	}

	recs, err := ix.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if recs[0].ErrorKind != entity.ErrVLMEmpty {
		t.Errorf("ErrorKind = %q, want %q", recs[0].ErrorKind, entity.ErrVLMEmpty)
	}
}

func TestIndexTurn_DuplicateSeqFails(t *testing.T) {
	ix := openIndex(t)
	if err := ix.IndexTurn(indexedTurn(1)); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := ix.IndexTurn(indexedTurn(1)); err == nil {
		t.Error("duplicate primary key insert should fail")
	}
}
