package policy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/visor-agent/visor/internal/domain/tool"
)

func TestNewStore_MissingFileUsesDefaults(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "allowed_tools.json"), zap.NewNop())
	if !reflect.DeepEqual(s.Snapshot().Allowed(), tool.DefaultPolicy().Allowed()) {
		t.Errorf("snapshot = %v, want defaults", s.Snapshot().Allowed())
	}
}

func TestNewStore_LoadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowed_tools.json")
	if err := os.WriteFile(path, []byte(`["click", "write"]`), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewStore(path, zap.NewNop())
	if got := s.Snapshot().Allowed(); !reflect.DeepEqual(got, []string{"click", "write"}) {
		t.Errorf("snapshot = %v", got)
	}
}

func TestReplace_FiltersAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowed_tools.json")
	s := NewStore(path, zap.NewNop())

	p, err := s.Replace([]string{"click", "teleport", "drag"})
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if got := p.Allowed(); !reflect.DeepEqual(got, []string{"click", "drag"}) {
		t.Errorf("policy = %v", got)
	}

	var persisted []string
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read persisted file: %v", err)
	}
	if err := json.Unmarshal(raw, &persisted); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(persisted, []string{"click", "drag"}) {
		t.Errorf("persisted = %v", persisted)
	}
}

func TestReplace_RejectsAllUnknown(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "allowed_tools.json"), zap.NewNop())
	before := s.Snapshot().Allowed()

	if _, err := s.Replace([]string{"teleport", "levitate"}); err == nil {
		t.Fatal("all-unknown replacement should fail")
	}
	if got := s.Snapshot().Allowed(); !reflect.DeepEqual(got, before) {
		t.Errorf("policy changed on rejected replace: %v", got)
	}
}

func TestWatcher_ReloadsOnFileChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowed_tools.json")
	if err := os.WriteFile(path, []byte(`["click"]`), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewStore(path, zap.NewNop())
	w, err := NewWatcher(s)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	go w.Start()
	defer w.Stop()

	// Give the watcher time to register before mutating the file.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`["click", "write", "remember"]`), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	want := []string{"click", "write", "remember"}
	for time.Now().Before(deadline) {
		if reflect.DeepEqual(s.Snapshot().Allowed(), want) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Errorf("allowlist never reloaded; snapshot = %v", s.Snapshot().Allowed())
}

func TestWatcher_BadFileKeepsPreviousPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowed_tools.json")
	if err := os.WriteFile(path, []byte(`["click", "drag"]`), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewStore(path, zap.NewNop())
	w, err := NewWatcher(s)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	go w.Start()
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{not json`), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(500 * time.Millisecond)

	if got := s.Snapshot().Allowed(); !reflect.DeepEqual(got, []string{"click", "drag"}) {
		t.Errorf("policy changed after bad reload: %v", got)
	}
}
