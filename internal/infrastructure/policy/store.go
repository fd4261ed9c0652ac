// Package policy owns the runtime tool allowlist: in-memory snapshot,
// persistence to allowed_tools.json in the run directory, and hot-reload
// when the file is edited out-of-band.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/visor-agent/visor/internal/domain/tool"
)

// Store holds the current allowlist. Updates go through Replace (API) or
// the file watcher; reads come from any goroutine.
type Store struct {
	path   string
	logger *zap.Logger

	mu     sync.RWMutex
	policy tool.Policy
}

// NewStore loads the allowlist from path, falling back to the default
// policy when the file is absent or unreadable.
func NewStore(path string, logger *zap.Logger) *Store {
	s := &Store{
		path:   path,
		logger: logger.With(zap.String("component", "policy")),
		policy: tool.DefaultPolicy(),
	}
	if err := s.loadFile(); err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Initial allowlist load failed, using defaults",
				zap.String("path", path),
				zap.Error(err),
			)
		}
	}
	return s
}

// Snapshot returns the current policy.
func (s *Store) Snapshot() tool.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// Replace installs a new allowlist and persists it. Unknown tool names
// are filtered; an empty result after filtering is rejected.
func (s *Store) Replace(names []string) (tool.Policy, error) {
	p := tool.NewPolicy(names)
	if p.Len() == 0 {
		return tool.Policy{}, fmt.Errorf("allowlist empty after filtering unknown tools from %v", names)
	}

	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()

	if err := s.persist(p); err != nil {
		s.logger.Warn("Failed to persist allowlist", zap.Error(err))
	}
	s.logger.Info("Allowlist replaced", zap.Strings("tools", p.Allowed()))
	return p, nil
}

// persist writes the allowlist via temp-file + rename so a concurrent
// reader never sees a torn file.
func (s *Store) persist(p tool.Policy) error {
	raw, err := json.MarshalIndent(p.Allowed(), "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// loadFile reads the allowlist from disk into memory.
func (s *Store) loadFile() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(s.path), err)
	}
	p := tool.NewPolicy(names)
	if p.Len() == 0 {
		return fmt.Errorf("allowlist in %s empty after filtering", filepath.Base(s.path))
	}

	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
	return nil
}
