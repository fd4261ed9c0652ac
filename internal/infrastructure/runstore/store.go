// Package runstore persists run artifacts: the append-only turn log, the
// latest-state snapshot, and the annotated PNG per turn. It also keeps a
// bounded in-memory ring of recent turns for SSE replay.
package runstore

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/visor-agent/visor/internal/domain/entity"
)

// DefaultRingSize bounds the replay window.
const DefaultRingSize = 256

// State is the latest-state snapshot written to state.json after every
// append. Written via temp-file + rename so readers never see a torn file.
type State struct {
	LastSeq   int64  `json:"last_seq"`
	Paused    bool   `json:"paused"`
	LastError string `json:"last_error,omitempty"`
}

// Indexer receives every persisted turn. Satisfied by the sqlite turn
// index; a nil indexer disables indexing.
type Indexer interface {
	IndexTurn(t *entity.Turn) error
}

// TurnStore is single-writer: only the engine loop appends. Reads
// (replay, LastSeq) are safe from any goroutine.
type TurnStore struct {
	dir     string
	logger  *zap.Logger
	indexer Indexer

	mu      sync.RWMutex
	logFile *os.File
	ring    []*entity.Turn
	ringCap int
	lastSeq int64
}

// Open creates a TurnStore over an existing run directory, opening
// turns.jsonl for append and recovering last_seq from any prior contents.
func Open(dir string, indexer Indexer, logger *zap.Logger) (*TurnStore, error) {
	f, err := os.OpenFile(filepath.Join(dir, "turns.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open turn log: %w", err)
	}

	s := &TurnStore{
		dir:     dir,
		logger:  logger.With(zap.String("component", "turnstore")),
		indexer: indexer,
		logFile: f,
		ringCap: DefaultRingSize,
	}

	if err := s.recover(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// recover replays an existing turns.jsonl into the ring so a restarted
// process resumes seq allocation and replay where it left off.
func (s *TurnStore) recover() error {
	f, err := os.Open(filepath.Join(s.dir, "turns.jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var t entity.Turn
		if err := json.Unmarshal(sc.Bytes(), &t); err != nil {
			s.logger.Warn("Skipping unparsable turn log line", zap.Error(err))
			continue
		}
		s.push(&t)
		if t.Seq > s.lastSeq {
			s.lastSeq = t.Seq
		}
	}
	return sc.Err()
}

// Dir returns the run directory this store writes into.
func (s *TurnStore) Dir() string { return s.dir }

// LastSeq returns the highest persisted turn sequence number.
func (s *TurnStore) LastSeq() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeq
}

// Append persists a finished turn: PNG first (so the jsonl reference is
// never dangling), then the fsynced jsonl line, then state.json. A turn
// with a seq at or below the last persisted one is rejected outright.
func (s *TurnStore) Append(t *entity.Turn, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Seq <= s.lastSeq {
		return fmt.Errorf("turn seq %d not greater than last persisted %d", t.Seq, s.lastSeq)
	}

	if t.AnnotatedB64 != "" {
		ref := fmt.Sprintf("turn_%04d.png", t.Seq)
		raw, err := base64.StdEncoding.DecodeString(t.AnnotatedB64)
		if err != nil {
			return fmt.Errorf("decode annotated image for turn %d: %w", t.Seq, err)
		}
		if err := os.WriteFile(filepath.Join(s.dir, ref), raw, 0o644); err != nil {
			return fmt.Errorf("write annotated image: %w", err)
		}
		t.AnnotatedImageRef = ref
	}

	line, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal turn %d: %w", t.Seq, err)
	}
	if _, err := s.logFile.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append turn %d: %w", t.Seq, err)
	}
	if err := s.logFile.Sync(); err != nil {
		return fmt.Errorf("fsync turn log: %w", err)
	}

	s.lastSeq = t.Seq
	s.push(t)

	lastErr := ""
	if len(t.Errors) > 0 {
		lastErr = t.Errors[len(t.Errors)-1]
	}
	if err := s.writeState(State{LastSeq: t.Seq, Paused: paused, LastError: lastErr}); err != nil {
		// The turn itself is durable; a stale snapshot is recoverable.
		s.logger.Warn("Failed to update state snapshot", zap.Error(err))
	}

	if s.indexer != nil {
		if err := s.indexer.IndexTurn(t); err != nil {
			s.logger.Warn("Turn index insert failed",
				zap.Int64("seq", t.Seq),
				zap.Error(err),
			)
		}
	}
	return nil
}

// WriteState updates state.json without appending a turn (pause flips).
func (s *TurnStore) WriteState(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeState(st)
}

func (s *TurnStore) writeState(st State) error {
	raw, err := json.MarshalIndent(&st, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, "state.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Replay returns up to n most recent turns in seq order.
func (s *TurnStore) Replay(n int) []*entity.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || len(s.ring) == 0 {
		return nil
	}
	if n > len(s.ring) {
		n = len(s.ring)
	}
	out := make([]*entity.Turn, n)
	copy(out, s.ring[len(s.ring)-n:])
	return out
}

// push appends to the ring, evicting the oldest entry when full.
// Caller holds mu.
func (s *TurnStore) push(t *entity.Turn) {
	if len(s.ring) >= s.ringCap {
		copy(s.ring, s.ring[1:])
		s.ring[len(s.ring)-1] = t
		return
	}
	s.ring = append(s.ring, t)
}

// Close closes the underlying turn log.
func (s *TurnStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logFile.Close()
}
