package service

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EngineState represents the discrete states of the turn loop.
type EngineState string

const (
	StateIdle        EngineState = "idle"         // Between turns, may be paused
	StateExecuting   EngineState = "executing"    // Executor child running the story
	StatePublishing  EngineState = "publishing"   // Render job handed to the gate
	StateAnnotating  EngineState = "annotating"   // Waiting for the browser's annotated image
	StateCallingVLM  EngineState = "calling_vlm"  // VLM child producing the next plan
	StatePersisting  EngineState = "persisting"   // Turn being written to the run dir
	StateBroadcast   EngineState = "broadcasting" // Turn fanned out to subscribers
	StateErrorPaused EngineState = "error_paused" // Turn failed, engine holds until unpause
	StateTerminated  EngineState = "terminated"   // Shut down
)

// validTransitions defines the allowed state transitions.
// Key = from state, Value = set of allowed target states.
var validTransitions = map[EngineState]map[EngineState]bool{
	StateIdle: {
		StateExecuting:  true,
		StateTerminated: true,
	},
	StateExecuting: {
		StatePublishing:  true,
		StateErrorPaused: true,
		StateTerminated:  true,
	},
	StatePublishing: {
		StateAnnotating:  true,
		StateErrorPaused: true,
		StateTerminated:  true,
	},
	StateAnnotating: {
		StateCallingVLM:  true,
		StateErrorPaused: true,
		StateTerminated:  true,
	},
	StateCallingVLM: {
		StatePersisting:  true,
		StateErrorPaused: true,
		StateTerminated:  true,
	},
	StatePersisting: {
		StateBroadcast:   true,
		StateErrorPaused: true,
		StateTerminated:  true,
	},
	StateBroadcast: {
		StateIdle:       true,
		StateTerminated: true,
	},
	StateErrorPaused: {
		// Error turns are persisted and broadcast before the hold, so
		// recovery goes straight back to idle.
		StateIdle:       true,
		StateTerminated: true,
	},
	// Terminal state, no transitions out
	StateTerminated: {},
}

// StateSnapshot captures the engine's runtime counters at a point in time.
type StateSnapshot struct {
	State      EngineState   `json:"state"`
	Seq        int64         `json:"seq"`
	Turns      int64         `json:"turns"`
	ErrorTurns int64         `json:"error_turns"`
	LastError  string        `json:"last_error,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

// StateMachine tracks the turn loop's state. Thread-safe; the loop writes,
// handlers read.
type StateMachine struct {
	mu         sync.RWMutex
	state      EngineState
	seq        int64
	turns      int64
	errorTurns int64
	lastError  string
	startTime  time.Time
	logger     *zap.Logger

	// Listeners notified on each state transition
	listeners []func(from, to EngineState, snap StateSnapshot)
}

// NewStateMachine creates a state machine starting in Idle.
func NewStateMachine(logger *zap.Logger) *StateMachine {
	return &StateMachine{
		state:     StateIdle,
		startTime: time.Now(),
		logger:    logger,
	}
}

// State returns the current state (thread-safe).
func (sm *StateMachine) State() EngineState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// Snapshot returns a copy of the current runtime state.
func (sm *StateMachine) Snapshot() StateSnapshot {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.snapshotLocked()
}

func (sm *StateMachine) snapshotLocked() StateSnapshot {
	return StateSnapshot{
		State:      sm.state,
		Seq:        sm.seq,
		Turns:      sm.turns,
		ErrorTurns: sm.errorTurns,
		LastError:  sm.lastError,
		Elapsed:    time.Since(sm.startTime),
	}
}

// Transition attempts to move to a new state.
// Returns error if the transition is not allowed.
func (sm *StateMachine) Transition(to EngineState) error {
	sm.mu.Lock()
	from := sm.state

	allowed, ok := validTransitions[from]
	if !ok || !allowed[to] {
		sm.mu.Unlock()
		err := fmt.Errorf("invalid state transition: %s -> %s", from, to)
		sm.logger.Error("State machine violation", zap.Error(err))
		return err
	}

	sm.state = to
	snap := sm.snapshotLocked()
	listeners := make([]func(from, to EngineState, snap StateSnapshot), len(sm.listeners))
	copy(listeners, sm.listeners)
	sm.mu.Unlock()

	sm.logger.Debug("State transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int64("seq", snap.Seq),
	)

	// Notify listeners outside lock
	for _, fn := range listeners {
		fn(from, to, snap)
	}
	return nil
}

// OnTransition registers a listener called on every state change.
func (sm *StateMachine) OnTransition(fn func(from, to EngineState, snap StateSnapshot)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, fn)
}

// SetSeq records the sequence number of the turn in progress.
func (sm *StateMachine) SetSeq(seq int64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.seq = seq
}

// RecordTurn counts a completed turn.
func (sm *StateMachine) RecordTurn() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.turns++
}

// RecordError counts a failed turn and remembers its error kind.
func (sm *StateMachine) RecordError(kind string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.errorTurns++
	sm.lastError = kind
}

// IsTerminal returns true once the engine has shut down.
func (sm *StateMachine) IsTerminal() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state == StateTerminated
}
