package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/visor-agent/visor/internal/domain/entity"
	"github.com/visor-agent/visor/internal/domain/tool"
	"github.com/visor-agent/visor/internal/infrastructure/gate"
)

// ExecOutcome is what one executor invocation produced.
type ExecOutcome struct {
	Executed    []entity.ToolCall
	Malformed   []entity.MalformedCall
	RawImageB64 string
}

// Completion is one VLM reply.
type Completion struct {
	Text      string
	Usage     entity.Usage
	LatencyMS int64
}

// Executor runs the current story's actions against the live screen.
// Implementations return *entity.TurnError so failures map onto the turn
// error taxonomy.
type Executor interface {
	Execute(ctx context.Context, storyText string, allowedTools []string, debug bool) (ExecOutcome, error)
}

// Planner asks the VLM for the next plan given the annotated screen.
type Planner interface {
	Complete(ctx context.Context, storyText, imageB64 string) (Completion, error)
}

// AnnotationGate is the rendezvous with the browser annotator.
type AnnotationGate interface {
	Publish(job *entity.RenderJob)
	Await(ctx context.Context, seq int64, timeout time.Duration) (string, error)
	Reset()
}

// TurnSink persists finished turns.
type TurnSink interface {
	Append(t *entity.Turn, paused bool) error
	LastSeq() int64
}

// PolicyProvider supplies the allowlist snapshot for each turn.
type PolicyProvider interface {
	Snapshot() tool.Policy
}

// EventSink receives finished turns and engine status changes for fan-out.
type EventSink interface {
	TurnFinished(t *entity.Turn)
	StatusChanged(snap StateSnapshot, paused bool)
}

// EngineConfig tunes one engine loop.
type EngineConfig struct {
	ExecTimeout     time.Duration
	AnnotateTimeout time.Duration
	VLMTimeout      time.Duration
	TurnDelay       time.Duration
	InitialStory    string
	DefaultActions  []string
	MinToolCalls    int
	StartPaused     bool
	Debug           bool
}

// EngineLoop drives the closed loop: execute the story, hand the capture
// to the browser for annotation, show the annotated frame to the VLM,
// parse the reply into the next story, persist, broadcast, repeat.
//
// The loop is strictly serial. Every turn either completes in full or is
// persisted as an error turn that pauses the engine; the VLM never sees a
// frame that did not pass through the annotator.
type EngineLoop struct {
	cfg      EngineConfig
	executor Executor
	planner  Planner
	gate     AnnotationGate
	sink     TurnSink
	policies PolicyProvider
	events   EventSink
	sm       *StateMachine
	logger   *zap.Logger

	mu     sync.Mutex
	paused bool
	resume chan struct{} // closed while unpaused
	story  string

	done chan struct{}
}

// NewEngineLoop wires an engine. It starts paused or running according to
// cfg.StartPaused; Run must still be called to animate it.
func NewEngineLoop(
	cfg EngineConfig,
	executor Executor,
	planner Planner,
	g AnnotationGate,
	sink TurnSink,
	policies PolicyProvider,
	events EventSink,
	logger *zap.Logger,
) *EngineLoop {
	if cfg.InitialStory == "" {
		cfg.InitialStory = "hi"
	}
	e := &EngineLoop{
		cfg:      cfg,
		executor: executor,
		planner:  planner,
		gate:     g,
		sink:     sink,
		policies: policies,
		events:   events,
		sm:       NewStateMachine(logger),
		logger:   logger.With(zap.String("component", "engine")),
		paused:   cfg.StartPaused,
		resume:   make(chan struct{}),
		story:    cfg.InitialStory,
		done:     make(chan struct{}),
	}
	if !e.paused {
		close(e.resume)
	}
	return e
}

// Machine exposes the state machine for observers.
func (e *EngineLoop) Machine() *StateMachine { return e.sm }

// Paused reports whether the engine is holding at a turn boundary.
func (e *EngineLoop) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Story returns the story text the next turn will execute.
func (e *EngineLoop) Story() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.story
}

// Pause requests a hold. The turn in flight finishes first; the loop
// stops at the next boundary.
func (e *EngineLoop) Pause() {
	e.mu.Lock()
	if !e.paused {
		e.paused = true
		e.resume = make(chan struct{})
	}
	e.mu.Unlock()
	e.logger.Info("Engine paused")
	e.events.StatusChanged(e.sm.Snapshot(), true)
}

// Unpause releases a hold.
func (e *EngineLoop) Unpause() {
	e.mu.Lock()
	if e.paused {
		e.paused = false
		close(e.resume)
	}
	e.mu.Unlock()
	e.logger.Info("Engine resumed")
	e.events.StatusChanged(e.sm.Snapshot(), false)
}

// Done is closed when Run has fully exited.
func (e *EngineLoop) Done() <-chan struct{} { return e.done }

// Run drives turns until ctx is cancelled. Blocks.
func (e *EngineLoop) Run(ctx context.Context) {
	defer close(e.done)
	defer e.shutdown()

	e.logger.Info("Engine started",
		zap.Bool("paused", e.Paused()),
		zap.Int64("last_seq", e.sink.LastSeq()),
	)

	for {
		if err := e.waitResume(ctx); err != nil {
			return
		}
		if e.sm.State() == StateErrorPaused {
			if err := e.sm.Transition(StateIdle); err != nil {
				return
			}
		}

		if err := e.step(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			// Turn-level failures were already persisted; keep looping.
		}

		select {
		case <-time.After(e.cfg.TurnDelay):
		case <-ctx.Done():
			return
		}
	}
}

// step runs exactly one turn.
func (e *EngineLoop) step(ctx context.Context) error {
	seq := e.sink.LastSeq() + 1
	e.sm.SetSeq(seq)

	turn := &entity.Turn{
		Seq:     seq,
		TSStart: time.Now().UTC(),
		StoryIn: e.Story(),
	}
	pol := e.policies.Snapshot()

	e.logger.Info("Turn started", zap.Int64("seq", seq))

	// Execute
	if err := e.sm.Transition(StateExecuting); err != nil {
		return err
	}
	t0 := time.Now()
	out, err := e.executor.Execute(ctx, turn.StoryIn, pol.Allowed(), e.cfg.Debug)
	turn.LatencyMS.Exec = time.Since(t0).Milliseconds()
	if err != nil {
		return e.failTurn(turn, entity.ErrorKind(err, entity.ErrExecutorCrash), err)
	}
	turn.Executed = out.Executed

	// A story that executed nothing well-formed cannot produce a meaningful
	// frame; record the turn as an error and hold for the operator.
	if len(out.Executed) == 0 {
		return e.failTurn(turn, entity.ErrExecutorMalformedOutput,
			fmt.Errorf("executor ran no well-formed calls (%d rejected)", len(out.Malformed)))
	}

	// Publish to the annotator
	if err := e.sm.Transition(StatePublishing); err != nil {
		return err
	}
	e.gate.Publish(&entity.RenderJob{
		Seq:      seq,
		ImageB64: out.RawImageB64,
		Actions:  RenderActions(out.Executed),
	})

	// Await annotation. The raw capture is never shown to the model; a
	// missing annotation fails the turn.
	if err := e.sm.Transition(StateAnnotating); err != nil {
		return err
	}
	t0 = time.Now()
	annotated, err := e.gate.Await(ctx, seq, e.cfg.AnnotateTimeout)
	turn.LatencyMS.Annotate = time.Since(t0).Milliseconds()
	if err != nil {
		if errors.Is(err, gate.ErrTimeout) {
			return e.failTurn(turn, entity.ErrAnnotationTimeout, err)
		}
		return err
	}
	turn.AnnotatedB64 = annotated

	// Plan. One retry on an empty reply before giving up.
	if err := e.sm.Transition(StateCallingVLM); err != nil {
		return err
	}
	t0 = time.Now()
	var comp Completion
	for attempt := 1; attempt <= 2; attempt++ {
		comp, err = e.planner.Complete(ctx, turn.StoryIn, annotated)
		if err != nil {
			turn.LatencyMS.VLM = time.Since(t0).Milliseconds()
			return e.failTurn(turn, entity.ErrorKind(err, entity.ErrVLMCrash), err)
		}
		if comp.Text != "" {
			break
		}
		e.logger.Warn("VLM returned empty text", zap.Int("attempt", attempt))
	}
	turn.LatencyMS.VLM = time.Since(t0).Milliseconds()
	turn.VLMText = comp.Text
	turn.Usage = comp.Usage
	if comp.Text == "" {
		return e.failTurn(turn, entity.ErrVLMEmpty, nil)
	}

	// Parse the reply into the next story.
	plan := ExtractPlan(comp.Text, pol)
	turn.ToolCallsOut = plan.Calls
	lines, padded := PadLines(plan.Lines, e.cfg.MinToolCalls, e.cfg.DefaultActions)
	if padded {
		turn.Warnings = append(turn.Warnings, entity.WarnToolUnderflow)
	}
	nextStory := ComposeStory(lines)

	// Persist, then broadcast.
	if err := e.sm.Transition(StatePersisting); err != nil {
		return err
	}
	turn.TSEnd = time.Now().UTC()
	turn.LatencyMS.Total = turn.TSEnd.Sub(turn.TSStart).Milliseconds()
	if err := e.sink.Append(turn, e.Paused()); err != nil {
		e.logger.Error("Turn persistence failed", zap.Int64("seq", seq), zap.Error(err))
		return e.haltTurn(turn, entity.ErrPersistFailure, err)
	}

	e.mu.Lock()
	e.story = nextStory
	e.mu.Unlock()

	if err := e.sm.Transition(StateBroadcast); err != nil {
		return err
	}
	e.sm.RecordTurn()
	e.events.TurnFinished(turn)
	if err := e.sm.Transition(StateIdle); err != nil {
		return err
	}

	e.logger.Info("Turn finished",
		zap.Int64("seq", seq),
		zap.Int("executed", len(turn.Executed)),
		zap.Int("planned", len(turn.ToolCallsOut)),
		zap.Int64("total_ms", turn.LatencyMS.Total),
	)
	return nil
}

// failTurn finalizes the turn as an error record, persists it, pauses the
// engine, and broadcasts the failure.
func (e *EngineLoop) failTurn(turn *entity.Turn, kind string, cause error) error {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return cause
	}

	turn.Errors = append(turn.Errors, kind)
	turn.AnnotatedB64 = "" // never persist an image for a failed turn
	turn.TSEnd = time.Now().UTC()
	turn.LatencyMS.Total = turn.TSEnd.Sub(turn.TSStart).Milliseconds()

	e.logger.Error("Turn failed",
		zap.Int64("seq", turn.Seq),
		zap.String("kind", kind),
		zap.Error(cause),
	)

	e.sm.RecordError(kind)
	if err := e.sm.Transition(StateErrorPaused); err != nil {
		return err
	}

	e.mu.Lock()
	if !e.paused {
		e.paused = true
		e.resume = make(chan struct{})
	}
	e.mu.Unlock()

	if err := e.sink.Append(turn, true); err != nil {
		e.logger.Error("Failed to persist error turn", zap.Int64("seq", turn.Seq), zap.Error(err))
	}
	e.events.TurnFinished(turn)
	e.events.StatusChanged(e.sm.Snapshot(), true)
	return nil
}

// haltTurn handles a persistence failure on an otherwise good turn: the
// record cannot be made durable, so the engine pauses without appending.
func (e *EngineLoop) haltTurn(turn *entity.Turn, kind string, cause error) error {
	turn.Errors = append(turn.Errors, kind)
	e.sm.RecordError(kind)
	if err := e.sm.Transition(StateErrorPaused); err != nil {
		return err
	}

	e.mu.Lock()
	if !e.paused {
		e.paused = true
		e.resume = make(chan struct{})
	}
	e.mu.Unlock()

	e.events.TurnFinished(turn)
	e.events.StatusChanged(e.sm.Snapshot(), true)
	return cause
}

// waitResume blocks while paused.
func (e *EngineLoop) waitResume(ctx context.Context) error {
	for {
		e.mu.Lock()
		resume := e.resume
		paused := e.paused
		e.mu.Unlock()
		if !paused {
			return nil
		}
		select {
		case <-resume:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// shutdown moves the machine to its terminal state and clears the gate so
// a late browser POST cannot land on a dead turn.
func (e *EngineLoop) shutdown() {
	e.gate.Reset()
	_ = e.sm.Transition(StateTerminated)
	e.logger.Info("Engine stopped")
}
