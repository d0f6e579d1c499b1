package streaming

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/loom/pkg/conversation"
	"github.com/go-go-golems/loom/pkg/engine"
	"github.com/go-go-golems/loom/pkg/history"
	"github.com/go-go-golems/loom/pkg/sessions"
)

const (
	ErrCodeChat       = "chat_error"
	ErrCodeEdit       = "edit_error"
	ErrCodeRegenerate = "regenerate_error"
)

// Orchestrator drives the three client-facing operations (chat, edit input,
// regenerate) end to end: it applies the structural state transitions, runs
// generation through an engine, and narrates progress as an ordered frame
// stream. Each operation runs in its own goroutine and produces frames into
// an unbounded per-request queue, so generation is never throttled by a slow
// consumer.
type Orchestrator struct {
	ops        *sessions.Operations
	store      *sessions.Store
	histories  *history.Manager
	summarizer *history.Summarizer
	engines    engine.Factory
	registry   CancellationRegistry

	// extra sinks receiving every frame of every operation, in addition to
	// the per-request queue
	sinks []Sink

	defaultSettings engine.Settings
}

type OrchestratorOption func(*Orchestrator)

func WithSinks(sinks ...Sink) OrchestratorOption {
	return func(o *Orchestrator) {
		o.sinks = append(o.sinks, sinks...)
	}
}

func WithDefaultSettings(settings engine.Settings) OrchestratorOption {
	return func(o *Orchestrator) {
		o.defaultSettings = settings
	}
}

func WithCancellationRegistry(registry CancellationRegistry) OrchestratorOption {
	return func(o *Orchestrator) {
		o.registry = registry
	}
}

func NewOrchestrator(
	ops *sessions.Operations,
	histories *history.Manager,
	summarizer *history.Summarizer,
	engines engine.Factory,
	options ...OrchestratorOption,
) *Orchestrator {
	ret := &Orchestrator{
		ops:        ops,
		store:      ops.Store(),
		histories:  histories,
		summarizer: summarizer,
		engines:    engines,
		registry:   NewMemoryCancellationRegistry(),
		defaultSettings: engine.Settings{
			Provider: engine.ProviderEcho,
			Stream:   true,
		},
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// Cancel stops the in-flight operation registered under requestID. The
// operation's stream still terminates with a single finished frame.
func (o *Orchestrator) Cancel(requestID string) bool {
	return o.registry.Cancel(requestID)
}

// OperationHandle exposes the frame stream of one running operation.
type OperationHandle struct {
	RequestID string
	queue     *FrameQueue
}

func (h *OperationHandle) Frames() <-chan Frame {
	return h.queue.Frames()
}

// Discard releases the stream without draining it. Callers that stop
// consuming Frames() before it closes must call this, or the queue's pump
// goroutine blocks forever on the undelivered remainder.
func (h *OperationHandle) Discard() {
	h.queue.Discard()
}

type ChatRequest struct {
	RequestID string
	SessionID string
	Text      string
	Settings  *engine.Settings
}

type EditInputRequest struct {
	RequestID    string
	SessionID    string
	TurnID       string
	Text         string
	ForkTimeline bool
	Settings     *engine.Settings
}

type RegenerateRequest struct {
	RequestID  string
	SessionID  string
	TurnID     string
	InputIndex *int
	Settings   *engine.Settings
}

// frameEmitter stamps per-request metadata onto frames: a sequence number
// starting at 0 with no gaps, and a finished marker set on exactly one
// frame, the last. It is used from a single goroutine.
type frameEmitter struct {
	sinks    []Sink
	base     FrameMetadata
	seq      int
	finished bool
}

func (e *frameEmitter) meta(finished bool) FrameMetadata {
	md := e.base
	md.Sequence = e.seq
	md.Finished = finished
	e.seq++
	if finished {
		e.finished = true
	}
	return md
}

func (e *frameEmitter) emit(frame Frame) {
	for _, sink := range e.sinks {
		if err := sink.PublishFrame(frame); err != nil {
			log.Warn().Err(err).Str("request_id", e.base.RequestID).Msg("failed to publish frame")
		}
	}
}

func (e *frameEmitter) fail(code string, err error) {
	if e.finished {
		return
	}
	e.emit(NewErrorFrame(e.meta(true), code, err.Error(), fmt.Sprintf("%T", errors.Cause(err))))
}

func (o *Orchestrator) start(ctx context.Context, requestID string, op Operation, run func(ctx context.Context, emitter *frameEmitter)) (*OperationHandle, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	opCtx, cancel := context.WithCancel(ctx)
	if !o.registry.TryRegister(requestID, cancel) {
		cancel()
		return nil, errors.Errorf("request %s is already running", requestID)
	}

	queue := NewFrameQueue()
	sinks := append([]Sink{NewChannelSink(queue)}, o.sinks...)
	sinks = append(sinks, GetFrameSinks(ctx)...)
	emitter := &frameEmitter{
		sinks: sinks,
		base: FrameMetadata{
			RequestID: requestID,
			Operation: op,
		},
	}

	go func() {
		defer func() {
			o.registry.Remove(requestID)
			cancel()
			queue.Close()
		}()
		run(opCtx, emitter)
	}()

	return &OperationHandle{RequestID: requestID, queue: queue}, nil
}

// Chat appends a new turn carrying the input text to the session's active
// timeline and generates an output for it.
func (o *Orchestrator) Chat(ctx context.Context, req *ChatRequest) (*OperationHandle, error) {
	settings := o.resolveSettings(req.Settings)
	return o.start(ctx, req.RequestID, OperationChat, func(ctx context.Context, emitter *frameEmitter) {
		input := conversation.NewTextMessage(conversation.RoleUser, req.Text)
		result, err := o.ops.AppendTurn(ctx, req.SessionID, input)
		if err != nil {
			emitter.base.SessionID = req.SessionID
			emitter.fail(ErrCodeChat, err)
			return
		}

		emitter.base.SessionID = req.SessionID
		emitter.base.TimelineID = result.TimelineID
		emitter.base.TurnID = result.TurnID
		emitter.base.ExecutionID = result.ExecutionID

		reservedID := uuid.NewString()
		emitter.emit(NewAckFrame(emitter.meta(false), settings.Provider, settings.Model, reservedID))
		emitter.emit(NewTurnCreatedFrame(emitter.meta(false), result.TimelineIndex))
		emitter.emit(NewInputCommittedFrame(emitter.meta(false), result.InputMessageID, 0))
		emitter.emit(NewExecutionBeganFrame(emitter.meta(false)))

		o.maybeSummarize(ctx, req.SessionID, result.TimelineID, result.TurnID, settings)

		o.generate(ctx, emitter, generation{
			code:        ErrCodeChat,
			sessionID:   req.SessionID,
			timelineID:  result.TimelineID,
			turnID:      result.TurnID,
			executionID: result.ExecutionID,
			inputID:     result.InputMessageID,
			reservedID:  reservedID,
			settings:    settings,
		})
	})
}

// EditInput replaces a turn's input, either in place as a new input version
// or by forking a new timeline at the edited turn, then generates a fresh
// output. On a fork, the base timeline is summarized first so its state is
// snapshotted before attention moves to the branch.
func (o *Orchestrator) EditInput(ctx context.Context, req *EditInputRequest) (*OperationHandle, error) {
	settings := o.resolveSettings(req.Settings)
	return o.start(ctx, req.RequestID, OperationEditInput, func(ctx context.Context, emitter *frameEmitter) {
		input := conversation.NewTextMessage(conversation.RoleUser, req.Text)
		result, err := o.ops.EditInput(ctx, req.SessionID, req.TurnID, input, req.ForkTimeline)
		if err != nil {
			emitter.base.SessionID = req.SessionID
			emitter.base.TurnID = req.TurnID
			emitter.fail(ErrCodeEdit, err)
			return
		}

		emitter.base.SessionID = req.SessionID
		emitter.base.TimelineID = result.TimelineID
		emitter.base.TurnID = result.TurnID
		emitter.base.ExecutionID = result.ExecutionID

		reservedID := uuid.NewString()
		emitter.emit(NewAckFrame(emitter.meta(false), settings.Provider, settings.Model, reservedID))
		if result.Forked {
			emitter.emit(NewTurnCreatedFrame(emitter.meta(false), result.TimelineIndex))
		}
		emitter.emit(NewInputCommittedFrame(emitter.meta(false), result.InputMessageID, result.InputIndex))
		if result.Forked {
			emitter.emit(NewTimelineForkedFrame(emitter.meta(false), result.BaseTimelineID, result.DivergenceTurnIndex))
			if _, err := o.summarizer.SummarizeOnFork(context.WithoutCancel(ctx), req.SessionID, result.BaseTimelineID, settings); err != nil {
				log.Warn().Err(err).
					Str("session_id", req.SessionID).
					Str("timeline_id", result.BaseTimelineID).
					Msg("failed to summarize base timeline on fork")
			}
		}
		emitter.emit(NewExecutionBeganFrame(emitter.meta(false)))

		o.maybeSummarize(ctx, req.SessionID, result.TimelineID, result.TurnID, settings)

		o.generate(ctx, emitter, generation{
			code:        ErrCodeEdit,
			sessionID:   req.SessionID,
			timelineID:  result.TimelineID,
			turnID:      result.TurnID,
			executionID: result.ExecutionID,
			inputID:     result.InputMessageID,
			reservedID:  reservedID,
			settings:    settings,
		})
	})
}

// Regenerate produces another output version for an existing turn under a
// fresh execution. The turn's position and input list are untouched.
func (o *Orchestrator) Regenerate(ctx context.Context, req *RegenerateRequest) (*OperationHandle, error) {
	settings := o.resolveSettings(req.Settings)
	return o.start(ctx, req.RequestID, OperationRegenerate, func(ctx context.Context, emitter *frameEmitter) {
		emitter.base.SessionID = req.SessionID
		emitter.base.TurnID = req.TurnID

		executionID, err := o.ops.BeginNewExecution(ctx, req.SessionID, req.TurnID, req.InputIndex)
		if err != nil {
			emitter.fail(ErrCodeRegenerate, err)
			return
		}
		turn, err := o.store.GetTurn(ctx, req.TurnID)
		if err != nil {
			emitter.fail(ErrCodeRegenerate, err)
			return
		}

		emitter.base.TimelineID = turn.TimelineID
		emitter.base.ExecutionID = executionID

		reservedID := uuid.NewString()
		emitter.emit(NewAckFrame(emitter.meta(false), settings.Provider, settings.Model, reservedID))
		emitter.emit(NewExecutionBeganFrame(emitter.meta(false)))

		o.maybeSummarize(ctx, req.SessionID, turn.TimelineID, turn.ID, settings)

		o.generate(ctx, emitter, generation{
			code:        ErrCodeRegenerate,
			sessionID:   req.SessionID,
			timelineID:  turn.TimelineID,
			turnID:      turn.ID,
			executionID: executionID,
			inputID:     turn.SelectedInputMessageID(),
			reservedID:  reservedID,
			settings:    settings,
		})
	})
}

type generation struct {
	code        string
	sessionID   string
	timelineID  string
	turnID      string
	executionID string
	inputID     string
	reservedID  string
	settings    engine.Settings
}

// generate runs the shared tail of every operation: request telemetry step,
// engine call with optional delta streaming, output commit under the
// reserved id, result telemetry step, stats refresh, completion frame.
func (o *Orchestrator) generate(ctx context.Context, emitter *frameEmitter, g generation) {
	eng, err := o.engines.Resolve(g.settings)
	if err != nil {
		emitter.fail(g.code, err)
		return
	}

	req, err := o.buildEngineRequest(ctx, g)
	if err != nil {
		emitter.fail(g.code, err)
		return
	}

	stepIDs := []string{}
	requestStep, err := o.ops.AddStep(ctx, g.sessionID, g.turnID, g.executionID, sessions.StepKindToolCall, map[string]interface{}{
		"provider": g.settings.Provider,
		"model":    g.settings.Model,
		"messages": len(req.Messages),
	})
	if err != nil {
		emitter.fail(g.code, err)
		return
	}
	stepIDs = append(stepIDs, requestStep.ID)
	emitter.emit(NewStepAppendedFrame(emitter.meta(false), requestStep))

	var completion *engine.Completion
	streamer, canStream := eng.(engine.StreamingEngine)
	if g.settings.Stream && canStream {
		chars := 0
		completion, err = streamer.StreamComplete(ctx, req, func(ctx context.Context, delta string) error {
			chars += len(delta)
			emitter.emit(NewOutputDeltaFrame(emitter.meta(false), delta, chars))
			return nil
		})
	} else {
		completion, err = eng.Complete(ctx, req)
	}
	if err != nil {
		emitter.fail(g.code, err)
		return
	}

	output := conversation.NewTextMessage(conversation.RoleAssistant, completion.Text, conversation.WithID(g.reservedID))
	messageID, outputIndex, err := o.ops.AttachOutputMessage(ctx, g.sessionID, g.turnID, output, g.reservedID)
	if err != nil {
		emitter.fail(g.code, err)
		return
	}
	emitter.emit(NewOutputCommittedFrame(emitter.meta(false), messageID, completion.Text, outputIndex))

	resultStep, err := o.ops.AddStep(ctx, g.sessionID, g.turnID, g.executionID, sessions.StepKindToolResult, map[string]interface{}{
		"chars":       len(completion.Text),
		"stop_reason": completion.StopReason,
	})
	if err != nil {
		emitter.fail(g.code, err)
		return
	}
	stepIDs = append(stepIDs, resultStep.ID)
	emitter.emit(NewStepAppendedFrame(emitter.meta(false), resultStep))

	o.refreshWindow(ctx, g.sessionID, g.timelineID)

	stats, err := o.ops.RecomputeStats(ctx, g.sessionID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", g.sessionID).Msg("failed to recompute session stats")
	}
	emitter.emit(NewCompletedFrame(emitter.meta(true), stats, stepIDs))
}

// buildEngineRequest assembles the model prompt: system instructions, the
// latest summary of compacted history, the selected messages of the window's
// turns up to (and excluding) the current turn, and the current input last.
func (o *Orchestrator) buildEngineRequest(ctx context.Context, g generation) (*engine.Request, error) {
	sess, err := o.store.GetSession(ctx, g.sessionID)
	if err != nil {
		return nil, err
	}

	msgs := []*conversation.Message{}
	if sess.Instructions != "" {
		msgs = append(msgs, conversation.NewTextMessage(conversation.RoleSystem, sess.Instructions))
	}

	h, err := o.histories.GetOrCreate(ctx, g.sessionID, g.timelineID)
	if err != nil {
		return nil, err
	}
	if h.LatestSummaryID != "" {
		summary, err := o.histories.GetSummary(ctx, h.LatestSummaryID)
		if err == nil && summary.Text != "" {
			msgs = append(msgs, conversation.NewTextMessage(conversation.RoleSystem,
				"Summary of the conversation so far:\n"+summary.Text))
		}
	}

	for _, turnID := range h.TurnIDs {
		if turnID == g.turnID {
			continue
		}
		turn, err := o.store.GetTurn(ctx, turnID)
		if err != nil {
			continue
		}
		if id := turn.SelectedInputMessageID(); id != "" {
			if msg, err := o.store.GetMessage(ctx, id); err == nil {
				msgs = append(msgs, msg)
			}
		}
		if id := turn.SelectedOutputMessageID(); id != "" {
			if msg, err := o.store.GetMessage(ctx, id); err == nil {
				msgs = append(msgs, msg)
			}
		}
	}

	input, err := o.store.GetMessage(ctx, g.inputID)
	if err != nil {
		return nil, errors.Wrap(err, "could not load input message")
	}
	msgs = append(msgs, input)

	return &engine.Request{
		Messages: msgs,
		Settings: g.settings,
	}, nil
}

// maybeSummarize runs window maintenance and, when the policy calls for it,
// a summarization pass. The turn the operation is generating for is excluded
// from the window. Both passes are best-effort and detached from the caller's
// cancellation so a cancelled generation does not abort compaction midway.
func (o *Orchestrator) maybeSummarize(ctx context.Context, sessionID string, timelineID string, inFlightTurnID string, settings engine.Settings) {
	ctx = context.WithoutCancel(ctx)
	tl, err := o.store.GetTimeline(ctx, timelineID)
	if err != nil {
		log.Warn().Err(err).Str("timeline_id", timelineID).Msg("failed to load timeline for summarization")
		return
	}
	if _, err := o.summarizer.MaybeSummarize(ctx, sessionID, tl, inFlightTurnID, settings, false); err != nil {
		log.Warn().Err(err).
			Str("session_id", sessionID).
			Str("timeline_id", timelineID).
			Msg("failed to summarize history window")
	}
}

func (o *Orchestrator) refreshWindow(ctx context.Context, sessionID string, timelineID string) {
	tl, err := o.store.GetTimeline(ctx, timelineID)
	if err != nil {
		log.Warn().Err(err).Str("timeline_id", timelineID).Msg("failed to load timeline for window refresh")
		return
	}
	h, err := o.histories.GetOrCreate(ctx, sessionID, timelineID)
	if err != nil {
		log.Warn().Err(err).Str("timeline_id", timelineID).Msg("failed to load history for window refresh")
		return
	}
	if err := o.histories.RefreshWindow(ctx, h, tl); err != nil {
		log.Warn().Err(err).Str("timeline_id", timelineID).Msg("failed to refresh history window")
	}
}

func (o *Orchestrator) resolveSettings(override *engine.Settings) engine.Settings {
	if override != nil {
		return override.Clone()
	}
	return o.defaultSettings.Clone()
}
