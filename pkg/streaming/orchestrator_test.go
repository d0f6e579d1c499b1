package streaming

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/loom/pkg/engine"
	"github.com/go-go-golems/loom/pkg/history"
	"github.com/go-go-golems/loom/pkg/repository"
	"github.com/go-go-golems/loom/pkg/sessions"
)

func newTestOrchestrator(t *testing.T, options ...OrchestratorOption) (*Orchestrator, *sessions.Session) {
	t.Helper()
	store := sessions.NewStore(sessions.NewMemoryRepositories())
	sess, err := store.CreateSession(context.Background(), "user-1", "")
	require.NoError(t, err)

	ops := sessions.NewOperations(store)
	manager := history.NewManager(store,
		repository.NewMemoryRepository[*history.History](),
		repository.NewMemoryRepository[*history.Summary]())
	summarizer := history.NewSummarizer(manager, engine.NewStandardFactory())

	options = append([]OrchestratorOption{
		WithDefaultSettings(engine.Settings{Provider: engine.ProviderEcho, Stream: false}),
	}, options...)
	return NewOrchestrator(ops, manager, summarizer, engine.NewStandardFactory(), options...), sess
}

func collectFrames(t *testing.T, handle *OperationHandle) []Frame {
	t.Helper()
	frames := []Frame{}
	for frame := range handle.Frames() {
		frames = append(frames, frame)
	}
	return frames
}

func frameTypes(frames []Frame) []FrameType {
	types := make([]FrameType, 0, len(frames))
	for _, f := range frames {
		types = append(types, f.Type())
	}
	return types
}

func requireWellFormedStream(t *testing.T, frames []Frame, requestID string, op Operation) {
	t.Helper()
	require.NotEmpty(t, frames)
	finished := 0
	for i, frame := range frames {
		md := frame.Metadata()
		require.Equal(t, requestID, md.RequestID)
		require.Equal(t, op, md.Operation)
		require.Equal(t, i, md.Sequence)
		if md.Finished {
			finished++
		}
	}
	require.Equal(t, 1, finished)
	require.True(t, frames[len(frames)-1].Metadata().Finished)
}

func TestChatFrameOrder(t *testing.T) {
	orchestrator, sess := newTestOrchestrator(t)

	handle, err := orchestrator.Chat(context.Background(), &ChatRequest{
		RequestID: "req-1",
		SessionID: sess.ID,
		Text:      "hello there",
	})
	require.NoError(t, err)

	frames := collectFrames(t, handle)
	require.Equal(t, []FrameType{
		FrameTypeAck,
		FrameTypeTurnCreated,
		FrameTypeInputCommitted,
		FrameTypeExecutionBegan,
		FrameTypeStepAppended,
		FrameTypeOutputCommitted,
		FrameTypeStepAppended,
		FrameTypeCompleted,
	}, frameTypes(frames))
	requireWellFormedStream(t, frames, "req-1", OperationChat)

	ack := frames[0].(*FrameAck)
	committed := frames[5].(*FrameOutputCommitted)
	require.Equal(t, ack.OutputMessageID, committed.MessageID)
	require.Equal(t, "hello there", committed.Text)
	require.Equal(t, 0, committed.OutputIndex)

	turnCreated := frames[1].(*FrameTurnCreated)
	require.Equal(t, 0, turnCreated.TimelineIndex)

	requestStep := frames[4].(*FrameStepAppended)
	resultStep := frames[6].(*FrameStepAppended)
	require.Equal(t, sessions.StepKindToolCall, requestStep.Kind)
	require.Equal(t, sessions.StepKindToolResult, resultStep.Kind)
	require.Equal(t, 0, requestStep.Index)
	require.Equal(t, 1, resultStep.Index)
	require.Equal(t, requestStep.StepID, resultStep.PreviousStepID)

	completed := frames[7].(*FrameCompleted)
	require.Equal(t, []string{requestStep.StepID, resultStep.StepID}, completed.StepIDs)
	require.Equal(t, 1, completed.Stats.TotalTurns)
	require.Equal(t, 2, completed.Stats.TotalMessages)

	// the metadata carries the structural ids from TurnCreated onward
	md := frames[1].Metadata()
	require.Equal(t, sess.ID, md.SessionID)
	require.NotEmpty(t, md.TimelineID)
	require.NotEmpty(t, md.TurnID)
	require.NotEmpty(t, md.ExecutionID)
}

func TestChatStreamingDeltas(t *testing.T) {
	orchestrator, sess := newTestOrchestrator(t,
		WithDefaultSettings(engine.Settings{Provider: engine.ProviderEcho, Stream: true}))

	handle, err := orchestrator.Chat(context.Background(), &ChatRequest{
		SessionID: sess.ID,
		Text:      "abc",
	})
	require.NoError(t, err)

	frames := collectFrames(t, handle)
	var sb strings.Builder
	var committed *FrameOutputCommitted
	lastChars := 0
	for _, frame := range frames {
		switch f := frame.(type) {
		case *FrameOutputDelta:
			sb.WriteString(f.Delta)
			require.Greater(t, f.Chars, lastChars)
			lastChars = f.Chars
		case *FrameOutputCommitted:
			committed = f
		}
	}
	require.NotNil(t, committed)
	require.Equal(t, "abc", sb.String())
	require.Equal(t, "abc", committed.Text)
	require.Equal(t, 3, lastChars)
}

func TestChatStructuralError(t *testing.T) {
	orchestrator, _ := newTestOrchestrator(t)

	handle, err := orchestrator.Chat(context.Background(), &ChatRequest{
		RequestID: "req-err",
		SessionID: "missing-session",
		Text:      "hello",
	})
	require.NoError(t, err)

	frames := collectFrames(t, handle)
	require.Len(t, frames, 1)
	errFrame := frames[0].(*FrameError)
	require.Equal(t, ErrCodeChat, errFrame.Code)
	require.Contains(t, errFrame.Message, "missing-session")
	require.NotEmpty(t, errFrame.ErrorKind)
	requireWellFormedStream(t, frames, "req-err", OperationChat)
}

func TestChatGenerationError(t *testing.T) {
	orchestrator, sess := newTestOrchestrator(t,
		WithDefaultSettings(engine.Settings{Provider: "nonexistent"}))

	handle, err := orchestrator.Chat(context.Background(), &ChatRequest{
		SessionID: sess.ID,
		Text:      "hello",
	})
	require.NoError(t, err)

	frames := collectFrames(t, handle)
	types := frameTypes(frames)
	require.Equal(t, []FrameType{
		FrameTypeAck,
		FrameTypeTurnCreated,
		FrameTypeInputCommitted,
		FrameTypeExecutionBegan,
		FrameTypeError,
	}, types)
	errFrame := frames[len(frames)-1].(*FrameError)
	require.Equal(t, ErrCodeChat, errFrame.Code)
	require.Contains(t, errFrame.Message, "unsupported provider")
}

func TestEditInputInPlaceFrames(t *testing.T) {
	orchestrator, sess := newTestOrchestrator(t)
	ctx := context.Background()

	chatHandle, err := orchestrator.Chat(ctx, &ChatRequest{SessionID: sess.ID, Text: "original"})
	require.NoError(t, err)
	chatFrames := collectFrames(t, chatHandle)
	turnID := chatFrames[1].Metadata().TurnID

	handle, err := orchestrator.EditInput(ctx, &EditInputRequest{
		RequestID: "req-edit",
		SessionID: sess.ID,
		TurnID:    turnID,
		Text:      "edited",
	})
	require.NoError(t, err)

	frames := collectFrames(t, handle)
	require.Equal(t, []FrameType{
		FrameTypeAck,
		FrameTypeInputCommitted,
		FrameTypeExecutionBegan,
		FrameTypeStepAppended,
		FrameTypeOutputCommitted,
		FrameTypeStepAppended,
		FrameTypeCompleted,
	}, frameTypes(frames))
	requireWellFormedStream(t, frames, "req-edit", OperationEditInput)

	input := frames[1].(*FrameInputCommitted)
	require.Equal(t, 1, input.InputIndex)

	committed := frames[4].(*FrameOutputCommitted)
	require.Equal(t, "edited", committed.Text)

	// same turn, same timeline
	require.Equal(t, turnID, frames[1].Metadata().TurnID)
	require.Equal(t, chatFrames[1].Metadata().TimelineID, frames[1].Metadata().TimelineID)
}

func TestEditInputForkFrames(t *testing.T) {
	orchestrator, sess := newTestOrchestrator(t)
	ctx := context.Background()

	chatHandle, err := orchestrator.Chat(ctx, &ChatRequest{SessionID: sess.ID, Text: "original"})
	require.NoError(t, err)
	chatFrames := collectFrames(t, chatHandle)
	turnID := chatFrames[1].Metadata().TurnID
	baseTimelineID := chatFrames[1].Metadata().TimelineID

	handle, err := orchestrator.EditInput(ctx, &EditInputRequest{
		RequestID:    "req-fork",
		SessionID:    sess.ID,
		TurnID:       turnID,
		Text:         "branched",
		ForkTimeline: true,
	})
	require.NoError(t, err)

	frames := collectFrames(t, handle)
	require.Equal(t, []FrameType{
		FrameTypeAck,
		FrameTypeTurnCreated,
		FrameTypeInputCommitted,
		FrameTypeTimelineForked,
		FrameTypeExecutionBegan,
		FrameTypeStepAppended,
		FrameTypeOutputCommitted,
		FrameTypeStepAppended,
		FrameTypeCompleted,
	}, frameTypes(frames))
	requireWellFormedStream(t, frames, "req-fork", OperationEditInput)

	forked := frames[3].(*FrameTimelineForked)
	require.Equal(t, baseTimelineID, forked.PreviousTimelineID)
	require.Equal(t, 0, forked.DivergenceTurnIndex)

	// a new turn on a new timeline
	md := frames[1].Metadata()
	require.NotEqual(t, turnID, md.TurnID)
	require.NotEqual(t, baseTimelineID, md.TimelineID)

	// the fork forced a snapshot of the base timeline
	completed := frames[8].(*FrameCompleted)
	require.Equal(t, 2, completed.Stats.TotalTimelines)
}

func TestRegenerateFrames(t *testing.T) {
	orchestrator, sess := newTestOrchestrator(t)
	ctx := context.Background()

	chatHandle, err := orchestrator.Chat(ctx, &ChatRequest{SessionID: sess.ID, Text: "question"})
	require.NoError(t, err)
	chatFrames := collectFrames(t, chatHandle)
	turnID := chatFrames[1].Metadata().TurnID
	firstExecution := chatFrames[1].Metadata().ExecutionID

	handle, err := orchestrator.Regenerate(ctx, &RegenerateRequest{
		RequestID: "req-regen",
		SessionID: sess.ID,
		TurnID:    turnID,
	})
	require.NoError(t, err)

	frames := collectFrames(t, handle)
	require.Equal(t, []FrameType{
		FrameTypeAck,
		FrameTypeExecutionBegan,
		FrameTypeStepAppended,
		FrameTypeOutputCommitted,
		FrameTypeStepAppended,
		FrameTypeCompleted,
	}, frameTypes(frames))
	requireWellFormedStream(t, frames, "req-regen", OperationRegenerate)

	require.NotEqual(t, firstExecution, frames[1].Metadata().ExecutionID)

	committed := frames[3].(*FrameOutputCommitted)
	require.Equal(t, 1, committed.OutputIndex)
	require.Equal(t, "question", committed.Text)

	turn, err := orchestrator.store.GetTurn(ctx, turnID)
	require.NoError(t, err)
	require.Len(t, turn.OutputMessageIDs, 2)
	require.Equal(t, 1, turn.SelectedOutputIndex)
	require.Equal(t, 0, turn.TimelineIndex)
}

type recordingSink struct {
	mu     sync.Mutex
	frames []Frame
}

func (r *recordingSink) PublishFrame(frame Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	return nil
}

func (r *recordingSink) snapshot() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame{}, r.frames...)
}

func TestContextSinksObserveOperation(t *testing.T) {
	orchestrator, sess := newTestOrchestrator(t)
	sink := &recordingSink{}
	ctx := WithFrameSinks(context.Background(), sink)

	handle, err := orchestrator.Chat(ctx, &ChatRequest{
		RequestID: "req-observed",
		SessionID: sess.ID,
		Text:      "hi",
	})
	require.NoError(t, err)
	frames := collectFrames(t, handle)

	// the context-attached sink sees the same stream as the handle
	require.Equal(t, frameTypes(frames), frameTypes(sink.snapshot()))
	requireWellFormedStream(t, sink.snapshot(), "req-observed", OperationChat)
}

func TestSummaryNeverCoversInFlightTurn(t *testing.T) {
	orchestrator, sess := newTestOrchestrator(t)
	ctx := context.Background()

	first, err := orchestrator.Chat(ctx, &ChatRequest{SessionID: sess.ID, Text: "hello"})
	require.NoError(t, err)
	firstFrames := collectFrames(t, first)
	firstTurnID := firstFrames[1].Metadata().TurnID
	timelineID := firstFrames[1].Metadata().TimelineID

	// the first operation has nothing behind it to compact
	h, err := orchestrator.histories.GetOrCreate(ctx, sess.ID, timelineID)
	require.NoError(t, err)
	require.Empty(t, h.LatestSummaryID)

	second, err := orchestrator.Chat(ctx, &ChatRequest{SessionID: sess.ID, Text: "tell me more"})
	require.NoError(t, err)
	secondFrames := collectFrames(t, second)
	secondTurnID := secondFrames[1].Metadata().TurnID

	h, err = orchestrator.histories.GetOrCreate(ctx, sess.ID, timelineID)
	require.NoError(t, err)
	require.NotEmpty(t, h.LatestSummaryID)
	summary, err := orchestrator.histories.GetSummary(ctx, h.LatestSummaryID)
	require.NoError(t, err)
	require.Contains(t, summary.TurnIDs, firstTurnID)
	require.NotContains(t, summary.TurnIDs, secondTurnID)
	require.NotContains(t, summary.Text, "tell me more")
}

type blockingEngine struct{}

func (blockingEngine) Complete(ctx context.Context, req *engine.Request) (*engine.Completion, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type blockingFactory struct{}

func (blockingFactory) Resolve(settings engine.Settings) (engine.Engine, error) {
	return blockingEngine{}, nil
}
func (blockingFactory) SupportedProviders() []string { return []string{"blocking"} }
func (blockingFactory) DefaultProvider() string      { return "blocking" }

func newBlockingOrchestrator(t *testing.T) (*Orchestrator, *sessions.Session) {
	t.Helper()
	store := sessions.NewStore(sessions.NewMemoryRepositories())
	sess, err := store.CreateSession(context.Background(), "user-1", "")
	require.NoError(t, err)

	ops := sessions.NewOperations(store)
	// compaction stays off so the blocking engine is only reached through the
	// generation path
	manager := history.NewManager(store,
		repository.NewMemoryRepository[*history.History](),
		repository.NewMemoryRepository[*history.Summary](),
		history.WithDefaultPolicy(history.Policy{MaxWindowTurns: 16}))
	summarizer := history.NewSummarizer(manager, blockingFactory{})

	return NewOrchestrator(ops, manager, summarizer, blockingFactory{},
		WithDefaultSettings(engine.Settings{Provider: "blocking"})), sess
}

func TestDuplicateRequestIDRejected(t *testing.T) {
	orchestrator, sess := newBlockingOrchestrator(t)
	ctx := context.Background()

	handle, err := orchestrator.Chat(ctx, &ChatRequest{RequestID: "dup", SessionID: sess.ID, Text: "x"})
	require.NoError(t, err)

	_, err = orchestrator.Chat(ctx, &ChatRequest{RequestID: "dup", SessionID: sess.ID, Text: "y"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "already running")

	require.True(t, orchestrator.Cancel("dup"))
	frames := collectFrames(t, handle)
	errFrame := frames[len(frames)-1].(*FrameError)
	require.Equal(t, ErrCodeChat, errFrame.Code)
	requireWellFormedStream(t, frames, "dup", OperationChat)
}

func TestCancelStopsStreaming(t *testing.T) {
	orchestrator, sess := newBlockingOrchestrator(t)
	ctx := context.Background()

	handle, err := orchestrator.Chat(ctx, &ChatRequest{RequestID: "cancel-me", SessionID: sess.ID, Text: "x"})
	require.NoError(t, err)

	// let the operation reach the engine call
	deadline := time.After(5 * time.Second)
	seen := 0
	for seen < 4 {
		select {
		case <-handle.Frames():
			seen++
		case <-deadline:
			t.Fatal("operation did not start in time")
		}
	}

	require.True(t, orchestrator.Cancel("cancel-me"))
	for frame := range handle.Frames() {
		if frame.Metadata().Finished {
			errFrame := frame.(*FrameError)
			require.Equal(t, ErrCodeChat, errFrame.Code)
			require.Contains(t, errFrame.Message, "context canceled")
		}
	}
	require.False(t, orchestrator.Cancel("cancel-me"))
}
