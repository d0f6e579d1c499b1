package sessions

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/loom/pkg/conversation"
)

func newTestOperations(t *testing.T, options ...OperationsOption) (*Operations, *Session) {
	t.Helper()
	store := NewStore(NewMemoryRepositories())
	sess, err := store.CreateSession(context.Background(), "user-1", "")
	require.NoError(t, err)
	return NewOperations(store, options...), sess
}

func TestAppendTurnCreatesRootTimeline(t *testing.T) {
	ops, sess := newTestOperations(t)
	ctx := context.Background()

	result, err := ops.AppendTurn(ctx, sess.ID, conversation.NewTextMessage(conversation.RoleUser, "hi"))
	require.NoError(t, err)
	require.Equal(t, 0, result.TimelineIndex)

	got, err := ops.Store().GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, result.TimelineID, got.ActiveTimelineID)

	tl, err := ops.Store().GetTimeline(ctx, result.TimelineID)
	require.NoError(t, err)
	require.Equal(t, 0, tl.Index)
	require.Equal(t, -1, tl.DivergenceTurnIndex)

	result2, err := ops.AppendTurn(ctx, sess.ID, conversation.NewTextMessage(conversation.RoleUser, "again"))
	require.NoError(t, err)
	require.Equal(t, result.TimelineID, result2.TimelineID)
	require.Equal(t, 1, result2.TimelineIndex)
}

func TestEditInputInPlace(t *testing.T) {
	ops, sess := newTestOperations(t)
	ctx := context.Background()

	first, err := ops.AppendTurn(ctx, sess.ID, conversation.NewTextMessage(conversation.RoleUser, "original"))
	require.NoError(t, err)
	second, err := ops.AppendTurn(ctx, sess.ID, conversation.NewTextMessage(conversation.RoleUser, "later"))
	require.NoError(t, err)

	result, err := ops.EditInput(ctx, sess.ID, first.TurnID,
		conversation.NewTextMessage(conversation.RoleUser, "edited"), false)
	require.NoError(t, err)
	require.False(t, result.Forked)
	require.Equal(t, first.TurnID, result.TurnID)
	require.Equal(t, first.TimelineID, result.TimelineID)
	require.Equal(t, 1, result.InputIndex)
	require.NotEqual(t, first.ExecutionID, result.ExecutionID)

	turn, err := ops.Store().GetTurn(ctx, first.TurnID)
	require.NoError(t, err)
	require.Len(t, turn.InputMessageIDs, 2)
	require.Equal(t, 1, turn.SelectedInputIndex)

	// later turns on the timeline are left in place
	laterTurn, err := ops.Store().GetTurn(ctx, second.TurnID)
	require.NoError(t, err)
	require.Equal(t, 1, laterTurn.TimelineIndex)
	tl, err := ops.Store().GetTimeline(ctx, first.TimelineID)
	require.NoError(t, err)
	require.Equal(t, []string{first.TurnID, second.TurnID}, tl.TurnIDs)
}

func TestEditInputFork(t *testing.T) {
	ops, sess := newTestOperations(t)
	ctx := context.Background()

	first, err := ops.AppendTurn(ctx, sess.ID, conversation.NewTextMessage(conversation.RoleUser, "a"))
	require.NoError(t, err)
	second, err := ops.AppendTurn(ctx, sess.ID, conversation.NewTextMessage(conversation.RoleUser, "b"))
	require.NoError(t, err)

	result, err := ops.EditInput(ctx, sess.ID, second.TurnID,
		conversation.NewTextMessage(conversation.RoleUser, "b2"), true)
	require.NoError(t, err)
	require.True(t, result.Forked)
	require.NotEqual(t, first.TimelineID, result.TimelineID)
	require.Equal(t, first.TimelineID, result.BaseTimelineID)
	require.Equal(t, 1, result.DivergenceTurnIndex)
	require.NotEqual(t, second.TurnID, result.TurnID)
	require.Equal(t, 0, result.TimelineIndex)
	require.Equal(t, 0, result.InputIndex)

	// active pointer switches to the fork
	got, err := ops.Store().GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, result.TimelineID, got.ActiveTimelineID)

	// the base timeline and the edited turn are untouched
	base, err := ops.Store().GetTimeline(ctx, first.TimelineID)
	require.NoError(t, err)
	require.Equal(t, []string{first.TurnID, second.TurnID}, base.TurnIDs)
	baseTurn, err := ops.Store().GetTurn(ctx, second.TurnID)
	require.NoError(t, err)
	require.Len(t, baseTurn.InputMessageIDs, 1)

	fork, err := ops.Store().GetTimeline(ctx, result.TimelineID)
	require.NoError(t, err)
	require.Equal(t, first.TimelineID, fork.PreviousTimelineID)
	require.Equal(t, 1, fork.DivergenceTurnIndex)
	require.Equal(t, []string{result.TurnID}, fork.TurnIDs)
}

func TestRegenerateKeepsTurnInPlace(t *testing.T) {
	ops, sess := newTestOperations(t)
	ctx := context.Background()

	result, err := ops.AppendTurn(ctx, sess.ID, conversation.NewTextMessage(conversation.RoleUser, "q"))
	require.NoError(t, err)

	out1 := conversation.NewTextMessage(conversation.RoleAssistant, "first answer")
	_, idx, err := ops.AttachOutputMessage(ctx, sess.ID, result.TurnID, out1, "")
	require.NoError(t, err)
	require.Equal(t, 0, idx)

	executionID, err := ops.BeginNewExecution(ctx, sess.ID, result.TurnID, nil)
	require.NoError(t, err)
	require.NotEqual(t, result.ExecutionID, executionID)

	out2 := conversation.NewTextMessage(conversation.RoleAssistant, "second answer")
	_, idx, err = ops.AttachOutputMessage(ctx, sess.ID, result.TurnID, out2, "")
	require.NoError(t, err)
	require.Equal(t, 1, idx)

	turn, err := ops.Store().GetTurn(ctx, result.TurnID)
	require.NoError(t, err)
	require.Len(t, turn.OutputMessageIDs, 2)
	require.Equal(t, 1, turn.SelectedOutputIndex)
	require.Equal(t, 0, turn.TimelineIndex)
	tl, err := ops.Store().GetTimeline(ctx, result.TimelineID)
	require.NoError(t, err)
	require.Len(t, tl.TurnIDs, 1)
}

func TestBeginNewExecutionInputOverride(t *testing.T) {
	ops, sess := newTestOperations(t)
	ctx := context.Background()

	result, err := ops.AppendTurn(ctx, sess.ID, conversation.NewTextMessage(conversation.RoleUser, "v0"))
	require.NoError(t, err)
	_, err = ops.EditInput(ctx, sess.ID, result.TurnID,
		conversation.NewTextMessage(conversation.RoleUser, "v1"), false)
	require.NoError(t, err)

	zero := 0
	_, err = ops.BeginNewExecution(ctx, sess.ID, result.TurnID, &zero)
	require.NoError(t, err)

	turn, err := ops.Store().GetTurn(ctx, result.TurnID)
	require.NoError(t, err)
	require.Equal(t, 0, turn.SelectedInputIndex)

	five := 5
	_, err = ops.BeginNewExecution(ctx, sess.ID, result.TurnID, &five)
	require.ErrorIs(t, errors.Cause(err), ErrVersionOutOfRange)
}

func TestAttachOutputMessageReservation(t *testing.T) {
	ops, sess := newTestOperations(t)
	ctx := context.Background()

	result, err := ops.AppendTurn(ctx, sess.ID, conversation.NewTextMessage(conversation.RoleUser, "q"))
	require.NoError(t, err)

	// an empty id takes the reserved one
	out := conversation.NewTextMessage(conversation.RoleAssistant, "a")
	out.ID = ""
	id, _, err := ops.AttachOutputMessage(ctx, sess.ID, result.TurnID, out, "reserved-1")
	require.NoError(t, err)
	require.Equal(t, "reserved-1", id)

	// lenient mode keeps the message's own id on mismatch
	other := conversation.NewTextMessage(conversation.RoleAssistant, "b", conversation.WithID("actual-1"))
	id, _, err = ops.AttachOutputMessage(ctx, sess.ID, result.TurnID, other, "reserved-2")
	require.NoError(t, err)
	require.Equal(t, "actual-1", id)
}

func TestAttachOutputMessageReservationStrict(t *testing.T) {
	ops, sess := newTestOperations(t, WithStrictReservedIDs(true))
	ctx := context.Background()

	result, err := ops.AppendTurn(ctx, sess.ID, conversation.NewTextMessage(conversation.RoleUser, "q"))
	require.NoError(t, err)

	out := conversation.NewTextMessage(conversation.RoleAssistant, "a", conversation.WithID("actual-1"))
	_, _, err = ops.AttachOutputMessage(ctx, sess.ID, result.TurnID, out, "reserved-1")
	require.ErrorIs(t, errors.Cause(err), ErrReservedIDMismatch)
}

func TestRecomputeStats(t *testing.T) {
	ops, sess := newTestOperations(t, WithCostPerToken(0.5))
	ctx := context.Background()

	result, err := ops.AppendTurn(ctx, sess.ID, conversation.NewTextMessage(conversation.RoleUser, "hello world"))
	require.NoError(t, err)
	_, _, err = ops.AttachOutputMessage(ctx, sess.ID, result.TurnID,
		conversation.NewTextMessage(conversation.RoleAssistant, "greetings"), "")
	require.NoError(t, err)

	stats, err := ops.RecomputeStats(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, 1, stats.TotalTimelines)
	require.Equal(t, 1, stats.TotalTurns)
	require.Equal(t, 2, stats.TotalMessages)
	require.Greater(t, stats.TotalTokens, 0)
	require.InDelta(t, float64(stats.TotalTokens)*0.5, stats.TotalCost, 1e-9)
	require.False(t, stats.RecomputedAt.IsZero())

	got, err := ops.Store().GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, stats.TotalMessages, got.Stats.TotalMessages)
}
