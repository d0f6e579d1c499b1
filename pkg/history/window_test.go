package history

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/loom/pkg/conversation"
	"github.com/go-go-golems/loom/pkg/repository"
	"github.com/go-go-golems/loom/pkg/sessions"
)

func newTestManager(t *testing.T, options ...ManagerOption) (*Manager, *sessions.Operations, *sessions.Session) {
	t.Helper()
	store := sessions.NewStore(sessions.NewMemoryRepositories())
	sess, err := store.CreateSession(context.Background(), "user-1", "")
	require.NoError(t, err)
	manager := NewManager(store,
		repository.NewMemoryRepository[*History](),
		repository.NewMemoryRepository[*Summary](),
		options...)
	return manager, sessions.NewOperations(store), sess
}

func appendExchange(t *testing.T, ops *sessions.Operations, sessionID string, input string, output string) *sessions.AppendTurnResult {
	t.Helper()
	ctx := context.Background()
	result, err := ops.AppendTurn(ctx, sessionID, conversation.NewTextMessage(conversation.RoleUser, input))
	require.NoError(t, err)
	if output != "" {
		_, _, err = ops.AttachOutputMessage(ctx, sessionID, result.TurnID,
			conversation.NewTextMessage(conversation.RoleAssistant, output), "")
		require.NoError(t, err)
	}
	return result
}

func TestGetOrCreateIsSingleton(t *testing.T) {
	manager, ops, sess := newTestManager(t)
	ctx := context.Background()

	result := appendExchange(t, ops, sess.ID, "hi", "hello")

	h1, err := manager.GetOrCreate(ctx, sess.ID, result.TimelineID)
	require.NoError(t, err)
	h2, err := manager.GetOrCreate(ctx, sess.ID, result.TimelineID)
	require.NoError(t, err)
	require.Equal(t, h1.ID, h2.ID)
	require.Equal(t, DefaultMaxWindowTurns, h1.Policy.MaxWindowTurns)
}

func TestRefreshWindowSlides(t *testing.T) {
	manager, ops, sess := newTestManager(t)
	ctx := context.Background()

	var timelineID string
	for i := 0; i < 20; i++ {
		result := appendExchange(t, ops, sess.ID, fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
		timelineID = result.TimelineID
	}

	h, err := manager.GetOrCreate(ctx, sess.ID, timelineID)
	require.NoError(t, err)
	tl, err := ops.Store().GetTimeline(ctx, timelineID)
	require.NoError(t, err)
	require.NoError(t, manager.RefreshWindow(ctx, h, tl))

	require.Len(t, h.TurnIDs, 16)
	require.Equal(t, tl.TurnIDs[4:], h.TurnIDs)
	require.Equal(t, 20, h.TotalTurns)
	require.Equal(t, 32, h.TotalMessages)
}

func TestRefreshWindowMinimumOne(t *testing.T) {
	manager, ops, sess := newTestManager(t, WithDefaultPolicy(Policy{MaxWindowTurns: 0, EnableCompaction: true}))
	ctx := context.Background()

	var timelineID string
	for i := 0; i < 3; i++ {
		result := appendExchange(t, ops, sess.ID, fmt.Sprintf("q%d", i), "")
		timelineID = result.TimelineID
	}

	h, err := manager.GetOrCreate(ctx, sess.ID, timelineID)
	require.NoError(t, err)
	tl, err := ops.Store().GetTimeline(ctx, timelineID)
	require.NoError(t, err)
	require.NoError(t, manager.RefreshWindow(ctx, h, tl))

	require.Len(t, h.TurnIDs, 1)
	require.Equal(t, tl.TurnIDs[2], h.TurnIDs[0])
}

func TestShouldSummarize(t *testing.T) {
	manager, _, _ := newTestManager(t)

	h := &History{Policy: DefaultPolicy()}

	// no snapshot yet
	require.True(t, manager.ShouldSummarize(h, false))

	h.LatestSummaryID = "s1"
	require.False(t, manager.ShouldSummarize(h, false))

	// window full
	h.TurnIDs = make([]string, DefaultMaxWindowTurns)
	require.True(t, manager.ShouldSummarize(h, false))

	// message count threshold
	h.TurnIDs = nil
	h.TotalMessages = DefaultSummarizeEveryNMessages
	require.True(t, manager.ShouldSummarize(h, false))

	// compaction disabled wins over every trigger except the branch force
	h.Policy.EnableCompaction = false
	require.False(t, manager.ShouldSummarize(h, false))
	require.True(t, manager.ShouldSummarize(h, true))
}

func TestCollectTranscript(t *testing.T) {
	manager, ops, sess := newTestManager(t)
	ctx := context.Background()

	var timelineID string
	for i := 0; i < 3; i++ {
		result := appendExchange(t, ops, sess.ID, fmt.Sprintf("question %d", i), fmt.Sprintf("answer %d", i))
		timelineID = result.TimelineID
	}

	h, err := manager.GetOrCreate(ctx, sess.ID, timelineID)
	require.NoError(t, err)
	tl, err := ops.Store().GetTimeline(ctx, timelineID)
	require.NoError(t, err)
	require.NoError(t, manager.RefreshWindow(ctx, h, tl))

	transcript, err := manager.CollectTranscript(ctx, h)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(transcript.Text, "\n"), "\n")
	require.Len(t, lines, 6)
	require.Equal(t, "user: question 0", lines[0])
	require.Equal(t, "assistant: answer 0", lines[1])
	require.Equal(t, "user: question 2", lines[4])
	require.Equal(t, 0, transcript.FromTurnIndex)
	require.Equal(t, 2, transcript.ToTurnIndex)
	require.Len(t, transcript.TurnIDs, 3)
}

func TestCollectTranscriptTruncates(t *testing.T) {
	manager, ops, sess := newTestManager(t)
	ctx := context.Background()

	long := strings.Repeat("x", 3000)
	var timelineID string
	for i := 0; i < 5; i++ {
		result := appendExchange(t, ops, sess.ID, long, long)
		timelineID = result.TimelineID
	}

	h, err := manager.GetOrCreate(ctx, sess.ID, timelineID)
	require.NoError(t, err)
	tl, err := ops.Store().GetTimeline(ctx, timelineID)
	require.NoError(t, err)
	require.NoError(t, manager.RefreshWindow(ctx, h, tl))

	transcript, err := manager.CollectTranscript(ctx, h)
	require.NoError(t, err)
	require.LessOrEqual(t, len(transcript.Text), 8000)
	require.Less(t, len(transcript.TurnIDs), 5)
}
