package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/loom/pkg/repository"
	"github.com/go-go-golems/loom/pkg/sessions"
)

// Manager maintains the per-timeline history windows and decides when
// summarization must run.
type Manager struct {
	histories repository.Repository[*History]
	summaries repository.Repository[*Summary]
	store     *sessions.Store

	defaultPolicy Policy
}

type ManagerOption func(*Manager)

func WithDefaultPolicy(policy Policy) ManagerOption {
	return func(m *Manager) {
		m.defaultPolicy = policy
	}
}

func NewManager(store *sessions.Store, histories repository.Repository[*History], summaries repository.Repository[*Summary], options ...ManagerOption) *Manager {
	ret := &Manager{
		histories:     histories,
		summaries:     summaries,
		store:         store,
		defaultPolicy: DefaultPolicy(),
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func historyKey(sessionID, timelineID string) repository.Predicate[*History] {
	return func(h *History) bool {
		return h.SessionID == sessionID && h.TimelineID == timelineID
	}
}

// GetOrCreate returns the history singleton for (session, timeline),
// creating it with the manager's default policy on first use.
func (m *Manager) GetOrCreate(ctx context.Context, sessionID string, timelineID string) (*History, error) {
	h, ok, err := m.histories.GetOne(ctx, historyKey(sessionID, timelineID))
	if err != nil {
		return nil, err
	}
	if ok {
		return h, nil
	}
	h = &History{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		TimelineID: timelineID,
		Policy:     m.defaultPolicy,
		UpdatedAt:  time.Now(),
	}
	if err := m.histories.Upsert(ctx, historyKey(sessionID, timelineID), h); err != nil {
		return nil, errors.Wrap(err, "could not persist history")
	}
	return h, nil
}

// GetSummary loads one summary snapshot.
func (m *Manager) GetSummary(ctx context.Context, summaryID string) (*Summary, error) {
	s, ok, err := m.summaries.GetOne(ctx, func(s *Summary) bool { return s.ID == summaryID })
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf("summary %s not found", summaryID)
	}
	return s, nil
}

// RefreshWindow slides the history window to the last maxWindowTurns entries
// of the timeline and recomputes the aggregate counters over the window.
func (m *Manager) RefreshWindow(ctx context.Context, h *History, tl *sessions.Timeline) error {
	window := h.Policy.MaxWindowTurns
	if window < 1 {
		window = 1
	}
	turnIDs := tl.TurnIDs
	if len(turnIDs) > window {
		turnIDs = turnIDs[len(turnIDs)-window:]
	}
	h.TurnIDs = append([]string{}, turnIDs...)
	h.TotalTurns = len(tl.TurnIDs)
	h.TotalMessages = 0
	for _, id := range h.TurnIDs {
		turn, err := m.store.GetTurn(ctx, id)
		if err != nil {
			return err
		}
		h.TotalMessages += len(turn.InputMessageIDs) + len(turn.OutputMessageIDs)
	}
	h.UpdatedAt = time.Now()
	return m.histories.Upsert(ctx, historyKey(h.SessionID, h.TimelineID), h)
}

// ShouldSummarize reports whether a summary must be (re)generated before the
// next assistant token is produced. forceOnBranch is set when the timeline is
// about to be branched away from.
func (m *Manager) ShouldSummarize(h *History, forceOnBranch bool) bool {
	if forceOnBranch {
		return true
	}
	if !h.Policy.EnableCompaction {
		return false
	}
	if h.LatestSummaryID == "" {
		return true
	}
	if len(h.TurnIDs) >= h.Policy.MaxWindowTurns {
		return true
	}
	if h.Policy.SummarizeEveryNMessages > 0 && h.TotalMessages >= h.Policy.SummarizeEveryNMessages {
		return true
	}
	return false
}

// CollectTranscript renders the window's turns, ordered by timeline index,
// as "role: text" lines. Only text-bearing message parts contribute;
// json/tool/file/image parts are skipped. The result is truncated at a fixed
// character budget to bound summarizer input size.
func (m *Manager) CollectTranscript(ctx context.Context, h *History) (*Transcript, error) {
	turns := make([]*sessions.Turn, 0, len(h.TurnIDs))
	for _, id := range h.TurnIDs {
		turn, err := m.store.GetTurn(ctx, id)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	for i := 1; i < len(turns); i++ {
		for j := i; j > 0 && turns[j-1].TimelineIndex > turns[j].TimelineIndex; j-- {
			turns[j-1], turns[j] = turns[j], turns[j-1]
		}
	}

	ret := &Transcript{
		FromTurnIndex: -1,
		ToTurnIndex:   -1,
	}
	var sb strings.Builder
	appendMessage := func(id string) error {
		if id == "" {
			return nil
		}
		msg, err := m.store.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		text := msg.PlainText()
		if text == "" {
			return nil
		}
		sb.WriteString(fmt.Sprintf("%s: %s\n", msg.Role, text))
		return nil
	}
	for _, turn := range turns {
		if err := appendMessage(turn.SelectedInputMessageID()); err != nil {
			return nil, err
		}
		if err := appendMessage(turn.SelectedOutputMessageID()); err != nil {
			return nil, err
		}
		ret.TurnIDs = append(ret.TurnIDs, turn.ID)
		if ret.FromTurnIndex == -1 {
			ret.FromTurnIndex = turn.TimelineIndex
		}
		ret.ToTurnIndex = turn.TimelineIndex
		if sb.Len() >= transcriptCharBudget {
			break
		}
	}
	ret.Text = sb.String()
	if len(ret.Text) > transcriptCharBudget {
		ret.Text = ret.Text[:transcriptCharBudget]
	}
	return ret, nil
}

// recordSummary persists an immutable snapshot and supersedes the history's
// latest-summary pointer.
func (m *Manager) recordSummary(ctx context.Context, h *History, summary *Summary) error {
	if err := m.summaries.Add(ctx, summary); err != nil {
		return errors.Wrap(err, "could not persist summary")
	}
	h.LatestSummaryID = summary.ID
	h.SummaryIDs = append(h.SummaryIDs, summary.ID)
	h.UpdatedAt = time.Now()
	return m.histories.Upsert(ctx, historyKey(h.SessionID, h.TimelineID), h)
}
