package history

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/loom/pkg/conversation"
	"github.com/go-go-golems/loom/pkg/engine"
	"github.com/go-go-golems/loom/pkg/sessions"
)

const summaryInstruction = "Summarize the conversation so far: goals, facts, decisions, open questions, next steps. Answer in 5-8 sentences of plain text."

// Summarizer collects a window's transcript, invokes the generation
// capability, and persists the result as an immutable snapshot.
type Summarizer struct {
	manager *Manager
	engines engine.Factory
}

func NewSummarizer(manager *Manager, engines engine.Factory) *Summarizer {
	return &Summarizer{
		manager: manager,
		engines: engines,
	}
}

// Summarize generates and records a snapshot for the history's current
// window. Returns nil without error when the window holds no text.
func (s *Summarizer) Summarize(ctx context.Context, h *History, settings engine.Settings) (*Summary, error) {
	transcript, err := s.manager.CollectTranscript(ctx, h)
	if err != nil {
		return nil, err
	}
	if transcript.Text == "" {
		return nil, nil
	}

	settings = settings.Clone()
	settings.Stream = false
	if h.Policy.MaxSummaryTokens > 0 {
		maxTokens := h.Policy.MaxSummaryTokens
		settings.MaxTokens = &maxTokens
	}
	eng, err := s.engines.Resolve(settings)
	if err != nil {
		return nil, err
	}
	completion, err := eng.Complete(ctx, &engine.Request{
		Messages: []*conversation.Message{
			conversation.NewTextMessage(conversation.RoleSystem, summaryInstruction),
			conversation.NewTextMessage(conversation.RoleUser, transcript.Text),
		},
		Settings: settings,
	})
	if err != nil {
		return nil, errors.Wrap(err, "summary generation failed")
	}

	summary := &Summary{
		ID:            uuid.NewString(),
		SessionID:     h.SessionID,
		TimelineID:    h.TimelineID,
		FromTurnIndex: transcript.FromTurnIndex,
		ToTurnIndex:   transcript.ToTurnIndex,
		TurnIDs:       transcript.TurnIDs,
		Text:          engine.ExtractText(completion),
		Provider:      completion.Provider,
		Model:         completion.Model,
		CreatedAt:     time.Now(),
	}
	if err := s.manager.recordSummary(ctx, h, summary); err != nil {
		return nil, err
	}
	log.Debug().
		Str("session_id", h.SessionID).
		Str("timeline_id", h.TimelineID).
		Str("summary_id", summary.ID).
		Int("from_turn", summary.FromTurnIndex).
		Int("to_turn", summary.ToTurnIndex).
		Msg("recorded summary snapshot")
	return summary, nil
}

// MaybeSummarize refreshes the window and, if the policy triggers (or
// forceOnBranch is set), generates a snapshot. This runs before the first
// assistant token of an operation; inFlightTurnID names the turn that
// operation is generating for, and it is excluded from the window so
// summaries never cover a turn whose output does not exist yet.
func (s *Summarizer) MaybeSummarize(ctx context.Context, sessionID string, tl *sessions.Timeline, inFlightTurnID string, settings engine.Settings, forceOnBranch bool) (*Summary, error) {
	if inFlightTurnID != "" {
		trimmed := tl.Clone()
		ids := make([]string, 0, len(trimmed.TurnIDs))
		for _, id := range trimmed.TurnIDs {
			if id != inFlightTurnID {
				ids = append(ids, id)
			}
		}
		trimmed.TurnIDs = ids
		tl = trimmed
	}

	h, err := s.manager.GetOrCreate(ctx, sessionID, tl.ID)
	if err != nil {
		return nil, err
	}
	if err := s.manager.RefreshWindow(ctx, h, tl); err != nil {
		return nil, err
	}
	if !s.manager.ShouldSummarize(h, forceOnBranch) {
		return nil, nil
	}
	return s.Summarize(ctx, h, settings)
}

// SummarizeOnFork records a forced snapshot of the base timeline at the
// divergence point, preserving a recoverable view of the conversation state
// before the branch moves on. All of the base timeline's turns are already
// committed, so none are excluded.
func (s *Summarizer) SummarizeOnFork(ctx context.Context, sessionID string, baseTimelineID string, settings engine.Settings) (*Summary, error) {
	tl, err := s.manager.store.GetTimeline(ctx, baseTimelineID)
	if err != nil {
		return nil, err
	}
	return s.MaybeSummarize(ctx, sessionID, tl, "", settings, true)
}
