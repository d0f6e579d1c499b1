package sessions

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/loom/pkg/conversation"
)

// Operations implements the atomic domain state transitions on top of the
// structural store. Each method is one transition; concurrency control beyond
// per-document atomicity is left to the repositories.
type Operations struct {
	store *Store

	// StrictReservedIDs turns an output-id reservation mismatch into a hard
	// error instead of a logged warning.
	StrictReservedIDs bool

	// CostPerToken prices the recomputed token total; zero disables cost
	// accounting.
	CostPerToken float64

	counter *TokenCounter
}

type OperationsOption func(*Operations)

func WithStrictReservedIDs(strict bool) OperationsOption {
	return func(o *Operations) {
		o.StrictReservedIDs = strict
	}
}

func WithCostPerToken(cost float64) OperationsOption {
	return func(o *Operations) {
		o.CostPerToken = cost
	}
}

func WithTokenCounter(counter *TokenCounter) OperationsOption {
	return func(o *Operations) {
		o.counter = counter
	}
}

func NewOperations(store *Store, options ...OperationsOption) *Operations {
	ret := &Operations{
		store:   store,
		counter: NewTokenCounter(""),
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (o *Operations) Store() *Store {
	return o.store
}

// AppendTurnResult reports the structural facts created by AppendTurn.
type AppendTurnResult struct {
	TurnID         string
	TimelineID     string
	ExecutionID    string
	TimelineIndex  int
	InputMessageID string
}

// AppendTurn persists the input message and creates a new turn on the
// session's active timeline, creating a root timeline first when the session
// has none.
func (o *Operations) AppendTurn(ctx context.Context, sessionID string, input *conversation.Message) (*AppendTurnResult, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	timelineID := sess.ActiveTimelineID
	if timelineID == "" {
		tl, err := o.store.CreateTimeline(ctx, sessionID, "", -1)
		if err != nil {
			return nil, err
		}
		if err := o.store.SetActiveTimeline(ctx, sessionID, tl.ID); err != nil {
			return nil, err
		}
		timelineID = tl.ID
	}
	if err := o.store.AddMessage(ctx, input); err != nil {
		return nil, errors.Wrap(err, "could not persist input message")
	}
	turn, err := o.store.AppendTurn(ctx, timelineID, input.ID)
	if err != nil {
		return nil, err
	}
	return &AppendTurnResult{
		TurnID:         turn.ID,
		TimelineID:     timelineID,
		ExecutionID:    turn.CurrentExecutionID,
		TimelineIndex:  turn.TimelineIndex,
		InputMessageID: input.ID,
	}, nil
}

// EditInputResult reports the outcome of an input edit.
type EditInputResult struct {
	TurnID         string
	TimelineID     string
	ExecutionID    string
	TimelineIndex  int
	InputMessageID string
	InputIndex     int

	Forked              bool
	BaseTimelineID      string
	DivergenceTurnIndex int
}

// EditInput edits a turn's input. With forkTimeline, a new timeline branches
// off at the edited turn's position, a brand-new turn carrying the edited
// input is appended to it, and the session's active-timeline pointer switches
// over. Without forkTimeline, a new input version is added to the existing
// turn in place; turns after the edited one on the same timeline are left
// untouched — the timeline is append-only and later turns stay addressable
// for their own edits and regenerations.
func (o *Operations) EditInput(ctx context.Context, sessionID string, turnID string, newInput *conversation.Message, forkTimeline bool) (*EditInputResult, error) {
	if _, err := o.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	turn, err := o.store.GetTurn(ctx, turnID)
	if err != nil {
		return nil, err
	}
	if err := o.store.AddMessage(ctx, newInput); err != nil {
		return nil, errors.Wrap(err, "could not persist input message")
	}

	if !forkTimeline {
		updated, err := o.store.AddInputVersion(ctx, turnID, newInput.ID)
		if err != nil {
			return nil, err
		}
		executionID, err := o.store.BeginExecution(ctx, turnID)
		if err != nil {
			return nil, err
		}
		return &EditInputResult{
			TurnID:         updated.ID,
			TimelineID:     updated.TimelineID,
			ExecutionID:    executionID,
			TimelineIndex:  updated.TimelineIndex,
			InputMessageID: newInput.ID,
			InputIndex:     updated.SelectedInputIndex,
		}, nil
	}

	forked, err := o.store.CreateTimeline(ctx, sessionID, turn.TimelineID, turn.TimelineIndex)
	if err != nil {
		return nil, err
	}
	newTurn, err := o.store.AppendTurn(ctx, forked.ID, newInput.ID)
	if err != nil {
		return nil, err
	}
	if err := o.store.SetActiveTimeline(ctx, sessionID, forked.ID); err != nil {
		return nil, err
	}
	return &EditInputResult{
		TurnID:              newTurn.ID,
		TimelineID:          forked.ID,
		ExecutionID:         newTurn.CurrentExecutionID,
		TimelineIndex:       newTurn.TimelineIndex,
		InputMessageID:      newInput.ID,
		InputIndex:          0,
		Forked:              true,
		BaseTimelineID:      turn.TimelineID,
		DivergenceTurnIndex: turn.TimelineIndex,
	}, nil
}

// BeginNewExecution allocates a fresh execution id on an existing turn for
// regeneration. No new turn is created. When inputIndexOverride is non-nil
// the input selection pointer moves to that existing version first.
func (o *Operations) BeginNewExecution(ctx context.Context, sessionID string, turnID string, inputIndexOverride *int) (string, error) {
	if _, err := o.store.GetSession(ctx, sessionID); err != nil {
		return "", err
	}
	if inputIndexOverride != nil {
		if _, err := o.store.SelectInputVersion(ctx, turnID, *inputIndexOverride); err != nil {
			return "", err
		}
	}
	return o.store.BeginExecution(ctx, turnID)
}

// AttachOutputMessage appends the output as a new version and selects it.
// When reservedID is set, the caller advertised that id ahead of generation
// (id reservation); a message arriving with a different id is a loggable
// inconsistency, or a hard error under StrictReservedIDs.
func (o *Operations) AttachOutputMessage(ctx context.Context, sessionID string, turnID string, output *conversation.Message, reservedID string) (string, int, error) {
	if _, err := o.store.GetSession(ctx, sessionID); err != nil {
		return "", 0, err
	}
	if reservedID != "" {
		if output.ID == "" {
			output.ID = reservedID
		} else if output.ID != reservedID {
			if o.StrictReservedIDs {
				return "", 0, errors.Wrapf(ErrReservedIDMismatch, "reserved %s, got %s", reservedID, output.ID)
			}
			log.Warn().
				Str("session_id", sessionID).
				Str("turn_id", turnID).
				Str("reserved_id", reservedID).
				Str("message_id", output.ID).
				Msg("output message id does not honor reservation, keeping persisted id")
		}
	}
	if err := o.store.AddMessage(ctx, output); err != nil {
		return "", 0, errors.Wrap(err, "could not persist output message")
	}
	turn, err := o.store.AddOutputVersion(ctx, turnID, output.ID)
	if err != nil {
		return "", 0, err
	}
	return output.ID, turn.SelectedOutputIndex, nil
}

// AddStep records a telemetry step for the turn's given execution.
func (o *Operations) AddStep(ctx context.Context, sessionID string, turnID string, executionID string, kind StepKind, payload map[string]interface{}) (*Step, error) {
	if _, err := o.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return o.store.AddStep(ctx, turnID, executionID, kind, payload)
}

// RecomputeStats rebuilds the session aggregates from the authoritative turn
// and message data across all timelines and stores them with a recomputation
// timestamp.
func (o *Operations) RecomputeStats(ctx context.Context, sessionID string) (Stats, error) {
	if _, err := o.store.GetSession(ctx, sessionID); err != nil {
		return Stats{}, err
	}
	timelines, err := o.store.ListTimelines(ctx, sessionID)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		TotalTimelines: len(timelines),
		RecomputedAt:   time.Now(),
	}
	for _, tl := range timelines {
		turns, err := o.store.ListTurns(ctx, tl.ID)
		if err != nil {
			return Stats{}, err
		}
		stats.TotalTurns += len(turns)
		for _, turn := range turns {
			stats.TotalMessages += len(turn.InputMessageIDs) + len(turn.OutputMessageIDs)
			for _, id := range append(append([]string{}, turn.InputMessageIDs...), turn.OutputMessageIDs...) {
				msg, err := o.store.GetMessage(ctx, id)
				if err != nil {
					continue
				}
				stats.TotalTokens += o.counter.Count(msg.PlainText())
			}
		}
	}
	stats.TotalCost = float64(stats.TotalTokens) * o.CostPerToken
	if err := o.store.UpdateStats(ctx, sessionID, stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}
