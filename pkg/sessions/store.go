package sessions

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/loom/pkg/conversation"
	"github.com/go-go-golems/loom/pkg/repository"
)

// Repositories bundles the per-entity persistence collaborators the store
// builds on.
type Repositories struct {
	Sessions  repository.Repository[*Session]
	Timelines repository.Repository[*Timeline]
	Turns     repository.Repository[*Turn]
	Messages  repository.Repository[*conversation.Message]
	Steps     repository.Repository[*Step]
}

// NewMemoryRepositories returns a Repositories bundle backed by in-memory
// repositories, suitable for tests and the CLI.
func NewMemoryRepositories() Repositories {
	return Repositories{
		Sessions:  repository.NewMemoryRepository[*Session](),
		Timelines: repository.NewMemoryRepository[*Timeline](),
		Turns:     repository.NewMemoryRepository[*Turn](),
		Messages:  repository.NewMemoryRepository[*conversation.Message](),
		Steps:     repository.NewMemoryRepository[*Step](),
	}
}

// Store enforces the structural invariants of sessions, timelines, turns and
// steps on top of the repository collaborators. It is the authoritative
// structural model everything else builds on.
type Store struct {
	repos Repositories
}

func NewStore(repos Repositories) *Store {
	return &Store{repos: repos}
}

func (s *Store) Repositories() Repositories {
	return s.repos
}

func byID[T interface{ repository.Cloner[T] }](get func(T) string, id string) repository.Predicate[T] {
	return func(item T) bool {
		return get(item) == id
	}
}

func (s *Store) CreateSession(ctx context.Context, userID string, instructions string) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		Instructions: instructions,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repos.Sessions.Add(ctx, sess); err != nil {
		return nil, errors.Wrap(err, "could not persist session")
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	sess, ok, err := s.repos.Sessions.GetOne(ctx, byID(func(x *Session) string { return x.ID }, sessionID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(ErrSessionNotFound, "session %s", sessionID)
	}
	return sess, nil
}

func (s *Store) GetTimeline(ctx context.Context, timelineID string) (*Timeline, error) {
	tl, ok, err := s.repos.Timelines.GetOne(ctx, byID(func(x *Timeline) string { return x.ID }, timelineID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(ErrTimelineNotFound, "timeline %s", timelineID)
	}
	return tl, nil
}

func (s *Store) GetTurn(ctx context.Context, turnID string) (*Turn, error) {
	t, ok, err := s.repos.Turns.GetOne(ctx, byID(func(x *Turn) string { return x.ID }, turnID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(ErrTurnNotFound, "turn %s", turnID)
	}
	return t, nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*conversation.Message, error) {
	m, ok, err := s.repos.Messages.GetOne(ctx, byID(func(x *conversation.Message) string { return x.ID }, messageID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(ErrMessageNotFound, "message %s", messageID)
	}
	return m, nil
}

func (s *Store) GetStep(ctx context.Context, stepID string) (*Step, error) {
	st, ok, err := s.repos.Steps.GetOne(ctx, byID(func(x *Step) string { return x.ID }, stepID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(ErrStepNotFound, "step %s", stepID)
	}
	return st, nil
}

func (s *Store) AddMessage(ctx context.Context, msg *conversation.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	return s.repos.Messages.Add(ctx, msg)
}

// CreateTimeline allocates a new timeline for the session, with Index equal
// to the number of timelines the session already has. When previousID is
// given, the branch link and divergence index are recorded.
func (s *Store) CreateTimeline(ctx context.Context, sessionID string, previousID string, divergenceIndex int) (*Timeline, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	existing, err := s.repos.Timelines.FindAll(ctx, func(tl *Timeline) bool { return tl.SessionID == sessionID })
	if err != nil {
		return nil, err
	}
	tl := &Timeline{
		ID:                  uuid.NewString(),
		SessionID:           sessionID,
		Index:               len(existing),
		DivergenceTurnIndex: -1,
		CreatedAt:           time.Now(),
	}
	if previousID != "" {
		tl.PreviousTimelineID = previousID
		tl.DivergenceTurnIndex = divergenceIndex
	}
	if err := s.repos.Timelines.Add(ctx, tl); err != nil {
		return nil, errors.Wrap(err, "could not persist timeline")
	}
	return tl, nil
}

// AppendTurn appends a new turn at the end of the timeline. The turn starts
// with one input version selected, no output, and a fresh execution id.
func (s *Store) AppendTurn(ctx context.Context, timelineID string, inputMessageID string) (*Turn, error) {
	tl, err := s.GetTimeline(ctx, timelineID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	turn := &Turn{
		ID:                  uuid.NewString(),
		SessionID:           tl.SessionID,
		TimelineID:          tl.ID,
		TimelineIndex:       len(tl.TurnIDs),
		InputMessageIDs:     []string{inputMessageID},
		SelectedInputIndex:  0,
		SelectedOutputIndex: -1,
		CurrentExecutionID:  uuid.NewString(),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.repos.Turns.Add(ctx, turn); err != nil {
		return nil, errors.Wrap(err, "could not persist turn")
	}
	_, err = s.repos.Timelines.Update(ctx,
		byID(func(x *Timeline) string { return x.ID }, timelineID),
		func(x *Timeline) *Timeline {
			x.TurnIDs = append(x.TurnIDs, turn.ID)
			return x
		})
	if err != nil {
		return nil, errors.Wrap(err, "could not extend timeline")
	}
	return turn, nil
}

func (s *Store) updateTurn(ctx context.Context, turnID string, fn func(*Turn) *Turn) (*Turn, error) {
	if _, err := s.GetTurn(ctx, turnID); err != nil {
		return nil, err
	}
	_, err := s.repos.Turns.Update(ctx,
		byID(func(x *Turn) string { return x.ID }, turnID),
		func(x *Turn) *Turn {
			x = fn(x)
			x.UpdatedAt = time.Now()
			return x
		})
	if err != nil {
		return nil, err
	}
	return s.GetTurn(ctx, turnID)
}

// AddInputVersion appends an input version and selects it. Earlier versions
// stay addressable.
func (s *Store) AddInputVersion(ctx context.Context, turnID string, messageID string) (*Turn, error) {
	return s.updateTurn(ctx, turnID, func(t *Turn) *Turn {
		t.InputMessageIDs = append(t.InputMessageIDs, messageID)
		t.SelectedInputIndex = len(t.InputMessageIDs) - 1
		return t
	})
}

// AddOutputVersion appends an output version and selects it.
func (s *Store) AddOutputVersion(ctx context.Context, turnID string, messageID string) (*Turn, error) {
	return s.updateTurn(ctx, turnID, func(t *Turn) *Turn {
		t.OutputMessageIDs = append(t.OutputMessageIDs, messageID)
		t.SelectedOutputIndex = len(t.OutputMessageIDs) - 1
		return t
	})
}

// SelectInputVersion moves the input selection pointer to an existing version.
func (s *Store) SelectInputVersion(ctx context.Context, turnID string, index int) (*Turn, error) {
	turn, err := s.GetTurn(ctx, turnID)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(turn.InputMessageIDs) {
		return nil, errors.Wrapf(ErrVersionOutOfRange, "input index %d of %d", index, len(turn.InputMessageIDs))
	}
	return s.updateTurn(ctx, turnID, func(t *Turn) *Turn {
		t.SelectedInputIndex = index
		return t
	})
}

// BeginExecution allocates a fresh execution id on the turn. Used for
// regeneration; the turn itself and its position are untouched.
func (s *Store) BeginExecution(ctx context.Context, turnID string) (string, error) {
	executionID := uuid.NewString()
	_, err := s.updateTurn(ctx, turnID, func(t *Turn) *Turn {
		t.CurrentExecutionID = executionID
		return t
	})
	if err != nil {
		return "", err
	}
	return executionID, nil
}

// AddStep appends a step to the turn, assigning the next index within the
// step's execution and chaining PreviousStepID to the prior step of the same
// execution when one exists.
func (s *Store) AddStep(ctx context.Context, turnID string, executionID string, kind StepKind, payload map[string]interface{}) (*Step, error) {
	if _, err := s.GetTurn(ctx, turnID); err != nil {
		return nil, err
	}
	siblings, err := s.repos.Steps.FindAll(ctx, func(st *Step) bool {
		return st.TurnID == turnID && st.ExecutionID == executionID
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(siblings, func(i, j int) bool { return siblings[i].Index < siblings[j].Index })
	step := &Step{
		ID:          uuid.NewString(),
		TurnID:      turnID,
		ExecutionID: executionID,
		Index:       len(siblings),
		Kind:        kind,
		Payload:     payload,
		CreatedAt:   time.Now(),
	}
	if len(siblings) > 0 {
		step.PreviousStepID = siblings[len(siblings)-1].ID
	}
	if err := s.repos.Steps.Add(ctx, step); err != nil {
		return nil, errors.Wrap(err, "could not persist step")
	}
	_, err = s.updateTurn(ctx, turnID, func(t *Turn) *Turn {
		t.StepIDs = append(t.StepIDs, step.ID)
		return t
	})
	if err != nil {
		return nil, err
	}
	return step, nil
}

// ListTurns returns the timeline's turns ordered by TimelineIndex.
func (s *Store) ListTurns(ctx context.Context, timelineID string) ([]*Turn, error) {
	if _, err := s.GetTimeline(ctx, timelineID); err != nil {
		return nil, err
	}
	ret, err := s.repos.Turns.FindAll(ctx, func(t *Turn) bool { return t.TimelineID == timelineID })
	if err != nil {
		return nil, err
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].TimelineIndex < ret[j].TimelineIndex })
	return ret, nil
}

// ListTimelines returns the session's timelines ordered by creation ordinal.
func (s *Store) ListTimelines(ctx context.Context, sessionID string) ([]*Timeline, error) {
	ret, err := s.repos.Timelines.FindAll(ctx, func(tl *Timeline) bool { return tl.SessionID == sessionID })
	if err != nil {
		return nil, err
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Index < ret[j].Index })
	return ret, nil
}

// SetActiveTimeline switches the session's active-timeline pointer.
func (s *Store) SetActiveTimeline(ctx context.Context, sessionID string, timelineID string) error {
	if _, err := s.GetTimeline(ctx, timelineID); err != nil {
		return err
	}
	n, err := s.repos.Sessions.Update(ctx,
		byID(func(x *Session) string { return x.ID }, sessionID),
		func(x *Session) *Session {
			x.ActiveTimelineID = timelineID
			x.UpdatedAt = time.Now()
			return x
		})
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(ErrSessionNotFound, "session %s", sessionID)
	}
	return nil
}

// UpdateStats stores freshly recomputed session aggregates.
func (s *Store) UpdateStats(ctx context.Context, sessionID string, stats Stats) error {
	n, err := s.repos.Sessions.Update(ctx,
		byID(func(x *Session) string { return x.ID }, sessionID),
		func(x *Session) *Session {
			x.Stats = stats
			x.UpdatedAt = time.Now()
			return x
		})
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(ErrSessionNotFound, "session %s", sessionID)
	}
	return nil
}
