package sessions

import (
	"time"
)

// Session owns a set of timelines and points at the one currently considered
// active. Sessions are never deleted while an operation is streaming.
type Session struct {
	ID               string    `json:"id" yaml:"id"`
	UserID           string    `json:"userID,omitempty" yaml:"userID,omitempty"`
	Title            string    `json:"title,omitempty" yaml:"title,omitempty"`
	Instructions     string    `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	ActiveTimelineID string    `json:"activeTimelineID,omitempty" yaml:"activeTimelineID,omitempty"`
	Stats            Stats     `json:"stats" yaml:"stats"`
	CreatedAt        time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// Stats are recomputed on demand from the authoritative turn and message
// data rather than incrementally mutated.
type Stats struct {
	TotalTimelines int       `json:"totalTimelines" yaml:"totalTimelines"`
	TotalTurns     int       `json:"totalTurns" yaml:"totalTurns"`
	TotalMessages  int       `json:"totalMessages" yaml:"totalMessages"`
	TotalTokens    int       `json:"totalTokens" yaml:"totalTokens"`
	TotalCost      float64   `json:"totalCost" yaml:"totalCost"`
	RecomputedAt   time.Time `json:"recomputedAt" yaml:"recomputedAt"`
}

// Timeline is an append-only ordered list of turn ids. Branching always
// produces a new timeline; an existing timeline's turn list is never
// reordered or truncated.
type Timeline struct {
	ID        string `json:"id" yaml:"id"`
	SessionID string `json:"sessionID" yaml:"sessionID"`
	// Index is the creation ordinal among the session's timelines.
	Index int `json:"index" yaml:"index"`
	// PreviousTimelineID and DivergenceTurnIndex identify the branch point
	// when this timeline was forked. DivergenceTurnIndex is -1 for a root
	// timeline.
	PreviousTimelineID  string    `json:"previousTimelineID,omitempty" yaml:"previousTimelineID,omitempty"`
	DivergenceTurnIndex int       `json:"divergenceTurnIndex" yaml:"divergenceTurnIndex"`
	TurnIDs             []string  `json:"turnIDs" yaml:"turnIDs"`
	CreatedAt           time.Time `json:"createdAt" yaml:"createdAt"`
}

// Turn is one user-input/assistant-output unit. The version lists only ever
// grow; the selection pointers move across existing versions but never point
// out of range.
type Turn struct {
	ID            string `json:"id" yaml:"id"`
	SessionID     string `json:"sessionID" yaml:"sessionID"`
	TimelineID    string `json:"timelineID" yaml:"timelineID"`
	TimelineIndex int    `json:"timelineIndex" yaml:"timelineIndex"`

	InputMessageIDs  []string `json:"inputMessageIDs" yaml:"inputMessageIDs"`
	OutputMessageIDs []string `json:"outputMessageIDs" yaml:"outputMessageIDs"`
	// SelectedOutputIndex is -1 until the first output version is attached.
	SelectedInputIndex  int `json:"selectedInputIndex" yaml:"selectedInputIndex"`
	SelectedOutputIndex int `json:"selectedOutputIndex" yaml:"selectedOutputIndex"`

	CurrentExecutionID string   `json:"currentExecutionID" yaml:"currentExecutionID"`
	StepIDs            []string `json:"stepIDs" yaml:"stepIDs"`

	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// SelectedInputMessageID returns the id of the currently selected input
// version, or "" if there is none.
func (t *Turn) SelectedInputMessageID() string {
	if t.SelectedInputIndex < 0 || t.SelectedInputIndex >= len(t.InputMessageIDs) {
		return ""
	}
	return t.InputMessageIDs[t.SelectedInputIndex]
}

// SelectedOutputMessageID returns the id of the currently selected output
// version, or "" if no output has been attached yet.
func (t *Turn) SelectedOutputMessageID() string {
	if t.SelectedOutputIndex < 0 || t.SelectedOutputIndex >= len(t.OutputMessageIDs) {
		return ""
	}
	return t.OutputMessageIDs[t.SelectedOutputIndex]
}

type StepKind string

const (
	StepKindToolCall    StepKind = "tool_call"
	StepKindToolResult  StepKind = "tool_result"
	StepKindRAGLookup   StepKind = "rag_lookup"
	StepKindReasoning   StepKind = "reasoning"
	StepKindSafetyCheck StepKind = "safety_check"
	StepKindRetry       StepKind = "retry"
)

// Step is an ordered sub-event within one execution of a turn. Steps of the
// same execution form a singly linked chain through PreviousStepID.
type Step struct {
	ID             string                 `json:"id" yaml:"id"`
	TurnID         string                 `json:"turnID" yaml:"turnID"`
	ExecutionID    string                 `json:"executionID" yaml:"executionID"`
	Index          int                    `json:"index" yaml:"index"`
	PreviousStepID string                 `json:"previousStepID,omitempty" yaml:"previousStepID,omitempty"`
	Kind           StepKind               `json:"kind" yaml:"kind"`
	Payload        map[string]interface{} `json:"payload,omitempty" yaml:"payload,omitempty"`
	CreatedAt      time.Time              `json:"createdAt" yaml:"createdAt"`
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

func (tl *Timeline) Clone() *Timeline {
	if tl == nil {
		return nil
	}
	cp := *tl
	cp.TurnIDs = append([]string{}, tl.TurnIDs...)
	return &cp
}

func (t *Turn) Clone() *Turn {
	if t == nil {
		return nil
	}
	cp := *t
	cp.InputMessageIDs = append([]string{}, t.InputMessageIDs...)
	cp.OutputMessageIDs = append([]string{}, t.OutputMessageIDs...)
	cp.StepIDs = append([]string{}, t.StepIDs...)
	return &cp
}

func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Payload != nil {
		cp.Payload = make(map[string]interface{}, len(s.Payload))
		for k, v := range s.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}
