package streaming

import (
	"github.com/rs/zerolog"

	"github.com/go-go-golems/loom/pkg/sessions"
)

// Operation identifies which client-initiated operation a frame belongs to.
type Operation string

const (
	OperationChat       Operation = "chat"
	OperationEditInput  Operation = "edit_input"
	OperationRegenerate Operation = "regenerate"
)

type FrameType string

const (
	FrameTypeAck             FrameType = "ack"
	FrameTypeTurnCreated     FrameType = "turn_created"
	FrameTypeInputCommitted  FrameType = "input_committed"
	FrameTypeTimelineForked  FrameType = "timeline_forked"
	FrameTypeExecutionBegan  FrameType = "execution_began"
	FrameTypeStepAppended    FrameType = "step_appended"
	FrameTypeOutputDelta     FrameType = "output_delta"
	FrameTypeOutputCommitted FrameType = "output_committed"
	FrameTypeCompleted       FrameType = "completed"
	FrameTypeError           FrameType = "error"
)

// FrameMetadata is carried by every frame of an operation's stream.
// Sequence starts at 0 and increases by one per frame; exactly one frame of
// the stream has Finished set, and it is the last one.
type FrameMetadata struct {
	RequestID string    `json:"request_id"`
	Operation Operation `json:"operation"`
	Sequence  int       `json:"sequence"`
	Finished  bool      `json:"finished"`

	SessionID   string `json:"session_id,omitempty"`
	TimelineID  string `json:"timeline_id,omitempty"`
	TurnID      string `json:"turn_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
}

func (fm FrameMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("request_id", fm.RequestID)
	e.Str("operation", string(fm.Operation))
	e.Int("sequence", fm.Sequence)
	e.Bool("finished", fm.Finished)
	if fm.SessionID != "" {
		e.Str("session_id", fm.SessionID)
	}
	if fm.TimelineID != "" {
		e.Str("timeline_id", fm.TimelineID)
	}
	if fm.TurnID != "" {
		e.Str("turn_id", fm.TurnID)
	}
	if fm.ExecutionID != "" {
		e.Str("execution_id", fm.ExecutionID)
	}
}

// Frame is one unit of the streaming progress protocol. Frames are scoped to
// a single operation and never persisted.
type Frame interface {
	Type() FrameType
	Metadata() FrameMetadata
	Payload() []byte
}

type FrameImpl struct {
	Type_     FrameType     `json:"type"`
	Metadata_ FrameMetadata `json:"meta"`

	// raw JSON payload when the frame was deserialized (see NewFrameFromJSON)
	payload []byte
}

func (f *FrameImpl) Type() FrameType         { return f.Type_ }
func (f *FrameImpl) Metadata() FrameMetadata { return f.Metadata_ }
func (f *FrameImpl) Payload() []byte         { return f.payload }

// SetPayload stores the raw JSON payload. Used by NewFrameFromJSON and
// external decoders.
func (f *FrameImpl) SetPayload(b []byte) { f.payload = b }

func (f *FrameImpl) MarshalZerologObject(e *zerolog.Event) {
	e.Str("type", string(f.Type_))
	e.Object("meta", f.Metadata_)
}

var _ Frame = &FrameImpl{}

// FrameAck is the first frame of every operation. It advertises the
// structural ids and the pre-reserved output message id so the caller can
// render an output placeholder before generation starts.
type FrameAck struct {
	FrameImpl
	Provider        string `json:"provider,omitempty"`
	Model           string `json:"model,omitempty"`
	OutputMessageID string `json:"output_message_id"`
}

func NewAckFrame(metadata FrameMetadata, provider, model, outputMessageID string) *FrameAck {
	return &FrameAck{
		FrameImpl:       FrameImpl{Type_: FrameTypeAck, Metadata_: metadata},
		Provider:        provider,
		Model:           model,
		OutputMessageID: outputMessageID,
	}
}

var _ Frame = &FrameAck{}

type FrameTurnCreated struct {
	FrameImpl
	TimelineIndex int `json:"timeline_index"`
}

func NewTurnCreatedFrame(metadata FrameMetadata, timelineIndex int) *FrameTurnCreated {
	return &FrameTurnCreated{
		FrameImpl:     FrameImpl{Type_: FrameTypeTurnCreated, Metadata_: metadata},
		TimelineIndex: timelineIndex,
	}
}

var _ Frame = &FrameTurnCreated{}

type FrameInputCommitted struct {
	FrameImpl
	MessageID  string `json:"message_id"`
	InputIndex int    `json:"input_index"`
}

func NewInputCommittedFrame(metadata FrameMetadata, messageID string, inputIndex int) *FrameInputCommitted {
	return &FrameInputCommitted{
		FrameImpl:  FrameImpl{Type_: FrameTypeInputCommitted, Metadata_: metadata},
		MessageID:  messageID,
		InputIndex: inputIndex,
	}
}

var _ Frame = &FrameInputCommitted{}

type FrameTimelineForked struct {
	FrameImpl
	PreviousTimelineID  string `json:"previous_timeline_id"`
	DivergenceTurnIndex int    `json:"divergence_turn_index"`
}

func NewTimelineForkedFrame(metadata FrameMetadata, previousTimelineID string, divergenceTurnIndex int) *FrameTimelineForked {
	return &FrameTimelineForked{
		FrameImpl:           FrameImpl{Type_: FrameTypeTimelineForked, Metadata_: metadata},
		PreviousTimelineID:  previousTimelineID,
		DivergenceTurnIndex: divergenceTurnIndex,
	}
}

var _ Frame = &FrameTimelineForked{}

type FrameExecutionBegan struct {
	FrameImpl
}

func NewExecutionBeganFrame(metadata FrameMetadata) *FrameExecutionBegan {
	return &FrameExecutionBegan{
		FrameImpl: FrameImpl{Type_: FrameTypeExecutionBegan, Metadata_: metadata},
	}
}

var _ Frame = &FrameExecutionBegan{}

type FrameStepAppended struct {
	FrameImpl
	StepID         string            `json:"step_id"`
	Kind           sessions.StepKind `json:"kind"`
	Index          int               `json:"index"`
	PreviousStepID string            `json:"previous_step_id,omitempty"`
}

func NewStepAppendedFrame(metadata FrameMetadata, step *sessions.Step) *FrameStepAppended {
	return &FrameStepAppended{
		FrameImpl:      FrameImpl{Type_: FrameTypeStepAppended, Metadata_: metadata},
		StepID:         step.ID,
		Kind:           step.Kind,
		Index:          step.Index,
		PreviousStepID: step.PreviousStepID,
	}
}

var _ Frame = &FrameStepAppended{}

// FrameOutputDelta carries one increment of streamed output text; Chars is
// the running character count of the output so far.
type FrameOutputDelta struct {
	FrameImpl
	Delta string `json:"delta"`
	Chars int    `json:"chars"`
}

func NewOutputDeltaFrame(metadata FrameMetadata, delta string, chars int) *FrameOutputDelta {
	return &FrameOutputDelta{
		FrameImpl: FrameImpl{Type_: FrameTypeOutputDelta, Metadata_: metadata},
		Delta:     delta,
		Chars:     chars,
	}
}

var _ Frame = &FrameOutputDelta{}

type FrameOutputCommitted struct {
	FrameImpl
	MessageID   string `json:"message_id"`
	Text        string `json:"text"`
	OutputIndex int    `json:"output_index"`
}

func NewOutputCommittedFrame(metadata FrameMetadata, messageID string, text string, outputIndex int) *FrameOutputCommitted {
	return &FrameOutputCommitted{
		FrameImpl:   FrameImpl{Type_: FrameTypeOutputCommitted, Metadata_: metadata},
		MessageID:   messageID,
		Text:        text,
		OutputIndex: outputIndex,
	}
}

var _ Frame = &FrameOutputCommitted{}

type FrameCompleted struct {
	FrameImpl
	Stats   sessions.Stats `json:"stats"`
	StepIDs []string       `json:"step_ids,omitempty"`
}

func NewCompletedFrame(metadata FrameMetadata, stats sessions.Stats, stepIDs []string) *FrameCompleted {
	return &FrameCompleted{
		FrameImpl: FrameImpl{Type_: FrameTypeCompleted, Metadata_: metadata},
		Stats:     stats,
		StepIDs:   stepIDs,
	}
}

var _ Frame = &FrameCompleted{}

type FrameError struct {
	FrameImpl
	Code      string `json:"code"`
	Message   string `json:"message"`
	ErrorKind string `json:"error_kind,omitempty"`
}

func NewErrorFrame(metadata FrameMetadata, code string, message string, errorKind string) *FrameError {
	return &FrameError{
		FrameImpl: FrameImpl{Type_: FrameTypeError, Metadata_: metadata},
		Code:      code,
		Message:   message,
		ErrorKind: errorKind,
	}
}

var _ Frame = &FrameError{}

func (f FrameAck) MarshalZerologObject(e *zerolog.Event) {
	f.FrameImpl.MarshalZerologObject(e)
	e.Str("provider", f.Provider).Str("model", f.Model).Str("output_message_id", f.OutputMessageID)
}

func (f FrameTurnCreated) MarshalZerologObject(e *zerolog.Event) {
	f.FrameImpl.MarshalZerologObject(e)
	e.Int("timeline_index", f.TimelineIndex)
}

func (f FrameInputCommitted) MarshalZerologObject(e *zerolog.Event) {
	f.FrameImpl.MarshalZerologObject(e)
	e.Str("message_id", f.MessageID).Int("input_index", f.InputIndex)
}

func (f FrameTimelineForked) MarshalZerologObject(e *zerolog.Event) {
	f.FrameImpl.MarshalZerologObject(e)
	e.Str("previous_timeline_id", f.PreviousTimelineID).Int("divergence_turn_index", f.DivergenceTurnIndex)
}

func (f FrameStepAppended) MarshalZerologObject(e *zerolog.Event) {
	f.FrameImpl.MarshalZerologObject(e)
	e.Str("step_id", f.StepID).Str("kind", string(f.Kind)).Int("index", f.Index)
}

func (f FrameOutputDelta) MarshalZerologObject(e *zerolog.Event) {
	f.FrameImpl.MarshalZerologObject(e)
	e.Str("delta", f.Delta).Int("chars", f.Chars)
}

func (f FrameOutputCommitted) MarshalZerologObject(e *zerolog.Event) {
	f.FrameImpl.MarshalZerologObject(e)
	e.Str("message_id", f.MessageID).Int("output_index", f.OutputIndex)
}

func (f FrameCompleted) MarshalZerologObject(e *zerolog.Event) {
	f.FrameImpl.MarshalZerologObject(e)
	e.Int("total_turns", f.Stats.TotalTurns).Int("total_messages", f.Stats.TotalMessages)
}

func (f FrameError) MarshalZerologObject(e *zerolog.Event) {
	f.FrameImpl.MarshalZerologObject(e)
	e.Str("code", f.Code).Str("message", f.Message).Str("error_kind", f.ErrorKind)
}
