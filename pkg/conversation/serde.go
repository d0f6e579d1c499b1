package conversation

import (
	"encoding/json"
	"time"

	"gopkg.in/yaml.v3"
)

// Intermediate representation for marshaling/unmarshaling message parts.
type partEnvelope struct {
	Kind     ContentKind     `json:"kind" yaml:"kind"`
	Text     string          `json:"text,omitempty" yaml:"text,omitempty"`
	Document json.RawMessage `json:"document,omitempty" yaml:"document,omitempty"`
	ToolID   string          `json:"toolID,omitempty" yaml:"toolID,omitempty"`
	Name     string          `json:"name,omitempty" yaml:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty" yaml:"input,omitempty"`
	Result   string          `json:"result,omitempty" yaml:"result,omitempty"`
	FileID   string          `json:"fileID,omitempty" yaml:"fileID,omitempty"`
	ImageURL string          `json:"imageURL,omitempty" yaml:"imageURL,omitempty"`
	Media    string          `json:"mediaType,omitempty" yaml:"mediaType,omitempty"`
	Detail   ImageDetail     `json:"detail,omitempty" yaml:"detail,omitempty"`
}

func encodePart(p MessageContent) partEnvelope {
	env := partEnvelope{Kind: p.Kind()}
	switch c := p.(type) {
	case *TextContent:
		env.Text = c.Text
	case *JSONContent:
		env.Document = c.Document
	case *ToolCallContent:
		env.ToolID = c.ToolID
		env.Name = c.Name
		env.Input = c.Input
	case *ToolResultContent:
		env.ToolID = c.ToolID
		env.Result = c.Result
	case *FileContent:
		env.FileID = c.FileID
		env.Name = c.Name
		env.Media = c.MediaType
	case *ImageContent:
		env.ImageURL = c.ImageURL
		env.Name = c.ImageName
		env.Media = c.MediaType
		env.Detail = c.Detail
	}
	return env
}

// decodePart turns an envelope back into typed content. Unknown or legacy
// kinds decode to an empty text part instead of failing.
func decodePart(env partEnvelope) MessageContent {
	switch env.Kind {
	case ContentKindText:
		return &TextContent{Text: env.Text}
	case ContentKindJSON:
		return &JSONContent{Document: env.Document}
	case ContentKindToolCall:
		return &ToolCallContent{ToolID: env.ToolID, Name: env.Name, Input: env.Input}
	case ContentKindToolResult:
		return &ToolResultContent{ToolID: env.ToolID, Result: env.Result}
	case ContentKindFile:
		return &FileContent{FileID: env.FileID, Name: env.Name, MediaType: env.Media}
	case ContentKindImage:
		return &ImageContent{ImageURL: env.ImageURL, ImageName: env.Name, MediaType: env.Media, Detail: env.Detail}
	default:
		return &TextContent{}
	}
}

type messageAlias struct {
	ID       string                 `json:"id" yaml:"id"`
	Role     Role                   `json:"role" yaml:"role"`
	Parts    []partEnvelope         `json:"parts" yaml:"parts"`
	Time     time.Time              `json:"time" yaml:"time"`
	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

func (m *Message) toAlias() messageAlias {
	parts := make([]partEnvelope, 0, len(m.Parts))
	for _, p := range m.Parts {
		parts = append(parts, encodePart(p))
	}
	return messageAlias{
		ID:       m.ID,
		Role:     m.Role,
		Parts:    parts,
		Time:     m.Time,
		Metadata: m.Metadata,
	}
}

func (m *Message) fromAlias(ma messageAlias) {
	m.ID = ma.ID
	m.Role = ma.Role
	m.Time = ma.Time
	m.Metadata = ma.Metadata
	m.Parts = make([]MessageContent, 0, len(ma.Parts))
	for _, env := range ma.Parts {
		m.Parts = append(m.Parts, decodePart(env))
	}
}

func (m *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.toAlias())
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var ma messageAlias
	if err := json.Unmarshal(data, &ma); err != nil {
		return err
	}
	m.fromAlias(ma)
	return nil
}

func (m *Message) MarshalYAML() (interface{}, error) {
	return m.toAlias(), nil
}

func (m *Message) UnmarshalYAML(value *yaml.Node) error {
	var ma messageAlias
	if err := value.Decode(&ma); err != nil {
		return err
	}
	m.fromAlias(ma)
	return nil
}
