package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ContentKind string

const (
	ContentKindText       ContentKind = "text"
	ContentKindJSON       ContentKind = "json"
	ContentKindToolCall   ContentKind = "tool_call"
	ContentKindToolResult ContentKind = "tool_result"
	ContentKindFile       ContentKind = "file"
	ContentKindImage      ContentKind = "image"
)

// MessageContent is the interface implemented by the different content kinds a
// message part can carry.
type MessageContent interface {
	Kind() ContentKind
	// PlainText returns the text rendition of the part, or "" for parts that
	// carry no text (json/tool/file/image are skipped in transcripts).
	PlainText() string
	View() string
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type TextContent struct {
	Text string `json:"text"`
}

func (c *TextContent) Kind() ContentKind { return ContentKindText }
func (c *TextContent) PlainText() string { return c.Text }

func (c *TextContent) View() string {
	return strings.TrimRight(c.Text, "\n")
}

var _ MessageContent = (*TextContent)(nil)

type JSONContent struct {
	Document json.RawMessage `json:"document"`
}

func (c *JSONContent) Kind() ContentKind { return ContentKindJSON }
func (c *JSONContent) PlainText() string { return "" }

func (c *JSONContent) View() string {
	return fmt.Sprintf("JSONContent{%s}", string(c.Document))
}

var _ MessageContent = (*JSONContent)(nil)

type ToolCallContent struct {
	ToolID string          `json:"toolID"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
}

func (c *ToolCallContent) Kind() ContentKind { return ContentKindToolCall }
func (c *ToolCallContent) PlainText() string { return "" }

func (c *ToolCallContent) View() string {
	return fmt.Sprintf("ToolCallContent{ToolID: %s, Name: %s, Input: %s}", c.ToolID, c.Name, c.Input)
}

var _ MessageContent = (*ToolCallContent)(nil)

type ToolResultContent struct {
	ToolID string `json:"toolID"`
	Result string `json:"result"`
}

func (c *ToolResultContent) Kind() ContentKind { return ContentKindToolResult }
func (c *ToolResultContent) PlainText() string { return "" }

func (c *ToolResultContent) View() string {
	return fmt.Sprintf("ToolResultContent{ToolID: %s, Result: %s}", c.ToolID, c.Result)
}

var _ MessageContent = (*ToolResultContent)(nil)

type FileContent struct {
	FileID    string `json:"fileID"`
	Name      string `json:"name"`
	MediaType string `json:"mediaType,omitempty"`
}

func (c *FileContent) Kind() ContentKind { return ContentKindFile }
func (c *FileContent) PlainText() string { return "" }

func (c *FileContent) View() string {
	return fmt.Sprintf("FileContent{FileID: %s, Name: %s}", c.FileID, c.Name)
}

var _ MessageContent = (*FileContent)(nil)

type ImageDetail string

const (
	ImageDetailLow  ImageDetail = "low"
	ImageDetailHigh ImageDetail = "high"
	ImageDetailAuto ImageDetail = "auto"
)

type ImageContent struct {
	ImageURL  string      `json:"imageURL,omitempty"`
	ImageName string      `json:"imageName,omitempty"`
	MediaType string      `json:"mediaType,omitempty"`
	Detail    ImageDetail `json:"detail,omitempty"`
}

func (c *ImageContent) Kind() ContentKind { return ContentKindImage }
func (c *ImageContent) PlainText() string { return "" }

func (c *ImageContent) View() string {
	return fmt.Sprintf("ImageContent{ImageURL: %s, ImageName: %s}", c.ImageURL, c.ImageName)
}

var _ MessageContent = (*ImageContent)(nil)

// Message is one versioned input or output of a turn. Parts hold the
// polymorphic content; most messages carry a single text part.
type Message struct {
	ID       string
	Role     Role
	Parts    []MessageContent
	Time     time.Time
	Metadata map[string]interface{}
}

type MessageOption func(*Message)

func WithID(id string) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

func WithTime(t time.Time) MessageOption {
	return func(m *Message) {
		m.Time = t
	}
}

func WithMetadata(metadata map[string]interface{}) MessageOption {
	return func(m *Message) {
		m.Metadata = metadata
	}
}

func NewMessage(role Role, parts []MessageContent, options ...MessageOption) *Message {
	ret := &Message{
		ID:    uuid.NewString(),
		Role:  role,
		Parts: parts,
		Time:  time.Now(),
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func NewTextMessage(role Role, text string, options ...MessageOption) *Message {
	return NewMessage(role, []MessageContent{&TextContent{Text: text}}, options...)
}

// PlainText concatenates the text-bearing parts of the message.
func (m *Message) PlainText() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if t := p.PlainText(); t != "" {
			sb.WriteString(t)
		}
	}
	return sb.String()
}

func (m *Message) View() string {
	views := make([]string, 0, len(m.Parts))
	for _, p := range m.Parts {
		views = append(views, p.View())
	}
	return fmt.Sprintf("[%s]: %s", m.Role, strings.Join(views, " "))
}

// Clone returns a copy of the message safe to hand across repository
// boundaries. Parts are treated as immutable once created and shared.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := &Message{
		ID:    m.ID,
		Role:  m.Role,
		Time:  m.Time,
		Parts: append([]MessageContent{}, m.Parts...),
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
