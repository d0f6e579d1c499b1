package engine

import (
	"context"

	"github.com/go-go-golems/loom/pkg/conversation"
)

// Settings selects and configures a provider for one generation call.
type Settings struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
	Stream   bool   `json:"stream" yaml:"stream"`
	// Thinking asks the provider for an extended reasoning pass where
	// supported; providers without the capability ignore it.
	Thinking bool `json:"thinking,omitempty" yaml:"thinking,omitempty"`

	APIKey  string `json:"-" yaml:"-"`
	BaseURL string `json:"baseURL,omitempty" yaml:"baseURL,omitempty"`

	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   *int     `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
}

func (s Settings) Clone() Settings {
	cp := s
	if s.Temperature != nil {
		t := *s.Temperature
		cp.Temperature = &t
	}
	if s.MaxTokens != nil {
		m := *s.MaxTokens
		cp.MaxTokens = &m
	}
	return cp
}

// Request is one generation call: ordered role messages plus settings.
type Request struct {
	Messages []*conversation.Message
	Settings Settings
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Completion is the provider-agnostic result of a generation call.
type Completion struct {
	Text       string `json:"text"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
}

// ExtractText pulls the final text out of a completion.
func ExtractText(c *Completion) string {
	if c == nil {
		return ""
	}
	return c.Text
}

// Engine is the injected generation capability: it accepts a request and
// returns a completion. Provider-specific logic lives behind this interface.
type Engine interface {
	Complete(ctx context.Context, req *Request) (*Completion, error)
}

// StreamHandler receives incremental text deltas during streaming generation.
type StreamHandler func(ctx context.Context, delta string) error

// StreamingEngine extends Engine with incremental delta delivery. The final
// completion is still returned once the stream ends.
type StreamingEngine interface {
	Engine
	StreamComplete(ctx context.Context, req *Request, onDelta StreamHandler) (*Completion, error)
}
