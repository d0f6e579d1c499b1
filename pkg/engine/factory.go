package engine

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	ProviderOpenAI = "openai"
	ProviderEcho   = "echo"
)

// Factory resolves an engine for a provider+model pair. It allows external
// control over which provider engine is used without the calling code knowing
// specific implementations.
type Factory interface {
	Resolve(settings Settings) (Engine, error)
	SupportedProviders() []string
	DefaultProvider() string
}

// StandardFactory is the default Factory. It supports the openai-compatible
// engine and the deterministic echo engine.
type StandardFactory struct{}

func NewStandardFactory() *StandardFactory {
	return &StandardFactory{}
}

var _ Factory = (*StandardFactory)(nil)

func (f *StandardFactory) Resolve(settings Settings) (Engine, error) {
	provider := strings.ToLower(settings.Provider)
	if provider == "" {
		provider = f.DefaultProvider()
	}
	switch provider {
	case ProviderOpenAI, "anyscale", "fireworks":
		return NewOpenAIEngine(settings)
	case ProviderEcho:
		return NewEchoEngine(WithTimePerCharacter(0 * time.Millisecond)), nil
	default:
		return nil, errors.Errorf("unsupported provider %s", provider)
	}
}

func (f *StandardFactory) SupportedProviders() []string {
	return []string{ProviderOpenAI, ProviderEcho}
}

func (f *StandardFactory) DefaultProvider() string {
	return ProviderOpenAI
}
