package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/loom/pkg/conversation"
)

// EchoEngine repeats the last user message back, optionally character by
// character. Deterministic, offline, meant for tests and demos.
type EchoEngine struct {
	TimePerCharacter time.Duration
}

type EchoOption func(*EchoEngine)

func WithTimePerCharacter(d time.Duration) EchoOption {
	return func(e *EchoEngine) {
		e.TimePerCharacter = d
	}
}

func NewEchoEngine(options ...EchoOption) *EchoEngine {
	ret := &EchoEngine{
		TimePerCharacter: 10 * time.Millisecond,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

var _ StreamingEngine = (*EchoEngine)(nil)

func (e *EchoEngine) lastUserText(req *Request) (string, error) {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		msg := req.Messages[i]
		if msg.Role == conversation.RoleUser {
			return msg.PlainText(), nil
		}
	}
	return "", errors.New("no user message in request")
}

func (e *EchoEngine) Complete(ctx context.Context, req *Request) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text, err := e.lastUserText(req)
	if err != nil {
		return nil, err
	}
	return &Completion{
		Text:       text,
		Provider:   ProviderEcho,
		Model:      req.Settings.Model,
		StopReason: "stop",
	}, nil
}

func (e *EchoEngine) StreamComplete(ctx context.Context, req *Request, onDelta StreamHandler) (*Completion, error) {
	text, err := e.lastUserText(req)
	if err != nil {
		return nil, err
	}
	for _, r := range text {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.TimePerCharacter):
		}
		if onDelta != nil {
			if err := onDelta(ctx, string(r)); err != nil {
				return nil, err
			}
		}
	}
	return &Completion{
		Text:       text,
		Provider:   ProviderEcho,
		Model:      req.Settings.Model,
		StopReason: "stop",
	}, nil
}
