package engine

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/loom/pkg/conversation"
)

// OpenAIEngine implements the generation capability against the OpenAI chat
// completion API (and compatible endpoints via BaseURL).
type OpenAIEngine struct {
	settings Settings
	client   *go_openai.Client
}

func NewOpenAIEngine(settings Settings) (*OpenAIEngine, error) {
	if settings.Model == "" {
		return nil, errors.New("no model specified")
	}
	config := go_openai.DefaultConfig(settings.APIKey)
	if settings.BaseURL != "" {
		config.BaseURL = settings.BaseURL
	}
	return &OpenAIEngine{
		settings: settings.Clone(),
		client:   go_openai.NewClientWithConfig(config),
	}, nil
}

var _ StreamingEngine = (*OpenAIEngine)(nil)

func makeMessages(msgs []*conversation.Message) []go_openai.ChatCompletionMessage {
	ret := make([]go_openai.ChatCompletionMessage, 0, len(msgs))
	for _, msg := range msgs {
		text := msg.PlainText()
		if text == "" {
			continue
		}
		ret = append(ret, go_openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: text,
		})
	}
	return ret
}

func (e *OpenAIEngine) makeRequest(req *Request) go_openai.ChatCompletionRequest {
	settings := e.settings
	if req.Settings.Model != "" {
		settings = req.Settings
	}
	ret := go_openai.ChatCompletionRequest{
		Model:    settings.Model,
		Messages: makeMessages(req.Messages),
	}
	if settings.Temperature != nil {
		ret.Temperature = float32(*settings.Temperature)
	}
	if settings.MaxTokens != nil {
		ret.MaxTokens = *settings.MaxTokens
	}
	return ret
}

func (e *OpenAIEngine) Complete(ctx context.Context, req *Request) (*Completion, error) {
	apiReq := e.makeRequest(req)
	log.Debug().
		Str("model", apiReq.Model).
		Int("num_messages", len(apiReq.Messages)).
		Msg("openai completion started")

	resp, err := e.client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return nil, errors.Wrap(err, "chat completion failed")
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("chat completion returned no choices")
	}
	choice := resp.Choices[0]
	return &Completion{
		Text:       choice.Message.Content,
		Provider:   ProviderOpenAI,
		Model:      resp.Model,
		StopReason: string(choice.FinishReason),
		Usage: &Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func (e *OpenAIEngine) StreamComplete(ctx context.Context, req *Request, onDelta StreamHandler) (*Completion, error) {
	apiReq := e.makeRequest(req)
	apiReq.Stream = true
	log.Debug().
		Str("model", apiReq.Model).
		Int("num_messages", len(apiReq.Messages)).
		Msg("openai streaming completion started")

	stream, err := e.client.CreateChatCompletionStream(ctx, apiReq)
	if err != nil {
		return nil, errors.Wrap(err, "could not open completion stream")
	}
	defer stream.Close()

	completion := &Completion{
		Provider: ProviderOpenAI,
		Model:    apiReq.Model,
	}
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "completion stream failed")
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.FinishReason != "" {
			completion.StopReason = string(choice.FinishReason)
		}
		delta := choice.Delta.Content
		if delta == "" {
			continue
		}
		completion.Text += delta
		if onDelta != nil {
			if err := onDelta(ctx, delta); err != nil {
				return nil, err
			}
		}
	}
	return completion, nil
}
