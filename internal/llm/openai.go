package llm

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("postcraft/internal/llm")

// OpenAI completes prompts through the chat completions API. Any endpoint
// speaking the same protocol can be targeted with a base URL.
type OpenAI struct {
	client      openai.Client
	model       string
	temperature float64
	maxTokens   int
}

// NewOpenAI builds a completer for one model.
func NewOpenAI(s Settings, model string) (*OpenAI, error) {
	s = s.Normalize()
	if s.APIKey == "" {
		return nil, ErrNoCredential
	}
	if model == "" {
		return nil, errors.New("llm: model is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(s.APIKey),
		option.WithMaxRetries(s.MaxRetries),
		option.WithRequestTimeout(s.Timeout),
	}
	if s.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(s.BaseURL))
	}
	return &OpenAI{
		client:      openai.NewClient(opts...),
		model:       model,
		temperature: s.Temperature,
		maxTokens:   s.MaxTokens,
	}, nil
}

// Model returns the model this completer targets.
func (o *OpenAI) Model() string { return o.model }

func (o *OpenAI) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, span := tracer.Start(ctx, "llm.complete")
	defer span.End()
	span.SetAttributes(attribute.String("model", o.model), attribute.Int("prompt_chars", len(prompt)))

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(o.temperature),
		MaxTokens:   openai.Int(int64(o.maxTokens)),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("chat completion (%s): %w", o.model, err)
	}
	if len(resp.Choices) == 0 {
		span.SetStatus(codes.Error, "empty choices")
		return "", fmt.Errorf("chat completion (%s): empty choices", o.model)
	}
	span.SetAttributes(attribute.Int64("total_tokens", resp.Usage.TotalTokens))
	return resp.Choices[0].Message.Content, nil
}
