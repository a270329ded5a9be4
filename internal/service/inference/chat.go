package inference

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// chatGenerator is the part of an eino chat model the transcriber needs.
type chatGenerator interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// ChatOptions tunes a chat-model transcription call. Nil fields use the
// transcription defaults.
type ChatOptions struct {
	MIMEType    string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// ChatTranscriber transcribes audio through a multimodal eino chat model,
// e.g. the Ark model built by config.AIConfig.
type ChatTranscriber struct {
	provider string
	model    chatGenerator
	mimeType string
	options  []model.Option
}

// NewChatTranscriber wraps a chat model. provider names it in errors.
func NewChatTranscriber(provider string, chatModel chatGenerator, opts ChatOptions) *ChatTranscriber {
	mimeType := opts.MIMEType
	if mimeType == "" {
		mimeType = defaultAudioMIMEType
	}

	temperature := float32(0.1)
	if opts.Temperature != nil {
		temperature = float32(*opts.Temperature)
	}
	topP := float32(0.8)
	if opts.TopP != nil {
		topP = float32(*opts.TopP)
	}
	maxTokens := 1024
	if opts.MaxTokens != nil {
		maxTokens = *opts.MaxTokens
	}

	return &ChatTranscriber{
		provider: provider,
		model:    chatModel,
		mimeType: mimeType,
		options: []model.Option{
			model.WithTemperature(temperature),
			model.WithTopP(topP),
			model.WithMaxTokens(maxTokens),
		},
	}
}

// Transcribe asks the model for a verbatim transcript of audio.
func (c *ChatTranscriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", nil
	}

	resp, err := c.model.Generate(ctx, c.buildMessages(audio), c.options...)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", requestError(c.provider, err)
		}
		return "", &Error{Provider: c.provider, Reason: ReasonProvider, Err: fmt.Errorf("generate: %w", err)}
	}
	if resp == nil {
		return "", &Error{Provider: c.provider, Reason: ReasonDecode, Err: errors.New("empty model response")}
	}

	return resp.Content, nil
}

func (c *ChatTranscriber) buildMessages(audio []byte) []*schema.Message {
	dataURL := fmt.Sprintf("data:%s;base64,%s", c.mimeType, base64.StdEncoding.EncodeToString(audio))

	return []*schema.Message{
		schema.SystemMessage(transcriptionPrompt),
		{
			Role: schema.User,
			MultiContent: []schema.ChatMessagePart{
				{
					Type: schema.ChatMessagePartTypeText,
					Text: "Transcribe this audio.",
				},
				{
					Type: schema.ChatMessagePartTypeAudioURL,
					AudioURL: &schema.ChatMessageAudioURL{
						URL:      dataURL,
						MIMEType: c.mimeType,
					},
				},
			},
		},
	}
}
