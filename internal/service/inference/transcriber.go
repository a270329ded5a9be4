package inference

import (
	"context"
	"fmt"

	"github.com/zhouzirui/live-transcribe/backend/internal/config"
)

// Transcriber turns one audio chunk into text. An empty result means nothing
// intelligible was heard.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// transcriptionPrompt is shared by every prompt-driven provider.
const transcriptionPrompt = "Please transcribe the following audio. Only output the transcribed text, nothing else. " +
	"If you cannot understand the audio or it's unclear, respond with an empty string."

// NewFromConfig builds the configured provider wrapped in the retry, rate and
// concurrency guard.
func NewFromConfig(ctx context.Context, cfg *config.Config) (Transcriber, error) {
	var provider Transcriber

	switch cfg.Inference.Provider {
	case config.ProviderGemini:
		client, err := NewGeminiClient(ctx, GeminiConfig{
			APIKey:   cfg.Gemini.APIKey,
			Model:    cfg.Gemini.Model,
			Endpoint: cfg.Gemini.Endpoint,
			MIMEType: cfg.Inference.AudioMIMEType,
		})
		if err != nil {
			return nil, err
		}
		provider = client
	case config.ProviderArk:
		chatModel, err := cfg.AI.NewChatModel(ctx)
		if err != nil {
			return nil, fmt.Errorf("create ark chat model: %w", err)
		}
		provider = NewChatTranscriber("ark", chatModel, ChatOptions{
			MIMEType:    cfg.Inference.AudioMIMEType,
			Temperature: cfg.AI.Temperature,
			TopP:        cfg.AI.TopP,
			MaxTokens:   cfg.AI.MaxTokens,
		})
	case config.ProviderVolcengine:
		client, err := NewVolcengineClient(VolcengineConfig{
			AppID:       cfg.Speech.AppID,
			AccessToken: cfg.Speech.AccessToken,
			ResourceID:  cfg.Speech.ResourceID,
			Endpoint:    cfg.Speech.Endpoint,
			Language:    cfg.Speech.Language,
			Format:      cfg.Speech.Format,
			Codec:       cfg.Speech.Codec,
		})
		if err != nil {
			return nil, err
		}
		provider = client
	default:
		return nil, fmt.Errorf("unsupported transcription provider %q", cfg.Inference.Provider)
	}

	return NewGuarded(provider, GuardConfig{
		MaxRetries:    cfg.Inference.MaxRetries,
		Backoff:       cfg.Inference.RetryBackoff,
		MaxConcurrent: cfg.Inference.MaxConcurrent,
		RateLimit:     cfg.Inference.RateLimit,
		RateBurst:     cfg.Inference.RateBurst,
	}), nil
}
