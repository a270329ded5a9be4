package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	geminiProvider        = "gemini"
	defaultGeminiModel    = "gemini-1.5-flash"
	defaultGeminiEndpoint = "https://generativelanguage.googleapis.com/v1beta"
	defaultAudioMIMEType  = "audio/webm"
)

// apiVersionPattern matches a trailing version segment such as v1 or v1beta.
var apiVersionPattern = regexp.MustCompile(`^v\d+((alpha|beta)\d*)?$`)

// GeminiConfig 配置 Gemini generateContent 调用
type GeminiConfig struct {
	APIKey     string
	Model      string
	Endpoint   string // 可带版本段，如 https://host/v1beta
	MIMEType   string
	HTTPClient *http.Client
}

// GeminiClient transcribes audio through the genai SDK.
type GeminiClient struct {
	client   *genai.Client
	model    string
	mimeType string
	config   *genai.GenerateContentConfig
}

// NewGeminiClient validates cfg and creates a client.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultGeminiModel
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = defaultGeminiEndpoint
	}
	httpOptions, err := geminiHTTPOptions(endpoint)
	if err != nil {
		return nil, err
	}

	mimeType := cfg.MIMEType
	if mimeType == "" {
		mimeType = defaultAudioMIMEType
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  httpClient,
		HTTPOptions: httpOptions,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &GeminiClient{
		client:   client,
		model:    model,
		mimeType: mimeType,
		config: &genai.GenerateContentConfig{
			Temperature:     genai.Ptr[float32](0.1),
			TopP:            genai.Ptr[float32](0.8),
			TopK:            genai.Ptr[float32](10),
			MaxOutputTokens: 1024,
		},
	}, nil
}

// geminiHTTPOptions splits a trailing version segment off endpoint so that
// both https://host and https://host/v1beta work.
func geminiHTTPOptions(endpoint string) (genai.HTTPOptions, error) {
	u, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return genai.HTTPOptions{}, fmt.Errorf("invalid gemini endpoint %q", endpoint)
	}

	var opts genai.HTTPOptions
	if version := path.Base(u.Path); apiVersionPattern.MatchString(version) {
		opts.APIVersion = version
		u.Path = path.Dir(u.Path)
	}
	opts.BaseURL = strings.TrimRight(u.String(), "/") + "/"
	return opts, nil
}

// Transcribe sends audio inline with the transcription prompt and returns the
// first candidate's text.
func (c *GeminiClient) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", nil
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(transcriptionPrompt),
			genai.NewPartFromBytes(audio, c.mimeType),
		}, genai.RoleUser),
	}

	config := *c.config
	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, &config)
	if err != nil {
		return "", geminiError(ctx, err)
	}
	// 没有候选结果视为未识别出内容
	return resp.Text(), nil
}

// geminiError maps SDK failures onto reason-coded errors.
func geminiError(ctx context.Context, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		msg := strings.TrimSpace(apiErr.Message)
		if len(msg) > 256 {
			msg = msg[:256]
		}
		if msg == "" {
			msg = apiErr.Status
		}
		return &Error{Provider: geminiProvider, Reason: ReasonStatus, StatusCode: apiErr.Code, Err: errors.New(msg)}
	}

	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = fmt.Errorf("%w: %v", ctxErr, err)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return &Error{Provider: geminiProvider, Reason: ReasonDecode, Err: err}
	}
	return requestError(geminiProvider, err)
}
