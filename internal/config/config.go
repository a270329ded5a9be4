package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// 可选的转写提供方。
const (
	ProviderGemini     = "gemini"
	ProviderArk        = "ark"
	ProviderVolcengine = "volcengine"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	Stream    StreamConfig
	Inference InferenceConfig
	Gemini    GeminiConfig
	AI        AIConfig
	Speech    SpeechConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	stream, err := loadStreamConfig()
	if err != nil {
		return nil, err
	}

	inference, err := loadInferenceConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:    server,
		Stream:    stream,
		Inference: inference,
		Gemini:    loadGeminiConfig(),
		AI:        ai,
		Speech:    loadSpeechConfig(),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查阈值和所选提供方的凭证。
func (c *Config) Validate() error {
	var errs []error

	if c.Stream.FlushBytes <= 0 {
		errs = append(errs, fmt.Errorf("STREAM_FLUSH_BYTES must be positive, got %d", c.Stream.FlushBytes))
	}
	if c.Stream.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("STREAM_FLUSH_INTERVAL_MS must be positive, got %s", c.Stream.FlushInterval))
	}
	if c.Stream.IdleThreshold <= 0 {
		errs = append(errs, fmt.Errorf("STREAM_IDLE_THRESHOLD_MS must be positive, got %s", c.Stream.IdleThreshold))
	}
	if c.Stream.MaxBinaryBytes < int64(c.Stream.FlushBytes) {
		errs = append(errs, fmt.Errorf("WS_MAX_BINARY_BYTES (%d) must not be below STREAM_FLUSH_BYTES (%d)", c.Stream.MaxBinaryBytes, c.Stream.FlushBytes))
	}
	if c.Inference.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("INFERENCE_TIMEOUT_SECONDS must be positive, got %s", c.Inference.Timeout))
	}
	if c.Inference.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("INFERENCE_MAX_RETRIES must not be negative, got %d", c.Inference.MaxRetries))
	}
	if c.Inference.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("INFERENCE_RATE_LIMIT must not be negative, got %g", c.Inference.RateLimit))
	}

	switch c.Inference.Provider {
	case ProviderGemini:
		if c.Gemini.APIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required when TRANSCRIBE_PROVIDER=gemini"))
		}
	case ProviderArk:
		if !c.AI.Enabled() {
			errs = append(errs, errors.New("ARK_API_KEY (or ARK_ACCESS_KEY/ARK_SECRET_KEY) and Model are required when TRANSCRIBE_PROVIDER=ark"))
		}
	case ProviderVolcengine:
		if !c.Speech.Enabled() {
			errs = append(errs, errors.New("SPEECH_APP_ID and SPEECH_ACCESS_TOKEN are required when TRANSCRIBE_PROVIDER=volcengine"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown TRANSCRIBE_PROVIDER %q", c.Inference.Provider))
	}

	return errors.Join(errs...)
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// StreamConfig 描述音频缓冲与 WebSocket 限制。
type StreamConfig struct {
	FlushBytes     int
	FlushInterval  time.Duration
	IdleThreshold  time.Duration
	MaxBinaryBytes int64
	MaxTextBytes   int64
	IdleTimeout    time.Duration
	AllowedOrigins []string
}

func loadStreamConfig() (StreamConfig, error) {
	flushBytes, err := parseIntEnv("STREAM_FLUSH_BYTES", 32*1024)
	if err != nil {
		return StreamConfig{}, err
	}

	flushInterval, err := parseDurationEnv("STREAM_FLUSH_INTERVAL_MS", time.Millisecond, time.Second)
	if err != nil {
		return StreamConfig{}, err
	}

	idle, err := parseDurationEnv("STREAM_IDLE_THRESHOLD_MS", time.Millisecond, 100*time.Millisecond)
	if err != nil {
		return StreamConfig{}, err
	}

	maxBinary, err := parseIntEnv("WS_MAX_BINARY_BYTES", 512*1024)
	if err != nil {
		return StreamConfig{}, err
	}

	maxText, err := parseIntEnv("WS_MAX_TEXT_BYTES", 64*1024)
	if err != nil {
		return StreamConfig{}, err
	}

	idleTimeout, err := parseDurationEnv("WS_IDLE_TIMEOUT_SECONDS", time.Second, 300*time.Second)
	if err != nil {
		return StreamConfig{}, err
	}

	return StreamConfig{
		FlushBytes:     flushBytes,
		FlushInterval:  flushInterval,
		IdleThreshold:  idle,
		MaxBinaryBytes: int64(maxBinary),
		MaxTextBytes:   int64(maxText),
		IdleTimeout:    idleTimeout,
		AllowedOrigins: splitList(getEnvOrDefault("WS_ALLOWED_ORIGINS", "*")),
	}, nil
}

// InferenceConfig 描述转写调用的提供方与保护参数。
type InferenceConfig struct {
	Provider      string
	Timeout       time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
	MaxConcurrent int
	RateLimit     float64 // 每秒请求数，0 表示不限
	RateBurst     int
	AudioMIMEType string
}

func loadInferenceConfig() (InferenceConfig, error) {
	timeout, err := parseDurationEnv("INFERENCE_TIMEOUT_SECONDS", time.Second, 30*time.Second)
	if err != nil {
		return InferenceConfig{}, err
	}

	retries, err := parseIntEnv("INFERENCE_MAX_RETRIES", 2)
	if err != nil {
		return InferenceConfig{}, err
	}

	backoff, err := parseDurationEnv("INFERENCE_RETRY_BACKOFF_MS", time.Millisecond, 200*time.Millisecond)
	if err != nil {
		return InferenceConfig{}, err
	}

	concurrent, err := parseIntEnv("INFERENCE_MAX_CONCURRENT", 8)
	if err != nil {
		return InferenceConfig{}, err
	}

	rateLimit := 0.0
	if override, err := parseOptionalFloatEnv("INFERENCE_RATE_LIMIT"); err != nil {
		return InferenceConfig{}, err
	} else if override != nil {
		rateLimit = *override
	}

	burst, err := parseIntEnv("INFERENCE_RATE_BURST", 4)
	if err != nil {
		return InferenceConfig{}, err
	}

	return InferenceConfig{
		Provider:      strings.ToLower(getEnvOrDefault("TRANSCRIBE_PROVIDER", ProviderGemini)),
		Timeout:       timeout,
		MaxRetries:    retries,
		RetryBackoff:  backoff,
		MaxConcurrent: concurrent,
		RateLimit:     rateLimit,
		RateBurst:     burst,
		AudioMIMEType: getEnvOrDefault("AUDIO_MIME_TYPE", "audio/webm"),
	}, nil
}

// GeminiConfig 描述 Gemini generateContent 接口配置。
type GeminiConfig struct {
	APIKey   string
	Model    string
	Endpoint string
}

func loadGeminiConfig() GeminiConfig {
	return GeminiConfig{
		APIKey:   strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		Model:    getEnvOrDefault("GEMINI_MODEL", "gemini-1.5-flash"),
		Endpoint: getEnvOrDefault("GEMINI_ENDPOINT", "https://generativelanguage.googleapis.com/v1beta"),
	}
}

// AIConfig 描述 Ark 大模型相关配置。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("Model")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

// SpeechConfig 描述火山引擎流式语音识别配置
type SpeechConfig struct {
	AppID       string
	AccessToken string
	ResourceID  string
	Endpoint    string
	Language    string
	Format      string
	Codec       string
}

// Enabled 表示是否提供了必需的凭证。
func (c SpeechConfig) Enabled() bool {
	return c.AppID != "" && c.AccessToken != ""
}

func loadSpeechConfig() SpeechConfig {
	accessToken := strings.TrimSpace(os.Getenv("SPEECH_ACCESS_TOKEN"))
	if accessToken == "" {
		// 兼容旧配置
		accessToken = strings.TrimSpace(os.Getenv("SPEECH_API_KEY"))
	}

	return SpeechConfig{
		AppID:       strings.TrimSpace(os.Getenv("SPEECH_APP_ID")),
		AccessToken: accessToken,
		ResourceID:  getEnvOrDefault("SPEECH_ASR_RESOURCE_ID", "volc.bigasr.sauc.duration"),
		Endpoint:    getEnvOrDefault("SPEECH_ASR_ENDPOINT", "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_nostream"),
		Language:    getEnvOrDefault("SPEECH_ASR_LANGUAGE", "zh-CN"),
		Format:      getEnvOrDefault("SPEECH_ASR_FORMAT", "ogg"),
		Codec:       getEnvOrDefault("SPEECH_ASR_CODEC", "opus"),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	return *val, nil
}

// parseDurationEnv 读取以 unit 为单位的整数。
func parseDurationEnv(key string, unit, defaultValue time.Duration) (time.Duration, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	return time.Duration(*val) * unit, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
