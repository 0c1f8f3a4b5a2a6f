// Package assistant is the client for the remote language model: chat
// completions, audio transcription and key verification. The API key is
// passed on every call and never kept by the client.
package assistant

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/leonardotrapani/voxchat/internal/conversation"
	"github.com/leonardotrapani/voxchat/internal/metrics"
	"github.com/leonardotrapani/voxchat/internal/recording"
)

var (
	ErrAuth              = errors.New("authentication failed")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstream          = errors.New("upstream error")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// supportedEncodings are the upload formats the transcription endpoint accepts.
var supportedEncodings = map[string]bool{
	recording.EncodingWAV: true,
	"audio/webm":          true,
	"audio/mpeg":          true,
	"audio/ogg":           true,
}

type Config struct {
	BaseURL            string
	ChatModel          string
	Temperature        float32
	MaxTokens          int
	TranscriptionModel string
	SystemPrompt       string
	RequestTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseURL:            "https://api.openai.com/v1",
		ChatModel:          "gpt-4",
		Temperature:        0.7,
		MaxTokens:          1000,
		TranscriptionModel: "whisper-1",
		SystemPrompt:       "You are a helpful AI assistant.",
		RequestTimeout:     30 * time.Second,
	}
}

type Client struct {
	httpClient *http.Client
	metrics    *metrics.Metrics

	mu  sync.RWMutex
	cfg Config
}

// New returns a client; m may be nil.
func New(cfg Config, m *metrics.Metrics) *Client {
	return &Client{
		httpClient: &http.Client{},
		metrics:    m,
		cfg:        cfg,
	}
}

// SetConfig replaces the configuration used by subsequent calls.
func (c *Client) SetConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
}

func (c *Client) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

func (c *Client) api(apiKey string, cfg Config) *openai.Client {
	clientConfig := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientConfig.HTTPClient = c.httpClient
	return openai.NewClientWithConfig(clientConfig)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// SendChat sends the history, preceded by the system prompt, and returns the
// assistant's reply.
func (c *Client) SendChat(ctx context.Context, apiKey string, history []conversation.Message) (string, error) {
	if apiKey == "" {
		return "", fmt.Errorf("%w: no API key", ErrAuth)
	}
	cfg := c.Config()

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if cfg.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: cfg.SystemPrompt,
		})
	}
	for _, m := range history {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	req := openai.ChatCompletionRequest{
		Model:       cfg.ChatModel,
		Messages:    messages,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}

	ctx, cancel := withTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	resp, err := c.api(apiKey, cfg).CreateChatCompletion(ctx, req)
	duration := time.Since(start)

	if err == nil && len(resp.Choices) == 0 {
		err = fmt.Errorf("%w: no response choices", ErrUpstream)
	}
	if err != nil {
		err = classify(err)
		c.metrics.RecordAssistantRequest("chat", err, duration)
		log.Printf("assistant: chat failed after %v: %v", duration, err)
		return "", fmt.Errorf("chat completion: %w", err)
	}

	c.metrics.RecordAssistantRequest("chat", nil, duration)
	reply := resp.Choices[0].Message.Content
	log.Printf("assistant: chat reply in %v (%d messages, %d chars)", duration, len(messages), len(reply))
	return reply, nil
}

// Transcribe uploads a recorded clip and returns its text.
func (c *Client) Transcribe(ctx context.Context, apiKey string, artifact recording.Artifact) (string, error) {
	if artifact.Empty() {
		return "", nil
	}
	if apiKey == "" {
		return "", fmt.Errorf("%w: no API key", ErrAuth)
	}
	if !supportedEncodings[artifact.Encoding] {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, artifact.Encoding)
	}
	cfg := c.Config()

	req := openai.AudioRequest{
		Model:    cfg.TranscriptionModel,
		Reader:   bytes.NewReader(artifact.Data),
		FilePath: artifact.FileName(),
	}

	ctx, cancel := withTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	resp, err := c.api(apiKey, cfg).CreateTranscription(ctx, req)
	duration := time.Since(start)

	if err != nil {
		err = classify(err)
		c.metrics.RecordAssistantRequest("transcribe", err, duration)
		log.Printf("assistant: transcription failed after %v: %v", duration, err)
		return "", fmt.Errorf("transcription: %w", err)
	}

	c.metrics.RecordAssistantRequest("transcribe", nil, duration)
	log.Printf("assistant: transcribed %d bytes in %v: %q", len(artifact.Data), duration, resp.Text)
	return resp.Text, nil
}

// VerifyKey checks apiKey remotely by listing the available models.
func (c *Client) VerifyKey(ctx context.Context, apiKey string) error {
	if apiKey == "" {
		return fmt.Errorf("%w: no API key", ErrAuth)
	}
	cfg := c.Config()

	ctx, cancel := withTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	_, err := c.api(apiKey, cfg).ListModels(ctx)
	duration := time.Since(start)
	if err != nil {
		err = classify(err)
	}
	c.metrics.RecordAssistantRequest("verify", err, duration)
	if err != nil {
		return fmt.Errorf("verify key: %w", err)
	}
	return nil
}

// classify maps an API failure to one of the package's sentinel errors,
// keeping the cause.
func classify(err error) error {
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrUpstream) || errors.Is(err, ErrUnsupportedFormat) {
		return err
	}

	status, message := 0, ""
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status, message = apiErr.HTTPStatusCode, apiErr.Message
	case errors.As(err, &reqErr):
		status, message = reqErr.HTTPStatusCode, string(reqErr.Body)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrAuth, err)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	case status == http.StatusUnsupportedMediaType:
		return fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	case status == http.StatusBadRequest && strings.Contains(strings.ToLower(message), "format"):
		return fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	default:
		return fmt.Errorf("%w: %w", ErrUpstream, err)
	}
}

// KeySource supplies the current API key.
type KeySource interface {
	Load() (string, error)
}

// Keyed binds a client to a key source, fetching the key on every call.
type Keyed struct {
	client *Client
	keys   KeySource
}

func (c *Client) WithKeys(keys KeySource) *Keyed {
	return &Keyed{client: c, keys: keys}
}

func (k *Keyed) key() (string, error) {
	key, err := k.keys.Load()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuth, err)
	}
	return key, nil
}

func (k *Keyed) SendChat(ctx context.Context, history []conversation.Message) (string, error) {
	key, err := k.key()
	if err != nil {
		return "", err
	}
	return k.client.SendChat(ctx, key, history)
}

// Transcribe satisfies transcriber.Uploader.
func (k *Keyed) Transcribe(ctx context.Context, artifact recording.Artifact) (string, error) {
	if artifact.Empty() {
		return "", nil
	}
	key, err := k.key()
	if err != nil {
		return "", err
	}
	return k.client.Transcribe(ctx, key, artifact)
}
