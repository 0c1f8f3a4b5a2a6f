package tui

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/leonardotrapani/voxchat/internal/config"
	"github.com/leonardotrapani/voxchat/internal/notify"
)

// Form fields are edited as strings and parsed back on apply.

type assistantValues struct {
	BaseURL            string
	ChatModel          string
	Temperature        string
	MaxTokens          string
	TranscriptionModel string
	SystemPrompt       string
	RequestTimeout     string
}

func assistantValuesFrom(cfg *config.Config) assistantValues {
	a := cfg.Assistant
	return assistantValues{
		BaseURL:            a.BaseURL,
		ChatModel:          a.ChatModel,
		Temperature:        strconv.FormatFloat(float64(a.Temperature), 'f', -1, 32),
		MaxTokens:          strconv.Itoa(a.MaxTokens),
		TranscriptionModel: a.TranscriptionModel,
		SystemPrompt:       a.SystemPrompt,
		RequestTimeout:     a.RequestTimeout.String(),
	}
}

func (v assistantValues) apply(cfg *config.Config) error {
	if err := validateHTTPURL(v.BaseURL); err != nil {
		return fmt.Errorf("base url: %w", err)
	}
	if err := validateRequired(v.ChatModel); err != nil {
		return fmt.Errorf("chat model: %w", err)
	}
	if err := validateTemperature(v.Temperature); err != nil {
		return fmt.Errorf("temperature: %w", err)
	}
	if err := validatePositiveInt(v.MaxTokens); err != nil {
		return fmt.Errorf("max tokens: %w", err)
	}
	if err := validateRequired(v.TranscriptionModel); err != nil {
		return fmt.Errorf("transcription model: %w", err)
	}
	if err := validatePositiveDuration(v.RequestTimeout); err != nil {
		return fmt.Errorf("request timeout: %w", err)
	}

	temp, _ := strconv.ParseFloat(strings.TrimSpace(v.Temperature), 32)
	maxTokens, _ := strconv.Atoi(strings.TrimSpace(v.MaxTokens))
	timeout, _ := time.ParseDuration(strings.TrimSpace(v.RequestTimeout))

	cfg.Assistant.BaseURL = strings.TrimSpace(v.BaseURL)
	cfg.Assistant.ChatModel = strings.TrimSpace(v.ChatModel)
	cfg.Assistant.Temperature = float32(temp)
	cfg.Assistant.MaxTokens = maxTokens
	cfg.Assistant.TranscriptionModel = strings.TrimSpace(v.TranscriptionModel)
	cfg.Assistant.SystemPrompt = strings.TrimSpace(v.SystemPrompt)
	cfg.Assistant.RequestTimeout = timeout
	return nil
}

type captureValues struct {
	SampleRate       string
	Channels         string
	EchoCancellation bool
	BufferSize       string
	Device           string
	SliceDuration    string
	MaxDuration      string
}

func captureValuesFrom(cfg *config.Config) captureValues {
	c := cfg.Capture
	return captureValues{
		SampleRate:       strconv.Itoa(c.SampleRate),
		Channels:         strconv.Itoa(c.Channels),
		EchoCancellation: c.EchoCancellation,
		BufferSize:       strconv.Itoa(c.BufferSize),
		Device:           c.Device,
		SliceDuration:    c.SliceDuration.String(),
		MaxDuration:      c.MaxDuration.String(),
	}
}

func (v captureValues) apply(cfg *config.Config) error {
	for _, f := range []struct {
		name  string
		value string
	}{
		{"sample rate", v.SampleRate},
		{"channels", v.Channels},
		{"buffer size", v.BufferSize},
	} {
		if err := validatePositiveInt(f.value); err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
	}
	if err := validatePositiveDuration(v.SliceDuration); err != nil {
		return fmt.Errorf("slice duration: %w", err)
	}
	if err := validateDuration(v.MaxDuration); err != nil {
		return fmt.Errorf("max duration: %w", err)
	}

	cfg.Capture.SampleRate, _ = strconv.Atoi(strings.TrimSpace(v.SampleRate))
	cfg.Capture.Channels, _ = strconv.Atoi(strings.TrimSpace(v.Channels))
	cfg.Capture.BufferSize, _ = strconv.Atoi(strings.TrimSpace(v.BufferSize))
	cfg.Capture.EchoCancellation = v.EchoCancellation
	cfg.Capture.Device = strings.TrimSpace(v.Device)
	cfg.Capture.SliceDuration, _ = time.ParseDuration(strings.TrimSpace(v.SliceDuration))
	cfg.Capture.MaxDuration, _ = time.ParseDuration(strings.TrimSpace(v.MaxDuration))
	return nil
}

type streamingValues struct {
	Enabled            bool
	Endpoint           string
	TranscriptionModel string
	Language           string
	MaxRestarts        string
}

func streamingValuesFrom(cfg *config.Config) streamingValues {
	s := cfg.Streaming
	return streamingValues{
		Enabled:            s.Enabled,
		Endpoint:           s.Endpoint,
		TranscriptionModel: s.TranscriptionModel,
		Language:           s.Language,
		MaxRestarts:        strconv.Itoa(s.MaxImmediateRestarts),
	}
}

// apply writes the values and validates the result with the config's own rules.
func (v streamingValues) apply(cfg *config.Config) error {
	restarts, err := strconv.Atoi(strings.TrimSpace(v.MaxRestarts))
	if err != nil || restarts < 0 {
		return fmt.Errorf("max restarts: must be a non-negative number")
	}

	next := *cfg
	next.Streaming.Enabled = v.Enabled
	next.Streaming.Endpoint = strings.TrimSpace(v.Endpoint)
	next.Streaming.TranscriptionModel = strings.TrimSpace(v.TranscriptionModel)
	next.Streaming.Language = strings.TrimSpace(v.Language)
	next.Streaming.MaxImmediateRestarts = restarts
	if err := next.Validate(); err != nil {
		return err
	}
	cfg.Streaming = next.Streaming
	return nil
}

// messageField maps a notify config key to its override in m.
func messageField(m *config.MessagesConfig, key string) *config.MessageConfig {
	fields := map[string]*config.MessageConfig{
		"streaming_started":   &m.StreamingStarted,
		"recording_started":   &m.RecordingStarted,
		"transcribing":        &m.Transcribing,
		"transcription_ready": &m.TranscriptionReady,
		"reply_received":      &m.ReplyReceived,
		"config_reloaded":     &m.ConfigReloaded,
		"state_not_saved":     &m.StateNotSaved,
		"capture_failed":      &m.CaptureFailed,
	}
	return fields[key]
}

func findMessageDef(key string) (notify.MessageDef, bool) {
	for _, def := range notify.MessageDefs {
		if def.ConfigKey == key {
			return def, true
		}
	}
	return notify.MessageDef{}, false
}

// setMessage stores an override, dropping parts equal to the default.
func setMessage(m *config.MessagesConfig, key, title, body string) error {
	def, ok := findMessageDef(key)
	field := messageField(m, key)
	if !ok || field == nil {
		return fmt.Errorf("unknown notification message %q", key)
	}
	title, body = strings.TrimSpace(title), strings.TrimSpace(body)
	if title == def.DefaultTitle {
		title = ""
	}
	if body == def.DefaultBody {
		body = ""
	}
	*field = config.MessageConfig{Title: title, Body: body}
	return nil
}

func validateRequired(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("required")
	}
	return nil
}

func validatePositiveInt(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("must be a number")
	}
	if n <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("must be a duration like 30s or 5m")
	}
	if d < 0 {
		return fmt.Errorf("must not be negative")
	}
	return nil
}

func validatePositiveDuration(s string) error {
	if err := validateDuration(s); err != nil {
		return err
	}
	if d, _ := time.ParseDuration(strings.TrimSpace(s)); d == 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func validateTemperature(s string) error {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 32)
	if err != nil {
		return fmt.Errorf("must be a number")
	}
	if f < 0 || f > 2 {
		return fmt.Errorf("must be between 0 and 2")
	}
	return nil
}

func validateHTTPURL(s string) error {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("must be an http(s) URL")
	}
	return nil
}
