package config

import (
	"fmt"
	"net"
	"net/url"
)

func (c *Config) Validate() error {
	if c.Capture.SampleRate <= 0 {
		return fmt.Errorf("invalid capture.sample_rate: %d", c.Capture.SampleRate)
	}
	if c.Capture.Channels <= 0 {
		return fmt.Errorf("invalid capture.channels: %d", c.Capture.Channels)
	}
	if c.Capture.Format == "" {
		return fmt.Errorf("invalid capture.format: empty")
	}
	if c.Capture.BufferSize <= 0 {
		return fmt.Errorf("invalid capture.buffer_size: %d", c.Capture.BufferSize)
	}
	if c.Capture.ChannelBufferSize <= 0 {
		return fmt.Errorf("invalid capture.channel_buffer_size: %d", c.Capture.ChannelBufferSize)
	}
	if c.Capture.SliceDuration <= 0 {
		return fmt.Errorf("invalid capture.slice_duration: %v", c.Capture.SliceDuration)
	}
	if c.Capture.MaxDuration < 0 {
		return fmt.Errorf("invalid capture.max_duration: %v", c.Capture.MaxDuration)
	}
	if c.Capture.HistorySize < 0 {
		return fmt.Errorf("invalid capture.history_size: %d", c.Capture.HistorySize)
	}

	if c.Streaming.Enabled {
		u, err := url.Parse(c.Streaming.Endpoint)
		if err != nil || (u.Scheme != "wss" && u.Scheme != "ws") || u.Host == "" {
			return fmt.Errorf("invalid streaming.endpoint: %q (must be a ws:// or wss:// URL)", c.Streaming.Endpoint)
		}
		if c.Streaming.TranscriptionModel == "" {
			return fmt.Errorf("invalid streaming.transcription_model: empty")
		}
		if c.Streaming.Language != "" && !isValidLanguageCode(c.Streaming.Language) {
			return fmt.Errorf("invalid streaming.language: %s (use empty string for auto-detect or ISO-639-1 codes like 'en', 'es', 'fr')", c.Streaming.Language)
		}
	}
	if c.Streaming.MaxImmediateRestarts < 0 {
		return fmt.Errorf("invalid streaming.max_immediate_restarts: %d", c.Streaming.MaxImmediateRestarts)
	}
	if c.Streaming.ImmediateFailureWindow < 0 {
		return fmt.Errorf("invalid streaming.immediate_failure_window: %v", c.Streaming.ImmediateFailureWindow)
	}

	if u, err := url.Parse(c.Assistant.BaseURL); err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("invalid assistant.base_url: %q", c.Assistant.BaseURL)
	}
	if c.Assistant.ChatModel == "" {
		return fmt.Errorf("invalid assistant.chat_model: empty")
	}
	if c.Assistant.TranscriptionModel == "" {
		return fmt.Errorf("invalid assistant.transcription_model: empty")
	}
	if c.Assistant.Temperature < 0 || c.Assistant.Temperature > 2 {
		return fmt.Errorf("invalid assistant.temperature: %v (must be between 0 and 2)", c.Assistant.Temperature)
	}
	if c.Assistant.MaxTokens <= 0 {
		return fmt.Errorf("invalid assistant.max_tokens: %d", c.Assistant.MaxTokens)
	}
	if c.Assistant.RequestTimeout <= 0 {
		return fmt.Errorf("invalid assistant.request_timeout: %v", c.Assistant.RequestTimeout)
	}

	validTypes := map[string]bool{"desktop": true, "log": true, "none": true}
	if !validTypes[c.Notifications.Type] {
		return fmt.Errorf("invalid notifications.type: %s (must be desktop, log, or none)", c.Notifications.Type)
	}

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Address); err != nil {
			return fmt.Errorf("invalid metrics.address: %q: %v", c.Metrics.Address, err)
		}
	}

	return nil
}

// NotifierType returns the effective notification type.
func (c *Config) NotifierType() string {
	if !c.Notifications.Enabled {
		return "none"
	}
	return c.Notifications.Type
}

// isValidLanguageCode reports whether code is an ISO-639-1 code the realtime
// transcription models accept.
func isValidLanguageCode(code string) bool {
	validCodes := map[string]bool{
		"af": true, "ar": true, "hy": true, "az": true, "be": true, "bs": true,
		"bg": true, "ca": true, "zh": true, "hr": true, "cs": true, "da": true,
		"nl": true, "en": true, "et": true, "fi": true, "fr": true, "gl": true,
		"de": true, "el": true, "he": true, "hi": true, "hu": true, "is": true,
		"id": true, "it": true, "ja": true, "kn": true, "kk": true, "ko": true,
		"lv": true, "lt": true, "mk": true, "ms": true, "mr": true, "mi": true,
		"ne": true, "no": true, "fa": true, "pl": true, "pt": true, "ro": true,
		"ru": true, "sr": true, "sk": true, "sl": true, "es": true, "sw": true,
		"sv": true, "tl": true, "ta": true, "th": true, "tr": true, "uk": true,
		"ur": true, "vi": true, "cy": true,
	}
	return validCodes[code]
}
