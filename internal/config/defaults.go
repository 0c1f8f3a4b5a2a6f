package config

import "time"

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() *Config {
	return &Config{
		Capture: CaptureConfig{
			SampleRate:        44100,
			Channels:          1,
			Format:            "s16le",
			EchoCancellation:  true,
			BufferSize:        4096,
			Device:            "",
			ChannelBufferSize: 50,
			SliceDuration:     time.Second,
			MaxDuration:       5 * time.Minute,
			HistorySize:       50,
		},
		Streaming: StreamingConfig{
			Enabled:                true,
			Endpoint:               "wss://api.openai.com/v1/realtime",
			SessionModel:           "gpt-4o-realtime-preview",
			TranscriptionModel:     "gpt-4o-transcribe",
			Language:               "",
			MaxImmediateRestarts:   3,
			ImmediateFailureWindow: time.Second,
		},
		Assistant: AssistantConfig{
			BaseURL:            "https://api.openai.com/v1",
			ChatModel:          "gpt-4",
			Temperature:        0.7,
			MaxTokens:          1000,
			TranscriptionModel: "whisper-1",
			SystemPrompt:       "You are a helpful AI assistant.",
			RequestTimeout:     30 * time.Second,
		},
		Notifications: NotificationsConfig{
			Enabled: true,
			Type:    "desktop",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9464",
		},
	}
}
