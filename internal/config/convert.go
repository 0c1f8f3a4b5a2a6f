package config

import (
	"github.com/leonardotrapani/voxchat/internal/assistant"
	"github.com/leonardotrapani/voxchat/internal/pipeline"
	"github.com/leonardotrapani/voxchat/internal/recording"
	"github.com/leonardotrapani/voxchat/internal/storage"
	"github.com/leonardotrapani/voxchat/internal/transcriber"
)

func (c *Config) ToRecordingConfig() recording.Config {
	return recording.Config{
		SampleRate:        c.Capture.SampleRate,
		Channels:          c.Capture.Channels,
		Format:            c.Capture.Format,
		EchoCancellation:  c.Capture.EchoCancellation,
		BufferSize:        c.Capture.BufferSize,
		Device:            c.Capture.Device,
		ChannelBufferSize: c.Capture.ChannelBufferSize,
	}
}

func (c *Config) ToPipelineConfig() pipeline.Config {
	return pipeline.Config{
		Capture:                c.ToRecordingConfig(),
		SliceDuration:          c.Capture.SliceDuration,
		MaxDuration:            c.Capture.MaxDuration,
		RequestTimeout:         c.Assistant.RequestTimeout,
		MaxImmediateRestarts:   c.Streaming.MaxImmediateRestarts,
		ImmediateFailureWindow: c.Streaming.ImmediateFailureWindow,
		HistorySize:            c.Capture.HistorySize,
	}
}

// ToRealtimeConfig returns the recognizer settings; the API key is filled in
// per session.
func (c *Config) ToRealtimeConfig() transcriber.RealtimeConfig {
	return transcriber.RealtimeConfig{
		Endpoint:           c.Streaming.Endpoint,
		SessionModel:       c.Streaming.SessionModel,
		TranscriptionModel: c.Streaming.TranscriptionModel,
		Language:           c.Streaming.Language,
		InputSampleRate:    c.Capture.SampleRate,
	}
}

func (c *Config) ToAssistantConfig() assistant.Config {
	return assistant.Config{
		BaseURL:            c.Assistant.BaseURL,
		ChatModel:          c.Assistant.ChatModel,
		Temperature:        c.Assistant.Temperature,
		MaxTokens:          c.Assistant.MaxTokens,
		TranscriptionModel: c.Assistant.TranscriptionModel,
		SystemPrompt:       c.Assistant.SystemPrompt,
		RequestTimeout:     c.Assistant.RequestTimeout,
	}
}

// StoragePath returns the database path, falling back to the default location.
func (c *Config) StoragePath() (string, error) {
	if c.Storage.Path != "" {
		return c.Storage.Path, nil
	}
	return storage.DefaultPath()
}
