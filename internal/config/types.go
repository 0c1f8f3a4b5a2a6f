package config

import (
	"reflect"
	"time"

	"github.com/leonardotrapani/voxchat/internal/notify"
)

type Config struct {
	Capture       CaptureConfig       `toml:"capture"`
	Streaming     StreamingConfig     `toml:"streaming"`
	Assistant     AssistantConfig     `toml:"assistant"`
	Storage       StorageConfig       `toml:"storage"`
	Notifications NotificationsConfig `toml:"notifications"`
	Metrics       MetricsConfig       `toml:"metrics"`
}

type CaptureConfig struct {
	SampleRate        int           `toml:"sample_rate"`
	Channels          int           `toml:"channels"`
	Format            string        `toml:"format"`
	EchoCancellation  bool          `toml:"echo_cancellation"`
	BufferSize        int           `toml:"buffer_size"`
	Device            string        `toml:"device"`
	ChannelBufferSize int           `toml:"channel_buffer_size"`
	SliceDuration     time.Duration `toml:"slice_duration"`
	MaxDuration       time.Duration `toml:"max_duration"` // 0 = unlimited
	HistorySize       int           `toml:"history_size"`
}

// StreamingConfig configures the realtime recognizer used by streaming mode.
type StreamingConfig struct {
	Enabled                bool          `toml:"enabled"`
	Endpoint               string        `toml:"endpoint"`
	SessionModel           string        `toml:"session_model"`
	TranscriptionModel     string        `toml:"transcription_model"`
	Language               string        `toml:"language"`
	MaxImmediateRestarts   int           `toml:"max_immediate_restarts"`
	ImmediateFailureWindow time.Duration `toml:"immediate_failure_window"`
}

type AssistantConfig struct {
	BaseURL            string        `toml:"base_url"`
	ChatModel          string        `toml:"chat_model"`
	Temperature        float32       `toml:"temperature"`
	MaxTokens          int           `toml:"max_tokens"`
	TranscriptionModel string        `toml:"transcription_model"`
	SystemPrompt       string        `toml:"system_prompt"`
	RequestTimeout     time.Duration `toml:"request_timeout"`
}

type StorageConfig struct {
	Path string `toml:"path"` // empty = $XDG_DATA_HOME/voxchat/voxchat.db
}

type NotificationsConfig struct {
	Enabled  bool           `toml:"enabled"`
	Type     string         `toml:"type"` // "desktop", "log", "none"
	Messages MessagesConfig `toml:"messages"`
}

type MessageConfig struct {
	Title string `toml:"title"`
	Body  string `toml:"body"`
}

type MessagesConfig struct {
	StreamingStarted   MessageConfig `toml:"streaming_started"`
	RecordingStarted   MessageConfig `toml:"recording_started"`
	Transcribing       MessageConfig `toml:"transcribing"`
	TranscriptionReady MessageConfig `toml:"transcription_ready"`
	ReplyReceived      MessageConfig `toml:"reply_received"`
	ConfigReloaded     MessageConfig `toml:"config_reloaded"`
	StateNotSaved      MessageConfig `toml:"state_not_saved"`
	CaptureFailed      MessageConfig `toml:"capture_failed"`
}

// Resolve merges user config with defaults from MessageDefs
func (m *MessagesConfig) Resolve() map[notify.MessageType]notify.Message {
	result := make(map[notify.MessageType]notify.Message)

	v := reflect.ValueOf(m).Elem()
	t := v.Type()
	tagToField := make(map[string]int)
	for i := 0; i < t.NumField(); i++ {
		tagToField[t.Field(i).Tag.Get("toml")] = i
	}

	for _, def := range notify.MessageDefs {
		msg := notify.Message{
			Title:   def.DefaultTitle,
			Body:    def.DefaultBody,
			IsError: def.IsError,
		}
		if idx, ok := tagToField[def.ConfigKey]; ok {
			userMsg := v.Field(idx).Interface().(MessageConfig)
			if userMsg.Title != "" {
				msg.Title = userMsg.Title
			}
			if userMsg.Body != "" {
				msg.Body = userMsg.Body
			}
		}
		result[def.Type] = msg
	}
	return result
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
}
