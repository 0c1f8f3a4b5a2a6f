package config

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/BurntSushi/toml"
)

func GetConfigPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}

	voxchatDir := filepath.Join(configDir, "voxchat")
	if err := os.MkdirAll(voxchatDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	return filepath.Join(voxchatDir, "config.toml"), nil
}

// Load reads the user's config file, writing the defaults first if it does not exist.
func Load() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFile(configPath)
}

// LoadFile reads path. Keys missing from the file keep their default values.
func LoadFile(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Printf("Config: no config file found at %s, creating with defaults", configPath)
		if err := SaveFile(configPath, DefaultConfig()); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat config file %s: %w", configPath, err)
	}

	log.Printf("Config: loading configuration from %s", configPath)
	config := DefaultConfig()
	meta, err := toml.DecodeFile(configPath, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		log.Printf("Config: ignoring unknown keys: %v", undecoded)
	}

	log.Printf("Config: configuration loaded successfully")
	return config, nil
}

// Save writes c to the user's config file.
func Save(c *Config) error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}
	return SaveFile(configPath, c)
}

// SaveFile renders c with comments and replaces path atomically.
func SaveFile(path string, c *Config) error {
	var buf bytes.Buffer
	if err := configTemplate.Execute(&buf, c); err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}

type namedMessage struct {
	Key string
	MessageConfig
}

// customMessages lists the notification messages the user has overridden.
func customMessages(m MessagesConfig) []namedMessage {
	var out []namedMessage
	v := reflect.ValueOf(m)
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		msg := v.Field(i).Interface().(MessageConfig)
		if msg.Title != "" || msg.Body != "" {
			out = append(out, namedMessage{Key: t.Field(i).Tag.Get("toml"), MessageConfig: msg})
		}
	}
	return out
}

// formatFloat always includes a decimal point so the value stays a TOML float.
func formatFloat(f float32) string {
	s := strconv.FormatFloat(float64(f), 'f', -1, 32)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

var configTemplate = template.Must(template.New("config").Funcs(template.FuncMap{
	"quote":    strconv.Quote,
	"duration": func(d time.Duration) string { return strconv.Quote(d.String()) },
	"float":    formatFloat,
	"messages": customMessages,
}).Parse(`# Voxchat Configuration
# Edit values as needed - the daemon reloads this file automatically.

# Microphone capture
[capture]
  sample_rate = {{.Capture.SampleRate}}          # Hz
  channels = {{.Capture.Channels}}                 # 1 = mono
  format = {{quote .Capture.Format}}             # PCM sample format passed to pw-record
  echo_cancellation = {{.Capture.EchoCancellation}}     # Route through the PipeWire echo-cancel source
  buffer_size = {{.Capture.BufferSize}}           # Bytes read from the capture process at a time
  device = {{quote .Capture.Device}}                  # PipeWire target (empty = default microphone)
  channel_buffer_size = {{.Capture.ChannelBufferSize}}     # Audio frames buffered between capture and consumers
  slice_duration = {{duration .Capture.SliceDuration}}       # Recorded clips are collected in slices of this length
  max_duration = {{duration .Capture.MaxDuration}}       # Recording stops automatically after this long ("0s" = never)
  history_size = {{.Capture.HistorySize}}           # Completed transcriptions kept in memory

# Streaming recognition (OpenAI realtime transcription)
[streaming]
  enabled = {{.Streaming.Enabled}}
  endpoint = {{quote .Streaming.Endpoint}}
  session_model = {{quote .Streaming.SessionModel}}
  transcription_model = {{quote .Streaming.TranscriptionModel}}
  language = {{quote .Streaming.Language}}                # Empty for auto-detect, or ISO-639-1 ("en", "it", ...)
  max_immediate_restarts = {{.Streaming.MaxImmediateRestarts}}     # Give up after this many restarts that produced nothing
  immediate_failure_window = {{duration .Streaming.ImmediateFailureWindow}}  # A stream ending sooner than this without results counts as failed

# Remote assistant
[assistant]
  base_url = {{quote .Assistant.BaseURL}}
  chat_model = {{quote .Assistant.ChatModel}}
  temperature = {{float .Assistant.Temperature}}
  max_tokens = {{.Assistant.MaxTokens}}
  transcription_model = {{quote .Assistant.TranscriptionModel}}
  system_prompt = {{quote .Assistant.SystemPrompt}}
  request_timeout = {{duration .Assistant.RequestTimeout}}

# Conversations and the API key are kept in a bbolt database
[storage]
  path = {{quote .Storage.Path}}                    # Empty = ~/.local/share/voxchat/voxchat.db

# Desktop Notification Configuration
[notifications]
  enabled = {{.Notifications.Enabled}}
  type = {{quote .Notifications.Type}}             # "desktop", "log", "none"
{{- range messages .Notifications.Messages}}

[notifications.messages.{{.Key}}]
  title = {{quote .Title}}
  body = {{quote .Body}}
{{- end}}

# Prometheus metrics
[metrics]
  enabled = {{.Metrics.Enabled}}
  address = {{quote .Metrics.Address}}
`))
