package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/leonardotrapani/voxchat/internal/config"
	"github.com/leonardotrapani/voxchat/internal/notify"
)

// ConfigureResult holds the configuration result from the TUI
type ConfigureResult struct {
	Config    *config.Config
	Cancelled bool
}

// ConfigSection represents a configuration section
type ConfigSection string

const (
	SectionAssistant     ConfigSection = "assistant"
	SectionCapture       ConfigSection = "capture"
	SectionStreaming     ConfigSection = "streaming"
	SectionNotifications ConfigSection = "notifications"
	SectionMetrics       ConfigSection = "metrics"
	SectionSaveExit      ConfigSection = "save_exit"
	SectionDiscardExit   ConfigSection = "discard_exit"
)

// Run starts the menu-based configuration editor on a copy of cfg.
func Run(existing *config.Config) (*ConfigureResult, error) {
	cfg := config.DefaultConfig()
	if existing != nil {
		copied := *existing
		cfg = &copied
	}

	for {
		clearScreen()
		fmt.Println(Logo())
		fmt.Println()

		section, err := selectSection(cfg)
		if err != nil {
			return &ConfigureResult{Cancelled: true}, nil
		}

		switch section {
		case SectionSaveExit:
			confirmed, err := showSummary(cfg)
			if err != nil {
				return &ConfigureResult{Cancelled: true}, nil
			}
			if confirmed {
				return &ConfigureResult{Config: cfg}, nil
			}
		case SectionDiscardExit:
			return &ConfigureResult{Cancelled: true}, nil
		case SectionAssistant:
			_ = editAssistant(cfg)
		case SectionCapture:
			_ = editCapture(cfg)
		case SectionStreaming:
			_ = editStreaming(cfg)
		case SectionNotifications:
			_ = editNotifications(cfg)
		case SectionMetrics:
			_ = editMetrics(cfg)
		}
	}
}

func sectionLabels(cfg *config.Config) map[ConfigSection]string {
	streaming := "disabled"
	if cfg.Streaming.Enabled {
		streaming = cfg.Streaming.TranscriptionModel
	}
	metrics := "disabled"
	if cfg.Metrics.Enabled {
		metrics = cfg.Metrics.Address
	}
	return map[ConfigSection]string{
		SectionAssistant:     fmt.Sprintf("Assistant (%s)", cfg.Assistant.ChatModel),
		SectionCapture:       fmt.Sprintf("Capture (%d Hz, slice %s)", cfg.Capture.SampleRate, cfg.Capture.SliceDuration),
		SectionStreaming:     fmt.Sprintf("Streaming (%s)", streaming),
		SectionNotifications: fmt.Sprintf("Notifications (%s)", cfg.NotifierType()),
		SectionMetrics:       fmt.Sprintf("Metrics (%s)", metrics),
	}
}

func selectSection(cfg *config.Config) (ConfigSection, error) {
	labels := sectionLabels(cfg)
	options := []huh.Option[ConfigSection]{
		huh.NewOption(labels[SectionAssistant], SectionAssistant),
		huh.NewOption(labels[SectionCapture], SectionCapture),
		huh.NewOption(labels[SectionStreaming], SectionStreaming),
		huh.NewOption(labels[SectionNotifications], SectionNotifications),
		huh.NewOption(labels[SectionMetrics], SectionMetrics),
		huh.NewOption("Save & Exit", SectionSaveExit),
		huh.NewOption("Discard & Exit", SectionDiscardExit),
	}

	var selected ConfigSection
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[ConfigSection]().
				Title("Configuration Menu").
				Description("↑/↓ navigate • enter select • esc cancel").
				Options(options...).
				Value(&selected),
		),
	).WithTheme(getTheme())

	if err := form.Run(); err != nil {
		return "", err
	}
	return selected, nil
}

func editAssistant(cfg *config.Config) error {
	v := assistantValuesFrom(cfg)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Chat Model").
				Description("Model used for replies").
				Placeholder("gpt-4").
				Value(&v.ChatModel).
				Validate(validateRequired),
			huh.NewInput().
				Title("Temperature").
				Description("0 = deterministic, 2 = most random").
				Value(&v.Temperature).
				Validate(validateTemperature),
			huh.NewInput().
				Title("Max Tokens").
				Description("Upper bound on reply length").
				Value(&v.MaxTokens).
				Validate(validatePositiveInt),
			huh.NewText().
				Title("System Prompt").
				Description("Sent before every conversation. Leave empty to omit.").
				Value(&v.SystemPrompt),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Transcription Model").
				Description("Model used to transcribe recorded clips").
				Placeholder("whisper-1").
				Value(&v.TranscriptionModel).
				Validate(validateRequired),
			huh.NewInput().
				Title("API Base URL").
				Value(&v.BaseURL).
				Validate(validateHTTPURL),
			huh.NewInput().
				Title("Request Timeout").
				Description("Applies to each chat and transcription request").
				Placeholder("30s").
				Value(&v.RequestTimeout).
				Validate(validatePositiveDuration),
		),
	).WithTheme(getTheme())

	if err := form.Run(); err != nil {
		return err
	}
	return v.apply(cfg)
}

func editCapture(cfg *config.Config) error {
	v := captureValuesFrom(cfg)

	channelOptions := []huh.Option[string]{
		huh.NewOption("1 (Mono) - Recommended", "1"),
		huh.NewOption("2 (Stereo)", "2"),
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Sample Rate (Hz)").
				Description("Microphone sample rate").
				Placeholder("44100").
				Value(&v.SampleRate).
				Validate(validatePositiveInt),
			huh.NewSelect[string]().
				Title("Channels").
				Options(channelOptions...).
				Value(&v.Channels),
			huh.NewConfirm().
				Title("Echo Cancellation").
				Description("Capture from the PipeWire echo-cancel source").
				Value(&v.EchoCancellation),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Buffer Size (bytes)").
				Value(&v.BufferSize).
				Validate(validatePositiveInt),
			huh.NewInput().
				Title("Device").
				Description("PipeWire target. Leave empty for the default source.").
				Value(&v.Device),
			huh.NewInput().
				Title("Slice Duration").
				Description("Recorded audio is buffered in slices of this length").
				Placeholder("1s").
				Value(&v.SliceDuration).
				Validate(validatePositiveDuration),
			huh.NewInput().
				Title("Max Recording Duration").
				Description("Recording stops automatically after this long. 0 = unlimited.").
				Placeholder("5m").
				Value(&v.MaxDuration).
				Validate(validateDuration),
		),
	).WithTheme(getTheme())

	if err := form.Run(); err != nil {
		return err
	}
	return v.apply(cfg)
}

func editStreaming(cfg *config.Config) error {
	v := streamingValuesFrom(cfg)

	enableForm := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable streaming recognition?").
				Description("Live transcription over the realtime websocket").
				Value(&v.Enabled),
		),
	).WithTheme(getTheme())

	if err := enableForm.Run(); err != nil {
		return err
	}
	if !v.Enabled {
		return v.apply(cfg)
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Realtime Endpoint").
				Value(&v.Endpoint),
			huh.NewInput().
				Title("Transcription Model").
				Placeholder("gpt-4o-transcribe").
				Value(&v.TranscriptionModel).
				Validate(validateRequired),
			huh.NewInput().
				Title("Language").
				Description("ISO-639-1 code. Leave empty to auto-detect.").
				Value(&v.Language),
			huh.NewInput().
				Title("Max Immediate Restarts").
				Description("Consecutive failed restarts before streaming gives up").
				Value(&v.MaxRestarts),
		),
	).WithTheme(getTheme())

	if err := form.Run(); err != nil {
		return err
	}
	if err := v.apply(cfg); err != nil {
		fmt.Println(StyleError.Render(err.Error()))
		return err
	}
	return nil
}

// editNotifications handles the notifications section edit with type and custom messages
func editNotifications(cfg *config.Config) error {
	enabled := cfg.Notifications.Enabled
	notifType := cfg.Notifications.Type
	if notifType == "" {
		notifType = "desktop"
	}

	typeOptions := []huh.Option[string]{
		huh.NewOption("Desktop notifications (notify-send)", "desktop"),
		huh.NewOption("Log to console only", "log"),
		huh.NewOption("None (silent)", "none"),
	}

	var configureMessages bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable notifications?").
				Description("Voice input, replies and save failures").
				Value(&enabled),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Notification Type").
				Options(typeOptions...).
				Value(&notifType),
			huh.NewConfirm().
				Title("Configure custom notification messages?").
				Affirmative("Yes").
				Negative("No, use defaults").
				Value(&configureMessages),
		).WithHideFunc(func() bool { return !enabled }),
	).WithTheme(getTheme())

	if err := form.Run(); err != nil {
		return err
	}

	cfg.Notifications.Enabled = enabled
	cfg.Notifications.Type = notifType

	if enabled && configureMessages {
		return editNotificationMessages(cfg)
	}
	return nil
}

func messageLabel(cfg *config.Config, def notify.MessageDef) string {
	body := def.DefaultBody
	if custom := messageField(&cfg.Notifications.Messages, def.ConfigKey); custom != nil && custom.Body != "" {
		body = custom.Body
	}
	if len(body) > 30 {
		body = body[:30] + "..."
	}
	return fmt.Sprintf("%s: %q", def.ConfigKey, body)
}

// editNotificationMessages allows editing individual notification messages
func editNotificationMessages(cfg *config.Config) error {
	for {
		var options []huh.Option[string]
		for _, def := range notify.MessageDefs {
			options = append(options, huh.NewOption(messageLabel(cfg, def), def.ConfigKey))
		}
		options = append(options, huh.NewOption("Back", "back"))

		var selected string
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewSelect[string]().
					Title("Notification Messages").
					Description("Select a message to edit").
					Options(options...).
					Value(&selected),
			),
		).WithTheme(getTheme())

		if err := form.Run(); err != nil {
			return err
		}
		if selected == "back" {
			return nil
		}
		_ = editSingleMessage(cfg, selected)
	}
}

func editSingleMessage(cfg *config.Config, key string) error {
	def, ok := findMessageDef(key)
	if !ok {
		return fmt.Errorf("unknown notification message %q", key)
	}
	current := messageField(&cfg.Notifications.Messages, key)

	title, body := def.DefaultTitle, def.DefaultBody
	if current.Title != "" {
		title = current.Title
	}
	if current.Body != "" {
		body = current.Body
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Title").
				Description(fmt.Sprintf("Default: %s", def.DefaultTitle)).
				Value(&title),
			huh.NewInput().
				Title("Body").
				Description(fmt.Sprintf("Default: %s", def.DefaultBody)).
				Value(&body),
		),
	).WithTheme(getTheme())

	if err := form.Run(); err != nil {
		return err
	}
	return setMessage(&cfg.Notifications.Messages, key, title, body)
}

func editMetrics(cfg *config.Config) error {
	enabled := cfg.Metrics.Enabled
	address := cfg.Metrics.Address

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Expose Prometheus metrics?").
				Value(&enabled),
			huh.NewInput().
				Title("Listen Address").
				Placeholder("127.0.0.1:9464").
				Value(&address).
				Validate(validateRequired),
		),
	).WithTheme(getTheme())

	if err := form.Run(); err != nil {
		return err
	}
	cfg.Metrics.Enabled = enabled
	cfg.Metrics.Address = strings.TrimSpace(address)
	return nil
}

// summary renders the settings shown before saving.
func summary(cfg *config.Config) string {
	lines := []string{
		summaryLine("Chat model:", fmt.Sprintf("%s (temperature %v, max %d tokens)",
			cfg.Assistant.ChatModel, cfg.Assistant.Temperature, cfg.Assistant.MaxTokens)),
		summaryLine("Transcription:", cfg.Assistant.TranscriptionModel),
		summaryLine("Capture:", fmt.Sprintf("%d Hz, %d ch, echo cancellation %v",
			cfg.Capture.SampleRate, cfg.Capture.Channels, cfg.Capture.EchoCancellation)),
	}
	if cfg.Streaming.Enabled {
		lang := cfg.Streaming.Language
		if lang == "" {
			lang = "auto"
		}
		lines = append(lines, summaryLine("Streaming:", fmt.Sprintf("%s (%s)", cfg.Streaming.TranscriptionModel, lang)))
	} else {
		lines = append(lines, summaryLine("Streaming:", "disabled"))
	}
	lines = append(lines, summaryLine("Notifications:", cfg.NotifierType()))
	if cfg.Metrics.Enabled {
		lines = append(lines, summaryLine("Metrics:", cfg.Metrics.Address))
	}
	return StyleBox.Render(strings.Join(lines, "\n"))
}

func showSummary(cfg *config.Config) (bool, error) {
	fmt.Println()
	fmt.Println(StyleHeader.Render("Configuration Summary"))
	fmt.Println(summary(cfg))
	if err := cfg.Validate(); err != nil {
		fmt.Println(StyleWarning.Render("Warning: " + err.Error()))
	}
	fmt.Println()

	var confirmed bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save this configuration?").
				Affirmative("Save").
				Negative("Cancel").
				Value(&confirmed),
		),
	).WithTheme(getTheme())

	if err := form.Run(); err != nil {
		return false, err
	}
	return confirmed, nil
}
