package notify

import (
	"log"
	"os/exec"
)

const appName = "Voxchat"

type MessageType int

const (
	MsgStreamingStarted MessageType = iota
	MsgRecordingStarted
	MsgTranscribing
	MsgTranscriptionReady
	MsgReplyReceived
	MsgConfigReloaded
	MsgStateNotSaved
	MsgCaptureFailed
)

// Message is a resolved notification.
type Message struct {
	Title   string
	Body    string
	IsError bool
}

// MessageDef ties a message type to its config key and defaults.
type MessageDef struct {
	Type         MessageType
	ConfigKey    string
	DefaultTitle string
	DefaultBody  string
	IsError      bool
}

var MessageDefs = []MessageDef{
	{MsgStreamingStarted, "streaming_started", appName, "Listening...", false},
	{MsgRecordingStarted, "recording_started", appName, "Recording...", false},
	{MsgTranscribing, "transcribing", appName, "Transcribing...", false},
	{MsgTranscriptionReady, "transcription_ready", appName, "Transcription ready", false},
	{MsgReplyReceived, "reply_received", appName, "Assistant replied", false},
	{MsgConfigReloaded, "config_reloaded", appName, "Config reloaded", false},
	{MsgStateNotSaved, "state_not_saved", appName + " Error", "State not saved", true},
	{MsgCaptureFailed, "capture_failed", appName + " Error", "Voice input failed", true},
}

// DefaultMessages returns every message with its default text.
func DefaultMessages() map[MessageType]Message {
	out := make(map[MessageType]Message, len(MessageDefs))
	for _, def := range MessageDefs {
		out[def.Type] = Message{Title: def.DefaultTitle, Body: def.DefaultBody, IsError: def.IsError}
	}
	return out
}

type Notifier interface {
	Send(msg Message)
	Error(msg string)
	Notify(title, message string)
}

// New returns the notifier for a config type: "desktop", "log" or "none".
func New(kind string) Notifier {
	switch kind {
	case "desktop":
		return Desktop{}
	case "log":
		return Log{}
	default:
		return Nop{}
	}
}

type Desktop struct{}

func (d Desktop) Send(msg Message) {
	if msg.IsError {
		d.run("-u", "critical", msg.Title, msg.Body)
		return
	}
	d.run(msg.Title, msg.Body)
}

func (d Desktop) Error(msg string) {
	d.run("-u", "critical", appName+" Error", msg)
}

func (d Desktop) Notify(title, message string) {
	d.run(title, message)
}

func (Desktop) run(args ...string) {
	cmd := exec.Command("notify-send", append([]string{"-a", appName}, args...)...)
	if err := cmd.Run(); err != nil {
		log.Printf("Failed to send notification: %v", err)
	}
}

// Log writes notifications to the standard logger.
type Log struct{}

func (Log) Send(msg Message) {
	log.Printf("%s: %s", msg.Title, msg.Body)
}

func (Log) Error(msg string) {
	log.Printf("%s Error: %s", appName, msg)
}

func (Log) Notify(title, message string) {
	log.Printf("%s: %s", title, message)
}

// Nop is a Notifier that does absolutely nothing.
// Useful in unit tests or headless builds.
type Nop struct{}

func (Nop) Send(msg Message)             {}
func (Nop) Error(msg string)             {}
func (Nop) Notify(title, message string) {}
