package transcriber

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const realtimeSampleRate = 24000

// RealtimeConfig configures the OpenAI realtime transcription backend.
type RealtimeConfig struct {
	Endpoint           string // e.g. wss://api.openai.com/v1/realtime
	APIKey             string
	SessionModel       string
	TranscriptionModel string
	Language           string
	InputSampleRate    int
	HandshakeTimeout   time.Duration
}

// RealtimeRecognizer streams PCM to the OpenAI realtime API and reports
// transcription deltas as interim results and completed items as final ones.
type RealtimeRecognizer struct {
	cfg      RealtimeConfig
	conn     *websocket.Conn
	eventsCh chan RecognizerEvent

	mu      sync.Mutex
	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  bool

	// items not yet reported as final, in arrival order
	pending []*realtimeItem
}

type realtimeItem struct {
	id    string
	text  string
	final bool
}

// outgoing
type realtimeSessionUpdate struct {
	Type    string                `json:"type"`
	Session realtimeSessionConfig `json:"session"`
}

type realtimeSessionConfig struct {
	Modalities              []string               `json:"modalities,omitempty"`
	InputAudioFormat        string                 `json:"input_audio_format,omitempty"`
	InputAudioTranscription *realtimeTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *realtimeTurnDetection `json:"turn_detection,omitempty"`
}

type realtimeTranscription struct {
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
}

type realtimeTurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    bool    `json:"create_response"`
}

type realtimeAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// incoming
type realtimeServerEvent struct {
	Type       string               `json:"type"`
	Session    *realtimeSessionInfo `json:"session,omitempty"`
	Error      *realtimeError       `json:"error,omitempty"`
	ItemID     string               `json:"item_id,omitempty"`
	Transcript string               `json:"transcript,omitempty"`
	Delta      string               `json:"delta,omitempty"`
}

type realtimeSessionInfo struct {
	ID    string `json:"id"`
	Model string `json:"model"`
}

type realtimeError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func NewRealtimeRecognizer(cfg RealtimeConfig) *RealtimeRecognizer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = realtimeSampleRate
	}
	return &RealtimeRecognizer{
		cfg:      cfg,
		eventsCh: make(chan RecognizerEvent, 100),
	}
}

func (r *RealtimeRecognizer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return fmt.Errorf("recognizer already started")
	}
	if r.cfg.APIKey == "" {
		return fmt.Errorf("%w: no API key configured", ErrUnsupportedCapability)
	}

	wsURL, err := r.buildURL()
	if err != nil {
		return fmt.Errorf("build websocket url: %w", err)
	}

	r.ctx, r.cancel = context.WithCancel(ctx)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+r.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: r.cfg.HandshakeTimeout}
	log.Printf("openai-realtime: connecting to %s", wsURL)
	conn, resp, err := dialer.DialContext(r.ctx, wsURL, headers)
	if err != nil {
		r.cancel()
		if resp != nil {
			log.Printf("openai-realtime: dial failed with status %d", resp.StatusCode)
		}
		return fmt.Errorf("%w: websocket dial: %v", ErrRecognitionTransient, err)
	}
	r.conn = conn

	if err := r.configureSession(); err != nil {
		_ = conn.Close()
		r.cancel()
		return fmt.Errorf("%w: configure session: %v", ErrRecognitionTransient, err)
	}

	r.started = true
	r.wg.Add(1)
	go r.readLoop()

	log.Printf("openai-realtime: connected, model=%s, language=%s", r.cfg.TranscriptionModel, r.cfg.Language)
	return nil
}

func (r *RealtimeRecognizer) buildURL() (string, error) {
	u, err := url.Parse(r.cfg.Endpoint)
	if err != nil {
		return "", err
	}
	if r.cfg.SessionModel != "" {
		q := u.Query()
		q.Set("model", r.cfg.SessionModel)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// configureSession switches the session to transcription only with server VAD.
func (r *RealtimeRecognizer) configureSession() error {
	update := realtimeSessionUpdate{
		Type: "session.update",
		Session: realtimeSessionConfig{
			Modalities:       []string{"text"},
			InputAudioFormat: "pcm16",
			InputAudioTranscription: &realtimeTranscription{
				Model:    r.cfg.TranscriptionModel,
				Language: r.cfg.Language,
			},
			TurnDetection: &realtimeTurnDetection{
				Type:              "server_vad",
				Threshold:         0.5,
				PrefixPaddingMs:   300,
				SilenceDurationMs: 500,
			},
		},
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.WriteJSON(update)
}

func (r *RealtimeRecognizer) emit(ev RecognizerEvent) {
	select {
	case r.eventsCh <- ev:
	case <-r.ctx.Done():
	}
}

func (r *RealtimeRecognizer) readLoop() {
	defer r.wg.Done()
	defer close(r.eventsCh)

	for {
		_, message, err := r.conn.ReadMessage()
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("openai-realtime: read error: %v", err)
				r.emit(RecognizerEvent{Type: RecognizerError, Code: CodeNetwork, Err: err})
			}
			r.emit(RecognizerEvent{Type: RecognizerEnd})
			return
		}

		var event realtimeServerEvent
		if err := json.Unmarshal(message, &event); err != nil {
			log.Printf("openai-realtime: parse error: %v", err)
			continue
		}
		r.handleEvent(event)
	}
}

func (r *RealtimeRecognizer) handleEvent(event realtimeServerEvent) {
	switch event.Type {
	case "session.created":
		if event.Session != nil {
			log.Printf("openai-realtime: session created, id=%s, model=%s", event.Session.ID, event.Session.Model)
		}

	case "error":
		if event.Error == nil {
			return
		}
		msg := event.Error.Message
		if event.Error.Code != "" {
			msg = fmt.Sprintf("%s: %s", event.Error.Code, msg)
		}
		log.Printf("openai-realtime: error: %s", msg)
		r.emit(RecognizerEvent{Type: RecognizerError, Code: serverErrorCode(event.Error), Err: errors.New(msg)})

	case "input_audio_buffer.speech_started":
		log.Printf("openai-realtime: speech started")

	case "conversation.item.input_audio_transcription.delta":
		if event.Delta == "" {
			return
		}
		item := r.item(event.ItemID)
		item.text += event.Delta
		r.emitResults()

	case "conversation.item.input_audio_transcription.completed":
		item := r.item(event.ItemID)
		item.text = event.Transcript
		item.final = true
		log.Printf("openai-realtime: transcription completed: %q", event.Transcript)
		r.emitResults()

	case "conversation.item.input_audio_transcription.failed":
		log.Printf("openai-realtime: transcription failed for item %s", event.ItemID)
		r.drop(event.ItemID)
		var err error = errors.New("transcription failed")
		if event.Error != nil {
			err = fmt.Errorf("transcription failed: %s", event.Error.Message)
		}
		r.emit(RecognizerEvent{Type: RecognizerError, Code: CodeNetwork, Err: err})

	case "session.updated", "input_audio_buffer.speech_stopped", "input_audio_buffer.committed",
		"conversation.item.created", "conversation.item.added", "rate_limits.updated":

	default:
		log.Printf("openai-realtime: unhandled event type: %s", event.Type)
	}
}

// serverErrorCode maps realtime API errors onto recognizer codes.
func serverErrorCode(e *realtimeError) string {
	switch e.Code {
	case "invalid_api_key", "insufficient_permissions":
		return CodeNotAllowed
	case "input_audio_buffer_commit_empty":
		return CodeNoSpeech
	default:
		return CodeNetwork
	}
}

func (r *RealtimeRecognizer) item(id string) *realtimeItem {
	for _, it := range r.pending {
		if it.id == id {
			return it
		}
	}
	it := &realtimeItem{id: id}
	r.pending = append(r.pending, it)
	return it
}

func (r *RealtimeRecognizer) drop(id string) {
	for i, it := range r.pending {
		if it.id == id {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return
		}
	}
}

// emitResults reports every pending item once; finals are then forgotten so
// they are committed exactly once.
func (r *RealtimeRecognizer) emitResults() {
	results := make([]RecognitionResult, len(r.pending))
	kept := r.pending[:0]
	for i, it := range r.pending {
		results[i] = RecognitionResult{Text: it.text, IsFinal: it.final}
		if !it.final {
			kept = append(kept, it)
		}
	}
	r.pending = kept
	r.emit(RecognizerEvent{Type: RecognizerResult, ResultIndex: 0, Results: results})
}

// SendChunk resamples PCM16 to 24 kHz and appends it to the input buffer.
func (r *RealtimeRecognizer) SendChunk(audio []byte) error {
	r.mu.Lock()
	if !r.started || r.closed {
		r.mu.Unlock()
		return fmt.Errorf("recognizer not running")
	}
	conn := r.conn
	r.mu.Unlock()

	msg := realtimeAudioAppend{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(resamplePCM16(audio, r.cfg.InputSampleRate, realtimeSampleRate)),
	}

	r.writeMu.Lock()
	err := conn.WriteJSON(msg)
	r.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (r *RealtimeRecognizer) Events() <-chan RecognizerEvent {
	return r.eventsCh
}

func (r *RealtimeRecognizer) Close() error {
	r.mu.Lock()
	if !r.started || r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.cancel()
	conn := r.conn
	r.mu.Unlock()

	r.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	r.writeMu.Unlock()
	_ = conn.Close()

	r.wg.Wait()
	log.Printf("openai-realtime: closed")
	return nil
}
