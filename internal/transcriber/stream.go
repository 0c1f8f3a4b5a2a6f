package transcriber

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/leonardotrapani/voxchat/internal/recording"
)

// Recognizer error codes.
const (
	CodeNoSpeech     = "no-speech"
	CodeAudioCapture = "audio-capture"
	CodeNotAllowed   = "not-allowed"
	CodeNetwork      = "network"
	CodeAborted      = "aborted"
)

type RecognizerEventType int

const (
	RecognizerResult RecognizerEventType = iota
	RecognizerError
	RecognizerEnd
)

// RecognitionResult is one entry of a recognizer's cumulative result list.
type RecognitionResult struct {
	Text    string
	IsFinal bool
}

// RecognizerEvent is what a Recognizer backend emits. For result events,
// Results holds the session's result list and ResultIndex the first entry
// that changed.
type RecognizerEvent struct {
	Type        RecognizerEventType
	ResultIndex int
	Results     []RecognitionResult
	Code        string
	Err         error
}

// Recognizer is a continuous speech recognition backend.
type Recognizer interface {
	Start(ctx context.Context) error
	SendChunk(audio []byte) error
	// Events is closed after the backend ends.
	Events() <-chan RecognizerEvent
	Close() error
}

// RecognizerFactory creates a fresh backend for each stream (and each restart).
type RecognizerFactory func() Recognizer

type StreamEventType int

const (
	StreamInterim StreamEventType = iota
	StreamFinal
	StreamError
	StreamEnded
)

func (t StreamEventType) String() string {
	switch t {
	case StreamInterim:
		return "interim"
	case StreamFinal:
		return "final"
	case StreamError:
		return "error"
	case StreamEnded:
		return "ended"
	default:
		return "unknown"
	}
}

type StreamEvent struct {
	Type StreamEventType
	Text string
	Err  error
}

// ClassifyRecognizerError maps a recognizer error code onto the error taxonomy.
// It returns nil for codes that should be ignored.
func ClassifyRecognizerError(code string, cause error) error {
	detail := code
	if cause != nil {
		detail = fmt.Sprintf("%s: %v", code, cause)
	}
	switch code {
	case CodeNoSpeech:
		return nil
	case CodeAudioCapture:
		return fmt.Errorf("%w: %s", recording.ErrDeviceUnavailable, detail)
	case CodeNotAllowed:
		return fmt.Errorf("%w: %s", recording.ErrPermissionDenied, detail)
	default:
		return fmt.Errorf("%w: %s", ErrRecognitionTransient, detail)
	}
}

// StreamAdapter drives one Recognizer and reduces its output to commit/preview events.
type StreamAdapter struct {
	rec    Recognizer
	events chan StreamEvent

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool
	stopped   bool
	startedAt time.Time
}

func NewStreamAdapter(rec Recognizer) *StreamAdapter {
	return &StreamAdapter{
		rec:    rec,
		events: make(chan StreamEvent, 64),
	}
}

func (a *StreamAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return fmt.Errorf("stream adapter already started")
	}

	a.ctx, a.cancel = context.WithCancel(ctx)
	if err := a.rec.Start(a.ctx); err != nil {
		a.cancel()
		return err
	}
	a.started = true
	a.startedAt = time.Now()

	a.wg.Add(1)
	go a.translate()
	return nil
}

func (a *StreamAdapter) StartedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startedAt
}

// Events is closed once the adapter has ended or been stopped.
func (a *StreamAdapter) Events() <-chan StreamEvent {
	return a.events
}

// Feed forwards one audio chunk to the backend.
func (a *StreamAdapter) Feed(chunk []byte) error {
	a.mu.Lock()
	if !a.started || a.stopped {
		a.mu.Unlock()
		return fmt.Errorf("stream adapter not running")
	}
	a.mu.Unlock()
	return a.rec.SendChunk(chunk)
}

// Stop terminates the backend. It is safe to call more than once.
func (a *StreamAdapter) Stop() {
	a.mu.Lock()
	if !a.started || a.stopped {
		a.stopped = true
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.cancel()
	a.mu.Unlock()

	if err := a.rec.Close(); err != nil {
		log.Printf("stream: close recognizer: %v", err)
	}
	a.wg.Wait()
}

func (a *StreamAdapter) emit(ev StreamEvent) bool {
	select {
	case a.events <- ev:
		return true
	case <-a.ctx.Done():
		return false
	}
}

func (a *StreamAdapter) translate() {
	defer a.wg.Done()
	defer close(a.events)

	recEvents := a.rec.Events()
	for {
		select {
		case <-a.ctx.Done():
			return
		case ev, ok := <-recEvents:
			if !ok {
				a.emit(StreamEvent{Type: StreamEnded})
				return
			}
			switch ev.Type {
			case RecognizerResult:
				if !a.handleResults(ev) {
					return
				}
			case RecognizerError:
				err := ClassifyRecognizerError(ev.Code, ev.Err)
				if err == nil {
					continue
				}
				log.Printf("stream: recognizer error: %v", err)
				if !a.emit(StreamEvent{Type: StreamError, Err: err}) {
					return
				}
			case RecognizerEnd:
				a.emit(StreamEvent{Type: StreamEnded})
				return
			}
		}
	}
}

// handleResults commits newly final results in order and replaces the preview
// with the remaining interim ones joined by spaces.
func (a *StreamAdapter) handleResults(ev RecognizerEvent) bool {
	start := ev.ResultIndex
	if start < 0 {
		start = 0
	}

	var interim []string
	for i := start; i < len(ev.Results); i++ {
		r := ev.Results[i]
		if r.IsFinal {
			if !a.emit(StreamEvent{Type: StreamFinal, Text: r.Text}) {
				return false
			}
			continue
		}
		if text := strings.TrimSpace(r.Text); text != "" {
			interim = append(interim, text)
		}
	}

	if len(interim) > 0 {
		return a.emit(StreamEvent{Type: StreamInterim, Text: strings.Join(interim, " ")})
	}
	return true
}
