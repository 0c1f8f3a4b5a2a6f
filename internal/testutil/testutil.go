package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leonardotrapani/voxchat/internal/recording"
	"github.com/leonardotrapani/voxchat/internal/transcriber"
)

// CreateTempConfigFile creates a temporary config file for testing
func CreateTempConfigFile(t *testing.T, configContent string) string {
	t.Helper()

	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.toml")

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to create temp config file: %v", err)
	}

	return configPath
}

// MockAudioFrame creates a test audio frame
func MockAudioFrame(data []byte) recording.AudioFrame {
	if data == nil {
		data = make([]byte, 1024)
		for i := range data {
			data[i] = byte(i % 256)
		}
	}

	return recording.AudioFrame{
		Data:      data,
		Timestamp: time.Now(),
	}
}

// TestContext returns a context with timeout for testing
func TestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// WaitForCondition waits for a condition to be true or times out
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			t.Fatalf("Condition not met within %v", timeout)
		default:
			if condition() {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// FakeSource implements recording.Source and counts acquisitions and releases.
type FakeSource struct {
	AcquireErr error
	// Gate, when set, holds Acquire until it is closed or ctx is done.
	Gate chan struct{}

	mu       sync.Mutex
	acquires int
	releases int
	active   *fakeHandle
}

type fakeHandle struct {
	frames chan recording.AudioFrame
	errs   chan error
	closed bool
}

func (h *fakeHandle) close() {
	if h.closed {
		return
	}
	h.closed = true
	close(h.frames)
	close(h.errs)
}

func NewFakeSource() *FakeSource {
	return &FakeSource{}
}

func (s *FakeSource) Acquire(ctx context.Context, cfg recording.Config) (*recording.Session, error) {
	if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.AcquireErr != nil {
		return nil, s.AcquireErr
	}

	h := &fakeHandle{
		frames: make(chan recording.AudioFrame, 256),
		errs:   make(chan error, 1),
	}

	s.mu.Lock()
	s.acquires++
	s.active = h
	s.mu.Unlock()

	return recording.NewSession(h.frames, h.errs, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.releases++
		h.close()
		if s.active == h {
			s.active = nil
		}
	}), nil
}

// Emit delivers frame to the active session. It reports false when none is active.
func (s *FakeSource) Emit(frame recording.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.closed {
		return false
	}
	select {
	case s.active.frames <- frame:
		return true
	default:
		return false
	}
}

// EmitPCM delivers n bytes of silence split into frames of size bytes.
func (s *FakeSource) EmitPCM(n, size int) {
	for sent := 0; sent < n; sent += size {
		chunk := size
		if n-sent < chunk {
			chunk = n - sent
		}
		s.Emit(recording.AudioFrame{Data: make([]byte, chunk), Timestamp: time.Now()})
	}
}

// Fail reports a device error on the active session.
func (s *FakeSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.closed {
		return
	}
	select {
	case s.active.errs <- err:
	default:
	}
}

// Disconnect closes the active session's channels as if the device vanished.
func (s *FakeSource) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		s.active.close()
	}
}

func (s *FakeSource) Acquires() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquires
}

func (s *FakeSource) Releases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releases
}

// Held reports whether a session is acquired and not yet released.
func (s *FakeSource) Held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquires > s.releases
}

// FakeRecognizer implements transcriber.Recognizer; tests drive it with Result and End.
type FakeRecognizer struct {
	StartErr error
	// EndOnStart makes the backend end as soon as it starts.
	EndOnStart bool

	mu     sync.Mutex
	events chan transcriber.RecognizerEvent
	chunks int
	closed bool
}

func NewFakeRecognizer() *FakeRecognizer {
	return &FakeRecognizer{events: make(chan transcriber.RecognizerEvent, 64)}
}

func (r *FakeRecognizer) Start(ctx context.Context) error {
	if r.StartErr != nil {
		return r.StartErr
	}
	if r.EndOnStart {
		r.End()
	}
	return nil
}

func (r *FakeRecognizer) SendChunk(audio []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks++
	return nil
}

func (r *FakeRecognizer) Events() <-chan transcriber.RecognizerEvent { return r.events }

func (r *FakeRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	return nil
}

func (r *FakeRecognizer) emit(ev transcriber.RecognizerEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	default:
	}
}

// Result emits a single-entry result list.
func (r *FakeRecognizer) Result(text string, final bool) {
	r.emit(transcriber.RecognizerEvent{
		Type:    transcriber.RecognizerResult,
		Results: []transcriber.RecognitionResult{{Text: text, IsFinal: final}},
	})
}

func (r *FakeRecognizer) Error(code string) {
	r.emit(transcriber.RecognizerEvent{Type: transcriber.RecognizerError, Code: code})
}

func (r *FakeRecognizer) End() {
	r.emit(transcriber.RecognizerEvent{Type: transcriber.RecognizerEnd})
}

func (r *FakeRecognizer) Chunks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chunks
}

func (r *FakeRecognizer) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// FakeRecognizers records every recognizer its factory creates.
type FakeRecognizers struct {
	// Configure, when set, is applied to each new recognizer.
	Configure func(n int, r *FakeRecognizer)

	mu      sync.Mutex
	created []*FakeRecognizer
}

func (f *FakeRecognizers) Factory() transcriber.RecognizerFactory {
	return func() transcriber.Recognizer {
		r := NewFakeRecognizer()
		f.mu.Lock()
		n := len(f.created)
		f.created = append(f.created, r)
		f.mu.Unlock()
		if f.Configure != nil {
			f.Configure(n, r)
		}
		return r
	}
}

func (f *FakeRecognizers) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *FakeRecognizers) Last() *FakeRecognizer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

// FakeUploader implements transcriber.Uploader.
type FakeUploader struct {
	Text string
	Err  error
	// Gate, when set, holds Transcribe until it is closed or ctx is done.
	Gate chan struct{}

	mu        sync.Mutex
	calls     int
	artifacts []recording.Artifact
}

func (u *FakeUploader) Transcribe(ctx context.Context, artifact recording.Artifact) (string, error) {
	u.mu.Lock()
	u.calls++
	u.artifacts = append(u.artifacts, artifact)
	u.mu.Unlock()

	if u.Gate != nil {
		select {
		case <-u.Gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return u.Text, u.Err
}

func (u *FakeUploader) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

func (u *FakeUploader) LastArtifact() recording.Artifact {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.artifacts) == 0 {
		return recording.Artifact{}
	}
	return u.artifacts[len(u.artifacts)-1]
}
