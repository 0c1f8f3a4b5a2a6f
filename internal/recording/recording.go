package recording

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrDeviceUnavailable means no usable microphone could be opened.
	ErrDeviceUnavailable = errors.New("microphone unavailable")
	// ErrPermissionDenied means the audio server refused access to the microphone.
	ErrPermissionDenied = errors.New("microphone permission denied")
)

type AudioFrame struct {
	Data      []byte
	Timestamp time.Time
}

// Config holds the capture parameters. The defaults are the fixed constraints
// every capture session is opened with.
type Config struct {
	SampleRate        int
	Channels          int
	Format            string
	EchoCancellation  bool
	BufferSize        int
	Device            string
	ChannelBufferSize int
}

func DefaultConfig() Config {
	return Config{
		SampleRate:        44100,
		Channels:          1,
		Format:            "s16le",
		EchoCancellation:  true,
		BufferSize:        4096,
		Device:            "",
		ChannelBufferSize: 50,
	}
}

// BytesPerSecond returns the PCM byte rate for the configured format.
func (c Config) BytesPerSecond() int {
	return c.SampleRate * c.Channels * 2
}

func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("invalid SampleRate: %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("invalid Channels: %d", c.Channels)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("invalid BufferSize: %d", c.BufferSize)
	}
	if c.ChannelBufferSize <= 0 {
		return fmt.Errorf("invalid ChannelBufferSize: %d", c.ChannelBufferSize)
	}
	if c.Format == "" {
		return fmt.Errorf("invalid Format: empty")
	}
	return nil
}

// Source hands out exclusive microphone sessions. Acquire blocks until the
// audio server grants or denies access, or ctx is done.
type Source interface {
	Acquire(ctx context.Context, cfg Config) (*Session, error)
}

// Session is one acquired microphone handle. Frames and Errors are closed by
// the producer once the handle is released or the device goes away.
type Session struct {
	frames    <-chan AudioFrame
	errs      <-chan error
	startedAt time.Time

	release  func()
	once     sync.Once
	released atomic.Bool
}

// NewSession wraps a producer's channels and its release routine.
// release is invoked at most once, however many times Release is called.
func NewSession(frames <-chan AudioFrame, errs <-chan error, release func()) *Session {
	return &Session{
		frames:    frames,
		errs:      errs,
		startedAt: time.Now(),
		release:   release,
	}
}

func (s *Session) Frames() <-chan AudioFrame { return s.frames }

func (s *Session) Errors() <-chan error { return s.errs }

func (s *Session) StartedAt() time.Time { return s.startedAt }

func (s *Session) Released() bool { return s.released.Load() }

// Release frees the microphone. Safe to call from any goroutine, any number of times.
func (s *Session) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.released.Store(true)
		if s.release != nil {
			s.release()
		}
	})
}
