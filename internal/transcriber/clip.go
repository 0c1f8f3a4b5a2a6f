package transcriber

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/leonardotrapani/voxchat/internal/recording"
)

type ClipState int

const (
	ClipIdle ClipState = iota
	ClipRecording
	ClipUploading
)

func (s ClipState) String() string {
	switch s {
	case ClipIdle:
		return "idle"
	case ClipRecording:
		return "recording"
	case ClipUploading:
		return "uploading"
	default:
		return "unknown"
	}
}

// Uploader turns a finished recording into text.
type Uploader interface {
	Transcribe(ctx context.Context, artifact recording.Artifact) (string, error)
}

// ClipTranscriber collects microphone audio in fixed-length chunks and
// transcribes the whole clip once recording stops.
type ClipTranscriber struct {
	uploader   Uploader
	sampleRate int
	channels   int
	chunkBytes int

	mu         sync.Mutex
	state      ClipState
	pending    []byte
	chunks     [][]byte
	capturedAt time.Time
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewClipTranscriber slices audio into chunks of slice length (one second when zero).
func NewClipTranscriber(cfg recording.Config, uploader Uploader, slice time.Duration) *ClipTranscriber {
	if slice <= 0 {
		slice = time.Second
	}
	chunkBytes := int(int64(cfg.BytesPerSecond()) * int64(slice) / int64(time.Second))
	// keep chunk boundaries on whole sample frames
	if align := cfg.Channels * 2; align > 0 {
		chunkBytes -= chunkBytes % align
	}
	if chunkBytes <= 0 {
		chunkBytes = cfg.BytesPerSecond()
	}
	return &ClipTranscriber{
		uploader:   uploader,
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		chunkBytes: chunkBytes,
	}
}

func (t *ClipTranscriber) State() ClipState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Start begins collecting frames from session.
func (t *ClipTranscriber) Start(session *recording.Session) error {
	if session == nil {
		return fmt.Errorf("clip transcriber: nil session")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != ClipIdle {
		return fmt.Errorf("clip transcriber already %s", t.state)
	}

	t.state = ClipRecording
	t.pending = nil
	t.chunks = nil
	t.capturedAt = time.Now()
	t.stopCh = make(chan struct{})

	t.wg.Add(1)
	go t.collect(session.Frames(), t.stopCh)

	log.Printf("transcriber: clip recording started")
	return nil
}

func (t *ClipTranscriber) collect(frames <-chan recording.AudioFrame, stopCh <-chan struct{}) {
	defer t.wg.Done()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			t.add(frame.Data)
		case <-stopCh:
			// take whatever the capture already delivered
			for {
				select {
				case frame, ok := <-frames:
					if !ok {
						return
					}
					t.add(frame.Data)
				default:
					return
				}
			}
		}
	}
}

func (t *ClipTranscriber) add(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending = append(t.pending, data...)
	for len(t.pending) >= t.chunkBytes {
		chunk := make([]byte, t.chunkBytes)
		copy(chunk, t.pending[:t.chunkBytes])
		t.chunks = append(t.chunks, chunk)
		t.pending = t.pending[t.chunkBytes:]
	}
}

// Stop ends collection and returns the ordered chunks as one WAV artifact.
// Calling Stop when not recording returns an empty artifact.
func (t *ClipTranscriber) Stop() (recording.Artifact, error) {
	t.mu.Lock()
	if t.state != ClipRecording {
		t.mu.Unlock()
		return recording.Artifact{}, nil
	}
	close(t.stopCh)
	t.mu.Unlock()

	t.wg.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.pending) > 0 {
		t.chunks = append(t.chunks, t.pending)
		t.pending = nil
	}

	var pcm []byte
	for _, chunk := range t.chunks {
		pcm = append(pcm, chunk...)
	}
	count := len(t.chunks)
	t.chunks = nil
	t.state = ClipIdle

	artifact := recording.Artifact{
		Encoding:   recording.EncodingWAV,
		CapturedAt: t.capturedAt,
		Chunks:     count,
	}
	if len(pcm) == 0 {
		log.Printf("transcriber: clip stopped with no audio")
		return artifact, nil
	}

	data, err := EncodeWAV(pcm, t.sampleRate, t.channels)
	if err != nil {
		return recording.Artifact{}, fmt.Errorf("encode clip: %w", err)
	}
	artifact.Data = data
	log.Printf("transcriber: clip stopped, %d chunks, %d bytes", count, len(pcm))
	return artifact, nil
}

// Finish uploads artifact for transcription. An empty artifact yields "" without a request.
func (t *ClipTranscriber) Finish(ctx context.Context, artifact recording.Artifact) (string, error) {
	if artifact.Empty() {
		return "", nil
	}

	t.mu.Lock()
	if t.state != ClipIdle {
		state := t.state
		t.mu.Unlock()
		return "", fmt.Errorf("clip transcriber busy: %s", state)
	}
	t.state = ClipUploading
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.state = ClipIdle
		t.mu.Unlock()
	}()

	log.Printf("transcriber: uploading %d bytes of audio", len(artifact.Data))
	text, err := t.uploader.Transcribe(ctx, artifact)
	if err != nil {
		log.Printf("transcriber: transcription failed: %v", err)
		return "", fmt.Errorf("%w: %w", ErrTranscriptionUploadFailed, err)
	}

	log.Printf("transcriber: transcription completed: %q", text)
	return text, nil
}
