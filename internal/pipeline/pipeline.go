package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/leonardotrapani/voxchat/internal/metrics"
	"github.com/leonardotrapani/voxchat/internal/recording"
	"github.com/leonardotrapani/voxchat/internal/transcriber"
)

type Status string

const (
	Idle      Status = "idle"
	Acquiring Status = "acquiring"
	Streaming Status = "streaming"
	Recording Status = "recording"
	Uploading Status = "uploading"
)

var (
	// ErrSessionActive rejects a start while another capture session is active.
	ErrSessionActive = errors.New("capture session already active")
	ErrClosed        = errors.New("coordinator closed")
)

type Config struct {
	Capture                recording.Config
	SliceDuration          time.Duration
	MaxDuration            time.Duration
	RequestTimeout         time.Duration
	MaxImmediateRestarts   int
	ImmediateFailureWindow time.Duration
	HistorySize            int
}

func DefaultConfig() Config {
	return Config{
		Capture:                recording.DefaultConfig(),
		SliceDuration:          time.Second,
		MaxDuration:            5 * time.Minute,
		RequestTimeout:         30 * time.Second,
		MaxImmediateRestarts:   3,
		ImmediateFailureWindow: time.Second,
		HistorySize:            50,
	}
}

// Deps are the collaborators the coordinator drives. Recognizers may be nil
// when no streaming backend is available.
type Deps struct {
	Source      recording.Source
	Uploader    transcriber.Uploader
	Recognizers transcriber.RecognizerFactory
	Metrics     *metrics.Metrics
}

// Update is published on every observable state change.
type Update struct {
	Status  Status
	Text    string
	Interim string
	Err     error
}

// State is a point-in-time view of the coordinator.
type State struct {
	Status    Status
	Committed string
	Interim   string
	Err       error
	StartedAt time.Time
}

// Transcription is one completed piece of recognized text.
type Transcription struct {
	Text string
	Mode Status
	At   time.Time
}

// Coordinator owns the capture session lifecycle: microphone acquisition,
// streaming recognition with transparent restarts, clip recording with upload,
// and the committed input text.
type Coordinator struct {
	cfg  Config
	deps Deps

	mu        sync.Mutex
	status    Status
	gen       uint64
	closed    bool
	committed []string
	interim   string
	lastErr   error
	startedAt time.Time
	history   []Transcription

	// current session resources
	cancel  context.CancelFunc // acquisition or upload
	session *recording.Session
	timer   *time.Timer

	// streaming
	adapter           *transcriber.StreamAdapter
	streamGen         uint64
	streamStarted     time.Time
	streamHadResult   bool
	immediateFailures int

	// recording
	clip *transcriber.ClipTranscriber

	updates chan Update
	bg      sync.WaitGroup // restarts and uploads
	workers sync.WaitGroup // per-session goroutines
}

func New(cfg Config, deps Deps) *Coordinator {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	if cfg.ImmediateFailureWindow <= 0 {
		cfg.ImmediateFailureWindow = time.Second
	}
	if cfg.MaxImmediateRestarts < 0 {
		cfg.MaxImmediateRestarts = 0
	}
	return &Coordinator{
		cfg:     cfg,
		deps:    deps,
		status:  Idle,
		updates: make(chan Update, 32),
	}
}

// StreamingSupported reports whether a recognizer backend was configured.
func (c *Coordinator) StreamingSupported() bool {
	return c.deps.Recognizers != nil
}

// Updates delivers state changes. Updates are dropped when the reader falls behind;
// the channel is closed by Close.
func (c *Coordinator) Updates() <-chan Update {
	return c.updates
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Status:    c.status,
		Committed: strings.Join(c.committed, " "),
		Interim:   c.interim,
		Err:       c.lastErr,
		StartedAt: c.startedAt,
	}
}

// Text is the display text: committed segments followed by the interim preview.
func (c *Coordinator) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.displayLocked()
}

func (c *Coordinator) Committed() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.committed, " ")
}

// Take returns the committed text and clears it. Interim text is kept.
func (c *Coordinator) Take() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	text := strings.Join(c.committed, " ")
	c.committed = nil
	c.publishLocked()
	return text
}

// SetInput replaces the committed text with typed input.
func (c *Coordinator) SetInput(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = nil
	if text = strings.TrimSpace(text); text != "" {
		c.committed = []string{text}
	}
	c.publishLocked()
}

func (c *Coordinator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = nil
	c.interim = ""
	c.publishLocked()
}

// History returns completed transcriptions, oldest first.
func (c *Coordinator) History() []Transcription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Transcription, len(c.history))
	copy(out, c.history)
	return out
}

// Wait blocks until background restarts and uploads have finished.
func (c *Coordinator) Wait() {
	c.bg.Wait()
}

func (c *Coordinator) StartStreaming(ctx context.Context) error {
	if c.deps.Recognizers == nil {
		return transcriber.ErrUnsupportedCapability
	}

	gen, acqCtx, err := c.begin(ctx)
	if err != nil {
		return err
	}

	session, err := c.acquire(acqCtx, gen)
	if err != nil {
		return err
	}

	adapter, err := c.openStream()
	if err != nil {
		c.releaseSession(session)
		c.mu.Lock()
		c.failAcquiringLocked(gen, err)
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.gen != gen || c.status != Acquiring {
		c.mu.Unlock()
		adapter.Stop()
		c.releaseSession(session)
		return context.Canceled
	}
	c.installSessionLocked(gen, session, Streaming)
	c.installStreamLocked(gen, adapter)
	c.startWorkersLocked(gen, session, true)
	c.publishLocked()
	c.mu.Unlock()

	c.deps.Metrics.RecordSessionStarted(string(Streaming))
	log.Printf("coordinator: streaming started")
	return nil
}

func (c *Coordinator) StartRecording(ctx context.Context) error {
	if c.deps.Uploader == nil {
		return fmt.Errorf("%w: no transcription uploader", transcriber.ErrUnsupportedCapability)
	}

	gen, acqCtx, err := c.begin(ctx)
	if err != nil {
		return err
	}

	session, err := c.acquire(acqCtx, gen)
	if err != nil {
		return err
	}

	clip := transcriber.NewClipTranscriber(c.cfg.Capture, c.deps.Uploader, c.cfg.SliceDuration)

	c.mu.Lock()
	if c.gen != gen || c.status != Acquiring {
		c.mu.Unlock()
		c.releaseSession(session)
		return context.Canceled
	}
	if err := clip.Start(session); err != nil {
		c.failAcquiringLocked(gen, err)
		c.mu.Unlock()
		c.releaseSession(session)
		return err
	}
	c.installSessionLocked(gen, session, Recording)
	c.clip = clip
	if c.cfg.MaxDuration > 0 {
		c.timer = time.AfterFunc(c.cfg.MaxDuration, func() {
			log.Printf("coordinator: maximum recording duration reached")
			c.dispatch(event{kind: evMaxDuration, gen: gen})
		})
	}
	c.startWorkersLocked(gen, session, false)
	c.publishLocked()
	c.mu.Unlock()

	c.deps.Metrics.RecordSessionStarted(string(Recording))
	log.Printf("coordinator: recording started")
	return nil
}

// Stop ends the active session. In recording mode the captured clip is
// uploaded in the background; during an upload the upload is abandoned.
// Safe to call in any state.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	res := c.stopLocked()
	c.mu.Unlock()
	c.release(res)
}

// Close stops any session without uploading and waits for all goroutines.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	var res resources
	if c.status != Idle {
		res = c.endSessionLocked(nil)
	}
	c.closed = true
	c.mu.Unlock()

	c.release(res)
	c.bg.Wait()
	c.workers.Wait()
	close(c.updates)
	log.Printf("coordinator: closed")
}

func (c *Coordinator) begin(ctx context.Context) (uint64, context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, nil, ErrClosed
	}
	if c.status != Idle {
		return 0, nil, ErrSessionActive
	}

	acqCtx, cancel := context.WithCancel(ctx)
	c.gen++
	c.status = Acquiring
	c.cancel = cancel
	c.lastErr = nil
	c.interim = ""
	c.publishLocked()
	return c.gen, acqCtx, nil
}

func (c *Coordinator) acquire(ctx context.Context, gen uint64) (*recording.Session, error) {
	session, err := c.deps.Source.Acquire(ctx, c.cfg.Capture)
	if err != nil {
		log.Printf("coordinator: microphone acquisition failed: %v", err)
		c.deps.Metrics.RecordCaptureError(errorKind(err))
		c.mu.Lock()
		stopped := c.gen != gen
		c.failAcquiringLocked(gen, err)
		c.mu.Unlock()
		if stopped {
			return nil, context.Canceled
		}
		return nil, err
	}
	c.deps.Metrics.RecordMicrophoneAcquired()
	return session, nil
}

func (c *Coordinator) failAcquiringLocked(gen uint64, err error) {
	if c.gen != gen || c.status != Acquiring {
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.status = Idle
	c.gen++
	c.lastErr = err
	c.publishLocked()
}

func (c *Coordinator) installSessionLocked(gen uint64, session *recording.Session, status Status) {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.session = session
	c.status = status
	c.startedAt = time.Now()
	c.immediateFailures = 0
}

func (c *Coordinator) openStream() (*transcriber.StreamAdapter, error) {
	adapter := transcriber.NewStreamAdapter(c.deps.Recognizers())
	if err := adapter.Start(context.Background()); err != nil {
		if !errors.Is(err, transcriber.ErrRecognitionTransient) && !errors.Is(err, transcriber.ErrUnsupportedCapability) {
			err = fmt.Errorf("%w: %v", transcriber.ErrRecognitionTransient, err)
		}
		return nil, err
	}
	return adapter, nil
}

func (c *Coordinator) installStreamLocked(gen uint64, adapter *transcriber.StreamAdapter) {
	c.streamGen++
	c.adapter = adapter
	c.streamStarted = time.Now()
	c.streamHadResult = false

	c.workers.Add(1)
	go c.forward(gen, c.streamGen, adapter)
}

func (c *Coordinator) startWorkersLocked(gen uint64, session *recording.Session, pump bool) {
	if pump && session.Frames() != nil {
		c.workers.Add(1)
		go c.pump(gen, session)
	}
	if session.Errors() != nil {
		c.workers.Add(1)
		go c.watch(gen, session)
	}
}

// pump feeds microphone frames to whichever stream adapter is current.
func (c *Coordinator) pump(gen uint64, session *recording.Session) {
	defer c.workers.Done()

	for frame := range session.Frames() {
		c.mu.Lock()
		var adapter *transcriber.StreamAdapter
		if c.gen == gen {
			adapter = c.adapter
		}
		c.mu.Unlock()

		if adapter == nil {
			continue // between restarts
		}
		_ = adapter.Feed(frame.Data)
	}
}

func (c *Coordinator) watch(gen uint64, session *recording.Session) {
	defer c.workers.Done()

	for err := range session.Errors() {
		if err != nil {
			c.dispatch(event{kind: evDeviceError, gen: gen, err: err})
		}
	}
	if !session.Released() {
		c.dispatch(event{kind: evDeviceClosed, gen: gen})
	}
}

func (c *Coordinator) forward(gen, streamGen uint64, adapter *transcriber.StreamAdapter) {
	defer c.workers.Done()

	for ev := range adapter.Events() {
		e := event{gen: gen, stream: streamGen, text: ev.Text, err: ev.Err}
		switch ev.Type {
		case transcriber.StreamInterim:
			e.kind = evInterim
		case transcriber.StreamFinal:
			e.kind = evFinal
		case transcriber.StreamError:
			e.kind = evStreamError
		case transcriber.StreamEnded:
			e.kind = evStreamEnded
		}
		c.dispatch(e)
	}
}

func (c *Coordinator) restart(gen uint64) {
	defer c.bg.Done()

	c.deps.Metrics.RecordRecognizerRestart()
	adapter, err := c.openStream()

	c.mu.Lock()
	if c.closed || c.gen != gen || c.status != Streaming || c.adapter != nil {
		c.mu.Unlock()
		if adapter != nil {
			adapter.Stop()
		}
		return
	}
	if err != nil {
		log.Printf("coordinator: recognizer restart failed: %v", err)
		res := c.streamEndedLocked(gen, true)
		c.mu.Unlock()
		c.release(res)
		return
	}
	c.installStreamLocked(gen, adapter)
	c.mu.Unlock()
}

func (c *Coordinator) upload(gen uint64, ctx context.Context, cancel context.CancelFunc, clip *transcriber.ClipTranscriber) {
	defer c.bg.Done()
	defer cancel()

	artifact, err := clip.Stop()
	var text string
	if err == nil {
		text, err = clip.Finish(ctx, artifact)
	} else {
		err = fmt.Errorf("%w: %w", transcriber.ErrTranscriptionUploadFailed, err)
	}

	if err != nil {
		c.dispatch(event{kind: evUploadFailed, gen: gen, err: err})
		return
	}
	c.dispatch(event{kind: evUploadDone, gen: gen, text: text})
}

// release runs outside the lock; stopping an adapter waits for its goroutines.
func (c *Coordinator) release(res resources) {
	if res.cancel != nil {
		res.cancel()
	}
	if res.timer != nil {
		res.timer.Stop()
	}
	if res.adapter != nil {
		res.adapter.Stop()
	}
	if res.session != nil {
		c.releaseSession(res.session)
	}
}

func (c *Coordinator) releaseSession(session *recording.Session) {
	if session.Released() {
		return
	}
	session.Release()
	c.deps.Metrics.RecordMicrophoneReleased()
}

func (c *Coordinator) displayLocked() string {
	committed := strings.Join(c.committed, " ")
	switch {
	case committed == "":
		return c.interim
	case c.interim == "":
		return committed
	default:
		return committed + " " + c.interim
	}
}

func (c *Coordinator) publishLocked() {
	if c.closed {
		return
	}
	u := Update{
		Status:  c.status,
		Text:    c.displayLocked(),
		Interim: c.interim,
		Err:     c.lastErr,
	}
	select {
	case c.updates <- u:
	default:
	}
}

func (c *Coordinator) commitLocked(text string, mode Status) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.committed = append(c.committed, text)
	c.history = append(c.history, Transcription{Text: text, Mode: mode, At: time.Now()})
	if len(c.history) > c.cfg.HistorySize {
		c.history = c.history[len(c.history)-c.cfg.HistorySize:]
	}
	c.deps.Metrics.RecordTranscription(text)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, recording.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, recording.ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, transcriber.ErrUnsupportedCapability):
		return "unsupported"
	case errors.Is(err, transcriber.ErrTranscriptionUploadFailed):
		return "upload_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "recognition_transient"
	}
}
