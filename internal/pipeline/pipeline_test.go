package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leonardotrapani/voxchat/internal/recording"
	"github.com/leonardotrapani/voxchat/internal/testutil"
	"github.com/leonardotrapani/voxchat/internal/transcriber"
)

const waitTimeout = 3 * time.Second

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Capture.SampleRate = 8000 // 16000 bytes per second
	cfg.RequestTimeout = 2 * time.Second
	cfg.MaxDuration = 0
	return cfg
}

type fixture struct {
	source      *testutil.FakeSource
	recognizers *testutil.FakeRecognizers
	uploader    *testutil.FakeUploader
	coordinator *Coordinator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		source:      testutil.NewFakeSource(),
		recognizers: &testutil.FakeRecognizers{},
		uploader:    &testutil.FakeUploader{Text: "hello world"},
	}
	f.coordinator = New(cfg, Deps{
		Source:      f.source,
		Uploader:    f.uploader,
		Recognizers: f.recognizers.Factory(),
	})
	t.Cleanup(f.coordinator.Close)
	return f
}

func waitStatus(t *testing.T, c *Coordinator, want Status) {
	t.Helper()
	testutil.WaitForCondition(t, func() bool { return c.Status() == want }, waitTimeout)
}

func TestStreamingInterimThenFinal(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.coordinator

	if err := c.StartStreaming(context.Background()); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
	if c.Status() != Streaming {
		t.Fatalf("status = %s, want streaming", c.Status())
	}

	rec := f.recognizers.Last()
	rec.Result("hel", false)
	testutil.WaitForCondition(t, func() bool { return c.Text() == "hel" }, waitTimeout)
	if c.Committed() != "" {
		t.Errorf("interim text must not be committed, got %q", c.Committed())
	}

	rec.Result("hello", true)
	testutil.WaitForCondition(t, func() bool { return c.Committed() == "hello" }, waitTimeout)
	if state := c.State(); state.Interim != "" {
		t.Errorf("final result should clear interim, got %q", state.Interim)
	}
	if c.Text() != "hello" {
		t.Errorf("Text() = %q, want %q", c.Text(), "hello")
	}

	c.Stop()
	if c.Status() != Idle {
		t.Errorf("status after Stop = %s, want idle", c.Status())
	}
	if got, want := f.source.Releases(), f.source.Acquires(); got != want || got != 1 {
		t.Errorf("acquires=%d releases=%d, want 1/1", want, got)
	}
	if !rec.Closed() {
		t.Error("recognizer should be closed after Stop")
	}
}

func TestStreamingFeedsMicrophoneAudio(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.coordinator

	if err := c.StartStreaming(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.source.EmitPCM(8000, 1000)

	rec := f.recognizers.Last()
	testutil.WaitForCondition(t, func() bool { return rec.Chunks() == 8 }, waitTimeout)
	c.Stop()
}

func TestStreamingJoinsSegments(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.coordinator

	if err := c.StartStreaming(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec := f.recognizers.Last()
	rec.Result("hello", true)
	rec.Result("world", true)
	rec.Result("agai", false)

	testutil.WaitForCondition(t, func() bool { return c.Text() == "hello world agai" }, waitTimeout)
	if c.Committed() != "hello world" {
		t.Errorf("Committed() = %q", c.Committed())
	}

	c.Stop()
	if c.Text() != "hello world" {
		t.Errorf("Stop should drop the interim preview, Text() = %q", c.Text())
	}
}

func TestRecordScenario(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)
	c := f.coordinator

	if err := c.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if c.Status() != Recording {
		t.Fatalf("status = %s, want recording", c.Status())
	}

	f.source.EmitPCM(3*cfg.Capture.BytesPerSecond(), 4000)

	c.Stop()
	if f.source.Held() {
		t.Error("microphone should be released as soon as recording stops")
	}
	c.Wait()

	if c.Status() != Idle {
		t.Errorf("status = %s, want idle", c.Status())
	}
	if c.Committed() != "hello world" {
		t.Errorf("Committed() = %q, want %q", c.Committed(), "hello world")
	}
	artifact := f.uploader.LastArtifact()
	if artifact.Chunks != 3 {
		t.Errorf("uploaded %d chunks, want 3", artifact.Chunks)
	}
	if artifact.Encoding != recording.EncodingWAV {
		t.Errorf("encoding = %q", artifact.Encoding)
	}
	if f.uploader.Calls() != 1 {
		t.Errorf("uploader called %d times, want 1", f.uploader.Calls())
	}

	history := c.History()
	if len(history) != 1 || history[0].Text != "hello world" || history[0].Mode != Recording {
		t.Errorf("history = %+v", history)
	}
}

func TestRecordingEmptyClipSkipsUpload(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.coordinator

	if err := c.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Stop()
	c.Wait()

	if f.uploader.Calls() != 0 {
		t.Errorf("empty clip should not be uploaded")
	}
	if c.Status() != Idle || c.Committed() != "" {
		t.Errorf("status=%s committed=%q", c.Status(), c.Committed())
	}
}

func TestUploadFailure(t *testing.T) {
	f := newFixture(t, testConfig())
	f.uploader.Err = errors.New("status code: 500")
	c := f.coordinator

	if err := c.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.source.EmitPCM(16000, 4000)
	c.Stop()
	c.Wait()

	state := c.State()
	if state.Status != Idle {
		t.Errorf("status = %s, want idle", state.Status)
	}
	if !errors.Is(state.Err, transcriber.ErrTranscriptionUploadFailed) {
		t.Errorf("err = %v, want ErrTranscriptionUploadFailed", state.Err)
	}
	if state.Committed != "" {
		t.Errorf("failed upload must not commit text, got %q", state.Committed)
	}
	if f.source.Acquires() != f.source.Releases() {
		t.Errorf("acquires=%d releases=%d", f.source.Acquires(), f.source.Releases())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.coordinator

	c.Stop()
	c.Stop()
	if c.Status() != Idle {
		t.Fatalf("status = %s", c.Status())
	}

	if err := c.StartStreaming(context.Background()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Stop()
		}()
	}
	wg.Wait()

	if c.Status() != Idle {
		t.Errorf("status = %s, want idle", c.Status())
	}
	if f.source.Releases() != 1 {
		t.Errorf("releases = %d, want 1", f.source.Releases())
	}
}

func TestMutualExclusion(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.coordinator

	if err := c.StartStreaming(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.StartRecording(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Errorf("StartRecording while streaming = %v, want ErrSessionActive", err)
	}
	if err := c.StartStreaming(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Errorf("second StartStreaming = %v, want ErrSessionActive", err)
	}
	if f.source.Acquires() != 1 {
		t.Errorf("acquires = %d, want 1", f.source.Acquires())
	}
	c.Stop()

	t.Run("while acquiring", func(t *testing.T) {
		f := newFixture(t, testConfig())
		f.source.Gate = make(chan struct{})
		c := f.coordinator

		errCh := make(chan error, 1)
		go func() { errCh <- c.StartRecording(context.Background()) }()
		waitStatus(t, c, Acquiring)

		if err := c.StartStreaming(context.Background()); !errors.Is(err, ErrSessionActive) {
			t.Errorf("start while acquiring = %v, want ErrSessionActive", err)
		}

		close(f.source.Gate)
		if err := <-errCh; err != nil {
			t.Fatalf("StartRecording: %v", err)
		}
		c.Stop()
		c.Wait()
		if f.source.Acquires() != 1 {
			t.Errorf("acquires = %d, want 1", f.source.Acquires())
		}
	})

	t.Run("while uploading", func(t *testing.T) {
		f := newFixture(t, testConfig())
		f.uploader.Gate = make(chan struct{})
		c := f.coordinator

		if err := c.StartRecording(context.Background()); err != nil {
			t.Fatal(err)
		}
		f.source.EmitPCM(4000, 4000)
		c.Stop()
		waitStatus(t, c, Uploading)

		if err := c.StartStreaming(context.Background()); !errors.Is(err, ErrSessionActive) {
			t.Errorf("start while uploading = %v, want ErrSessionActive", err)
		}
		close(f.uploader.Gate)
		c.Wait()
	})
}

func TestPermissionDenied(t *testing.T) {
	for _, mode := range []Status{Streaming, Recording} {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t, testConfig())
			f.source.AcquireErr = fmt.Errorf("%w: portal refused", recording.ErrPermissionDenied)
			c := f.coordinator

			var err error
			if mode == Streaming {
				err = c.StartStreaming(context.Background())
			} else {
				err = c.StartRecording(context.Background())
			}

			if !errors.Is(err, recording.ErrPermissionDenied) {
				t.Fatalf("err = %v, want ErrPermissionDenied", err)
			}
			state := c.State()
			if state.Status != Idle {
				t.Errorf("status = %s, want idle", state.Status)
			}
			if !errors.Is(state.Err, recording.ErrPermissionDenied) {
				t.Errorf("state error = %v", state.Err)
			}
			if f.source.Held() {
				t.Error("no microphone handle should be retained")
			}
			if f.recognizers.Count() != 0 {
				t.Error("no recognizer should be created without a microphone")
			}
		})
	}
}

func TestStreamingUnsupported(t *testing.T) {
	source := testutil.NewFakeSource()
	c := New(testConfig(), Deps{Source: source, Uploader: &testutil.FakeUploader{}})
	defer c.Close()

	if c.StreamingSupported() {
		t.Error("StreamingSupported should be false without a recognizer")
	}
	if err := c.StartStreaming(context.Background()); !errors.Is(err, transcriber.ErrUnsupportedCapability) {
		t.Errorf("err = %v, want ErrUnsupportedCapability", err)
	}
	if source.Acquires() != 0 {
		t.Error("microphone must not be acquired for an unsupported capability")
	}
}

func TestRecognizerStartFailureReleasesMicrophone(t *testing.T) {
	f := newFixture(t, testConfig())
	f.recognizers.Configure = func(n int, r *testutil.FakeRecognizer) {
		r.StartErr = errors.New("dial tcp: connection refused")
	}
	c := f.coordinator

	err := c.StartStreaming(context.Background())
	if !errors.Is(err, transcriber.ErrRecognitionTransient) {
		t.Fatalf("err = %v, want ErrRecognitionTransient", err)
	}
	if c.Status() != Idle {
		t.Errorf("status = %s, want idle", c.Status())
	}
	if f.source.Held() {
		t.Error("microphone should be released when the recognizer cannot start")
	}
}

func TestStopDuringAcquisition(t *testing.T) {
	f := newFixture(t, testConfig())
	f.source.Gate = make(chan struct{})
	c := f.coordinator

	errCh := make(chan error, 1)
	go func() { errCh <- c.StartStreaming(context.Background()) }()
	waitStatus(t, c, Acquiring)

	c.Stop()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("StartStreaming did not return after Stop")
	}
	if c.Status() != Idle {
		t.Errorf("status = %s, want idle", c.Status())
	}
	if f.source.Held() {
		t.Error("no handle should be held")
	}
}

func TestStopDuringUploadDiscardsResult(t *testing.T) {
	f := newFixture(t, testConfig())
	f.uploader.Gate = make(chan struct{})
	c := f.coordinator

	if err := c.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.source.EmitPCM(16000, 4000)
	c.Stop()
	waitStatus(t, c, Uploading)

	c.Stop()
	if c.Status() != Idle {
		t.Errorf("status = %s, want idle", c.Status())
	}
	c.Wait()

	if c.Committed() != "" {
		t.Errorf("abandoned upload must not commit, got %q", c.Committed())
	}
	if c.State().Err != nil {
		t.Errorf("abandoned upload should not report an error, got %v", c.State().Err)
	}
}

func TestRestartCap(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)
	f.recognizers.Configure = func(n int, r *testutil.FakeRecognizer) {
		r.EndOnStart = true
	}
	c := f.coordinator

	if err := c.StartStreaming(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, c, Idle)
	c.Wait()

	if got, want := f.recognizers.Count(), cfg.MaxImmediateRestarts+1; got != want {
		t.Errorf("recognizer starts = %d, want %d", got, want)
	}
	err := c.State().Err
	if !errors.Is(err, transcriber.ErrRecognitionTransient) || !transcriber.IsFatal(err) {
		t.Errorf("err = %v, want fatal ErrRecognitionTransient", err)
	}
	if f.source.Held() {
		t.Error("microphone should be released after the restart cap")
	}
}

func TestResultResetsRestartCounter(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)
	f.recognizers.Configure = func(n int, r *testutil.FakeRecognizer) {
		if n == 3 {
			r.Result("hi", true)
			return
		}
		r.EndOnStart = true
	}
	c := f.coordinator

	if err := c.StartStreaming(context.Background()); err != nil {
		t.Fatal(err)
	}

	// three immediate failures, then a recognizer that produces a result
	testutil.WaitForCondition(t, func() bool { return c.Committed() == "hi" }, waitTimeout)
	if c.Status() != Streaming {
		t.Fatalf("status = %s, want streaming", c.Status())
	}

	f.recognizers.Last().End()
	waitStatus(t, c, Idle)
	c.Wait()

	// 4 before the result, then 4 more immediate failures
	if got := f.recognizers.Count(); got != 8 {
		t.Errorf("recognizer starts = %d, want 8", got)
	}
}

func TestLateResultsDiscarded(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.coordinator

	if err := c.StartStreaming(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.mu.Lock()
	gen, stream := c.gen, c.streamGen
	c.mu.Unlock()

	c.Stop()

	c.dispatch(event{kind: evFinal, gen: gen, stream: stream, text: "late"})
	c.dispatch(event{kind: evInterim, gen: gen, stream: stream, text: "lat"})
	c.dispatch(event{kind: evUploadDone, gen: gen, text: "late upload"})

	if c.Text() != "" {
		t.Errorf("late results must be dropped, Text() = %q", c.Text())
	}
	if c.Status() != Idle {
		t.Errorf("status = %s", c.Status())
	}
}

func TestStaleStreamEventsDiscarded(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.coordinator

	if err := c.StartStreaming(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.mu.Lock()
	gen, stream := c.gen, c.streamGen
	c.mu.Unlock()

	c.dispatch(event{kind: evFinal, gen: gen, stream: stream - 1, text: "old recognizer"})
	if c.Committed() != "" {
		t.Errorf("events of a replaced recognizer must be dropped, got %q", c.Committed())
	}
	c.Stop()
}

func TestRecognizerPermissionError(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.coordinator

	if err := c.StartStreaming(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.recognizers.Last().Error(transcriber.CodeNotAllowed)

	waitStatus(t, c, Idle)
	if err := c.State().Err; !errors.Is(err, recording.ErrPermissionDenied) {
		t.Errorf("err = %v, want ErrPermissionDenied", err)
	}
	if f.source.Held() {
		t.Error("microphone should be released")
	}
}

func TestNoSpeechIsIgnored(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.coordinator

	if err := c.StartStreaming(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec := f.recognizers.Last()
	rec.Error(transcriber.CodeNoSpeech)
	rec.Result("still here", true)

	testutil.WaitForCondition(t, func() bool { return c.Committed() == "still here" }, waitTimeout)
	if c.State().Err != nil {
		t.Errorf("no-speech should not surface, got %v", c.State().Err)
	}
	c.Stop()
}

func TestDeviceErrors(t *testing.T) {
	t.Run("error while recording", func(t *testing.T) {
		f := newFixture(t, testConfig())
		c := f.coordinator

		if err := c.StartRecording(context.Background()); err != nil {
			t.Fatal(err)
		}
		f.source.Fail(fmt.Errorf("%w: read audio: broken pipe", recording.ErrDeviceUnavailable))

		waitStatus(t, c, Idle)
		if err := c.State().Err; !errors.Is(err, recording.ErrDeviceUnavailable) {
			t.Errorf("err = %v, want ErrDeviceUnavailable", err)
		}
		if f.uploader.Calls() != 0 {
			t.Error("a failed recording must not be uploaded")
		}
		if f.source.Held() {
			t.Error("microphone should be released")
		}
	})

	t.Run("device vanishes while streaming", func(t *testing.T) {
		f := newFixture(t, testConfig())
		c := f.coordinator

		if err := c.StartStreaming(context.Background()); err != nil {
			t.Fatal(err)
		}
		f.source.Disconnect()

		waitStatus(t, c, Idle)
		if err := c.State().Err; !errors.Is(err, recording.ErrDeviceUnavailable) {
			t.Errorf("err = %v, want ErrDeviceUnavailable", err)
		}
		if f.source.Acquires() != f.source.Releases() {
			t.Errorf("acquires=%d releases=%d", f.source.Acquires(), f.source.Releases())
		}
	})
}

func TestMaxDurationStopsRecording(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDuration = 50 * time.Millisecond
	f := newFixture(t, cfg)
	c := f.coordinator

	if err := c.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.source.EmitPCM(16000, 4000)

	testutil.WaitForCondition(t, func() bool { return c.Committed() == "hello world" }, waitTimeout)
	if c.Status() != Idle {
		t.Errorf("status = %s", c.Status())
	}
}

func TestAcquiresEqualReleases(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.coordinator

	for i := 0; i < 3; i++ {
		if err := c.StartStreaming(context.Background()); err != nil {
			t.Fatal(err)
		}
		f.recognizers.Last().Result("x", true)
		c.Stop()

		if err := c.StartRecording(context.Background()); err != nil {
			t.Fatal(err)
		}
		f.source.EmitPCM(4000, 4000)
		c.Stop()
		c.Wait()
	}

	f.source.AcquireErr = recording.ErrDeviceUnavailable
	_ = c.StartStreaming(context.Background())

	if f.source.Acquires() != 6 {
		t.Errorf("acquires = %d, want 6", f.source.Acquires())
	}
	if f.source.Acquires() != f.source.Releases() {
		t.Errorf("acquires=%d releases=%d", f.source.Acquires(), f.source.Releases())
	}
}

func TestInputBuffer(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.coordinator

	c.SetInput("  typed text ")
	if c.Committed() != "typed text" {
		t.Errorf("Committed() = %q", c.Committed())
	}

	if got := c.Take(); got != "typed text" {
		t.Errorf("Take() = %q", got)
	}
	if c.Committed() != "" {
		t.Error("Take should clear committed text")
	}

	c.SetInput("something")
	c.Clear()
	if c.Text() != "" {
		t.Errorf("Clear left %q", c.Text())
	}
}

func TestHistoryIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.HistorySize = 2
	f := newFixture(t, cfg)
	c := f.coordinator

	if err := c.StartStreaming(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec := f.recognizers.Last()
	for _, word := range []string{"one", "two", "three"} {
		rec.Result(word, true)
	}
	testutil.WaitForCondition(t, func() bool { return c.Committed() == "one two three" }, waitTimeout)
	c.Stop()

	history := c.History()
	if len(history) != 2 || history[0].Text != "two" || history[1].Text != "three" {
		t.Errorf("history = %+v", history)
	}
}

func TestUpdates(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.coordinator

	if err := c.StartStreaming(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.recognizers.Last().Result("hey", true)
	testutil.WaitForCondition(t, func() bool { return c.Committed() == "hey" }, waitTimeout)
	c.Stop()

	var statuses []Status
	var sawText bool
	for {
		select {
		case u := <-c.Updates():
			statuses = append(statuses, u.Status)
			if u.Text == "hey" {
				sawText = true
			}
			continue
		default:
		}
		break
	}

	if len(statuses) < 3 || statuses[0] != Acquiring || statuses[len(statuses)-1] != Idle {
		t.Errorf("statuses = %v", statuses)
	}
	if !sawText {
		t.Error("expected an update carrying the committed text")
	}
}

func TestClose(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.coordinator

	if err := c.StartStreaming(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Close()
	c.Close()

	if f.source.Held() {
		t.Error("Close should release the microphone")
	}
	if err := c.StartRecording(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("start after Close = %v, want ErrClosed", err)
	}
	for range c.Updates() {
	}
}

func TestCloseWaitsForAbandonedClip(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)
	c := f.coordinator

	if err := c.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.source.EmitPCM(cfg.Capture.BytesPerSecond(), 4000)

	c.mu.Lock()
	clip := c.clip
	c.mu.Unlock()
	if clip == nil {
		t.Fatal("recording should hold a clip transcriber")
	}

	c.Close()
	if state := clip.State(); state != transcriber.ClipIdle {
		t.Errorf("clip state after Close = %s, want idle", state)
	}
	if f.uploader.Calls() != 0 {
		t.Errorf("Close should not upload, uploader called %d times", f.uploader.Calls())
	}
}
