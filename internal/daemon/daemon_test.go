package daemon

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leonardotrapani/voxchat/internal/assistant"
	"github.com/leonardotrapani/voxchat/internal/bus"
	"github.com/leonardotrapani/voxchat/internal/config"
	"github.com/leonardotrapani/voxchat/internal/conversation"
	"github.com/leonardotrapani/voxchat/internal/notify"
	"github.com/leonardotrapani/voxchat/internal/pipeline"
	"github.com/leonardotrapani/voxchat/internal/recording"
	"github.com/leonardotrapani/voxchat/internal/storage"
	"github.com/leonardotrapani/voxchat/internal/testutil"
)

type fakeAssistant struct {
	mu        sync.Mutex
	reply     string
	err       error
	histories [][]conversation.Message
}

func (f *fakeAssistant) SendChat(ctx context.Context, history []conversation.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histories = append(f.histories, history)
	return f.reply, f.err
}

func (f *fakeAssistant) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeAssistant) lastHistory() []conversation.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.histories) == 0 {
		return nil
	}
	return f.histories[len(f.histories)-1]
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recordingNotifier) Send(msg notify.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}
func (r *recordingNotifier) Error(msg string)             { r.Send(notify.Message{Body: msg, IsError: true}) }
func (r *recordingNotifier) Notify(title, message string) { r.Send(notify.Message{Title: title, Body: message}) }

func (r *recordingNotifier) has(body string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if strings.HasPrefix(m.Body, body) {
			return true
		}
	}
	return false
}

type fixture struct {
	daemon      *Daemon
	source      *testutil.FakeSource
	recognizers *testutil.FakeRecognizers
	uploader    *testutil.FakeUploader
	assistant   *fakeAssistant
	notifier    *recordingNotifier
	entries     storage.Entries
}

func startDaemon(t *testing.T, setup ...func(*fixture)) *fixture {
	t.Helper()
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	configPath := testutil.CreateTempConfigFile(t, "[notifications]\n  type = \"log\"\n")
	mgr, err := config.NewManagerForFile(configPath)
	if err != nil {
		t.Fatalf("NewManagerForFile: %v", err)
	}

	f := &fixture{
		source:      testutil.NewFakeSource(),
		recognizers: &testutil.FakeRecognizers{},
		uploader:    &testutil.FakeUploader{Text: "what is go"},
		assistant:   &fakeAssistant{reply: "A programming language."},
		notifier:    &recordingNotifier{},
		entries:     storage.NewMemory(),
	}
	for _, fn := range setup {
		fn(f)
	}
	d, err := New(mgr, Deps{
		Notifier:    f.notifier,
		Entries:     f.entries,
		Source:      f.source,
		Recognizers: f.recognizers.Factory(),
		Uploader:    f.uploader,
		Assistant:   f.assistant,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.daemon = d

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Run()
	}()

	// Wait for daemon to be ready by trying to connect
	maxAttempts := 100
	for i := range maxAttempts {
		if _, err := bus.SendCommand("version"); err == nil {
			break
		}
		if i == maxAttempts-1 {
			t.Fatal("daemon failed to start within timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Cleanup(func() {
		bus.SendCommand("quit")
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("daemon did not exit within timeout")
		}
	})
	return f
}

func call(t *testing.T, name string, args ...string) string {
	t.Helper()
	resp, err := bus.SendCommand(name, args...)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	out, err := bus.ParseResponse(resp)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return out
}

func callErr(t *testing.T, name string, args ...string) error {
	t.Helper()
	resp, err := bus.SendCommand(name, args...)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	_, err = bus.ParseResponse(resp)
	return err
}

func TestVersionAndUnknown(t *testing.T) {
	startDaemon(t)

	if out := call(t, "version"); out != "proto="+bus.ProtoVer {
		t.Errorf("version = %q", out)
	}
	if err := callErr(t, "bogus"); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("bogus error = %v", err)
	}
}

func TestStreamingThenSend(t *testing.T) {
	f := startDaemon(t)

	if out := call(t, "stream"); out != "streaming" {
		t.Fatalf("stream = %q", out)
	}
	if f.daemon.Status() != pipeline.Streaming {
		t.Fatalf("status = %s, want streaming", f.daemon.Status())
	}
	if err := callErr(t, "record"); err == nil || !strings.Contains(err.Error(), pipeline.ErrSessionActive.Error()) {
		t.Errorf("record while streaming error = %v", err)
	}

	rec := f.recognizers.Last()
	rec.Result("hello", false)
	testutil.WaitForCondition(t, func() bool { return call(t, "input") == "hello" }, 3*time.Second)
	rec.Result("hello there", true)
	testutil.WaitForCondition(t, func() bool { return strings.Contains(call(t, "status"), "committed=hello there") }, 3*time.Second)

	call(t, "stop")
	if f.source.Held() {
		t.Error("microphone still held after stop")
	}

	out := call(t, "send", "active")
	if !strings.HasSuffix(out, "\nA programming language.") {
		t.Errorf("send = %q", out)
	}
	history := f.assistant.lastHistory()
	if len(history) != 1 || history[0].Content != "hello there" {
		t.Errorf("assistant history = %+v", history)
	}
	if call(t, "input") != "" {
		t.Error("committed text should be consumed by send")
	}

	show := call(t, "conv-show")
	for _, want := range []string{"[user] hello there", "[assistant] A programming language."} {
		if !strings.Contains(show, want) {
			t.Errorf("conv-show missing %q:\n%s", want, show)
		}
	}
	testutil.WaitForCondition(t, func() bool { return f.notifier.has("Assistant replied") }, 3*time.Second)
}

func TestRecordUploadsClip(t *testing.T) {
	f := startDaemon(t)

	if out := call(t, "record"); out != "recording" {
		t.Fatalf("record = %q", out)
	}
	f.source.EmitPCM(recording.DefaultConfig().BytesPerSecond(), 4096)
	time.Sleep(50 * time.Millisecond)
	call(t, "stop")

	testutil.WaitForCondition(t, func() bool { return call(t, "input") == "what is go" }, 3*time.Second)
	if f.uploader.Calls() != 1 {
		t.Errorf("uploader called %d times", f.uploader.Calls())
	}
	if out := call(t, "history"); !strings.Contains(out, "recording\twhat is go") {
		t.Errorf("history = %q", out)
	}
	testutil.WaitForCondition(t, func() bool { return f.notifier.has("Transcription ready") }, 3*time.Second)
}

func TestSendFailureRestoresInput(t *testing.T) {
	f := startDaemon(t, func(f *fixture) {
		f.assistant.err = assistant.ErrRateLimited
	})

	call(t, "set-input", "keep me")
	err := callErr(t, "send", "active")
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("send error = %v", err)
	}
	if got := call(t, "input"); got != "keep me" {
		t.Errorf("input after failed send = %q, want %q", got, "keep me")
	}

	conv, ok := f.daemon.store.Active()
	if !ok {
		t.Fatal("send should have activated a conversation")
	}
	if len(conv.Messages) != 0 {
		t.Errorf("failed send appended %d messages", len(conv.Messages))
	}

	if err := callErr(t, "send", "active"); err == nil {
		t.Error("second send should fail too")
	}
	f.assistant.setErr(nil)
	if err := callErr(t, "send", "active", "explicit", "text"); err != nil {
		t.Fatalf("send with text: %v", err)
	}
	if got := f.assistant.lastHistory(); got[len(got)-1].Content != "explicit text" {
		t.Errorf("sent %q", got[len(got)-1].Content)
	}
	if call(t, "input") != "keep me" {
		t.Error("explicit text should not consume the input buffer")
	}
}

func TestSendEmpty(t *testing.T) {
	startDaemon(t)
	if err := callErr(t, "send", "active"); err == nil || !strings.Contains(err.Error(), "empty") {
		t.Errorf("send error = %v", err)
	}
	if err := callErr(t, "send"); err == nil {
		t.Error("send without a conversation should fail")
	}
}

func TestConversationCommands(t *testing.T) {
	f := startDaemon(t)

	first := call(t, "conv-new", "Go questions")
	second := call(t, "conv-new")
	if !strings.HasSuffix(second, conversation.DefaultTitle) {
		t.Errorf("conv-new without title = %q", second)
	}

	list := call(t, "conv-list")
	lines := strings.Split(list, "\n")
	if len(lines) != 2 {
		t.Fatalf("conv-list = %q", list)
	}
	if !strings.HasPrefix(lines[1], "*") || strings.HasPrefix(lines[0], "*") {
		t.Errorf("newest conversation should be active:\n%s", list)
	}

	firstID := strings.Fields(first)[0]
	if out := call(t, "conv-use", firstID); out != first {
		t.Errorf("conv-use = %q, want %q", out, first)
	}
	if active, _ := f.daemon.store.Active(); active.ShortID() != firstID {
		t.Errorf("active = %s, want %s", active.ShortID(), firstID)
	}

	call(t, "send", firstID, "hi")
	if out := call(t, "conv-show", firstID); !strings.Contains(out, "[user] hi") {
		t.Errorf("conv-show = %q", out)
	}

	if err := callErr(t, "conv-use", "zzzzzzzz"); err == nil {
		t.Error("conv-use of unknown id should fail")
	}

	data, err := f.entries.Get(conversation.EntryName)
	if err != nil || len(data) == 0 {
		t.Errorf("conversations not persisted: %v", err)
	}
}

func TestStatusAndClear(t *testing.T) {
	startDaemon(t)

	call(t, "set-input", "draft")
	status := call(t, "status")
	for _, want := range []string{"status=idle", "streaming_supported=true", "committed=draft"} {
		if !strings.Contains(status, want) {
			t.Errorf("status missing %q:\n%s", want, status)
		}
	}
	call(t, "clear")
	if call(t, "input") != "" {
		t.Error("clear should empty the input")
	}
}

func TestCaptureFailureNotifies(t *testing.T) {
	f := startDaemon(t, func(f *fixture) {
		f.source.AcquireErr = recording.ErrPermissionDenied
	})

	err := callErr(t, "record")
	if err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("record error = %v", err)
	}
	if f.daemon.Status() != pipeline.Idle {
		t.Errorf("status = %s, want idle", f.daemon.Status())
	}
	testutil.WaitForCondition(t, func() bool { return f.notifier.has("Voice input failed") }, 3*time.Second)
}

func TestStorageFailureNotifies(t *testing.T) {
	f := startDaemon(t)
	f.daemon.storageFailed(errors.New("disk full"))
	testutil.WaitForCondition(t, func() bool { return f.notifier.has("State not saved: disk full") }, 3*time.Second)
}
