package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/leonardotrapani/voxchat/internal/assistant"
	"github.com/leonardotrapani/voxchat/internal/bus"
	"github.com/leonardotrapani/voxchat/internal/chat"
	"github.com/leonardotrapani/voxchat/internal/config"
	"github.com/leonardotrapani/voxchat/internal/conversation"
	"github.com/leonardotrapani/voxchat/internal/credential"
	"github.com/leonardotrapani/voxchat/internal/metrics"
	"github.com/leonardotrapani/voxchat/internal/notify"
	"github.com/leonardotrapani/voxchat/internal/pipeline"
	"github.com/leonardotrapani/voxchat/internal/recording"
	"github.com/leonardotrapani/voxchat/internal/storage"
	"github.com/leonardotrapani/voxchat/internal/transcriber"
)

// Deps overrides the collaborators the daemon would otherwise build from its
// configuration. Zero fields get the production implementation.
type Deps struct {
	Notifier    notify.Notifier
	Entries     storage.Entries
	Source      recording.Source
	Recognizers transcriber.RecognizerFactory
	Uploader    transcriber.Uploader
	Assistant   chat.Assistant
	Metrics     *metrics.Metrics
}

type Daemon struct {
	mu            sync.RWMutex
	notifier      notify.Notifier
	fixedNotifier bool
	messages      map[notify.MessageType]notify.Message

	configMgr *config.Manager

	ctx    context.Context
	cancel context.CancelFunc

	metrics  *metrics.Metrics
	creds    *credential.Store
	client   *assistant.Client
	store    *conversation.Store
	chat     *chat.Service
	pipeline *pipeline.Coordinator

	forwardDone chan struct{}
}

func New(configMgr *config.Manager, deps Deps) (*Daemon, error) {
	conf := configMgr.GetConfig()

	entries := deps.Entries
	if entries == nil {
		path, err := conf.StoragePath()
		if err != nil {
			return nil, fmt.Errorf("resolve storage path: %w", err)
		}
		entries = storage.NewBolt(path)
	}

	m := deps.Metrics
	if m == nil && conf.Metrics.Enabled {
		m = metrics.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		notifier:      deps.Notifier,
		fixedNotifier: deps.Notifier != nil,
		messages:      conf.Notifications.Messages.Resolve(),
		configMgr:     configMgr,
		ctx:           ctx,
		cancel:        cancel,
		metrics:       m,
		forwardDone:   make(chan struct{}),
	}
	if d.notifier == nil {
		d.notifier = notify.New(conf.NotifierType())
	}

	d.creds = credential.NewStore(entries)
	d.client = assistant.New(conf.ToAssistantConfig(), m)
	keyed := d.client.WithKeys(d.creds)

	d.store = conversation.NewStore(entries, d.storageFailed)

	var asst chat.Assistant = keyed
	if deps.Assistant != nil {
		asst = deps.Assistant
	}
	d.chat = chat.NewService(d.store, asst)

	source := deps.Source
	if source == nil {
		source = recording.NewPipeWireSource()
	}
	var uploader transcriber.Uploader = keyed
	if deps.Uploader != nil {
		uploader = deps.Uploader
	}
	recognizers := deps.Recognizers
	if recognizers == nil && conf.Streaming.Enabled {
		recognizers = d.realtimeRecognizer
	}

	d.pipeline = pipeline.New(conf.ToPipelineConfig(), pipeline.Deps{
		Source:      source,
		Uploader:    uploader,
		Recognizers: recognizers,
		Metrics:     m,
	})
	go d.forwardUpdates()

	return d, nil
}

// realtimeRecognizer builds a recognizer from the live config and the
// current key. A missing key makes Start fail as unsupported.
func (d *Daemon) realtimeRecognizer() transcriber.Recognizer {
	cfg := d.configMgr.GetConfig().ToRealtimeConfig()
	key, err := d.creds.Load()
	if err != nil {
		log.Printf("Daemon: realtime recognizer has no API key: %v", err)
	}
	cfg.APIKey = key
	return transcriber.NewRealtimeRecognizer(cfg)
}

func (d *Daemon) storageFailed(err error) {
	log.Printf("Daemon: %v", err)
	d.metrics.RecordStorageError()
	d.send(notify.MsgStateNotSaved, err)
}

func (d *Daemon) send(t notify.MessageType, err error) {
	d.mu.RLock()
	n := d.notifier
	msg := d.messages[t]
	d.mu.RUnlock()

	if err != nil {
		msg.Body = fmt.Sprintf("%s: %v", msg.Body, err)
	}
	go n.Send(msg)
}

// forwardUpdates turns coordinator state changes into notifications.
func (d *Daemon) forwardUpdates() {
	defer close(d.forwardDone)

	prev := pipeline.Idle
	prevErr := ""
	for u := range d.pipeline.Updates() {
		errText := ""
		if u.Err != nil {
			errText = u.Err.Error()
		}
		if errText != "" && errText != prevErr {
			d.send(notify.MsgCaptureFailed, u.Err)
		}
		if u.Status != prev {
			switch u.Status {
			case pipeline.Streaming:
				d.send(notify.MsgStreamingStarted, nil)
			case pipeline.Recording:
				d.send(notify.MsgRecordingStarted, nil)
			case pipeline.Uploading:
				d.send(notify.MsgTranscribing, nil)
			case pipeline.Idle:
				if prev == pipeline.Uploading && u.Err == nil && u.Text != "" {
					d.send(notify.MsgTranscriptionReady, nil)
				}
			}
		}
		prev, prevErr = u.Status, errText
	}
}

func (d *Daemon) applyConfig(conf *config.Config) {
	d.client.SetConfig(conf.ToAssistantConfig())

	d.mu.Lock()
	d.messages = conf.Notifications.Messages.Resolve()
	if !d.fixedNotifier {
		d.notifier = notify.New(conf.NotifierType())
	}
	d.mu.Unlock()

	log.Printf("Daemon: configuration applied (capture settings take effect on restart)")
	d.send(notify.MsgConfigReloaded, nil)
}

func (d *Daemon) Status() pipeline.Status {
	return d.pipeline.Status()
}

// Shutdown stops the accept loop; Run returns once cleanup is done.
func (d *Daemon) Shutdown() {
	d.cancel()
}

func (d *Daemon) Run() error {
	if err := bus.CheckExistingDaemon(); err != nil {
		return err
	}

	ln, err := bus.Listen()
	if err != nil {
		return err
	}
	defer ln.Close()

	if err := bus.CreatePidFile(); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}
	defer bus.RemovePidFile()

	defer d.close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			log.Printf("Received signal %v, shutting down gracefully", sig)
			d.cancel()
		case <-d.ctx.Done():
		}
	}()

	// Close the listener when context is done
	go func() {
		<-d.ctx.Done()
		ln.Close()
	}()

	d.configMgr.OnReload(d.applyConfig)
	if err := d.configMgr.StartWatching(d.ctx); err != nil {
		log.Printf("Daemon: config watching disabled: %v", err)
	}

	conf := d.configMgr.GetConfig()
	if d.metrics != nil {
		go func() {
			if err := d.metrics.Serve(d.ctx, conf.Metrics.Address); err != nil {
				log.Printf("Daemon: metrics server stopped: %v", err)
			}
		}()
	}

	log.Printf("Daemon started, listening on socket (streaming supported: %v)", d.pipeline.StreamingSupported())

	for {
		c, err := ln.Accept()
		if err != nil {
			if d.ctx.Err() != nil {
				log.Printf("Shutdown requested")
				return nil
			}
			log.Printf("Accept error: %v", err)
			return fmt.Errorf("accept failed: %w", err)
		}
		go d.handle(c)
	}
}

func (d *Daemon) close() {
	d.configMgr.Stop()
	d.pipeline.Close()
	<-d.forwardDone
}

func (d *Daemon) handle(c net.Conn) {
	defer c.Close()

	cmd, err := bus.ReadCommand(c)
	if err != nil {
		log.Printf("Client read error: %v", err)
		fmt.Fprintf(c, "%s read_error: %v\n", bus.StatusErr, err)
		return
	}

	if err := d.dispatch(c, cmd); err != nil {
		log.Printf("Command %s failed: %v", cmd.Name, err)
		fmt.Fprintf(c, "%s %s\n", bus.StatusErr, oneLine(err.Error()))
	}
}

func ok(w io.Writer, detail string, lines ...string) {
	if detail == "" {
		fmt.Fprintln(w, bus.StatusOK)
	} else {
		fmt.Fprintf(w, "%s %s\n", bus.StatusOK, detail)
	}
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
}

func (d *Daemon) dispatch(w io.Writer, cmd bus.Command) error {
	switch cmd.Name {
	case "stream":
		if err := d.pipeline.StartStreaming(d.ctx); err != nil {
			return err
		}
		ok(w, "streaming")
	case "record":
		if err := d.pipeline.StartRecording(d.ctx); err != nil {
			return err
		}
		ok(w, "recording")
	case "stop":
		d.pipeline.Stop()
		ok(w, "status="+string(d.pipeline.Status()))
	case "status":
		ok(w, "", d.statusLines()...)
	case "input":
		ok(w, "", d.pipeline.Text())
	case "set-input":
		d.pipeline.SetInput(cmd.Rest)
		ok(w, "input set")
	case "clear":
		d.pipeline.Clear()
		ok(w, "cleared")
	case "send":
		return d.sendMessage(w, cmd)
	case "history":
		var lines []string
		for _, t := range d.pipeline.History() {
			lines = append(lines, fmt.Sprintf("%s\t%s\t%s", t.At.Format(time.RFC3339), t.Mode, oneLine(t.Text)))
		}
		ok(w, fmt.Sprintf("%d", len(lines)), lines...)
	case "conv-list":
		ok(w, "", d.conversationLines()...)
	case "conv-new":
		conv := d.store.Create(cmd.Rest)
		if err := d.store.SetActive(conv.ID); err != nil {
			return err
		}
		ok(w, conv.ShortID()+" "+conv.Title)
	case "conv-use":
		conv, err := d.store.Resolve(cmd.Rest)
		if err != nil {
			return err
		}
		if err := d.store.SetActive(conv.ID); err != nil {
			return err
		}
		ok(w, conv.ShortID()+" "+conv.Title)
	case "conv-show":
		return d.showConversation(w, cmd.Rest)
	case "version":
		ok(w, "proto="+bus.ProtoVer)
	case "quit":
		ok(w, "quitting")
		d.cancel()
	default:
		log.Printf("Unknown command: %s", cmd.Name)
		return fmt.Errorf("unknown command %q", cmd.Name)
	}
	return nil
}

func (d *Daemon) statusLines() []string {
	state := d.pipeline.State()
	lines := []string{
		"status=" + string(state.Status),
		fmt.Sprintf("streaming_supported=%v", d.pipeline.StreamingSupported()),
		"committed=" + oneLine(state.Committed),
		"interim=" + oneLine(state.Interim),
	}
	if state.Err != nil {
		lines = append(lines, "error="+oneLine(state.Err.Error()))
	}
	if conv, found := d.store.Active(); found {
		lines = append(lines, fmt.Sprintf("conversation=%s %s", conv.ShortID(), conv.Title))
	}
	return lines
}

func (d *Daemon) conversationLines() []string {
	activeID := d.store.Snapshot().ActiveID()
	var lines []string
	for _, conv := range d.store.List() {
		marker := " "
		if conv.ID == activeID {
			marker = "*"
		}
		lines = append(lines, fmt.Sprintf("%s %s\t%d\t%s", marker, conv.ShortID(), len(conv.Messages), conv.Title))
	}
	return lines
}

func (d *Daemon) showConversation(w io.Writer, ref string) error {
	if ref == "" {
		ref = "active"
	}
	conv, err := d.store.Resolve(ref)
	if err != nil {
		return err
	}
	lines := make([]string, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		lines = append(lines, fmt.Sprintf("[%s] %s", m.Role, m.Content))
	}
	ok(w, conv.ShortID()+" "+conv.Title, lines...)
	return nil
}

// sendMessage handles "send <ref> [text]". Without text the committed
// transcription is taken and restored if the assistant call fails.
func (d *Daemon) sendMessage(w io.Writer, cmd bus.Command) error {
	if len(cmd.Args) == 0 {
		return errors.New("usage: send <conversation> [text]")
	}
	ref := cmd.Args[0]
	text := strings.TrimSpace(strings.TrimPrefix(cmd.Rest, ref))

	taken := false
	if text == "" {
		text = d.pipeline.Take()
		taken = true
	}

	ctx, cancel := context.WithCancel(d.ctx)
	defer cancel()

	ex, err := d.chat.Send(ctx, ref, text)
	if err != nil {
		if taken && text != "" && d.pipeline.Committed() == "" {
			d.pipeline.SetInput(text)
		}
		return err
	}

	d.send(notify.MsgReplyReceived, nil)
	ok(w, "conversation="+shortID(ex.ConversationID), ex.Reply.Content)
	return nil
}

func shortID(id string) string {
	return conversation.Conversation{ID: id}.ShortID()
}

func oneLine(s string) string {
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
}
