//go:build integration

package main

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/leonardotrapani/voxchat/internal/assistant"
	"github.com/leonardotrapani/voxchat/internal/config"
	"github.com/leonardotrapani/voxchat/internal/conversation"
	"github.com/leonardotrapani/voxchat/internal/credential"
	"github.com/leonardotrapani/voxchat/internal/recording"
	"github.com/leonardotrapani/voxchat/internal/storage"
	"github.com/leonardotrapani/voxchat/internal/transcriber"
)

const testTimeout = 45 * time.Second

// These tests talk to the real OpenAI API:
//
//	OPENAI_API_KEY=sk-... go test -tags integration ./cmd/voxchat
//
// VOXCHAT_TEST_AUDIO may point to a WAV file with speech for the upload test.

func loadTestConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	cfg := config.DefaultConfig()
	if path, err := config.GetConfigPath(); err == nil {
		if loaded, err := config.LoadFile(path); err == nil {
			cfg = loaded
		}
	}

	creds := credential.NewStore(storage.NewMemory())
	if path, err := cfg.StoragePath(); err == nil {
		creds = credential.NewStore(storage.NewBolt(path))
	}
	key, err := creds.Load()
	if err != nil {
		t.Skipf("no API key: %v", err)
	}
	return cfg, key
}

func TestVerifyKey(t *testing.T) {
	cfg, key := loadTestConfig(t)
	client := assistant.New(cfg.ToAssistantConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := client.VerifyKey(ctx, key); err != nil {
		t.Fatalf("VerifyKey: %v", err)
	}
}

func TestChatRoundTrip(t *testing.T) {
	cfg, key := loadTestConfig(t)
	client := assistant.New(cfg.ToAssistantConfig(), nil)

	history := []conversation.Message{
		conversation.NewMessage(conversation.RoleUser, "Reply with the single word: pong"),
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	reply, err := client.SendChat(ctx, key, history)
	if err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	if !strings.Contains(strings.ToLower(reply), "pong") {
		t.Errorf("reply = %q", reply)
	}
}

func TestClipTranscription(t *testing.T) {
	path := os.Getenv("VOXCHAT_TEST_AUDIO")
	if path == "" {
		t.Skip("VOXCHAT_TEST_AUDIO not set")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audio: %v", err)
	}
	cfg, key := loadTestConfig(t)
	client := assistant.New(cfg.ToAssistantConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	text, err := client.Transcribe(ctx, key, recording.Artifact{
		Data:       data,
		Encoding:   recording.EncodingWAV,
		CapturedAt: time.Now(),
		Chunks:     1,
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if strings.TrimSpace(text) == "" {
		t.Error("empty transcription")
	}
	t.Logf("transcription: %s", text)
}

func TestRealtimeConnects(t *testing.T) {
	cfg, key := loadTestConfig(t)
	if !cfg.Streaming.Enabled {
		t.Skip("streaming disabled in config")
	}
	rtCfg := cfg.ToRealtimeConfig()
	rtCfg.APIKey = key
	rec := transcriber.NewRealtimeRecognizer(rtCfg)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := rec.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	silence := make([]byte, cfg.Capture.SampleRate/10*2)
	for i := 0; i < 5; i++ {
		if err := rec.SendChunk(silence); err != nil {
			t.Fatalf("SendChunk: %v", err)
		}
	}
	if err := rec.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
