package recording

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	EncodingWAV     = "audio/wav"
	EncodingUnknown = "application/octet-stream"
)

var extensionEncodings = map[string]string{
	".wav":  EncodingWAV,
	".webm": "audio/webm",
	".mp3":  "audio/mpeg",
	".mpga": "audio/mpeg",
	".mpeg": "audio/mpeg",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
}

// EncodingForFile guesses the encoding from the file extension.
func EncodingForFile(path string) string {
	if enc, ok := extensionEncodings[strings.ToLower(filepath.Ext(path))]; ok {
		return enc
	}
	return EncodingUnknown
}

// LoadArtifact reads an existing audio file so it can be uploaded like a
// recording. Unknown extensions get EncodingUnknown and are rejected at upload.
func LoadArtifact(path string) (Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("read audio file: %w", err)
	}
	if info.IsDir() {
		return Artifact{}, fmt.Errorf("read audio file: %s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("read audio file: %w", err)
	}
	return Artifact{
		Data:       data,
		Encoding:   EncodingForFile(path),
		CapturedAt: info.ModTime(),
		Chunks:     1,
	}, nil
}

// Artifact is one finished recording ready for upload.
type Artifact struct {
	Data       []byte
	Encoding   string
	CapturedAt time.Time
	Chunks     int
}

// FileName is the name the artifact is uploaded under; the extension tells
// the transcription endpoint how to decode it.
func (a Artifact) FileName() string {
	ext := "bin"
	switch a.Encoding {
	case EncodingWAV:
		ext = "wav"
	case "audio/webm":
		ext = "webm"
	case "audio/mpeg":
		ext = "mp3"
	case "audio/ogg":
		ext = "ogg"
	}
	return fmt.Sprintf("recording-%s.%s", a.CapturedAt.UTC().Format("20060102T150405Z"), ext)
}

func (a Artifact) Empty() bool { return len(a.Data) == 0 }
