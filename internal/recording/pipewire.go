package recording

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// echoCancelTarget is the node name PipeWire's echo-cancel module exposes.
const echoCancelTarget = "echo-cancel-source"

// PipeWireSource captures the microphone through pw-record.
type PipeWireSource struct {
	// Binary defaults to "pw-record".
	Binary string
}

func NewPipeWireSource() *PipeWireSource {
	return &PipeWireSource{Binary: "pw-record"}
}

func (p *PipeWireSource) binary() string {
	if p.Binary == "" {
		return "pw-record"
	}
	return p.Binary
}

func (p *PipeWireSource) Acquire(ctx context.Context, cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	path, err := exec.LookPath(p.binary())
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found (install pipewire-tools): %v", ErrDeviceUnavailable, p.binary(), err)
	}

	// The capture outlives ctx; ctx only bounds the wait for access.
	captureCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(captureCtx, path, buildPwRecordArgs(cfg)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start %s: %v", ErrDeviceUnavailable, p.binary(), err)
	}

	diag := &stderrTail{}
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			diag.add(line)
			log.Printf("recording: pw-record stderr: %s", line)
		}
	}()

	// Access is granted once the first audio bytes arrive.
	type firstRead struct {
		data []byte
		err  error
	}
	firstCh := make(chan firstRead, 1)
	go func() {
		buf := make([]byte, cfg.BufferSize)
		n, err := stdout.Read(buf)
		firstCh <- firstRead{data: buf[:n], err: err}
	}()

	abort := func() {
		cancel()
		<-stderrDone
		_ = cmd.Wait()
	}

	var first firstRead
	select {
	case first = <-firstCh:
	case <-ctx.Done():
		abort()
		return nil, ctx.Err()
	}

	if len(first.data) == 0 && first.err != nil {
		abort()
		return nil, classifyDeviceError(diag.String(), first.err)
	}

	frameCh := make(chan AudioFrame, cfg.ChannelBufferSize)
	errCh := make(chan error, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			close(frameCh)
			close(errCh)
			<-stderrDone
			_ = cmd.Wait()
		}()
		captureLoop(captureCtx, stdout, cfg.BufferSize, first.data, first.err, frameCh, errCh)
	}()

	session := NewSession(frameCh, errCh, func() {
		cancel()
		wg.Wait()
		log.Printf("recording: microphone released")
	})
	log.Printf("recording: microphone acquired (%d Hz, %d ch, echo cancellation %v)",
		cfg.SampleRate, cfg.Channels, cfg.EchoCancellation)
	return session, nil
}

func captureLoop(ctx context.Context, stdout io.Reader, bufferSize int, first []byte, firstErr error,
	frameCh chan<- AudioFrame, errCh chan<- error) {
	var droppedCount int
	lastDropLog := time.Now()

	send := func(data []byte) bool {
		frame := AudioFrame{Data: data, Timestamp: time.Now()}
		select {
		case frameCh <- frame:
		case <-ctx.Done():
			return false
		default:
			droppedCount++
			if time.Since(lastDropLog) > time.Second {
				log.Printf("recording: dropped %d frames due to backpressure", droppedCount)
				lastDropLog = time.Now()
				droppedCount = 0
			}
		}
		return true
	}

	if len(first) > 0 && !send(first) {
		return
	}
	if firstErr != nil {
		handleReadErr(ctx, firstErr, errCh)
		return
	}

	buffer := make([]byte, bufferSize)
	for {
		n, readErr := stdout.Read(buffer)
		if n > 0 {
			frameData := make([]byte, n)
			copy(frameData, buffer[:n])
			if !send(frameData) {
				return
			}
		}

		if readErr != nil {
			handleReadErr(ctx, readErr, errCh)
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func handleReadErr(ctx context.Context, err error, errCh chan<- error) {
	if errors.Is(err, io.EOF) || ctx.Err() != nil {
		return
	}
	err = fmt.Errorf("%w: read audio: %v", ErrDeviceUnavailable, err)
	select {
	case errCh <- err:
	default:
	}
	log.Printf("recording: %v", err)
}

func buildPwRecordArgs(cfg Config) []string {
	args := []string{
		"--format", cfg.Format,
		"--rate", strconv.Itoa(cfg.SampleRate),
		"--channels", strconv.Itoa(cfg.Channels),
	}
	target := cfg.Device
	if target == "" && cfg.EchoCancellation {
		target = echoCancelTarget
	}
	if target != "" {
		args = append(args, "--target", target)
	}
	return append(args, "-") // stdout
}

// classifyDeviceError maps pw-record's failure output to the device error category.
func classifyDeviceError(stderr string, cause error) error {
	msg := strings.ToLower(stderr)
	switch {
	case strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "not allowed"),
		strings.Contains(msg, "access denied"),
		strings.Contains(msg, "operation not permitted"):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, strings.TrimSpace(stderr))
	case stderr != "":
		return fmt.Errorf("%w: %s", ErrDeviceUnavailable, strings.TrimSpace(stderr))
	default:
		return fmt.Errorf("%w: capture ended before any audio: %v", ErrDeviceUnavailable, cause)
	}
}

// stderrTail keeps the last few stderr lines for error classification.
type stderrTail struct {
	mu    sync.Mutex
	lines []string
}

func (s *stderrTail) add(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
	if len(s.lines) > 8 {
		s.lines = s.lines[len(s.lines)-8:]
	}
}

func (s *stderrTail) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.lines, "\n")
}

// CheckPipeWireAvailable reports whether pw-record exists and the PipeWire daemon answers.
func CheckPipeWireAvailable(ctx context.Context) error {
	if _, err := exec.LookPath("pw-record"); err != nil {
		return fmt.Errorf("%w: pw-record not found: %v (install pipewire-tools)", ErrDeviceUnavailable, err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	cmd := exec.CommandContext(checkCtx, "pw-cli", "info")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: PipeWire not running or accessible: %v", ErrDeviceUnavailable, err)
	}
	return nil
}
