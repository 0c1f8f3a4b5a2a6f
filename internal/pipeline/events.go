package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/leonardotrapani/voxchat/internal/recording"
	"github.com/leonardotrapani/voxchat/internal/transcriber"
)

type eventKind int

const (
	evInterim eventKind = iota
	evFinal
	evStreamError
	evStreamEnded
	evDeviceError
	evDeviceClosed
	evMaxDuration
	evUploadDone
	evUploadFailed
)

func (k eventKind) String() string {
	switch k {
	case evInterim:
		return "interim"
	case evFinal:
		return "final"
	case evStreamError:
		return "stream-error"
	case evStreamEnded:
		return "stream-ended"
	case evDeviceError:
		return "device-error"
	case evDeviceClosed:
		return "device-closed"
	case evMaxDuration:
		return "max-duration"
	case evUploadDone:
		return "upload-done"
	case evUploadFailed:
		return "upload-failed"
	default:
		return "unknown"
	}
}

// event is everything that can happen to a session, tagged with the session
// generation (and stream generation for recognizer output) it belongs to.
type event struct {
	kind   eventKind
	gen    uint64
	stream uint64
	text   string
	err    error
}

// resources are detached under the lock and released after it is dropped.
type resources struct {
	cancel  context.CancelFunc
	timer   *time.Timer
	adapter *transcriber.StreamAdapter
	session *recording.Session
}

func (c *Coordinator) dispatch(ev event) {
	c.mu.Lock()
	res := c.handle(ev)
	c.mu.Unlock()
	c.release(res)
}

// handle is the single state transition function.
func (c *Coordinator) handle(ev event) resources {
	if ev.gen != c.gen {
		return resources{}
	}

	switch ev.kind {
	case evInterim, evFinal, evStreamError, evStreamEnded:
		if c.status != Streaming || ev.stream != c.streamGen {
			return resources{}
		}
	}

	switch ev.kind {
	case evInterim:
		c.streamHadResult = true
		c.immediateFailures = 0
		c.interim = ev.text
		c.publishLocked()

	case evFinal:
		c.streamHadResult = true
		c.immediateFailures = 0
		c.interim = ""
		c.commitLocked(ev.text, Streaming)
		c.publishLocked()

	case evStreamError:
		c.deps.Metrics.RecordCaptureError(errorKind(ev.err))
		if errors.Is(ev.err, recording.ErrPermissionDenied) || errors.Is(ev.err, recording.ErrDeviceUnavailable) {
			log.Printf("coordinator: recognizer lost the microphone: %v", ev.err)
			return c.endSessionLocked(ev.err)
		}
		// the recognizer normally ends after an error; the restart policy decides
		log.Printf("coordinator: transient recognition error: %v", ev.err)

	case evStreamEnded:
		immediate := !c.streamHadResult && time.Since(c.streamStarted) < c.cfg.ImmediateFailureWindow
		return c.streamEndedLocked(ev.gen, immediate)

	case evDeviceError:
		if c.status != Streaming && c.status != Recording {
			return resources{}
		}
		c.deps.Metrics.RecordCaptureError(errorKind(ev.err))
		log.Printf("coordinator: device error: %v", ev.err)
		return c.endSessionLocked(ev.err)

	case evDeviceClosed:
		if c.status != Streaming && c.status != Recording {
			return resources{}
		}
		err := fmt.Errorf("%w: capture ended unexpectedly", recording.ErrDeviceUnavailable)
		c.deps.Metrics.RecordCaptureError(errorKind(err))
		log.Printf("coordinator: %v", err)
		return c.endSessionLocked(err)

	case evMaxDuration:
		if c.status == Recording {
			return c.stopLocked()
		}

	case evUploadDone:
		if c.status != Uploading {
			return resources{}
		}
		c.commitLocked(ev.text, Recording)
		c.cancel = nil
		c.status = Idle
		c.gen++
		c.publishLocked()
		log.Printf("coordinator: recording transcribed")

	case evUploadFailed:
		if c.status != Uploading {
			return resources{}
		}
		c.deps.Metrics.RecordCaptureError(errorKind(ev.err))
		log.Printf("coordinator: %v", ev.err)
		c.cancel = nil
		c.status = Idle
		c.gen++
		c.lastErr = ev.err
		c.publishLocked()
	}

	return resources{}
}

// streamEndedLocked applies the restart policy after the recognizer ended on its own.
func (c *Coordinator) streamEndedLocked(gen uint64, immediate bool) resources {
	res := resources{adapter: c.adapter}
	c.adapter = nil

	if immediate {
		c.immediateFailures++
	} else {
		c.immediateFailures = 0
	}

	if c.immediateFailures > c.cfg.MaxImmediateRestarts {
		err := transcriber.NewFatalError(fmt.Errorf("%w: recognizer ended %d times in a row without results",
			transcriber.ErrRecognitionTransient, c.immediateFailures))
		c.deps.Metrics.RecordCaptureError(errorKind(err))
		log.Printf("coordinator: %v", err)
		ended := c.endSessionLocked(err)
		ended.adapter = res.adapter
		return ended
	}

	log.Printf("coordinator: recognizer ended, restarting (immediate failures: %d)", c.immediateFailures)
	c.bg.Add(1)
	go c.restart(gen)
	return res
}

// stopLocked implements Stop for every status.
func (c *Coordinator) stopLocked() resources {
	switch c.status {
	case Idle:
		return resources{}

	case Acquiring, Streaming:
		log.Printf("coordinator: stopping %s", c.status)
		return c.endSessionLocked(nil)

	case Recording:
		log.Printf("coordinator: stopping recording, uploading clip")
		res := c.detachLocked()
		clip := c.clip
		c.clip = nil

		timeout := c.cfg.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		c.cancel = cancel
		c.status = Uploading
		c.publishLocked()

		c.bg.Add(1)
		go c.upload(c.gen, ctx, cancel, clip)
		return res

	case Uploading:
		log.Printf("coordinator: abandoning upload")
		return c.endSessionLocked(nil)
	}
	return resources{}
}

// endSessionLocked returns to idle and invalidates every outstanding event of
// the session.
func (c *Coordinator) endSessionLocked(err error) resources {
	res := c.detachLocked()
	if c.clip != nil {
		// abandoned recording; drain the collector
		clip := c.clip
		c.clip = nil
		c.workers.Add(1)
		go func() {
			defer c.workers.Done()
			_, _ = clip.Stop()
		}()
	}
	c.interim = ""
	c.status = Idle
	c.gen++
	c.lastErr = err
	c.publishLocked()
	return res
}

func (c *Coordinator) detachLocked() resources {
	res := resources{
		cancel:  c.cancel,
		timer:   c.timer,
		adapter: c.adapter,
		session: c.session,
	}
	c.cancel = nil
	c.timer = nil
	c.adapter = nil
	c.session = nil
	return res
}
