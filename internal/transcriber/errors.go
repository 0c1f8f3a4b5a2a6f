package transcriber

import "errors"

var (
	// ErrUnsupportedCapability is returned when no streaming recognizer backend is available.
	ErrUnsupportedCapability = errors.New("streaming recognition not supported")

	// ErrRecognitionTransient covers recognizer failures that a restart may clear.
	ErrRecognitionTransient = errors.New("speech recognition failed")

	// ErrTranscriptionUploadFailed wraps any failure of the recorded-clip upload.
	ErrTranscriptionUploadFailed = errors.New("transcription upload failed")
)

// FatalError marks an error as non-recoverable for the current capture session.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	if e == nil || e.Err == nil {
		return "fatal transcription error"
	}
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func NewFatalError(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
