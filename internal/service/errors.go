package service

import (
	"errors"
	"fmt"
)

// Kind classifies request failures. The values double as wire error codes.
type Kind string

const (
	KindModelNotLoaded      Kind = "model_not_loaded"
	KindNoAudio             Kind = "no_audio"
	KindAlreadyRecording    Kind = "already_recording"
	KindNotRecording        Kind = "not_recording"
	KindMicUnavailable      Kind = "mic_unavailable"
	KindRecordingFailed     Kind = "recording_failed"
	KindTranscodeFailed     Kind = "transcode_failed"
	KindEngineUnavailable   Kind = "engine_unavailable"
	KindTimeout             Kind = "timeout"
	KindTranscriptionFailed Kind = "transcription_failed"
)

// Error is the failure type returned by every Service operation.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so the sentinels below work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrModelNotLoaded      = &Error{Kind: KindModelNotLoaded, Message: "Whisper model is not loaded. Run setup first."}
	ErrNoAudio             = &Error{Kind: KindNoAudio, Message: "No audio data in request body."}
	ErrAlreadyRecording    = &Error{Kind: KindAlreadyRecording, Message: "Already recording."}
	ErrNotRecording        = &Error{Kind: KindNotRecording, Message: "No active recording to stop."}
	ErrMicUnavailable      = &Error{Kind: KindMicUnavailable, Message: "Recorder tool not available."}
	ErrRecordingFailed     = &Error{Kind: KindRecordingFailed, Message: "Recording file not found."}
	ErrTranscodeFailed     = &Error{Kind: KindTranscodeFailed, Message: "Failed to convert audio to WAV."}
	ErrEngineUnavailable   = &Error{Kind: KindEngineUnavailable, Message: "whisper.cpp binary not found."}
	ErrTimeout             = &Error{Kind: KindTimeout, Message: "Transcription timed out."}
	ErrTranscriptionFailed = &Error{Kind: KindTranscriptionFailed, Message: "Transcription failed."}
)

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the Kind of err, or KindTranscriptionFailed for errors that
// did not originate here.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTranscriptionFailed
}
