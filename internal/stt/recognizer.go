package stt

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEngineUnavailable means the inference binary could not be located.
	ErrEngineUnavailable = errors.New("whisper.cpp binary not found")
	// ErrTimeout means inference exceeded its wall-clock budget.
	ErrTimeout = errors.New("transcription timed out")
)

// TranscriptResult captures recognizer output for one waveform.
type TranscriptResult struct {
	Text     string
	Duration time.Duration
}

// Recognizer abstracts STT backends. Implementations are invoked with a
// canonical waveform path and must not be called concurrently by the
// service; serialization happens one level up.
type Recognizer interface {
	Transcribe(ctx context.Context, wavPath string) (TranscriptResult, error)
}
