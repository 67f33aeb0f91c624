package stt

import (
	"context"
	"fmt"
	"os"
	"time"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, wavPath string) (TranscriptResult, error) {
	start := time.Now()
	info, err := os.Stat(wavPath)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("stat waveform: %w", err)
	}
	return TranscriptResult{
		Text:     fmt.Sprintf("[mock transcript bytes=%d]", info.Size()),
		Duration: time.Since(start),
	}, nil
}
