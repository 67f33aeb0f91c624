// Package transcode normalizes arbitrary input audio into the canonical
// waveform the inference engine expects: mono, 16 kHz, 16-bit PCM WAV.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-whisperd/internal/command"
	"github.com/loqalabs/loqa-whisperd/internal/config"
)

// Transcoder converts audio with an external ffmpeg process.
type Transcoder struct {
	ffmpegPath string
	sampleRate int
	channels   int
	timeout    time.Duration
	runner     command.Runner
	stat       func(name string) (os.FileInfo, error)
	log        *slog.Logger
}

func New(cfg config.TranscodeConfig, runner command.Runner, log *slog.Logger) *Transcoder {
	return &Transcoder{
		ffmpegPath: cfg.FFmpegPath,
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		timeout:    time.Duration(cfg.TimeoutMS) * time.Millisecond,
		runner:     runner,
		stat:       os.Stat,
		log:        log.With(slog.String("component", "transcode")),
	}
}

// Transcode writes the canonical form of input to output. It reports false
// when ffmpeg is missing, times out, or leaves no non-empty output, so the
// caller can decide on a fallback. A non-zero exit that still produced
// output counts as success; ffmpeg exits 1 on truncated captures.
func (t *Transcoder) Transcode(ctx context.Context, input, output string) bool {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	args := t.Args(input, output)
	res, err := t.runner.Run(ctx, t.ffmpegPath, args...)
	if err != nil {
		attrs := []any{
			slog.String("input", input),
			slog.String("error", err.Error()),
			slog.Int("exit_code", res.ExitCode),
			slog.String("stderr", tail(res.Stderr, 200)),
		}
		if errors.Is(err, command.ErrNotFound) || ctx.Err() != nil {
			t.log.Warn("ffmpeg failed", attrs...)
			return false
		}
		t.log.Debug("ffmpeg exited with error, checking output", attrs...)
	}

	info, statErr := t.stat(output)
	if statErr != nil || info.Size() == 0 {
		attrs := []any{slog.String("output", output)}
		if err != nil {
			attrs = append(attrs,
				slog.String("error", err.Error()),
				slog.String("stderr", tail(res.Stderr, 200)))
		}
		t.log.Warn("ffmpeg produced no output", attrs...)
		return false
	}
	return true
}

// Args builds the ffmpeg arguments for canonical waveform output.
func (t *Transcoder) Args(input, output string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", input,
		"-vn",
		"-ar", strconv.Itoa(t.sampleRate),
		"-ac", strconv.Itoa(t.channels),
		"-c:a", "pcm_s16le",
		"-f", "wav",
		output,
	}
}

// Probe returns the playback duration of a WAV file, computed from the
// size of its PCM data chunk.
func Probe(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("not a wav file: %s", path)
	}
	if err := dec.FwdToPCM(); err != nil {
		return 0, fmt.Errorf("wav data chunk: %w", err)
	}
	if err := dec.Err(); err != nil {
		return 0, fmt.Errorf("wav data chunk: %w", err)
	}
	bytesPerSec := int64(dec.SampleRate) * int64(dec.NumChans) * int64(dec.BitDepth) / 8
	if bytesPerSec <= 0 {
		return 0, fmt.Errorf("wav format has no byte rate: %s", path)
	}
	return time.Duration(dec.PCMLen()) * time.Second / time.Duration(bytesPerSec), nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
