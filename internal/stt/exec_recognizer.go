package stt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loqalabs/loqa-whisperd/internal/command"
	"github.com/loqalabs/loqa-whisperd/internal/config"
	"github.com/mattn/go-shellwords"
)

type execRecognizer struct {
	cfg     config.WhisperConfig
	model   Model
	extra   []string
	timeout time.Duration
	runner  command.Runner
	locate  func() string
	mu      sync.Mutex
}

// NewExecRecognizer runs whisper.cpp as a foreground subprocess per call.
func NewExecRecognizer(cfg config.WhisperConfig, model Model, runner command.Runner) (Recognizer, error) {
	var extra []string
	if cfg.ExtraArgs != "" {
		parser := shellwords.NewParser()
		args, err := parser.Parse(cfg.ExtraArgs)
		if err != nil {
			return nil, fmt.Errorf("parse whisper extra args: %w", err)
		}
		extra = args
	}
	return &execRecognizer{
		cfg:     cfg,
		model:   model,
		extra:   extra,
		timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		runner:  runner,
		locate:  func() string { return LocateBinary(cfg) },
	}, nil
}

// LocateBinary returns the configured whisper binary, or the first
// executable build output under the install directory, or "".
func LocateBinary(cfg config.WhisperConfig) string {
	if cfg.Binary != "" {
		return cfg.Binary
	}
	candidates := []string{
		filepath.Join(cfg.InstallDir, "whisper.cpp", "build", "bin", "whisper-cli"),
		filepath.Join(cfg.InstallDir, "whisper.cpp", "build", "bin", "main"),
	}
	for _, c := range candidates {
		info, err := os.Stat(c)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if info.Mode().Perm()&0o111 != 0 {
			return c
		}
	}
	return ""
}

// BuildArgs returns the whisper.cpp flags for plain-text output without
// timestamps or special tokens.
func BuildArgs(modelPath, language, wavPath string, extra []string) []string {
	args := []string{
		"--model", modelPath,
		"--language", language,
		"--no-timestamps",
		"--print-special", "false",
		"--no-context",
	}
	args = append(args, extra...)
	return append(args, "--file", wavPath)
}

func (r *execRecognizer) Transcribe(ctx context.Context, wavPath string) (TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bin := r.locate()
	if bin == "" {
		return TranscriptResult{}, ErrEngineUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := BuildArgs(r.model.Path, r.cfg.Language, wavPath, r.extra)
	start := time.Now()
	res, err := r.runner.Run(ctx, bin, args...)
	elapsed := time.Since(start)

	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		return TranscriptResult{}, fmt.Errorf("%w after %s", ErrTimeout, r.timeout)
	case errors.Is(err, command.ErrNotFound):
		return TranscriptResult{}, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	default:
		return TranscriptResult{}, fmt.Errorf("whisper.cpp failed (exit %d): %w: %s", res.ExitCode, err, tail(res.Stderr, 300))
	}

	return TranscriptResult{Text: Sanitize(res.Stdout), Duration: elapsed}, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
