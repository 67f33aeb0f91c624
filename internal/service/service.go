// Package service sequences recording, transcoding and inference for the
// HTTP endpoints. It owns the two mutual-exclusion domains: the recorder's
// session lock (fail-fast) and a single transcription slot (queued).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-whisperd/internal/eventstore"
	"github.com/loqalabs/loqa-whisperd/internal/protocol"
	"github.com/loqalabs/loqa-whisperd/internal/recorder"
	"github.com/loqalabs/loqa-whisperd/internal/stt"
	"github.com/loqalabs/loqa-whisperd/internal/transcode"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Transcoder converts input audio into the canonical waveform.
type Transcoder interface {
	Transcode(ctx context.Context, input, output string) bool
}

// Publisher receives transcription and recording events.
type Publisher interface {
	PublishTranscript(msg protocol.Transcript) error
	PublishRecordingState(msg protocol.RecordingState) error
}

// JobStore records job metadata.
type JobStore interface {
	AppendJob(ctx context.Context, job eventstore.Job) error
}

type Options struct {
	Model      stt.Model
	Recognizer stt.Recognizer
	Transcoder Transcoder
	Recorder   *recorder.Manager
	ScratchDir string
	Publisher  Publisher
	Jobs       JobStore
	Logger     *slog.Logger
}

// Result is a finished transcription.
type Result struct {
	Text       string `json:"text"`
	DurationMS int64  `json:"duration_ms"`
}

// Status is the service readiness snapshot.
type Status struct {
	Ready       bool
	Model       string
	ModelSizeMB int64
	Recording   bool
}

type Service struct {
	model      stt.Model
	recognizer stt.Recognizer
	transcoder Transcoder
	recorder   *recorder.Manager
	scratchDir string
	publisher  Publisher
	jobs       JobStore
	slot       chan struct{}
	log        *slog.Logger
	tracer     trace.Tracer
	metrics    *instruments
	probe      func(path string) (time.Duration, error)
}

func New(opts Options) *Service {
	log := opts.Logger.With(slog.String("component", "service"))
	s := &Service{
		model:      opts.Model,
		recognizer: opts.Recognizer,
		transcoder: opts.Transcoder,
		recorder:   opts.Recorder,
		scratchDir: opts.ScratchDir,
		publisher:  opts.Publisher,
		jobs:       opts.Jobs,
		slot:       make(chan struct{}, 1),
		log:        log,
		tracer:     otel.Tracer(instrumentationName),
		probe:      transcode.Probe,
	}
	s.metrics = newInstruments(opts.Recorder.Recording, log)
	return s
}

// Ready reports whether the model was loaded at startup.
func (s *Service) Ready() bool {
	return s.model.Loaded
}

// Recording reports whether a push-to-talk capture is active.
func (s *Service) Recording() bool {
	return s.recorder.Recording()
}

func (s *Service) Status() Status {
	if !s.model.Loaded {
		return Status{}
	}
	return Status{
		Ready:       true,
		Model:       s.model.Name,
		ModelSizeMB: s.model.SizeMB,
		Recording:   s.recorder.Recording(),
	}
}

// TranscribeOneShot transcribes a complete audio payload. Input the
// transcoder rejects is passed to the engine unchanged.
func (s *Service) TranscribeOneShot(ctx context.Context, audio []byte) (Result, error) {
	if !s.model.Loaded {
		return Result{}, ErrModelNotLoaded
	}
	if len(audio) == 0 {
		return Result{}, ErrNoAudio
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return Result{}, err
	}
	defer release()

	f, err := os.CreateTemp(s.scratchDir, "loqa-oneshot-*.audio")
	if err != nil {
		s.log.Error("failed to create scratch file", slog.String("error", err.Error()))
		return Result{}, newError(KindTranscriptionFailed, "failed to store audio", err)
	}
	input := f.Name()
	_, werr := f.Write(audio)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		s.removeScratch(input)
		s.log.Error("failed to write scratch file", slog.String("error", err.Error()))
		return Result{}, newError(KindTranscriptionFailed, "failed to store audio", err)
	}

	return s.runPipeline(ctx, protocol.SourceOneShot, input, true)
}

// StartRecording begins a push-to-talk capture.
func (s *Service) StartRecording(ctx context.Context) error {
	if !s.model.Loaded {
		return ErrModelNotLoaded
	}

	_, err := s.recorder.Start()
	switch {
	case err == nil:
	case errors.Is(err, recorder.ErrAlreadyRecording):
		return ErrAlreadyRecording
	case errors.Is(err, recorder.ErrMicUnavailable):
		s.log.Error("recorder not available", slog.String("error", err.Error()))
		return newError(KindMicUnavailable, ErrMicUnavailable.Message, err)
	default:
		s.log.Error("failed to start recording", slog.String("error", err.Error()))
		return newError(KindMicUnavailable, ErrMicUnavailable.Message, err)
	}

	s.publishRecording(true)
	return nil
}

// StopRecording ends the push-to-talk capture and transcribes it. The
// capture must transcode; there is no raw fallback on this path.
func (s *Service) StopRecording(ctx context.Context) (Result, error) {
	session, err := s.recorder.Stop()
	if err != nil {
		if errors.Is(err, recorder.ErrNotRecording) {
			return Result{}, ErrNotRecording
		}
		return Result{}, newError(KindRecordingFailed, ErrRecordingFailed.Message, err)
	}
	s.publishRecording(false)

	info, err := os.Stat(session.Path)
	if err != nil || info.Size() == 0 {
		s.removeScratch(session.Path)
		s.log.Error("recording file not found after stop", slog.String("path", session.Path))
		return Result{}, ErrRecordingFailed
	}

	release, err := s.acquire(ctx)
	if err != nil {
		s.removeScratch(session.Path)
		return Result{}, err
	}
	defer release()

	return s.runPipeline(ctx, protocol.SourcePushToTalk, session.Path, false)
}

// acquire waits for the transcription slot. Waiting callers queue; a caller
// whose context ends while queued gives up.
func (s *Service) acquire(ctx context.Context) (func(), error) {
	s.metrics.addWaiting(ctx, 1)
	defer s.metrics.addWaiting(ctx, -1)

	select {
	case s.slot <- struct{}{}:
		return func() { <-s.slot }, nil
	case <-ctx.Done():
		return nil, newError(KindTranscriptionFailed, "request abandoned while queued", ctx.Err())
	}
}

// runPipeline transcodes and transcribes input. The caller holds the
// transcription slot. input and its derived waveform are removed on every
// return path.
func (s *Service) runPipeline(ctx context.Context, source, input string, allowRawFallback bool) (res Result, err error) {
	wavPath := input + ".wav"
	defer s.removeScratch(input, wavPath)

	jobID := uuid.NewString()
	started := time.Now()
	var audioMS int64
	var inferenceMS float64

	ctx, span := s.tracer.Start(ctx, "transcribe", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.String("job.source", source),
	))
	defer func() {
		var kind Kind
		if err != nil {
			kind = KindOf(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, string(kind))
		}
		span.End()
		s.metrics.recordTranscription(ctx, source, kind, inferenceMS)
		s.recordJob(ctx, jobID, source, kind, started, audioMS, res)
	}()

	// Subprocesses are bounded by their own timeouts, not by the caller.
	work := context.WithoutCancel(ctx)

	if !s.transcoder.Transcode(work, input, wavPath) {
		if !allowRawFallback {
			s.log.Error("failed to transcode recording", slog.String("job_id", jobID), slog.String("input", input))
			return Result{}, ErrTranscodeFailed
		}
		s.log.Debug("transcode failed, using raw input", slog.String("job_id", jobID))
		s.metrics.recordFallback(ctx)
		wavPath = input
	}

	if d, perr := s.probe(wavPath); perr == nil {
		audioMS = d.Milliseconds()
		span.SetAttributes(attribute.Int64("audio.ms", audioMS))
	}

	out, err := s.recognizer.Transcribe(work, wavPath)
	if err != nil {
		return Result{}, s.inferenceError(jobID, source, err)
	}
	inferenceMS = float64(out.Duration) / float64(time.Millisecond)

	res = Result{Text: out.Text, DurationMS: out.Duration.Milliseconds()}
	s.log.Info("transcribed",
		slog.String("source", source),
		slog.Int64("duration_ms", res.DurationMS),
		slog.String("text", preview(res.Text, 80)))
	s.publishTranscript(jobID, source, res)
	return res, nil
}

func (s *Service) inferenceError(jobID, source string, err error) error {
	attrs := []any{slog.String("job_id", jobID), slog.String("source", source), slog.String("error", err.Error())}
	switch {
	case errors.Is(err, stt.ErrTimeout):
		s.log.Error("transcription timed out", attrs...)
		return newError(KindTimeout, ErrTimeout.Message, err)
	case errors.Is(err, stt.ErrEngineUnavailable):
		s.log.Error("transcription failed", attrs...)
		return newError(KindEngineUnavailable, ErrEngineUnavailable.Message, err)
	default:
		s.log.Error("transcription failed", attrs...)
		return newError(KindTranscriptionFailed, err.Error(), err)
	}
}

func (s *Service) removeScratch(paths ...string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("failed to remove scratch file", slog.String("path", p), slog.String("error", err.Error()))
		}
	}
}

func (s *Service) recordJob(ctx context.Context, jobID, source string, kind Kind, started time.Time, audioMS int64, res Result) {
	if s.jobs == nil {
		return
	}
	job := eventstore.Job{
		ID:         jobID,
		Source:     source,
		Outcome:    "ok",
		ErrorKind:  string(kind),
		DurationMS: time.Since(started).Milliseconds(),
		AudioMS:    audioMS,
		TextChars:  utf8.RuneCountInString(res.Text),
	}
	if kind != "" {
		job.Outcome = "error"
	}
	if err := s.jobs.AppendJob(context.WithoutCancel(ctx), job); err != nil {
		s.log.Warn("failed to record job", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
}

func (s *Service) publishTranscript(jobID, source string, res Result) {
	if s.publisher == nil {
		return
	}
	msg := protocol.Transcript{
		JobID:      jobID,
		Source:     source,
		Text:       res.Text,
		DurationMS: res.DurationMS,
		Timestamp:  time.Now().UTC(),
	}
	if err := s.publisher.PublishTranscript(msg); err != nil {
		s.log.Warn("failed to publish transcript", slog.String("error", err.Error()))
	}
}

func (s *Service) publishRecording(active bool) {
	if s.publisher == nil {
		return
	}
	msg := protocol.RecordingState{Recording: active, Timestamp: time.Now().UTC()}
	if err := s.publisher.PublishRecordingState(msg); err != nil {
		s.log.Warn("failed to publish recording state", slog.String("error", err.Error()))
	}
}

func preview(text string, n int) string {
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	runes := []rune(text)
	return fmt.Sprintf("%s...", string(runes[:n]))
}
