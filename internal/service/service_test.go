package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-whisperd/internal/eventstore"
	"github.com/loqalabs/loqa-whisperd/internal/protocol"
	"github.com/loqalabs/loqa-whisperd/internal/recorder"
	"github.com/loqalabs/loqa-whisperd/internal/stt"
)

type fakeTranscoder struct {
	ok    bool
	calls atomic.Int32
}

func (f *fakeTranscoder) Transcode(_ context.Context, input, output string) bool {
	f.calls.Add(1)
	if !f.ok {
		return false
	}
	data, err := os.ReadFile(input)
	if err != nil {
		return false
	}
	return os.WriteFile(output, data, 0o644) == nil
}

type fakeRecognizer struct {
	text    string
	err     error
	delay   time.Duration
	active  atomic.Int32
	maxSeen atomic.Int32
	paths   []string
	mu      sync.Mutex
}

func (f *fakeRecognizer) Transcribe(_ context.Context, wavPath string) (stt.TranscriptResult, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	f.mu.Lock()
	f.paths = append(f.paths, wavPath)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return stt.TranscriptResult{}, f.err
	}
	return stt.TranscriptResult{Text: f.text, Duration: 25 * time.Millisecond}, nil
}

func (f *fakeRecognizer) lastPath() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.paths) == 0 {
		return ""
	}
	return f.paths[len(f.paths)-1]
}

type fakeProcess struct{}

func (fakeProcess) Alive() bool                     { return true }
func (fakeProcess) Terminate(_ time.Duration) error { return nil }

// fakeLauncher writes content to the capture path on launch.
type fakeLauncher struct {
	content []byte
	err     error
}

func (f *fakeLauncher) Launch(path string) (recorder.Process, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.content != nil {
		if err := os.WriteFile(path, f.content, 0o644); err != nil {
			return nil, err
		}
	}
	return fakeProcess{}, nil
}

type recordingPublisher struct {
	mu          sync.Mutex
	transcripts []protocol.Transcript
	states      []bool
}

func (p *recordingPublisher) PublishTranscript(msg protocol.Transcript) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transcripts = append(p.transcripts, msg)
	return nil
}

func (p *recordingPublisher) PublishRecordingState(msg protocol.RecordingState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, msg.Recording)
	return nil
}

type memJobs struct {
	mu   sync.Mutex
	jobs []eventstore.Job
}

func (m *memJobs) AppendJob(_ context.Context, job eventstore.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job)
	return nil
}

type fixture struct {
	svc        *Service
	dir        string
	transcoder *fakeTranscoder
	recognizer *fakeRecognizer
	launcher   *fakeLauncher
	publisher  *recordingPublisher
	jobs       *memJobs
}

func newFixture(t *testing.T, loaded bool) *fixture {
	t.Helper()
	dir := t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		dir:        dir,
		transcoder: &fakeTranscoder{ok: true},
		recognizer: &fakeRecognizer{text: "hello world"},
		launcher:   &fakeLauncher{content: []byte("captured audio")},
		publisher:  &recordingPublisher{},
		jobs:       &memJobs{},
	}
	f.svc = New(Options{
		Model:      stt.Model{Name: "base.en", SizeMB: 142, Loaded: loaded},
		Recognizer: f.recognizer,
		Transcoder: f.transcoder,
		Recorder:   recorder.NewManager(f.launcher, dir, ".amr", time.Second, log),
		ScratchDir: dir,
		Publisher:  f.publisher,
		Jobs:       f.jobs,
		Logger:     log,
	})
	return f
}

func (f *fixture) scratchFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		t.Fatalf("read scratch dir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func (f *fixture) assertNoScratch(t *testing.T) {
	t.Helper()
	if names := f.scratchFiles(t); len(names) != 0 {
		t.Fatalf("expected scratch dir to be empty, found %v", names)
	}
}

func TestOneShotSuccess(t *testing.T) {
	f := newFixture(t, true)
	res, err := f.svc.TranscribeOneShot(context.Background(), []byte("RIFF"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "hello world" || res.DurationMS != 25 {
		t.Fatalf("unexpected result %+v", res)
	}
	if filepath.Ext(f.recognizer.lastPath()) != ".wav" {
		t.Fatalf("expected engine to receive transcoded wav, got %s", f.recognizer.lastPath())
	}
	f.assertNoScratch(t)

	if len(f.publisher.transcripts) != 1 || f.publisher.transcripts[0].Source != protocol.SourceOneShot {
		t.Fatalf("expected one oneshot transcript, got %+v", f.publisher.transcripts)
	}
	if len(f.jobs.jobs) != 1 || f.jobs.jobs[0].Outcome != "ok" || f.jobs.jobs[0].TextChars != 11 {
		t.Fatalf("unexpected job record %+v", f.jobs.jobs)
	}
}

func TestOneShotEmptyBody(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.svc.TranscribeOneShot(context.Background(), nil)
	if !errors.Is(err, ErrNoAudio) {
		t.Fatalf("expected no_audio, got %v", err)
	}
	f.assertNoScratch(t)
	if f.transcoder.calls.Load() != 0 {
		t.Fatal("transcoder must not run for empty body")
	}
}

func TestModelNotLoaded(t *testing.T) {
	f := newFixture(t, false)
	if _, err := f.svc.TranscribeOneShot(context.Background(), []byte("x")); !errors.Is(err, ErrModelNotLoaded) {
		t.Fatalf("expected model_not_loaded, got %v", err)
	}
	if err := f.svc.StartRecording(context.Background()); !errors.Is(err, ErrModelNotLoaded) {
		t.Fatalf("expected model_not_loaded on start, got %v", err)
	}
	if f.svc.Status().Ready {
		t.Fatal("status must not be ready")
	}
	f.assertNoScratch(t)
}

func TestOneShotFallsBackToRawInput(t *testing.T) {
	f := newFixture(t, true)
	f.transcoder.ok = false
	res, err := f.svc.TranscribeOneShot(context.Background(), []byte("already a wav"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "hello world" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if filepath.Ext(f.recognizer.lastPath()) != ".audio" {
		t.Fatalf("expected raw input to reach engine, got %s", f.recognizer.lastPath())
	}
	f.assertNoScratch(t)
}

func TestOneShotEngineErrorsCleanUp(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want *Error
	}{
		{"timeout", stt.ErrTimeout, ErrTimeout},
		{"unavailable", stt.ErrEngineUnavailable, ErrEngineUnavailable},
		{"failure", errors.New("exit status 1"), ErrTranscriptionFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, true)
			f.recognizer.err = tc.err
			_, err := f.svc.TranscribeOneShot(context.Background(), []byte("audio"))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %s, got %v", tc.want.Kind, err)
			}
			f.assertNoScratch(t)
			if len(f.jobs.jobs) != 1 || f.jobs.jobs[0].ErrorKind != string(tc.want.Kind) {
				t.Fatalf("unexpected job record %+v", f.jobs.jobs)
			}
			if len(f.publisher.transcripts) != 0 {
				t.Fatal("failed jobs must not publish transcripts")
			}
		})
	}
}

func TestConcurrentOneShotsNeverOverlap(t *testing.T) {
	f := newFixture(t, true)
	f.recognizer.delay = 10 * time.Millisecond

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.TranscribeOneShot(context.Background(), []byte("audio")); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.recognizer.maxSeen.Load(); got != 1 {
		t.Fatalf("expected at most one engine invocation at a time, saw %d", got)
	}
	f.assertNoScratch(t)
}

func TestQueuedCallerGivesUpOnCancel(t *testing.T) {
	f := newFixture(t, true)
	release, err := f.svc.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.svc.TranscribeOneShot(ctx, []byte("audio")); err == nil {
		t.Fatal("expected queued request to give up")
	}
	f.assertNoScratch(t)
}

func TestPushToTalkCycle(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	if err := f.svc.StartRecording(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !f.svc.Status().Recording {
		t.Fatal("expected status to report recording")
	}
	if err := f.svc.StartRecording(ctx); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("expected already_recording, got %v", err)
	}

	res, err := f.svc.StopRecording(ctx)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if res.Text != "hello world" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if f.svc.Status().Recording {
		t.Fatal("expected recording to be cleared")
	}
	f.assertNoScratch(t)

	if got := f.publisher.states; len(got) != 2 || !got[0] || got[1] {
		t.Fatalf("unexpected recording states %v", got)
	}
	if len(f.publisher.transcripts) != 1 || f.publisher.transcripts[0].Source != protocol.SourcePushToTalk {
		t.Fatalf("unexpected transcripts %+v", f.publisher.transcripts)
	}
}

func TestStopWhileIdle(t *testing.T) {
	f := newFixture(t, true)
	if _, err := f.svc.StopRecording(context.Background()); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("expected not_recording, got %v", err)
	}
	if f.transcoder.calls.Load() != 0 {
		t.Fatal("transcoder must not run when idle")
	}
}

func TestStopWithEmptyCapture(t *testing.T) {
	f := newFixture(t, true)
	f.launcher.content = []byte{}
	if err := f.svc.StartRecording(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.svc.StopRecording(context.Background()); !errors.Is(err, ErrRecordingFailed) {
		t.Fatalf("expected recording_failed, got %v", err)
	}
	f.assertNoScratch(t)
	if f.transcoder.calls.Load() != 0 {
		t.Fatal("transcoder must not run for an empty capture")
	}
}

func TestStopWithMissingCapture(t *testing.T) {
	f := newFixture(t, true)
	f.launcher.content = nil
	if err := f.svc.StartRecording(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.svc.StopRecording(context.Background()); !errors.Is(err, ErrRecordingFailed) {
		t.Fatalf("expected recording_failed, got %v", err)
	}
	if f.svc.Status().Recording {
		t.Fatal("session must be cleared")
	}
}

func TestPushToTalkTranscodeFailureHasNoFallback(t *testing.T) {
	f := newFixture(t, true)
	f.transcoder.ok = false
	if err := f.svc.StartRecording(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.svc.StopRecording(context.Background()); !errors.Is(err, ErrTranscodeFailed) {
		t.Fatalf("expected transcode_failed, got %v", err)
	}
	if f.recognizer.lastPath() != "" {
		t.Fatal("engine must not run when the capture fails to transcode")
	}
	f.assertNoScratch(t)
}

func TestStartWithUnavailableRecorder(t *testing.T) {
	f := newFixture(t, true)
	f.launcher.err = errors.New("exec: not found")
	if err := f.svc.StartRecording(context.Background()); !errors.Is(err, ErrMicUnavailable) {
		t.Fatalf("expected mic_unavailable, got %v", err)
	}
	if f.svc.Status().Recording {
		t.Fatal("failed start must leave the recorder idle")
	}
	if len(f.publisher.states) != 0 {
		t.Fatalf("unexpected recording state events %v", f.publisher.states)
	}
}

func TestStatusReady(t *testing.T) {
	f := newFixture(t, true)
	st := f.svc.Status()
	if !st.Ready || st.Model != "base.en" || st.ModelSizeMB != 142 || st.Recording {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestPreview(t *testing.T) {
	if got := preview("short", 80); got != "short" {
		t.Fatalf("unexpected preview %q", got)
	}
	long := ""
	for i := 0; i < 100; i++ {
		long += "a"
	}
	if got := preview(long, 80); len(got) != 83 {
		t.Fatalf("expected truncated preview, got %d chars", len(got))
	}
}
