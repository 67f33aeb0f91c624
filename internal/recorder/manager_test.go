package recorder

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-whisperd/internal/command"
)

type fakeProcess struct {
	alive      atomic.Bool
	terminated atomic.Int32
	hang       bool
}

func (p *fakeProcess) Alive() bool { return p.alive.Load() }

func (p *fakeProcess) Terminate(timeout time.Duration) error {
	p.terminated.Add(1)
	if p.hang {
		time.Sleep(timeout)
		return ErrTerminateTimeout
	}
	p.alive.Store(false)
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	launched []string
	procs    []*fakeProcess
	err      error
	hang     bool
	delay    time.Duration
	overlaps int
}

func (l *fakeLauncher) Launch(path string) (Process, error) {
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	for _, prev := range l.procs {
		if prev.Alive() && !prev.hang {
			l.overlaps++
		}
	}
	p := &fakeProcess{hang: l.hang}
	p.alive.Store(true)
	l.launched = append(l.launched, path)
	l.procs = append(l.procs, p)
	return p, nil
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestStartStopCycle(t *testing.T) {
	dir := t.TempDir()
	launcher := &fakeLauncher{}
	m := NewManager(launcher, dir, ".amr", time.Second, newLogger())

	session, err := m.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if filepath.Dir(session.Path) != dir || !strings.HasSuffix(session.Path, ".amr") {
		t.Fatalf("unexpected capture path %s", session.Path)
	}
	if !m.Recording() {
		t.Fatal("expected recording state")
	}

	stopped, err := m.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.Path != session.Path {
		t.Fatalf("stop returned %s, want %s", stopped.Path, session.Path)
	}
	if m.Recording() {
		t.Fatal("expected idle after stop")
	}
	if launcher.procs[0].terminated.Load() != 1 {
		t.Fatal("expected recorder terminated once")
	}

	// reusable indefinitely
	next, err := m.Start()
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if next.Path == session.Path {
		t.Fatal("expected a fresh capture path")
	}
}

func TestStartWhileRecordingIsRejected(t *testing.T) {
	launcher := &fakeLauncher{}
	m := NewManager(launcher, t.TempDir(), ".amr", time.Second, newLogger())

	first, err := m.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.Start(); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("expected ErrAlreadyRecording, got %v", err)
	}
	if len(launcher.launched) != 1 {
		t.Fatalf("rejected start must not launch, got %d launches", len(launcher.launched))
	}
	stopped, err := m.Stop()
	if err != nil || stopped.Path != first.Path {
		t.Fatalf("session mutated by rejected start: %+v %v", stopped, err)
	}
}

func TestStopWhileIdle(t *testing.T) {
	m := NewManager(&fakeLauncher{}, t.TempDir(), ".amr", time.Second, newLogger())
	if _, err := m.Stop(); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("expected ErrNotRecording, got %v", err)
	}
}

func TestMicUnavailableRollsBack(t *testing.T) {
	launcher := &fakeLauncher{err: errors.New("exec: not found")}
	m := NewManager(launcher, t.TempDir(), ".amr", time.Second, newLogger())

	if _, err := m.Start(); !errors.Is(err, ErrMicUnavailable) {
		t.Fatalf("expected ErrMicUnavailable, got %v", err)
	}
	if m.Recording() {
		t.Fatal("state must roll back to idle")
	}
	if _, err := m.Stop(); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("expected idle manager, got %v", err)
	}

	launcher.err = nil
	if _, err := m.Start(); err != nil {
		t.Fatalf("start after failure: %v", err)
	}
}

func TestStopToleratesHungRecorder(t *testing.T) {
	launcher := &fakeLauncher{hang: true}
	m := NewManager(launcher, t.TempDir(), ".amr", 20*time.Millisecond, newLogger())

	if _, err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.Stop(); err != nil {
		t.Fatalf("stop must tolerate terminate timeout, got %v", err)
	}
	if m.Recording() {
		t.Fatal("expected idle after best-effort stop")
	}
}

func TestConcurrentStartsAdmitOne(t *testing.T) {
	launcher := &fakeLauncher{delay: 5 * time.Millisecond}
	m := NewManager(launcher, t.TempDir(), ".amr", time.Second, newLogger())

	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Start()
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrAlreadyRecording):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 1 || rejected.Load() != 15 {
		t.Fatalf("expected 1 start and 15 rejections, got %d/%d", ok.Load(), rejected.Load())
	}
	if len(launcher.launched) != 1 {
		t.Fatalf("expected one launch, got %d", len(launcher.launched))
	}
}

func TestConcurrentStartStopNeverOverlaps(t *testing.T) {
	launcher := &fakeLauncher{}
	m := NewManager(launcher, t.TempDir(), ".amr", time.Second, newLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if (i+j)%2 == 0 {
					_, _ = m.Start()
				} else {
					_, _ = m.Stop()
				}
			}
		}(i)
	}
	wg.Wait()

	launcher.mu.Lock()
	defer launcher.mu.Unlock()
	if launcher.overlaps != 0 {
		t.Fatalf("recorder launched while another was live %d times", launcher.overlaps)
	}
	alive := 0
	for _, p := range launcher.procs {
		if p.Alive() {
			alive++
		}
	}
	if alive > 1 {
		t.Fatalf("expected at most one live recorder, got %d", alive)
	}
}

func TestExecLauncherTemplate(t *testing.T) {
	l, err := NewExecLauncher("termux-microphone-record -f {file} -l 0 -s 7", "termux-microphone-record -q", command.ExecRunner{})
	if err != nil {
		t.Fatalf("new launcher: %v", err)
	}
	got := strings.Join(l.CommandFor("/tmp/a.amr"), " ")
	if got != "termux-microphone-record -f /tmp/a.amr -l 0 -s 7" {
		t.Fatalf("unexpected command %q", got)
	}
	if _, err := NewExecLauncher("arecord -f S16_LE", "", command.ExecRunner{}); err == nil {
		t.Fatal("expected error without placeholder")
	}
}

func TestExecLauncherMissingTool(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "no-such-recorder")
	l, err := NewExecLauncher(missing+" {file}", "", command.ExecRunner{})
	if err != nil {
		t.Fatalf("new launcher: %v", err)
	}
	if _, err := l.Launch("/tmp/x.amr"); !errors.Is(err, ErrMicUnavailable) {
		t.Fatalf("expected ErrMicUnavailable, got %v", err)
	}
}

func TestExecProcessSignalStop(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	l, err := NewExecLauncher(`sh -c 'echo captured > "$0"; exec sleep 10' {file}`, "", command.ExecRunner{})
	if err != nil {
		t.Fatalf("new launcher: %v", err)
	}
	path := filepath.Join(t.TempDir(), "capture.raw")
	proc, err := l.Launch(path)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if data, _ := os.ReadFile(path); len(data) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("recorder never wrote capture")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := proc.Terminate(2 * time.Second); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if proc.Alive() {
		t.Fatal("expected recorder to exit")
	}
}

func TestExecProcessStopCommandTimeout(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	l, err := NewExecLauncher(`sh -c 'exec sleep 10' {file}`, "true", command.ExecRunner{})
	if err != nil {
		t.Fatalf("new launcher: %v", err)
	}
	proc, err := l.Launch(filepath.Join(t.TempDir(), "capture.raw"))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	t.Cleanup(func() { _ = proc.(*execProcess).cmd.Process.Kill() })

	if err := proc.Terminate(100 * time.Millisecond); !errors.Is(err, ErrTerminateTimeout) {
		t.Fatalf("expected ErrTerminateTimeout, got %v", err)
	}
}

func TestExecProcessFailedStopCommandInterrupts(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	for name, stop := range map[string]string{
		"non-zero exit": "false",
		"missing tool":  filepath.Join(t.TempDir(), "no-such-stop"),
	} {
		t.Run(name, func(t *testing.T) {
			l, err := NewExecLauncher(`sh -c 'exec sleep 10' {file}`, stop, command.ExecRunner{})
			if err != nil {
				t.Fatalf("new launcher: %v", err)
			}
			proc, err := l.Launch(filepath.Join(t.TempDir(), "capture.raw"))
			if err != nil {
				t.Fatalf("launch: %v", err)
			}
			t.Cleanup(func() { _ = proc.(*execProcess).cmd.Process.Kill() })

			err = proc.Terminate(2 * time.Second)
			if err == nil || errors.Is(err, ErrTerminateTimeout) {
				t.Fatalf("expected stop command error, got %v", err)
			}
			if proc.Alive() {
				t.Fatal("expected recorder to be interrupted after stop command failed")
			}
		})
	}
}
