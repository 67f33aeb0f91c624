// Package recorder owns the single physical microphone capture.
package recorder

import (
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrAlreadyRecording is returned by Start while a capture is active.
	ErrAlreadyRecording = errors.New("already recording")
	// ErrNotRecording is returned by Stop when no capture is active.
	ErrNotRecording = errors.New("no active recording")
	// ErrMicUnavailable is returned when the recorder tool cannot be started.
	ErrMicUnavailable = errors.New("recorder unavailable")
	// ErrTerminateTimeout is returned by Process.Terminate when the recorder
	// outlives its stop budget.
	ErrTerminateTimeout = errors.New("recorder did not exit in time")
)

// Session is the active capture.
type Session struct {
	Path      string
	StartedAt time.Time
	proc      Process
}

// Manager serializes Start and Stop under one lock so that at most one
// Session exists at any time. Start while recording is rejected, never
// queued.
type Manager struct {
	mu          sync.Mutex
	session     *Session
	recording   atomic.Bool
	launcher    Launcher
	dir         string
	extension   string
	stopTimeout time.Duration
	log         *slog.Logger
	clock       func() time.Time
}

// NewManager creates an idle manager writing captures into dir.
func NewManager(launcher Launcher, dir, extension string, stopTimeout time.Duration, log *slog.Logger) *Manager {
	return &Manager{
		launcher:    launcher,
		dir:         dir,
		extension:   extension,
		stopTimeout: stopTimeout,
		log:         log.With(slog.String("component", "recorder")),
		clock:       time.Now,
	}
}

// Start launches the recorder against a fresh capture path.
func (m *Manager) Start() (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		return Session{}, ErrAlreadyRecording
	}

	path := filepath.Join(m.dir, "loqa-capture-"+uuid.NewString()+m.extension)
	proc, err := m.launcher.Launch(path)
	if err != nil {
		if !errors.Is(err, ErrMicUnavailable) {
			err = errors.Join(ErrMicUnavailable, err)
		}
		return Session{}, err
	}

	m.session = &Session{Path: path, StartedAt: m.clock(), proc: proc}
	m.recording.Store(true)
	m.log.Info("recording started", slog.String("path", path))
	return *m.session, nil
}

// Stop ends the active capture and hands its file path to the caller, who
// becomes responsible for deleting it.
func (m *Manager) Stop() (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return Session{}, ErrNotRecording
	}

	session := *m.session
	m.bestEffortStop(session.proc)
	m.session = nil
	m.recording.Store(false)
	m.log.Info("recording stopped",
		slog.String("path", session.Path),
		slog.Duration("elapsed", m.clock().Sub(session.StartedAt)))
	return session, nil
}

// Recording reports whether a capture is active without waiting on the
// session lock.
func (m *Manager) Recording() bool {
	return m.recording.Load()
}

// bestEffortStop terminates the recorder within the stop budget. A recorder
// that outlives the budget is left behind; its file is expected to be
// flushed already.
func (m *Manager) bestEffortStop(proc Process) {
	err := proc.Terminate(m.stopTimeout)
	switch {
	case err == nil:
	case errors.Is(err, ErrTerminateTimeout):
		m.log.Warn("recorder did not exit within stop timeout", slog.Duration("timeout", m.stopTimeout))
	default:
		m.log.Warn("recorder stop failed", slog.String("error", err.Error()))
	}
}
