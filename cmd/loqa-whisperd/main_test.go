package main

import (
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-whisperd/internal/logbuf"
)

func TestLogBufferFollowsConfiguredLevel(t *testing.T) {
	cases := []struct {
		level string
		want  []string
	}{
		{"debug", []string{"debug line", "info line", "warn line"}},
		{"info", []string{"info line", "warn line"}},
		{"warn", []string{"warn line"}},
	}
	for _, tc := range cases {
		t.Run(tc.level, func(t *testing.T) {
			logs := logbuf.New(0)
			logger := newLogger(io.Discard, logs, parseLevel(tc.level))
			logger.Debug("debug line")
			logger.Info("info line")
			logger.Warn("warn line")

			got := logs.Snapshot()
			if len(got) != len(tc.want) {
				t.Fatalf("expected %d buffered entries, got %+v", len(tc.want), got)
			}
			for i, msg := range tc.want {
				if got[i].Msg != msg {
					t.Fatalf("entry %d: expected %q, got %q", i, msg, got[i].Msg)
				}
			}
		})
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	if parseLevel("") != slog.LevelInfo || parseLevel("DEBUG") != slog.LevelDebug {
		t.Fatal("unexpected level parsing")
	}
}
