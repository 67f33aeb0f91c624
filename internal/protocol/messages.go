package protocol

import "time"

// Transcript is published on the bus for every completed transcription.
type Transcript struct {
	JobID      string    `json:"job_id"`
	Source     string    `json:"source"`
	Text       string    `json:"text"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// RecordingState is published whenever push-to-talk capture starts or stops.
type RecordingState struct {
	Recording bool      `json:"recording"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptFinal = "stt.text.final"
	SubjectRecordingState  = "stt.recording"
)

const (
	SourceOneShot    = "oneshot"
	SourcePushToTalk = "ptt"
)
