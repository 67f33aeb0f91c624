package stt

import "strings"

// SilenceMarkers are the tokens whisper.cpp prints for non-speech input.
var SilenceMarkers = []string{"[BLANK_AUDIO]", "(silence)", "[silence]"}

// Sanitize removes silence markers and surrounding whitespace.
func Sanitize(raw string) string {
	text := strings.TrimSpace(raw)
	for _, marker := range SilenceMarkers {
		text = strings.ReplaceAll(text, marker, "")
	}
	return strings.TrimSpace(text)
}
