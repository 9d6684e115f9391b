package stt

import (
	"strings"
	"time"
)

// Transcript is the text recognised in one block of audio.
type Transcript struct {
	// Text is the transcribed speech content, segments joined by spaces.
	Text string

	// Segments holds per-segment detail when the backend reports it.
	// May be nil.
	Segments []Segment

	// Start is the wall-clock time of the first sample of the transcribed
	// audio. Set by the pipeline; zero for batch transcription.
	Start time.Time

	// Duration is the length of the transcribed audio.
	Duration time.Duration

	// Frame is the zero-based index of the pipeline frame this transcript
	// belongs to.
	Frame int

	// Provider names the backend that produced the text.
	Provider string
}

// Segment is a contiguous run of recognised text with its offsets relative
// to the start of the transcribed audio.
type Segment struct {
	Text  string
	Start time.Duration
	End   time.Duration
}

// JoinSegments concatenates the trimmed, non-empty segment texts with single
// spaces.
func JoinSegments(segs []Segment) string {
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
