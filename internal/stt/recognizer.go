package stt

import (
	"context"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Options carries per-call recognition parameters.
type Options struct {
	Language   string
	Model      string
	SampleRate int
	Channels   int
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, opts Options) (TranscriptResult, error)
}
