package tts

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-meet/internal/audio"
)

// silenceSynth stands in for a real voice: every request yields a fixed
// stretch of zeroed PCM regardless of the text.
type silenceSynth struct {
	duration time.Duration
}

func NewSilenceSynth(duration time.Duration) Synthesizer {
	return &silenceSynth{duration: duration}
}

func (s *silenceSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := ctx.Err(); err != nil {
			errs <- err
			return
		}
		chunks <- SynthChunk{
			SessionID:  req.SessionID,
			Sequence:   0,
			SampleRate: audio.SampleRate,
			Channels:   audio.Channels,
			PCM:        audio.Silence(s.duration),
			Final:      true,
		}
	}()
	return chunks, errs
}
