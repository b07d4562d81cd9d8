package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, pcm []byte, opts Options) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("[%s transcript length=%d]", opts.Language, len(pcm)),
		Confidence: 0,
	}, nil
}
