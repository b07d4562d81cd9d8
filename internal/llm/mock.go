package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const mockLatency = 20 * time.Millisecond

// mockGenerator answers with a deterministic echo of the latest user turn.
type mockGenerator struct{}

func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	timer := time.NewTimer(mockLatency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	turns := 0
	for _, msg := range req.Messages {
		if msg.Role == RoleUser {
			turns++
		}
	}
	content := fmt.Sprintf("[mock reply %d to %q]", turns, strings.TrimSpace(lastUserText(req.Messages)))
	return consumer(Chunk{
		SessionID:        req.SessionID,
		TraceID:          req.TraceID,
		Content:          content,
		CompletionTokens: len(strings.Fields(content)),
		Latency:          mockLatency,
	})
}
