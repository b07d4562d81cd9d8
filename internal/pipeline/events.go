package pipeline

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-meet/internal/protocol"
)

// EventSink receives pipeline events for fan-out or audit.
type EventSink interface {
	Publish(ctx context.Context, event protocol.PipelineEvent) error
}

// MultiSink publishes to every sink and joins their errors.
type MultiSink []EventSink

func (m MultiSink) Publish(ctx context.Context, event protocol.PipelineEvent) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type discardSink struct{}

func (discardSink) Publish(context.Context, protocol.PipelineEvent) error { return nil }
