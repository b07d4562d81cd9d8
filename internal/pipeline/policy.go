package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-meet/internal/audio"
)

// FrameOutcome is what the dispatch loop does after a frame fails.
type FrameOutcome struct {
	// Notify is set when the client should get an error control message.
	Notify  bool
	Message string
}

// HandleFrameError applies the per-frame failure policy: log the failure,
// tell the client when it can act on it, and keep the session open. No error
// returned by Process ever closes a session.
func HandleFrameError(logger *slog.Logger, sessionID string, err error) FrameOutcome {
	if err == nil {
		return FrameOutcome{}
	}
	var validation *audio.ValidationError
	var upstream *UpstreamCallError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, ErrSessionClosed):
		logger.Debug("frame abandoned", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		return FrameOutcome{}
	case errors.As(err, &validation):
		logger.Warn("rejected audio frame", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		return FrameOutcome{Notify: true, Message: validation.Error()}
	case errors.As(err, &upstream):
		logger.Error("upstream call failed", slog.String("session_id", sessionID),
			slog.String("capability", upstream.Capability), slog.String("error", err.Error()))
		return FrameOutcome{Notify: true, Message: "Upstream " + upstream.Capability + " call failed"}
	default:
		logger.Error("audio processing failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		return FrameOutcome{Notify: true, Message: "Audio processing failed"}
	}
}
