package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-meet/internal/audio"
	"github.com/loqalabs/loqa-meet/internal/pipeline"
	"github.com/loqalabs/loqa-meet/internal/protocol"
)

func (r *Registry) handleAudio(ctx context.Context, clientID string, e *entry, raw []byte) error {
	frame, fit, err := audio.Normalize(raw)
	if err != nil {
		outcome := pipeline.HandleFrameError(r.log, clientID, err)
		return r.reply(ctx, e, protocol.ErrorMessage(outcome.Message))
	}
	if fit != audio.FitExact {
		info := audio.Describe(raw)
		r.log.Debug("audio chunk coerced to frame",
			slog.String("client_id", clientID),
			slog.Int("bytes", info.SizeBytes),
			slog.Int("samples", info.SampleCount),
			slog.Float64("duration_ms", info.DurationMS),
			slog.String("fit", fit.String()))
	}

	res, err := e.session.Process(ctx, frame)
	if err != nil {
		if outcome := pipeline.HandleFrameError(r.log, clientID, err); outcome.Notify {
			return r.reply(ctx, e, protocol.ErrorMessage(outcome.Message))
		}
		return nil
	}
	if res.Empty() {
		return nil
	}
	if err := e.transport.SendBinary(ctx, res.Audio); err != nil {
		return fmt.Errorf("send audio to %s: %w", clientID, err)
	}
	return nil
}

func (r *Registry) handleControl(ctx context.Context, clientID string, e *entry, raw []byte) error {
	msg, err := protocol.Decode(raw)
	if err != nil {
		r.log.Warn("malformed control message", slog.String("client_id", clientID), slog.String("error", err.Error()))
		return r.reply(ctx, e, protocol.ErrorMessage(err.Error()))
	}

	if !msg.Known() {
		r.log.Info("unknown control message", slog.String("client_id", clientID), slog.String("type", string(msg.Type)))
		return nil
	}

	switch msg.Type {
	case protocol.TypeReady:
		r.log.Info("client ready", slog.String("client_id", clientID))
		return r.reply(ctx, e, protocol.ReadyAck())
	case protocol.TypePing:
		return r.reply(ctx, e, protocol.Pong(r.uptime().Seconds()))
	case protocol.TypeConfigure:
		if err := e.session.UpdateConfig(ctx, msg.Config); err != nil {
			r.log.Warn("configuration update rejected", slog.String("client_id", clientID), slog.String("error", err.Error()))
			return r.reply(ctx, e, protocol.ErrorMessage("Configuration update failed: "+err.Error()))
		}
		return r.reply(ctx, e, protocol.ConfigUpdated())
	case protocol.TypePong, protocol.TypeReadyAck, protocol.TypeConfigUpdated, protocol.TypeError:
		r.log.Debug("ignoring reply-type message from client", slog.String("client_id", clientID), slog.String("type", string(msg.Type)))
		return nil
	case protocol.TypeMeta:
		r.log.Info("client metadata", slog.String("client_id", clientID), slog.Any("data", msg.Data))
	}
	return nil
}

func (r *Registry) reply(ctx context.Context, e *entry, msg protocol.ControlMessage) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := e.transport.SendText(ctx, payload); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}
