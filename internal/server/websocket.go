package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-meet/internal/protocol"
	"github.com/loqalabs/loqa-meet/internal/session"
)

// wsTransport serializes writes; gorilla connections allow one concurrent
// writer.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (t *wsTransport) SendBinary(ctx context.Context, data []byte) error {
	return t.write(ctx, websocket.BinaryMessage, data)
}

func (t *wsTransport) SendText(ctx context.Context, data []byte) error {
	return t.write(ctx, websocket.TextMessage, data)
}

func (t *wsTransport) write(ctx context.Context, messageType int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline := time.Now().Add(t.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(messageType, data)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client_id")
	if clientID == "" {
		http.Error(w, "client id is required", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slog.String("client_id", clientID), slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	s.track(conn)
	defer s.untrack(conn)

	if s.cfg.ReadLimitBytes > 0 {
		conn.SetReadLimit(s.cfg.ReadLimitBytes)
	}
	writeTimeout := time.Duration(s.cfg.WriteTimeoutMS) * time.Millisecond
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	transport := &wsTransport{conn: conn, writeTimeout: writeTimeout}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if _, err := s.registry.Connect(ctx, clientID, transport); err != nil {
		s.log.Warn("rejected websocket session", slog.String("client_id", clientID), slog.String("error", err.Error()))
		if payload, encErr := protocol.Encode(protocol.ErrorMessage(err.Error())); encErr == nil {
			_ = transport.SendText(ctx, payload)
		}
		code := websocket.CloseInternalServerErr
		if errors.Is(err, session.ErrDuplicateSession) {
			code = websocket.ClosePolicyViolation
		} else if errors.Is(err, session.ErrRegistryFull) {
			code = websocket.CloseTryAgainLater
		}
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(writeTimeout))
		return
	}
	defer func() {
		_ = s.registry.Disconnect(clientID)
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.log.Warn("websocket read failed", slog.String("client_id", clientID), slog.String("error", err.Error()))
			}
			return
		}
		var unit session.Unit
		switch messageType {
		case websocket.BinaryMessage:
			unit = session.Unit{Kind: session.UnitBinary, Data: data}
		case websocket.TextMessage:
			unit = session.Unit{Kind: session.UnitText, Data: data}
		default:
			continue
		}
		if err := s.registry.Dispatch(ctx, clientID, unit); err != nil {
			s.log.Warn("dispatch failed, closing connection", slog.String("client_id", clientID), slog.String("error", err.Error()))
			return
		}
	}
}
