package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/naturalstream/internal/fusion"
	"github.com/ent0n29/naturalstream/internal/logx"
	"github.com/ent0n29/naturalstream/internal/protocol"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
)

type wsInbound struct {
	req protocol.ChatRequest
	err error
}

// handleChatWS runs turns sequentially for one connection. The reader
// goroutine only parses; every write happens on the handler goroutine.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	if s.starter == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "fusion controller not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.countEvent("ws_connected")
	defer s.countEvent("ws_disconnected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan wsInbound, 8)
	go s.readWS(ctx, cancel, conn, inbound)

	for item := range inbound {
		if item.err != nil {
			if err := s.writeWS(conn, protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Source: "gateway",
				Detail: item.err.Error(),
			}); err != nil {
				return
			}
			continue
		}
		if err := s.runWSTurn(ctx, conn, item.req); err != nil {
			return
		}
	}
}

func (s *Server) readWS(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, inbound chan<- wsInbound) {
	defer close(inbound)
	defer cancel()

	conn.SetReadLimit(maxChatBodyBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}

		item := wsInbound{}
		if _, err := protocol.ParseClientMessage(data); err != nil {
			item.err = err
		} else if req, err := decodeChatRequest(data); err != nil {
			item.err = err
		} else {
			item.req = req
		}

		select {
		case <-ctx.Done():
			return
		case inbound <- item:
		}
	}
}

// runWSTurn streams one turn. Only write failures are returned; turn errors
// are reported to the client as error events.
func (s *Server) runWSTurn(ctx context.Context, conn *websocket.Conn, req protocol.ChatRequest) error {
	if !s.admission.TryAcquire(1) {
		s.countEvent("rejected_busy")
		return s.writeWS(conn, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			Code:      "busy",
			Source:    "gateway",
			Retryable: true,
			Detail:    "too many concurrent turns",
		})
	}
	defer s.admission.Release(1)

	turn, err := s.starter.Start(ctx, fusion.StartRequest{Messages: req.Messages})
	if err != nil {
		return s.writeWS(conn, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			Code:      "turn_setup_failed",
			Source:    "fusion",
			Retryable: !errors.Is(err, fusion.ErrInvalidRequest),
			Detail:    err.Error(),
		})
	}

	if err := s.writeWS(conn, protocol.TurnStarted{Type: protocol.TypeTurnStarted, TurnID: turn.ID}); err != nil {
		return err
	}
	for {
		delta, err := turn.Recv(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logx.Warn().Err(err).Str("turn_id", turn.ID).Msg("websocket turn failed")
			return s.writeWS(conn, protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				TurnID: turn.ID,
				Code:   "turn_failed",
				Source: "fusion",
				Detail: err.Error(),
			})
		}
		if err := s.writeWS(conn, protocol.TurnTextDelta{
			Type:   protocol.TypeTextDelta,
			TurnID: turn.ID,
			ID:     delta.ID,
			Delta:  delta.Delta,
		}); err != nil {
			return err
		}
	}

	report := turn.Report()
	return s.writeWS(conn, protocol.TurnEnd{
		Type:   protocol.TypeTurnEnd,
		TurnID: turn.ID,
		Reason: report.ExitReason,
		Report: report,
	})
}

func (s *Server) writeWS(conn *websocket.Conn, msg any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		s.countEvent("ws_write_error")
		return err
	}
	return nil
}
