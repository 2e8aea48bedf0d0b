package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ent0n29/naturalstream/internal/fusion"
	"github.com/ent0n29/naturalstream/internal/logx"
	"github.com/ent0n29/naturalstream/internal/protocol"
)

const turnIDHeader = "X-Turn-ID"

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := readChatBody(r)
	if err != nil {
		s.countEvent("rejected_invalid")
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !s.admission.TryAcquire(1) {
		s.countEvent("rejected_busy")
		respondError(w, http.StatusTooManyRequests, "busy", "too many concurrent turns")
		return
	}
	defer s.admission.Release(1)

	turn, err := s.starter.Start(r.Context(), fusion.StartRequest{
		TurnID:   strings.TrimSpace(r.Header.Get(turnIDHeader)),
		Messages: req.Messages,
	})
	if err != nil {
		if errors.Is(err, fusion.ErrInvalidRequest) {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		if errors.Is(err, fusion.ErrDuplicateTurn) {
			s.countEvent("rejected_duplicate")
			respondError(w, http.StatusConflict, "turn_conflict", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "turn_setup_failed", err.Error())
		return
	}

	w.Header().Set(turnIDHeader, turn.ID)
	w.Header().Set("Cache-Control", "no-cache")
	if wantsEventStream(r) {
		s.streamSSE(w, r, turn)
		return
	}
	s.streamText(w, r, turn)
}

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Accept")), "text/event-stream")
}

func (s *Server) streamText(w http.ResponseWriter, r *http.Request, turn *fusion.Turn) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for {
		delta, err := turn.Recv(r.Context())
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logx.Warn().Err(err).Str("turn_id", turn.ID).Msg("chat stream ended early")
			}
			return
		}
		if _, err := io.WriteString(w, delta.Delta); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, turn *fusion.Turn) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	for {
		delta, err := turn.Recv(r.Context())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logx.Warn().Err(err).Str("turn_id", turn.ID).Msg("chat event stream ended early")
			if r.Context().Err() == nil {
				_ = writeSSE(w, "error", protocol.ErrorEvent{
					Type:   protocol.TypeErrorEvent,
					TurnID: turn.ID,
					Code:   "turn_failed",
					Source: "fusion",
					Detail: err.Error(),
				})
				flush()
			}
			return
		}
		if err := writeSSE(w, "", delta); err != nil {
			return
		}
		flush()
	}

	report := turn.Report()
	_ = writeSSE(w, "done", protocol.TurnEnd{
		Type:   protocol.TypeTurnEnd,
		TurnID: turn.ID,
		Reason: report.ExitReason,
		Report: report,
	})
	flush()
}

func writeSSE(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
