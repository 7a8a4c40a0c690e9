package control

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Response is the unified envelope every endpoint answers with, the event
// stream excepted.
type Response struct {
	Result        string `json:"result"`
	Data          any    `json:"data,omitempty"`
	Code          string `json:"code,omitempty"`
	Message       string `json:"message,omitempty"`
	CorrelationID string `json:"correlationId"`
}

func writeSuccess(w http.ResponseWriter, data any) {
	writeResponse(w, http.StatusOK, &Response{
		Result:        "ok",
		Data:          data,
		CorrelationID: uuid.NewString(),
	})
}

func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeResponse(w, statusCode, &Response{
		Result:        "error",
		Code:          code,
		Message:       message,
		CorrelationID: uuid.NewString(),
	})
}

func writeResponse(w http.ResponseWriter, statusCode int, resp *Response) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		fmt.Fprintf(w, "encode failure: %v", err)
	}
}

// handleHealth handles GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET method is allowed")
		return
	}
	writeSuccess(w, map[string]any{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(s.startTime).Seconds()),
	})
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET method is allowed")
		return
	}
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Status provider not available")
		return
	}
	writeSuccess(w, s.status.Status())
}

// handleStop handles POST /stop. The body is optional strict JSON carrying
// a reason.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only POST method is allowed")
		return
	}
	if s.stopper == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Stop control not available")
		return
	}

	reason := "operator request"
	var req struct {
		Reason string `json:"reason"`
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err == nil {
		if err := dec.Decode(&struct{}{}); err != io.EOF {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Trailing data after JSON object")
			return
		}
		if req.Reason != "" {
			reason = fmt.Sprintf("operator request: %s", req.Reason)
		}
	} else if err != io.EOF {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Malformed JSON or unknown fields")
		return
	}

	s.log.Info("stop requested over control surface", zap.String("reason", reason))
	s.stopper.RequestStop(reason)
	writeSuccess(w, map[string]string{"stopping": reason})
}

// handleEvents handles GET /events as a server-sent event stream: the
// replay buffer first, then live events until the client goes away or the
// run ends.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET method is allowed")
		return
	}
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Event stream not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "UNAVAILABLE", "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := s.hub.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.log.Warn("event stream marshal failed", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\n", ev.Type)
			fmt.Fprintf(w, "id: %d\n", ev.Seq)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
