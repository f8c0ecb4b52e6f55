package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/BrandonDucar/dream-net-sub003/internal/bus"
)

type publishResponse struct {
	Event bus.Event `json:"event"`
}

type eventsResponse struct {
	Events []bus.Event `json:"events"`
}

// handlePublish implements POST /event: the signed external ingress.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		s.unavailable(w, "event bus")
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "request body too large"})
			return
		}
		s.writeError(w, r, fmt.Errorf("%w: read body: %v", bus.ErrValidation, err))
		return
	}
	ev, err := s.cfg.Bus.PublishExternal(r.Context(), raw, r.Header.Get(bus.SignatureHeader))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, publishResponse{Event: ev})
}

// parseFilter reads topics, limit and since from the query string.
func parseFilter(r *http.Request) (bus.Filter, error) {
	q := r.URL.Query()
	var f bus.Filter
	if raw := q.Get("topics"); raw != "" {
		topics, err := bus.ParseTopics(strings.Split(raw, ","))
		if err != nil {
			return f, err
		}
		f.Topics = topics
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, fmt.Errorf("%w: limit must be a non-negative integer", bus.ErrValidation)
		}
		f.Limit = n
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return f, fmt.Errorf("%w: since must be RFC3339", bus.ErrValidation)
		}
		f.Since = t.UTC()
	}
	return f, nil
}

// handleEvents implements GET /events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		s.unavailable(w, "event bus")
		return
	}
	f, err := parseFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.cfg.Bus.FetchEvents(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []bus.Event{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events})
}

// handleStream implements GET /stream as Server-Sent Events. Historical
// events matching the filter are sent first (unless replay=false), then live
// events. The live subscription is opened before the replay query so nothing
// published in between is lost; events already replayed are skipped.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		s.unavailable(w, "event bus")
		return
	}
	f, err := parseFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	replay := true
	if raw := r.URL.Query().Get("replay"); raw != "" {
		replay, err = strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: replay must be true or false", bus.ErrValidation))
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming not supported"})
		return
	}

	sub := s.cfg.Bus.Stream(f.Topics, s.cfg.StreamBuffer)
	defer sub.Close()

	var history []bus.Event
	if replay {
		history, err = s.cfg.Bus.Replay(r.Context(), f)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	seen := make(map[string]struct{}, len(history))
	for _, ev := range history {
		seen[ev.ID] = struct{}{}
		if err := writeSSE(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse: client disconnected", "dropped", sub.Dropped())
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if _, dup := seen[ev.ID]; dup {
				delete(seen, ev.ID)
				continue
			}
			if err := writeSSE(w, ev); err != nil {
				s.logger.Debug("sse: write failed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, ev bus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
	return err
}

// handleWS implements GET /ws: a live tail of bus events as JSON frames.
// Client frames are ignored.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		s.unavailable(w, "event bus")
		return
	}
	f, err := parseFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	sub := s.cfg.Bus.Stream(f.Topics, s.cfg.StreamBuffer)
	defer sub.Close()

	// CloseRead discards client frames and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	s.logger.Info("ws: client connected", "topics", f.Topics)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ws: client disconnected", "dropped", sub.Dropped())
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				s.logger.Debug("ws: write failed", "error", err)
				return
			}
		}
	}
}
