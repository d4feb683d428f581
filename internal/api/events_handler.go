package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/mcpd/internal/events"
)

const keepAliveInterval = 15 * time.Second

// sseStream writes hub events in text/event-stream framing and drops
// anything at or below the last id it already sent.
type sseStream struct {
	w      io.Writer
	flush  func()
	lastID int64
}

func (s *sseStream) send(ev events.Event) error {
	if ev.ID <= s.lastID {
		return nil
	}
	frame := "id: " + strconv.FormatInt(ev.ID, 10) + "\n"
	if ev.Type != "" {
		frame += "event: " + ev.Type + "\n"
	}
	// Payloads are compact JSON, so a single data line suffices.
	frame += "data: " + string(ev.Data) + "\n\n"
	if _, err := io.WriteString(s.w, frame); err != nil {
		return err
	}
	s.lastID = ev.ID
	return nil
}

func (s *sseStream) ping() error {
	_, err := io.WriteString(s.w, ": keep-alive\n\n")
	return err
}

// handleEvents serves GET /events. Clients reconnecting with Last-Event-ID
// are replayed whatever the ring still holds past that id.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}
	hub := s.coord.Hub()

	// Subscribe first: events published during the replay still arrive on ch.
	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	stream := &sseStream{w: w, flush: flusher.Flush, lastID: lastEventID(r)}
	for _, ev := range hub.SnapshotSince(stream.lastID) {
		if err := stream.send(ev); err != nil {
			return
		}
	}
	stream.flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			err = stream.send(ev)
		case <-ticker.C:
			err = stream.ping()
		}
		if err != nil {
			s.logger.Debug("event stream closed", "error", err)
			return
		}
		stream.flush()
	}
}

// lastEventID returns the resume point a client asked for, or 0.
func lastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
