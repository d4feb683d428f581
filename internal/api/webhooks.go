package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/mcpd/internal/webhook"
)

// handleRegisterWebhook handles POST /webhooks.
func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhook.RegisterRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	sub, err := s.coord.Webhooks().Registry().Register(req)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.logger.Info("webhook registered", "webhook_id", sub.ID, "url", sub.URL, "events", sub.Events)
	respondJSON(w, http.StatusCreated, WebhookCreatedResponse{OK: true, WebhookID: sub.ID, Webhook: sub})
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	subs := s.coord.Webhooks().Registry().List()
	out := make([]*webhook.Subscription, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.Redacted())
	}
	respondJSON(w, http.StatusOK, WebhookListResponse{Webhooks: out})
}

func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	sub, err := s.coord.Webhooks().Registry().Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub.Redacted())
}

// handleUpdateWebhook handles PATCH /webhooks/{id}.
func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhook.UpdateRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	sub, err := s.coord.Webhooks().Registry().Update(chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub.Redacted())
}

func (s *Server) handleUnregisterWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.coord.Webhooks().Registry().Unregister(id); err != nil {
		s.writeErr(w, err)
		return
	}
	s.logger.Info("webhook unregistered", "webhook_id", id)
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "webhook_id": id})
}

func (s *Server) handleWebhookStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.coord.Webhooks().Stats()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// handleWebhookDeliveries handles GET /webhooks/{id}/deliveries?limit=.
func (s *Server) handleWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.coord.Webhooks().Registry().Get(id); err != nil {
		s.writeErr(w, err)
		return
	}
	limit, ok := s.limitParam(w, r)
	if !ok {
		return
	}
	recs, err := s.coord.Webhooks().Deliveries(id, limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if recs == nil {
		recs = []webhook.LogRecord{}
	}
	respondJSON(w, http.StatusOK, DeliveriesResponse{WebhookID: id, Deliveries: recs})
}
