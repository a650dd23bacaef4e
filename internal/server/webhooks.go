package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"switchyard/internal/provider"
	"switchyard/internal/reconcile"
)

const maxWebhookBody = 1 << 20

// handleWebhook verifies and applies one provider settlement webhook. A bad
// signature is a hard 401; everything that verifies is answered 202 even if
// the event turns out to be stale, because providers retry on non-2xx and a
// stale event will never become applicable.
func handleWebhook(w http.ResponseWriter, r *http.Request, registry *provider.Registry, rec *reconcile.Reconciler) {
	providerID := chi.URLParam(r, "provider_id")
	adapter, ok := registry.Get(providerID)
	if !ok {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "unknown provider"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	signature := r.Header.Get(adapter.SignatureHeader())
	if !adapter.VerifyWebhook(signature, body) {
		respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}
	ev, err := adapter.ParseWebhook(body)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := rec.Apply(r.Context(), ev); err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "event not applied"})
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
