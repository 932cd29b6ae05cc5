package experiment

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ThomasWerthenbach/Repple/node"
	"github.com/ThomasWerthenbach/Repple/protocol"
)

// StatusSource provides peer snapshots. Implemented by Orchestrator.
type StatusSource interface {
	Statuses() []node.Status
	Status(id protocol.PeerID) (node.Status, bool)
}

// StatusHandler exposes peer lifecycle state over HTTP.
type StatusHandler struct {
	source StatusSource
}

func NewStatusHandler(source StatusSource) *StatusHandler {
	return &StatusHandler{source: source}
}

func (h *StatusHandler) RegisterRoutes(r chi.Router) {
	r.Get("/peers", h.handleList)
	r.Get("/peers/{id}", h.handleGet)
}

func (h *StatusHandler) handleList(w http.ResponseWriter, r *http.Request) {
	statuses := h.source.Statuses()
	writeJSON(w, &statuses)
}

func (h *StatusHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := protocol.ParsePeerID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	status, ok := h.source.Status(id)
	if !ok {
		http.Error(w, "peer not found", http.StatusNotFound)
		return
	}

	writeJSON(w, &status)
}

func writeJSON[T any](w http.ResponseWriter, msg *T) {
	data, err := protocol.SerializeMessage(msg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
