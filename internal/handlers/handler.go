package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"unicode"

	"github.com/PeerPigeon/PigeonSocial-sub000/internal/peersync"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/store"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	svc *peersync.Service
	kv  store.KV
}

// NewHandler creates a new Handler around the sync engine.
func NewHandler(svc *peersync.Service, kv store.KV) *Handler {
	return &Handler{svc: svc, kv: kv}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// decode parses a JSON request body into dst.
func (h *Handler) decode(r *http.Request, dst interface{}) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

// sanitizeText trims, strips control characters, and caps length.
func sanitizeText(s string, max int) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
	if len(s) > max {
		s = s[:max]
	}
	return s
}
