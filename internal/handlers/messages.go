package handlers

import (
	"errors"
	"net/http"

	"github.com/PeerPigeon/PigeonSocial-sub000/internal/peersync"
)

// SendMessageRequest represents the send message request body.
type SendMessageRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// SendMessageResponse reports how the message left the node.
type SendMessageResponse struct {
	Outcome peersync.SendOutcome `json:"outcome"`
}

// SendMessage sends an encrypted direct message to a friend, queueing it
// when the friend is offline.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := h.decode(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.To == "" || req.Body == "" {
		h.Error(w, http.StatusBadRequest, "to and body are required")
		return
	}
	if len(req.Body) > 8192 {
		h.Error(w, http.StatusUnprocessableEntity, "body too long (max 8192 bytes)")
		return
	}

	outcome, err := h.svc.SendMessage(r.Context(), req.To, req.Body)
	if err != nil {
		if errors.Is(err, peersync.ErrNotFriend) {
			h.Error(w, http.StatusForbidden, "recipient is not a friend")
			return
		}
		h.Error(w, http.StatusInternalServerError, "failed to send message")
		return
	}
	h.JSON(w, http.StatusCreated, SendMessageResponse{Outcome: outcome})
}

// HistoryMessage represents one conversation entry in API responses.
type HistoryMessage struct {
	ID            string `json:"id"`
	From          string `json:"from"`
	To            string `json:"to"`
	Body          string `json:"body"`
	DecryptFailed bool   `json:"decrypt_failed,omitempty"`
	Timestamp     int64  `json:"ts"`
}

// HistoryResponse represents a conversation history.
type HistoryResponse struct {
	Messages []HistoryMessage `json:"messages"`
	Queued   int              `json:"queued"`
}

// History returns the stored conversation with a peer, both directions,
// oldest first, decrypted for display.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	peer := r.URL.Query().Get("peer")
	if peer == "" {
		h.Error(w, http.StatusBadRequest, "peer query parameter is required")
		return
	}

	entries, err := h.svc.History(r.Context(), peer)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	queued, err := h.svc.OutboxDepth(r.Context(), peer)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to read outbox")
		return
	}

	messages := make([]HistoryMessage, len(entries))
	for i, e := range entries {
		messages[i] = HistoryMessage{
			ID:            e.Message.ID,
			From:          e.Message.From,
			To:            e.Message.To,
			Body:          e.Plaintext,
			DecryptFailed: e.DecryptFailed,
			Timestamp:     e.Message.Timestamp,
		}
	}
	h.JSON(w, http.StatusOK, HistoryResponse{Messages: messages, Queued: queued})
}
