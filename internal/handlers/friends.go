package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/PeerPigeon/PigeonSocial-sub000/internal/models"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/peersync"
)

// Identities are base64 and may contain '/', so they travel in JSON
// bodies rather than URL path segments. Request ids are UUIDs and are
// safe in paths.

// FriendListResponse represents the friend list response.
type FriendListResponse struct {
	Friends []models.Friend `json:"friends"`
}

// ListFriends returns all friends with their presence status.
func (h *Handler) ListFriends(w http.ResponseWriter, r *http.Request) {
	friends, err := h.svc.Friends(r.Context())
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to load friends")
		return
	}
	h.JSON(w, http.StatusOK, FriendListResponse{Friends: friends})
}

// IdentityRequest is the common body for operations keyed by identity.
type IdentityRequest struct {
	Identity string `json:"identity"`
}

// RemoveFriend deletes a friend and the follow relationship.
func (h *Handler) RemoveFriend(w http.ResponseWriter, r *http.Request) {
	var req IdentityRequest
	if err := h.decode(r, &req); err != nil || req.Identity == "" {
		h.Error(w, http.StatusBadRequest, "identity is required")
		return
	}
	if err := h.svc.RemoveFriend(r.Context(), req.Identity); err != nil {
		if errors.Is(err, peersync.ErrNotFriend) {
			h.Error(w, http.StatusNotFound, "not a friend")
			return
		}
		h.Error(w, http.StatusInternalServerError, "failed to remove friend")
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// SendRequestBody represents an outgoing friend request.
type SendRequestBody struct {
	Identity string `json:"identity"`
	Message  string `json:"message,omitempty"`
}

// SendFriendRequest sends a friend request to a reachable peer.
func (h *Handler) SendFriendRequest(w http.ResponseWriter, r *http.Request) {
	var req SendRequestBody
	if err := h.decode(r, &req); err != nil || req.Identity == "" {
		h.Error(w, http.StatusBadRequest, "identity is required")
		return
	}
	req.Message = sanitizeText(req.Message, 500)

	err := h.svc.SendFriendRequest(r.Context(), req.Identity, req.Message)
	switch {
	case err == nil:
		h.JSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
	case errors.Is(err, peersync.ErrAlreadyFriends):
		h.Error(w, http.StatusConflict, "already friends")
	case errors.Is(err, peersync.ErrPeerUnreachable):
		h.Error(w, http.StatusBadGateway, "peer is not reachable")
	default:
		h.Error(w, http.StatusInternalServerError, "failed to send request")
	}
}

// RequestListResponse represents pending incoming friend requests.
type RequestListResponse struct {
	Requests []models.FriendRequest `json:"requests"`
}

// ListRequests returns pending incoming friend requests.
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	requests, err := h.svc.PendingRequests(r.Context())
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to load requests")
		return
	}
	h.JSON(w, http.StatusOK, RequestListResponse{Requests: requests})
}

// AcceptRequest accepts a pending friend request by id.
func (h *Handler) AcceptRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.AcceptFriendRequest(r.Context(), id); err != nil {
		if errors.Is(err, peersync.ErrUnknownRequest) {
			h.Error(w, http.StatusNotFound, "unknown request id")
			return
		}
		h.Error(w, http.StatusInternalServerError, "failed to accept request")
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// RejectRequest declines a pending friend request by id.
func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.RejectFriendRequest(r.Context(), id); err != nil {
		if errors.Is(err, peersync.ErrUnknownRequest) {
			h.Error(w, http.StatusNotFound, "unknown request id")
			return
		}
		h.Error(w, http.StatusInternalServerError, "failed to reject request")
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

// FollowListResponse represents followed identities.
type FollowListResponse struct {
	Follows []models.Follow `json:"follows"`
}

// ListFollows returns everyone this node follows.
func (h *Handler) ListFollows(w http.ResponseWriter, r *http.Request) {
	follows, err := h.svc.Follows(r.Context())
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to load follows")
		return
	}
	h.JSON(w, http.StatusOK, FollowListResponse{Follows: follows})
}

// FollowRequest represents a follow operation body.
type FollowRequest struct {
	Identity string         `json:"identity"`
	Profile  models.Profile `json:"profile"`
}

// Follow starts following an identity without a friendship handshake.
func (h *Handler) Follow(w http.ResponseWriter, r *http.Request) {
	var req FollowRequest
	if err := h.decode(r, &req); err != nil || req.Identity == "" {
		h.Error(w, http.StatusBadRequest, "identity is required")
		return
	}
	if err := h.svc.FollowUser(r.Context(), req.Identity, req.Profile); err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to follow")
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"status": "following"})
}

// Unfollow stops following an identity.
func (h *Handler) Unfollow(w http.ResponseWriter, r *http.Request) {
	var req IdentityRequest
	if err := h.decode(r, &req); err != nil || req.Identity == "" {
		h.Error(w, http.StatusBadRequest, "identity is required")
		return
	}
	if err := h.svc.UnfollowUser(r.Context(), req.Identity); err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to unfollow")
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"status": "unfollowed"})
}

// PeerListResponse represents discovered non-friend peers.
type PeerListResponse struct {
	Peers []peersync.PeerDiscovered `json:"peers"`
}

// ListPeers returns identities currently announcing on the mesh that are
// not friends yet.
func (h *Handler) ListPeers(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, PeerListResponse{Peers: h.svc.DiscoveredPeers()})
}
