package handlers

import (
	"net/http"

	"github.com/PeerPigeon/PigeonSocial-sub000/internal/models"
)

// CreatePostRequest represents the share-post request body.
type CreatePostRequest struct {
	Body string `json:"body"`
}

// CreatePost stores a post and fans it out to online friends; offline
// friends receive it on their next reconnect.
func (h *Handler) CreatePost(w http.ResponseWriter, r *http.Request) {
	var req CreatePostRequest
	if err := h.decode(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Body = sanitizeText(req.Body, 4096)
	if req.Body == "" {
		h.Error(w, http.StatusBadRequest, "body is required")
		return
	}

	post, err := h.svc.SharePostWithFriends(r.Context(), req.Body)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to share post")
		return
	}
	h.JSON(w, http.StatusCreated, post)
}

// PostListResponse represents the post feed response.
type PostListResponse struct {
	Posts []models.Post `json:"posts"`
}

// ListPosts returns stored posts, optionally filtered by author.
func (h *Handler) ListPosts(w http.ResponseWriter, r *http.Request) {
	author := r.URL.Query().Get("author")
	posts, err := h.svc.Posts(r.Context(), author)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to load posts")
		return
	}
	h.JSON(w, http.StatusOK, PostListResponse{Posts: posts})
}
