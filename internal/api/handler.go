// Package api provides HTTP handlers for the site's JSON API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ryanwaits/site/internal/domain"
)

// DocumentLister lists published site documents.
type DocumentLister interface {
	ListDocuments(ctx context.Context) ([]domain.DocumentMeta, error)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// PostsHandler serves the post listing.
type PostsHandler struct {
	docs DocumentLister
}

// NewPostsHandler creates a posts handler.
func NewPostsHandler(docs DocumentLister) *PostsHandler {
	return &PostsHandler{docs: docs}
}

type postSummary struct {
	Slug        string `json:"slug"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Date        string `json:"date,omitempty"`
}

// List handles GET /api/posts.
func (h *PostsHandler) List(w http.ResponseWriter, r *http.Request) {
	docs, err := h.docs.ListDocuments(r.Context())
	if err != nil {
		slog.Error("Failed to list documents", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list posts")
		return
	}

	posts := make([]postSummary, 0, len(docs))
	for _, d := range docs {
		p := postSummary{Slug: d.Slug, Title: d.Title, Description: d.Description}
		if !d.Date.IsZero() {
			p.Date = d.Date.Format("2006-01-02")
		}
		posts = append(posts, p)
	}
	JSON(w, http.StatusOK, map[string]any{"posts": posts})
}

// RegisterRoutes registers the posts route.
func (h *PostsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/posts", h.List)
}
