package web

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/chatturn/internal/apierr"
	"github.com/haasonsaas/chatturn/internal/storage"
	"github.com/haasonsaas/chatturn/pkg/models"
)

// ownedVersions returns every version of a document the user owns.
func (h *Handler) ownedVersions(r *http.Request, id, userID string) ([]*models.Document, error) {
	if id == "" {
		return nil, apierr.Validation("Missing id")
	}
	versions, err := h.config.Store.ListDocumentVersions(r.Context(), id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, apierr.Persistence(err)
	}
	if len(versions) == 0 {
		return nil, apierr.NotFound("Document not found")
	}
	if versions[0].OwnerID != userID {
		return nil, apierr.Unauthorized("Unauthorized")
	}
	return versions, nil
}

// apiDocument handles GET /api/document?id=, returning all versions oldest
// first.
func (h *Handler) apiDocument(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	versions, err := h.ownedVersions(r, strings.TrimSpace(r.URL.Query().Get("id")), user.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, versions)
}

type deleteVersionsResponse struct {
	Deleted int `json:"deleted"`
}

// apiDocumentDelete handles DELETE /api/document?id=&timestamp=, dropping the
// versions created after timestamp together with their suggestions.
func (h *Handler) apiDocumentDelete(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	after, err := parseTimestamp(query.Get("timestamp"))
	if err != nil {
		writeText(w, http.StatusBadRequest, "Invalid timestamp")
		return
	}
	id := strings.TrimSpace(query.Get("id"))
	if _, err := h.ownedVersions(r, id, user.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	deleted, err := h.config.Store.DeleteDocumentVersionsAfter(r.Context(), id, after)
	if err != nil {
		h.writeError(w, r, apierr.Persistence(err))
		return
	}
	h.writeJSON(w, http.StatusOK, deleteVersionsResponse{Deleted: deleted})
}

// parseTimestamp accepts RFC 3339 or unix milliseconds.
func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("timestamp is required")
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, err
	}
	return models.VersionTime(t), nil
}

// apiSuggestions handles GET /api/suggestions?documentId=.
func (h *Handler) apiSuggestions(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	documentID := strings.TrimSpace(r.URL.Query().Get("documentId"))
	if _, err := h.ownedVersions(r, documentID, user.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	suggestions, err := h.config.Store.ListSuggestions(r.Context(), documentID)
	if err != nil {
		h.writeError(w, r, apierr.Persistence(err))
		return
	}
	if suggestions == nil {
		suggestions = []*models.Suggestion{}
	}
	h.writeJSON(w, http.StatusOK, suggestions)
}

// apiSuggestionResolve handles PATCH /api/suggestions/{id}?documentId=,
// marking a suggestion as applied or dismissed.
func (h *Handler) apiSuggestionResolve(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	documentID := strings.TrimSpace(r.URL.Query().Get("documentId"))
	if _, err := h.ownedVersions(r, documentID, user.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	suggestions, err := h.config.Store.ListSuggestions(r.Context(), documentID)
	if err != nil {
		h.writeError(w, r, apierr.Persistence(err))
		return
	}
	id := r.PathValue("id")
	var target *models.Suggestion
	for _, s := range suggestions {
		if s.ID == id {
			target = s
			break
		}
	}
	if target == nil {
		writeText(w, http.StatusNotFound, "Suggestion not found")
		return
	}
	if result := h.config.Writer.ResolveSuggestion(r.Context(), id); !result.OK() {
		h.writeError(w, r, apierr.Persistence(result.Err))
		return
	}
	target.IsResolved = true
	h.writeJSON(w, http.StatusOK, target)
}
