package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/haasonsaas/chatturn/internal/apierr"
	"github.com/haasonsaas/chatturn/internal/auth"
	"github.com/haasonsaas/chatturn/internal/storage"
	"github.com/haasonsaas/chatturn/pkg/models"
)

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("json encode error", "error", err)
	}
}

func writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, text)
}

// writeError maps err to its status and public message. Storage sentinels
// that escaped classification are mapped here too.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if apierr.KindOf(err) == apierr.KindInternal {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			err = apierr.New(apierr.KindNotFound, "Not found", err)
		case errors.Is(err, storage.ErrVersionConflict):
			err = apierr.New(apierr.KindValidation, "Version conflict", err)
		}
	}
	status := apierr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	writeText(w, status, apierr.PublicMessage(err))
}

// requireUser returns the caller or writes a 401.
func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok || user == nil || user.ID == "" {
		writeText(w, http.StatusUnauthorized, "Unauthorized")
		return nil, false
	}
	return user, true
}

// decodeJSON reads a bounded JSON body into v.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(v); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

// queryLimit parses ?limit=, falling back to def.
func queryLimit(r *http.Request, def int) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return def
	}
	return limit
}
