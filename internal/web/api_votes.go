package web

import (
	"net/http"
	"strings"

	"github.com/haasonsaas/chatturn/pkg/models"
)

type voteRequest struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	// Type is "up" or "down".
	Type string `json:"type"`
}

// apiVote handles PATCH /api/vote.
func (h *Handler) apiVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := h.decodeJSON(w, r, &req); err != nil || (req.Type != "up" && req.Type != "down") {
		writeText(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	vote := models.Vote{ChatID: req.ChatID, MessageID: req.MessageID, IsUpvoted: req.Type == "up"}
	if err := h.config.Sessions.Vote(r.Context(), user.ID, vote); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeText(w, http.StatusOK, "Message voted")
}

// apiVotes handles GET /api/vote?chatId=.
func (h *Handler) apiVotes(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	chatID := strings.TrimSpace(r.URL.Query().Get("chatId"))
	if chatID == "" {
		writeText(w, http.StatusBadRequest, "chatId is required")
		return
	}
	view, err := h.config.Sessions.Get(r.Context(), chatID, user.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	votes := view.Votes
	if votes == nil {
		votes = []models.Vote{}
	}
	h.writeJSON(w, http.StatusOK, votes)
}
